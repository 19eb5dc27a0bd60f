package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type HoldState string

const (
	HoldActive    HoldState = "active"
	HoldReleased  HoldState = "released"
	HoldConverted HoldState = "converted"
)

type Hold struct {
	ID        string
	UserID    string
	Amount    int64
	Currency  string
	Ref       HoldRef
	State     HoldState
	Charged   int64
	Reason    string
}

// MemoryLedger keeps wallet balances and holds in process. Users without an
// explicit balance get DefaultBalance.
type MemoryLedger struct {
	mu             sync.Mutex
	DefaultBalance int64
	balances       map[string]int64
	holds          map[string]*Hold
}

func NewMemoryLedger(defaultBalance int64) *MemoryLedger {
	return &MemoryLedger{
		DefaultBalance: defaultBalance,
		balances:       make(map[string]int64),
		holds:          make(map[string]*Hold),
	}
}

func (m *MemoryLedger) SetBalance(userID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = amount
}

func (m *MemoryLedger) Balance(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID)
}

func (m *MemoryLedger) balanceLocked(userID string) int64 {
	if b, ok := m.balances[userID]; ok {
		return b
	}
	return m.DefaultBalance
}

// available is the balance minus active holds.
func (m *MemoryLedger) availableLocked(userID string) int64 {
	avail := m.balanceLocked(userID)
	for _, h := range m.holds {
		if h.UserID == userID && h.State == HoldActive {
			avail -= h.Amount
		}
	}
	return avail
}

func (m *MemoryLedger) CheckBalance(_ context.Context, userID string, amount int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.availableLocked(userID) < amount {
		return ErrInsufficientFunds
	}
	return nil
}

func (m *MemoryLedger) CreateHold(_ context.Context, userID string, amount int64, currency string, ref HoldRef) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.holds {
		if h.Ref == ref && h.UserID == userID {
			return h.ID, nil
		}
	}
	if m.availableLocked(userID) < amount {
		return "", ErrInsufficientFunds
	}
	h := &Hold{ID: "hold_" + uuid.NewString(), UserID: userID, Amount: amount, Currency: currency, Ref: ref, State: HoldActive}
	m.holds[h.ID] = h
	return h.ID, nil
}

func (m *MemoryLedger) ReleaseHold(_ context.Context, holdID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.activeLocked(holdID)
	if err != nil {
		return err
	}
	h.State = HoldReleased
	h.Reason = reason
	return nil
}

func (m *MemoryLedger) ConvertHoldToPayment(_ context.Context, holdID string, amount int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.activeLocked(holdID)
	if err != nil {
		return err
	}
	if amount > h.Amount {
		return fmt.Errorf("charge %d exceeds hold %d", amount, h.Amount)
	}
	h.State = HoldConverted
	h.Charged = amount
	h.Reason = reason
	m.balances[h.UserID] = m.balanceLocked(h.UserID) - amount
	return nil
}

func (m *MemoryLedger) activeLocked(holdID string) (*Hold, error) {
	h, ok := m.holds[holdID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	if h.State != HoldActive {
		return nil, ErrHoldClosed
	}
	return h, nil
}

// Hold returns a copy of the hold.
func (m *MemoryLedger) Hold(holdID string) (Hold, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	if !ok {
		return Hold{}, false
	}
	return *h, true
}
