package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is a single-process Store. The mutex stands in for the row
// level atomicity a database gives the conditional updates.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	offers   map[string]*models.Offer
	byRide   map[string][]string
	accepted map[string]string // ride id -> accepted offer id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		offers:   make(map[string]*models.Offer),
		byRide:   make(map[string][]string),
		accepted: make(map[string]string),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s already exists", r.ID)
	}
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, t Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[t.RideID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != t.From {
		return false, nil
	}
	r.Status = t.To
	r.UpdatedAt = t.At
	r.StatusHistory = append(r.StatusHistory, t.change())
	if t.DriverID != nil {
		r.DriverID = *t.DriverID
		if r.DriverID == "" {
			r.AssignedAt = nil
		} else {
			at := t.At
			r.AssignedAt = &at
		}
	}
	if t.PaymentHoldID != nil {
		r.PaymentHoldID = *t.PaymentHoldID
	}
	if t.Cancellation != nil {
		c := *t.Cancellation
		r.Cancellation = &c
	}
	if t.NewRound {
		r.SearchRound++
	}
	return true, nil
}

func (m *MemoryStore) ClaimBatch(_ context.Context, rideID string, prev, next int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.StatusSearching || r.CurrentBatch != prev {
		return false, nil
	}
	r.CurrentBatch = next
	return true, nil
}

func (m *MemoryStore) CreateOffers(_ context.Context, offers []models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range offers {
		if _, ok := m.offers[o.ID]; ok {
			return fmt.Errorf("offer %s already exists", o.ID)
		}
		if _, ok := m.rides[o.RideID]; !ok {
			return fmt.Errorf("offer %s: ride %s: %w", o.ID, o.RideID, ErrNotFound)
		}
	}
	for i := range offers {
		o := offers[i]
		m.offers[o.ID] = &o
		m.byRide[o.RideID] = append(m.byRide[o.RideID], o.ID)
	}
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *o
	return &c, nil
}

func (m *MemoryStore) AcceptedOffer(_ context.Context, rideID string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.accepted[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.offers[id]
	return &c, nil
}

func (m *MemoryStore) ListOffers(_ context.Context, rideID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byRide[rideID]
	out := make([]models.Offer, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.offers[id])
	}
	return out, nil
}

func (m *MemoryStore) AcceptOffer(_ context.Context, offerID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != models.OfferPending {
		return false, nil
	}
	if _, taken := m.accepted[o.RideID]; taken {
		return false, nil
	}
	o.Status = models.OfferAccepted
	o.RespondedAt = &at
	m.accepted[o.RideID] = o.ID
	return true, nil
}

func (m *MemoryStore) ResolveOffer(_ context.Context, offerID string, from, to models.OfferStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != from {
		return false, nil
	}
	if to == models.OfferAccepted {
		return false, fmt.Errorf("use AcceptOffer to accept offer %s", offerID)
	}
	if from == models.OfferAccepted && m.accepted[o.RideID] == o.ID {
		delete(m.accepted, o.RideID)
	}
	o.Status = to
	o.RespondedAt = &at
	return true, nil
}

func (m *MemoryStore) CancelPendingOffers(_ context.Context, rideID, keepOfferID string, at time.Time) ([]models.Offer, error) {
	return m.resolvePending(rideID, models.OfferCancelled, at, func(o *models.Offer) bool {
		return o.ID != keepOfferID
	}), nil
}

func (m *MemoryStore) ExpireBatch(_ context.Context, rideID string, batch int64, at time.Time) ([]models.Offer, error) {
	return m.resolvePending(rideID, models.OfferExpired, at, func(o *models.Offer) bool {
		return o.BatchNumber == batch
	}), nil
}

func (m *MemoryStore) resolvePending(rideID string, to models.OfferStatus, at time.Time, match func(*models.Offer) bool) []models.Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Offer
	for _, id := range m.byRide[rideID] {
		o := m.offers[id]
		if o.Status != models.OfferPending || !match(o) {
			continue
		}
		o.Status = to
		responded := at
		o.RespondedAt = &responded
		out = append(out, *o)
	}
	return out
}

func (m *MemoryStore) ContactedDrivers(_ context.Context, rideID string, round int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, id := range m.byRide[rideID] {
		o := m.offers[id]
		if o.SearchRound != round {
			continue
		}
		if _, ok := seen[o.DriverID]; ok {
			continue
		}
		seen[o.DriverID] = struct{}{}
		out = append(out, o.DriverID)
	}
	return out, nil
}

func (m *MemoryStore) HasPending(_ context.Context, rideID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.byRide[rideID] {
		if m.offers[id].Status == models.OfferPending {
			return true, nil
		}
	}
	return false, nil
}

func cloneRide(r *models.Ride) *models.Ride {
	c := *r
	if r.Dropoff != nil {
		d := *r.Dropoff
		c.Dropoff = &d
	}
	if r.Cancellation != nil {
		x := *r.Cancellation
		c.Cancellation = &x
	}
	if r.ScheduledAt != nil {
		s := *r.ScheduledAt
		c.ScheduledAt = &s
	}
	if r.AssignedAt != nil {
		a := *r.AssignedAt
		c.AssignedAt = &a
	}
	c.StatusHistory = append([]models.StatusChange(nil), r.StatusHistory...)
	return &c
}
