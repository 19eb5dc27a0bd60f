// Package payments holds rider funds for the duration of a ride.
package payments

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrHoldNotFound      = errors.New("payment hold not found")
	ErrHoldClosed        = errors.New("payment hold already released or converted")
)

// Ledger is the payment-hold lifecycle used by dispatch. Amounts are in minor
// currency units.
type Ledger interface {
	CheckBalance(ctx context.Context, userID string, amount int64, currency string) error
	// CreateHold reserves amount for the ride search identified by ref and
	// returns the hold id. Retrying with the same ref returns the same hold.
	CreateHold(ctx context.Context, userID string, amount int64, currency string, ref HoldRef) (string, error)
	ReleaseHold(ctx context.Context, holdID, reason string) error
	// ConvertHoldToPayment charges amount out of the hold and releases the
	// remainder.
	ConvertHoldToPayment(ctx context.Context, holdID string, amount int64, reason string) error
}

// HoldRef names the search a hold pays for. A redispatched ride searches
// again under a new round and needs a hold of its own.
type HoldRef struct {
	RideID string
	Round  int
}

// IdempotencyKey is stable across retries of one round and distinct across
// rounds.
func (r HoldRef) IdempotencyKey() string {
	return fmt.Sprintf("hold-%s-%d", r.RideID, r.Round)
}
