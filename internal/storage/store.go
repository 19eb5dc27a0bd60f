// Package storage persists rides and offers. Every mutation is a
// status-guarded conditional update: a false result means another actor
// already moved the row and is not an error.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// Transition moves a ride from From to To if and only if it is still in From.
// Nil pointer fields are left untouched; a pointer to "" clears the column.
type Transition struct {
	RideID        string
	From          models.RideStatus
	To            models.RideStatus
	Reason        string
	Actor         string
	At            time.Time
	DriverID      *string
	PaymentHoldID *string
	Cancellation  *models.Cancellation
	// NewRound starts a new search round, which resets the set of drivers
	// excluded from future batches.
	NewRound bool
}

func (t Transition) change() models.StatusChange {
	return models.StatusChange{From: t.From, To: t.To, Reason: t.Reason, Actor: t.Actor, At: t.At}
}

type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	TransitionRide(ctx context.Context, t Transition) (bool, error)
	// ClaimBatch moves a SEARCHING ride's current batch from prev to next.
	// Only the caller that wins the claim may write offers for next.
	ClaimBatch(ctx context.Context, rideID string, prev, next int64) (bool, error)
}

type OfferStore interface {
	// CreateOffers writes all offers or none.
	CreateOffers(ctx context.Context, offers []models.Offer) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	// AcceptedOffer returns the ride's accepted offer or ErrNotFound.
	AcceptedOffer(ctx context.Context, rideID string) (*models.Offer, error)
	ListOffers(ctx context.Context, rideID string) ([]models.Offer, error)
	// AcceptOffer moves a pending offer to accepted unless a sibling offer of
	// the same ride is already accepted.
	AcceptOffer(ctx context.Context, offerID string, at time.Time) (bool, error)
	ResolveOffer(ctx context.Context, offerID string, from, to models.OfferStatus, at time.Time) (bool, error)
	// CancelPendingOffers cancels every pending offer of the ride except
	// keepOfferID and returns the offers it cancelled.
	CancelPendingOffers(ctx context.Context, rideID, keepOfferID string, at time.Time) ([]models.Offer, error)
	// ExpireBatch moves the still pending offers of one batch to expired.
	ExpireBatch(ctx context.Context, rideID string, batch int64, at time.Time) ([]models.Offer, error)
	ContactedDrivers(ctx context.Context, rideID string, round int) ([]string, error)
	HasPending(ctx context.Context, rideID string) (bool, error)
}

type Store interface {
	RideStore
	OfferStore
}
