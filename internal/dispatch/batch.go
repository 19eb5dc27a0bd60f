package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/storage"
)

type DispatchResult struct {
	RideID          string    `json:"ride_id"`
	DriversNotified int       `json:"drivers_notified"`
	BatchNumber     int64     `json:"batch_number"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// BatchNumber derives a batch id from the dispatch time. It is a collision
// tolerant identifier, not a sequence.
func BatchNumber(t time.Time) int64 {
	return t.Unix() % batchModulus
}

// Dispatch sends the next batch of offers for a searching ride. It refuses
// while offers of an earlier batch are still pending, and returns
// ErrNoDriversAvailable without changing the ride when nobody qualifies.
func (c *Coordinator) Dispatch(ctx context.Context, rideID string) (DispatchResult, error) {
	r, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return DispatchResult{}, err
	}
	if r.Status != models.StatusSearching {
		return DispatchResult{}, fmt.Errorf("%w: ride is %s", ErrConflict, r.Status)
	}
	pending, err := c.store.HasPending(ctx, r.ID)
	if err != nil {
		return DispatchResult{}, err
	}
	if pending {
		return DispatchResult{}, ErrDispatchInProgress
	}
	return c.dispatchBatch(ctx, r)
}

func (c *Coordinator) dispatchBatch(ctx context.Context, r *models.Ride) (DispatchResult, error) {
	settings := c.settings(r)
	contacted, err := c.store.ContactedDrivers(ctx, r.ID, r.SearchRound)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("load contacted drivers: %w", err)
	}
	candidates, err := c.finder.FindCandidates(ctx, r.Pickup.Coord, r.ServiceTier, settings.RadiusKm, contacted)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("find candidates: %w", err)
	}
	if len(candidates) == 0 {
		return DispatchResult{}, ErrNoDriversAvailable
	}
	selected := c.scorer.Top(candidates, settings.RadiusKm, settings.BatchSize)
	c.refineArrival(ctx, r.Pickup.Coord, selected)

	now := c.now()
	batch := nextBatch(r.CurrentBatch, now)
	// the claim serialises batch formation for the ride: a concurrent
	// dispatch, cascade or exhaust that read the same current batch loses
	claimed, err := c.store.ClaimBatch(ctx, r.ID, r.CurrentBatch, batch)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("claim batch: %w", err)
	}
	if !claimed {
		observability.BatchClaimConflicts.Inc()
		return DispatchResult{}, ErrDispatchInProgress
	}
	rideID := r.ID
	expiresAt := now.Add(settings.BatchTimeout)
	offers := make([]models.Offer, 0, len(selected))
	for _, cand := range selected {
		offers = append(offers, models.Offer{
			ID:                  c.newID(),
			RideID:              r.ID,
			DriverID:            cand.DriverID,
			Status:              models.OfferPending,
			BatchNumber:         batch,
			SearchRound:         r.SearchRound,
			ExpiresAt:           expiresAt,
			DistanceKm:          cand.DistanceKm,
			EstimatedArrivalMin: cand.EstimatedArrivalMin,
			CreatedAt:           now,
		})
	}
	// offers are durable before anyone hears about them
	if err := c.store.CreateOffers(ctx, offers); err != nil {
		// the claimed batch is empty; its timer cascades past it
		c.armBatch(rideID, batch, retryDelay)
		return DispatchResult{}, fmt.Errorf("create offers: %w", err)
	}
	// an accept or cancel that committed after the claim may have swept
	// pending offers before these were written
	if cur, err := c.store.GetRide(ctx, rideID); err != nil {
		c.logger.WarnContext(ctx, "reload ride after batch write failed", "ride_id", rideID, "batch", batch, "error", err)
	} else if cur.Status != models.StatusSearching {
		if _, err := c.store.CancelPendingOffers(ctx, rideID, "", now); err != nil {
			c.logger.ErrorContext(ctx, "withdraw batch failed", "ride_id", rideID, "batch", batch, "error", err)
		}
		return DispatchResult{}, fmt.Errorf("%w: ride is %s", ErrConflict, cur.Status)
	}

	for _, o := range offers {
		c.push(ctx, o.DriverID, c.offerMessage(r, o, settings.BatchTimeout), "ride_id", r.ID, "offer_id", o.ID)
	}
	c.armBatch(rideID, batch, settings.BatchTimeout)

	observability.OffersCreated.Add(float64(len(offers)))
	observability.BatchesDispatched.Inc()
	c.logger.InfoContext(ctx, "batch dispatched", "ride_id", r.ID, "batch", batch, "drivers", len(offers), "round", r.SearchRound, "expires_at", expiresAt)
	c.publish(ctx, models.RideEvent{RideID: r.ID, Type: "ride.batch_dispatched", To: r.Status, Batch: batch, At: now})

	return DispatchResult{RideID: r.ID, DriversNotified: len(offers), BatchNumber: batch, ExpiresAt: expiresAt}, nil
}

// refineArrival replaces the straight-line arrival estimate of the selected
// drivers with a routing engine estimate when one is configured.
func (c *Coordinator) refineArrival(ctx context.Context, pickup models.Coord, selected []models.CandidateDriver) {
	if c.eta == nil {
		return
	}
	for i := range selected {
		secs, err := c.eta.EstimateSeconds(ctx, selected[i].Loc, pickup)
		if err != nil {
			c.logger.DebugContext(ctx, "eta lookup failed, keeping estimate", "driver_id", selected[i].DriverID, "error", err)
			continue
		}
		selected[i].EstimatedArrivalMin = int(math.Ceil(secs / 60))
	}
}

// nextBatch keeps batch numbers increasing per ride even when two batches are
// dispatched within the same second.
func nextBatch(current int64, now time.Time) int64 {
	batch := BatchNumber(now)
	if batch <= current {
		batch = current + 1
	}
	return batch
}

func (c *Coordinator) offerMessage(r *models.Ride, o models.Offer, timeout time.Duration) notify.OfferNew {
	m := notify.OfferNew{
		RideID:               r.ID,
		OfferID:              o.ID,
		BatchNumber:          o.BatchNumber,
		CustomerName:         r.RequesterName,
		CustomerPhone:        r.RequesterPhone,
		Pickup:               toLocation(r.Pickup),
		EstimatedFare:        r.EstimatedFare,
		Currency:             r.Currency,
		EstimatedDistanceKm:  r.EstimatedDistanceKm,
		EstimatedDurationMin: r.EstimatedDurationMin,
		ServiceTierName:      r.ServiceTier,
		DistanceFromPickupKm: o.DistanceKm,
		EstimatedArrivalMin:  o.EstimatedArrivalMin,
		ExpiresAt:            o.ExpiresAt,
		TimeoutSeconds:       int(timeout / time.Second),
	}
	if r.Dropoff != nil {
		d := toLocation(*r.Dropoff)
		m.Dropoff = &d
	}
	return m
}

// onBatchExpired expires what is left of a batch and cascades. It runs on the
// timer goroutine, so it re-reads the ride and does nothing once the ride has
// left SEARCHING.
func (c *Coordinator) onBatchExpired(ctx context.Context, rideID string, batch int64) {
	log := c.logger.With("ride_id", rideID, "batch", batch)
	expired, err := c.store.ExpireBatch(ctx, rideID, batch, c.now())
	if err != nil {
		log.ErrorContext(ctx, "expire batch failed", "error", err)
		c.armRetry(rideID, batch)
		return
	}
	for _, o := range expired {
		c.push(ctx, o.DriverID, notify.OfferCancelled{RideID: rideID, OfferID: o.ID, Reason: notify.ReasonOfferExpired}, "offer_id", o.ID)
	}
	observability.BatchesExpired.Inc()

	r, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		log.ErrorContext(ctx, "load ride after batch expiry failed", "error", err)
		return
	}
	if r.Status != models.StatusSearching {
		log.DebugContext(ctx, "batch expired after ride left search", "status", r.Status)
		return
	}
	if r.CurrentBatch != batch {
		log.DebugContext(ctx, "batch superseded", "current_batch", r.CurrentBatch)
		return
	}

	_, err = c.dispatchBatch(ctx, r)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoDriversAvailable):
		c.exhaust(ctx, r)
	case errors.Is(err, ErrDispatchInProgress), errors.Is(err, ErrConflict):
		log.DebugContext(ctx, "cascade lost to a concurrent change", "error", err)
	default:
		log.ErrorContext(ctx, "cascade dispatch failed", "error", err)
		c.armRetry(rideID, batch)
	}
}

func (c *Coordinator) armBatch(rideID string, batch int64, after time.Duration) {
	c.timers.Arm(rideID, scheduler.BatchExpiry, after, func(ctx context.Context) {
		c.onBatchExpired(ctx, rideID, batch)
	})
}

func (c *Coordinator) armRetry(rideID string, batch int64) {
	c.armBatch(rideID, batch, retryDelay)
}

// exhaust moves a ride with no candidates left to TIMEOUT and gives the held
// funds back.
func (c *Coordinator) exhaust(ctx context.Context, r *models.Ride) {
	// bumping the batch fences off a dispatch that found drivers meanwhile
	claimed, err := c.store.ClaimBatch(ctx, r.ID, r.CurrentBatch, r.CurrentBatch+1)
	if err != nil {
		c.logger.ErrorContext(ctx, "claim batch before timeout failed", "ride_id", r.ID, "error", err)
		return
	}
	if !claimed {
		return
	}
	ok, err := c.transition(ctx, storage.Transition{
		RideID: r.ID,
		From:   models.StatusSearching,
		To:     models.StatusTimeout,
		Reason: "no_drivers_available",
		Actor:  systemActor,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "timeout transition failed", "ride_id", r.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	c.timers.CancelAll(r.ID)
	observability.RidesUnmatched.Inc()
	c.releaseHold(ctx, r, "no_drivers_available")
	c.push(ctx, r.RequesterID, c.statusUpdate(r, models.StatusTimeout, "no drivers available", systemActor), "ride_id", r.ID)
	c.publish(ctx, models.RideEvent{RideID: r.ID, Type: "ride.unmatched", From: models.StatusSearching, To: models.StatusTimeout})
	c.logger.InfoContext(ctx, "ride unmatched", "ride_id", r.ID, "round", r.SearchRound)
}
