package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	ResponseAccept  = "accept"
	ResponseDecline = "decline"
)

type Outcome string

const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeDeclined          Outcome = "declined"
	OutcomeNoLongerAvailable Outcome = "no_longer_available"
	OutcomeRideTaken         Outcome = "ride_taken"
)

// ResponseResult is what the responding driver is told.
type ResponseResult struct {
	OfferID string  `json:"offer_id"`
	RideID  string  `json:"ride_id"`
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message,omitempty"`
}

func (r ResponseResult) Notification() notify.OfferResult {
	return notify.OfferResult{OfferID: r.OfferID, RideID: r.RideID, Outcome: string(r.Outcome), Message: r.Message}
}

// HandleResponse resolves a driver's answer to an offer. driverID is
// required and must be the offer's recipient. Losing a race is reported through the
// outcome with a nil error.
func (c *Coordinator) HandleResponse(ctx context.Context, driverID, offerID, response string) (ResponseResult, error) {
	if driverID == "" {
		return ResponseResult{}, fmt.Errorf("%w: driver id is required", ErrInvalidRequest)
	}
	o, err := c.store.GetOffer(ctx, offerID)
	if err != nil {
		return ResponseResult{}, err
	}
	if o.DriverID != driverID {
		return ResponseResult{}, fmt.Errorf("%w: offer %s was not sent to driver %s", ErrNotFound, offerID, driverID)
	}
	switch response {
	case ResponseAccept:
		return c.accept(ctx, o)
	case ResponseDecline:
		return c.decline(ctx, o)
	}
	return ResponseResult{}, fmt.Errorf("%w: response must be %q or %q", ErrInvalidRequest, ResponseAccept, ResponseDecline)
}

func noLongerAvailable(o *models.Offer) ResponseResult {
	return ResponseResult{OfferID: o.ID, RideID: o.RideID, Outcome: OutcomeNoLongerAvailable, Message: "this ride is no longer available"}
}

func (c *Coordinator) decline(ctx context.Context, o *models.Offer) (ResponseResult, error) {
	ok, err := c.store.ResolveOffer(ctx, o.ID, models.OfferPending, models.OfferDeclined, c.now())
	if err != nil {
		return ResponseResult{}, err
	}
	if !ok {
		observability.OfferResponses.WithLabelValues(ResponseDecline, string(OutcomeNoLongerAvailable)).Inc()
		return noLongerAvailable(o), nil
	}
	observability.OfferResponses.WithLabelValues(ResponseDecline, string(OutcomeDeclined)).Inc()
	c.logger.InfoContext(ctx, "offer declined", "ride_id", o.RideID, "offer_id", o.ID, "driver_id", o.DriverID)
	return ResponseResult{OfferID: o.ID, RideID: o.RideID, Outcome: OutcomeDeclined}, nil
}

// accept runs the two conditional updates that decide the winner: offer
// pending->accepted, then ride SEARCHING->DRIVER_ASSIGNED. Either one
// affecting no row means another actor got there first.
func (c *Coordinator) accept(ctx context.Context, o *models.Offer) (ResponseResult, error) {
	log := c.logger.With("ride_id", o.RideID, "offer_id", o.ID, "driver_id", o.DriverID)
	now := c.now()

	if now.After(o.ExpiresAt) {
		// the batch timer has not caught up yet
		if _, err := c.store.ResolveOffer(ctx, o.ID, models.OfferPending, models.OfferTimeout, now); err != nil {
			return ResponseResult{}, err
		}
		observability.OfferResponses.WithLabelValues(ResponseAccept, string(OutcomeNoLongerAvailable)).Inc()
		return noLongerAvailable(o), nil
	}

	ok, err := c.store.AcceptOffer(ctx, o.ID, now)
	if err != nil {
		return ResponseResult{}, err
	}
	if !ok {
		observability.OfferResponses.WithLabelValues(ResponseAccept, string(OutcomeNoLongerAvailable)).Inc()
		return noLongerAvailable(o), nil
	}

	r, err := c.store.GetRide(ctx, o.RideID)
	if err != nil {
		c.orphanAccept(ctx, o)
		return ResponseResult{}, err
	}
	assigned, err := c.transition(ctx, storage.Transition{
		RideID:   r.ID,
		From:     models.StatusSearching,
		To:       models.StatusDriverAssigned,
		Reason:   "offer_accepted",
		Actor:    o.DriverID,
		At:       now,
		DriverID: strPtr(o.DriverID),
	})
	if err != nil {
		c.orphanAccept(ctx, o)
		return ResponseResult{}, err
	}
	if !assigned {
		// the offer accept is released so the single accepted slot stays free
		c.orphanAccept(ctx, o)
		observability.AssignConflicts.Inc()
		observability.OfferResponses.WithLabelValues(ResponseAccept, string(OutcomeRideTaken)).Inc()
		log.InfoContext(ctx, "accept lost the ride", "ride_status", r.Status)
		return ResponseResult{OfferID: o.ID, RideID: o.RideID, Outcome: OutcomeRideTaken, Message: "this ride has already been taken"}, nil
	}

	observability.OfferResponses.WithLabelValues(ResponseAccept, string(OutcomeAccepted)).Inc()
	observability.MatchLatency.Observe(matchLatency(r, now).Seconds())
	c.timers.Cancel(r.ID, scheduler.BatchExpiry)

	losers, err := c.store.CancelPendingOffers(ctx, r.ID, o.ID, now)
	if err != nil {
		// the ride is assigned; stragglers fail their own accept CAS
		log.ErrorContext(ctx, "cancel sibling offers failed", "error", err)
	}
	for _, l := range losers {
		c.push(ctx, l.DriverID, notify.OfferCancelled{RideID: r.ID, OfferID: l.ID, Reason: notify.ReasonAcceptedByAnother}, "offer_id", l.ID)
	}
	c.push(ctx, r.RequesterID, notify.DriverAssigned{RideID: r.ID, DriverID: o.DriverID, Status: string(models.StatusDriverAssigned)}, "ride_id", r.ID)
	c.setAvailable(ctx, o.DriverID, false)

	rideID, driverID := r.ID, o.DriverID
	c.timers.Arm(rideID, scheduler.DriverArrival, c.cfg.ArrivalTimeout, func(ctx context.Context) {
		c.onArrivalTimeout(ctx, rideID, driverID)
	})
	c.publish(ctx, models.RideEvent{RideID: r.ID, Type: "ride.driver_assigned", From: models.StatusSearching, To: models.StatusDriverAssigned, DriverID: o.DriverID, Batch: o.BatchNumber, At: now})
	log.InfoContext(ctx, "driver assigned", "batch", o.BatchNumber, "cancelled_offers", len(losers))

	return ResponseResult{OfferID: o.ID, RideID: r.ID, Outcome: OutcomeAccepted}, nil
}

// matchLatency runs from the rider's request. UpdatedAt moves with every
// batch claim and round, so it cannot anchor the measurement.
func matchLatency(r *models.Ride, now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// orphanAccept cancels an accepted offer whose ride assignment did not happen.
func (c *Coordinator) orphanAccept(ctx context.Context, o *models.Offer) {
	if _, err := c.store.ResolveOffer(ctx, o.ID, models.OfferAccepted, models.OfferCancelled, c.now()); err != nil {
		c.logger.ErrorContext(ctx, "release orphaned accept failed", "ride_id", o.RideID, "offer_id", o.ID, "error", err)
	}
}
