package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/storage"
)

type CreateRideRequest struct {
	RequesterID          string                  `json:"requester_id"`
	RequesterName        string                  `json:"requester_name"`
	RequesterPhone       string                  `json:"requester_phone"`
	Pickup               models.Place            `json:"pickup"`
	Dropoff              *models.Place           `json:"dropoff,omitempty"`
	ServiceTier          string                  `json:"service_tier"`
	EstimatedFare        int64                   `json:"estimated_fare"`
	Currency             string                  `json:"currency"`
	EstimatedDistanceKm  float64                 `json:"estimated_distance_km"`
	EstimatedDurationMin int                     `json:"estimated_duration_min"`
	ScheduledAt          *time.Time              `json:"scheduled_at,omitempty"`
	Dispatch             models.DispatchSettings `json:"dispatch"`
}

func validCoord(p models.Coord) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func (req CreateRideRequest) validate() error {
	var problems []string
	if strings.TrimSpace(req.RequesterID) == "" {
		problems = append(problems, "requester_id is required")
	}
	if strings.TrimSpace(req.ServiceTier) == "" {
		problems = append(problems, "service_tier is required")
	}
	if !validCoord(req.Pickup.Coord) {
		problems = append(problems, "pickup is out of range")
	}
	if req.Dropoff != nil && !validCoord(req.Dropoff.Coord) {
		problems = append(problems, "dropoff is out of range")
	}
	if req.EstimatedFare < 0 {
		problems = append(problems, "estimated_fare must not be negative")
	}
	if req.Dispatch.RadiusKm < 0 || req.Dispatch.BatchSize < 0 || req.Dispatch.BatchTimeout < 0 {
		problems = append(problems, "dispatch overrides must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// CreateRide holds the estimated fare, stores the ride and, unless it is
// scheduled for later, dispatches the first batch. ErrNoDriversAvailable is
// returned together with the stored ride, which stays SEARCHING.
func (c *Coordinator) CreateRide(ctx context.Context, req CreateRideRequest) (*models.Ride, DispatchResult, error) {
	if err := req.validate(); err != nil {
		return nil, DispatchResult{}, err
	}
	now := c.now()
	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}
	r := &models.Ride{
		ID:                   c.newID(),
		RequesterID:          req.RequesterID,
		RequesterName:        req.RequesterName,
		RequesterPhone:       req.RequesterPhone,
		Pickup:               req.Pickup,
		Dropoff:              req.Dropoff,
		ServiceTier:          req.ServiceTier,
		Status:               models.StatusSearching,
		EstimatedFare:        req.EstimatedFare,
		Currency:             currency,
		EstimatedDistanceKm:  req.EstimatedDistanceKm,
		EstimatedDurationMin: req.EstimatedDurationMin,
		ScheduledAt:          req.ScheduledAt,
		Dispatch:             req.Dispatch,
		StatusHistory:        []models.StatusChange{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		r.Status = models.StatusScheduled
	}

	holdID, err := c.hold(ctx, r, r.SearchRound)
	if err != nil {
		return nil, DispatchResult{}, err
	}
	r.PaymentHoldID = holdID

	if err := c.store.CreateRide(ctx, r); err != nil {
		c.releaseHold(ctx, r, "ride_not_created")
		return nil, DispatchResult{}, fmt.Errorf("create ride: %w", err)
	}
	c.logger.InfoContext(ctx, "ride created", "ride_id", r.ID, "status", r.Status, "tier", r.ServiceTier)
	c.publish(ctx, models.RideEvent{RideID: r.ID, Type: "ride.created", To: r.Status, At: now})

	if r.Status != models.StatusSearching {
		return r, DispatchResult{RideID: r.ID}, nil
	}
	res, err := c.dispatchBatch(ctx, r)
	return r, res, err
}

// hold reserves the estimated fare for one search round of the ride.
func (c *Coordinator) hold(ctx context.Context, r *models.Ride, round int) (string, error) {
	if c.ledger == nil || r.EstimatedFare <= 0 {
		return "", nil
	}
	if err := c.ledger.CheckBalance(ctx, r.RequesterID, r.EstimatedFare, r.Currency); err != nil {
		return "", fmt.Errorf("check balance: %w", err)
	}
	id, err := c.ledger.CreateHold(ctx, r.RequesterID, r.EstimatedFare, r.Currency, payments.HoldRef{RideID: r.ID, Round: round})
	if err != nil {
		return "", fmt.Errorf("create payment hold: %w", err)
	}
	return id, nil
}

// PromoteScheduled moves a scheduled ride into search and dispatches it.
func (c *Coordinator) PromoteScheduled(ctx context.Context, rideID string) (DispatchResult, error) {
	r, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return DispatchResult{}, err
	}
	if r.Status != models.StatusScheduled {
		return DispatchResult{}, fmt.Errorf("%w: ride is %s", ErrConflict, r.Status)
	}
	if err := c.mustTransition(ctx, storage.Transition{
		RideID: r.ID, From: models.StatusScheduled, To: models.StatusSearching, Reason: "scheduled_time_reached", Actor: systemActor,
	}); err != nil {
		return DispatchResult{}, err
	}
	return c.redispatchFresh(ctx, r.ID)
}

// Redispatch retries a timed-out ride with a fresh hold and a new search
// round, so drivers contacted before are eligible again.
func (c *Coordinator) Redispatch(ctx context.Context, rideID string) (DispatchResult, error) {
	r, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return DispatchResult{}, err
	}
	if rej := lifecycle.ValidateTransition(r.Status, models.StatusSearching); rej != nil {
		return DispatchResult{}, rej
	}
	if r.Status != models.StatusTimeout {
		return DispatchResult{}, fmt.Errorf("%w: ride is %s", ErrConflict, r.Status)
	}
	// the transition below opens round SearchRound+1
	holdID, err := c.hold(ctx, r, r.SearchRound+1)
	if err != nil {
		return DispatchResult{}, err
	}
	ok, err := c.transition(ctx, storage.Transition{
		RideID: r.ID, From: models.StatusTimeout, To: models.StatusSearching,
		Reason: "redispatch", Actor: r.RequesterID, PaymentHoldID: strPtr(holdID), NewRound: true,
	})
	if err != nil || !ok {
		if holdID != "" {
			c.releaseHold(ctx, &models.Ride{ID: r.ID, PaymentHoldID: holdID}, "redispatch_failed")
		}
		if err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{}, fmt.Errorf("%w: ride changed concurrently", ErrConflict)
	}
	c.publish(ctx, models.RideEvent{RideID: r.ID, Type: "ride.redispatched", From: models.StatusTimeout, To: models.StatusSearching})
	return c.redispatchFresh(ctx, r.ID)
}

func (c *Coordinator) redispatchFresh(ctx context.Context, rideID string) (DispatchResult, error) {
	r, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return DispatchResult{}, err
	}
	return c.dispatchBatch(ctx, r)
}

// mustTransition is transition with a lost update reported as ErrConflict.
func (c *Coordinator) mustTransition(ctx context.Context, t storage.Transition) error {
	ok, err := c.transition(ctx, t)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: ride %s is no longer %s", ErrConflict, t.RideID, t.From)
	}
	return nil
}

func (c *Coordinator) assignedRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if driverID != "" && r.DriverID != driverID {
		return nil, ErrNotAssignedDriver
	}
	return r, nil
}

// Arrive records that the assigned driver reached the pickup.
func (c *Coordinator) Arrive(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := c.assignedRide(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	if err := c.mustTransition(ctx, storage.Transition{
		RideID: r.ID, From: r.Status, To: models.StatusDriverArrived, Reason: "driver_arrived", Actor: r.DriverID,
	}); err != nil {
		return nil, err
	}
	c.timers.Cancel(r.ID, scheduler.DriverArrival)
	c.push(ctx, r.RequesterID, c.statusUpdate(r, models.StatusDriverArrived, "your driver has arrived", r.DriverID), "ride_id", r.ID)
	c.publish(ctx, models.RideEvent{RideID: r.ID, Type: "ride.driver_arrived", From: r.Status, To: models.StatusDriverArrived, DriverID: r.DriverID})
	return c.store.GetRide(ctx, r.ID)
}

// Start begins the trip and arms the ride-duration ceiling.
func (c *Coordinator) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := c.assignedRide(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	if err := c.mustTransition(ctx, storage.Transition{
		RideID: r.ID, From: r.Status, To: models.StatusInProgress, Reason: "trip_started", Actor: r.DriverID,
	}); err != nil {
		return nil, err
	}
	id := r.ID
	c.timers.Arm(id, scheduler.RideDuration, c.cfg.RideDurationTimeout, func(ctx context.Context) {
		c.onRideOverrun(ctx, id)
	})
	c.push(ctx, r.RequesterID, c.statusUpdate(r, models.StatusInProgress, "your trip has started", r.DriverID), "ride_id", r.ID)
	c.publish(ctx, models.RideEvent{RideID: r.ID, Type: "ride.started", From: r.Status, To: models.StatusInProgress, DriverID: r.DriverID})
	return c.store.GetRide(ctx, r.ID)
}

// Complete finishes the trip and charges actualFare, or the estimate when
// actualFare is zero. The charge is capped at the held estimate; the excess
// is reported as a shortfall event for billing to collect separately.
func (c *Coordinator) Complete(ctx context.Context, rideID, driverID string, actualFare int64) (*models.Ride, error) {
	if actualFare < 0 {
		return nil, fmt.Errorf("%w: actual fare must not be negative", ErrInvalidRequest)
	}
	r, err := c.assignedRide(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	if err := c.mustTransition(ctx, storage.Transition{
		RideID: r.ID, From: r.Status, To: models.StatusCompleted, Reason: "trip_completed", Actor: r.DriverID,
	}); err != nil {
		return nil, err
	}
	fare := actualFare
	if fare == 0 {
		fare = r.EstimatedFare
	}
	charge, shortfall := capToHold(fare, r)
	if shortfall > 0 {
		observability.FareShortfalls.Inc()
		c.logger.WarnContext(ctx, "fare exceeds payment hold", "ride_id", r.ID, "fare", fare, "held", r.EstimatedFare, "shortfall", shortfall)
		c.publish(ctx, models.RideEvent{RideID: r.ID, Type: "ride.fare_shortfall", To: models.StatusCompleted, DriverID: r.DriverID, Amount: shortfall})
	}
	c.convertHold(ctx, r, charge, "trip_completed")
	c.setAvailable(ctx, r.DriverID, true)
	c.push(ctx, r.RequesterID, c.statusUpdate(r, models.StatusCompleted, "your trip is complete", r.DriverID), "ride_id", r.ID)
	c.publish(ctx, models.RideEvent{RideID: r.ID, Type: "ride.completed", From: r.Status, To: models.StatusCompleted, DriverID: r.DriverID, Amount: charge})
	return c.store.GetRide(ctx, r.ID)
}

// capToHold splits fare into what the ride's hold can cover and the rest.
// Without a hold there is nothing to cap against.
func capToHold(fare int64, r *models.Ride) (charge, shortfall int64) {
	if r.PaymentHoldID == "" || fare <= r.EstimatedFare {
		return fare, 0
	}
	return r.EstimatedFare, fare - r.EstimatedFare
}

// Cancel applies the cancellation fee of the ride's current state. A free
// cancellation releases the hold; otherwise the fee is charged from it.
func (c *Coordinator) Cancel(ctx context.Context, rideID, by, reason string) (*models.Ride, error) {
	r, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	fee, policy, ok := lifecycle.CancellationFee(r.Status, r.EstimatedFare)
	if !ok {
		if rej := lifecycle.ValidateTransition(r.Status, models.StatusCancelled); rej != nil {
			return nil, rej
		}
		return nil, fmt.Errorf("%w: ride is %s", ErrConflict, r.Status)
	}
	now := c.now()
	if by == "" {
		by = r.RequesterID
	}
	cancellation := &models.Cancellation{
		By:          by,
		Reason:      reason,
		FromStatus:  r.Status,
		FeePercent:  policy.Percent,
		FeeAmount:   fee,
		Currency:    r.Currency,
		PolicyLabel: policy.Label,
		At:          now,
	}
	if err := c.mustTransition(ctx, storage.Transition{
		RideID: r.ID, From: r.Status, To: models.StatusCancelled, Reason: reason, Actor: by, At: now, Cancellation: cancellation,
	}); err != nil {
		return nil, err
	}

	pending, err := c.store.CancelPendingOffers(ctx, r.ID, "", now)
	if err != nil {
		c.logger.ErrorContext(ctx, "cancel outstanding offers failed", "ride_id", r.ID, "error", err)
	}
	for _, o := range pending {
		c.push(ctx, o.DriverID, notify.OfferCancelled{RideID: r.ID, OfferID: o.ID, Reason: notify.ReasonRideCancelled}, "offer_id", o.ID)
	}
	if fee > 0 {
		c.convertHold(ctx, r, fee, policy.Label)
	} else {
		c.releaseHold(ctx, r, policy.Label)
	}

	msg := "ride cancelled"
	if reason != "" {
		msg = "ride cancelled: " + reason
	}
	for _, user := range []string{r.RequesterID, r.DriverID} {
		if user != by {
			c.push(ctx, user, c.statusUpdate(r, models.StatusCancelled, msg, by), "ride_id", r.ID)
		}
	}
	c.setAvailable(ctx, r.DriverID, true)
	c.publish(ctx, models.RideEvent{RideID: r.ID, Type: "ride.cancelled", From: r.Status, To: models.StatusCancelled, DriverID: r.DriverID})
	c.logger.InfoContext(ctx, "ride cancelled", "ride_id", r.ID, "from", r.Status, "fee", fee, "policy", policy.Label)
	return c.store.GetRide(ctx, r.ID)
}

// ReleaseDriver returns an assigned ride to search after the driver bails.
// The driver stays excluded for the rest of the search round.
func (c *Coordinator) ReleaseDriver(ctx context.Context, rideID, driverID, reason string) (DispatchResult, error) {
	r, err := c.assignedRide(ctx, rideID, driverID)
	if err != nil {
		return DispatchResult{}, err
	}
	if r.Status != models.StatusDriverAssigned {
		return DispatchResult{}, &lifecycle.Rejection{
			From:    r.Status,
			To:      models.StatusSearching,
			Reason:  "ride has no driver to release",
			Allowed: lifecycle.NextStates(r.Status),
		}
	}
	if reason == "" {
		reason = "driver_released"
	}
	actor := r.DriverID
	if reason == "driver_arrival_timeout" {
		actor = systemActor
	}
	// the accepted offer holds the ride's single accepted slot; it is freed
	// before the ride reopens so the next batch can be accepted
	if err := c.releaseAcceptedOffer(ctx, r); err != nil {
		return DispatchResult{}, err
	}
	if err := c.mustTransition(ctx, storage.Transition{
		RideID: r.ID, From: models.StatusDriverAssigned, To: models.StatusSearching, Reason: reason, Actor: actor, DriverID: strPtr(""),
	}); err != nil {
		return DispatchResult{}, err
	}
	c.timers.Cancel(r.ID, scheduler.DriverArrival)
	c.setAvailable(ctx, r.DriverID, true)
	c.push(ctx, r.RequesterID, c.statusUpdate(r, models.StatusSearching, "your driver is no longer available, finding another driver", actor), "ride_id", r.ID)
	c.publish(ctx, models.RideEvent{RideID: r.ID, Type: "ride.driver_released", From: models.StatusDriverAssigned, To: models.StatusSearching, DriverID: r.DriverID})
	c.logger.InfoContext(ctx, "driver released ride", "ride_id", r.ID, "driver_id", r.DriverID, "reason", reason)

	fresh, err := c.store.GetRide(ctx, r.ID)
	if err != nil {
		return DispatchResult{}, err
	}
	res, err := c.dispatchBatch(ctx, fresh)
	if errors.Is(err, ErrNoDriversAvailable) {
		c.exhaust(ctx, fresh)
	}
	return res, err
}

func (c *Coordinator) releaseAcceptedOffer(ctx context.Context, r *models.Ride) error {
	o, err := c.store.AcceptedOffer(ctx, r.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load accepted offer: %w", err)
	}
	if o.DriverID != r.DriverID {
		return nil
	}
	if _, err := c.store.ResolveOffer(ctx, o.ID, models.OfferAccepted, models.OfferCancelled, c.now()); err != nil {
		return fmt.Errorf("cancel accepted offer %s: %w", o.ID, err)
	}
	return nil
}

func (c *Coordinator) onArrivalTimeout(ctx context.Context, rideID, driverID string) {
	r, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		c.logger.ErrorContext(ctx, "load ride on arrival timeout failed", "ride_id", rideID, "error", err)
		return
	}
	if r.Status != models.StatusDriverAssigned || r.DriverID != driverID {
		return
	}
	c.push(ctx, driverID, c.statusUpdate(r, models.StatusSearching, "you did not reach the pickup in time", systemActor), "ride_id", rideID)
	if _, err := c.ReleaseDriver(ctx, rideID, driverID, "driver_arrival_timeout"); err != nil && !errors.Is(err, ErrNoDriversAvailable) {
		c.logger.WarnContext(ctx, "arrival timeout release failed", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
}

func (c *Coordinator) onRideOverrun(ctx context.Context, rideID string) {
	r, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		c.logger.ErrorContext(ctx, "load ride on duration ceiling failed", "ride_id", rideID, "error", err)
		return
	}
	if r.Status != models.StatusInProgress {
		return
	}
	msg := "ride has exceeded the maximum duration"
	for _, user := range []string{r.RequesterID, r.DriverID} {
		c.push(ctx, user, c.statusUpdate(r, models.StatusInProgress, msg, systemActor), "ride_id", rideID)
	}
	c.publish(ctx, models.RideEvent{RideID: r.ID, Type: "ride.duration_exceeded", To: r.Status, DriverID: r.DriverID})
	c.logger.WarnContext(ctx, "ride exceeded maximum duration", "ride_id", rideID, "driver_id", r.DriverID)
}
