// Package dispatch runs the matching lifecycle of a ride: it sends offers to
// batches of candidate drivers, resolves their responses and cascades to the
// next batch when one expires.
//
// Ride and offer rows are only ever changed through status-guarded
// conditional updates, so concurrent accepts and timer fires need no lock
// here. A lost update is reported as an outcome, not as an error.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNotFound           = storage.ErrNotFound
	ErrConflict           = errors.New("conflict")
	ErrNoDriversAvailable = errors.New("no drivers available")
	ErrDispatchInProgress = errors.New("offers are still outstanding for this ride")
	ErrNotAssignedDriver  = errors.New("driver is not assigned to this ride")
	ErrInvalidRequest     = errors.New("invalid request")
)

// batchModulus keeps batch numbers below one billion.
const batchModulus = 1_000_000_000

// retryDelay is how long a failed cascade waits before trying again.
const retryDelay = 30 * time.Second

const systemActor = "system"

// EventPublisher receives ride lifecycle events. Publishing is best effort.
type EventPublisher interface {
	PublishRideEvent(ctx context.Context, e models.RideEvent) error
}

type Config struct {
	RadiusKm            float64
	BatchSize           int
	BatchTimeout        time.Duration
	ArrivalTimeout      time.Duration
	RideDurationTimeout time.Duration
	Currency            string
}

func DefaultConfig() Config {
	return Config{
		RadiusKm:            geo.DefaultRadiusKm,
		BatchSize:           5,
		BatchTimeout:        600 * time.Second,
		ArrivalTimeout:      15 * time.Minute,
		RideDurationTimeout: 4 * time.Hour,
		Currency:            "NGN",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RadiusKm <= 0 {
		c.RadiusKm = d.RadiusKm
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.ArrivalTimeout <= 0 {
		c.ArrivalTimeout = d.ArrivalTimeout
	}
	if c.RideDurationTimeout <= 0 {
		c.RideDurationTimeout = d.RideDurationTimeout
	}
	if c.Currency == "" {
		c.Currency = d.Currency
	}
	return c
}

// Deps are the collaborators of a Coordinator. Directory, Events and ETA are
// optional.
type Deps struct {
	Store     storage.Store
	Finder    geo.Finder
	Directory geo.Directory
	Scorer    *matcher.Scorer
	Timers    *scheduler.Scheduler
	Notifier  notify.Gateway
	Ledger    payments.Ledger
	Events    EventPublisher
	ETA       eta.Client
	Logger    *slog.Logger
}

type Coordinator struct {
	store     storage.Store
	finder    geo.Finder
	directory geo.Directory
	scorer    *matcher.Scorer
	timers    *scheduler.Scheduler
	notifier  notify.Gateway
	ledger    payments.Ledger
	events    EventPublisher
	eta       eta.Client
	cfg       Config
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewCoordinator(d Deps, cfg Config) *Coordinator {
	c := &Coordinator{
		store:     d.Store,
		finder:    d.Finder,
		directory: d.Directory,
		scorer:    d.Scorer,
		timers:    d.Timers,
		notifier:  d.Notifier,
		ledger:    d.Ledger,
		events:    d.Events,
		eta:       d.ETA,
		cfg:       cfg.withDefaults(),
		logger:    d.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	if c.scorer == nil {
		c.scorer = matcher.NewScorer(matcher.DefaultSpeedKmh)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *Coordinator) Config() Config { return c.cfg }

func (c *Coordinator) Ride(ctx context.Context, id string) (*models.Ride, error) {
	return c.store.GetRide(ctx, id)
}

func (c *Coordinator) Offers(ctx context.Context, rideID string) ([]models.Offer, error) {
	if _, err := c.store.GetRide(ctx, rideID); err != nil {
		return nil, err
	}
	return c.store.ListOffers(ctx, rideID)
}

// settings resolves per-ride overrides against the service configuration.
func (c *Coordinator) settings(r *models.Ride) models.DispatchSettings {
	s := models.DispatchSettings{RadiusKm: c.cfg.RadiusKm, BatchSize: c.cfg.BatchSize, BatchTimeout: c.cfg.BatchTimeout}
	if r.Dispatch.RadiusKm > 0 {
		s.RadiusKm = r.Dispatch.RadiusKm
	}
	if r.Dispatch.BatchSize > 0 {
		s.BatchSize = r.Dispatch.BatchSize
	}
	if r.Dispatch.BatchTimeout > 0 {
		s.BatchTimeout = r.Dispatch.BatchTimeout
	}
	return s
}

// transition validates from->to and applies it as a conditional update.
// A false result means the ride had already left from.
func (c *Coordinator) transition(ctx context.Context, t storage.Transition) (bool, error) {
	if rej := lifecycle.ValidateTransition(t.From, t.To); rej != nil {
		return false, rej
	}
	if t.At.IsZero() {
		t.At = c.now()
	}
	ok, err := c.store.TransitionRide(ctx, t)
	if err != nil {
		return false, err
	}
	if ok {
		observability.RideTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
		if lifecycle.IsTerminal(t.To) {
			c.timers.CancelAll(t.RideID)
		}
	}
	return ok, nil
}

// push delivers a message and logs delivery failures. Notifications never
// undo a committed state change.
func (c *Coordinator) push(ctx context.Context, userID string, m notify.Message, attrs ...any) {
	if c.notifier == nil || userID == "" {
		return
	}
	if err := c.notifier.PushToUser(ctx, userID, m); err != nil {
		args := append([]any{"user_id", userID, "type", m.Type(), "error", err}, attrs...)
		c.logger.WarnContext(ctx, "notification failed", args...)
	}
}

func (c *Coordinator) publish(ctx context.Context, e models.RideEvent) {
	if c.events == nil {
		return
	}
	if e.At.IsZero() {
		e.At = c.now()
	}
	if err := c.events.PublishRideEvent(ctx, e); err != nil {
		c.logger.WarnContext(ctx, "ride event publish failed", "ride_id", e.RideID, "type", e.Type, "error", err)
	}
}

func (c *Coordinator) setAvailable(ctx context.Context, driverID string, available bool) {
	if c.directory == nil || driverID == "" {
		return
	}
	if err := c.directory.SetAvailable(ctx, driverID, available); err != nil {
		c.logger.WarnContext(ctx, "driver availability update failed", "driver_id", driverID, "available", available, "error", err)
	}
}

func (c *Coordinator) statusUpdate(r *models.Ride, status models.RideStatus, message, by string) notify.StatusUpdated {
	return notify.StatusUpdated{
		RideID:    r.ID,
		Status:    string(status),
		Message:   message,
		UpdatedBy: by,
		UpdatedAt: c.now(),
	}
}

// releaseHold returns the rider's held funds. Failures are logged; the ride
// transition that triggered the release has already been committed.
func (c *Coordinator) releaseHold(ctx context.Context, r *models.Ride, reason string) {
	if c.ledger == nil || r.PaymentHoldID == "" {
		return
	}
	if err := c.ledger.ReleaseHold(ctx, r.PaymentHoldID, reason); err != nil {
		c.logger.ErrorContext(ctx, "payment hold release failed", "ride_id", r.ID, "hold_id", r.PaymentHoldID, "reason", reason, "error", err)
	}
}

// convertHold charges amount from the ride's hold. A failed charge releases
// the hold rather than leave the rider's funds reserved indefinitely.
func (c *Coordinator) convertHold(ctx context.Context, r *models.Ride, amount int64, reason string) {
	if c.ledger == nil || r.PaymentHoldID == "" {
		return
	}
	if err := c.ledger.ConvertHoldToPayment(ctx, r.PaymentHoldID, amount, reason); err != nil {
		c.logger.ErrorContext(ctx, "payment hold conversion failed", "ride_id", r.ID, "hold_id", r.PaymentHoldID, "amount", amount, "reason", reason, "error", err)
		c.releaseHold(ctx, r, reason+"_charge_failed")
	}
}

func strPtr(s string) *string { return &s }

func toLocation(p models.Place) notify.Location {
	return notify.Location{Lat: p.Lat, Lng: p.Lng, Address: p.Address}
}
