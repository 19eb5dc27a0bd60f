// Package scheduler keeps per-ride timers keyed by (ride, purpose).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

type Purpose string

const (
	BatchExpiry   Purpose = "batch_expiry"
	DriverArrival Purpose = "driver_arrival"
	RideDuration  Purpose = "ride_duration"
)

type Key struct {
	RideID  string
	Purpose Purpose
}

// Handler runs when a timer elapses. The condition it was armed for may have
// been resolved in the meantime, so handlers must re-read state first.
type Handler func(ctx context.Context)

type entry struct {
	id    uint64
	timer *time.Timer
}

// Scheduler owns at most one live timer per key. A timer fires at most once,
// and never after it has been cancelled or replaced.
type Scheduler struct {
	mu     sync.Mutex
	timers map[Key]*entry
	seq    uint64
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		timers: make(map[Key]*entry),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Arm schedules fn after d, replacing any live timer with the same key.
func (s *Scheduler) Arm(rideID string, purpose Purpose, d time.Duration, fn Handler) {
	key := Key{RideID: rideID, Purpose: purpose}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopLocked(key)
	s.seq++
	e := &entry{id: s.seq}
	s.timers[key] = e
	// fire blocks on s.mu until this assignment is done
	e.timer = time.AfterFunc(d, func() { s.fire(key, e, fn) })
	observability.TimersArmed.Set(float64(len(s.timers)))
}

func (s *Scheduler) fire(key Key, e *entry, fn Handler) {
	s.mu.Lock()
	if cur, ok := s.timers[key]; !ok || cur != e || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	observability.TimersArmed.Set(float64(len(s.timers)))
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("timer handler panic", "ride_id", key.RideID, "purpose", key.Purpose, "error", rec)
		}
	}()
	observability.TimersFired.WithLabelValues(string(key.Purpose)).Inc()
	fn(s.ctx)
}

// Cancel stops the timer for (rideID, purpose). Cancelling a missing or
// already fired timer is a no-op; the return value reports whether a live
// timer was stopped.
func (s *Scheduler) Cancel(rideID string, purpose Purpose) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stopped := s.stopLocked(Key{RideID: rideID, Purpose: purpose})
	observability.TimersArmed.Set(float64(len(s.timers)))
	return stopped
}

// CancelAll stops every timer of a ride.
func (s *Scheduler) CancelAll(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.timers {
		if key.RideID == rideID {
			s.stopLocked(key)
		}
	}
	observability.TimersArmed.Set(float64(len(s.timers)))
}

func (s *Scheduler) stopLocked(key Key) bool {
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, key)
	return true
}

// Pending reports whether a live timer exists for the key.
func (s *Scheduler) Pending(rideID string, purpose Purpose) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[Key{RideID: rideID, Purpose: purpose}]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops all timers, cancels the context handed to running handlers and
// waits for them to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for key := range s.timers {
		s.stopLocked(key)
	}
	observability.TimersArmed.Set(0)
	s.mu.Unlock()
	s.cancel()
	s.running.Wait()
}
