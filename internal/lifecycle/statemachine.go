// Package lifecycle holds the ride state machine and the cancellation fee
// policy. Everything here is pure: no I/O, no clocks, no shared state.
package lifecycle

import (
	"fmt"
	"math"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
)

var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusScheduled:      {models.StatusSearching, models.StatusCancelled},
	models.StatusSearching:      {models.StatusDriverAssigned, models.StatusCancelled, models.StatusTimeout},
	models.StatusDriverAssigned: {models.StatusDriverArrived, models.StatusCancelled, models.StatusSearching},
	models.StatusDriverArrived:  {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:     {models.StatusCompleted, models.StatusCancelled},
	models.StatusTimeout:        {models.StatusSearching},
}

// States lists every known ride status.
var States = []models.RideStatus{
	models.StatusScheduled,
	models.StatusSearching,
	models.StatusDriverAssigned,
	models.StatusDriverArrived,
	models.StatusInProgress,
	models.StatusCompleted,
	models.StatusCancelled,
	models.StatusTimeout,
}

// Rejection describes an illegal transition. It is returned as a value, the
// caller decides how to surface it.
type Rejection struct {
	From    models.RideStatus
	To      models.RideStatus
	Reason  string
	Allowed []models.RideStatus
}

func (r *Rejection) Error() string {
	allowed := make([]string, len(r.Allowed))
	for i, s := range r.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("transition %s -> %s rejected: %s (allowed: [%s])", r.From, r.To, r.Reason, strings.Join(allowed, ", "))
}

// NextStates returns a copy of the legal successors of s.
func NextStates(s models.RideStatus) []models.RideStatus {
	next := transitions[s]
	out := make([]models.RideStatus, len(next))
	copy(out, next)
	return out
}

func CanTransition(from, to models.RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns nil when from -> to is legal.
func ValidateTransition(from, to models.RideStatus) *Rejection {
	if CanTransition(from, to) {
		return nil
	}
	reason := "transition not allowed"
	switch {
	case IsTerminal(from):
		reason = "ride is in a terminal state"
	case from == to:
		reason = "ride is already in this state"
	case !known(from):
		reason = "unknown current state"
	}
	return &Rejection{From: from, To: to, Reason: reason, Allowed: NextStates(from)}
}

func IsTerminal(s models.RideStatus) bool {
	return s == models.StatusCompleted || s == models.StatusCancelled
}

// IsActive reports whether a driver is attached to the ride.
func IsActive(s models.RideStatus) bool {
	switch s {
	case models.StatusDriverAssigned, models.StatusDriverArrived, models.StatusInProgress:
		return true
	}
	return false
}

func CanBeCancelled(s models.RideStatus) bool {
	return CanTransition(s, models.StatusCancelled)
}

func known(s models.RideStatus) bool {
	for _, k := range States {
		if k == s {
			return true
		}
	}
	return false
}

// FeePolicy is the cancellation charge applicable in one state.
type FeePolicy struct {
	Cancellable bool
	Percent     float64
	Label       string
}

// CancellationPolicy maps the current state to its cancellation charge.
func CancellationPolicy(s models.RideStatus) FeePolicy {
	switch s {
	case models.StatusScheduled, models.StatusSearching:
		return FeePolicy{Cancellable: true, Percent: 0, Label: "free_cancellation"}
	case models.StatusDriverAssigned:
		return FeePolicy{Cancellable: true, Percent: 10, Label: "driver_assigned_fee"}
	case models.StatusDriverArrived, models.StatusInProgress:
		return FeePolicy{Cancellable: true, Percent: 50, Label: "late_cancellation_fee"}
	}
	return FeePolicy{Cancellable: false, Label: "not_cancellable"}
}

// CancellationFee applies the policy of state s to an estimated fare in minor
// units. ok is false when the ride cannot be cancelled.
func CancellationFee(s models.RideStatus, fare int64) (fee int64, policy FeePolicy, ok bool) {
	policy = CancellationPolicy(s)
	if !policy.Cancellable {
		return 0, policy, false
	}
	if fare <= 0 || policy.Percent == 0 {
		return 0, policy, true
	}
	return int64(math.Round(float64(fare) * policy.Percent / 100)), policy, true
}
