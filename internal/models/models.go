package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a coordinate with an optional human readable address.
type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

type RideStatus string

const (
	StatusScheduled      RideStatus = "SCHEDULED"
	StatusSearching      RideStatus = "SEARCHING"
	StatusDriverAssigned RideStatus = "DRIVER_ASSIGNED"
	StatusDriverArrived  RideStatus = "DRIVER_ARRIVED"
	StatusInProgress     RideStatus = "IN_PROGRESS"
	StatusCompleted      RideStatus = "COMPLETED"
	StatusCancelled      RideStatus = "CANCELLED"
	StatusTimeout        RideStatus = "TIMEOUT"
)

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferDeclined  OfferStatus = "declined"
	OfferExpired   OfferStatus = "expired"
	OfferCancelled OfferStatus = "cancelled"
	OfferTimeout   OfferStatus = "timeout"
)

// Driver is the dispatch-relevant view of a driver as reported by the
// location pipeline. Account data lives elsewhere.
type Driver struct {
	ID             string    `json:"id"`
	Loc            Coord     `json:"loc"`
	Tier           string    `json:"tier"`
	Rating         float64   `json:"rating"` // 0..5
	CompletedRides int       `json:"completed_rides"`
	Approved       bool      `json:"approved"`
	Online         bool      `json:"online"`
	Available      bool      `json:"available"`
	Updated        time.Time `json:"updated"`
}

// CandidateDriver is a scored snapshot of one eligible driver, rebuilt for
// every batch.
type CandidateDriver struct {
	DriverID            string  `json:"driver_id"`
	Loc                 Coord   `json:"loc"`
	DistanceKm          float64 `json:"distance_km"`
	Rating              float64 `json:"rating"`
	CompletedRides      int     `json:"completed_rides"`
	EstimatedArrivalMin int     `json:"estimated_arrival_min"`
	Score               float64 `json:"score"`
}

type StatusChange struct {
	From   RideStatus `json:"from"`
	To     RideStatus `json:"to"`
	Reason string     `json:"reason,omitempty"`
	Actor  string     `json:"actor,omitempty"`
	At     time.Time  `json:"at"`
}

// Cancellation snapshots the fee policy that applied when the ride was
// cancelled.
type Cancellation struct {
	By          string     `json:"by"`
	Reason      string     `json:"reason,omitempty"`
	FromStatus  RideStatus `json:"from_status"`
	FeePercent  float64    `json:"fee_percent"`
	FeeAmount   int64      `json:"fee_amount"`
	Currency    string     `json:"currency"`
	PolicyLabel string     `json:"policy"`
	At          time.Time  `json:"at"`
}

// DispatchSettings holds per-ride overrides; zero values fall back to the
// service configuration.
type DispatchSettings struct {
	RadiusKm     float64       `json:"radius_km,omitempty"`
	BatchSize    int           `json:"batch_size,omitempty"`
	BatchTimeout time.Duration `json:"batch_timeout,omitempty"`
}

type Ride struct {
	ID                   string           `json:"id"`
	RequesterID          string           `json:"requester_id"`
	RequesterName        string           `json:"requester_name,omitempty"`
	RequesterPhone       string           `json:"requester_phone,omitempty"`
	Pickup               Place            `json:"pickup"`
	Dropoff              *Place           `json:"dropoff,omitempty"`
	ServiceTier          string           `json:"service_tier"`
	Status               RideStatus       `json:"status"`
	DriverID             string           `json:"driver_id,omitempty"`
	EstimatedFare        int64            `json:"estimated_fare"` // minor units
	Currency             string           `json:"currency"`
	EstimatedDistanceKm  float64          `json:"estimated_distance_km"`
	EstimatedDurationMin int              `json:"estimated_duration_min"`
	PaymentHoldID        string           `json:"payment_hold_id,omitempty"`
	ScheduledAt          *time.Time       `json:"scheduled_at,omitempty"`
	SearchRound          int              `json:"search_round"`
	CurrentBatch         int64            `json:"current_batch,omitempty"`
	Dispatch             DispatchSettings `json:"dispatch"`
	Cancellation         *Cancellation    `json:"cancellation,omitempty"`
	StatusHistory        []StatusChange   `json:"status_history"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
	AssignedAt           *time.Time       `json:"assigned_at,omitempty"`
}

// Offer is one proposal of a ride to one driver.
type Offer struct {
	ID                  string      `json:"id"`
	RideID              string      `json:"ride_id"`
	DriverID            string      `json:"driver_id"`
	Status              OfferStatus `json:"status"`
	BatchNumber         int64       `json:"batch_number"`
	SearchRound         int         `json:"search_round"`
	ExpiresAt           time.Time   `json:"expires_at"`
	DistanceKm          float64     `json:"distance_from_pickup"`
	EstimatedArrivalMin int         `json:"estimated_arrival"`
	CreatedAt           time.Time   `json:"created_at"`
	RespondedAt         *time.Time  `json:"responded_at,omitempty"`
}

// RideEvent is the lifecycle record published to the event stream.
type RideEvent struct {
	RideID   string     `json:"ride_id"`
	Type     string     `json:"type"`
	From     RideStatus `json:"from,omitempty"`
	To       RideStatus `json:"to,omitempty"`
	DriverID string     `json:"driver_id,omitempty"`
	Batch    int64      `json:"batch,omitempty"`
	Amount   int64      `json:"amount,omitempty"`
	At       time.Time  `json:"at"`
}
