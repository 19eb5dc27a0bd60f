// Package notify delivers real-time messages to driver and rider sessions.
package notify

import (
	"context"
	"encoding/json"
	"time"
)

type MessageType string

const (
	TypeOfferNew       MessageType = "offer.new"
	TypeOfferRespond   MessageType = "offer.respond"
	TypeOfferCancelled MessageType = "offer.cancelled"
	TypeOfferResult    MessageType = "offer.result"
	TypeDriverAssigned MessageType = "ride.driver_assigned"
	TypeStatusUpdated  MessageType = "ride.status_updated"
	TypeError          MessageType = "error"
)

// Message is a typed payload for one message type.
type Message interface {
	Type() MessageType
}

// Gateway pushes a message to whatever session or device a user has.
type Gateway interface {
	PushToUser(ctx context.Context, userID string, m Message) error
}

type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

type OfferNew struct {
	RideID               string    `json:"rideId"`
	OfferID              string    `json:"offerId"`
	BatchNumber          int64     `json:"batchNumber"`
	CustomerName         string    `json:"customerName"`
	CustomerPhone        string    `json:"customerPhone"`
	Pickup               Location  `json:"pickup"`
	Dropoff              *Location `json:"dropoff"`
	EstimatedFare        int64     `json:"estimatedFare"`
	Currency             string    `json:"currency"`
	EstimatedDistanceKm  float64   `json:"estimatedDistanceKm"`
	EstimatedDurationMin int       `json:"estimatedDurationMin"`
	ServiceTierName      string    `json:"serviceTierName"`
	DistanceFromPickupKm float64   `json:"distanceFromPickupKm"`
	EstimatedArrivalMin  int       `json:"estimatedArrivalMin"`
	ExpiresAt            time.Time `json:"expiresAt"`
	TimeoutSeconds       int       `json:"timeoutSeconds"`
}

func (OfferNew) Type() MessageType { return TypeOfferNew }

type OfferRespond struct {
	OfferID  string `json:"offerId"`
	Response string `json:"response"`
}

func (OfferRespond) Type() MessageType { return TypeOfferRespond }

const (
	ReasonAcceptedByAnother = "accepted_by_another_driver"
	ReasonOfferExpired      = "offer_expired"
	ReasonRideCancelled     = "ride_cancelled"
)

type OfferCancelled struct {
	RideID  string `json:"rideId"`
	OfferID string `json:"offerId,omitempty"`
	Reason  string `json:"reason"`
}

func (OfferCancelled) Type() MessageType { return TypeOfferCancelled }

// OfferResult answers an offer.respond received over a session.
type OfferResult struct {
	OfferID string `json:"offerId"`
	RideID  string `json:"rideId,omitempty"`
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

func (OfferResult) Type() MessageType { return TypeOfferResult }

type DriverAssigned struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
	Status   string `json:"status"`
}

func (DriverAssigned) Type() MessageType { return TypeDriverAssigned }

type StatusUpdated struct {
	RideID    string    `json:"rideId"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Location  *Location `json:"location,omitempty"`
	UpdatedBy string    `json:"updatedBy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (StatusUpdated) Type() MessageType { return TypeStatusUpdated }

type ErrorMessage struct {
	Message string `json:"message"`
}

func (ErrorMessage) Type() MessageType { return TypeError }

// Envelope is the wire frame for every message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(m Message) (Envelope, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: m.Type(), Payload: b}, nil
}
