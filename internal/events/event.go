// README: Typed domain events emitted after successful state changes.
package events

import (
	"time"

	"swiftride/internal/types"
)

type Event interface {
	Name() string
	// Key groups events of one aggregate (used as the Kafka partition key).
	Key() types.ID
}

// RideTransitioned is emitted once per committed ride state change, including creation (From == "none").
type RideTransitioned struct {
	RideID   types.ID  `json:"ride_id"`
	RiderID  types.ID  `json:"rider_id"`
	DriverID *types.ID `json:"driver_id,omitempty"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Trigger  string    `json:"trigger"`
	Actor    string    `json:"actor"`
	ActorID  *types.ID `json:"actor_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	// FeeDue marks a rider cancellation past the grace period.
	FeeDue bool      `json:"fee_due,omitempty"`
	At     time.Time `json:"at"`
}

func (e RideTransitioned) Name() string  { return "ride.transitioned" }
func (e RideTransitioned) Key() types.ID { return e.RideID }

type OfferCreated struct {
	OfferID   types.ID    `json:"offer_id"`
	RideID    types.ID    `json:"ride_id"`
	DriverID  types.ID    `json:"driver_id"`
	Pickup    types.Point `json:"pickup"`
	Fare      types.Money `json:"fare"`
	ExpiresAt time.Time   `json:"expires_at"`
}

func (e OfferCreated) Name() string  { return "offer.created" }
func (e OfferCreated) Key() types.ID { return e.RideID }

type OfferResolved struct {
	OfferID  types.ID  `json:"offer_id"`
	RideID   types.ID  `json:"ride_id"`
	DriverID types.ID  `json:"driver_id"`
	Outcome  string    `json:"outcome"`
	At       time.Time `json:"at"`
}

func (e OfferResolved) Name() string  { return "offer.resolved" }
func (e OfferResolved) Key() types.ID { return e.RideID }

type PaymentFailed struct {
	RideID  types.ID    `json:"ride_id"`
	RiderID types.ID    `json:"rider_id"`
	Amount  types.Money `json:"amount"`
	Reason  string      `json:"reason"`
	At      time.Time   `json:"at"`
}

func (e PaymentFailed) Name() string  { return "payment.failed" }
func (e PaymentFailed) Key() types.ID { return e.RideID }

// SettlementAlert is raised when a credit still fails after the rider has already been charged.
type SettlementAlert struct {
	RideID      types.ID    `json:"ride_id"`
	AccountID   types.ID    `json:"account_id"`
	ReferenceID string      `json:"reference_id"`
	Amount      types.Money `json:"amount"`
	Attempts    int         `json:"attempts"`
	Error       string      `json:"error"`
	At          time.Time   `json:"at"`
}

func (e SettlementAlert) Name() string  { return "settlement.alert" }
func (e SettlementAlert) Key() types.ID { return e.RideID }
