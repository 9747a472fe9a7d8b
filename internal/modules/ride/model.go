// README: Ride aggregate, lifecycle states and the transition table.
package ride

import (
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusMatched    Status = "matched"
	StatusArriving   Status = "arriving"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal states accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active rides hold their rider, and their driver once one is bound.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusMatched, StatusArriving, StatusInProgress:
		return true
	}
	return false
}

type Trigger string

const (
	TriggerRequest  Trigger = "request"
	TriggerAccept   Trigger = "accept"
	TriggerArrive   Trigger = "arrive"
	TriggerStart    Trigger = "start"
	TriggerComplete Trigger = "complete"
	TriggerCancel   Trigger = "cancel"
	TriggerAbort    Trigger = "abort"
)

type Actor string

const (
	ActorRider  Actor = "rider"
	ActorDriver Actor = "driver"
	ActorSystem Actor = "system"
)

// SystemActorID is the actor id used for transitions the platform makes on its own.
const SystemActorID types.ID = "system"

type PaymentStatus string

const (
	PaymentUnsettled      PaymentStatus = "unsettled"
	// PaymentDue is written with the terminal transition, so a settlement lost mid-flight is still found by repair.
	PaymentDue            PaymentStatus = "due"
	PaymentSettled        PaymentStatus = "settled"
	PaymentPending        PaymentStatus = "pending_payment"
	PaymentCreditRetrying PaymentStatus = "credit_retrying"
	PaymentWaived         PaymentStatus = "waived"
)

// owesPayment reports whether entering to from from leaves money to move between wallets.
func owesPayment(from, to Status, feeDue bool) bool {
	switch to {
	case StatusCompleted:
		return true
	case StatusCancelled:
		return feeDue || from == StatusInProgress
	}
	return false
}

// Fare is the snapshot of the verified quote the ride was created from.
type Fare struct {
	Total           decimal.Decimal `json:"total"`
	Base            decimal.Decimal `json:"base"`
	Time            decimal.Decimal `json:"time"`
	DurationMin     decimal.Decimal `json:"duration_min"`
	CancellationFee decimal.Decimal `json:"cancellation_fee"`
	Currency        string          `json:"currency"`

	// CommissionRate is the platform share in force when the ride was booked; null when none was configured.
	CommissionRate decimal.NullDecimal `json:"commission_rate"`
}

func (f Fare) Money() types.Money {
	return types.NewMoney(f.Total, f.Currency)
}

type Ride struct {
	ID                 types.ID      `json:"id"`
	RiderID            types.ID      `json:"rider_id"`
	DriverID           *types.ID     `json:"driver_id,omitempty"`
	Status             Status        `json:"status"`
	StatusVersion      int           `json:"status_version"`
	Pickup             types.Point   `json:"pickup"`
	Destination        types.Point   `json:"destination"`
	PickupLabel        string        `json:"pickup_label,omitempty"`
	DestinationLabel   string        `json:"destination_label,omitempty"`
	VehicleClass       string        `json:"vehicle_class"`
	City               string        `json:"city,omitempty"`
	QuoteHash          string        `json:"quote_hash"`
	Fare               Fare          `json:"fare"`
	PaymentStatus      PaymentStatus `json:"payment_status"`
	CancellationFeeDue bool          `json:"cancellation_fee_due"`
	CreatedAt          time.Time     `json:"created_at"`
	MatchedAt          *time.Time    `json:"matched_at,omitempty"`
	ArrivingAt         *time.Time    `json:"arriving_at,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CancelledBy        *Actor        `json:"cancelled_by,omitempty"`
	CancelReason       string        `json:"cancel_reason,omitempty"`
}

type Event struct {
	ID        int64     `json:"id"`
	RideID    types.ID  `json:"ride_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Trigger   Trigger   `json:"trigger"`
	Actor     Actor     `json:"actor"`
	ActorID   *types.ID `json:"actor_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type rule struct {
	to     Status
	actors []Actor
}

// transitions is the ride state flow as code. Accept is only reachable through dispatch.
var transitions = map[Status]map[Trigger]rule{
	StatusPending: {
		TriggerAccept: {StatusMatched, []Actor{ActorDriver}},
		TriggerCancel: {StatusCancelled, []Actor{ActorRider, ActorSystem}},
	},
	StatusMatched: {
		TriggerArrive: {StatusArriving, []Actor{ActorDriver}},
		TriggerCancel: {StatusCancelled, []Actor{ActorRider, ActorDriver, ActorSystem}},
	},
	StatusArriving: {
		TriggerStart:  {StatusInProgress, []Actor{ActorDriver}},
		TriggerCancel: {StatusCancelled, []Actor{ActorRider, ActorDriver, ActorSystem}},
	},
	StatusInProgress: {
		TriggerComplete: {StatusCompleted, []Actor{ActorDriver, ActorSystem}},
		TriggerAbort:    {StatusCancelled, []Actor{ActorRider, ActorDriver, ActorSystem}},
	},
}

// Next resolves the target state of trigger fired by actor from state from.
func Next(from Status, trigger Trigger, actor Actor) (Status, error) {
	r, ok := transitions[from][trigger]
	if !ok {
		return "", ErrInvalidTransition
	}
	for _, a := range r.actors {
		if a == actor {
			return r.to, nil
		}
	}
	return "", ErrNotPermitted
}

func CanTransition(from, to Status) bool {
	for _, r := range transitions[from] {
		if r.to == to {
			return true
		}
	}
	return false
}

// apply moves r into state to at the given time.
func (r *Ride) apply(to Status, actor Actor, reason string, at time.Time) {
	r.Status = to
	r.StatusVersion++
	t := at
	switch to {
	case StatusMatched:
		r.MatchedAt = &t
	case StatusArriving:
		r.ArrivingAt = &t
	case StatusInProgress:
		r.StartedAt = &t
	case StatusCompleted:
		r.CompletedAt = &t
	case StatusCancelled:
		r.CancelledAt = &t
		a := actor
		r.CancelledBy = &a
		r.CancelReason = reason
	}
}
