// README: Dispatch offers and their outcomes.
package dispatch

import (
	"errors"
	"time"

	"swiftride/internal/types"
)

type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeAccepted   Outcome = "accepted"
	OutcomeDeclined   Outcome = "declined"
	OutcomeExpired    Outcome = "expired"
	OutcomeSuperseded Outcome = "superseded"
)

func (o Outcome) Terminal() bool {
	return o != OutcomePending
}

type Response string

const (
	ResponseAccept  Response = "accept"
	ResponseDecline Response = "decline"
)

const (
	ReasonNoDriverFound      = "no driver found"
	ReasonNoDriversAvailable = "no drivers available"
	ReasonRideCancelled      = "ride cancelled"
	ReasonRideMatched        = "ride matched"
)

var (
	ErrNotFound           = errors.New("offer not found")
	ErrBadRequest         = errors.New("bad request")
	ErrNotOfferee         = errors.New("offer belongs to another driver")
	ErrAlreadyMatched     = errors.New("ride already matched")
	ErrExpired            = errors.New("offer expired")
	ErrDriverUnavailable  = errors.New("driver has another active ride")
	ErrOfferClosed        = errors.New("offer no longer available")
	ErrNoDriversAvailable = errors.New("no drivers available")
)

type Offer struct {
	ID         types.ID   `json:"id"`
	RideID     types.ID   `json:"ride_id"`
	DriverID   types.ID   `json:"driver_id"`
	DistanceKm float64    `json:"distance_km"`
	Outcome    Outcome    `json:"outcome"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type RespondCommand struct {
	OfferID  types.ID
	DriverID types.ID
	Response Response
	Reason   string
}

// closedError classifies an offer that could not be accepted.
func closedError(o Offer, driverID types.ID, now time.Time) error {
	if o.DriverID != driverID {
		return ErrNotOfferee
	}
	switch o.Outcome {
	case OutcomeAccepted:
		return ErrAlreadyMatched
	case OutcomeSuperseded:
		if o.Reason == ReasonRideCancelled {
			return ErrOfferClosed
		}
		return ErrAlreadyMatched
	case OutcomeExpired:
		return ErrExpired
	case OutcomePending:
		if !now.Before(o.ExpiresAt) {
			return ErrExpired
		}
	}
	return ErrOfferClosed
}
