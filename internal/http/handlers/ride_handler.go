// README: Ride handlers for create/get/transition/settle.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"swiftride/internal/modules/dispatch"
	"swiftride/internal/modules/ride"
	"swiftride/internal/modules/settlement"
	"swiftride/internal/types"
)

type RideHandler struct {
	rides      *ride.Service
	dispatch   *dispatch.Service
	settlement *settlement.Service
	log        *slog.Logger
}

func NewRideHandler(rides *ride.Service, d *dispatch.Service, s *settlement.Service, log *slog.Logger) *RideHandler {
	return &RideHandler{rides: rides, dispatch: d, settlement: s, log: log}
}

type createRideReq struct {
	RiderID          string          `json:"rider_id" binding:"required"`
	QuoteHash        string          `json:"quote_hash" binding:"required"`
	ExpectedTotal    decimal.Decimal `json:"expected_total"`
	Pickup           types.Point     `json:"pickup"`
	Destination      types.Point     `json:"destination"`
	PickupLabel      string          `json:"pickup_label"`
	DestinationLabel string          `json:"destination_label"`
}

// Create books a ride against a quote. Dispatch starts from the ride's pending event.
func (h *RideHandler) Create(c *gin.Context) {
	var req createRideReq
	if !bindJSON(c, &req) {
		return
	}
	if !isValidID(req.RiderID) {
		writeError(c, http.StatusBadRequest, "invalid rider_id")
		return
	}
	r, err := h.rides.Create(c.Request.Context(), ride.CreateCommand{
		RiderID:          types.ID(req.RiderID),
		QuoteHash:        req.QuoteHash,
		ExpectedTotal:    req.ExpectedTotal,
		Pickup:           req.Pickup,
		Destination:      req.Destination,
		PickupLabel:      req.PickupLabel,
		DestinationLabel: req.DestinationLabel,
	})
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

func (h *RideHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) Events(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.rides.Get(c.Request.Context(), id); err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	evs, err := h.rides.Events(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"events": evs})
}

func (h *RideHandler) Offers(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	offers, err := h.dispatch.Offers(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"offers": offers})
}

type transitionReq struct {
	ActorID string `json:"actor_id" binding:"required"`
	Trigger string `json:"trigger" binding:"required"`
	Reason  string `json:"reason"`
}

func (h *RideHandler) Transition(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req transitionReq
	if !bindJSON(c, &req) {
		return
	}
	r, err := h.rides.Transition(c.Request.Context(), ride.TransitionCommand{
		RideID:  id,
		ActorID: types.ID(req.ActorID),
		Trigger: ride.Trigger(req.Trigger),
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

// Settle runs settlement on demand. A credit still being retried is reported as 202 with the partial result.
func (h *RideHandler) Settle(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := h.settlement.SettleRide(c.Request.Context(), id)
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, res)
	case errors.Is(err, settlement.ErrCreditPending):
		writeJSON(c, http.StatusAccepted, res)
	case errors.Is(err, settlement.ErrPaymentPending):
		writeJSON(c, http.StatusPaymentRequired, gin.H{"error": err.Error(), "settlement": res})
	default:
		writeServiceError(c, h.log, err)
	}
}
