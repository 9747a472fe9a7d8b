// README: Driver handlers for location reports, availability and push-token registration.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"swiftride/internal/modules/geomatch"
	"swiftride/internal/types"
)

// TokenRegistry stores a device push token for a user.
type TokenRegistry interface {
	Register(ctx context.Context, userID types.ID, token string) error
}

type DriverHandler struct {
	geo    *geomatch.Service
	tokens TokenRegistry
	log    *slog.Logger
}

func NewDriverHandler(geo *geomatch.Service, tokens TokenRegistry, log *slog.Logger) *DriverHandler {
	return &DriverHandler{geo: geo, tokens: tokens, log: log}
}

type locationReq struct {
	Lat float64    `json:"lat"`
	Lng float64    `json:"lng"`
	At  *time.Time `json:"at"`
}

func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req locationReq
	if !bindJSON(c, &req) {
		return
	}
	at := time.Now()
	if req.At != nil && !req.At.After(at) {
		at = *req.At
	}
	if err := h.geo.ReportLocation(c.Request.Context(), id, types.Point{Lat: req.Lat, Lng: req.Lng}, at); err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type statusReq struct {
	Online         bool     `json:"online"`
	Available      bool     `json:"available"`
	Approved       bool     `json:"approved"`
	VehicleClasses []string `json:"vehicle_classes"`
}

func (h *DriverHandler) UpdateStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req statusReq
	if !bindJSON(c, &req) {
		return
	}
	err := h.geo.SetStatus(c.Request.Context(), geomatch.StatusCommand{
		DriverID:       id,
		Online:         req.Online,
		Available:      req.Available,
		Approved:       req.Approved,
		VehicleClasses: req.VehicleClasses,
	})
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DriverHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	d, err := h.geo.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

type pushTokenReq struct {
	Token string `json:"token" binding:"required"`
}

func (h *DriverHandler) RegisterPushToken(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if h.tokens == nil {
		writeError(c, http.StatusNotImplemented, "push notifications disabled")
		return
	}
	var req pushTokenReq
	if !bindJSON(c, &req) {
		return
	}
	if err := h.tokens.Register(c.Request.Context(), id, req.Token); err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
