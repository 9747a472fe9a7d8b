// README: Quote handler; prices a trip and returns the signed quote.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"swiftride/internal/modules/pricing"
	"swiftride/internal/types"
)

type QuoteHandler struct {
	pricing *pricing.Service
	log     *slog.Logger
}

func NewQuoteHandler(svc *pricing.Service, log *slog.Logger) *QuoteHandler {
	return &QuoteHandler{pricing: svc, log: log}
}

type quoteReq struct {
	Origin       types.Point `json:"origin"`
	Destination  types.Point `json:"destination"`
	VehicleClass string      `json:"vehicle_class" binding:"required"`
	City         string      `json:"city"`
}

func (h *QuoteHandler) Create(c *gin.Context) {
	var req quoteReq
	if !bindJSON(c, &req) {
		return
	}
	q, err := h.pricing.Quote(c.Request.Context(), pricing.QuoteRequest{
		Origin:       req.Origin,
		Destination:  req.Destination,
		VehicleClass: req.VehicleClass,
		City:         req.City,
	})
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusCreated, q)
}
