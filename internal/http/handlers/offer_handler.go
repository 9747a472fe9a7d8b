// README: Offer handlers; drivers accept or decline dispatch offers.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"swiftride/internal/modules/dispatch"
	"swiftride/internal/types"
)

type OfferHandler struct {
	dispatch *dispatch.Service
	log      *slog.Logger
}

func NewOfferHandler(svc *dispatch.Service, log *slog.Logger) *OfferHandler {
	return &OfferHandler{dispatch: svc, log: log}
}

type respondReq struct {
	DriverID string `json:"driver_id" binding:"required"`
	Response string `json:"response" binding:"required"`
	Reason   string `json:"reason"`
}

func (h *OfferHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := h.dispatch.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OfferHandler) Respond(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req respondReq
	if !bindJSON(c, &req) {
		return
	}
	offer, r, err := h.dispatch.Respond(c.Request.Context(), dispatch.RespondCommand{
		OfferID:  id,
		DriverID: types.ID(req.DriverID),
		Response: dispatch.Response(req.Response),
		Reason:   req.Reason,
	})
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	body := gin.H{"offer": offer}
	if r != nil {
		body["ride"] = r
	}
	writeJSON(c, http.StatusOK, body)
}
