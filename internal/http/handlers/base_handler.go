// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"swiftride/internal/modules/dispatch"
	"swiftride/internal/modules/geomatch"
	"swiftride/internal/modules/ledger"
	"swiftride/internal/modules/pricing"
	"swiftride/internal/modules/ride"
	"swiftride/internal/modules/settlement"
	"swiftride/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor is checked in order; the first sentinel that matches wins.
var statusFor = []struct {
	err    error
	status int
}{
	{ride.ErrBadRequest, http.StatusBadRequest},
	{dispatch.ErrBadRequest, http.StatusBadRequest},
	{ledger.ErrBadRequest, http.StatusBadRequest},
	{ledger.ErrInvalidAmount, http.StatusBadRequest},
	{pricing.ErrInvalidInput, http.StatusBadRequest},
	{pricing.ErrDegenerateTrip, http.StatusBadRequest},
	{geomatch.ErrInvalidInput, http.StatusBadRequest},
	{types.ErrInvalidPoint, http.StatusBadRequest},

	{ride.ErrNotParticipant, http.StatusForbidden},
	{ride.ErrNotPermitted, http.StatusForbidden},
	{dispatch.ErrNotOfferee, http.StatusForbidden},

	{ride.ErrNotFound, http.StatusNotFound},
	{dispatch.ErrNotFound, http.StatusNotFound},
	{ledger.ErrNotFound, http.StatusNotFound},
	{pricing.ErrNotFound, http.StatusNotFound},
	{geomatch.ErrNotFound, http.StatusNotFound},

	{ride.ErrQuoteExpired, http.StatusGone},
	{dispatch.ErrExpired, http.StatusGone},
	{ride.ErrQuoteInvalid, http.StatusUnprocessableEntity},

	{ledger.ErrInsufficientFunds, http.StatusPaymentRequired},
	{settlement.ErrPaymentPending, http.StatusPaymentRequired},

	{ride.ErrInvalidTransition, http.StatusConflict},
	{ride.ErrConflict, http.StatusConflict},
	{ride.ErrActiveRide, http.StatusConflict},
	{ride.ErrDriverBusy, http.StatusConflict},
	{dispatch.ErrAlreadyMatched, http.StatusConflict},
	{dispatch.ErrOfferClosed, http.StatusConflict},
	{dispatch.ErrDriverUnavailable, http.StatusConflict},
	{dispatch.ErrNoDriversAvailable, http.StatusConflict},
	{ledger.ErrAccountLocked, http.StatusConflict},
	{ledger.ErrDuplicateReference, http.StatusConflict},
	{settlement.ErrNotSettleable, http.StatusConflict},
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeServiceError maps module sentinels to HTTP statuses; anything unknown is a logged 500.
func writeServiceError(c *gin.Context, log *slog.Logger, err error) {
	for _, m := range statusFor {
		if errors.Is(err, m.err) {
			writeError(c, m.status, err.Error())
			return
		}
	}
	_ = c.Error(err)
	log.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	writeError(c, http.StatusInternalServerError, "internal error")
}

// bindJSON decodes the body or writes a 400.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

// isValidID accepts ids made of letters, digits, '-' and '_' up to 64 characters.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

// pathID reads :id and writes a 400 when it is malformed.
func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return types.ID(id), true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
