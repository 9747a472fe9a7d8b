// README: Wallet handlers for balance, entries and deposits.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"swiftride/internal/modules/ledger"
)

type WalletHandler struct {
	ledger *ledger.Service
	log    *slog.Logger
}

func NewWalletHandler(svc *ledger.Service, log *slog.Logger) *WalletHandler {
	return &WalletHandler{ledger: svc, log: log}
}

func (h *WalletHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	acc, err := h.ledger.Account(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, acc)
}

func (h *WalletHandler) Entries(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	entries, err := h.ledger.Entries(c.Request.Context(), id, queryInt(c, "limit", 0))
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(c, http.StatusOK, gin.H{"entries": entries})
}

type depositReq struct {
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"reference_id" binding:"required"`
}

// Deposit is idempotent on reference_id: a replay returns the original entry with 200.
func (h *WalletHandler) Deposit(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req depositReq
	if !bindJSON(c, &req) {
		return
	}
	e, err := h.ledger.Deposit(c.Request.Context(), id, req.Amount, req.ReferenceID)
	switch {
	case err == nil:
		writeJSON(c, http.StatusCreated, e)
	case errors.Is(err, ledger.ErrDuplicateReference) && e.ID != "":
		writeJSON(c, http.StatusOK, e)
	default:
		writeServiceError(c, h.log, err)
	}
}
