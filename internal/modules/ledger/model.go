// README: Wallet accounts and immutable ledger entries.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/types"
)

type Kind string

const (
	KindRideCharge      Kind = "ride_charge"
	KindRideEarning     Kind = "ride_earning"
	KindCommission      Kind = "commission"
	KindCancellationFee Kind = "cancellation_fee"
	KindDeposit         Kind = "deposit"
)

var (
	ErrInvalidAmount      = errors.New("amount must be positive with at most two decimals")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateReference = errors.New("reference already used")
	ErrAccountLocked      = errors.New("account locked")
	ErrNotFound           = errors.New("account not found")
	ErrBadRequest         = errors.New("bad request")
)

type Account struct {
	OwnerID   types.ID        `json:"owner_id"`
	Balance   decimal.Decimal `json:"balance"`
	IsLocked  bool            `json:"is_locked"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Entry is append-only. Amount is signed: credits positive, debits negative.
type Entry struct {
	ID            types.ID        `json:"id"`
	AccountID     types.ID        `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Kind          Kind            `json:"kind"`
	ReferenceID   string          `json:"reference_id"`
	RideID        *types.ID       `json:"ride_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Posting is one requested movement; Amount is always positive.
type Posting struct {
	AccountID   types.ID
	Amount      decimal.Decimal
	ReferenceID string
	Kind        Kind
	RideID      *types.ID
}
