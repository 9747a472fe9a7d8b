// README: Ledger service validates postings and applies them through an atomic store.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/observability"
	"swiftride/internal/types"
)

type Store interface {
	// Credit and Debit apply one posting and write its entry atomically. A reused reference
	// returns the original entry with ErrDuplicateReference and changes nothing.
	Credit(ctx context.Context, p Posting, entryID types.ID, at time.Time) (Entry, error)
	Debit(ctx context.Context, p Posting, entryID types.ID, at time.Time) (Entry, error)
	Ensure(ctx context.Context, id types.ID, at time.Time) (Account, error)
	Entries(ctx context.Context, accountID types.ID, limit int) ([]Entry, error)
	SetLocked(ctx context.Context, id types.ID, locked bool) error
}

type Service struct {
	store Store
	now   func() time.Time
	log   *slog.Logger
}

func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, now: time.Now, log: log}
}

// Credit increases the balance. Locked accounts still receive credits.
func (s *Service) Credit(ctx context.Context, p Posting) (Entry, error) {
	if err := validate(p); err != nil {
		return Entry{}, err
	}
	e, err := s.store.Credit(ctx, p, types.NewID(), s.now())
	s.record("credit", p, err)
	return e, err
}

// Debit decreases the balance only if it covers the amount.
func (s *Service) Debit(ctx context.Context, p Posting) (Entry, error) {
	if err := validate(p); err != nil {
		return Entry{}, err
	}
	e, err := s.store.Debit(ctx, p, types.NewID(), s.now())
	s.record("debit", p, err)
	return e, err
}

func (s *Service) Deposit(ctx context.Context, accountID types.ID, amount decimal.Decimal, referenceID string) (Entry, error) {
	return s.Credit(ctx, Posting{AccountID: accountID, Amount: amount, ReferenceID: referenceID, Kind: KindDeposit})
}

// Account returns the wallet, opening an empty one on first use.
func (s *Service) Account(ctx context.Context, id types.ID) (Account, error) {
	if id == "" {
		return Account{}, ErrBadRequest
	}
	return s.store.Ensure(ctx, id, s.now())
}

func (s *Service) Entries(ctx context.Context, accountID types.ID, limit int) ([]Entry, error) {
	if accountID == "" {
		return nil, ErrBadRequest
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.Entries(ctx, accountID, limit)
}

func (s *Service) SetLocked(ctx context.Context, id types.ID, locked bool) error {
	if _, err := s.Account(ctx, id); err != nil {
		return err
	}
	return s.store.SetLocked(ctx, id, locked)
}

func validate(p Posting) error {
	if p.AccountID == "" || p.ReferenceID == "" || p.Kind == "" {
		return ErrBadRequest
	}
	if !p.Amount.IsPositive() || !types.IsCents(p.Amount) {
		return ErrInvalidAmount
	}
	return nil
}

func (s *Service) record(op string, p Posting, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateReference):
		result = "duplicate"
	case errors.Is(err, ErrInsufficientFunds):
		result = "insufficient_funds"
	case errors.Is(err, ErrAccountLocked):
		result = "locked"
	default:
		result = "error"
		s.log.Error("ledger mutation failed", "op", op, "account_id", p.AccountID, "reference_id", p.ReferenceID, "error", err)
	}
	observability.LedgerMutations.WithLabelValues(op, result).Inc()
}
