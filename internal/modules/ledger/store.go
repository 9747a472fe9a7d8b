// README: Ledger store backed by PostgreSQL; balance checks and mutations are one conditional UPDATE.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"swiftride/internal/types"
)

const (
	uniqueViolation = "23505"
	entryColumns    = `id, account_id, amount::text, balance_before::text, balance_after::text, kind, reference_id, ride_id, created_at`
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Credit(ctx context.Context, p Posting, entryID types.ID, at time.Time) (Entry, error) {
	return s.apply(ctx, p, entryID, at, `
		UPDATE wallet_accounts
		SET balance = balance + $2, updated_at = $3
		WHERE owner_id = $1
		RETURNING balance::text`, false)
}

func (s *PGStore) Debit(ctx context.Context, p Posting, entryID types.ID, at time.Time) (Entry, error) {
	return s.apply(ctx, p, entryID, at, `
		UPDATE wallet_accounts
		SET balance = balance - $2, updated_at = $3
		WHERE owner_id = $1 AND balance >= $2 AND NOT is_locked
		RETURNING balance::text`, true)
}

// apply runs the guarded balance UPDATE and the entry INSERT in one transaction. The UPDATE takes
// the row lock, so concurrent mutations on one account serialize and each sees the committed balance.
func (s *PGStore) apply(ctx context.Context, p Posting, entryID types.ID, at time.Time, update string, debit bool) (Entry, error) {
	if e, err := s.entryByReference(ctx, p.ReferenceID); err == nil {
		return e, ErrDuplicateReference
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback(ctx)

	if err := ensureTx(ctx, tx, p.AccountID, at); err != nil {
		return Entry{}, err
	}

	var after string
	err = tx.QueryRow(ctx, update, string(p.AccountID), p.Amount.String(), at).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, s.debitRejected(ctx, tx, p.AccountID)
	}
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		ID:          entryID,
		AccountID:   p.AccountID,
		Amount:      p.Amount,
		Kind:        p.Kind,
		ReferenceID: p.ReferenceID,
		RideID:      p.RideID,
		CreatedAt:   at,
	}
	if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return Entry{}, fmt.Errorf("parse balance: %w", err)
	}
	if debit {
		e.Amount = p.Amount.Neg()
	}
	e.BalanceBefore = e.BalanceAfter.Sub(e.Amount)

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (
			id, account_id, amount, balance_before, balance_after, kind, reference_id, ride_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(e.ID), string(e.AccountID), e.Amount.String(), e.BalanceBefore.String(), e.BalanceAfter.String(),
		string(e.Kind), e.ReferenceID, toStringPtr(e.RideID), e.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			tx.Rollback(ctx)
			orig, lookupErr := s.entryByReference(ctx, p.ReferenceID)
			if lookupErr != nil {
				return Entry{}, ErrDuplicateReference
			}
			return orig, ErrDuplicateReference
		}
		return Entry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *PGStore) debitRejected(ctx context.Context, tx pgx.Tx, id types.ID) error {
	var locked bool
	if err := tx.QueryRow(ctx, `SELECT is_locked FROM wallet_accounts WHERE owner_id = $1`, string(id)).Scan(&locked); err != nil {
		return err
	}
	if locked {
		return ErrAccountLocked
	}
	return ErrInsufficientFunds
}

func (s *PGStore) Ensure(ctx context.Context, id types.ID, at time.Time) (Account, error) {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO wallet_accounts (owner_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (owner_id) DO NOTHING`, string(id), at,
	); err != nil {
		return Account{}, err
	}
	var a Account
	var balance string
	err := s.db.QueryRow(ctx, `
		SELECT owner_id, balance::text, is_locked, created_at, updated_at
		FROM wallet_accounts WHERE owner_id = $1`, string(id),
	).Scan(&a.OwnerID, &balance, &a.IsLocked, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return Account{}, fmt.Errorf("parse balance: %w", err)
	}
	return a, nil
}

func (s *PGStore) Entries(ctx context.Context, accountID types.ID, limit int) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, string(accountID), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) SetLocked(ctx context.Context, id types.ID, locked bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE wallet_accounts SET is_locked = $1, updated_at = NOW() WHERE owner_id = $2`, locked, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) entryByReference(ctx context.Context, ref string) (Entry, error) {
	return scanEntry(s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE reference_id = $1`, ref))
}

func ensureTx(ctx context.Context, tx pgx.Tx, id types.ID, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_accounts (owner_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (owner_id) DO NOTHING`, string(id), at,
	)
	return err
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var amount, before, after string
	var rideID sql.NullString
	if err := row.Scan(&e.ID, &e.AccountID, &amount, &before, &after, &e.Kind, &e.ReferenceID, &rideID, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return Entry{}, err
	}
	if e.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return Entry{}, err
	}
	if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return Entry{}, err
	}
	if rideID.Valid {
		id := types.ID(rideID.String)
		e.RideID = &id
	}
	return e, nil
}

func toStringPtr(id *types.ID) *string {
	if id == nil {
		return nil
	}
	v := string(*id)
	return &v
}
