// README: Dispatch offer store backed by PostgreSQL.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"swiftride/internal/modules/ride"
	"swiftride/internal/types"
)

const (
	uniqueViolation  = "23505"
	oneAcceptedIndex = "dispatch_offers_one_accepted"
	offerColumns     = `id, ride_id, driver_id, distance_km, outcome, reason, created_at, expires_at, resolved_at`
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateOffers(ctx context.Context, offers []Offer) error {
	batch := &pgx.Batch{}
	for _, o := range offers {
		batch.Queue(`
			INSERT INTO dispatch_offers (id, ride_id, driver_id, distance_km, outcome, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (ride_id, driver_id) DO NOTHING`,
			string(o.ID), string(o.RideID), string(o.DriverID), o.DistanceKm, string(o.Outcome), o.CreatedAt, o.ExpiresAt,
		)
	}
	return s.db.SendBatch(ctx, batch).Close()
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Offer, error) {
	o, err := scanOffer(s.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM dispatch_offers WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PGStore) ListByRide(ctx context.Context, rideID types.ID) ([]Offer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+offerColumns+` FROM dispatch_offers
		WHERE ride_id = $1
		ORDER BY distance_km, driver_id`, string(rideID),
	)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

// Accept runs the offer update and the ride binding in one transaction. Concurrent accepts on the
// same ride serialize on the rides row and on the one-accepted-offer index; only the first commits.
func (s *PGStore) Accept(ctx context.Context, offerID, driverID types.ID, now time.Time) (Offer, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Offer{}, err
	}
	defer tx.Rollback(ctx)

	o, err := scanOffer(tx.QueryRow(ctx, `
		UPDATE dispatch_offers
		SET outcome = 'accepted', resolved_at = $3
		WHERE id = $1 AND driver_id = $2 AND outcome = 'pending' AND expires_at > $3
		RETURNING `+offerColumns,
		string(offerID), string(driverID), now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		tx.Rollback(ctx)
		return Offer{}, s.classify(ctx, offerID, driverID, now)
	}
	if err != nil {
		if isUniqueViolation(err, oneAcceptedIndex) {
			return Offer{}, ErrAlreadyMatched
		}
		return Offer{}, err
	}

	if err := ride.BindDriverTx(ctx, tx, o.RideID, driverID, now); err != nil {
		switch {
		case errors.Is(err, ride.ErrDriverBusy):
			return Offer{}, ErrDriverUnavailable
		case errors.Is(err, ride.ErrConflict):
			tx.Rollback(ctx)
			return Offer{}, s.rideClosed(ctx, o.RideID)
		}
		return Offer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Offer{}, err
	}
	return o, nil
}

func (s *PGStore) Decline(ctx context.Context, offerID, driverID types.ID, reason string, now time.Time) (Offer, error) {
	o, err := scanOffer(s.db.QueryRow(ctx, `
		UPDATE dispatch_offers
		SET outcome = 'declined', reason = $3, resolved_at = $4
		WHERE id = $1 AND driver_id = $2 AND outcome = 'pending'
		RETURNING `+offerColumns,
		string(offerID), string(driverID), reason, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Offer{}, s.classify(ctx, offerID, driverID, now)
	}
	return o, err
}

func (s *PGStore) CloseRide(ctx context.Context, rideID types.ID, reason string, now time.Time) ([]Offer, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE dispatch_offers
		SET outcome = 'superseded', reason = $2, resolved_at = $3
		WHERE ride_id = $1 AND outcome = 'pending'
		RETURNING `+offerColumns,
		string(rideID), reason, now,
	)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (s *PGStore) ExpireDue(ctx context.Context, now time.Time) ([]Offer, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE dispatch_offers
		SET outcome = 'expired', resolved_at = $1
		WHERE outcome = 'pending' AND expires_at <= $1
		RETURNING `+offerColumns, now,
	)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (s *PGStore) ExhaustedRides(ctx context.Context, staleBefore time.Time) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id
		FROM rides r
		WHERE r.status = 'pending'
		  AND (
			(EXISTS (SELECT 1 FROM dispatch_offers o WHERE o.ride_id = r.id)
			 AND NOT EXISTS (
				SELECT 1 FROM dispatch_offers o
				WHERE o.ride_id = r.id AND o.outcome IN ('pending','accepted')
			 ))
			OR (r.created_at <= $1
			 AND NOT EXISTS (SELECT 1 FROM dispatch_offers o WHERE o.ride_id = r.id))
		  )
		ORDER BY r.created_at`,
		staleBefore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, types.ID(id))
	}
	return out, rows.Err()
}

func (s *PGStore) classify(ctx context.Context, offerID, driverID types.ID, now time.Time) error {
	o, err := s.Get(ctx, offerID)
	if err != nil {
		return err
	}
	return closedError(*o, driverID, now)
}

func (s *PGStore) rideClosed(ctx context.Context, rideID types.ID) error {
	var driverID sql.NullString
	err := s.db.QueryRow(ctx, `SELECT driver_id FROM rides WHERE id = $1`, string(rideID)).Scan(&driverID)
	if err != nil {
		return err
	}
	if driverID.Valid {
		return ErrAlreadyMatched
	}
	return ErrOfferClosed
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	var resolvedAt sql.NullTime
	err := row.Scan(&o.ID, &o.RideID, &o.DriverID, &o.DistanceKm, &o.Outcome, &o.Reason, &o.CreatedAt, &o.ExpiresAt, &resolvedAt)
	if err != nil {
		return Offer{}, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		o.ResolvedAt = &t
	}
	return o, nil
}

func collectOffers(rows pgx.Rows) ([]Offer, error) {
	defer rows.Close()
	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}
