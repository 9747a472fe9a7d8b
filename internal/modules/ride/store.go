// README: Ride store backed by PostgreSQL; status changes are compare-and-set on status_version.
package ride

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
	uniqueViolation       = "23505"
	activeRiderConstraint = "rides_one_active_per_rider"
	activeDriverIndex     = "rides_one_active_per_driver"
	quoteHashConstraint   = "rides_quote_hash_key"
)

const rideColumns = `
	id, rider_id, driver_id, status, status_version,
	pickup_lat, pickup_lng, destination_lat, destination_lng,
	pickup_label, destination_label, vehicle_class, city, quote_hash,
	fare_total::text, fare_base::text, fare_time::text, duration_min::text, cancellation_fee::text, currency,
	commission_rate::text, payment_status, cancellation_fee_due,
	created_at, matched_at, arriving_at, started_at, completed_at, cancelled_at, cancelled_by, cancel_reason`

type PGStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, r *Ride, e *Event) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO rides (
			id, rider_id, driver_id, status, status_version,
			pickup_lat, pickup_lng, destination_lat, destination_lng,
			pickup_label, destination_label, vehicle_class, city, quote_hash,
			fare_total, fare_base, fare_time, duration_min, cancellation_fee, currency,
			commission_rate, payment_status, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20,
			$21, $22, $23
		)`,
		string(r.ID), string(r.RiderID), toStringPtr(r.DriverID), string(r.Status), r.StatusVersion,
		r.Pickup.Lat, r.Pickup.Lng, r.Destination.Lat, r.Destination.Lng,
		r.PickupLabel, r.DestinationLabel, r.VehicleClass, r.City, r.QuoteHash,
		r.Fare.Total.String(), r.Fare.Base.String(), r.Fare.Time.String(), r.Fare.DurationMin.String(),
		r.Fare.CancellationFee.String(), r.Fare.Currency,
		nullDecimal(r.Fare.CommissionRate), string(r.PaymentStatus), r.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case activeRiderConstraint:
				return ErrActiveRide
			case quoteHashConstraint:
				return ErrQuoteInvalid
			}
		}
		return err
	}
	if err := appendEvent(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id))
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PGStore) HasActiveByRider(ctx context.Context, riderID types.ID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides
			WHERE rider_id = $1
			  AND status IN ('pending','matched','arriving','in_progress')
		)`, string(riderID),
	).Scan(&exists)
	return exists, err
}

func (s *PGStore) UpdateStatus(ctx context.Context, r *Ride, from Status, version int, e *Event) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var cancelledBy *string
	if r.CancelledBy != nil {
		v := string(*r.CancelledBy)
		cancelledBy = &v
	}
	tag, err := tx.Exec(ctx, `
		UPDATE rides
		SET status = $1,
		    status_version = status_version + 1,
		    arriving_at = $2,
		    started_at = $3,
		    completed_at = $4,
		    cancelled_at = $5,
		    cancelled_by = $6,
		    cancel_reason = $7,
		    cancellation_fee_due = $8,
		    payment_status = COALESCE($12, payment_status)
		WHERE id = $9 AND status = $10 AND status_version = $11`,
		string(r.Status),
		r.ArrivingAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		cancelledBy, nullIfEmpty(r.CancelReason), r.CancellationFeeDue,
		string(r.ID), string(from), version,
		duePayment(r.PaymentStatus),
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := appendEvent(ctx, tx, e); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// BindDriverTx moves a pending, unassigned ride to matched inside the caller's transaction.
// ErrConflict means the ride is no longer pending; ErrDriverBusy means the driver already holds an active ride.
func BindDriverTx(ctx context.Context, tx pgx.Tx, rideID, driverID types.ID, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE rides
		SET status = 'matched',
		    status_version = status_version + 1,
		    driver_id = $1,
		    matched_at = $2
		WHERE id = $3 AND status = 'pending' AND driver_id IS NULL`,
		string(driverID), at, string(rideID),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeDriverIndex {
			return ErrDriverBusy
		}
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	d := driverID
	return appendEvent(ctx, tx, &Event{
		RideID:    rideID,
		From:      StatusPending,
		To:        StatusMatched,
		Trigger:   TriggerAccept,
		Actor:     ActorDriver,
		ActorID:   &d,
		CreatedAt: at,
	})
}

func (s *PGStore) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ride_id, from_status, to_status, trigger, actor, actor_id, reason, created_at
		FROM ride_events
		WHERE ride_id = $1
		ORDER BY id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.RideID, &e.From, &e.To, &e.Trigger, &e.Actor, &actorID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			a := types.ID(actorID.String)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) SetPaymentStatus(ctx context.Context, id types.ID, status PaymentStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE rides SET payment_status = $1 WHERE id = $2`, string(status), string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListByPaymentStatus(ctx context.Context, statuses []PaymentStatus, limit int) ([]*Ride, error) {
	want := make([]string, len(statuses))
	for i, st := range statuses {
		want[i] = string(st)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE payment_status = ANY($1)
		ORDER BY created_at
		LIMIT $2`, want, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func appendEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ride_events (
			ride_id, from_status, to_status, trigger, actor, actor_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(e.RideID),
		string(e.From),
		string(e.To),
		string(e.Trigger),
		string(e.Actor),
		toStringPtr(e.ActorID),
		e.Reason,
		e.CreatedAt,
	)
	return err
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var driverID, cancelledBy, cancelReason sql.NullString
	var total, base, timeFare, duration, cancelFee string
	var commissionRate sql.NullString
	var matchedAt, arrivingAt, startedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.RiderID, &driverID, &r.Status, &r.StatusVersion,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Destination.Lat, &r.Destination.Lng,
		&r.PickupLabel, &r.DestinationLabel, &r.VehicleClass, &r.City, &r.QuoteHash,
		&total, &base, &timeFare, &duration, &cancelFee, &r.Fare.Currency,
		&commissionRate, &r.PaymentStatus, &r.CancellationFeeDue,
		&r.CreatedAt, &matchedAt, &arrivingAt, &startedAt, &completedAt, &cancelledAt, &cancelledBy, &cancelReason,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&r.Fare.Total, total},
		{&r.Fare.Base, base},
		{&r.Fare.Time, timeFare},
		{&r.Fare.DurationMin, duration},
		{&r.Fare.CancellationFee, cancelFee},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("parse fare: %w", err)
		}
	}

	if commissionRate.Valid {
		rate, err := decimal.NewFromString(commissionRate.String)
		if err != nil {
			return nil, fmt.Errorf("parse commission rate: %w", err)
		}
		r.Fare.CommissionRate = decimal.NewNullDecimal(rate)
	}
	if driverID.Valid {
		d := types.ID(driverID.String)
		r.DriverID = &d
	}
	if cancelledBy.Valid {
		a := Actor(cancelledBy.String)
		r.CancelledBy = &a
	}
	r.CancelReason = cancelReason.String
	r.MatchedAt = toTimePtr(matchedAt)
	r.ArrivingAt = toTimePtr(arrivingAt)
	r.StartedAt = toTimePtr(startedAt)
	r.CompletedAt = toTimePtr(completedAt)
	r.CancelledAt = toTimePtr(cancelledAt)
	return &r, nil
}

func toStringPtr(id *types.ID) *string {
	if id == nil {
		return nil
	}
	v := string(*id)
	return &v
}

func toTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullDecimal(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	v := d.Decimal.String()
	return &v
}

// duePayment is the only payment status a lifecycle update may write; settlement owns the rest.
func duePayment(st PaymentStatus) *string {
	if st != PaymentDue {
		return nil
	}
	v := string(st)
	return &v
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
