// README: Pricing catalog store backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type Catalog interface {
	City(ctx context.Context, name string) (City, error)
	VehicleClass(ctx context.Context, name string) (VehicleClass, error)
	// Rate returns the city-specific rate when one exists, else the class default.
	Rate(ctx context.Context, vehicleClass, city string) (Rate, error)
	// SurgeRules returns the configured rules for city plus global rules.
	SurgeRules(ctx context.Context, city string) ([]SurgeRule, error)
	// FuelAdjustment returns the city entry, else the global one, else nil.
	FuelAdjustment(ctx context.Context, city string) (*FuelAdjustment, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) City(ctx context.Context, name string) (City, error) {
	var c City
	err := s.db.QueryRow(ctx, `
		SELECT name, currency, active FROM cities WHERE name = $1`, name,
	).Scan(&c.Name, &c.Currency, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return City{}, ErrNotFound
	}
	return c, err
}

func (s *Store) VehicleClass(ctx context.Context, name string) (VehicleClass, error) {
	var v VehicleClass
	var rate string
	err := s.db.QueryRow(ctx, `
		SELECT name, commission_rate::text, active FROM vehicle_classes WHERE name = $1`, name,
	).Scan(&v.Name, &rate, &v.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return VehicleClass{}, ErrNotFound
	}
	if err != nil {
		return VehicleClass{}, err
	}
	if v.CommissionRate, err = decimal.NewFromString(rate); err != nil {
		return VehicleClass{}, fmt.Errorf("parse commission_rate: %w", err)
	}
	return v, nil
}

func (s *Store) Rate(ctx context.Context, vehicleClass, city string) (Rate, error) {
	row := s.db.QueryRow(ctx, `
		SELECT r.vehicle_class, COALESCE(r.city, ''),
		       r.base_fare::text, r.per_km::text, r.per_min::text, r.min_fare::text,
		       COALESCE(r.max_fare::text, ''), r.cancellation_fee::text
		FROM vehicle_rates r
		JOIN vehicle_classes v ON v.name = r.vehicle_class
		WHERE r.vehicle_class = $1 AND v.active AND (r.city = $2 OR r.city IS NULL)
		ORDER BY r.city NULLS LAST
		LIMIT 1`, vehicleClass, city,
	)
	var r Rate
	var base, perKm, perMin, minFare, maxFare, cancelFee string
	err := row.Scan(&r.VehicleClass, &r.City, &base, &perKm, &perMin, &minFare, &maxFare, &cancelFee)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rate{}, ErrNotFound
	}
	if err != nil {
		return Rate{}, err
	}
	if err := parseDecimals(
		&r.BaseFare, base,
		&r.PerKm, perKm,
		&r.PerMin, perMin,
		&r.MinFare, minFare,
		&r.CancellationFee, cancelFee,
	); err != nil {
		return Rate{}, err
	}
	if maxFare != "" {
		d, err := decimal.NewFromString(maxFare)
		if err != nil {
			return Rate{}, fmt.Errorf("parse max_fare: %w", err)
		}
		r.MaxFare = decimal.NewNullDecimal(d)
	}
	return r, nil
}

func (s *Store) SurgeRules(ctx context.Context, city string) ([]SurgeRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, COALESCE(city, ''), multiplier::text, start_minute, end_minute,
		       weekday_mask, active, priority
		FROM surge_rules
		WHERE active AND (city = $1 OR city IS NULL)
		ORDER BY priority DESC, multiplier DESC, id`, city,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SurgeRule
	for rows.Next() {
		var r SurgeRule
		var mult string
		var mask int16
		if err := rows.Scan(&r.ID, &r.Name, &r.City, &mult, &r.StartMinute, &r.EndMinute, &mask, &r.Active, &r.Priority); err != nil {
			return nil, err
		}
		if r.Multiplier, err = decimal.NewFromString(mult); err != nil {
			return nil, fmt.Errorf("parse multiplier: %w", err)
		}
		for d := 0; d < 7; d++ {
			r.Weekdays[d] = mask&(1<<d) != 0
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) FuelAdjustment(ctx context.Context, city string) (*FuelAdjustment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT COALESCE(city, ''), fuel_price::text, baseline::text, adjustment_per_100::text
		FROM fuel_adjustments
		WHERE active AND (city = $1 OR city IS NULL)
		ORDER BY city NULLS LAST, effective_from DESC
		LIMIT 1`, city,
	)
	var f FuelAdjustment
	var price, baseline, adj string
	err := row.Scan(&f.City, &price, &baseline, &adj)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := parseDecimals(&f.FuelPrice, price, &f.Baseline, baseline, &f.AdjustmentPer100, adj); err != nil {
		return nil, err
	}
	return &f, nil
}

// parseDecimals takes (target, text) pairs.
func parseDecimals(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		dst := pairs[i].(*decimal.Decimal)
		d, err := decimal.NewFromString(pairs[i+1].(string))
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", pairs[i+1], err)
		}
		*dst = d
	}
	return nil
}
