// README: FareEngine; fare estimates, signed quotes, verification and quote consumption.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/cache"
	"swiftride/internal/config"
	"swiftride/internal/observability"
	"swiftride/internal/types"
)

var (
	ErrNotFound       = errors.New("pricing not found")
	ErrInvalidInput   = errors.New("invalid fare request")
	ErrDegenerateTrip = errors.New("trip distance below minimum")
	ErrQuoteInvalid   = errors.New("quote invalid")
	ErrQuoteExpired   = errors.New("quote expired")
)

const (
	defaultQuoteTTL = 10 * time.Minute
	defaultSurgeTTL = time.Minute
)

type Service struct {
	catalog  Catalog
	quotes   QuoteCache
	routes   RouteEstimator
	signer   *Signer
	surge    *cache.TTL[string, []SurgeRule]
	quoteTTL time.Duration
	surgeTTL time.Duration
	loc      *time.Location
	now      func() time.Time
	log      *slog.Logger
}

func NewService(catalog Catalog, quotes QuoteCache, routes RouteEstimator, signer *Signer, cfg config.PricingConfig, log *slog.Logger) (*Service, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	if routes == nil {
		routes = StraightLineRoutes{}
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		catalog:  catalog,
		quotes:   quotes,
		routes:   routes,
		signer:   signer,
		quoteTTL: cfg.QuoteTTL,
		surgeTTL: cfg.SurgeCacheTTL,
		loc:      loc,
		now:      time.Now,
		log:      log,
	}
	if s.quoteTTL <= 0 {
		s.quoteTTL = defaultQuoteTTL
	}
	if s.surgeTTL <= 0 {
		s.surgeTTL = defaultSurgeTTL
	}
	s.surge = cache.NewTTL[string, []SurgeRule](func() time.Time { return s.now() })
	return s, nil
}

// Estimate prices a trip without issuing a quote.
func (s *Service) Estimate(ctx context.Context, in FareInput) (Breakdown, error) {
	if in.VehicleClass == "" || in.DistanceKm.IsNegative() || in.DurationMin.IsNegative() {
		return Breakdown{}, ErrInvalidInput
	}
	if in.DistanceKm.LessThan(minTripDistanceKm) {
		return Breakdown{}, ErrDegenerateTrip
	}
	if in.At.IsZero() {
		in.At = s.now()
	}

	currency := types.DefaultCurrency
	if in.City != "" {
		city, err := s.catalog.City(ctx, in.City)
		if err != nil {
			return Breakdown{}, err
		}
		if !city.Active {
			return Breakdown{}, ErrNotFound
		}
		if city.Currency != "" {
			currency = city.Currency
		}
	}

	rate, err := s.catalog.Rate(ctx, in.VehicleClass, in.City)
	if err != nil {
		return Breakdown{}, err
	}
	rules, err := s.surgeRules(ctx, in.City)
	if err != nil {
		return Breakdown{}, err
	}
	surge := one
	if rule, ok := SelectSurge(rules, in.City, in.At.In(s.loc)); ok {
		surge = rule.Multiplier
	}
	fuel, err := s.catalog.FuelAdjustment(ctx, in.City)
	if err != nil {
		return Breakdown{}, err
	}
	return Calculate(in, rate, surge, fuel, currency), nil
}

// Quote estimates the route, prices it, signs the breakdown and caches it under its hash.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if req.Origin.Validate() != nil || req.Destination.Validate() != nil || req.VehicleClass == "" {
		return Quote{}, ErrInvalidInput
	}
	route, err := s.routes.Estimate(ctx, req.Origin, req.Destination)
	if err != nil {
		return Quote{}, fmt.Errorf("estimate route: %w", err)
	}

	now := s.now()
	b, err := s.Estimate(ctx, FareInput{
		VehicleClass: req.VehicleClass,
		City:         req.City,
		DistanceKm:   decimal.NewFromFloat(route.DistanceKm).Round(2),
		DurationMin:  decimal.NewFromFloat(route.DurationMin).Round(2),
		At:           now,
	})
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		ID:        string(types.NewID()),
		Breakdown: b,
		IssuedAt:  now.UTC(),
		ExpiresAt: now.Add(s.quoteTTL).UTC(),
	}
	q.SignatureHash = s.signer.Sign(q)
	if err := s.quotes.Put(ctx, q, s.quoteTTL); err != nil {
		return Quote{}, fmt.Errorf("cache quote: %w", err)
	}
	observability.QuotesIssued.WithLabelValues(q.VehicleClass).Inc()
	return q, nil
}

// Verify succeeds only when hash is cached, unexpired, authentic and its total equals expected exactly.
func (s *Service) Verify(ctx context.Context, hash string, expected decimal.Decimal) (Quote, error) {
	q, err := s.quotes.Get(ctx, hash)
	if err != nil {
		return Quote{}, s.verifyFailed(err)
	}
	if err := s.check(q, hash, expected); err != nil {
		return Quote{}, s.verifyFailed(err)
	}
	observability.QuoteVerifications.WithLabelValues("ok").Inc()
	return q, nil
}

// Consume verifies and removes the quote so it can back at most one ride.
func (s *Service) Consume(ctx context.Context, hash string, expected decimal.Decimal) (Quote, error) {
	q, err := s.quotes.Take(ctx, hash)
	if err != nil {
		return Quote{}, s.verifyFailed(err)
	}
	if err := s.check(q, hash, expected); err != nil {
		return Quote{}, s.verifyFailed(err)
	}
	return q, nil
}

// Restore puts back a consumed quote whose ride could not be stored, for whatever lifetime it had left.
func (s *Service) Restore(ctx context.Context, q Quote) error {
	ttl := q.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.quotes.Put(ctx, q, ttl)
}

// CommissionRate is the platform share for a vehicle class.
func (s *Service) CommissionRate(ctx context.Context, vehicleClass string) (decimal.Decimal, error) {
	v, err := s.catalog.VehicleClass(ctx, vehicleClass)
	if err != nil {
		return decimal.Zero, err
	}
	return v.CommissionRate, nil
}

// InvalidateSurge drops cached surge rules for city so the next quote reloads them.
func (s *Service) InvalidateSurge(city string) {
	s.surge.Delete(city)
}

func (s *Service) surgeRules(ctx context.Context, city string) ([]SurgeRule, error) {
	if rules, ok := s.surge.Get(city); ok {
		return rules, nil
	}
	rules, err := s.catalog.SurgeRules(ctx, city)
	if err != nil {
		return nil, err
	}
	s.surge.Set(city, rules, s.surgeTTL)
	return rules, nil
}

func (s *Service) check(q Quote, hash string, expected decimal.Decimal) error {
	if q.SignatureHash != hash || !s.signer.Valid(q) {
		return ErrQuoteInvalid
	}
	if !s.now().Before(q.ExpiresAt) {
		return ErrQuoteExpired
	}
	if !q.TotalFare.Equal(expected) {
		return ErrQuoteInvalid
	}
	return nil
}

func (s *Service) verifyFailed(err error) error {
	switch {
	case errors.Is(err, errQuoteMissing):
		err = ErrQuoteInvalid
	case errors.Is(err, ErrQuoteExpired), errors.Is(err, ErrQuoteInvalid):
	default:
		s.log.Error("quote cache lookup failed", "error", err)
		err = fmt.Errorf("%w: %v", ErrQuoteInvalid, err)
	}
	observability.QuoteVerifications.WithLabelValues("rejected").Inc()
	return err
}
