// README: GeoMatcher service; eligibility filtering and deterministic candidate ordering.
package geomatch

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"swiftride/internal/config"
	"swiftride/internal/events"
	"swiftride/internal/modules/ride"
	"swiftride/internal/observability"
	"swiftride/internal/types"
)

type Store interface {
	Upsert(ctx context.Context, d Driver) error
	UpdateLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error
	SetAvailable(ctx context.Context, id types.ID, available bool) error
	Get(ctx context.Context, id types.ID) (*Driver, error)
	// Within returns drivers whose indexed position lies inside radiusKm of p, in no particular order.
	Within(ctx context.Context, p types.Point, radiusKm float64) ([]Driver, error)
}

type Service struct {
	store     Store
	freshness time.Duration
	now       func() time.Time
	log       *slog.Logger
}

func NewService(store Store, cfg config.MatchingConfig, log *slog.Logger) *Service {
	freshness := cfg.FreshnessWindow
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, freshness: freshness, now: time.Now, log: log}
}

// Find returns eligible drivers near q.Pickup, closest first. An empty result is not an error.
func (s *Service) Find(ctx context.Context, q Query) ([]Candidate, error) {
	if err := q.Pickup.Validate(); err != nil || q.RadiusKm <= 0 || q.VehicleClass == "" {
		return nil, ErrInvalidInput
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	drivers, err := s.store.Within(ctx, q.Pickup, q.RadiusKm)
	if err != nil {
		return nil, err
	}

	staleBefore := s.now().Add(-s.freshness)
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !eligible(d, q.VehicleClass, staleBefore) {
			continue
		}
		dist := types.DistanceKm(q.Pickup, d.Position)
		if dist > q.RadiusKm {
			continue
		}
		out = append(out, Candidate{DriverID: d.ID, Position: d.Position, DistanceKm: dist, LocationAt: d.LocationAt})
	}
	sortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	observability.CandidatesFound.Observe(float64(len(out)))
	return out, nil
}

func (s *Service) ReportLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	if id == "" {
		return ErrInvalidInput
	}
	if err := p.Validate(); err != nil {
		return ErrInvalidInput
	}
	if at.IsZero() {
		at = s.now()
	}
	return s.store.UpdateLocation(ctx, id, p, at)
}

// SetStatus replaces the driver's online/approval/vehicle flags and keeps the last known location.
func (s *Service) SetStatus(ctx context.Context, cmd StatusCommand) error {
	if cmd.DriverID == "" {
		return ErrInvalidInput
	}
	d, err := s.store.Get(ctx, cmd.DriverID)
	if err != nil && err != ErrNotFound {
		return err
	}
	if d == nil {
		d = &Driver{ID: cmd.DriverID}
	}
	d.Online = cmd.Online
	d.Available = cmd.Available
	d.Approved = cmd.Approved
	d.VehicleClasses = cmd.VehicleClasses
	return s.store.Upsert(ctx, *d)
}

func (s *Service) SetAvailable(ctx context.Context, id types.ID, available bool) error {
	return s.store.SetAvailable(ctx, id, available)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Driver, error) {
	return s.store.Get(ctx, id)
}

// HandleEvent claims a driver when a ride is matched and releases them when that ride ends.
func (s *Service) HandleEvent(ctx context.Context, e events.Event) error {
	t, ok := e.(events.RideTransitioned)
	if !ok || t.DriverID == nil {
		return nil
	}
	switch ride.Status(t.To) {
	case ride.StatusMatched:
		return s.store.SetAvailable(ctx, *t.DriverID, false)
	case ride.StatusCompleted, ride.StatusCancelled:
		return s.store.SetAvailable(ctx, *t.DriverID, true)
	}
	return nil
}

func eligible(d Driver, class string, staleBefore time.Time) bool {
	if !d.Online || !d.Available || !d.Approved {
		return false
	}
	if !d.HasClass(class) {
		return false
	}
	return d.LocationAt.After(staleBefore)
}

// sortCandidates orders by distance, then fresher location, then driver id.
func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if !a.LocationAt.Equal(b.LocationAt) {
			return a.LocationAt.After(b.LocationAt)
		}
		return a.DriverID < b.DriverID
	})
}
