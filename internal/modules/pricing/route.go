// README: Route estimation for quotes; Google Maps with a straight-line fallback.
package pricing

import (
	"context"
	"log/slog"

	"swiftride/internal/maps"
	"swiftride/internal/types"
)

const defaultCitySpeedKmh = 30.0

type RouteEstimator interface {
	Estimate(ctx context.Context, origin, destination types.Point) (maps.Route, error)
}

// StraightLineRoutes uses haversine distance and a flat average speed.
type StraightLineRoutes struct {
	SpeedKmh float64
}

func (r StraightLineRoutes) Estimate(_ context.Context, origin, destination types.Point) (maps.Route, error) {
	speed := r.SpeedKmh
	if speed <= 0 {
		speed = defaultCitySpeedKmh
	}
	km := types.DistanceKm(origin, destination)
	return maps.Route{DistanceKm: km, DurationMin: km / speed * 60}, nil
}

// FallbackRoutes tries primary and falls back on any error.
type FallbackRoutes struct {
	Primary  RouteEstimator
	Fallback RouteEstimator
	Log      *slog.Logger
}

func (r FallbackRoutes) Estimate(ctx context.Context, origin, destination types.Point) (maps.Route, error) {
	if r.Primary != nil {
		route, err := r.Primary.Estimate(ctx, origin, destination)
		if err == nil {
			return route, nil
		}
		if r.Log != nil {
			r.Log.Warn("route estimate failed, using straight-line fallback", "error", err)
		}
	}
	return r.Fallback.Estimate(ctx, origin, destination)
}
