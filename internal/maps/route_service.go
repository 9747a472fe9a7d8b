package maps

import (
	"context"
	"fmt"
	"strconv"

	"googlemaps.github.io/maps"

	"swiftride/internal/types"
)

// Route is a driving estimate between two points.
type Route struct {
	DistanceKm  float64
	DurationMin float64
}

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client *maps.Client
	region string
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey, region string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client, region: region}, nil
}

// Estimate returns the driving distance and duration of the first suggested route.
func (s *RouteService) Estimate(ctx context.Context, origin, destination types.Point) (Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeDriving,
		Region:      s.region,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, fmt.Errorf("no route found")
	}

	leg := routes[0].Legs[0]
	return Route{
		DistanceKm:  float64(leg.Distance.Meters) / 1000,
		DurationMin: leg.Duration.Minutes(),
	}, nil
}

// Label reverse-geocodes p into a formatted address.
func (s *RouteService) Label(ctx context.Context, p types.Point) (string, error) {
	results, err := s.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		Region: s.region,
	})
	if err != nil {
		return "", fmt.Errorf("maps api error: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("no address found")
	}
	return results[0].FormattedAddress, nil
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}
