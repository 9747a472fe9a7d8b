// README: Driver snapshot and candidate types for nearby-driver matching.
package geomatch

import (
	"errors"
	"time"

	"swiftride/internal/types"
)

const (
	DefaultRadiusKm  = 10.0
	DefaultLimit     = 10
	DefaultFreshness = 5 * time.Minute
)

var (
	ErrInvalidInput = errors.New("invalid matching query")
	ErrNotFound     = errors.New("driver not found")
)

// Driver is the last known state of one driver as seen by the matcher.
// VehicleClasses lists only classes with a verified, active vehicle.
type Driver struct {
	ID             types.ID    `json:"id"`
	Position       types.Point `json:"position"`
	LocationAt     time.Time   `json:"location_at"`
	Online         bool        `json:"online"`
	Available      bool        `json:"available"`
	Approved       bool        `json:"approved"`
	VehicleClasses []string    `json:"vehicle_classes"`
}

func (d Driver) HasClass(class string) bool {
	for _, c := range d.VehicleClasses {
		if c == class {
			return true
		}
	}
	return false
}

type Query struct {
	Pickup       types.Point
	VehicleClass string
	RadiusKm     float64
	Limit        int
}

type Candidate struct {
	DriverID   types.ID    `json:"driver_id"`
	Position   types.Point `json:"position"`
	DistanceKm float64     `json:"distance_km"`
	LocationAt time.Time   `json:"location_at"`
}

type StatusCommand struct {
	DriverID       types.ID
	Online         bool
	Available      bool
	Approved       bool
	VehicleClasses []string
}
