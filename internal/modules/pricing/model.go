// README: Pricing catalog types, fare breakdown and signed quote.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/types"
)

type City struct {
	Name     string
	Currency string
	Active   bool
}

type VehicleClass struct {
	Name           string
	CommissionRate decimal.Decimal
	Active         bool
}

// Rate is the tariff for one vehicle class, either city-specific or the default (City == "").
type Rate struct {
	VehicleClass    string
	City            string
	BaseFare        decimal.Decimal
	PerKm           decimal.Decimal
	PerMin          decimal.Decimal
	MinFare         decimal.Decimal
	MaxFare         decimal.NullDecimal
	CancellationFee decimal.Decimal
}

// SurgeRule applies to one city, or to every city when City is empty.
// The window is [StartMinute, EndMinute) in minutes after local midnight and may wrap past midnight;
// StartMinute == EndMinute means all day. Weekdays is indexed by time.Weekday.
type SurgeRule struct {
	ID          int64
	Name        string
	City        string
	Multiplier  decimal.Decimal
	StartMinute int
	EndMinute   int
	Weekdays    [7]bool
	Active      bool
	Priority    int
}

type FuelAdjustment struct {
	City             string
	FuelPrice        decimal.Decimal
	Baseline         decimal.Decimal
	AdjustmentPer100 decimal.Decimal
}

type FareInput struct {
	VehicleClass string
	City         string
	DistanceKm   decimal.Decimal
	DurationMin  decimal.Decimal
	At           time.Time
}

// Breakdown components are display values; TotalFare is computed from unrounded intermediates.
type Breakdown struct {
	VehicleClass    string          `json:"vehicle_class"`
	City            string          `json:"city,omitempty"`
	DistanceKm      decimal.Decimal `json:"distance_km"`
	DurationMin     decimal.Decimal `json:"duration_min"`
	BaseFare        decimal.Decimal `json:"base_fare"`
	DistanceFare    decimal.Decimal `json:"distance_fare"`
	TimeFare        decimal.Decimal `json:"time_fare"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	FuelAdjustment  decimal.Decimal `json:"fuel_adjustment"`
	SurgeMultiplier decimal.Decimal `json:"surge_multiplier"`
	MinimumApplied  bool            `json:"minimum_applied"`
	MaximumApplied  bool            `json:"maximum_applied"`
	TotalFare       decimal.Decimal `json:"total_fare"`
	CancellationFee decimal.Decimal `json:"cancellation_fee"`
	Currency        string          `json:"currency"`
}

type Quote struct {
	ID string `json:"id"`
	Breakdown
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	SignatureHash string    `json:"signature_hash"`
}

type QuoteRequest struct {
	Origin       types.Point
	Destination  types.Point
	VehicleClass string
	City         string
}
