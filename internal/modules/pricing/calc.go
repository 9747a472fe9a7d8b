// README: Fare formula and surge rule selection (pure functions).
package pricing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/types"
)

var (
	hundred           = decimal.NewFromInt(100)
	one               = decimal.NewFromInt(1)
	minTripDistanceKm = decimal.RequireFromString("0.1")
)

// Calculate applies total = clamp(min, max, (subtotal + fuel) * surge), rounding once at the end.
func Calculate(in FareInput, rate Rate, surge decimal.Decimal, fuel *FuelAdjustment, currency string) Breakdown {
	if surge.LessThanOrEqual(decimal.Zero) {
		surge = one
	}
	distanceFare := rate.PerKm.Mul(in.DistanceKm)
	timeFare := rate.PerMin.Mul(in.DurationMin)
	subtotal := rate.BaseFare.Add(distanceFare).Add(timeFare)
	fuelAdj := fuelAdjustmentPerKm(fuel).Mul(in.DistanceKm)

	total := subtotal.Add(fuelAdj).Mul(surge)
	b := Breakdown{
		VehicleClass:    in.VehicleClass,
		City:            in.City,
		DistanceKm:      in.DistanceKm,
		DurationMin:     in.DurationMin,
		BaseFare:        types.RoundMoney(rate.BaseFare),
		DistanceFare:    types.RoundMoney(distanceFare),
		TimeFare:        types.RoundMoney(timeFare),
		Subtotal:        types.RoundMoney(subtotal),
		FuelAdjustment:  types.RoundMoney(fuelAdj),
		SurgeMultiplier: surge,
		CancellationFee: types.RoundMoney(rate.CancellationFee),
		Currency:        currency,
	}
	if rate.MaxFare.Valid && total.GreaterThan(rate.MaxFare.Decimal) {
		total = rate.MaxFare.Decimal
		b.MaximumApplied = true
	}
	if total.LessThan(rate.MinFare) {
		total = rate.MinFare
		b.MinimumApplied = true
		b.MaximumApplied = false
	}
	b.TotalFare = types.RoundMoney(total)
	return b
}

// fuelAdjustmentPerKm is (fuel - baseline) / 100 * adjustmentPer100, or zero at or below baseline.
func fuelAdjustmentPerKm(f *FuelAdjustment) decimal.Decimal {
	if f == nil || f.FuelPrice.LessThanOrEqual(f.Baseline) {
		return decimal.Zero
	}
	return f.FuelPrice.Sub(f.Baseline).Div(hundred).Mul(f.AdjustmentPer100)
}

// SelectSurge picks the active rule for city at local time at: highest priority, then larger multiplier.
func SelectSurge(rules []SurgeRule, city string, at time.Time) (SurgeRule, bool) {
	var active []SurgeRule
	for _, r := range rules {
		if r.appliesTo(city, at) {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		return SurgeRule{}, false
	}
	sort.Slice(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.Multiplier.Equal(b.Multiplier) {
			return a.Multiplier.GreaterThan(b.Multiplier)
		}
		return a.ID < b.ID
	})
	return active[0], true
}

func (r SurgeRule) appliesTo(city string, at time.Time) bool {
	if !r.Active {
		return false
	}
	if r.City != "" && r.City != city {
		return false
	}
	if !r.Weekdays[at.Weekday()] {
		return false
	}
	return r.inWindow(at.Hour()*60 + at.Minute())
}

func (r SurgeRule) inWindow(minute int) bool {
	switch {
	case r.StartMinute == r.EndMinute:
		return true
	case r.StartMinute < r.EndMinute:
		return minute >= r.StartMinute && minute < r.EndMinute
	default:
		return minute >= r.StartMinute || minute < r.EndMinute
	}
}

// EveryDay is a convenience weekday set.
var EveryDay = [7]bool{true, true, true, true, true, true, true}
