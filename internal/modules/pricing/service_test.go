package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/config"
	"swiftride/internal/maps"
	"swiftride/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func carRate() Rate {
	return Rate{
		VehicleClass:    "car",
		BaseFare:        d("500"),
		PerKm:           d("150"),
		PerMin:          d("15"),
		MinFare:         d("800"),
		CancellationFee: d("300"),
	}
}

func TestCalculate(t *testing.T) {
	capped := carRate()
	capped.MaxFare = decimal.NewNullDecimal(d("2000"))
	cheap := carRate()
	cheap.PerKm = d("100")
	cheap.PerMin = d("10")

	tests := []struct {
		name    string
		rate    Rate
		km, min string
		surge   string
		fuel    *FuelAdjustment
		want    string
		minimum bool
		maximum bool
	}{
		{name: "plain trip", rate: carRate(), km: "5", min: "15", surge: "1.0", want: "1475.00"},
		{name: "lower tariff", rate: cheap, km: "5", min: "15", surge: "1.0", want: "1150.00"},
		{name: "floor applied", rate: carRate(), km: "0.5", min: "2", surge: "1.0", want: "800.00", minimum: true},
		{name: "surge doubles before clamping", rate: carRate(), km: "5", min: "15", surge: "2.0", want: "2950.00"},
		{name: "surge lifts short trip over floor", rate: carRate(), km: "0.5", min: "2", surge: "2.0", want: "1210.00"},
		{name: "max fare cap", rate: capped, km: "20", min: "40", surge: "1.5", want: "2000.00", maximum: true},
		{name: "end to end city trip", rate: carRate(), km: "15.5", min: "20", surge: "1.5", want: "4687.50"},
		{
			name: "fuel above baseline",
			rate: carRate(), km: "10", min: "0", surge: "1",
			fuel: &FuelAdjustment{FuelPrice: d("1000"), Baseline: d("800"), AdjustmentPer100: d("10")},
			// 500 + 1500 + (200/100*10)*10 = 2200
			want: "2200.00",
		},
		{
			name: "fuel at baseline adds nothing",
			rate: carRate(), km: "10", min: "0", surge: "1",
			fuel: &FuelAdjustment{FuelPrice: d("800"), Baseline: d("800"), AdjustmentPer100: d("10")},
			want: "2000.00",
		},
		{
			name: "round half up only at the end",
			rate: Rate{VehicleClass: "car", BaseFare: d("0.004"), PerKm: d("0.004"), PerMin: d("0"), MinFare: d("0")},
			km:   "1", min: "0", surge: "1",
			// 0.008 -> 0.01; rounding each component first would give 0.00
			want: "0.01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := FareInput{VehicleClass: "car", DistanceKm: d(tt.km), DurationMin: d(tt.min)}
			got := Calculate(in, tt.rate, d(tt.surge), tt.fuel, "NGN")
			if !got.TotalFare.Equal(d(tt.want)) {
				t.Fatalf("total = %s, want %s", got.TotalFare.StringFixed(2), tt.want)
			}
			if got.MinimumApplied != tt.minimum || got.MaximumApplied != tt.maximum {
				t.Fatalf("clamp flags = (min %v, max %v), want (%v, %v)", got.MinimumApplied, got.MaximumApplied, tt.minimum, tt.maximum)
			}
		})
	}
}

func TestCalculateBreakdownComponents(t *testing.T) {
	got := Calculate(FareInput{VehicleClass: "car", DistanceKm: d("15.5"), DurationMin: d("20")}, carRate(), d("1.5"), nil, "NGN")
	checks := map[string][2]decimal.Decimal{
		"base":     {got.BaseFare, d("500")},
		"distance": {got.DistanceFare, d("2325")},
		"time":     {got.TimeFare, d("300")},
		"subtotal": {got.Subtotal, d("3125")},
		"fuel":     {got.FuelAdjustment, d("0")},
	}
	for name, c := range checks {
		if !c[0].Equal(c[1]) {
			t.Errorf("%s = %s, want %s", name, c[0], c[1])
		}
	}
}

func TestSelectSurge(t *testing.T) {
	// Tuesday 2026-02-10
	morning := time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
	late := time.Date(2026, 2, 10, 23, 30, 0, 0, time.UTC)
	weekdays := [7]bool{false, true, true, true, true, true, false}

	rules := []SurgeRule{
		{ID: 1, City: "", Multiplier: d("1.2"), StartMinute: 7 * 60, EndMinute: 10 * 60, Weekdays: EveryDay, Active: true, Priority: 1},
		{ID: 2, City: "lagos", Multiplier: d("1.5"), StartMinute: 7 * 60, EndMinute: 10 * 60, Weekdays: weekdays, Active: true, Priority: 5},
		{ID: 3, City: "lagos", Multiplier: d("2.0"), StartMinute: 7 * 60, EndMinute: 10 * 60, Weekdays: weekdays, Active: true, Priority: 5},
		{ID: 4, City: "lagos", Multiplier: d("3.0"), StartMinute: 7 * 60, EndMinute: 10 * 60, Weekdays: EveryDay, Active: false, Priority: 9},
		{ID: 5, City: "abuja", Multiplier: d("4.0"), StartMinute: 0, EndMinute: 0, Weekdays: EveryDay, Active: true, Priority: 9},
		{ID: 6, City: "", Multiplier: d("1.8"), StartMinute: 22 * 60, EndMinute: 2 * 60, Weekdays: EveryDay, Active: true, Priority: 2},
	}

	tests := []struct {
		name   string
		city   string
		at     time.Time
		wantID int64
		found  bool
	}{
		{"priority tie picks larger multiplier", "lagos", morning, 3, true},
		{"global rule when city has none", "kano", morning, 1, true},
		{"other city rules ignored", "kano", morning.Add(4 * time.Hour), 0, false},
		{"window wrapping midnight", "lagos", late, 6, true},
		{"weekday flag excludes sunday", "lagos", time.Date(2026, 2, 15, 8, 30, 0, 0, time.UTC), 1, true},
		{"all day rule", "abuja", late, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectSurge(rules, tt.city, tt.at)
			if ok != tt.found {
				t.Fatalf("found = %v, want %v", ok, tt.found)
			}
			if ok && got.ID != tt.wantID {
				t.Fatalf("selected rule %d, want %d", got.ID, tt.wantID)
			}
		})
	}
}

type fixedRoute struct {
	km, min float64
	err     error
}

func (f fixedRoute) Estimate(context.Context, types.Point, types.Point) (maps.Route, error) {
	return maps.Route{DistanceKm: f.km, DurationMin: f.min}, f.err
}

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

func newTestEngine(t *testing.T, route RouteEstimator) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)}
	catalog := NewStaticCatalog().
		AddCity(City{Name: "lagos", Currency: "NGN", Active: true}).
		AddCity(City{Name: "closed", Currency: "NGN", Active: false}).
		AddVehicleClass(VehicleClass{Name: "car", CommissionRate: d("0.20"), Active: true}).
		AddRate(carRate()).
		AddSurgeRule(SurgeRule{ID: 1, City: "lagos", Multiplier: d("1.5"), Weekdays: EveryDay, Active: true, Priority: 1})
	svc, err := NewService(catalog, NewMemoryQuoteCache(clock.Now), route, NewSigner("test-secret"),
		config.PricingConfig{QuoteTTL: 10 * time.Minute, Timezone: "UTC"}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.now = clock.Now
	return svc, clock
}

var (
	origin      = types.Point{Lat: 6.4550, Lng: 3.3941}
	destination = types.Point{Lat: 6.6018, Lng: 3.3515}
)

func TestQuoteEndToEndFigures(t *testing.T) {
	svc, _ := newTestEngine(t, fixedRoute{km: 15.5, min: 20})
	q, err := svc.Quote(context.Background(), QuoteRequest{Origin: origin, Destination: destination, VehicleClass: "car", City: "lagos"})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.Subtotal.Equal(d("3125")) || !q.TotalFare.Equal(d("4687.50")) || !q.SurgeMultiplier.Equal(d("1.5")) {
		t.Fatalf("unexpected quote figures: subtotal %s total %s surge %s", q.Subtotal, q.TotalFare, q.SurgeMultiplier)
	}
	if q.SignatureHash == "" || !q.ExpiresAt.After(q.IssuedAt) {
		t.Fatalf("quote not signed or has bad window: %+v", q)
	}
	if _, err := svc.Verify(context.Background(), q.SignatureHash, d("4687.5")); err != nil {
		t.Fatalf("verify with matching total: %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	svc, clock := newTestEngine(t, fixedRoute{km: 15.5, min: 20})
	ctx := context.Background()
	q, err := svc.Quote(ctx, QuoteRequest{Origin: origin, Destination: destination, VehicleClass: "car", City: "lagos"})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	for _, total := range []string{"4687.49", "4687.51", "0", "3125"} {
		if _, err := svc.Verify(ctx, q.SignatureHash, d(total)); !errors.Is(err, ErrQuoteInvalid) {
			t.Fatalf("total %s: expected ErrQuoteInvalid, got %v", total, err)
		}
	}
	if _, err := svc.Verify(ctx, "deadbeef", q.TotalFare); !errors.Is(err, ErrQuoteInvalid) {
		t.Fatalf("unknown hash: expected ErrQuoteInvalid, got %v", err)
	}

	clock.t = clock.t.Add(10*time.Minute + time.Second)
	if _, err := svc.Verify(ctx, q.SignatureHash, q.TotalFare); err == nil {
		t.Fatalf("expected expired quote to fail verification")
	}
}

func TestVerifyRejectsForgedCacheEntry(t *testing.T) {
	svc, _ := newTestEngine(t, fixedRoute{km: 15.5, min: 20})
	ctx := context.Background()
	q, err := svc.Quote(ctx, QuoteRequest{Origin: origin, Destination: destination, VehicleClass: "car", City: "lagos"})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	forged := q
	forged.TotalFare = d("100")
	if err := svc.quotes.Put(ctx, forged, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := svc.Verify(ctx, q.SignatureHash, d("100")); !errors.Is(err, ErrQuoteInvalid) {
		t.Fatalf("expected forged breakdown to fail signature check, got %v", err)
	}
}

func TestConsumeOnce(t *testing.T) {
	svc, _ := newTestEngine(t, fixedRoute{km: 15.5, min: 20})
	ctx := context.Background()
	q, err := svc.Quote(ctx, QuoteRequest{Origin: origin, Destination: destination, VehicleClass: "car", City: "lagos"})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if _, err := svc.Consume(ctx, q.SignatureHash, q.TotalFare); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := svc.Consume(ctx, q.SignatureHash, q.TotalFare); !errors.Is(err, ErrQuoteInvalid) {
		t.Fatalf("second consume: expected ErrQuoteInvalid, got %v", err)
	}
}

func TestRestoreReturnsConsumedQuote(t *testing.T) {
	svc, clock := newTestEngine(t, fixedRoute{km: 15.5, min: 20})
	ctx := context.Background()
	q, err := svc.Quote(ctx, QuoteRequest{Origin: origin, Destination: destination, VehicleClass: "car", City: "lagos"})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	taken, err := svc.Consume(ctx, q.SignatureHash, q.TotalFare)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := svc.Restore(ctx, taken); err != nil {
		t.Fatalf("restore: %v", err)
	}
	taken, err = svc.Consume(ctx, q.SignatureHash, q.TotalFare)
	if err != nil {
		t.Fatalf("consume after restore: %v", err)
	}

	// Past its expiry a restored quote stays gone.
	clock.t = q.ExpiresAt.Add(time.Second)
	if err := svc.Restore(ctx, taken); err != nil {
		t.Fatalf("restore expired: %v", err)
	}
	if _, err := svc.Consume(ctx, q.SignatureHash, q.TotalFare); err == nil {
		t.Fatal("expected expired quote to stay consumed")
	}
}

func TestQuoteFailures(t *testing.T) {
	tests := []struct {
		name  string
		route RouteEstimator
		req   QuoteRequest
		want  error
	}{
		{"bad origin", fixedRoute{km: 5, min: 10}, QuoteRequest{Origin: types.Point{Lat: 95}, Destination: destination, VehicleClass: "car"}, ErrInvalidInput},
		{"unknown class", fixedRoute{km: 5, min: 10}, QuoteRequest{Origin: origin, Destination: destination, VehicleClass: "jet"}, ErrNotFound},
		{"unknown city", fixedRoute{km: 5, min: 10}, QuoteRequest{Origin: origin, Destination: destination, VehicleClass: "car", City: "atlantis"}, ErrNotFound},
		{"inactive city", fixedRoute{km: 5, min: 10}, QuoteRequest{Origin: origin, Destination: destination, VehicleClass: "car", City: "closed"}, ErrNotFound},
		{"degenerate trip", fixedRoute{km: 0.05, min: 1}, QuoteRequest{Origin: origin, Destination: origin, VehicleClass: "car"}, ErrDegenerateTrip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestEngine(t, tt.route)
			if _, err := svc.Quote(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSignatureIndependentOfDecimalScale(t *testing.T) {
	signer := NewSigner("k")
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Quote{ID: "q1", Breakdown: Breakdown{TotalFare: d("4687.50"), SurgeMultiplier: d("1.5")}, IssuedAt: at, ExpiresAt: at.Add(time.Minute)}
	b := a
	b.TotalFare = d("4687.5")
	b.SurgeMultiplier = d("1.50")
	if signer.Sign(a) != signer.Sign(b) {
		t.Fatalf("expected equal values to sign identically")
	}
	if NewSigner("other").Sign(a) == signer.Sign(a) {
		t.Fatalf("expected different secrets to produce different signatures")
	}
}

func TestFallbackRoutes(t *testing.T) {
	r := FallbackRoutes{Primary: fixedRoute{err: errors.New("quota")}, Fallback: StraightLineRoutes{}}
	got, err := r.Estimate(context.Background(), origin, destination)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	want := types.DistanceKm(origin, destination)
	if got.DistanceKm != want || got.DurationMin != want/30*60 {
		t.Fatalf("unexpected fallback route %+v", got)
	}
}

func TestSurgeRulesCachedUntilInvalidated(t *testing.T) {
	svc, _ := newTestEngine(t, fixedRoute{km: 5, min: 10})
	ctx := context.Background()
	in := FareInput{VehicleClass: "car", City: "lagos", DistanceKm: d("5"), DurationMin: d("10")}

	before, err := svc.Estimate(ctx, in)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	svc.catalog.(*StaticCatalog).AddSurgeRule(SurgeRule{ID: 2, City: "lagos", Multiplier: d("3"), Weekdays: EveryDay, Active: true, Priority: 10})

	cached, _ := svc.Estimate(ctx, in)
	if !cached.SurgeMultiplier.Equal(before.SurgeMultiplier) {
		t.Fatalf("expected cached surge %s, got %s", before.SurgeMultiplier, cached.SurgeMultiplier)
	}
	svc.InvalidateSurge("lagos")
	fresh, _ := svc.Estimate(ctx, in)
	if !fresh.SurgeMultiplier.Equal(d("3")) {
		t.Fatalf("expected reloaded surge 3, got %s", fresh.SurgeMultiplier)
	}
}
