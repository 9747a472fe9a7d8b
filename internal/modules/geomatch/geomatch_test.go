package geomatch

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"swiftride/internal/config"
	"swiftride/internal/events"
	"swiftride/internal/types"
)

var (
	testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	pickup  = types.Point{Lat: 6.4550, Lng: 3.3941}
)

func newTestService(t *testing.T, drivers ...Driver) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	for _, d := range drivers {
		if err := store.Upsert(context.Background(), d); err != nil {
			t.Fatalf("seed driver: %v", err)
		}
	}
	svc := NewService(store, config.MatchingConfig{FreshnessWindow: 5 * time.Minute}, nil)
	svc.now = func() time.Time { return testNow }
	return svc, store
}

// offset returns a point roughly km kilometres north of pickup.
func offset(km float64) types.Point {
	return types.Point{Lat: pickup.Lat + km/111.0, Lng: pickup.Lng}
}

func activeDriver(id string, km float64, age time.Duration) Driver {
	return Driver{
		ID:             types.ID(id),
		Position:       offset(km),
		LocationAt:     testNow.Add(-age),
		Online:         true,
		Available:      true,
		Approved:       true,
		VehicleClasses: []string{"car"},
	}
}

func ids(cs []Candidate) []types.ID {
	out := make([]types.ID, len(cs))
	for i, c := range cs {
		out[i] = c.DriverID
	}
	return out
}

func TestFindEligibilityFilter(t *testing.T) {
	offline := activeDriver("offline", 1, time.Minute)
	offline.Online = false
	busy := activeDriver("busy", 1, time.Minute)
	busy.Available = false
	pendingApproval := activeDriver("unapproved", 1, time.Minute)
	pendingApproval.Approved = false
	bike := activeDriver("bike", 1, time.Minute)
	bike.VehicleClasses = []string{"bike"}
	stale := activeDriver("stale", 1, 6*time.Minute)
	far := activeDriver("far", 15, time.Minute)
	ok := activeDriver("ok", 2, time.Minute)

	svc, _ := newTestService(t, offline, busy, pendingApproval, bike, stale, far, ok)
	got, err := svc.Find(context.Background(), Query{Pickup: pickup, VehicleClass: "car", RadiusKm: 10, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if want := []types.ID{"ok"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("expected %v, got %v", want, ids(got))
	}
}

func TestFindOrdering(t *testing.T) {
	// same distance: fresher first, then lowest id
	a := activeDriver("d-b", 1, 2*time.Minute)
	b := activeDriver("d-a", 1, 2*time.Minute)
	c := activeDriver("d-c", 1, 30*time.Second)
	near := activeDriver("d-z", 0.5, 4*time.Minute)

	svc, _ := newTestService(t, a, b, c, near)
	got, err := svc.Find(context.Background(), Query{Pickup: pickup, VehicleClass: "car", RadiusKm: 5})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	want := []types.ID{"d-z", "d-c", "d-a", "d-b"}
	if !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("expected %v, got %v", want, ids(got))
	}
}

func TestFindDeterministicAndLimited(t *testing.T) {
	var drivers []Driver
	for i := 0; i < 25; i++ {
		drivers = append(drivers, activeDriver(fmt.Sprintf("d%02d", i), float64(i%5)*0.3+0.1, time.Duration(i%3)*time.Minute))
	}
	svc, _ := newTestService(t, drivers...)
	q := Query{Pickup: pickup, VehicleClass: "car", RadiusKm: 10, Limit: 10}

	first, err := svc.Find(context.Background(), q)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(first) != 10 {
		t.Fatalf("expected limit of 10, got %d", len(first))
	}
	for i := 0; i < 20; i++ {
		again, err := svc.Find(context.Background(), q)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if !reflect.DeepEqual(ids(first), ids(again)) {
			t.Fatalf("order changed between calls: %v vs %v", ids(first), ids(again))
		}
	}
	for i := 1; i < len(first); i++ {
		if first[i].DistanceKm < first[i-1].DistanceKm {
			t.Fatalf("candidates not sorted by distance at %d", i)
		}
	}
}

func TestFindEmptyIsNotError(t *testing.T) {
	svc, _ := newTestService(t)
	got, err := svc.Find(context.Background(), Query{Pickup: pickup, VehicleClass: "car", RadiusKm: 3})
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result without error, got %v %v", got, err)
	}
}

func TestFindInvalidInput(t *testing.T) {
	svc, _ := newTestService(t)
	tests := []struct {
		name string
		q    Query
	}{
		{"bad latitude", Query{Pickup: types.Point{Lat: 91}, VehicleClass: "car", RadiusKm: 1}},
		{"bad longitude", Query{Pickup: types.Point{Lng: -181}, VehicleClass: "car", RadiusKm: 1}},
		{"zero radius", Query{Pickup: pickup, VehicleClass: "car", RadiusKm: 0}},
		{"missing class", Query{Pickup: pickup, RadiusKm: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Find(context.Background(), tt.q); err != ErrInvalidInput {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestSetStatusKeepsLocation(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	if err := svc.ReportLocation(ctx, "d1", offset(1), testNow); err != nil {
		t.Fatalf("report location: %v", err)
	}
	if err := svc.SetStatus(ctx, StatusCommand{DriverID: "d1", Online: true, Available: true, Approved: true, VehicleClasses: []string{"car"}}); err != nil {
		t.Fatalf("set status: %v", err)
	}
	d, err := store.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !d.LocationAt.Equal(testNow) || !d.Online || !d.HasClass("car") {
		t.Fatalf("unexpected driver after status update: %+v", d)
	}
}

func TestHandleEventTogglesAvailability(t *testing.T) {
	svc, store := newTestService(t, activeDriver("d1", 1, time.Minute))
	ctx := context.Background()
	driver := types.ID("d1")

	if err := svc.HandleEvent(ctx, events.RideTransitioned{RideID: "r1", DriverID: &driver, From: "pending", To: "matched"}); err != nil {
		t.Fatalf("matched event: %v", err)
	}
	if d, _ := store.Get(ctx, driver); d.Available {
		t.Fatalf("expected driver to be unavailable after match")
	}
	if err := svc.HandleEvent(ctx, events.RideTransitioned{RideID: "r1", DriverID: &driver, From: "arriving", To: "cancelled"}); err != nil {
		t.Fatalf("cancelled event: %v", err)
	}
	if d, _ := store.Get(ctx, driver); !d.Available {
		t.Fatalf("expected driver to be released after cancellation")
	}
}
