package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/testutil"
	"swiftride/internal/types"
)

func newPGRide(id, rider string) *Ride {
	return &Ride{
		ID:           types.ID(id),
		RiderID:      types.ID(rider),
		Status:       StatusPending,
		Pickup:       pickup,
		Destination:  destination,
		VehicleClass: "car",
		QuoteHash:    "hash-" + id,
		Fare: Fare{
			Total:           decimal.RequireFromString("4687.50"),
			Base:            decimal.RequireFromString("500"),
			Time:            decimal.RequireFromString("300"),
			DurationMin:     decimal.RequireFromString("20"),
			CancellationFee: decimal.RequireFromString("300"),
			Currency:        "NGN",
		},
		PaymentStatus: PaymentUnsettled,
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

func createPG(t *testing.T, s *PGStore, r *Ride) {
	t.Helper()
	e := &Event{RideID: r.ID, From: StatusNone, To: StatusPending, Trigger: TriggerRequest, Actor: ActorRider, CreatedAt: r.CreatedAt}
	if err := s.Create(context.Background(), r, e); err != nil {
		t.Fatalf("create ride: %v", err)
	}
}

func TestPGStoreRoundTripAndCAS(t *testing.T) {
	db := testutil.OpenDB(t, "ride_events", "rides")
	s := NewStore(db)
	ctx := context.Background()

	r := newPGRide("ride-1", "rider-1")
	r.Fare.CommissionRate = decimal.NewNullDecimal(decimal.RequireFromString("0.2"))
	createPG(t, s, r)

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Fare.Total.Equal(r.Fare.Total) || got.Status != StatusPending || got.DriverID != nil ||
		!got.Fare.CommissionRate.Valid || !got.Fare.CommissionRate.Decimal.Equal(r.Fare.CommissionRate.Decimal) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if err := s.Create(ctx, newPGRide("ride-2", "rider-1"), &Event{RideID: "ride-2", From: StatusNone, To: StatusPending, Trigger: TriggerRequest, Actor: ActorRider, CreatedAt: r.CreatedAt}); !errors.Is(err, ErrActiveRide) {
		t.Fatalf("second active ride err = %v, want ErrActiveRide", err)
	}

	// A stale version loses.
	next := *got
	next.apply(StatusCancelled, ActorRider, "changed mind", time.Now())
	next.PaymentStatus = PaymentDue
	ok, err := s.UpdateStatus(ctx, &next, StatusPending, got.StatusVersion+1, &Event{RideID: r.ID, From: StatusPending, To: StatusCancelled, Trigger: TriggerCancel, Actor: ActorRider, CreatedAt: time.Now()})
	if err != nil || ok {
		t.Fatalf("stale update ok=%v err=%v", ok, err)
	}
	ok, err = s.UpdateStatus(ctx, &next, StatusPending, got.StatusVersion, &Event{RideID: r.ID, From: StatusPending, To: StatusCancelled, Trigger: TriggerCancel, Actor: ActorRider, CreatedAt: time.Now()})
	if err != nil || !ok {
		t.Fatalf("update ok=%v err=%v", ok, err)
	}
	got, _ = s.Get(ctx, r.ID)
	if got.Status != StatusCancelled || got.CancelReason != "changed mind" || got.CancelledBy == nil || got.PaymentStatus != PaymentDue {
		t.Fatalf("unexpected ride after cancel: %+v", got)
	}
	evs, err := s.Events(ctx, r.ID)
	if err != nil || len(evs) != 2 {
		t.Fatalf("events = %d err = %v", len(evs), err)
	}
}

func TestPGBindDriverRace(t *testing.T) {
	db := testutil.OpenDB(t, "ride_events", "rides")
	s := NewStore(db)
	ctx := context.Background()

	r := newPGRide("ride-race", "rider-race")
	createPG(t, s, r)

	const n = 20
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tx, err := db.Begin(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer tx.Rollback(ctx)
			if err := BindDriverTx(ctx, tx, r.ID, types.ID(fmt.Sprintf("driver-%d", i)), time.Now()); err != nil {
				errs <- err
				return
			}
			errs <- tx.Commit(ctx)
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
	got, _ := s.Get(ctx, r.ID)
	if got.Status != StatusMatched || got.DriverID == nil {
		t.Fatalf("ride not matched: %+v", got)
	}
}

func TestPGBindDriverBusy(t *testing.T) {
	db := testutil.OpenDB(t, "ride_events", "rides")
	s := NewStore(db)
	ctx := context.Background()

	a := newPGRide("ride-a", "rider-a")
	b := newPGRide("ride-b", "rider-b")
	createPG(t, s, a)
	createPG(t, s, b)

	bind := func(id types.ID) error {
		tx, err := db.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		if err := BindDriverTx(ctx, tx, id, "driver-1", time.Now()); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}
	if err := bind(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := bind(b.ID); !errors.Is(err, ErrDriverBusy) {
		t.Fatalf("err = %v, want ErrDriverBusy", err)
	}
}
