package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/config"
	"swiftride/internal/events"
	"swiftride/internal/modules/geomatch"
	"swiftride/internal/modules/pricing"
	"swiftride/internal/modules/ride"
	"swiftride/internal/types"
)

var (
	pickup      = types.Point{Lat: 6.4550, Lng: 3.3941}
	destination = types.Point{Lat: 6.6018, Lng: 3.3515}
	total       = decimal.RequireFromString("4687.50")
)

type stubMatcher struct {
	mu       sync.Mutex
	byRadius map[float64][]geomatch.Candidate
	radii    []float64
	err      error
}

func (m *stubMatcher) Find(_ context.Context, q geomatch.Query) ([]geomatch.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.radii = append(m.radii, q.RadiusKm)
	if m.err != nil {
		return nil, m.err
	}
	return m.byRadius[q.RadiusKm], nil
}

type stubQuotes struct{}

func (stubQuotes) Consume(_ context.Context, hash string, expected decimal.Decimal) (pricing.Quote, error) {
	return pricing.Quote{
		Breakdown: pricing.Breakdown{
			VehicleClass: "car",
			TotalFare:    expected,
			Currency:     "NGN",
		},
		SignatureHash: hash,
	}, nil
}

func (stubQuotes) Restore(context.Context, pricing.Quote) error { return nil }

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) handle(_ context.Context, e events.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *collector) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Name() == name {
			n++
		}
	}
	return n
}

type harness struct {
	svc     *Service
	rides   *ride.Service
	rstore  *ride.MemoryStore
	store   *MemoryStore
	matcher *stubMatcher
	seen    *collector
	clock   time.Time
}

func candidates(ids ...string) []geomatch.Candidate {
	out := make([]geomatch.Candidate, len(ids))
	for i, id := range ids {
		out[i] = geomatch.Candidate{DriverID: types.ID(id), Position: pickup, DistanceKm: float64(i) + 0.5, LocationAt: time.Now()}
	}
	return out
}

func newHarness(t *testing.T, drivers ...string) *harness {
	t.Helper()
	h := &harness{
		rstore:  ride.NewMemoryStore(),
		matcher: &stubMatcher{byRadius: map[float64][]geomatch.Candidate{10: candidates(drivers...)}},
		seen:    &collector{},
		clock:   time.Now(),
	}
	bus := events.NewBus(nil, nil)
	h.rides = ride.NewService(h.rstore, stubQuotes{}, bus, config.RideConfig{}, nil)
	h.store = NewMemoryStore(h.rstore)
	h.svc = NewService(h.store, h.matcher, h.rides, bus,
		config.DispatchConfig{OfferTTL: 30 * time.Second},
		config.MatchingConfig{RadiusKm: 10, MaxRadiusKm: 20, Limit: 10}, nil)
	h.svc.now = func() time.Time { return h.clock }
	bus.Subscribe("dispatch", h.svc.HandleEvent)
	bus.Subscribe("collector", h.seen.handle)
	return h
}

func (h *harness) createRide(t *testing.T, rider string) (*ride.Ride, []Offer) {
	t.Helper()
	ctx := context.Background()
	r, err := h.rides.Create(ctx, ride.CreateCommand{
		RiderID:       types.ID(rider),
		QuoteHash:     "hash-" + rider,
		ExpectedTotal: total,
		Pickup:        pickup,
		Destination:   destination,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	offers, err := h.svc.Offers(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	return r, offers
}

func offerFor(offers []Offer, driver string) Offer {
	for _, o := range offers {
		if o.DriverID == types.ID(driver) {
			return o
		}
	}
	return Offer{}
}

func TestBroadcastCreatesPendingOffers(t *testing.T) {
	h := newHarness(t, "d1", "d2", "d3")
	_, offers := h.createRide(t, "rider-1")

	if len(offers) != 3 {
		t.Fatalf("offers = %d, want 3", len(offers))
	}
	for _, o := range offers {
		if o.Outcome != OutcomePending || !o.ExpiresAt.Equal(h.clock.Add(30*time.Second)) {
			t.Fatalf("unexpected offer: %+v", o)
		}
	}
	if got := h.seen.count("offer.created"); got != 3 {
		t.Fatalf("offer.created events = %d, want 3", got)
	}
}

func TestBroadcastWidensRadiusOnce(t *testing.T) {
	h := newHarness(t)
	h.matcher.byRadius[20] = candidates("far")
	_, offers := h.createRide(t, "rider-1")

	if len(offers) != 1 || offers[0].DriverID != "far" {
		t.Fatalf("offers = %+v", offers)
	}
	if fmt.Sprint(h.matcher.radii) != "[10 20]" {
		t.Fatalf("radii = %v, want [10 20]", h.matcher.radii)
	}
}

func TestBroadcastWithoutDriversCancelsRide(t *testing.T) {
	h := newHarness(t)
	r, offers := h.createRide(t, "rider-1")
	if len(offers) != 0 {
		t.Fatalf("offers = %d, want 0", len(offers))
	}
	got, _ := h.rides.Get(context.Background(), r.ID)
	if got.Status != ride.StatusCancelled || got.CancelReason != ReasonNoDriversAvailable || *got.CancelledBy != ride.ActorSystem {
		t.Fatalf("ride = %+v", got)
	}
	if len(h.matcher.radii) != 2 {
		t.Fatalf("searches = %d, want 2", len(h.matcher.radii))
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	for _, n := range []int{1, 2, 8, 32} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			drivers := make([]string, n)
			for i := range drivers {
				drivers[i] = fmt.Sprintf("d%02d", i)
			}
			h := newHarness(t, drivers...)
			h.matcher.byRadius[10] = candidates(drivers...)
			r, offers := h.createRide(t, "rider-1")

			start := make(chan struct{})
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for _, o := range offers {
				wg.Add(1)
				go func(o Offer) {
					defer wg.Done()
					<-start
					_, _, err := h.svc.Accept(context.Background(), o.ID, o.DriverID)
					errs <- err
				}(o)
			}
			close(start)
			wg.Wait()
			close(errs)

			wins := 0
			for err := range errs {
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrAlreadyMatched), errors.Is(err, ErrExpired):
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if wins != 1 {
				t.Fatalf("wins = %d, want 1", wins)
			}

			got, _ := h.rides.Get(context.Background(), r.ID)
			if got.Status != ride.StatusMatched || got.DriverID == nil {
				t.Fatalf("ride = %+v", got)
			}
			final, _ := h.svc.Offers(context.Background(), r.ID)
			accepted := 0
			for _, o := range final {
				switch o.Outcome {
				case OutcomeAccepted:
					accepted++
					if o.DriverID != *got.DriverID {
						t.Fatalf("accepted offer driver %s, ride driver %s", o.DriverID, *got.DriverID)
					}
				case OutcomeSuperseded:
				default:
					t.Fatalf("offer %s left %s", o.ID, o.Outcome)
				}
			}
			if accepted != 1 {
				t.Fatalf("accepted offers = %d, want 1", accepted)
			}
		})
	}
}

func TestAcceptIsIdempotentlyRejectedAfterResolution(t *testing.T) {
	h := newHarness(t, "d1", "d2")
	_, offers := h.createRide(t, "rider-1")
	ctx := context.Background()

	win := offerFor(offers, "d1")
	if _, r, err := h.svc.Accept(ctx, win.ID, "d1"); err != nil || r == nil || r.Status != ride.StatusMatched {
		t.Fatalf("accept: ride=%+v err=%v", r, err)
	}
	if _, _, err := h.svc.Accept(ctx, win.ID, "d1"); !errors.Is(err, ErrAlreadyMatched) {
		t.Fatalf("re-accept err = %v, want ErrAlreadyMatched", err)
	}
	lose := offerFor(offers, "d2")
	if _, _, err := h.svc.Accept(ctx, lose.ID, "d2"); !errors.Is(err, ErrAlreadyMatched) {
		t.Fatalf("late accept err = %v, want ErrAlreadyMatched", err)
	}
	if _, _, err := h.svc.Accept(ctx, lose.ID, "d1"); !errors.Is(err, ErrNotOfferee) {
		t.Fatalf("foreign accept err = %v, want ErrNotOfferee", err)
	}
	if _, _, err := h.svc.Accept(ctx, "missing", "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing offer err = %v, want ErrNotFound", err)
	}
}

func TestAcceptAfterDeadline(t *testing.T) {
	h := newHarness(t, "d1")
	_, offers := h.createRide(t, "rider-1")
	h.clock = h.clock.Add(31 * time.Second)

	if _, _, err := h.svc.Accept(context.Background(), offers[0].ID, "d1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestDeclineLeavesRideAndSiblings(t *testing.T) {
	h := newHarness(t, "d1", "d2")
	r, offers := h.createRide(t, "rider-1")
	ctx := context.Background()

	o, _, err := h.svc.Respond(ctx, RespondCommand{OfferID: offerFor(offers, "d1").ID, DriverID: "d1", Response: ResponseDecline, Reason: "too far"})
	if err != nil {
		t.Fatal(err)
	}
	if o.Outcome != OutcomeDeclined || o.Reason != "too far" {
		t.Fatalf("offer = %+v", o)
	}
	got, _ := h.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusPending {
		t.Fatalf("ride status = %s, want pending", got.Status)
	}
	sibling, _ := h.svc.Get(ctx, offerFor(offers, "d2").ID)
	if sibling.Outcome != OutcomePending {
		t.Fatalf("sibling = %s, want pending", sibling.Outcome)
	}
	if _, _, err := h.svc.Respond(ctx, RespondCommand{OfferID: offerFor(offers, "d2").ID, DriverID: "d2", Response: ResponseAccept}); err != nil {
		t.Fatalf("sibling accept: %v", err)
	}
	if _, _, err := h.svc.Respond(ctx, RespondCommand{OfferID: o.ID, DriverID: "d1", Response: "maybe"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestDriverUnavailableAtAcceptTime(t *testing.T) {
	h := newHarness(t, "d1")
	_, first := h.createRide(t, "rider-1")
	_, second := h.createRide(t, "rider-2")
	ctx := context.Background()

	if _, _, err := h.svc.Accept(ctx, first[0].ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.svc.Accept(ctx, second[0].ID, "d1"); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("err = %v, want ErrDriverUnavailable", err)
	}
}

func TestSweepExpiresOffersAndCancelsExhaustedRides(t *testing.T) {
	h := newHarness(t, "d1", "d2")
	ctx := context.Background()
	r, offers := h.createRide(t, "rider-1")
	if _, err := h.svc.Decline(ctx, offerFor(offers, "d1").ID, "d1", ""); err != nil {
		t.Fatal(err)
	}

	expired, cancelled, err := h.svc.SweepExpired(ctx)
	if err != nil || expired != 0 || cancelled != 0 {
		t.Fatalf("early sweep expired=%d cancelled=%d err=%v", expired, cancelled, err)
	}

	h.clock = h.clock.Add(time.Minute)
	expired, cancelled, err = h.svc.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 || cancelled != 1 {
		t.Fatalf("expired=%d cancelled=%d, want 1 and 1", expired, cancelled)
	}
	got, _ := h.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusCancelled || got.CancelReason != ReasonNoDriverFound || *got.CancelledBy != ride.ActorSystem {
		t.Fatalf("ride = %+v", got)
	}

	// A second pass is a no-op.
	if expired, cancelled, _ = h.svc.SweepExpired(ctx); expired != 0 || cancelled != 0 {
		t.Fatalf("second sweep expired=%d cancelled=%d", expired, cancelled)
	}
}

func TestSweepCancelsRideWhoseBroadcastFailed(t *testing.T) {
	h := newHarness(t, "d1")
	h.matcher.err = errors.New("redis: connection refused")
	ctx := context.Background()
	r, offers := h.createRide(t, "rider-1")
	if len(offers) != 0 {
		t.Fatalf("offers = %d, want none", len(offers))
	}

	if _, cancelled, err := h.svc.SweepExpired(ctx); err != nil || cancelled != 0 {
		t.Fatalf("early sweep cancelled=%d err=%v", cancelled, err)
	}
	got, _ := h.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusPending {
		t.Fatalf("status = %s, want pending inside the offer window", got.Status)
	}

	h.clock = h.clock.Add(time.Minute)
	_, cancelled, err := h.svc.SweepExpired(ctx)
	if err != nil || cancelled != 1 {
		t.Fatalf("cancelled=%d err=%v, want 1", cancelled, err)
	}
	got, _ = h.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusCancelled || got.CancelReason != ReasonNoDriverFound {
		t.Fatalf("ride = %+v", got)
	}

	// The rider is free to book again.
	h.matcher.err = nil
	if _, err := h.rides.Create(ctx, ride.CreateCommand{
		RiderID:       "rider-1",
		QuoteHash:     "hash-rider-1-again",
		ExpectedTotal: total,
		Pickup:        pickup,
		Destination:   destination,
	}); err != nil {
		t.Fatalf("new ride: %v", err)
	}
}

func TestSweepLeavesMatchedRides(t *testing.T) {
	h := newHarness(t, "d1", "d2")
	ctx := context.Background()
	r, offers := h.createRide(t, "rider-1")
	if _, _, err := h.svc.Accept(ctx, offerFor(offers, "d1").ID, "d1"); err != nil {
		t.Fatal(err)
	}
	h.clock = h.clock.Add(time.Minute)
	if _, cancelled, err := h.svc.SweepExpired(ctx); err != nil || cancelled != 0 {
		t.Fatalf("cancelled=%d err=%v", cancelled, err)
	}
	got, _ := h.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusMatched {
		t.Fatalf("status = %s, want matched", got.Status)
	}
}

func TestRiderCancelClosesPendingOffers(t *testing.T) {
	h := newHarness(t, "d1", "d2")
	ctx := context.Background()
	r, offers := h.createRide(t, "rider-1")

	if _, err := h.rides.Transition(ctx, ride.TransitionCommand{RideID: r.ID, ActorID: "rider-1", Trigger: ride.TriggerCancel}); err != nil {
		t.Fatal(err)
	}
	final, _ := h.svc.Offers(ctx, r.ID)
	for _, o := range final {
		if o.Outcome != OutcomeSuperseded || o.Reason != ReasonRideCancelled {
			t.Fatalf("offer = %+v", o)
		}
	}
	if _, _, err := h.svc.Accept(ctx, offerFor(offers, "d1").ID, "d1"); !errors.Is(err, ErrOfferClosed) {
		t.Fatalf("accept after cancel err = %v, want ErrOfferClosed", err)
	}
}

func TestTwoDriversRaceThenRideCompletes(t *testing.T) {
	h := newHarness(t, "d1", "d2")
	ctx := context.Background()
	r, offers := h.createRide(t, "rider-1")

	start := make(chan struct{})
	results := make(chan error, 2)
	for _, d := range []string{"d1", "d2"} {
		o := offerFor(offers, d)
		go func() {
			<-start
			_, _, err := h.svc.Accept(ctx, o.ID, o.DriverID)
			results <- err
		}()
	}
	close(start)
	errA, errB := <-results, <-results
	if (errA == nil) == (errB == nil) {
		t.Fatalf("expected exactly one winner: %v / %v", errA, errB)
	}
	loser := errA
	if loser == nil {
		loser = errB
	}
	if !errors.Is(loser, ErrAlreadyMatched) {
		t.Fatalf("loser err = %v, want ErrAlreadyMatched", loser)
	}

	got, _ := h.rides.Get(ctx, r.ID)
	driver := *got.DriverID
	for _, trig := range []ride.Trigger{ride.TriggerArrive, ride.TriggerStart, ride.TriggerComplete} {
		if _, err := h.rides.Transition(ctx, ride.TransitionCommand{RideID: r.ID, ActorID: driver, Trigger: trig}); err != nil {
			t.Fatalf("%s: %v", trig, err)
		}
	}
	got, _ = h.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}
