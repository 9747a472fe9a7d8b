// README: Dispatch service broadcasts rides to nearby drivers and resolves the first acceptance.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"swiftride/internal/config"
	"swiftride/internal/events"
	"swiftride/internal/modules/geomatch"
	"swiftride/internal/modules/ride"
	"swiftride/internal/observability"
	"swiftride/internal/types"
)

const (
	defaultOfferTTL      = 45 * time.Second
	defaultSweepInterval = 5 * time.Second
)

type Store interface {
	CreateOffers(ctx context.Context, offers []Offer) error
	Get(ctx context.Context, id types.ID) (*Offer, error)
	ListByRide(ctx context.Context, rideID types.ID) ([]Offer, error)
	// Accept marks the offer accepted and binds its ride to driverID as one atomic step.
	Accept(ctx context.Context, offerID, driverID types.ID, now time.Time) (Offer, error)
	Decline(ctx context.Context, offerID, driverID types.ID, reason string, now time.Time) (Offer, error)
	// CloseRide supersedes every pending offer of rideID.
	CloseRide(ctx context.Context, rideID types.ID, reason string, now time.Time) ([]Offer, error)
	ExpireDue(ctx context.Context, now time.Time) ([]Offer, error)
	// ExhaustedRides lists pending rides whose offers are all terminal and none accepted, plus
	// pending rides created at or before staleBefore that never got an offer out.
	ExhaustedRides(ctx context.Context, staleBefore time.Time) ([]types.ID, error)
}

type Matcher interface {
	Find(ctx context.Context, q geomatch.Query) ([]geomatch.Candidate, error)
}

type Rides interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	Cancel(ctx context.Context, rideID types.ID, reason string) (*ride.Ride, error)
	RecordMatch(ctx context.Context, rideID, driverID types.ID) (*ride.Ride, error)
}

type Publisher interface {
	Publish(ctx context.Context, e events.Event)
}

type Service struct {
	store    Store
	matcher  Matcher
	rides    Rides
	events   Publisher
	offerTTL time.Duration
	interval time.Duration
	match    config.MatchingConfig
	now      func() time.Time
	log      *slog.Logger
}

func NewService(store Store, matcher Matcher, rides Rides, pub Publisher, cfg config.DispatchConfig, match config.MatchingConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = defaultOfferTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Service{
		store:    store,
		matcher:  matcher,
		rides:    rides,
		events:   pub,
		offerTTL: cfg.OfferTTL,
		interval: cfg.SweepInterval,
		match:    match,
		now:      time.Now,
		log:      log,
	}
}

// Broadcast offers r to the nearest eligible drivers, widening the search radius once.
// With no candidates at all the ride is cancelled by the system.
func (s *Service) Broadcast(ctx context.Context, r *ride.Ride) ([]Offer, error) {
	q := geomatch.Query{
		Pickup:       r.Pickup,
		VehicleClass: r.VehicleClass,
		RadiusKm:     s.match.RadiusKm,
		Limit:        s.match.Limit,
	}
	cands, err := s.matcher.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 && s.match.MaxRadiusKm > q.RadiusKm {
		q.RadiusKm = s.match.MaxRadiusKm
		if cands, err = s.matcher.Find(ctx, q); err != nil {
			return nil, err
		}
	}
	if len(cands) == 0 {
		s.log.Info("no drivers for ride", "ride_id", r.ID, "vehicle_class", r.VehicleClass, "radius_km", q.RadiusKm)
		if _, err := s.rides.Cancel(ctx, r.ID, ReasonNoDriversAvailable); err != nil && !errors.Is(err, ride.ErrInvalidTransition) {
			return nil, err
		}
		return nil, ErrNoDriversAvailable
	}

	now := s.now()
	offers := make([]Offer, 0, len(cands))
	for _, c := range cands {
		offers = append(offers, Offer{
			ID:         types.NewID(),
			RideID:     r.ID,
			DriverID:   c.DriverID,
			DistanceKm: c.DistanceKm,
			Outcome:    OutcomePending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.offerTTL),
		})
	}
	if err := s.store.CreateOffers(ctx, offers); err != nil {
		return nil, err
	}
	observability.OffersCreated.Add(float64(len(offers)))
	for _, o := range offers {
		s.publish(ctx, events.OfferCreated{
			OfferID:   o.ID,
			RideID:    o.RideID,
			DriverID:  o.DriverID,
			Pickup:    r.Pickup,
			Fare:      r.Fare.Money(),
			ExpiresAt: o.ExpiresAt,
		})
	}
	s.log.Info("ride broadcast", "ride_id", r.ID, "offers", len(offers))
	return offers, nil
}

func (s *Service) Respond(ctx context.Context, cmd RespondCommand) (Offer, *ride.Ride, error) {
	if cmd.OfferID == "" || cmd.DriverID == "" {
		return Offer{}, nil, ErrBadRequest
	}
	switch cmd.Response {
	case ResponseAccept:
		return s.Accept(ctx, cmd.OfferID, cmd.DriverID)
	case ResponseDecline:
		o, err := s.Decline(ctx, cmd.OfferID, cmd.DriverID, cmd.Reason)
		return o, nil, err
	}
	return Offer{}, nil, ErrBadRequest
}

// Accept binds the ride to driverID if this is the first acceptance. Every other caller gets
// ErrAlreadyMatched, ErrExpired, ErrDriverUnavailable or ErrOfferClosed.
func (s *Service) Accept(ctx context.Context, offerID, driverID types.ID) (Offer, *ride.Ride, error) {
	now := s.now()
	o, err := s.store.Accept(ctx, offerID, driverID, now)
	if err != nil {
		observability.AcceptOutcomes.WithLabelValues(outcomeLabel(err)).Inc()
		if errors.Is(err, ErrAlreadyMatched) {
			s.log.Debug("accept lost race", "offer_id", offerID, "driver_id", driverID)
		}
		return Offer{}, nil, err
	}
	observability.AcceptOutcomes.WithLabelValues("accepted").Inc()
	s.resolved(ctx, o)

	r, err := s.rides.RecordMatch(ctx, o.RideID, driverID)
	if err != nil {
		s.log.Error("record match failed", "ride_id", o.RideID, "driver_id", driverID, "error", err)
	}
	if _, err := s.closeRide(ctx, o.RideID, ReasonRideMatched); err != nil {
		s.log.Warn("supersede losing offers failed", "ride_id", o.RideID, "error", err)
	}
	return o, r, nil
}

// Decline closes one offer; the ride and its other offers are untouched.
func (s *Service) Decline(ctx context.Context, offerID, driverID types.ID, reason string) (Offer, error) {
	o, err := s.store.Decline(ctx, offerID, driverID, reason, s.now())
	if err != nil {
		return Offer{}, err
	}
	s.resolved(ctx, o)
	return o, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Offer, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Offers(ctx context.Context, rideID types.ID) ([]Offer, error) {
	return s.store.ListByRide(ctx, rideID)
}

// SweepExpired expires overdue offers and cancels rides that have no offer left to accept.
func (s *Service) SweepExpired(ctx context.Context) (expired, cancelled int, err error) {
	offers, err := s.store.ExpireDue(ctx, s.now())
	if err != nil {
		return 0, 0, err
	}
	observability.OffersExpired.Add(float64(len(offers)))
	for _, o := range offers {
		s.resolved(ctx, o)
	}

	ids, err := s.store.ExhaustedRides(ctx, s.now().Add(-s.offerTTL))
	if err != nil {
		return len(offers), 0, err
	}
	for _, id := range ids {
		_, err := s.rides.Cancel(ctx, id, ReasonNoDriverFound)
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, ride.ErrInvalidTransition), errors.Is(err, ride.ErrConflict):
			// Moved on since the query.
		default:
			s.log.Error("cancel exhausted ride failed", "ride_id", id, "error", err)
		}
	}
	return len(offers), cancelled, nil
}

func (s *Service) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, cancelled, err := s.SweepExpired(ctx)
			if err != nil {
				s.log.Error("offer sweep failed", "error", err)
				continue
			}
			if expired > 0 || cancelled > 0 {
				s.log.Info("offer sweep", "expired", expired, "rides_cancelled", cancelled)
			}
		}
	}
}

// HandleEvent broadcasts new rides and closes the offers of cancelled ones.
func (s *Service) HandleEvent(ctx context.Context, e events.Event) error {
	t, ok := e.(events.RideTransitioned)
	if !ok {
		return nil
	}
	switch ride.Status(t.To) {
	case ride.StatusPending:
		r, err := s.rides.Get(ctx, t.RideID)
		if err != nil {
			return err
		}
		_, err = s.Broadcast(ctx, r)
		if errors.Is(err, ErrNoDriversAvailable) {
			return nil
		}
		return err
	case ride.StatusCancelled:
		_, err := s.closeRide(ctx, t.RideID, ReasonRideCancelled)
		return err
	}
	return nil
}

func (s *Service) closeRide(ctx context.Context, rideID types.ID, reason string) ([]Offer, error) {
	closed, err := s.store.CloseRide(ctx, rideID, reason, s.now())
	if err != nil {
		return nil, err
	}
	for _, o := range closed {
		s.resolved(ctx, o)
	}
	return closed, nil
}

func (s *Service) resolved(ctx context.Context, o Offer) {
	at := s.now()
	if o.ResolvedAt != nil {
		at = *o.ResolvedAt
	}
	s.publish(ctx, events.OfferResolved{
		OfferID:  o.ID,
		RideID:   o.RideID,
		DriverID: o.DriverID,
		Outcome:  string(o.Outcome),
		At:       at,
	})
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.events != nil {
		s.events.Publish(ctx, e)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyMatched):
		return "already_matched"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrDriverUnavailable):
		return "driver_unavailable"
	case errors.Is(err, ErrOfferClosed):
		return "closed"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotOfferee):
		return "rejected"
	}
	return "error"
}
