// README: Ride service drives the lifecycle state machine and emits one domain event per committed transition.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/config"
	"swiftride/internal/events"
	"swiftride/internal/modules/pricing"
	"swiftride/internal/observability"
	"swiftride/internal/types"
)

var (
	ErrNotFound          = errors.New("ride not found")
	ErrInvalidTransition = errors.New("invalid ride transition")
	ErrNotPermitted      = errors.New("actor not permitted for this transition")
	ErrNotParticipant    = errors.New("actor is not part of this ride")
	ErrConflict          = errors.New("ride state conflict")
	ErrActiveRide        = errors.New("rider has an active ride")
	ErrDriverBusy        = errors.New("driver has an active ride")
	ErrQuoteInvalid      = errors.New("quote invalid")
	ErrQuoteExpired      = errors.New("quote expired")
	ErrBadRequest        = errors.New("bad request")
)

const (
	defaultCancellationGrace = 2 * time.Minute
	maxTransitionAttempts    = 3
)

type Store interface {
	Create(ctx context.Context, r *Ride, e *Event) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	HasActiveByRider(ctx context.Context, riderID types.ID) (bool, error)
	// UpdateStatus persists r only if the stored row is still at status from and version; it reports whether it did.
	UpdateStatus(ctx context.Context, r *Ride, from Status, version int, e *Event) (bool, error)
	Events(ctx context.Context, id types.ID) ([]Event, error)
	SetPaymentStatus(ctx context.Context, id types.ID, status PaymentStatus) error
	ListByPaymentStatus(ctx context.Context, statuses []PaymentStatus, limit int) ([]*Ride, error)
}

type Quotes interface {
	Consume(ctx context.Context, hash string, expected decimal.Decimal) (pricing.Quote, error)
	Restore(ctx context.Context, q pricing.Quote) error
}

// Rates supplies the commission rate snapshotted onto a ride at booking.
type Rates interface {
	CommissionRate(ctx context.Context, vehicleClass string) (decimal.Decimal, error)
}

// Labeler resolves a human readable address for a point.
type Labeler interface {
	Label(ctx context.Context, p types.Point) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, e events.Event)
}

type Service struct {
	store  Store
	quotes Quotes
	labels Labeler
	rates  Rates
	events Publisher
	grace  time.Duration
	now    func() time.Time
	log    *slog.Logger
}

func NewService(store Store, quotes Quotes, pub Publisher, cfg config.RideConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	grace := cfg.CancellationGrace
	if grace <= 0 {
		grace = defaultCancellationGrace
	}
	return &Service{store: store, quotes: quotes, events: pub, grace: grace, now: time.Now, log: log}
}

// WithLabeler fills missing pickup/destination labels on create.
func (s *Service) WithLabeler(l Labeler) *Service {
	s.labels = l
	return s
}

func (s *Service) WithRates(r Rates) *Service {
	s.rates = r
	return s
}

type CreateCommand struct {
	RiderID          types.ID
	QuoteHash        string
	ExpectedTotal    decimal.Decimal
	Pickup           types.Point
	Destination      types.Point
	PickupLabel      string
	DestinationLabel string
}

type TransitionCommand struct {
	RideID  types.ID
	ActorID types.ID
	Trigger Trigger
	Reason  string
}

// Create verifies and consumes the quote, then stores a pending ride.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Ride, error) {
	if cmd.RiderID == "" || cmd.RiderID == SystemActorID || cmd.QuoteHash == "" {
		return nil, ErrBadRequest
	}
	if err := cmd.Pickup.Validate(); err != nil {
		return nil, fmt.Errorf("%w: pickup: %w", ErrBadRequest, err)
	}
	if err := cmd.Destination.Validate(); err != nil {
		return nil, fmt.Errorf("%w: destination: %w", ErrBadRequest, err)
	}

	active, err := s.store.HasActiveByRider(ctx, cmd.RiderID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveRide
	}

	q, err := s.quotes.Consume(ctx, cmd.QuoteHash, cmd.ExpectedTotal)
	if err != nil {
		if errors.Is(err, pricing.ErrQuoteExpired) {
			return nil, fmt.Errorf("%w: %w", ErrQuoteExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrQuoteInvalid, err)
	}

	rate, err := s.commissionRate(ctx, q.VehicleClass)
	if err != nil {
		s.restoreQuote(ctx, q)
		return nil, err
	}

	now := s.now()
	r := &Ride{
		ID:               types.NewID(),
		RiderID:          cmd.RiderID,
		Status:           StatusPending,
		Pickup:           cmd.Pickup,
		Destination:      cmd.Destination,
		PickupLabel:      s.label(ctx, cmd.PickupLabel, cmd.Pickup),
		DestinationLabel: s.label(ctx, cmd.DestinationLabel, cmd.Destination),
		VehicleClass:     q.VehicleClass,
		City:             q.City,
		QuoteHash:        q.SignatureHash,
		Fare: Fare{
			Total:           q.TotalFare,
			Base:            q.BaseFare,
			Time:            q.TimeFare,
			DurationMin:     q.DurationMin,
			CancellationFee: q.CancellationFee,
			Currency:        q.Currency,
			CommissionRate:  rate,
		},
		PaymentStatus: PaymentUnsettled,
		CreatedAt:     now,
	}
	riderID := cmd.RiderID
	e := &Event{
		RideID:    r.ID,
		From:      StatusNone,
		To:        StatusPending,
		Trigger:   TriggerRequest,
		Actor:     ActorRider,
		ActorID:   &riderID,
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, r, e); err != nil {
		// A quote hash already bound to a ride stays spent.
		if !errors.Is(err, ErrQuoteInvalid) {
			s.restoreQuote(ctx, q)
		}
		return nil, err
	}
	s.publish(ctx, r, e, false)
	return r, nil
}

func (s *Service) commissionRate(ctx context.Context, vehicleClass string) (decimal.NullDecimal, error) {
	if s.rates == nil {
		return decimal.NullDecimal{}, nil
	}
	rate, err := s.rates.CommissionRate(ctx, vehicleClass)
	if errors.Is(err, pricing.ErrNotFound) {
		return decimal.NullDecimal{}, nil
	}
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("commission rate: %w", err)
	}
	return decimal.NewNullDecimal(rate), nil
}

// restoreQuote hands a consumed quote back when its ride was never stored.
func (s *Service) restoreQuote(ctx context.Context, q pricing.Quote) {
	if err := s.quotes.Restore(context.WithoutCancel(ctx), q); err != nil {
		s.log.Error("restore quote failed", "quote_hash", q.SignatureHash, "error", err)
	}
}

// Transition fires a trigger on behalf of actorID. The actor's role is derived from the ride itself.
// A concurrent change is re-read and re-evaluated, so a lost race surfaces as ErrInvalidTransition.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (*Ride, error) {
	if cmd.RideID == "" || cmd.ActorID == "" || cmd.Trigger == "" {
		return nil, ErrBadRequest
	}
	if cmd.Trigger == TriggerAccept || cmd.Trigger == TriggerRequest {
		return nil, ErrInvalidTransition
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		r, err := s.store.Get(ctx, cmd.RideID)
		if err != nil {
			return nil, err
		}
		actor, err := resolveActor(r, cmd.ActorID)
		if err != nil {
			return nil, err
		}
		to, err := Next(r.Status, cmd.Trigger, actor)
		if err != nil {
			return nil, err
		}

		from, version := r.Status, r.StatusVersion
		now := s.now()
		feeDue := s.feeDue(r, cmd.Trigger, actor, now)
		r.apply(to, actor, cmd.Reason, now)
		r.CancellationFeeDue = feeDue
		if owesPayment(from, to, feeDue) {
			r.PaymentStatus = PaymentDue
		}

		actorID := cmd.ActorID
		e := &Event{
			RideID:    r.ID,
			From:      from,
			To:        to,
			Trigger:   cmd.Trigger,
			Actor:     actor,
			ActorID:   &actorID,
			Reason:    cmd.Reason,
			CreatedAt: now,
		}
		ok, err := s.store.UpdateStatus(ctx, r, from, version, e)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		s.publish(ctx, r, e, feeDue)
		return r, nil
	}
	return nil, ErrConflict
}

// Cancel is the system-initiated cancellation used by dispatch when no driver can be found.
func (s *Service) Cancel(ctx context.Context, rideID types.ID, reason string) (*Ride, error) {
	return s.Transition(ctx, TransitionCommand{
		RideID:  rideID,
		ActorID: SystemActorID,
		Trigger: TriggerCancel,
		Reason:  reason,
	})
}

// RecordMatch announces a driver binding that dispatch already committed.
func (s *Service) RecordMatch(ctx context.Context, rideID, driverID types.ID) (*Ride, error) {
	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.DriverID == nil || *r.DriverID != driverID || r.MatchedAt == nil {
		s.log.Error("ride match record inconsistent", "ride_id", rideID, "driver_id", driverID, "status", r.Status)
		return nil, ErrConflict
	}
	e := &Event{
		RideID:    r.ID,
		From:      StatusPending,
		To:        StatusMatched,
		Trigger:   TriggerAccept,
		Actor:     ActorDriver,
		ActorID:   &driverID,
		CreatedAt: *r.MatchedAt,
	}
	s.publish(ctx, r, e, false)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	return s.store.Events(ctx, id)
}

func (s *Service) SetPaymentStatus(ctx context.Context, id types.ID, status PaymentStatus) error {
	return s.store.SetPaymentStatus(ctx, id, status)
}

func (s *Service) ListByPaymentStatus(ctx context.Context, limit int, statuses ...PaymentStatus) ([]*Ride, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return s.store.ListByPaymentStatus(ctx, statuses, limit)
}

func resolveActor(r *Ride, actorID types.ID) (Actor, error) {
	switch {
	case actorID == SystemActorID:
		return ActorSystem, nil
	case actorID == r.RiderID:
		return ActorRider, nil
	case r.DriverID != nil && actorID == *r.DriverID:
		return ActorDriver, nil
	}
	return "", ErrNotParticipant
}

// feeDue reports whether a rider cancellation lands after the grace period following the match.
func (s *Service) feeDue(r *Ride, trigger Trigger, actor Actor, now time.Time) bool {
	if trigger != TriggerCancel || actor != ActorRider {
		return false
	}
	if r.Status != StatusMatched && r.Status != StatusArriving {
		return false
	}
	if r.MatchedAt == nil || !r.Fare.CancellationFee.IsPositive() {
		return false
	}
	return now.Sub(*r.MatchedAt) > s.grace
}

func (s *Service) label(ctx context.Context, given string, p types.Point) string {
	if given != "" || s.labels == nil {
		return given
	}
	l, err := s.labels.Label(ctx, p)
	if err != nil {
		s.log.Warn("label lookup failed", "lat", p.Lat, "lng", p.Lng, "error", err)
		return ""
	}
	return l
}

func (s *Service) publish(ctx context.Context, r *Ride, e *Event, feeDue bool) {
	observability.RideTransitions.WithLabelValues(string(e.From), string(e.To)).Inc()
	s.log.Info("ride transitioned", "ride_id", r.ID, "from", e.From, "to", e.To, "trigger", e.Trigger, "actor", e.Actor)
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, events.RideTransitioned{
		RideID:   r.ID,
		RiderID:  r.RiderID,
		DriverID: r.DriverID,
		From:     string(e.From),
		To:       string(e.To),
		Trigger:  string(e.Trigger),
		Actor:    string(e.Actor),
		ActorID:  e.ActorID,
		Reason:   e.Reason,
		FeeDue:   feeDue,
		At:       e.CreatedAt,
	})
}
