// README: Settlement moves a finished ride's fare rider -> driver + platform through the ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/config"
	"swiftride/internal/events"
	"swiftride/internal/modules/ledger"
	"swiftride/internal/modules/pricing"
	"swiftride/internal/modules/ride"
	"swiftride/internal/observability"
	"swiftride/internal/types"
)

var (
	ErrNotSettleable  = errors.New("ride has nothing to settle")
	ErrPaymentPending = errors.New("rider payment pending")
	ErrCreditPending  = errors.New("driver credit pending")
)

const (
	defaultPlatformAccount types.ID = "platform"
	defaultCreditAttempts           = 5
	defaultRetryBaseDelay           = 200 * time.Millisecond
	defaultRetryMaxDelay            = 30 * time.Second
	defaultRepairInterval           = time.Minute
	defaultSettleTimeout            = 2 * time.Minute
	repairBatch                     = 100
)

var defaultCommissionRate = decimal.RequireFromString("0.20")

type Rides interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	SetPaymentStatus(ctx context.Context, id types.ID, status ride.PaymentStatus) error
	ListByPaymentStatus(ctx context.Context, limit int, statuses ...ride.PaymentStatus) ([]*ride.Ride, error)
}

type Ledger interface {
	Credit(ctx context.Context, p ledger.Posting) (ledger.Entry, error)
	Debit(ctx context.Context, p ledger.Posting) (ledger.Entry, error)
}

type Rates interface {
	CommissionRate(ctx context.Context, vehicleClass string) (decimal.Decimal, error)
}

type Publisher interface {
	Publish(ctx context.Context, e events.Event)
}

type Service struct {
	rides     Rides
	ledger    Ledger
	rates     Rates
	events    Publisher
	platform  types.ID
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	interval  time.Duration
	timeout   time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	log       *slog.Logger
}

func NewService(rides Rides, l Ledger, rates Rates, pub Publisher, cfg config.SettlementConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		rides:     rides,
		ledger:    l,
		rates:     rates,
		events:    pub,
		platform:  types.ID(cfg.PlatformAccountID),
		attempts:  cfg.CreditAttempts,
		baseDelay: cfg.RetryBaseDelay,
		maxDelay:  cfg.RetryMaxDelay,
		interval:  cfg.RepairInterval,
		timeout:   cfg.SettleTimeout,
		sleep:     sleepCtx,
		now:       time.Now,
		log:       log,
	}
	if s.platform == "" {
		s.platform = defaultPlatformAccount
	}
	if s.attempts <= 0 {
		s.attempts = defaultCreditAttempts
	}
	if s.baseDelay <= 0 {
		s.baseDelay = defaultRetryBaseDelay
	}
	if s.maxDelay <= 0 {
		s.maxDelay = defaultRetryMaxDelay
	}
	if s.interval <= 0 {
		s.interval = defaultRepairInterval
	}
	if s.timeout <= 0 {
		s.timeout = defaultSettleTimeout
	}
	return s
}

// SettleRide charges whatever the ride owes. Replays are safe: every ledger posting carries a
// per-ride reference, so a repeated call never moves money twice.
// It runs detached from the caller's cancellation, bounded by the settle timeout, so a debit is
// never left without its credits or a payment status recording what is still owed.
func (s *Service) SettleRide(ctx context.Context, rideID types.ID) (Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return Result{}, err
	}
	p, err := s.plan(ctx, r)
	if err != nil {
		return Result{}, err
	}
	res := p.result(r)

	switch r.PaymentStatus {
	case ride.PaymentSettled, ride.PaymentWaived:
		res.PaymentStatus = r.PaymentStatus
		res.Replayed = true
		return res, nil
	}
	if !p.amount.IsPositive() {
		res.PaymentStatus = ride.PaymentWaived
		return res, s.rides.SetPaymentStatus(ctx, r.ID, ride.PaymentWaived)
	}

	rideID = r.ID
	charge, err := s.ledger.Debit(ctx, ledger.Posting{
		AccountID:   r.RiderID,
		Amount:      p.amount,
		ReferenceID: p.chargeRef,
		Kind:        p.chargeKind,
		RideID:      &rideID,
	})
	switch {
	case err == nil:
		res.Entries = append(res.Entries, charge)
	case errors.Is(err, ledger.ErrDuplicateReference):
		res.Replayed = true
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrAccountLocked):
		return s.paymentFailed(ctx, r, p, res, err)
	default:
		observability.Settlements.WithLabelValues("error").Inc()
		res.PaymentStatus = ride.PaymentPending
		if serr := s.rides.SetPaymentStatus(ctx, r.ID, ride.PaymentPending); serr != nil {
			s.log.Error("mark payment pending failed", "ride_id", r.ID, "error", serr)
		}
		return res, fmt.Errorf("charge rider: %w", err)
	}

	for _, c := range p.credits(*r.DriverID, s.platform, &rideID) {
		e, err := s.creditWithRetry(ctx, r, c)
		if err != nil {
			res.PaymentStatus = ride.PaymentCreditRetrying
			if serr := s.rides.SetPaymentStatus(ctx, r.ID, ride.PaymentCreditRetrying); serr != nil {
				s.log.Error("mark credit retrying failed", "ride_id", r.ID, "error", serr)
			}
			observability.Settlements.WithLabelValues("credit_retrying").Inc()
			return res, fmt.Errorf("%w: %s: %w", ErrCreditPending, c.ReferenceID, err)
		}
		if e != nil {
			res.Entries = append(res.Entries, *e)
		}
	}

	res.PaymentStatus = ride.PaymentSettled
	if err := s.rides.SetPaymentStatus(ctx, r.ID, ride.PaymentSettled); err != nil {
		return res, err
	}
	observability.Settlements.WithLabelValues("settled").Inc()
	s.log.Info("ride settled", "ride_id", r.ID, "kind", p.kind, "charged", p.amount.String(), "commission", p.commission.String(), "replayed", res.Replayed)
	return res, nil
}

// HandleEvent settles rides as they complete, and cancellations that owe a fee or a partial fare.
func (s *Service) HandleEvent(ctx context.Context, e events.Event) error {
	t, ok := e.(events.RideTransitioned)
	if !ok {
		return nil
	}
	switch {
	case t.To == string(ride.StatusCompleted):
	case t.To == string(ride.StatusCancelled) && (t.FeeDue || t.From == string(ride.StatusInProgress)):
	default:
		return nil
	}
	_, err := s.SettleRide(ctx, t.RideID)
	if errors.Is(err, ErrPaymentPending) || errors.Is(err, ErrCreditPending) {
		// Flagged on the ride; the repair loop owns it from here.
		return nil
	}
	return err
}

// Repair re-runs settlement for every ride still owing money or owed a credit. Rides that only
// just became due are left to the settlement already running for them.
func (s *Service) Repair(ctx context.Context) (settled int, err error) {
	rides, err := s.rides.ListByPaymentStatus(ctx, repairBatch, ride.PaymentDue, ride.PaymentPending, ride.PaymentCreditRetrying)
	if err != nil {
		return 0, err
	}
	now := s.now()
	for _, r := range rides {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if r.PaymentStatus == ride.PaymentDue && now.Sub(endedAt(r)) < s.interval {
			continue
		}
		res, err := s.SettleRide(ctx, r.ID)
		if err != nil {
			s.log.Warn("settlement repair pending", "ride_id", r.ID, "payment_status", res.PaymentStatus, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

// RunRepair retries open settlements every interval until ctx ends.
func (s *Service) RunRepair(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Repair(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("settlement repair failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("settlement repair", "settled", n)
			}
		}
	}
}

func (s *Service) paymentFailed(ctx context.Context, r *ride.Ride, p plan, res Result, cause error) (Result, error) {
	res.PaymentStatus = ride.PaymentPending
	if err := s.rides.SetPaymentStatus(ctx, r.ID, ride.PaymentPending); err != nil {
		return res, err
	}
	observability.Settlements.WithLabelValues("payment_pending").Inc()
	s.log.Warn("rider payment failed", "ride_id", r.ID, "rider_id", r.RiderID, "amount", p.amount.String(), "error", cause)
	if s.events != nil {
		s.events.Publish(ctx, events.PaymentFailed{
			RideID:  r.ID,
			RiderID: r.RiderID,
			Amount:  types.NewMoney(p.amount, r.Fare.Currency),
			Reason:  cause.Error(),
			At:      s.now(),
		})
	}
	return res, fmt.Errorf("%w: %w", ErrPaymentPending, cause)
}

// creditWithRetry retries until the credit lands or attempts run out, then raises an alert.
// A nil entry with a nil error means the credit had already been applied.
func (s *Service) creditWithRetry(ctx context.Context, r *ride.Ride, c ledger.Posting) (*ledger.Entry, error) {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		var e ledger.Entry
		e, err = s.ledger.Credit(ctx, c)
		if err == nil {
			return &e, nil
		}
		if errors.Is(err, ledger.ErrDuplicateReference) {
			return nil, nil
		}
		if attempt == s.attempts {
			break
		}
		s.log.Warn("credit failed, retrying", "ride_id", r.ID, "reference_id", c.ReferenceID, "attempt", attempt, "error", err)
		if serr := s.sleep(ctx, s.backoff(attempt)); serr != nil {
			return nil, serr
		}
	}

	observability.SettlementAlerts.Inc()
	s.log.Error("settlement credit exhausted retries",
		"ride_id", r.ID, "account_id", c.AccountID, "reference_id", c.ReferenceID,
		"amount", c.Amount.String(), "attempts", s.attempts, "error", err)
	if s.events != nil {
		s.events.Publish(ctx, events.SettlementAlert{
			RideID:      r.ID,
			AccountID:   c.AccountID,
			ReferenceID: c.ReferenceID,
			Amount:      types.NewMoney(c.Amount, r.Fare.Currency),
			Attempts:    s.attempts,
			Error:       err.Error(),
			At:          s.now(),
		})
	}
	return nil, err
}

func (s *Service) backoff(attempt int) time.Duration {
	d := s.baseDelay << (attempt - 1)
	if d <= 0 || d > s.maxDelay {
		return s.maxDelay
	}
	return d
}

func (s *Service) commissionRate(ctx context.Context, vehicleClass string) (decimal.Decimal, error) {
	if s.rates == nil {
		return defaultCommissionRate, nil
	}
	rate, err := s.rates.CommissionRate(ctx, vehicleClass)
	if errors.Is(err, pricing.ErrNotFound) {
		s.log.Warn("no commission rate for vehicle class, using default", "vehicle_class", vehicleClass)
		return defaultCommissionRate, nil
	}
	return rate, err
}

func endedAt(r *ride.Ride) time.Time {
	switch {
	case r.CompletedAt != nil:
		return *r.CompletedAt
	case r.CancelledAt != nil:
		return *r.CancelledAt
	}
	return r.CreatedAt
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
