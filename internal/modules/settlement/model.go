// README: Settlement plan: what a ride owes, how it splits, and the ledger references it posts under.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/modules/ledger"
	"swiftride/internal/modules/ride"
	"swiftride/internal/types"
)

type Kind string

const (
	KindFare            Kind = "fare"
	KindPartialFare     Kind = "partial_fare"
	KindCancellationFee Kind = "cancellation_fee"
)

type Result struct {
	RideID        types.ID           `json:"ride_id"`
	Kind          Kind               `json:"kind"`
	Charged       types.Money        `json:"charged"`
	Commission    types.Money        `json:"commission"`
	DriverEarning types.Money        `json:"driver_earning"`
	PaymentStatus ride.PaymentStatus `json:"payment_status"`
	Entries       []ledger.Entry     `json:"entries,omitempty"`
	// Replayed is set when some or all postings had already been applied by an earlier attempt.
	Replayed bool `json:"replayed"`
}

type plan struct {
	kind       Kind
	amount     decimal.Decimal
	commission decimal.Decimal
	earning    decimal.Decimal
	chargeKind ledger.Kind
	chargeRef  string
	earnRef    string
	commRef    string
}

// plan works out the charge for r. Completed rides pay the quoted total; rides aborted mid-trip pay
// the base fare plus the elapsed share of the time fare; late rider cancellations pay the fee.
func (s *Service) plan(ctx context.Context, r *ride.Ride) (plan, error) {
	if r.DriverID == nil {
		return plan{}, fmt.Errorf("%w: ride %s has no driver", ErrNotSettleable, r.ID)
	}
	var p plan
	switch {
	case r.Status == ride.StatusCompleted:
		p = plan{kind: KindFare, amount: r.Fare.Total, chargeKind: ledger.KindRideCharge}
		p.chargeRef, p.earnRef, p.commRef = refs(r.ID, "charge", "earn", "commission")
	case r.Status == ride.StatusCancelled && r.StartedAt != nil:
		p = plan{kind: KindPartialFare, amount: partialFare(r), chargeKind: ledger.KindRideCharge}
		p.chargeRef, p.earnRef, p.commRef = refs(r.ID, "charge", "earn", "commission")
	case r.Status == ride.StatusCancelled && r.CancellationFeeDue:
		p = plan{kind: KindCancellationFee, amount: r.Fare.CancellationFee, chargeKind: ledger.KindCancellationFee}
		p.chargeRef, p.earnRef, p.commRef = refs(r.ID, "cancel_fee", "cancel_earn", "cancel_commission")
	default:
		return plan{}, fmt.Errorf("%w: ride %s is %s", ErrNotSettleable, r.ID, r.Status)
	}

	rate := r.Fare.CommissionRate.Decimal
	if !r.Fare.CommissionRate.Valid {
		var err error
		if rate, err = s.commissionRate(ctx, r.VehicleClass); err != nil {
			return plan{}, err
		}
	}
	p.amount = types.RoundMoney(p.amount)
	p.commission = types.RoundMoney(p.amount.Mul(rate))
	p.earning = p.amount.Sub(p.commission)
	return p, nil
}

func (p plan) result(r *ride.Ride) Result {
	return Result{
		RideID:        r.ID,
		Kind:          p.kind,
		Charged:       types.NewMoney(p.amount, r.Fare.Currency),
		Commission:    types.NewMoney(p.commission, r.Fare.Currency),
		DriverEarning: types.NewMoney(p.earning, r.Fare.Currency),
		PaymentStatus: r.PaymentStatus,
	}
}

// credits returns the driver and platform postings, skipping zero legs.
func (p plan) credits(driverID, platform types.ID, rideID *types.ID) []ledger.Posting {
	var out []ledger.Posting
	if p.earning.IsPositive() {
		out = append(out, ledger.Posting{AccountID: driverID, Amount: p.earning, ReferenceID: p.earnRef, Kind: ledger.KindRideEarning, RideID: rideID})
	}
	if p.commission.IsPositive() {
		out = append(out, ledger.Posting{AccountID: platform, Amount: p.commission, ReferenceID: p.commRef, Kind: ledger.KindCommission, RideID: rideID})
	}
	return out
}

func refs(id types.ID, charge, earn, commission string) (string, string, string) {
	return fmt.Sprintf("ride:%s:%s", id, charge), fmt.Sprintf("ride:%s:%s", id, earn), fmt.Sprintf("ride:%s:%s", id, commission)
}

// partialFare is base + time fare scaled by the share of the estimated duration actually driven,
// capped at the quoted total.
func partialFare(r *ride.Ride) decimal.Decimal {
	end := time.Now()
	if r.CancelledAt != nil {
		end = *r.CancelledAt
	}
	share := decimal.NewFromInt(1)
	if r.Fare.DurationMin.IsPositive() {
		elapsed := decimal.NewFromInt(int64(end.Sub(*r.StartedAt) / time.Millisecond)).Div(decimal.NewFromInt(60_000))
		share = decimal.Min(share, decimal.Max(decimal.Zero, elapsed.Div(r.Fare.DurationMin)))
	}
	amount := r.Fare.Base.Add(r.Fare.Time.Mul(share))
	return decimal.Min(amount, r.Fare.Total)
}
