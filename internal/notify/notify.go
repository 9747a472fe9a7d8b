// README: Push notifications for riders and drivers, fed by domain events.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"swiftride/internal/events"
	"swiftride/internal/types"
)

var ErrNoToken = errors.New("no push token registered")

const defaultSendTimeout = 10 * time.Second

type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

type Sender interface {
	Send(ctx context.Context, token string, m Message) error
}

type TokenDirectory interface {
	// Token returns ErrNoToken when the user has not registered a device.
	Token(ctx context.Context, userID types.ID) (string, error)
}

// Dispatcher turns domain events into pushes. Delivery runs off the publishing goroutine and
// never feeds back into the caller: a lost push is logged, nothing else.
type Dispatcher struct {
	tokens  TokenDirectory
	sender  Sender
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(tokens TokenDirectory, sender Sender, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{tokens: tokens, sender: sender, timeout: defaultSendTimeout, log: log}
}

type push struct {
	to types.ID
	m  Message
}

func (d *Dispatcher) HandleEvent(ctx context.Context, e events.Event) error {
	pushes := messagesFor(e)
	if len(pushes) == 0 {
		return nil
	}
	base := context.WithoutCancel(ctx)
	for _, p := range pushes {
		d.wg.Add(1)
		go func(p push) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			if err := d.deliver(ctx, p); err != nil {
				d.log.Warn("push not delivered", "event", e.Name(), "user_id", p.to, "error", err)
			}
		}(p)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish; used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, p push) error {
	token, err := d.tokens.Token(ctx, p.to)
	if errors.Is(err, ErrNoToken) {
		d.log.Debug("no push token", "user_id", p.to)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup token: %w", err)
	}
	return d.sender.Send(ctx, token, p.m)
}

func messagesFor(e events.Event) []push {
	switch ev := e.(type) {
	case events.OfferCreated:
		return []push{{to: ev.DriverID, m: Message{
			Title: "New ride request",
			Body:  fmt.Sprintf("Fare %s %s. Respond before %s.", ev.Fare.Amount.StringFixed(2), ev.Fare.Currency, ev.ExpiresAt.Format("15:04:05")),
			Data:  map[string]string{"type": "offer", "offer_id": string(ev.OfferID), "ride_id": string(ev.RideID)},
		}}}
	case events.RideTransitioned:
		data := map[string]string{"type": "ride", "ride_id": string(ev.RideID), "status": ev.To}
		switch ev.To {
		case "matched":
			return []push{{to: ev.RiderID, m: Message{Title: "Driver found", Body: "Your driver is on the way.", Data: data}}}
		case "arriving":
			return []push{{to: ev.RiderID, m: Message{Title: "Driver arriving", Body: "Your driver is at the pickup point.", Data: data}}}
		case "cancelled":
			var out []push
			if ev.Actor != "rider" {
				out = append(out, push{to: ev.RiderID, m: Message{Title: "Ride cancelled", Body: cancelBody(ev.Reason), Data: data}})
			}
			if ev.DriverID != nil && ev.Actor != "driver" {
				out = append(out, push{to: *ev.DriverID, m: Message{Title: "Ride cancelled", Body: cancelBody(ev.Reason), Data: data}})
			}
			return out
		}
	case events.PaymentFailed:
		return []push{{to: ev.RiderID, m: Message{
			Title: "Payment failed",
			Body:  fmt.Sprintf("We could not charge %s %s for your ride. Top up your wallet to settle it.", ev.Amount.Amount.StringFixed(2), ev.Amount.Currency),
			Data:  map[string]string{"type": "payment", "ride_id": string(ev.RideID)},
		}}}
	}
	return nil
}

func cancelBody(reason string) string {
	if reason == "" {
		return "Your ride was cancelled."
	}
	return "Your ride was cancelled: " + reason + "."
}
