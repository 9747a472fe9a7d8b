// README: Driver location stream consumer; applies Kafka location/status messages to the driver store.
package geomatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"swiftride/internal/observability"
	"swiftride/internal/types"
)

const (
	consumerMinBackoff = time.Second
	consumerMaxBackoff = 30 * time.Second
)

// LocationMessage is one record on the driver location topic. A message carries a position, a
// status change, or both.
type LocationMessage struct {
	DriverID types.ID       `json:"driver_id"`
	Lat      *float64       `json:"lat,omitempty"`
	Lng      *float64       `json:"lng,omitempty"`
	At       time.Time      `json:"at"`
	Status   *StatusMessage `json:"status,omitempty"`
}

type StatusMessage struct {
	Online         bool     `json:"online"`
	Available      bool     `json:"available"`
	Approved       bool     `json:"approved"`
	VehicleClasses []string `json:"vehicle_classes"`
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Apply stores one decoded message. Position reports from the future are clamped to now.
func (s *Service) Apply(ctx context.Context, m LocationMessage) error {
	if m.DriverID == "" || (m.Status == nil && (m.Lat == nil || m.Lng == nil)) {
		return ErrInvalidInput
	}
	if m.Status != nil {
		err := s.SetStatus(ctx, StatusCommand{
			DriverID:       m.DriverID,
			Online:         m.Status.Online,
			Available:      m.Status.Available,
			Approved:       m.Status.Approved,
			VehicleClasses: m.Status.VehicleClasses,
		})
		if err != nil {
			return err
		}
	}
	if m.Lat == nil || m.Lng == nil {
		return nil
	}
	at := m.At
	if now := s.now(); at.IsZero() || at.After(now) {
		at = now
	}
	return s.ReportLocation(ctx, m.DriverID, types.Point{Lat: *m.Lat, Lng: *m.Lng}, at)
}

// Consume reads until ctx ends. Bad messages are counted and skipped; read errors back off
// exponentially up to consumerMaxBackoff.
func (s *Service) Consume(ctx context.Context, r MessageReader, log *slog.Logger) error {
	if log == nil {
		log = s.log
	}
	backoff := consumerMinBackoff
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("location stream read failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > consumerMaxBackoff {
				backoff = consumerMaxBackoff
			}
			continue
		}
		backoff = consumerMinBackoff

		var m LocationMessage
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			observability.LocationMessages.WithLabelValues("invalid").Inc()
			log.Warn("invalid location message", "offset", msg.Offset, "error", err)
			continue
		}
		if err := s.Apply(ctx, m); err != nil {
			result := "error"
			if errors.Is(err, ErrInvalidInput) {
				result = "invalid"
			}
			observability.LocationMessages.WithLabelValues(result).Inc()
			log.Warn("location message not applied", "driver_id", m.DriverID, "offset", msg.Offset, "error", err)
			continue
		}
		observability.LocationMessages.WithLabelValues("ok").Inc()
	}
}

// NewLocationReader opens a consumer-group reader on the location topic.
func NewLocationReader(brokers []string, topic, group string) (*kafka.Reader, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	}), nil
}
