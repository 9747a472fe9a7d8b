// README: FCM sender backed by the Firebase Admin SDK, plus a log-only sender for local runs.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
)

type FCMSender struct {
	client *messaging.Client
}

func NewFCMSender(client *messaging.Client) *FCMSender {
	return &FCMSender{client: client}
}

func (s *FCMSender) Send(ctx context.Context, token string, m Message) error {
	_, err := s.client.Send(ctx, &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: m.Title,
			Body:  m.Body,
		},
		Data: m.Data,
	})
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}

type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	if log == nil {
		log = slog.Default()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, token string, m Message) error {
	s.log.Info("push", "token", token, "title", m.Title, "body", m.Body)
	return nil
}
