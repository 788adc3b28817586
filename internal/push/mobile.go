// Package push fans bus events out to mobile and browser push endpoints.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// ErrUnregistered marks a token the push service no longer recognises.
// Callers should drop the registration.
var ErrUnregistered = errors.New("push: token no longer registered")

// call wake-ups are useless once ringing stops.
const callMessageTTL = 60 * time.Second

// MobileSender delivers notifications through Firebase Cloud Messaging.
type MobileSender struct {
	client *messaging.Client
	logger *slog.Logger
}

// NewMobileSender initialises a Firebase app from the service-account JSON
// file. An empty credentialsFile falls back to
// GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewMobileSender(ctx context.Context, credentialsFile string, logger *slog.Logger) (*MobileSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	logger.Info("mobile push sender initialised")
	return &MobileSender{client: client, logger: logger}, nil
}

// SendCall wakes the app for call events: data-only, high priority, short
// TTL so stale ringing never reaches the device.
func (s *MobileSender) SendCall(ctx context.Context, token string, data map[string]string) error {
	ttl := callMessageTTL
	msg := &messaging.Message{
		Token: token,
		Data:  data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
		},
	}
	return s.send(ctx, msg)
}

// SendChat delivers a visible notification for message events.
func (s *MobileSender) SendChat(ctx context.Context, token, title, body string, data map[string]string) error {
	msg := &messaging.Message{
		Token: token,
		Data:  data,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
	}
	return s.send(ctx, msg)
}

func (s *MobileSender) send(ctx context.Context, msg *messaging.Message) error {
	id, err := s.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("token %s...: %w", truncateToken(msg.Token), ErrUnregistered)
		}
		return fmt.Errorf("fcm send: %w", err)
	}
	s.logger.Debug("fcm message sent", "message_id", id)
	return nil
}

func truncateToken(token string) string {
	if len(token) > 12 {
		return token[:12]
	}
	return token
}
