package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/commgate/commgate/internal/database"
	"github.com/commgate/commgate/internal/database/models"
	"github.com/commgate/commgate/internal/events"
)

// MobilePusher is the device-push surface the dispatcher needs.
type MobilePusher interface {
	SendCall(ctx context.Context, token string, data map[string]string) error
	SendChat(ctx context.Context, token, title, body string, data map[string]string) error
}

// WebPusher delivers to one browser subscription.
type WebPusher interface {
	Send(ctx context.Context, sub models.WebPushSubscription, payload any) error
}

// identical chat notifications within this window collapse into one.
const chatDedupeWindow = 2 * time.Second

// Dispatcher subscribes to the bus and forwards events to every
// registered mobile token and browser endpoint. Dead registrations are
// dropped from the store as the push services report them.
type Dispatcher struct {
	store  *database.Store
	mobile MobilePusher
	web    WebPusher
	bus    *events.Bus
	logger *slog.Logger

	mu         sync.Mutex
	recentChat map[string]time.Time

	now func() time.Time
}

// NewDispatcher builds a dispatcher. mobile and web may be nil when the
// corresponding channel is not configured.
func NewDispatcher(store *database.Store, mobile MobilePusher, web WebPusher, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		mobile:     mobile,
		web:        web,
		bus:        bus,
		logger:     logger,
		recentChat: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Run consumes bus events until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	sub := d.bus.Subscribe("push-dispatcher")
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			d.Handle(ctx, event)
		}
	}
}

// Handle routes one event to the matching push channel.
func (d *Dispatcher) Handle(ctx context.Context, event events.Event) {
	switch event.Type {
	case events.TypeIncomingCall, events.TypeCallEnded:
		d.pushCall(ctx, event)
	case events.TypeNewMessage:
		d.pushChat(ctx, event)
	case events.TypeMissedCall:
		d.pushMissed(ctx, event)
	}
}

// pushCall wakes every registered device. Call events go to all tokens:
// any user may pick up a ringing trunk call.
func (d *Dispatcher) pushCall(ctx context.Context, event events.Event) {
	if d.mobile == nil {
		return
	}
	data := flatten(event.Type, event.Payload)

	tokens, err := d.store.PushTokens.ListAll(ctx)
	if err != nil {
		d.logger.Error("listing push tokens", "error", err)
		return
	}
	for _, token := range tokens {
		if err := d.mobile.SendCall(ctx, token.Token, data); err != nil {
			d.handleTokenError(ctx, token, err)
		}
	}
}

// pushChat sends a visible notification, collapsing repeats for the same
// chat inside the dedupe window, and mirrors the event to web-push
// endpoints.
func (d *Dispatcher) pushChat(ctx context.Context, event events.Event) {
	data := flatten(event.Type, event.Payload)
	chatID := data["chat_id"]
	if data["from_me"] == "true" {
		return
	}

	if chatID != "" && !d.shouldNotify(chatID) {
		return
	}

	title := data["sender"]
	if title == "" {
		title = "New message"
	}
	body := data["content"]

	if d.mobile != nil {
		tokens, err := d.store.PushTokens.ListAll(ctx)
		if err != nil {
			d.logger.Error("listing push tokens", "error", err)
		} else {
			for _, token := range tokens {
				if err := d.mobile.SendChat(ctx, token.Token, title, body, data); err != nil {
					d.handleTokenError(ctx, token, err)
				}
			}
		}
	}

	if d.web != nil {
		subs, err := d.store.WebPush.ListAll(ctx)
		if err != nil {
			d.logger.Error("listing web push subscriptions", "error", err)
			return
		}
		for _, sub := range subs {
			if err := d.web.Send(ctx, sub, event.Payload); err != nil {
				d.handleEndpointError(ctx, sub, err)
			}
		}
	}
}

func (d *Dispatcher) pushMissed(ctx context.Context, event events.Event) {
	if d.mobile == nil {
		return
	}
	data := flatten(event.Type, event.Payload)

	tokens, err := d.store.PushTokens.ListAll(ctx)
	if err != nil {
		d.logger.Error("listing push tokens", "error", err)
		return
	}
	caller := data["CallerNumber"]
	if name := data["CallerName"]; name != "" {
		caller = fmt.Sprintf("%s (%s)", name, caller)
	}
	for _, token := range tokens {
		if err := d.mobile.SendChat(ctx, token.Token, "Missed call", caller, data); err != nil {
			d.handleTokenError(ctx, token, err)
		}
	}
}

// shouldNotify records the chat and reports whether enough time has
// passed since its previous notification.
func (d *Dispatcher) shouldNotify(chatID string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.recentChat[chatID]; ok && now.Sub(last) < chatDedupeWindow {
		return false
	}
	d.recentChat[chatID] = now
	for id, ts := range d.recentChat {
		if now.Sub(ts) > time.Minute {
			delete(d.recentChat, id)
		}
	}
	return true
}

func (d *Dispatcher) handleTokenError(ctx context.Context, token models.PushToken, err error) {
	if errors.Is(err, ErrUnregistered) {
		d.logger.Info("removing dead push token", "platform", token.Platform, "user_id", token.UserID)
		if delErr := d.store.PushTokens.DeleteByToken(ctx, token.Token); delErr != nil {
			d.logger.Error("deleting push token", "error", delErr)
		}
		return
	}
	d.logger.Warn("mobile push failed", "platform", token.Platform, "error", err)
}

func (d *Dispatcher) handleEndpointError(ctx context.Context, sub models.WebPushSubscription, err error) {
	if errors.Is(err, ErrGone) {
		d.logger.Info("removing dead web push endpoint", "user_id", sub.UserID)
		if delErr := d.store.WebPush.DeleteByEndpoint(ctx, sub.Endpoint); delErr != nil {
			d.logger.Error("deleting web push subscription", "error", delErr)
		}
		return
	}
	d.logger.Warn("web push failed", "error", err)
}

// flatten renders an arbitrary event payload as the string map FCM data
// messages require.
func flatten(eventType string, payload any) map[string]string {
	out := map[string]string{"type": eventType}

	raw, err := json.Marshal(payload)
	if err != nil {
		return out
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out
	}
	for key, value := range fields {
		switch v := value.(type) {
		case string:
			out[key] = v
		case bool:
			out[key] = fmt.Sprintf("%t", v)
		case float64:
			out[key] = formatNumber(v)
		case nil:
		default:
			nested, _ := json.Marshal(v)
			out[key] = string(nested)
		}
	}
	return out
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
