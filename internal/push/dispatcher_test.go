package push

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/commgate/commgate/internal/database"
	"github.com/commgate/commgate/internal/database/models"
	"github.com/commgate/commgate/internal/events"
)

type fakeMobile struct {
	mu        sync.Mutex
	calls     []string
	chats     []string
	failToken string
}

func (f *fakeMobile) SendCall(ctx context.Context, token string, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == f.failToken {
		return ErrUnregistered
	}
	f.calls = append(f.calls, token)
	return nil
}

func (f *fakeMobile) SendChat(ctx context.Context, token, title, body string, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == f.failToken {
		return ErrUnregistered
	}
	f.chats = append(f.chats, token)
	return nil
}

type fakeWeb struct {
	mu           sync.Mutex
	sent         []string
	goneEndpoint string
}

func (f *fakeWeb) Send(ctx context.Context, sub models.WebPushSubscription, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.Endpoint == f.goneEndpoint {
		return ErrGone
	}
	f.sent = append(f.sent, sub.Endpoint)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeMobile, *fakeWeb, *database.Store) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := database.NewStore(db)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(64, logger)
	mobile := &fakeMobile{}
	web := &fakeWeb{}
	return NewDispatcher(store, mobile, web, bus, logger), mobile, web, store
}

func registerToken(t *testing.T, store *database.Store, token string) {
	t.Helper()
	err := store.PushTokens.Upsert(context.Background(), &models.PushToken{
		UserID: 1, Token: token, Platform: "fcm", DeviceID: "dev-" + token,
	})
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
}

func TestCallEventReachesAllDevices(t *testing.T) {
	d, mobile, _, store := newTestDispatcher(t)
	registerToken(t, store, "tok-a")
	registerToken(t, store, "tok-b")

	d.Handle(context.Background(), events.Event{
		Type:    events.TypeIncomingCall,
		Payload: map[string]any{"callId": "c1", "callerNumber": "0690123456"},
	})
	if len(mobile.calls) != 2 {
		t.Errorf("call pushes = %d, want 2", len(mobile.calls))
	}
}

func TestChatNotificationsDedupedPerChat(t *testing.T) {
	d, mobile, _, store := newTestDispatcher(t)
	registerToken(t, store, "tok-a")

	current := time.Now()
	d.now = func() time.Time { return current }
	event := events.Event{
		Type:    events.TypeNewMessage,
		Payload: map[string]any{"chat_id": "sms_7", "content": "salut", "sender": "Alice"},
	}
	ctx := context.Background()

	d.Handle(ctx, event)
	current = current.Add(time.Second)
	d.Handle(ctx, event)
	if len(mobile.chats) != 1 {
		t.Errorf("notifications inside window = %d, want 1", len(mobile.chats))
	}

	// Past the window the same chat notifies again.
	current = current.Add(2 * time.Second)
	d.Handle(ctx, event)
	if len(mobile.chats) != 2 {
		t.Errorf("notifications after window = %d, want 2", len(mobile.chats))
	}

	// A different chat is never suppressed.
	d.Handle(ctx, events.Event{
		Type:    events.TypeNewMessage,
		Payload: map[string]any{"chat_id": "sms_8", "content": "yo", "sender": "Bob"},
	})
	if len(mobile.chats) != 3 {
		t.Errorf("notifications across chats = %d, want 3", len(mobile.chats))
	}
}

func TestOwnMessagesNotPushed(t *testing.T) {
	d, mobile, _, store := newTestDispatcher(t)
	registerToken(t, store, "tok-a")

	d.Handle(context.Background(), events.Event{
		Type:    events.TypeNewMessage,
		Payload: map[string]any{"chat_id": "sms_7", "content": "re", "from_me": true},
	})
	if len(mobile.chats) != 0 {
		t.Errorf("own message pushed %d notifications, want 0", len(mobile.chats))
	}
}

func TestUnregisteredTokenIsDropped(t *testing.T) {
	d, mobile, _, store := newTestDispatcher(t)
	registerToken(t, store, "tok-dead")
	registerToken(t, store, "tok-live")
	mobile.failToken = "tok-dead"
	ctx := context.Background()

	d.Handle(ctx, events.Event{
		Type:    events.TypeIncomingCall,
		Payload: map[string]any{"callId": "c1"},
	})

	tokens, err := store.PushTokens.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error: %v", err)
	}
	if len(tokens) != 1 || tokens[0].Token != "tok-live" {
		t.Errorf("tokens after cleanup = %+v, want only tok-live", tokens)
	}
}

func TestGoneWebEndpointIsDropped(t *testing.T) {
	d, _, web, store := newTestDispatcher(t)
	ctx := context.Background()
	for _, endpoint := range []string{"https://push.example/a", "https://push.example/b"} {
		err := store.WebPush.Upsert(ctx, &models.WebPushSubscription{
			Endpoint: endpoint, UserID: 1, P256DH: "k", Auth: "a",
		})
		if err != nil {
			t.Fatalf("Upsert() error: %v", err)
		}
	}
	web.goneEndpoint = "https://push.example/a"

	d.Handle(ctx, events.Event{
		Type:    events.TypeNewMessage,
		Payload: map[string]any{"chat_id": "sms_7", "content": "salut"},
	})

	subs, err := store.WebPush.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error: %v", err)
	}
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example/b" {
		t.Errorf("subscriptions after cleanup = %+v", subs)
	}
	if len(web.sent) != 1 {
		t.Errorf("web pushes delivered = %d, want 1", len(web.sent))
	}
}

func TestMissedCallNotification(t *testing.T) {
	d, mobile, _, store := newTestDispatcher(t)
	registerToken(t, store, "tok-a")

	d.Handle(context.Background(), events.Event{
		Type:    events.TypeMissedCall,
		Payload: models.Call{ID: "pbx_1", CallerNumber: "0690123456", Status: models.CallStatusMissed},
	})
	if len(mobile.chats) != 1 {
		t.Errorf("missed-call notifications = %d, want 1", len(mobile.chats))
	}
}

func TestFlattenPayloads(t *testing.T) {
	data := flatten("incoming_call", map[string]any{
		"callId": "c1", "count": 3, "nested": map[string]any{"a": 1}, "ok": true,
	})
	if data["type"] != "incoming_call" || data["callId"] != "c1" {
		t.Errorf("data = %v", data)
	}
	if data["count"] != "3" {
		t.Errorf("count = %q, want \"3\"", data["count"])
	}
	if data["ok"] != "true" {
		t.Errorf("ok = %q, want \"true\"", data["ok"])
	}
	if data["nested"] != `{"a":1}` {
		t.Errorf("nested = %q", data["nested"])
	}

	if got := flatten("x", "not-a-map"); len(got) != 1 || got["type"] != "x" {
		t.Errorf("non-map payload flatten = %v", got)
	}
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := database.NewStore(db)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(8, logger)
	d := NewDispatcher(store, &fakeMobile{}, nil, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
