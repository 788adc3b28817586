package calls

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/commgate/commgate/internal/database"
	"github.com/commgate/commgate/internal/database/models"
	"github.com/commgate/commgate/internal/events"
	"github.com/commgate/commgate/internal/pbx"
)

type redirectCall struct {
	Channel, Exten, Context string
}

type fakeManager struct {
	healthy     bool
	redirects   []redirectCall
	hangups     []string
	redirectErr error
}

func (f *fakeManager) Redirect(channel, exten, context string) error {
	f.redirects = append(f.redirects, redirectCall{channel, exten, context})
	return f.redirectErr
}

func (f *fakeManager) Hangup(channel string, cause int) error {
	f.hangups = append(f.hangups, channel)
	return nil
}

func (f *fakeManager) Originate(params pbx.OriginateParams) (pbx.Event, error) {
	return pbx.Event{"Response": "Success"}, nil
}

func (f *fakeManager) Healthy() bool { return f.healthy }

func newTestTracker(t *testing.T, manager ManagerClient) (*Tracker, *database.Store, *events.Subscription) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := database.NewStore(db)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(64, logger)
	sub := bus.Subscribe("test")
	t.Cleanup(sub.Close)

	cfg := Config{
		TrunkLines:     []string{"GSM-Line1", "Chiro", "Osteo"},
		NationalPrefix: "+33",
	}
	tracker := NewTracker(cfg, manager, store.Calls, bus, logger)
	return tracker, store, sub
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case event := <-sub.C:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return events.Event{}
	}
}

func expectNoEvent(t *testing.T, sub *events.Subscription) {
	t.Helper()
	select {
	case event := <-sub.C:
		t.Fatalf("unexpected event %s", event.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIncomingRingThenAnswer(t *testing.T) {
	tracker, store, sub := newTestTracker(t, &fakeManager{healthy: true})

	tracker.HandleEvent(pbx.Event{
		"Event": "Newchannel", "Channel": "PJSIP/GSM-Line1-aaa",
		"CallerIDNum": "+33123456789", "Context": "from-trunk",
		"Uniqueid": "L1", "Linkedid": "L1",
	})
	tracker.HandleEvent(pbx.Event{
		"Event": "DialBegin", "Channel": "PJSIP/GSM-Line1-aaa",
		"DestChannel": "PJSIP/1001-xyz", "Linkedid": "L1",
	})

	event := nextEvent(t, sub)
	if event.Type != events.TypeIncomingCall {
		t.Fatalf("event type = %s, want incoming_call", event.Type)
	}
	incoming := event.Payload.(IncomingCallEvent)
	if incoming.CallID != "L1" {
		t.Errorf("callId = %q, want L1", incoming.CallID)
	}
	if incoming.CallerNumber != "0123456789" {
		t.Errorf("callerNumber = %q, want 0123456789", incoming.CallerNumber)
	}
	if incoming.Extension != "1001" {
		t.Errorf("extension = %q, want 1001", incoming.Extension)
	}
	if incoming.Direction != "incoming" {
		t.Errorf("direction = %q, want incoming", incoming.Direction)
	}

	tracker.HandleEvent(pbx.Event{
		"Event": "Bridge", "Channel1": "PJSIP/GSM-Line1-aaa",
		"Channel2": "PJSIP/1001-xyz", "Linkedid": "L1",
	})

	event = nextEvent(t, sub)
	if event.Type != events.TypeCallEnded {
		t.Fatalf("event type = %s, want call_ended", event.Type)
	}
	ended := event.Payload.(CallEndedEvent)
	if ended.CallID != "L1" || ended.Status != models.CallStatusAnswered {
		t.Errorf("call_ended = %+v, want L1/answered", ended)
	}

	// No persisted row until the CDR arrives.
	_, total, err := store.Calls.List(context.Background(), database.CallListFilter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 0 {
		t.Fatalf("call rows before CDR = %d, want 0", total)
	}

	tracker.HandleEvent(pbx.Event{
		"Event": "Cdr", "UniqueID": "L1", "Channel": "PJSIP/GSM-Line1-aaa",
		"Source": "+33123456789", "Destination": "1001",
		"Disposition": "ANSWERED",
		"StartTime":   "2025-01-01 10:00:00",
		"AnswerTime":  "2025-01-01 10:00:05",
		"EndTime":     "2025-01-01 10:01:05",
		"Duration":    "65",
	})

	event = nextEvent(t, sub)
	if event.Type != events.TypeCallHistoryUpdate {
		t.Fatalf("event type = %s, want call_history_update", event.Type)
	}

	calls, total, err := store.Calls.List(context.Background(), database.CallListFilter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 1 {
		t.Fatalf("call rows = %d, want 1", total)
	}
	call := calls[0]
	if call.Status != models.CallStatusAnswered {
		t.Errorf("status = %q, want answered", call.Status)
	}
	if call.CallerNumber != "0123456789" {
		t.Errorf("callerNumber = %q, want 0123456789", call.CallerNumber)
	}
	if call.Duration != 60 {
		t.Errorf("duration = %d, want 60", call.Duration)
	}
	if call.Direction != "incoming" {
		t.Errorf("direction = %q, want incoming", call.Direction)
	}
}

func TestIncomingCallPublishedOncePerLinkedID(t *testing.T) {
	tracker, _, sub := newTestTracker(t, &fakeManager{healthy: true})

	tracker.HandleEvent(pbx.Event{
		"Event": "Newchannel", "Channel": "PJSIP/GSM-Line1-aaa",
		"CallerIDNum": "+33123456789", "Context": "from-trunk",
		"Uniqueid": "L1", "Linkedid": "L1",
	})
	// Ring group: several extensions ring for the same call.
	for _, dest := range []string{"PJSIP/1001-x", "PJSIP/1002-y", "PJSIP/1001-z"} {
		tracker.HandleEvent(pbx.Event{
			"Event": "DialBegin", "Channel": "PJSIP/GSM-Line1-aaa",
			"DestChannel": dest, "Linkedid": "L1",
		})
	}

	event := nextEvent(t, sub)
	if event.Type != events.TypeIncomingCall {
		t.Fatalf("event type = %s, want incoming_call", event.Type)
	}
	expectNoEvent(t, sub)

	ringing := tracker.GetRingingCalls()
	if len(ringing) != 1 {
		t.Fatalf("ringing calls = %d, want 1", len(ringing))
	}
	if got := len(ringing[0].ExtensionsRinging); got != 2 {
		t.Errorf("extensions ringing = %d, want 2 (1001, 1002)", got)
	}
}

func TestCDRDedup(t *testing.T) {
	tracker, store, _ := newTestTracker(t, &fakeManager{healthy: true})

	cdr := pbx.Event{
		"Event": "Cdr", "UniqueID": "U7", "Channel": "PJSIP/GSM-Line1-bbb",
		"Source": "+33600000001", "Destination": "1001",
		"Disposition": "NO ANSWER",
		"StartTime":   "2025-01-01 11:00:00",
		"EndTime":     "2025-01-01 11:00:30",
	}
	tracker.HandleEvent(cdr)
	tracker.HandleEvent(cdr)

	_, total, err := store.Calls.List(context.Background(), database.CallListFilter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 1 {
		t.Fatalf("call rows = %d, want 1", total)
	}
}

func TestMissedCDRPublishesMissedCall(t *testing.T) {
	tracker, _, sub := newTestTracker(t, &fakeManager{healthy: true})

	tracker.HandleEvent(pbx.Event{
		"Event": "Cdr", "UniqueID": "U8", "Channel": "PJSIP/GSM-Line1-ccc",
		"Source": "+33600000002", "Destination": "1001",
		"Disposition": "NO ANSWER",
		"StartTime":   "2025-01-01 12:00:00",
		"EndTime":     "2025-01-01 12:00:30",
	})

	types := []string{nextEvent(t, sub).Type, nextEvent(t, sub).Type}
	if types[0] != events.TypeCallHistoryUpdate || types[1] != events.TypeMissedCall {
		t.Errorf("event types = %v, want [call_history_update missed_call]", types)
	}
}

func TestOutgoingTrunkLegSkipped(t *testing.T) {
	tracker, store, _ := newTestTracker(t, &fakeManager{healthy: true})

	// Extension leg of an outgoing call.
	tracker.HandleEvent(pbx.Event{
		"Event": "Cdr", "UniqueID": "U9", "Channel": "PJSIP/1001-ddd",
		"Source": "1001", "Destination": "0612345678",
		"DestinationContext": "from-internal", "Disposition": "ANSWERED",
		"StartTime":  "2025-01-01 13:00:00",
		"AnswerTime": "2025-01-01 13:00:02", "EndTime": "2025-01-01 13:01:02",
	})
	// Trunk leg duplicate with the gateway as destination.
	tracker.HandleEvent(pbx.Event{
		"Event": "Cdr", "UniqueID": "U10", "Channel": "PJSIP/1001-ddd",
		"Source": "1001", "Destination": "GSM-Line1",
		"DestinationContext": "from-internal", "Disposition": "ANSWERED",
		"StartTime":  "2025-01-01 13:00:00",
		"AnswerTime": "2025-01-01 13:00:02", "EndTime": "2025-01-01 13:01:02",
	})

	calls, total, err := store.Calls.List(context.Background(), database.CallListFilter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 1 {
		t.Fatalf("call rows = %d, want 1", total)
	}
	if calls[0].Direction != "outgoing" {
		t.Errorf("direction = %q, want outgoing", calls[0].Direction)
	}
}

func TestAnswerCall(t *testing.T) {
	manager := &fakeManager{healthy: true}
	tracker, _, sub := newTestTracker(t, manager)

	tracker.HandleEvent(pbx.Event{
		"Event": "Newchannel", "Channel": "PJSIP/GSM-Line1-aaa",
		"CallerIDNum": "+33123456789", "Context": "from-trunk",
		"Uniqueid": "L1", "Linkedid": "L1",
	})
	tracker.HandleEvent(pbx.Event{
		"Event": "DialBegin", "Channel": "PJSIP/GSM-Line1-aaa",
		"DestChannel": "PJSIP/1001-xyz", "Linkedid": "L1",
	})
	nextEvent(t, sub) // incoming_call

	if err := tracker.AnswerCall("L1", "200"); err != nil {
		t.Fatalf("AnswerCall() error: %v", err)
	}
	if len(manager.redirects) != 1 {
		t.Fatalf("redirects = %d, want 1", len(manager.redirects))
	}
	got := manager.redirects[0]
	want := redirectCall{"PJSIP/GSM-Line1-aaa", "200", "from-internal"}
	if got != want {
		t.Errorf("Redirect = %+v, want %+v", got, want)
	}
}

func TestAnswerCallChannelNotFound(t *testing.T) {
	tracker, _, _ := newTestTracker(t, &fakeManager{healthy: true})
	if err := tracker.AnswerCall("nope", "200"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("AnswerCall() error = %v, want ErrChannelNotFound", err)
	}
}

func TestAnswerCallUnavailable(t *testing.T) {
	tracker, _, _ := newTestTracker(t, &fakeManager{healthy: false})
	if err := tracker.AnswerCall("L1", "200"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("AnswerCall() error = %v, want ErrUnavailable", err)
	}
}

func TestRejectCall(t *testing.T) {
	manager := &fakeManager{healthy: true}
	tracker, _, sub := newTestTracker(t, manager)

	tracker.HandleEvent(pbx.Event{
		"Event": "Newchannel", "Channel": "PJSIP/GSM-Line1-aaa",
		"CallerIDNum": "+33123456789", "Context": "from-trunk",
		"Uniqueid": "L1", "Linkedid": "L1",
	})
	tracker.HandleEvent(pbx.Event{
		"Event": "DialBegin", "Channel": "PJSIP/GSM-Line1-aaa",
		"DestChannel": "PJSIP/1001-xyz", "Linkedid": "L1",
	})
	nextEvent(t, sub) // incoming_call

	if err := tracker.RejectCall("L1"); err != nil {
		t.Fatalf("RejectCall() error: %v", err)
	}
	if len(manager.hangups) == 0 {
		t.Fatal("no hangup sent")
	}

	event := nextEvent(t, sub)
	if event.Type != events.TypeCallEnded {
		t.Fatalf("event type = %s, want call_ended", event.Type)
	}
	if ended := event.Payload.(CallEndedEvent); ended.Status != models.CallStatusRejected {
		t.Errorf("status = %q, want rejected", ended.Status)
	}
}

func TestRingingWatchdogExpires(t *testing.T) {
	tracker, _, sub := newTestTracker(t, &fakeManager{healthy: true})

	tracker.mu.Lock()
	tracker.ringing["stale"] = &RingingCall{
		CallID:    "stale",
		StartTime: time.Now().Add(-2 * time.Minute),
		Status:    models.CallStatusRinging,
	}
	tracker.mu.Unlock()

	tracker.expireRinging()

	event := nextEvent(t, sub)
	if event.Type != events.TypeCallEnded {
		t.Fatalf("event type = %s, want call_ended", event.Type)
	}
	if ended := event.Payload.(CallEndedEvent); ended.Status != models.CallStatusMissed {
		t.Errorf("status = %q, want missed", ended.Status)
	}
	if len(tracker.GetRingingCalls()) != 0 {
		t.Error("stale ringing row still present")
	}
}

func TestLocalChannelsSkipped(t *testing.T) {
	tracker, _, _ := newTestTracker(t, &fakeManager{healthy: true})

	tracker.HandleEvent(pbx.Event{
		"Event": "Newchannel", "Channel": "Local/1001@from-internal;2",
		"CallerIDNum": "+33123456789", "Context": "from-trunk",
	})

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.channels) != 0 {
		t.Errorf("channels = %d, want 0", len(tracker.channels))
	}
}
