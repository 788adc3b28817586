// Package calls consumes PBX manager-interface events and maintains the
// live call picture: per-channel state, the ringing-call set keyed by
// linked-id, and the authoritative call-history rows composed from CDRs.
package calls

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commgate/commgate/internal/database"
	"github.com/commgate/commgate/internal/database/models"
	"github.com/commgate/commgate/internal/events"
	"github.com/commgate/commgate/internal/pbx"
)

// ErrChannelNotFound is returned by AnswerCall when no ingress channel can
// be located for the call.
var ErrChannelNotFound = errors.New("calls: channel not found")

// ErrUnavailable is returned when the manager interface is not
// authenticated and no action can be sent.
var ErrUnavailable = errors.New("calls: pbx unavailable")

// ManagerClient is the slice of the PBX client the tracker needs.
type ManagerClient interface {
	Redirect(channel, exten, context string) error
	Hangup(channel string, cause int) error
	Originate(params pbx.OriginateParams) (pbx.Event, error)
	Healthy() bool
}

// Config tunes channel classification and cleanup.
type Config struct {
	// TrunkLines are the site-specific line names matched as substrings
	// against the channel identifier and caller-id name ("Chiro", "GSM", ...).
	TrunkLines []string
	// NationalPrefix is stripped to a leading 0 for display ("+590").
	NationalPrefix string
	// RingingTTL bounds how long a ringing row may live without a
	// terminal event before the watchdog closes it.
	RingingTTL time.Duration
}

// hangup cause sent on reject.
const causeCallRejected = 21

var (
	// PJSIP/GSM-Line1-00000aaf -> tech "PJSIP", name "GSM-Line1".
	channelNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+/(.+)-[^-]+$`)
	// Destination leg of a ring towards an internal extension.
	extensionLegRe = regexp.MustCompile(`^[A-Za-z0-9_]+/(\d{3,4})-`)
	digitsRe       = regexp.MustCompile(`^[0-9]+$`)
)

// channelState tracks one live channel leg.
type channelState struct {
	Channel    string
	UniqueID   string
	LinkedID   string
	CallerNum  string
	CallerName string
	Exten      string
	Context    string
	LineName   string
	Direction  string
	Trunk      bool
	Status     string
	StartTime  time.Time
}

// RingingCall is one in-progress incoming call still being offered.
type RingingCall struct {
	CallID            string    `json:"callId"`
	CallerNumber      string    `json:"callerNumber"`
	CallerName        string    `json:"callerName"`
	LineName          string    `json:"lineName"`
	Extension         string    `json:"extension"`
	Channel           string    `json:"channel"`
	StartTime         time.Time `json:"startTime"`
	Direction         string    `json:"direction"`
	Status            string    `json:"status"`
	ExtensionsRinging []string  `json:"extensionsRinging"`
}

// IncomingCallEvent is the payload of an incoming_call bus event.
type IncomingCallEvent struct {
	CallID       string `json:"callId"`
	CallerNumber string `json:"callerNumber"`
	CallerName   string `json:"callerName"`
	LineName     string `json:"lineName"`
	Extension    string `json:"extension"`
	Direction    string `json:"direction"`
}

// CallEndedEvent is the payload of a call_ended bus event.
type CallEndedEvent struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

// Tracker is the call state machine. All event-driven mutations arrive on
// the PBX reader goroutine; public operations take the same mutex.
type Tracker struct {
	cfg    Config
	client ManagerClient
	calls  database.CallRepository
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*channelState // by channel name
	ringing  map[string]*RingingCall  // by linked-id

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTracker creates a tracker. Call Run to start the ringing watchdog and
// register HandleEvent with the PBX client.
func NewTracker(cfg Config, client ManagerClient, calls database.CallRepository, bus *events.Bus, logger *slog.Logger) *Tracker {
	if cfg.RingingTTL == 0 {
		cfg.RingingTTL = 60 * time.Second
	}
	return &Tracker{
		cfg:      cfg,
		client:   client,
		calls:    calls,
		bus:      bus,
		logger:   logger,
		channels: make(map[string]*channelState),
		ringing:  make(map[string]*RingingCall),
		stop:     make(chan struct{}),
	}
}

// Run blocks driving the ringing watchdog until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.expireRinging()
		}
	}
}

// Stop terminates the watchdog.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// HandleEvent consumes one PBX event. Register it with pbx.Client.OnEvent.
func (t *Tracker) HandleEvent(event pbx.Event) {
	switch event["Event"] {
	case "Newchannel":
		t.handleNewchannel(event)
	case "DialBegin":
		t.handleDialBegin(event)
	case "DialEnd":
		t.handleDialEnd(event)
	case "BridgeEnter", "Bridge":
		t.handleBridge(event)
	case "Hangup":
		t.handleHangup(event)
	case "Cdr":
		t.handleCDR(event)
	}
}

// lineName extracts the trunk/line name from a channel identifier and
// reports whether it matches a configured trunk line. The caller-id name
// serves as a fallback hint for renamed channels.
func (t *Tracker) lineName(channel, callerIDName string) (string, bool) {
	var name string
	if m := channelNameRe.FindStringSubmatch(channel); m != nil {
		name = m[1]
	}
	for _, line := range t.cfg.TrunkLines {
		if name != "" && strings.Contains(strings.ToLower(name), strings.ToLower(line)) {
			return line, true
		}
		if callerIDName != "" && strings.Contains(strings.ToLower(callerIDName), strings.ToLower(line)) {
			return line, true
		}
	}
	return name, false
}

// normalizeNumber strips the configured national prefix to a leading 0.
func (t *Tracker) normalizeNumber(number string) string {
	if t.cfg.NationalPrefix != "" && strings.HasPrefix(number, t.cfg.NationalPrefix) {
		return "0" + strings.TrimPrefix(number, t.cfg.NationalPrefix)
	}
	return number
}

func isLocalChannel(channel string) bool {
	return strings.HasPrefix(channel, "Local/") || strings.Contains(channel, ";2")
}

func incomingContext(context string) bool {
	switch {
	case strings.HasPrefix(context, "from-trunk"),
		strings.HasPrefix(context, "from-did"),
		strings.HasPrefix(context, "ext-group"):
		return true
	}
	return false
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func (t *Tracker) handleNewchannel(event pbx.Event) {
	channel := event["Channel"]
	if channel == "" || isLocalChannel(channel) {
		return
	}

	callerNum := event["CallerIDNum"]
	callerName := event["CallerIDName"]
	exten := event["Exten"]
	dialContext := event["Context"]

	line, isTrunk := t.lineName(channel, callerName)

	if isTrunk {
		// A trunk leg only matters when it carries an external caller.
		if digitCount(callerNum) < 6 {
			return
		}
	} else {
		// Extension legs need a plausible destination.
		if exten == "s" || len(exten) < 3 {
			return
		}
	}

	direction := "incoming"
	if !incomingContext(dialContext) && !isTrunk && digitCount(callerNum) <= 4 {
		// Short internal caller dialing out.
		direction = "outgoing"
	}

	state := &channelState{
		Channel:    channel,
		UniqueID:   event["Uniqueid"],
		LinkedID:   event["Linkedid"],
		CallerNum:  t.normalizeNumber(callerNum),
		CallerName: callerName,
		Exten:      exten,
		Context:    dialContext,
		LineName:   line,
		Direction:  direction,
		Trunk:      isTrunk,
		Status:     models.CallStatusRinging,
		StartTime:  time.Now(),
	}

	t.mu.Lock()
	t.channels[channel] = state
	t.mu.Unlock()
}

func (t *Tracker) handleDialBegin(event pbx.Event) {
	destChannel := event["DestChannel"]
	m := extensionLegRe.FindStringSubmatch(destChannel)
	if m == nil {
		return
	}
	extension := m[1]

	sourceChannel := event["Channel"]
	linkedID := event["Linkedid"]
	if linkedID == "" {
		linkedID = event["Uniqueid"]
	}
	if linkedID == "" {
		return
	}

	t.mu.Lock()
	source := t.channels[sourceChannel]
	if source == nil || (!source.Trunk && source.Direction != "incoming") {
		t.mu.Unlock()
		return
	}

	row, exists := t.ringing[linkedID]
	if !exists {
		row = &RingingCall{
			CallID:       linkedID,
			CallerNumber: source.CallerNum,
			CallerName:   source.CallerName,
			LineName:     source.LineName,
			Extension:    extension,
			Channel:      sourceChannel,
			StartTime:    source.StartTime,
			Direction:    "incoming",
			Status:       models.CallStatusRinging,
		}
		t.ringing[linkedID] = row
	}
	row.ExtensionsRinging = appendUnique(row.ExtensionsRinging, extension)
	t.mu.Unlock()

	// Exactly one incoming_call per linked-id, however many legs ring.
	if !exists {
		t.bus.Publish(events.TypeIncomingCall, IncomingCallEvent{
			CallID:       row.CallID,
			CallerNumber: row.CallerNumber,
			CallerName:   row.CallerName,
			LineName:     row.LineName,
			Extension:    extension,
			Direction:    "incoming",
		})
	}
}

func (t *Tracker) handleDialEnd(event pbx.Event) {
	linkedID := event["Linkedid"]
	if linkedID == "" {
		linkedID = event["Uniqueid"]
	}

	var status string
	switch event["DialStatus"] {
	case "ANSWER":
		status = models.CallStatusAnswered
	case "BUSY":
		status = models.CallStatusBusy
	case "NOANSWER", "CANCEL":
		status = models.CallStatusMissed
	case "CONGESTION":
		status = models.CallStatusFailed
	default:
		return
	}

	if ch := event["Channel"]; ch != "" {
		t.mu.Lock()
		if state := t.channels[ch]; state != nil {
			state.Status = status
		}
		t.mu.Unlock()
	}

	t.closeRinging(linkedID, status)
}

func (t *Tracker) handleBridge(event pbx.Event) {
	linkedID := event["Linkedid"]

	t.mu.Lock()
	for _, key := range []string{"Channel", "Channel1", "Channel2"} {
		if state := t.channels[event[key]]; state != nil {
			state.Status = models.CallStatusAnswered
			if linkedID == "" {
				linkedID = state.LinkedID
			}
		}
	}
	t.mu.Unlock()

	t.closeRinging(linkedID, models.CallStatusAnswered)
}

func (t *Tracker) handleHangup(event pbx.Event) {
	// The CDR is the source of truth for history; hangup only retires the
	// live channel state.
	t.mu.Lock()
	delete(t.channels, event["Channel"])
	t.mu.Unlock()
}

// closeRinging removes the ringing row and publishes call_ended once.
func (t *Tracker) closeRinging(linkedID, status string) {
	if linkedID == "" {
		return
	}
	t.mu.Lock()
	row, ok := t.ringing[linkedID]
	if ok {
		delete(t.ringing, linkedID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	row.Status = status
	t.bus.Publish(events.TypeCallEnded, CallEndedEvent{CallID: row.CallID, Status: status})
}

// expireRinging closes rows past the TTL so lost events cannot leak them.
func (t *Tracker) expireRinging() {
	cutoff := time.Now().Add(-t.cfg.RingingTTL)

	t.mu.Lock()
	var expired []string
	for id, row := range t.ringing {
		if row.StartTime.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	t.mu.Unlock()

	for _, id := range expired {
		t.logger.Warn("ringing call expired without terminal event", "call_id", id)
		t.closeRinging(id, models.CallStatusMissed)
	}
}

// GetRingingCalls returns a snapshot of the ringing set.
func (t *Tracker) GetRingingCalls() []RingingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RingingCall, 0, len(t.ringing))
	for _, row := range t.ringing {
		copied := *row
		copied.ExtensionsRinging = append([]string(nil), row.ExtensionsRinging...)
		out = append(out, copied)
	}
	return out
}

// RingingCount returns the size of the ringing set.
func (t *Tracker) RingingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ringing)
}

// AnswerCall redirects the ingress channel of a ringing call to the target
// extension in context from-internal.
func (t *Tracker) AnswerCall(callID, targetExtension string) error {
	if !t.client.Healthy() {
		return ErrUnavailable
	}

	t.mu.Lock()
	var channel string
	if row, ok := t.ringing[callID]; ok {
		channel = row.Channel
	} else {
		// Fall back to scanning live channels for a trunk leg of the call.
		for _, state := range t.channels {
			if state.LinkedID == callID && state.Trunk {
				channel = state.Channel
				break
			}
		}
	}
	t.mu.Unlock()

	if channel == "" {
		return ErrChannelNotFound
	}
	if err := t.client.Redirect(channel, targetExtension, "from-internal"); err != nil {
		return err
	}

	t.logger.Info("call answered by redirect", "call_id", callID,
		"channel", channel, "extension", targetExtension)
	return nil
}

// RejectCall hangs up every channel linked to the call and closes the
// ringing row with rejected.
func (t *Tracker) RejectCall(callID string) error {
	if !t.client.Healthy() {
		return ErrUnavailable
	}

	t.mu.Lock()
	var targets []string
	for _, state := range t.channels {
		if state.LinkedID == callID {
			targets = append(targets, state.Channel)
		}
	}
	if row, ok := t.ringing[callID]; ok && len(targets) == 0 {
		targets = append(targets, row.Channel)
	}
	t.mu.Unlock()

	if len(targets) == 0 {
		return ErrChannelNotFound
	}

	var lastErr error
	for _, channel := range targets {
		if err := t.client.Hangup(channel, causeCallRejected); err != nil {
			lastErr = err
			t.logger.Warn("hangup failed on reject", "call_id", callID,
				"channel", channel, "error", err)
		}
	}

	t.closeRinging(callID, models.CallStatusRejected)
	return lastErr
}

// Originate places an outbound call from an internal extension.
func (t *Tracker) Originate(fromExtension, destination, callerID string, timeout time.Duration) (string, error) {
	if !t.client.Healthy() {
		return "", ErrUnavailable
	}

	channel := fromExtension
	if !strings.Contains(channel, "/") {
		channel = "PJSIP/" + channel
	}

	_, err := t.client.Originate(pbx.OriginateParams{
		Channel:  channel,
		Exten:    destination,
		Context:  "from-internal",
		CallerID: callerID,
		Timeout:  timeout,
	})
	if err != nil {
		return "", err
	}

	callID := "orig_" + uuid.NewString()
	t.logger.Info("originate submitted", "call_id", callID,
		"channel", channel, "destination", destination)
	return callID, nil
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
