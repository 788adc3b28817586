package calls

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/commgate/commgate/internal/database"
	"github.com/commgate/commgate/internal/database/models"
	"github.com/commgate/commgate/internal/events"
	"github.com/commgate/commgate/internal/pbx"
)

const cdrTimeLayout = "2006-01-02 15:04:05"

// handleCDR composes the authoritative call-history row from a CDR event.
// The CDR arrives once per channel leg after hangup; deduplication on the
// backend unique id keeps exactly one row per leg.
func (t *Tracker) handleCDR(event pbx.Event) {
	uniqueID := event["UniqueID"]
	if uniqueID == "" {
		uniqueID = event["Uniqueid"]
	}

	channel := event["Channel"]
	destination := event["Destination"]
	destContext := event["DestinationContext"]

	_, channelIsTrunk := t.lineName(channel, event["CallerID"])

	direction := t.cdrDirection(destContext, channelIsTrunk)

	// The trunk leg of an outgoing call duplicates the extension leg's CDR
	// with the gateway identifier as destination.
	if direction == "outgoing" && t.looksLikeGateway(destination) {
		return
	}

	source := t.sanitizeSource(event["Source"], event["DCID"])
	status := cdrStatus(event["Disposition"])

	startTime := parseCDRTime(event["StartTime"])
	answerTime := parseCDRTime(event["AnswerTime"])
	endTime := parseCDRTime(event["EndTime"])

	var duration int64
	if status == models.CallStatusAnswered {
		if answerTime > 0 && endTime >= answerTime {
			duration = endTime - answerTime
		} else if n, err := strconv.ParseInt(event["Duration"], 10, 64); err == nil {
			duration = n
		}
	} else {
		answerTime = 0
	}

	id := "pbx_" + uniqueID
	if uniqueID == "" {
		id = "pbx_" + uuid.NewString()
	}

	lineName, _ := t.lineName(channel, event["CallerID"])

	raw, _ := json.Marshal(event)
	call := &models.Call{
		ID:           id,
		Direction:    direction,
		CallerNumber: t.normalizeNumber(source),
		CalledNumber: t.normalizeNumber(destination),
		CallerName:   event["CallerID"],
		LineName:     lineName,
		StartTime:    startTime,
		AnswerTime:   answerTime,
		EndTime:      endTime,
		Duration:     duration,
		Status:       status,
		Source:       channel,
		UniqueID:     uniqueID,
		Raw:          string(raw),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.calls.Create(ctx, call); err != nil {
		if errors.Is(err, database.ErrConflict) {
			// Same leg reported twice: first row wins.
			return
		}
		t.logger.Error("storing call history row", "call_id", id, "error", err)
		return
	}

	t.bus.Publish(events.TypeCallHistoryUpdate, call)
	if status == models.CallStatusMissed {
		t.bus.Publish(events.TypeMissedCall, call)
	}
}

// cdrDirection derives direction from the destination context, falling back
// to the channel class for gateway-only CDRs.
func (t *Tracker) cdrDirection(destContext string, channelIsTrunk bool) string {
	switch {
	case incomingContext(destContext):
		return "incoming"
	case strings.HasPrefix(destContext, "from-internal"),
		strings.HasPrefix(destContext, "outbound"):
		return "outgoing"
	case channelIsTrunk:
		return "incoming"
	default:
		return "outgoing"
	}
}

// sanitizeSource replaces empty or gateway-marker sources with the DID when
// known, otherwise a literal masked placeholder.
func (t *Tracker) sanitizeSource(source, did string) string {
	if source == "" || source == "s" || strings.EqualFold(source, "anonymous") || t.looksLikeGateway(source) {
		if did != "" {
			return did
		}
		return "masked"
	}
	return source
}

// looksLikeGateway reports whether the value names a trunk line rather
// than a phone number.
func (t *Tracker) looksLikeGateway(value string) bool {
	if value == "" || digitsRe.MatchString(strings.TrimPrefix(value, "+")) {
		return false
	}
	for _, line := range t.cfg.TrunkLines {
		if strings.Contains(strings.ToLower(value), strings.ToLower(line)) {
			return true
		}
	}
	return false
}

func cdrStatus(disposition string) string {
	switch strings.ToUpper(disposition) {
	case "ANSWERED":
		return models.CallStatusAnswered
	case "NO ANSWER":
		return models.CallStatusMissed
	case "BUSY":
		return models.CallStatusBusy
	case "FAILED", "CONGESTION":
		return models.CallStatusFailed
	default:
		return models.CallStatusFailed
	}
}

func parseCDRTime(value string) int64 {
	if value == "" {
		return 0
	}
	if ts, err := time.ParseInLocation(cdrTimeLayout, value, time.Local); err == nil {
		return ts.Unix()
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	return 0
}
