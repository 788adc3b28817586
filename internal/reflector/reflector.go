// Package reflector mirrors polling-only remote conversation stores, such
// as the SMS bridge, into the local database.
package reflector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/commgate/commgate/internal/database"
	"github.com/commgate/commgate/internal/database/models"
	"github.com/commgate/commgate/internal/events"
	"github.com/commgate/commgate/internal/provider"
)

// Remote is the surface the reflector needs from a provider instance: a
// pollable conversation index plus outbound send.
type Remote interface {
	ID() string
	Conversations(ctx context.Context) ([]provider.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]provider.RemoteMessage, error)
	SendMessage(ctx context.Context, to, text string, opts provider.SendOptions) (*provider.SendResult, error)
}

// Config tunes one reflector instance.
type Config struct {
	// SyncInterval is the base poll interval. Default 5s.
	SyncInterval time.Duration
	// MaxSyncInterval caps the failure backoff. Default 60s.
	MaxSyncInterval time.Duration
	// FullHistoryOnStart makes the first cycle fetch every message of each
	// conversation instead of a head window.
	FullHistoryOnStart bool
	// HeadWindow is the per-conversation message fetch size. Default 20.
	HeadWindow int
	// ChatPrefix namespaces mirrored chat ids. Default "sms_".
	ChatPrefix string
	// ProviderLabel is stored on mirrored chat rows. Default "sms".
	ProviderLabel string
}

func (c *Config) applyDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Second
	}
	if c.MaxSyncInterval <= 0 {
		c.MaxSyncInterval = 60 * time.Second
	}
	if c.HeadWindow <= 0 {
		c.HeadWindow = 20
	}
	if c.ChatPrefix == "" {
		c.ChatPrefix = "sms_"
	}
	if c.ProviderLabel == "" {
		c.ProviderLabel = "sms"
	}
}

// history fetch size used when FullHistoryOnStart is set.
const fullHistoryLimit = 1000

// identical sync errors are logged at most this many times in a row.
const maxRepeatedErrorLogs = 3

// Reflector drives the poll loop of one remote conversation store.
type Reflector struct {
	remote Remote
	store  *database.Store
	bus    *events.Bus
	logger *slog.Logger
	cfg    Config

	firstCycle bool
	lastError  string
	errorCount int
}

// New creates a reflector for one provider instance.
func New(remote Remote, store *database.Store, bus *events.Bus, logger *slog.Logger, cfg Config) *Reflector {
	cfg.applyDefaults()
	return &Reflector{
		remote:     remote,
		store:      store,
		bus:        bus,
		logger:     logger.With("reflector", remote.ID()),
		cfg:        cfg,
		firstCycle: true,
	}
}

// Run polls until the context is cancelled. Failures double the interval
// up to MaxSyncInterval; a successful cycle resets it.
func (r *Reflector) Run(ctx context.Context) {
	interval := r.cfg.SyncInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := r.Sync(ctx); err != nil {
			r.logSyncError(err)
			interval *= 2
			if interval > r.cfg.MaxSyncInterval {
				interval = r.cfg.MaxSyncInterval
			}
			continue
		}
		if r.errorCount > 0 {
			r.logger.Info("sync recovered", "after_failures", r.errorCount)
		}
		r.lastError = ""
		r.errorCount = 0
		interval = r.cfg.SyncInterval
	}
}

// logSyncError suppresses repeats of the same error after a few
// occurrences so a dead backend does not flood the log.
func (r *Reflector) logSyncError(err error) {
	msg := err.Error()
	if msg != r.lastError {
		r.lastError = msg
		r.errorCount = 0
	}
	r.errorCount++
	if r.errorCount <= maxRepeatedErrorLogs {
		r.logger.Warn("sync failed", "error", err, "occurrence", r.errorCount)
	}
}

// Sync runs one polling cycle: fetch the conversation index, mirror each
// conversation's chat row and recent messages, and emit new_message for
// every message not previously seen. Re-running the same snapshot is a
// no-op.
func (r *Reflector) Sync(ctx context.Context) error {
	conversations, err := r.remote.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("fetching conversation index: %w", err)
	}

	limit := r.cfg.HeadWindow
	if r.firstCycle && r.cfg.FullHistoryOnStart {
		limit = fullHistoryLimit
	}

	for _, conv := range conversations {
		if err := r.syncConversation(ctx, conv, limit); err != nil {
			return err
		}
	}
	r.firstCycle = false
	return nil
}

func (r *Reflector) syncConversation(ctx context.Context, conv provider.Conversation, limit int) error {
	chatID := r.cfg.ChatPrefix + conv.ID

	remoteMsgs, err := r.remote.Messages(ctx, conv.ID, limit)
	if err != nil {
		return fmt.Errorf("fetching messages of %s: %w", conv.ID, err)
	}

	// The chat row must exist before any of its messages can be stored.
	chat := &models.Chat{
		ID:          chatID,
		Name:        conv.Name,
		Provider:    r.cfg.ProviderLabel,
		UnreadCount: conv.UnreadCount,
		Timestamp:   conv.Timestamp,
		LineID:      conv.Number,
		LastMessage: conv.LastMessage,
	}
	if err := r.store.Chats.Upsert(ctx, chat); err != nil {
		return fmt.Errorf("storing chat %s: %w", chatID, err)
	}

	maxTimestamp := conv.Timestamp
	lastMessage := conv.LastMessage
	for _, rm := range remoteMsgs {
		msg := toLocalMessage(chatID, rm)

		created, err := r.store.Messages.Upsert(ctx, msg)
		if err != nil {
			return fmt.Errorf("storing message %s/%s: %w", chatID, msg.ID, err)
		}
		if created {
			r.publishNewMessage(msg)
		}
		if rm.Timestamp >= maxTimestamp {
			maxTimestamp = rm.Timestamp
			lastMessage = rm.Text
		}
	}

	if maxTimestamp != conv.Timestamp || lastMessage != conv.LastMessage {
		chat.Timestamp = maxTimestamp
		chat.LastMessage = lastMessage
		if err := r.store.Chats.Upsert(ctx, chat); err != nil {
			return fmt.Errorf("storing chat %s: %w", chatID, err)
		}
	}
	return nil
}

// SendText resolves the destination, posts to the remote send endpoint and
// stores the sent message locally right away so the next poll cycle finds
// it already present.
func (r *Reflector) SendText(ctx context.Context, to, text string) (*models.Message, error) {
	number, chatID, err := r.resolveDestination(ctx, to)
	if err != nil {
		return nil, err
	}

	result, err := r.remote.SendMessage(ctx, number, text, provider.SendOptions{})
	if err != nil {
		return nil, fmt.Errorf("sending to %s: %w", number, err)
	}

	id := result.MessageID
	if id == "" {
		id = "local_" + uuid.NewString()
	}
	msg := &models.Message{
		ID:        id,
		ChatID:    chatID,
		FromMe:    true,
		Type:      "text",
		Content:   text,
		Timestamp: time.Now().Unix(),
		Status:    models.MessageStatusSent,
	}

	// The chat row goes in first so the echo message has a parent to
	// reference, even for a number never seen before.
	chat := &models.Chat{
		ID:          chatID,
		Provider:    r.cfg.ProviderLabel,
		Timestamp:   msg.Timestamp,
		LineID:      number,
		LastMessage: text,
	}
	if existing, err := r.store.Chats.GetByID(ctx, chatID); err == nil {
		chat.Name = existing.Name
		chat.UnreadCount = existing.UnreadCount
		chat.Metadata = existing.Metadata
	}
	if err := r.store.Chats.Upsert(ctx, chat); err != nil {
		return nil, fmt.Errorf("storing chat %s: %w", chatID, err)
	}

	created, err := r.store.Messages.Upsert(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("storing sent message: %w", err)
	}
	if created {
		r.publishNewMessage(msg)
	}
	return msg, nil
}

// resolveDestination maps a destination to (remote number, local chat id).
// Chat ids are looked up in the local store first, then in the remote
// index; raw numbers pass through.
func (r *Reflector) resolveDestination(ctx context.Context, to string) (number, chatID string, err error) {
	if !strings.HasPrefix(to, r.cfg.ChatPrefix) {
		return to, r.cfg.ChatPrefix + strings.TrimPrefix(to, "+"), nil
	}

	chatID = to
	if chat, err := r.store.Chats.GetByID(ctx, chatID); err == nil && chat.LineID != "" {
		return chat.LineID, chatID, nil
	}

	remoteID := strings.TrimPrefix(to, r.cfg.ChatPrefix)
	conversations, err := r.remote.Conversations(ctx)
	if err != nil {
		return "", "", fmt.Errorf("resolving chat %s: %w", to, err)
	}
	for _, conv := range conversations {
		if conv.ID == remoteID {
			return conv.Number, chatID, nil
		}
	}
	return "", "", fmt.Errorf("chat %s: %w", to, database.ErrNotFound)
}

func (r *Reflector) publishNewMessage(msg *models.Message) {
	r.bus.Publish(events.TypeNewMessage, map[string]any{
		"chat_id":    msg.ChatID,
		"message_id": msg.ID,
		"from_me":    msg.FromMe,
		"content":    msg.Content,
		"sender":     msg.Sender,
		"timestamp":  msg.Timestamp,
	})
}

// toLocalMessage converts a remote message to its stored form.
func toLocalMessage(chatID string, rm provider.RemoteMessage) *models.Message {
	msgType := rm.Type
	if msgType == "" {
		msgType = "text"
	}
	status := rm.Status
	if status == "" {
		if rm.FromMe {
			status = models.MessageStatusSent
		} else {
			status = models.MessageStatusReceived
		}
	}
	return &models.Message{
		ID:        rm.ID,
		ChatID:    chatID,
		FromMe:    rm.FromMe,
		Type:      msgType,
		Content:   rm.Text,
		Sender:    rm.From,
		Timestamp: rm.Timestamp,
		Status:    status,
		MediaURL:  rm.MediaURL,
	}
}
