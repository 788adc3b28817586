package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/commgate/commgate/internal/database/models"
)

// statusRank orders message statuses for the monotone-transition rule.
// failed is terminal from any state; received sits outside the chain and is
// never promoted or demoted.
var statusRank = map[string]int{
	models.MessageStatusPending:   0,
	models.MessageStatusSent:      1,
	models.MessageStatusDelivered: 2,
	models.MessageStatusRead:      3,
}

// statusAdvances reports whether moving from old to new is a legal
// forward transition.
func statusAdvances(old, new string) bool {
	if old == new {
		return false
	}
	if new == models.MessageStatusFailed {
		return true
	}
	oldRank, okOld := statusRank[old]
	newRank, okNew := statusRank[new]
	if !okOld || !okNew {
		return false
	}
	return newRank > oldRank
}

// messageRepo implements MessageRepository.
type messageRepo struct {
	db *DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *DB) MessageRepository {
	return &messageRepo{db: db}
}

// Upsert inserts the message if (chat_id, id) is new and returns true.
// For an existing row it only advances the status along the monotone chain
// and refreshes the media URL; everything else is left untouched so repeated
// ingest of the same remote snapshot is a no-op.
func (r *messageRepo) Upsert(ctx context.Context, msg *models.Message) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning message upsert: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM messages WHERE chat_id = ? AND id = ?`,
		msg.ChatID, msg.ID).Scan(&existing)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, chat_id, from_me, type, content, sender, timestamp, status, media_url, raw)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ChatID, msg.FromMe, msg.Type, msg.Content, msg.Sender,
			msg.Timestamp, msg.Status, msg.MediaURL, msg.Raw)
		if err != nil {
			return false, fmt.Errorf("inserting message: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("committing message insert: %w", err)
		}
		return true, nil

	case err != nil:
		return false, fmt.Errorf("checking existing message: %w", err)
	}

	if statusAdvances(existing, msg.Status) {
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, media_url = ? WHERE chat_id = ? AND id = ?`,
			msg.Status, msg.MediaURL, msg.ChatID, msg.ID)
		if err != nil {
			return false, fmt.Errorf("advancing message status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing message upsert: %w", err)
	}
	return false, nil
}

// Get returns a message by (chat id, message id).
func (r *messageRepo) Get(ctx context.Context, chatID, id string) (*models.Message, error) {
	var m models.Message
	err := r.db.QueryRowContext(ctx,
		`SELECT id, chat_id, from_me, type, content, sender, timestamp, status, media_url, raw
		 FROM messages WHERE chat_id = ? AND id = ?`, chatID, id,
	).Scan(&m.ID, &m.ChatID, &m.FromMe, &m.Type, &m.Content, &m.Sender,
		&m.Timestamp, &m.Status, &m.MediaURL, &m.Raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return &m, nil
}

// ListByChat returns the newest messages of a chat in chronological order.
func (r *messageRepo) ListByChat(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, chat_id, from_me, type, content, sender, timestamp, status, media_url, raw
		 FROM (
		   SELECT * FROM messages WHERE chat_id = ? ORDER BY timestamp DESC LIMIT ?
		 ) ORDER BY timestamp ASC`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.FromMe, &m.Type, &m.Content, &m.Sender,
			&m.Timestamp, &m.Status, &m.MediaURL, &m.Raw); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpdateStatus advances a message status. Backward transitions are
// silently discarded.
func (r *messageRepo) UpdateStatus(ctx context.Context, chatID, id, status string) error {
	var existing string
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM messages WHERE chat_id = ? AND id = ?`, chatID, id).Scan(&existing)
	if err == sql.ErrNoRows {
		return fmt.Errorf("message %s/%s: %w", chatID, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking message status: %w", err)
	}

	if !statusAdvances(existing, status) {
		return nil
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE chat_id = ? AND id = ?`, status, chatID, id)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	return nil
}
