package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/commgate/commgate/internal/database/models"
)

// chatRepo implements ChatRepository.
type chatRepo struct {
	db *DB
}

// NewChatRepository creates a new ChatRepository.
func NewChatRepository(db *DB) ChatRepository {
	return &chatRepo{db: db}
}

// Upsert inserts or updates a chat. The stored timestamp never regresses:
// an upsert carrying an older timestamp keeps the existing one, so
// out-of-order polling cycles cannot move a conversation backwards.
func (r *chatRepo) Upsert(ctx context.Context, chat *models.Chat) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chats (id, name, provider, unread_count, timestamp, line_id, last_message, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   provider = excluded.provider,
		   unread_count = excluded.unread_count,
		   timestamp = MAX(chats.timestamp, excluded.timestamp),
		   line_id = CASE WHEN excluded.line_id != '' THEN excluded.line_id ELSE chats.line_id END,
		   last_message = CASE WHEN excluded.timestamp >= chats.timestamp THEN excluded.last_message ELSE chats.last_message END,
		   metadata = excluded.metadata`,
		chat.ID, chat.Name, chat.Provider, chat.UnreadCount, chat.Timestamp,
		chat.LineID, chat.LastMessage, chat.Metadata,
	)
	if err != nil {
		return fmt.Errorf("upserting chat %s: %w", chat.ID, err)
	}
	return nil
}

// GetByID returns a chat by ID.
func (r *chatRepo) GetByID(ctx context.Context, id string) (*models.Chat, error) {
	var c models.Chat
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, provider, unread_count, timestamp, line_id, last_message, metadata
		 FROM chats WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Provider, &c.UnreadCount, &c.Timestamp, &c.LineID, &c.LastMessage, &c.Metadata)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning chat: %w", err)
	}
	return &c, nil
}

// List returns chats ordered by last activity, newest first. An empty
// provider returns all chats.
func (r *chatRepo) List(ctx context.Context, provider string) ([]models.Chat, error) {
	query := `SELECT id, name, provider, unread_count, timestamp, line_id, last_message, metadata
		 FROM chats`
	args := []any{}
	if provider != "" {
		query += " WHERE provider = ?"
		args = append(args, provider)
	}
	query += " ORDER BY timestamp DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.Provider, &c.UnreadCount, &c.Timestamp,
			&c.LineID, &c.LastMessage, &c.Metadata); err != nil {
			return nil, fmt.Errorf("scanning chat row: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// SetUnread updates the unread counter for a chat.
func (r *chatRepo) SetUnread(ctx context.Context, id string, unread int) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE chats SET unread_count = ? WHERE id = ?`, unread, id)
	if err != nil {
		return fmt.Errorf("updating unread count: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("chat %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes a chat and its messages.
func (r *chatRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting chat: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("chat %s: %w", id, ErrNotFound)
	}
	return nil
}
