package database

import (
	"context"
	"fmt"
	"time"

	"github.com/commgate/commgate/internal/database/models"
)

// pushTokenRepo implements PushTokenRepository.
type pushTokenRepo struct {
	db *DB
}

// NewPushTokenRepository creates a new PushTokenRepository.
func NewPushTokenRepository(db *DB) PushTokenRepository {
	return &pushTokenRepo{db: db}
}

// Upsert registers a token. Re-registering an existing token moves it to
// the current user and refreshes last_used.
func (r *pushTokenRepo) Upsert(ctx context.Context, token *models.PushToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO push_tokens (user_id, token, platform, device_id, last_used)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(token) DO UPDATE SET
		   user_id = excluded.user_id,
		   platform = excluded.platform,
		   device_id = excluded.device_id,
		   last_used = excluded.last_used`,
		token.UserID, token.Token, token.Platform, token.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("upserting push token: %w", err)
	}
	return nil
}

// ListByUser returns all tokens registered by a user.
func (r *pushTokenRepo) ListByUser(ctx context.Context, userID int64) ([]models.PushToken, error) {
	return r.list(ctx,
		`SELECT id, user_id, token, platform, device_id, created_at, last_used
		 FROM push_tokens WHERE user_id = ?`, userID)
}

// ListAll returns every registered token.
func (r *pushTokenRepo) ListAll(ctx context.Context) ([]models.PushToken, error) {
	return r.list(ctx,
		`SELECT id, user_id, token, platform, device_id, created_at, last_used
		 FROM push_tokens`)
}

// DeleteByToken removes a token, typically after the push service reports
// it unregistered.
func (r *pushTokenRepo) DeleteByToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("deleting push token: %w", err)
	}
	return nil
}

// DeleteStale prunes tokens not used within the given duration.
func (r *pushTokenRepo) DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM push_tokens WHERE last_used < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting stale push tokens: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (r *pushTokenRepo) list(ctx context.Context, query string, args ...any) ([]models.PushToken, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []models.PushToken
	for rows.Next() {
		var t models.PushToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform, &t.DeviceID,
			&t.CreatedAt, &t.LastUsed); err != nil {
			return nil, fmt.Errorf("scanning push token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
