package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/commgate/commgate/internal/database/models"
)

// sessionRepo implements SessionRepository.
type sessionRepo struct {
	db *DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *DB) SessionRepository {
	return &sessionRepo{db: db}
}

// Create inserts a new session.
func (r *sessionRepo) Create(ctx context.Context, session *models.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)`,
		session.Token, session.UserID, session.ExpiresAt.UTC(),
	)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("inserting session: %w", ErrConflict)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Get returns a session by token. Expired sessions are treated as missing.
func (r *sessionRepo) Get(ctx context.Context, token string) (*models.Session, error) {
	var s models.Session
	err := r.db.QueryRowContext(ctx,
		`SELECT token, user_id, expires_at, created_at
		 FROM sessions WHERE token = ? AND expires_at > datetime('now')`, token,
	).Scan(&s.Token, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &s, nil
}

// Delete removes a session by token.
func (r *sessionRepo) Delete(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteExpired prunes sessions past their expiry.
func (r *sessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= datetime('now')`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
