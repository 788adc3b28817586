package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/commgate/commgate/internal/database/models"
)

// settingRepo implements SettingRepository.
type settingRepo struct {
	db *DB
}

// NewSettingRepository creates a new SettingRepository.
func NewSettingRepository(db *DB) SettingRepository {
	return &settingRepo{db: db}
}

// Get returns the value for the given key, or ErrNotFound.
func (r *settingRepo) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting setting %q: %w", key, err)
	}
	return value, nil
}

// Set inserts or updates a setting.
func (r *settingRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

// GetAll returns all settings ordered by key.
func (r *settingRepo) GetAll(ctx context.Context) ([]models.Setting, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	var settings []models.Setting
	for rows.Next() {
		var s models.Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning setting row: %w", err)
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}
