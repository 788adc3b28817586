package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/commgate/commgate/internal/database/models"
)

const extensionColumns = `id, user_id, extension, secret, display_name, context,
	transport, codecs, enabled, webrtc, synced_to_pbx, pbx_sync_error,
	created_at, updated_at`

// extensionRepo implements VoIPExtensionRepository.
type extensionRepo struct {
	db *DB
}

// NewVoIPExtensionRepository creates a new VoIPExtensionRepository.
func NewVoIPExtensionRepository(db *DB) VoIPExtensionRepository {
	return &extensionRepo{db: db}
}

// Create inserts an extension. Both the user and the extension number carry
// unique constraints, so a second extension for the same user or a reused
// number is reported as ErrConflict.
func (r *extensionRepo) Create(ctx context.Context, ext *models.VoIPExtension) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO voip_extensions (user_id, extension, secret, display_name, context,
		   transport, codecs, enabled, webrtc, synced_to_pbx, pbx_sync_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ext.UserID, ext.Extension, ext.Secret, ext.DisplayName, ext.Context,
		ext.Transport, ext.Codecs, ext.Enabled, ext.WebRTC, ext.SyncedToPBX, ext.PBXSyncError,
	)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("inserting extension %s: %w", ext.Extension, ErrConflict)
		}
		return fmt.Errorf("inserting extension: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	ext.ID = id
	return nil
}

// GetByUserID returns the extension provisioned for a user.
func (r *extensionRepo) GetByUserID(ctx context.Context, userID int64) (*models.VoIPExtension, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM voip_extensions WHERE user_id = ?`, userID))
}

// GetByExtension returns an extension by its number.
func (r *extensionRepo) GetByExtension(ctx context.Context, extension string) (*models.VoIPExtension, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM voip_extensions WHERE extension = ?`, extension))
}

// List returns all extensions ordered by number.
func (r *extensionRepo) List(ctx context.Context) ([]models.VoIPExtension, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+extensionColumns+` FROM voip_extensions ORDER BY extension`)
	if err != nil {
		return nil, fmt.Errorf("listing extensions: %w", err)
	}
	defer rows.Close()

	var exts []models.VoIPExtension
	for rows.Next() {
		var e models.VoIPExtension
		if err := rows.Scan(&e.ID, &e.UserID, &e.Extension, &e.Secret, &e.DisplayName,
			&e.Context, &e.Transport, &e.Codecs, &e.Enabled, &e.WebRTC,
			&e.SyncedToPBX, &e.PBXSyncError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning extension row: %w", err)
		}
		exts = append(exts, e)
	}
	return exts, rows.Err()
}

// UpdateSecret replaces the SIP secret for an extension.
func (r *extensionRepo) UpdateSecret(ctx context.Context, extension, secret string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE voip_extensions SET secret = ?, updated_at = datetime('now') WHERE extension = ?`,
		secret, extension)
	if err != nil {
		return fmt.Errorf("updating extension secret: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("extension %s: %w", extension, ErrNotFound)
	}
	return nil
}

// SetSyncState records whether the extension is live on the PBX and the
// last provisioning error, if any.
func (r *extensionRepo) SetSyncState(ctx context.Context, extension string, synced bool, syncErr string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE voip_extensions SET synced_to_pbx = ?, pbx_sync_error = ?, updated_at = datetime('now')
		 WHERE extension = ?`,
		synced, syncErr, extension)
	if err != nil {
		return fmt.Errorf("updating extension sync state: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("extension %s: %w", extension, ErrNotFound)
	}
	return nil
}

// Delete removes an extension by number.
func (r *extensionRepo) Delete(ctx context.Context, extension string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM voip_extensions WHERE extension = ?`, extension)
	if err != nil {
		return fmt.Errorf("deleting extension: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("extension %s: %w", extension, ErrNotFound)
	}
	return nil
}

// Allocate picks the next free number and inserts the row in the same
// transaction, so two concurrent allocations cannot hand out the same
// value. Gaps are not reused; non-numeric extensions are ignored.
func (r *extensionRepo) Allocate(ctx context.Context, ext *models.VoIPExtension, startFrom int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning allocation: %w", err)
	}
	defer tx.Rollback()

	highest, err := highestExtension(ctx, tx, startFrom)
	if err != nil {
		return err
	}
	ext.Extension = strconv.Itoa(highest + 1)

	result, err := tx.ExecContext(ctx,
		`INSERT INTO voip_extensions (user_id, extension, secret, display_name, context,
		   transport, codecs, enabled, webrtc, synced_to_pbx, pbx_sync_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ext.UserID, ext.Extension, ext.Secret, ext.DisplayName, ext.Context,
		ext.Transport, ext.Codecs, ext.Enabled, ext.WebRTC, ext.SyncedToPBX, ext.PBXSyncError,
	)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("inserting extension %s: %w", ext.Extension, ErrConflict)
		}
		return fmt.Errorf("inserting extension: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing allocation: %w", err)
	}
	ext.ID = id
	return nil
}

func highestExtension(ctx context.Context, tx *sql.Tx, startFrom int) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT extension FROM voip_extensions`)
	if err != nil {
		return 0, fmt.Errorf("reading extensions: %w", err)
	}
	defer rows.Close()

	highest := startFrom - 1
	for rows.Next() {
		var ext string
		if err := rows.Scan(&ext); err != nil {
			return 0, fmt.Errorf("scanning extension: %w", err)
		}
		if n, err := strconv.Atoi(ext); err == nil && n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reading extensions: %w", err)
	}
	return highest, nil
}

func (r *extensionRepo) scanOne(row *sql.Row) (*models.VoIPExtension, error) {
	var e models.VoIPExtension
	err := row.Scan(&e.ID, &e.UserID, &e.Extension, &e.Secret, &e.DisplayName,
		&e.Context, &e.Transport, &e.Codecs, &e.Enabled, &e.WebRTC,
		&e.SyncedToPBX, &e.PBXSyncError, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning extension: %w", err)
	}
	return &e, nil
}
