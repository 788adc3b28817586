package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/commgate/commgate/internal/database/models"
)

const callColumns = `id, direction, caller_number, called_number, caller_name, line_name,
	device_name, start_time, answer_time, end_time, duration, answered_by_id,
	answered_by_user, answered_by_ext, status, source, unique_id, seen, notes,
	recording_url, raw`

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

// Create inserts a call row. A duplicate unique_id is reported as
// ErrConflict so the ingest path can drop repeated CDRs for the same leg.
func (r *callRepo) Create(ctx context.Context, call *models.Call) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (`+callColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.Direction, call.CallerNumber, call.CalledNumber, call.CallerName,
		call.LineName, call.DeviceName, call.StartTime, call.AnswerTime, call.EndTime,
		call.Duration, call.AnsweredByID, call.AnsweredByUser, call.AnsweredByExt,
		call.Status, call.Source, nullIfEmpty(call.UniqueID), call.Seen, call.Notes,
		call.RecordingURL, call.Raw,
	)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("inserting call %s: %w", call.ID, ErrConflict)
		}
		return fmt.Errorf("inserting call: %w", err)
	}
	return nil
}

// GetByID returns a call by ID.
func (r *callRepo) GetByID(ctx context.Context, id string) (*models.Call, error) {
	return scanCall(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
}

// GetByUniqueID returns the call carrying the given backend unique id.
func (r *callRepo) GetByUniqueID(ctx context.Context, uniqueID string) (*models.Call, error) {
	return scanCall(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE unique_id = ?`, uniqueID))
}

// List returns a page of call history, newest first, plus the total
// number of rows matching the filter.
func (r *callRepo) List(ctx context.Context, filter CallListFilter) ([]models.Call, int, error) {
	var conds []string
	var args []any
	if filter.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		conds = append(conds, "(caller_number LIKE ? OR called_number LIKE ? OR caller_name LIKE ?)")
		like := "%" + filter.Search + "%"
		args = append(args, like, like, like)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls`+where+` ORDER BY start_time DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		c, err := scanCallRows(rows)
		if err != nil {
			return nil, 0, err
		}
		calls = append(calls, *c)
	}
	return calls, total, rows.Err()
}

// MarkSeen flags a call as seen in the history view.
func (r *callRepo) MarkSeen(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE calls SET seen = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking call seen: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountByDirection returns call counts keyed by direction.
func (r *callRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM calls GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by direction: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var direction string
		var n int64
		if err := rows.Scan(&direction, &n); err != nil {
			return nil, fmt.Errorf("scanning call count: %w", err)
		}
		counts[direction] = n
	}
	return counts, rows.Err()
}

// DeleteOlderThan removes calls that started before the cutoff.
func (r *callRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM calls WHERE start_time < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("deleting old calls: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row *sql.Row) (*models.Call, error) {
	c, err := scanCallFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func scanCallRows(rows *sql.Rows) (*models.Call, error) {
	return scanCallFrom(rows)
}

func scanCallFrom(s rowScanner) (*models.Call, error) {
	var c models.Call
	var uniqueID sql.NullString
	err := s.Scan(&c.ID, &c.Direction, &c.CallerNumber, &c.CalledNumber, &c.CallerName,
		&c.LineName, &c.DeviceName, &c.StartTime, &c.AnswerTime, &c.EndTime,
		&c.Duration, &c.AnsweredByID, &c.AnsweredByUser, &c.AnsweredByExt,
		&c.Status, &c.Source, &uniqueID, &c.Seen, &c.Notes, &c.RecordingURL, &c.Raw)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	c.UniqueID = uniqueID.String
	return &c, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
