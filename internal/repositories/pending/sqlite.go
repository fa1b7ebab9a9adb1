package pending

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/diarysync/internal/common"
	"github.com/dmitrijs2005/diarysync/internal/dbx"
	"github.com/dmitrijs2005/diarysync/internal/models"
)

const entryColumns = `id, user_id, payload, sync_status, retry_count, last_error, created_at, updated_at`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*models.PendingEntry, error) {
	var (
		e                models.PendingEntry
		payload          []byte
		status           string
		created, updated int64
	)
	if err := s.Scan(&e.ID, &e.UserID, &payload, &status, &e.RetryCount, &e.LastError, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of entry %s: %w", e.ID, err)
	}
	e.Status = models.SyncStatus(status)
	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	return &e, nil
}

func (r *SQLiteRepository) Insert(ctx context.Context, e *models.PendingEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `INSERT INTO pending_entries (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.UserID, payload, string(e.Status), e.RetryCount, e.LastError,
		e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.PendingEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM pending_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %s: %w", id, err)
	}
	return e, nil
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*models.PendingEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select entries: %w", err)
	}
	defer rows.Close()

	result := []*models.PendingEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		result = append(result, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) ListByUser(ctx context.Context, userID string) ([]*models.PendingEntry, error) {
	return r.list(ctx, `SELECT `+entryColumns+` FROM pending_entries
		WHERE user_id = ? ORDER BY created_at, id`, userID)
}

func (r *SQLiteRepository) ListByStatus(ctx context.Context, userID string, status models.SyncStatus) ([]*models.PendingEntry, error) {
	return r.list(ctx, `SELECT `+entryColumns+` FROM pending_entries
		WHERE user_id = ? AND sync_status = ? ORDER BY created_at, id`, userID, string(status))
}

func (r *SQLiteRepository) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_entries WHERE ? = '' OR user_id = ?`, userID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) CompareAndSetStatus(ctx context.Context, id string, from, to models.SyncStatus, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pending_entries SET sync_status = ?, updated_at = ? WHERE id = ? AND sync_status = ?`,
		string(to), at.UnixNano(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update status of entry %s: %w", id, err)
	}
	n, err := dbx.Affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SQLiteRepository) ResetStatus(ctx context.Context, from, to models.SyncStatus, cutoff, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pending_entries SET sync_status = ?, updated_at = ? WHERE sync_status = ? AND updated_at < ?`,
		string(to), at.UnixNano(), string(from), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to reset %s entries: %w", from, err)
	}
	return dbx.Affected(res)
}

// RecordFailure runs as a single statement so the retry budget check and
// the status change cannot interleave with another writer. The counter is
// capped at MaxRetries; permanent failures leave it untouched.
func (r *SQLiteRepository) RecordFailure(ctx context.Context, id string, f Failure, at time.Time) (*models.PendingEntry, error) {
	query := `
		UPDATE pending_entries SET
			retry_count = CASE WHEN ? THEN retry_count ELSE MIN(retry_count + 1, ?) END,
			sync_status = CASE WHEN ? OR retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END,
			last_error  = ?,
			updated_at  = ?
		WHERE id = ? AND sync_status = 'syncing'
		RETURNING ` + entryColumns

	row := r.db.QueryRowContext(ctx, query,
		f.Permanent, f.MaxRetries, f.Permanent, f.MaxRetries, f.Message, at.UnixNano(), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record failure of entry %s: %w", id, err)
	}
	return e, nil
}

func (r *SQLiteRepository) DeleteByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", id, err)
	}
	n, err := dbx.Affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) DeleteUnlessStatus(ctx context.Context, id string, status models.SyncStatus) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM pending_entries WHERE id = ? AND sync_status <> ?`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", id, err)
	}
	n, err := dbx.Affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
