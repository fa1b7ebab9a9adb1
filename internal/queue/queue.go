// Package queue is the offline write queue: diary entries are stored locally
// first and stay visible until the remote store acknowledges them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/diarysync/internal/common"
	"github.com/dmitrijs2005/diarysync/internal/logging"
	"github.com/dmitrijs2005/diarysync/internal/models"
	"github.com/dmitrijs2005/diarysync/internal/repositories/pending"
)

type Queue struct {
	repo       pending.Repository
	maxRetries int
	logger     logging.Logger
	now        func() time.Time
	newID      func() (uuid.UUID, error)
}

func NewQueue(repo pending.Repository, maxRetries int, logger logging.Logger) *Queue {
	if maxRetries < 1 {
		maxRetries = common.DefaultMaxRetries
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Queue{
		repo:       repo,
		maxRetries: maxRetries,
		logger:     logger.With("component", "queue"),
		now:        time.Now,
		newID:      uuid.NewV7,
	}
}

func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// storageErr maps repository errors onto the queue's error contract:
// ErrNotFound passes through, anything else is ErrStorageUnavailable.
func storageErr(op string, err error) error {
	if errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, common.ErrStorageUnavailable, err)
}

// Enqueue validates payload and stores it as a pending entry. The entry is
// durable when Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, userID string, payload models.Payload) (*models.PendingEntry, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", common.ErrValidation)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	id, err := q.newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate entry id: %w", err)
	}
	now := q.now().UTC()
	e := &models.PendingEntry{
		ID:        id.String(),
		UserID:    userID,
		Payload:   payload,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.repo.Insert(ctx, e); err != nil {
		return nil, storageErr("enqueue", err)
	}
	q.logger.Debug(ctx, "entry queued", "id", e.ID, "user", userID)
	return e, nil
}

// List returns every queued entry of userID, oldest first.
func (q *Queue) List(ctx context.Context, userID string) ([]*models.PendingEntry, error) {
	entries, err := q.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, storageErr("list", err)
	}
	return entries, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*models.PendingEntry, error) {
	e, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return nil, storageErr("get", err)
	}
	return e, nil
}

// Pending returns entries of userID eligible for delivery.
func (q *Queue) Pending(ctx context.Context, userID string) ([]*models.PendingEntry, error) {
	entries, err := q.repo.ListByStatus(ctx, userID, models.StatusPending)
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	return entries, nil
}

// MarkSyncing claims id for one delivery attempt. It reports false when the
// entry is not pending, including when another attempt already holds it.
func (q *Queue) MarkSyncing(ctx context.Context, id string) (bool, error) {
	ok, err := q.repo.CompareAndSetStatus(ctx, id, models.StatusPending, models.StatusSyncing, q.now().UTC())
	if err != nil {
		return false, storageErr("mark syncing", err)
	}
	return ok, nil
}

// MarkSynced removes an acknowledged entry.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	if err := q.repo.DeleteByID(ctx, id); err != nil {
		return storageErr("mark synced", err)
	}
	return nil
}

// MarkFailed books a failed attempt. Permanent failures pin the entry as
// failed without spending a retry; others count against the retry budget.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, permanent bool) (*models.PendingEntry, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	e, err := q.repo.RecordFailure(ctx, id, pending.Failure{
		Message:    msg,
		Permanent:  permanent,
		MaxRetries: q.maxRetries,
	}, q.now().UTC())
	if err != nil {
		return nil, storageErr("mark failed", err)
	}
	return e, nil
}

// Release returns a claimed entry to pending without counting an attempt.
func (q *Queue) Release(ctx context.Context, id string) error {
	if _, err := q.repo.CompareAndSetStatus(ctx, id, models.StatusSyncing, models.StatusPending, q.now().UTC()); err != nil {
		return storageErr("release", err)
	}
	return nil
}

// Retry puts a failed entry back in line. The retry count is kept. Retrying
// a pending or syncing entry changes nothing.
func (q *Queue) Retry(ctx context.Context, id string) error {
	e, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != models.StatusFailed {
		return nil
	}
	if _, err := q.repo.CompareAndSetStatus(ctx, id, models.StatusFailed, models.StatusPending, q.now().UTC()); err != nil {
		return storageErr("retry", err)
	}
	q.logger.Info(ctx, "entry requeued", "id", id, "retry_count", e.RetryCount)
	return nil
}

// Remove deletes a pending or failed entry permanently. An entry with a
// delivery in flight is refused with ErrEntryBusy.
func (q *Queue) Remove(ctx context.Context, id string) error {
	err := q.repo.DeleteUnlessStatus(ctx, id, models.StatusSyncing)
	if errors.Is(err, common.ErrNotFound) {
		if e, gerr := q.repo.GetByID(ctx, id); gerr == nil && e.Status == models.StatusSyncing {
			return fmt.Errorf("remove %s: %w", id, common.ErrEntryBusy)
		}
	}
	if err != nil {
		return storageErr("remove", err)
	}
	q.logger.Info(ctx, "entry removed", "id", id)
	return nil
}

// PendingCount counts undelivered entries of userID, or of all users when
// userID is empty.
func (q *Queue) PendingCount(ctx context.Context, userID string) (int, error) {
	n, err := q.repo.Count(ctx, userID)
	if err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

// RecoverInterrupted returns entries claimed longer than lease ago to
// pending. A claim younger than lease may belong to a delivery still in
// flight, possibly in another process sharing the database.
func (q *Queue) RecoverInterrupted(ctx context.Context, lease time.Duration) (int64, error) {
	now := q.now().UTC()
	n, err := q.repo.ResetStatus(ctx, models.StatusSyncing, models.StatusPending, now.Add(-lease), now)
	if err != nil {
		return 0, storageErr("recover", err)
	}
	if n > 0 {
		q.logger.Warn(ctx, "recovered interrupted deliveries", "entries", n)
	}
	return n, nil
}
