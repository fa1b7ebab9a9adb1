// Package pending persists the offline write queue: one row per diary entry
// that has not yet been acknowledged by the remote store.
package pending

import (
	"context"
	"time"

	"github.com/dmitrijs2005/diarysync/internal/models"
)

// Failure describes a failed delivery attempt.
type Failure struct {
	Message    string
	Permanent  bool
	MaxRetries int
}

type Repository interface {
	Insert(ctx context.Context, e *models.PendingEntry) error
	GetByID(ctx context.Context, id string) (*models.PendingEntry, error)
	ListByUser(ctx context.Context, userID string) ([]*models.PendingEntry, error)
	ListByStatus(ctx context.Context, userID string, status models.SyncStatus) ([]*models.PendingEntry, error)
	// Count counts rows of userID, or of every user when userID is empty.
	Count(ctx context.Context, userID string) (int, error)
	// CompareAndSetStatus moves id from one status to another and reports
	// whether the row was in the expected status.
	CompareAndSetStatus(ctx context.Context, id string, from, to models.SyncStatus, at time.Time) (bool, error)
	// ResetStatus moves every row in status from that was last updated
	// before cutoff to status to.
	ResetStatus(ctx context.Context, from, to models.SyncStatus, cutoff, at time.Time) (int64, error)
	// RecordFailure books a failed attempt on a syncing row and returns the
	// updated row.
	RecordFailure(ctx context.Context, id string, f Failure, at time.Time) (*models.PendingEntry, error)
	DeleteByID(ctx context.Context, id string) error
	// DeleteUnlessStatus deletes id unless it is in status. ErrNotFound
	// covers both a missing row and a row in status.
	DeleteUnlessStatus(ctx context.Context, id string, status models.SyncStatus) error
}
