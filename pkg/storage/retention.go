package storage

import (
	"context"
	"time"

	gerrors "github.com/lucid-vigil/guardian/pkg/errors"
)

// Cleaner is the part of a store the retention job needs.
type Cleaner interface {
	CleanupOldRecords(ctx context.Context, olderThan time.Time) (int64, error)
}

// RetentionJob deletes records older than the retention window each time it
// runs. It satisfies scheduler.Job.
type RetentionJob struct {
	store     Cleaner
	retention time.Duration
	handler   *gerrors.ErrorHandler
	now       func() time.Time
}

func NewRetentionJob(store Cleaner, retention time.Duration, handler *gerrors.ErrorHandler) *RetentionJob {
	return &RetentionJob{store: store, retention: retention, handler: handler, now: time.Now}
}

func (j *RetentionJob) Name() string {
	return "storage_retention"
}

func (j *RetentionJob) Run(ctx context.Context) {
	if _, err := j.store.CleanupOldRecords(ctx, j.now().Add(-j.retention)); err != nil {
		j.handler.HandleError(ctx, gerrors.NewPersistenceError("storage", "cleanup_old_records", err))
	}
}
