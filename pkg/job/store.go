package job

import (
	"context"
	"time"
)

// Store persists job records. Implementations must make [Store.UpdateStage]
// a per-stage merge: concurrent updates of different stages of the same job
// must never overwrite each other.
//
// All methods must be safe for concurrent use.
type Store interface {
	// Create inserts j. Returns [ErrAlreadyExists] when the id is taken.
	Create(ctx context.Context, j Job) error

	// Get returns the job with the given id or [ErrNotFound].
	Get(ctx context.Context, id string) (Job, error)

	// UpdateStage replaces the status of one stage, refreshes UpdatedAt and
	// re-derives the overall status. It returns the updated record.
	UpdateStage(ctx context.Context, id string, stage Stage, st StageStatus) (Job, error)

	// TransitionStage sets stage to st only if its current status equals
	// from. It reports whether the transition happened.
	TransitionStage(ctx context.Context, id string, stage Stage, from Status, st StageStatus) (bool, error)

	// Stalled returns jobs whose stage is pending or processing, whose
	// upstream stage (if any) is completed, and which have not been updated
	// since olderThan.
	Stalled(ctx context.Context, stage Stage, olderThan time.Time) ([]Job, error)
}

// LogStore persists stage log entries keyed by (job id, service).
type LogStore interface {
	// UpsertLog inserts or replaces the entry for (e.JobID, e.Service),
	// keeping the original Metadata.CreatedAt.
	UpsertLog(ctx context.Context, e LogEntry) error

	// GetLog returns the entry for (jobID, service) or [ErrNotFound].
	GetLog(ctx context.Context, jobID string, service Stage) (LogEntry, error)

	// ListLogs returns every entry for service whose status is one of
	// statuses. With no statuses, all entries for service are returned.
	ListLogs(ctx context.Context, service Stage, statuses ...Status) ([]LogEntry, error)
}

// Stamp prepares st for writing at now.
func Stamp(st StageStatus, now time.Time) StageStatus {
	st.UpdatedAt = now
	return st
}

// IsStalled reports whether j matches the [Store.Stalled] predicate for stage.
// In-memory backends share it so the rule lives in one place.
func IsStalled(j Job, stage Stage, olderThan time.Time) bool {
	st := j.Stage(stage).Status
	if st != StatusPending && st != StatusProcessing {
		return false
	}
	if up, ok := stage.Upstream(); ok && j.Stage(up).Status != StatusCompleted {
		return false
	}
	return j.UpdatedAt.Before(olderThan)
}
