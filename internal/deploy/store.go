package deploy

import (
	"context"
	"time"
)

// Store is the versioned deployment store.
//
// Implementations must make version assignment atomic per lineage (no two
// appends may observe the same max version) and must return consistent
// snapshots from list operations. All status changes go through
// UpdateStatus so the state machine is enforced in one place.
type Store interface {
	// Create inserts a new record. If the lineage already has versions the
	// record is appended as the next version with the prior latest as its
	// parent; otherwise it becomes version 1.
	Create(ctx context.Context, spec Spec) (Deployment, error)

	// Append inserts the next version for an existing lineage.
	// Returns ErrNotFound if the lineage has no versions yet.
	Append(ctx context.Context, key LineageKey, spec Spec) (Deployment, error)

	Get(ctx context.Context, id string) (Deployment, error)

	// List returns all records, newest first.
	List(ctx context.Context) ([]Deployment, error)

	// ListLineage returns all versions of a lineage, newest first.
	ListLineage(ctx context.Context, key LineageKey) ([]Deployment, error)

	// ListBatch returns the sibling deployments sharing a batch key in
	// creation order (the order the batch must execute in).
	ListBatch(ctx context.Context, batchKey string) ([]Deployment, error)

	// ListScheduledDue returns pending one-time scheduled deployments whose
	// scheduledFor is at or before now.
	ListScheduledDue(ctx context.Context, now time.Time) ([]Deployment, error)

	// ListRecurringDue returns active recurring definitions whose nextRunAt
	// is at or before now.
	ListRecurringDue(ctx context.Context, now time.Time) ([]Deployment, error)

	// UpdateStatus applies a state machine transition, stamping startedAt /
	// completedAt as appropriate and appending note to the logs when
	// non-empty. Returns ErrInvalidTransition for illegal moves.
	UpdateStatus(ctx context.Context, id string, to Status, note string) (Deployment, error)

	// AppendLogs appends a chunk of console output to the record.
	AppendLogs(ctx context.Context, id string, chunk string) error

	// SetRecurrence updates nextRunAt/lastRunAt on a recurring definition.
	SetRecurrence(ctx context.Context, id string, nextRunAt, lastRunAt *time.Time) error

	// SetRecurringActive pauses or resumes a recurring definition.
	SetRecurringActive(ctx context.Context, id string, active bool) error

	// Delete removes a record. Returns ErrDeleteRunning for running records.
	Delete(ctx context.Context, id string) error

	// MarkInterrupted reconciles records left in running state by a previous
	// process to failed, with a synthetic log entry. Returns the number of
	// records reconciled. Called once at startup before any execution.
	MarkInterrupted(ctx context.Context) (int, error)

	Close() error
}
