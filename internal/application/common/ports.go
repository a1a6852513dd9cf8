// Package common holds the ports the dispatch, worker and monitor layers
// depend on, following the hexagonal split the rest of this module uses:
// application code talks only to these interfaces, adapters provide the
// concrete Redis/gorm/HTTP implementations.
package common

import (
	"context"
	"time"

	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
)

// SharedStateStore is the distributed primitive backing locks, counters,
// markers and offsets that coordinate dispatch across daemon processes.
// Every operation is expected to honor a short caller-supplied timeout and
// to fail closed (returning an error, never silently succeeding) when the
// backing store is unreachable.
type SharedStateStore interface {
	// Add sets key to value only if it is currently absent, with a TTL.
	// Returns true if this call won the race and set the value.
	Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the current value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set unconditionally sets key to value with a TTL (ttl<=0 means no
	// expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer stored at key (treating an
	// absent key as 0) and returns the new value.
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	// Touch refreshes key's TTL without altering its value. Touching an
	// absent key is not an error.
	Touch(ctx context.Context, key string, ttl time.Duration) error
}

// TaskStore is the durable store for HighPriorityTask lifecycle and the
// append-only sync log.
type TaskStore interface {
	// ClaimNextPendingHPT atomically claims and returns the oldest eligible
	// high-priority task, or nil if none are eligible.
	ClaimNextPendingHPT(ctx context.Context) (*syncdomain.HighPriorityTask, error)

	// GetHPT fetches a task by ID regardless of its state.
	GetHPT(ctx context.Context, id string) (*syncdomain.HighPriorityTask, error)

	// CreateHPT inserts a new pending high-priority task.
	CreateHPT(ctx context.Context, task *syncdomain.HighPriorityTask) error

	// SaveHPT persists mutations made to an already-created task.
	SaveHPT(ctx context.Context, task *syncdomain.HighPriorityTask) error

	// QueryMissedHPTs returns pending, not-in-progress tasks older than
	// olderThan (the missed-task monitor's detection window).
	QueryMissedHPTs(ctx context.Context, olderThan time.Time) ([]*syncdomain.HighPriorityTask, error)

	// QueryStuckInProgressHPTs returns tasks that have been in_progress
	// since before the given cutoff, a sign their worker died mid-run.
	QueryStuckInProgressHPTs(ctx context.Context, since time.Time) ([]*syncdomain.HighPriorityTask, error)

	// DistinctOrgIDs returns every organization ID with at least one active
	// integration, ordered for stable round-robin iteration.
	DistinctOrgIDs(ctx context.Context) ([]string, error)

	// IntegrationsForOrg returns the active integrations configured for an
	// organization.
	IntegrationsForOrg(ctx context.Context, orgID string) ([]*syncdomain.Integration, error)

	// AppendLogEvent appends one row to the sync log.
	AppendLogEvent(ctx context.Context, event *syncdomain.SyncLogEvent) error
}

// ImportCursorStore persists per-module keyset cursors so an importer can
// resume where it left off after a restart.
type ImportCursorStore interface {
	GetCursor(ctx context.Context, integrationID, module string) (string, bool, error)
	SetCursor(ctx context.Context, integrationID, module, cursor string) error
}
