package syncdomain

import "time"

// HighPriorityTask is a user-initiated (or monitor-initiated) request to
// import one or more modules for a single organization's integration,
// optionally bounded to a date range. Unlike the standard dispatcher's
// round-robin org sync, at most one HighPriorityTask is ever in flight at a
// time across the whole deployment.
type HighPriorityTask struct {
	ID              string
	OrgID           string
	IntegrationID   string
	Modules         []string // empty means "all modules for the provider, in order"
	SinceDate       *time.Time
	UntilDate       *time.Time
	InProgress      bool
	InProgressSince *time.Time
	Processed       bool
	ProcessedAt     *time.Time
	CreatedAt       time.Time
}

// IsEligible reports whether the task is still waiting to be claimed: not
// already processed and not currently claimed by another worker.
func (t *HighPriorityTask) IsEligible() bool {
	return !t.Processed && !t.InProgress
}

// MarkInProgress transitions the task into the running state. Callers hold
// the claim from a SELECT ... FOR UPDATE-style claim in the task store, so
// this mutation is safe to apply without additional locking.
func (t *HighPriorityTask) MarkInProgress(now time.Time) {
	t.InProgress = true
	t.InProgressSince = &now
}

// MarkDone transitions the task into its terminal state. It is always safe
// to call, even if the task never successfully ran any module's import:
// processed=true means "will not be retried automatically", not "succeeded".
func (t *HighPriorityTask) MarkDone(now time.Time) {
	t.Processed = true
	t.ProcessedAt = &now
	t.InProgress = false
}

// ResetInProgress refreshes the in-progress claim with a new timestamp,
// used by the stuck-task monitor when it re-dispatches a task whose worker
// disappeared without finishing it: the claim stays, only its age resets,
// so the next sweep doesn't re-detect the same task immediately.
func (t *HighPriorityTask) ResetInProgress(now time.Time) {
	t.InProgress = true
	t.InProgressSince = &now
}
