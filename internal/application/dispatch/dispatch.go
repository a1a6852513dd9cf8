// Package dispatch implements the two-tier scheduler: a standard dispatcher
// that round-robins every organization's sync on a fixed tick, and a
// high-priority dispatcher that claims at most one user-initiated task at a
// time across the whole deployment.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/syncdplatform/syncd/internal/adapters/queue"
	"github.com/syncdplatform/syncd/internal/application/common"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/internal/logging"
)

const (
	// inFlightCounterKey names the SSS counter tracking how many
	// org syncs the standard dispatcher currently has outstanding.
	inFlightCounterKey = "dispatch:standard:in_flight"
	// roundRobinOffsetKey stores the index into DistinctOrgIDs the standard
	// dispatcher resumes from on its next tick.
	roundRobinOffsetKey = "dispatch:standard:offset"
	// highPriorityMarkerKey is held for the duration of one high-priority
	// task's processing so a second dispatcher process never double-claims.
	highPriorityMarkerKey = "dispatch:high_priority:in_flight"
	// standardDispatcherLockKey is held for the duration of one standard
	// dispatcher tick so two dispatcher processes never both fill slots off
	// the same counter read.
	standardDispatcherLockKey = "dispatch:standard:lock"
	// highPriorityDispatcherLockKey is the high-priority tier's equivalent.
	highPriorityDispatcherLockKey = "dispatch:high_priority:lock"
	// dispatcherLockTTL bounds how long a tick may hold its lock.
	dispatcherLockTTL = 60 * time.Second
	// defaultCounterTTL is used when NewStandardDispatcher is given a zero
	// counterTTL.
	defaultCounterTTL = 3600 * time.Second
)

// InFlightCounterKey, RoundRobinOffsetKey and HighPriorityMarkerKey are
// exported so the monitor package can repair the same SSS state the
// dispatchers own without duplicating the key strings.
const (
	InFlightCounterKey    = inFlightCounterKey
	RoundRobinOffsetKey   = roundRobinOffsetKey
	HighPriorityMarkerKey = highPriorityMarkerKey
)

// OrgSyncLockKey names the per-organization lock worker.HandleOrgSync holds
// while dispatching one organization's pipelines. Exported so the
// stuck-semaphore monitor can check whether any organization's dispatch is
// still genuinely in flight before resetting the in-flight counter.
func OrgSyncLockKey(orgID string) string {
	return "org_sync_" + orgID
}

// StandardDispatcher round-robins organization syncs onto the org_sync
// queue, bounded by MaxConcurrentOrgSync in-flight at once. It is invoked on
// a ticker from the schedule package rather than running its own timer.
type StandardDispatcher struct {
	store       common.TaskStore
	sss         common.SharedStateStore
	orgQueue    *queue.Queue
	maxInFlight int
	sssTimeout  time.Duration
	counterTTL  time.Duration
}

// NewStandardDispatcher builds a StandardDispatcher. counterTTL (COUNTER_TTL)
// is refreshed onto the in-flight counter every tick, defaulting to 3600s
// when zero, so the counter falls back to 0 once a full TTL window passes
// with no tick to refresh it.
func NewStandardDispatcher(store common.TaskStore, sss common.SharedStateStore, orgQueue *queue.Queue, maxInFlight int, sssTimeout, counterTTL time.Duration) *StandardDispatcher {
	if counterTTL <= 0 {
		counterTTL = defaultCounterTTL
	}
	return &StandardDispatcher{store: store, sss: sss, orgQueue: orgQueue, maxInFlight: maxInFlight, sssTimeout: sssTimeout, counterTTL: counterTTL}
}

// Tick runs one dispatch round: under the exclusive dispatcher lock, it
// fills as many of its spare in-flight slots as it can with organizations
// from the round-robin list, re-reading the counter before every slot so a
// racing decrement elsewhere never causes it to overshoot MaxInFlight.
func (d *StandardDispatcher) Tick(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	ctx, cancel := context.WithTimeout(ctx, d.sssTimeout)
	defer cancel()

	acquired, err := d.sss.Add(ctx, standardDispatcherLockKey, "1", dispatcherLockTTL)
	if err != nil {
		return fmt.Errorf("acquire dispatcher lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := d.sss.Delete(ctx, standardDispatcherLockKey); err != nil {
			logger.Warn("release dispatcher lock failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	raw, _, err := d.sss.Get(ctx, inFlightCounterKey)
	if err != nil {
		return fmt.Errorf("read in-flight counter: %w", err)
	}
	inFlight := parseCounter(raw)
	if inFlight < 0 {
		inFlight = 0
	}
	if err := d.sss.Touch(ctx, inFlightCounterKey, d.counterTTL); err != nil {
		logger.Warn("touch in-flight counter failed", map[string]interface{}{"error": err.Error()})
	}

	slots := d.maxInFlight - inFlight
	if slots <= 0 {
		logger.Debug("standard dispatcher at capacity", map[string]interface{}{"in_flight": inFlight})
		return nil
	}

	orgIDs, err := d.store.DistinctOrgIDs(ctx)
	if err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}
	n := len(orgIDs)
	if n == 0 {
		return nil
	}

	offset := d.currentOffset(ctx, n)
	dispatched := 0
	for i := 0; i < slots; i++ {
		current, _, err := d.sss.Get(ctx, inFlightCounterKey)
		if err != nil {
			return fmt.Errorf("re-read in-flight counter: %w", err)
		}
		if parseCounter(current) >= d.maxInFlight {
			break
		}
		if _, err := d.sss.Incr(ctx, inFlightCounterKey, 1); err != nil {
			return fmt.Errorf("increment in-flight counter: %w", err)
		}

		orgID := orgIDs[(offset+i)%n]
		d.orgQueue.Enqueue(&queue.Item{
			ID:         "org_sync:" + orgID,
			Priority:   0,
			EnqueuedAt: time.Now(),
			Payload:    OrgSyncPayload{OrgID: orgID},
		})
		dispatched++
	}

	newOffset := (offset + dispatched) % n
	if err := d.sss.Set(ctx, roundRobinOffsetKey, fmt.Sprintf("%d", newOffset), 0); err != nil {
		logger.Warn("persist round robin offset failed", map[string]interface{}{"error": err.Error()})
	}
	if dispatched > 0 {
		logger.Info("dispatched organization syncs", map[string]interface{}{"count": dispatched, "offset": offset})
	}
	return nil
}

func (d *StandardDispatcher) currentOffset(ctx context.Context, total int) int {
	raw, _, _ := d.sss.Get(ctx, roundRobinOffsetKey)
	offset := parseCounter(raw) % total
	if offset < 0 {
		offset = 0
	}
	return offset
}

// Release decrements the in-flight counter once an organization's sync has
// finished, freeing capacity for the next Tick. The counter's TTL is
// refreshed on every release, and a negative result (more releases than
// dispatches, after a reset or TTL lapse mid-flight) is repaired to 0 so
// the next tick never reads spare capacity that doesn't exist.
func (d *StandardDispatcher) Release(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.sssTimeout)
	defer cancel()

	value, err := d.sss.Incr(ctx, inFlightCounterKey, -1)
	if err != nil {
		return err
	}
	if err := d.sss.Touch(ctx, inFlightCounterKey, d.counterTTL); err != nil {
		return err
	}
	if value < 0 {
		return d.sss.Set(ctx, inFlightCounterKey, "0", d.counterTTL)
	}
	return nil
}

// OrgSyncPayload is the work item the standard dispatcher hands to the
// org_sync queue. Since and Until are nil for an ordinary round-robin tick
// (meaning "run every module with no date bound"); the daily catch-up job
// sets both to scope the sync to the previous calendar day.
type OrgSyncPayload struct {
	OrgID string
	Since *time.Time
	Until *time.Time
}

// HighPriorityDispatcher claims and enqueues at most one HighPriorityTask at
// a time across the deployment: the SSS marker is the cross-process
// exclusion primitive, and ClaimNextPendingHPT's row lock is the
// same-process/same-instant race breaker underneath it.
type HighPriorityDispatcher struct {
	store      common.TaskStore
	sss        common.SharedStateStore
	hpQueue    *queue.Queue
	leaseTTL   time.Duration
	sssTimeout time.Duration
}

// NewHighPriorityDispatcher builds a HighPriorityDispatcher.
func NewHighPriorityDispatcher(store common.TaskStore, sss common.SharedStateStore, hpQueue *queue.Queue, leaseTTL, sssTimeout time.Duration) *HighPriorityDispatcher {
	return &HighPriorityDispatcher{store: store, sss: sss, hpQueue: hpQueue, leaseTTL: leaseTTL, sssTimeout: sssTimeout}
}

// Tick acquires the tick-scoped hp_dispatcher lock, checks the long-lived
// active_high_priority_task marker, and — if neither another tick nor
// another task is already running — claims and enqueues the oldest eligible
// high-priority task. If no task is eligible the marker is released
// immediately so it never blocks a future Tick for the lease's full
// duration over nothing.
func (d *HighPriorityDispatcher) Tick(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	lockCtx, cancel := context.WithTimeout(ctx, d.sssTimeout)
	defer cancel()

	tickWon, err := d.sss.Add(lockCtx, highPriorityDispatcherLockKey, "1", dispatcherLockTTL)
	if err != nil {
		return fmt.Errorf("acquire hp_dispatcher lock: %w", err)
	}
	if !tickWon {
		return nil
	}
	defer func() {
		if err := d.sss.Delete(lockCtx, highPriorityDispatcherLockKey); err != nil {
			logger.Warn("release hp_dispatcher lock failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	if _, exists, err := d.sss.Get(lockCtx, highPriorityMarkerKey); err != nil {
		return fmt.Errorf("read active high priority marker: %w", err)
	} else if exists {
		return nil
	}

	won, err := d.sss.Add(lockCtx, highPriorityMarkerKey, "1", d.leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire high priority marker: %w", err)
	}
	if !won {
		return nil
	}

	task, err := d.store.ClaimNextPendingHPT(ctx)
	if err != nil {
		_ = d.sss.Delete(lockCtx, highPriorityMarkerKey)
		return fmt.Errorf("claim next pending task: %w", err)
	}
	if task == nil {
		_ = d.sss.Delete(lockCtx, highPriorityMarkerKey)
		return nil
	}
	if err := d.sss.Set(lockCtx, highPriorityMarkerKey, task.ID, d.leaseTTL); err != nil {
		logger.Warn("stamp active high priority marker with task id failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	}

	d.hpQueue.Enqueue(&queue.Item{
		ID:         "high_priority:" + task.ID,
		Priority:   10,
		EnqueuedAt: time.Now(),
		Payload:    HighPriorityPayload{Task: task},
	})
	logger.Info("dispatched high priority task", map[string]interface{}{"task_id": task.ID, "org_id": task.OrgID})
	return nil
}

// Release clears the high-priority marker once the claimed task has
// finished processing, making the next Tick eligible to claim another task
// immediately rather than waiting out the lease.
func (d *HighPriorityDispatcher) Release(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.sssTimeout)
	defer cancel()
	return d.sss.Delete(ctx, highPriorityMarkerKey)
}

// HighPriorityPayload is the work item the high-priority dispatcher hands
// to the high_priority queue.
type HighPriorityPayload struct {
	Task *syncdomain.HighPriorityTask
}

func parseCounter(s string) int {
	if s == "" {
		return 0
	}
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0
	}
	return n
}
