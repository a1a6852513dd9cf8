// Package monitor implements the four fixed-interval self-healing checks
// that keep the two-tier scheduler honest: a crashed worker or a dispatcher
// bug can leave a task or a piece of shared state stuck, and these monitors
// detect and repair that state rather than relying on an operator to
// notice. All four run on their own ticker goroutines from the schedule
// package and are not enqueued on any worker queue, so a backlog on
// org_sync never delays them.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/syncdplatform/syncd/internal/adapters/queue"
	"github.com/syncdplatform/syncd/internal/application/common"
	"github.com/syncdplatform/syncd/internal/application/dispatch"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/internal/logging"
)

// MissedTaskAge is how old a pending, never-claimed high-priority task must
// be before the missed-task monitor redispatches it itself.
const MissedTaskAge = 1 * time.Minute

// InProgressNotDispatchedAge bounds how long a task may sit in_progress
// without an active dispatch marker before it is presumed abandoned and
// re-enqueued.
const InProgressNotDispatchedAge = 5 * time.Minute

// Monitors bundles every self-healing check's dependencies. Each check is
// idempotent: running it twice in a row with no new failures is a no-op.
type Monitors struct {
	store       common.TaskStore
	sss         common.SharedStateStore
	hpQueue     *queue.Queue
	maxInFlight int
}

// New builds a Monitors bundle. hpQueue is the queue redispatched tasks are
// re-enqueued onto, with the same high priority the dispatcher itself uses.
func New(store common.TaskStore, sss common.SharedStateStore, hpQueue *queue.Queue, maxInFlight int) *Monitors {
	return &Monitors{store: store, sss: sss, hpQueue: hpQueue, maxInFlight: maxInFlight}
}

// CheckMissedTasks re-surfaces pending tasks older than MissedTaskAge that
// the high-priority dispatcher never picked up, most often because the
// dispatcher process itself was down when the task was created. Each one
// found is marked in_progress and enqueued directly, the same transition
// the dispatcher's own Tick would have performed, provided the
// active_high_priority_task marker is free; otherwise it stays pending for
// the next sweep and no "dispatched" event is logged for it.
func (m *Monitors) CheckMissedTasks(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	cutoff := time.Now().UTC().Add(-MissedTaskAge)

	tasks, err := m.store.QueryMissedHPTs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("query missed tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}
	logger.Warn("missed high priority tasks detected", map[string]interface{}{"count": len(tasks)})

	for _, task := range tasks {
		if err := m.logDetection(ctx, task, "missed_task_detected"); err != nil {
			logger.Warn("log missed task detection failed", map[string]interface{}{"error": err.Error()})
		}
		if err := m.redispatch(ctx, task); err != nil {
			logger.Error("redispatch missed task failed", err, map[string]interface{}{"task_id": task.ID})
			continue
		}
		if !task.InProgress {
			// Another task holds the marker; this one was left pending.
			continue
		}
		if err := m.logDetection(ctx, task, "dispatched"); err != nil {
			logger.Warn("log missed task redispatch failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

// redispatch claims the active_high_priority_task marker for task and
// enqueues it, mirroring HighPriorityDispatcher.Tick's own claim-and-enqueue
// sequence so the monitor never runs two HPTs concurrently either. If
// another HPT is already marked active, the task is left pending for the
// next sweep rather than forced through.
func (m *Monitors) redispatch(ctx context.Context, task *syncdomain.HighPriorityTask) error {
	won, err := m.sss.Add(ctx, dispatch.HighPriorityMarkerKey, task.ID, 3*24*time.Hour)
	if err != nil {
		return fmt.Errorf("acquire active high priority marker: %w", err)
	}
	if !won {
		return nil
	}

	now := time.Now().UTC()
	task.MarkInProgress(now)
	if err := m.store.SaveHPT(ctx, task); err != nil {
		_ = m.sss.Delete(ctx, dispatch.HighPriorityMarkerKey)
		return fmt.Errorf("mark task in progress: %w", err)
	}

	m.hpQueue.Enqueue(&queue.Item{
		ID:         "high_priority:" + task.ID,
		Priority:   10,
		EnqueuedAt: now,
		Payload:    dispatch.HighPriorityPayload{Task: task},
	})
	return nil
}

// CheckStuckSemaphores repairs the in_flight_org_sync counter: if it has
// drifted to or past MaxInFlight AND no organization's
// org_sync lock is currently held, no Tick can ever dispatch again until
// something decrements it, and nothing is genuinely still in flight to
// eventually do so — so that state is reset to zero. A counter at or past
// the ceiling while at least one org_sync lock is held is not stuck, just a
// deployment legitimately running at capacity, and is left alone.
func (m *Monitors) CheckStuckSemaphores(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	raw, exists, err := m.sss.Get(ctx, dispatch.InFlightCounterKey)
	if err != nil {
		return fmt.Errorf("read in-flight counter: %w", err)
	}
	if !exists {
		return nil
	}

	value := parseCounter(raw)
	if value < m.maxInFlight {
		return nil
	}

	abandoned, err := m.noOrgSyncLocksHeld(ctx)
	if err != nil {
		return fmt.Errorf("check org sync locks: %w", err)
	}
	if !abandoned {
		logger.Debug("in-flight counter at ceiling but an org sync lock is still held", map[string]interface{}{"observed": value, "max": m.maxInFlight})
		return nil
	}

	if err := m.sss.Set(ctx, dispatch.InFlightCounterKey, "0", 0); err != nil {
		return fmt.Errorf("reset in-flight counter: %w", err)
	}
	logger.Warn("reset stuck in-flight counter", map[string]interface{}{"observed": value, "max": m.maxInFlight})
	return m.store.AppendLogEvent(ctx, &syncdomain.SyncLogEvent{
		Level: "warning", Event: "stuck_semaphore_reset",
		Message: fmt.Sprintf("in_flight_org_sync was %d (max %d)", value, m.maxInFlight),
	})
}

// noOrgSyncLocksHeld reports whether every known organization's org_sync
// lock is currently free.
func (m *Monitors) noOrgSyncLocksHeld(ctx context.Context) (bool, error) {
	orgIDs, err := m.store.DistinctOrgIDs(ctx)
	if err != nil {
		return false, fmt.Errorf("list organizations: %w", err)
	}
	for _, orgID := range orgIDs {
		_, held, err := m.sss.Get(ctx, dispatch.OrgSyncLockKey(orgID))
		if err != nil {
			return false, fmt.Errorf("read org sync lock for %s: %w", orgID, err)
		}
		if held {
			return false, nil
		}
	}
	return true, nil
}

// CheckInProgressNotDispatched looks for tasks marked in_progress for
// longer than InProgressNotDispatchedAge whose active_high_priority_task
// marker is absent: a process that claimed a task and crashed before
// finishing would otherwise sit in_progress forever, since only the worker
// that claimed it would have cleared in_progress on completion.
func (m *Monitors) CheckInProgressNotDispatched(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	cutoff := time.Now().UTC().Add(-InProgressNotDispatchedAge)

	tasks, err := m.store.QueryStuckInProgressHPTs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("query in-progress tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	markerValue, held, err := m.sss.Get(ctx, dispatch.HighPriorityMarkerKey)
	if err != nil {
		return fmt.Errorf("read dispatch marker: %w", err)
	}

	for _, task := range tasks {
		if held && markerValue == task.ID {
			continue
		}
		logger.Warn("in-progress task with no active dispatch marker", map[string]interface{}{"task_id": task.ID, "org_id": task.OrgID})
		if err := m.logDetection(ctx, task, "in_progress_not_dispatched"); err != nil {
			logger.Warn("log detection failed", map[string]interface{}{"error": err.Error()})
		}
		task.ResetInProgress(time.Now().UTC())
		if err := m.store.SaveHPT(ctx, task); err != nil {
			logger.Error("reset abandoned in-progress task failed", err, map[string]interface{}{"task_id": task.ID})
			continue
		}
		if err := m.redispatch(ctx, task); err != nil {
			logger.Error("redispatch abandoned task failed", err, map[string]interface{}{"task_id": task.ID})
			continue
		}
		if err := m.logDetection(ctx, task, "dispatched"); err != nil {
			logger.Warn("log redispatch failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

// CheckComprehensive runs the broad reconciliation sweep every
// MonitorConfig.Comprehensive interval (driven by the schedule table): it reconciles the
// active_high_priority_task marker against task-store truth, clearing it
// when it references a done or missing task, and re-runs the
// other three checks as a backstop in case their own ticks stalled.
func (m *Monitors) CheckComprehensive(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	if err := m.reconcileActiveMarker(ctx); err != nil {
		logger.Error("comprehensive sweep: reconcile active marker failed", err, nil)
	}
	if err := m.CheckMissedTasks(ctx); err != nil {
		logger.Error("comprehensive sweep: missed task check failed", err, nil)
	}
	if err := m.CheckStuckSemaphores(ctx); err != nil {
		logger.Error("comprehensive sweep: stuck semaphore check failed", err, nil)
	}
	if err := m.CheckInProgressNotDispatched(ctx); err != nil {
		logger.Error("comprehensive sweep: in-progress-not-dispatched check failed", err, nil)
	}

	orgIDs, err := m.store.DistinctOrgIDs(ctx)
	if err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}
	logger.Info("comprehensive monitor sweep complete", map[string]interface{}{"org_count": len(orgIDs)})
	return nil
}

func (m *Monitors) reconcileActiveMarker(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	taskID, held, err := m.sss.Get(ctx, dispatch.HighPriorityMarkerKey)
	if err != nil {
		return fmt.Errorf("read active high priority marker: %w", err)
	}
	if !held || taskID == "" {
		return nil
	}

	task, err := m.store.GetHPT(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load marker's task: %w", err)
	}
	if task != nil && !task.Processed {
		return nil
	}

	if err := m.sss.Delete(ctx, dispatch.HighPriorityMarkerKey); err != nil {
		return fmt.Errorf("clear stale active marker: %w", err)
	}
	logger.Warn("cleared stale active_high_priority_task marker", map[string]interface{}{"task_id": taskID})
	return nil
}

func (m *Monitors) logDetection(ctx context.Context, task *syncdomain.HighPriorityTask, event string) error {
	return m.store.AppendLogEvent(ctx, &syncdomain.SyncLogEvent{
		OrgID: task.OrgID, IntegrationID: task.IntegrationID, HighPriorityTaskID: task.ID,
		Level: "warning", Event: event,
	})
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
