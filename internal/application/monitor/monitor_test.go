package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncdplatform/syncd/internal/adapters/cache"
	"github.com/syncdplatform/syncd/internal/adapters/persistence"
	"github.com/syncdplatform/syncd/internal/adapters/queue"
	"github.com/syncdplatform/syncd/internal/application/dispatch"
	"github.com/syncdplatform/syncd/internal/application/monitor"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/test/helpers"
)

// A task pending for longer than MissedTaskAge is detected, marked
// in_progress, and enqueued onto the high-priority queue.
func TestCheckMissedTasks_RedispatchesOldPendingTask(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	task := &syncdomain.HighPriorityTask{OrgID: "org-1", IntegrationID: "integ-1"}
	require.NoError(t, store.CreateHPT(ctx, task))
	// Backdate creation past the detection window.
	task.CreatedAt = time.Now().UTC().Add(-2 * monitor.MissedTaskAge)
	require.NoError(t, store.SaveHPT(ctx, task))

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	m := monitor.New(store, sss, hpQueue, 3)

	require.NoError(t, m.CheckMissedTasks(ctx))

	require.Equal(t, 1, hpQueue.Len())
	item := hpQueue.Dequeue()
	require.Equal(t, task.ID, item.Payload.(dispatch.HighPriorityPayload).Task.ID)

	saved, err := store.GetHPT(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, saved.InProgress)

	markerValue, held, err := sss.Get(ctx, dispatch.HighPriorityMarkerKey)
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, task.ID, markerValue)
}

// A task younger than MissedTaskAge is left untouched.
func TestCheckMissedTasks_IgnoresRecentTask(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	task := &syncdomain.HighPriorityTask{OrgID: "org-1", IntegrationID: "integ-1"}
	require.NoError(t, store.CreateHPT(ctx, task))

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	m := monitor.New(store, sss, hpQueue, 3)

	require.NoError(t, m.CheckMissedTasks(ctx))
	require.Equal(t, 0, hpQueue.Len())
}

// Running the missed-task check twice in a row without any new arrivals
// redispatches the same task only once; the second pass is a no-op because
// the marker is already held.
func TestCheckMissedTasks_IdempotentAcrossRuns(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	task := &syncdomain.HighPriorityTask{OrgID: "org-1", IntegrationID: "integ-1"}
	require.NoError(t, store.CreateHPT(ctx, task))
	task.CreatedAt = time.Now().UTC().Add(-2 * monitor.MissedTaskAge)
	require.NoError(t, store.SaveHPT(ctx, task))

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	m := monitor.New(store, sss, hpQueue, 3)

	require.NoError(t, m.CheckMissedTasks(ctx))
	require.Equal(t, 1, hpQueue.Len())
	hpQueue.Dequeue()

	require.NoError(t, m.CheckMissedTasks(ctx))
	require.Equal(t, 0, hpQueue.Len(), "second pass must not re-enqueue a task already in_progress under the marker")
}

// A counter stuck at or above the ceiling with no org_sync lock held
// anywhere is repaired to zero.
func TestCheckStuckSemaphores_ResetsCounterAtCeiling(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	m := monitor.New(store, sss, hpQueue, 3)

	require.NoError(t, sss.Set(ctx, dispatch.InFlightCounterKey, "5", time.Hour))

	require.NoError(t, m.CheckStuckSemaphores(ctx))

	raw, _, err := sss.Get(ctx, dispatch.InFlightCounterKey)
	require.NoError(t, err)
	require.Equal(t, "0", raw)
}

// A counter at the ceiling is left alone when an organization's
// org_sync lock is still held, since that means capacity is genuinely in
// use, not abandoned.
func TestCheckStuckSemaphores_LeavesCounterAloneWhileOrgSyncLockHeld(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	require.NoError(t, db.Create(&persistence.IntegrationModel{
		ID: "integ-1", OrgID: "org-1", Provider: "xero", Active: true, Settings: `{}`,
	}).Error)

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	m := monitor.New(store, sss, hpQueue, 3)

	require.NoError(t, sss.Set(ctx, dispatch.InFlightCounterKey, "5", time.Hour))
	_, err := sss.Add(ctx, dispatch.OrgSyncLockKey("org-1"), "worker-1", 10*time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.CheckStuckSemaphores(ctx))

	raw, _, err := sss.Get(ctx, dispatch.InFlightCounterKey)
	require.NoError(t, err)
	require.Equal(t, "5", raw, "a held org_sync lock means the ceiling reflects real work, not abandoned state")
}

// A counter below the ceiling is left alone.
func TestCheckStuckSemaphores_LeavesHealthyCounterAlone(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	m := monitor.New(store, sss, hpQueue, 3)

	require.NoError(t, sss.Set(ctx, dispatch.InFlightCounterKey, "2", time.Hour))

	require.NoError(t, m.CheckStuckSemaphores(ctx))

	raw, _, err := sss.Get(ctx, dispatch.InFlightCounterKey)
	require.NoError(t, err)
	require.Equal(t, "2", raw)
}

// CheckInProgressNotDispatched re-enqueues a task stuck in_progress with no
// active dispatch marker (its worker crashed before finishing), but leaves
// alone a task whose marker shows it genuinely is the one executing.
func TestCheckInProgressNotDispatched_RedispatchesAbandonedTask(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	stuck := &syncdomain.HighPriorityTask{OrgID: "org-1", IntegrationID: "integ-1"}
	require.NoError(t, store.CreateHPT(ctx, stuck))
	oldSince := time.Now().UTC().Add(-2 * monitor.InProgressNotDispatchedAge)
	stuck.MarkInProgress(oldSince)
	require.NoError(t, store.SaveHPT(ctx, stuck))

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	m := monitor.New(store, sss, hpQueue, 3)

	require.NoError(t, m.CheckInProgressNotDispatched(ctx))

	require.Equal(t, 1, hpQueue.Len())
	item := hpQueue.Dequeue()
	require.Equal(t, stuck.ID, item.Payload.(dispatch.HighPriorityPayload).Task.ID)
}

func TestCheckInProgressNotDispatched_LeavesActivelyDispatchedTaskAlone(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	running := &syncdomain.HighPriorityTask{OrgID: "org-1", IntegrationID: "integ-1"}
	require.NoError(t, store.CreateHPT(ctx, running))
	oldSince := time.Now().UTC().Add(-2 * monitor.InProgressNotDispatchedAge)
	running.MarkInProgress(oldSince)
	require.NoError(t, store.SaveHPT(ctx, running))

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	m := monitor.New(store, sss, hpQueue, 3)
	require.NoError(t, sss.Set(ctx, dispatch.HighPriorityMarkerKey, running.ID, 3*24*time.Hour))

	require.NoError(t, m.CheckInProgressNotDispatched(ctx))
	require.Equal(t, 0, hpQueue.Len(), "a task the marker confirms is genuinely running must not be redispatched")
}

// CheckComprehensive clears a marker referencing a task that is already
// done.
func TestCheckComprehensive_ClearsStaleMarkerForDoneTask(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	done := &syncdomain.HighPriorityTask{OrgID: "org-1", IntegrationID: "integ-1"}
	require.NoError(t, store.CreateHPT(ctx, done))
	done.MarkDone(time.Now().UTC())
	require.NoError(t, store.SaveHPT(ctx, done))

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	m := monitor.New(store, sss, hpQueue, 3)
	require.NoError(t, sss.Set(ctx, dispatch.HighPriorityMarkerKey, done.ID, 3*24*time.Hour))

	require.NoError(t, m.CheckComprehensive(ctx))

	_, held, err := sss.Get(ctx, dispatch.HighPriorityMarkerKey)
	require.NoError(t, err)
	require.False(t, held)
}

// A marker referencing a task that no longer exists at all is likewise
// cleared rather than left to block every future dispatch.
func TestCheckComprehensive_ClearsStaleMarkerForMissingTask(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	m := monitor.New(store, sss, hpQueue, 3)
	require.NoError(t, sss.Set(ctx, dispatch.HighPriorityMarkerKey, "ghost-task-id", 3*24*time.Hour))

	require.NoError(t, m.CheckComprehensive(ctx))

	_, held, err := sss.Get(ctx, dispatch.HighPriorityMarkerKey)
	require.NoError(t, err)
	require.False(t, held)
}

// A marker referencing a task that is genuinely still running is left in
// place.
func TestCheckComprehensive_KeepsMarkerForRunningTask(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	running := &syncdomain.HighPriorityTask{OrgID: "org-1", IntegrationID: "integ-1"}
	require.NoError(t, store.CreateHPT(ctx, running))
	running.MarkInProgress(time.Now().UTC())
	require.NoError(t, store.SaveHPT(ctx, running))

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	m := monitor.New(store, sss, hpQueue, 3)
	require.NoError(t, sss.Set(ctx, dispatch.HighPriorityMarkerKey, running.ID, 3*24*time.Hour))

	require.NoError(t, m.CheckComprehensive(ctx))

	_, held, err := sss.Get(ctx, dispatch.HighPriorityMarkerKey)
	require.NoError(t, err)
	require.True(t, held, "the marker is still valid while its task has not completed")
}
