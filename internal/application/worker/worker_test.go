package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/syncdplatform/syncd/internal/adapters/cache"
	"github.com/syncdplatform/syncd/internal/adapters/persistence"
	"github.com/syncdplatform/syncd/internal/adapters/queue"
	"github.com/syncdplatform/syncd/internal/application/common"
	"github.com/syncdplatform/syncd/internal/application/dispatch"
	"github.com/syncdplatform/syncd/internal/application/worker"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/internal/importer/registry"
	"github.com/syncdplatform/syncd/test/helpers"
)

type harness struct {
	worker   *worker.Worker
	db       *gorm.DB
	store    *persistence.GormTaskStore
	sss      common.SharedStateStore
	orgQueue *queue.Queue
	hpQueue  *queue.Queue
}

func seedIntegration(t *testing.T, db *gorm.DB, orgID, integID string) {
	t.Helper()
	require.NoError(t, db.Create(&persistence.IntegrationModel{
		ID:       integID,
		OrgID:    orgID,
		Provider: string(syncdomain.ProviderXero),
		Active:   true,
		Settings: `{"client_id":"x","client_secret":"y"}`,
	}).Error)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	sss := cache.NewMemStore(nil)
	orgQueue := queue.New(0)
	hpQueue := queue.New(0)
	standardDisp := dispatch.NewStandardDispatcher(store, sss, orgQueue, 3, 250*time.Millisecond, time.Hour)
	hpDisp := dispatch.NewHighPriorityDispatcher(store, sss, hpQueue, 3*24*time.Hour, 250*time.Millisecond)

	reg := registry.New()
	reg.Register(syncdomain.ProviderXero, registry.Module{Name: "accounts", Run: func(ctx context.Context, integration *syncdomain.Integration, since, until *time.Time) (int, error) {
		return 5, nil
	}})
	reg.Register(syncdomain.ProviderXero, registry.Module{Name: "vendors", Run: func(ctx context.Context, integration *syncdomain.Integration, since, until *time.Time) (int, error) {
		return 0, errors.New("boom")
	}})

	w := worker.New(store, sss, standardDisp, hpDisp, func(integration *syncdomain.Integration) (*registry.Registry, error) {
		return reg, nil
	}, orgQueue, 10*time.Millisecond)
	return &harness{worker: w, db: db, store: store, sss: sss, orgQueue: orgQueue, hpQueue: hpQueue}
}

// HandleOrgSync acquires the per-org lock for the life of the run and
// releases it on exit, and always decrements the in-flight counter even
// though it only enqueues downstream work (the counter is a dispatch
// permit, not an execution permit).
func TestWorker_HandleOrgSync_LockLifecycleAndCounterDecrement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sss.Set(ctx, dispatch.InFlightCounterKey, "1", time.Hour))

	item := &queue.Item{ID: "org_sync:org-1", Payload: dispatch.OrgSyncPayload{OrgID: "org-1"}}
	err := h.worker.HandleOrgSync(ctx, item)
	require.NoError(t, err)

	_, held, err := h.sss.Get(ctx, "org_sync_org-1")
	require.NoError(t, err)
	require.False(t, held, "lock must be released after the handler returns")

	raw, _, err := h.sss.Get(ctx, dispatch.InFlightCounterKey)
	require.NoError(t, err)
	require.Equal(t, "0", raw)

	require.Equal(t, 0, h.orgQueue.Len())
}

// When the org_sync lock is already held, the handler logs and returns
// without touching the lock again, but it must still decrement the
// dispatcher's counter since the dispatcher already incremented it.
func TestWorker_HandleOrgSync_SkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	won, err := h.sss.Add(ctx, "org_sync_org-1", "other-worker", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, h.sss.Set(ctx, dispatch.InFlightCounterKey, "1", time.Hour))

	item := &queue.Item{ID: "org_sync:org-1", Payload: dispatch.OrgSyncPayload{OrgID: "org-1"}}
	err = h.worker.HandleOrgSync(ctx, item)
	require.NoError(t, err)

	raw, _, err := h.sss.Get(ctx, dispatch.InFlightCounterKey)
	require.NoError(t, err)
	require.Equal(t, "0", raw)

	value, _, err := h.sss.Get(ctx, "org_sync_org-1")
	require.NoError(t, err)
	require.Equal(t, "other-worker", value, "a held lock must not be stolen or deleted by the skipped run")
}

// HandleOrgSync skips an integration missing required credentials and
// still reports overall success via the queue release path (it never
// blocks on a broken integration).
func TestWorker_HandleOrgSync_SkipsIntegrationMissingCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.db.Create(&persistence.IntegrationModel{
		ID: "integ-1", OrgID: "org-1", Provider: string(syncdomain.ProviderXero), Active: true, Settings: `{}`,
	}).Error)

	item := &queue.Item{ID: "org_sync:org-1", Payload: dispatch.OrgSyncPayload{OrgID: "org-1"}}
	err := h.worker.HandleOrgSync(ctx, item)
	require.NoError(t, err)
}

// HandleOrgSync enqueues a pipeline for each credentialed integration and
// returns immediately, without running any module inline: the dispatch
// permit (in-flight counter) is freed before the first module has even run.
func TestWorker_HandleOrgSync_EnqueuesPipelineInsteadOfRunningInline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedIntegration(t, h.db, "org-1", "integ-1")

	require.NoError(t, h.sss.Set(ctx, dispatch.InFlightCounterKey, "1", time.Hour))

	item := &queue.Item{ID: "org_sync:org-1", Payload: dispatch.OrgSyncPayload{OrgID: "org-1"}}
	require.NoError(t, h.worker.HandleOrgSync(ctx, item))

	raw, _, err := h.sss.Get(ctx, dispatch.InFlightCounterKey)
	require.NoError(t, err)
	require.Equal(t, "0", raw, "the counter must be freed on dispatch, not on pipeline completion")

	require.Equal(t, 1, h.orgQueue.Len(), "the integration's first pipeline step must be enqueued")
}

// A pipeline step that succeeds re-enqueues the remaining steps held back by
// NotBefore until InterModulePause elapses; a step that fails aborts the
// remainder instead of continuing to the next module.
func TestWorker_PipelineStep_AdvancesOnSuccessAbortsOnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedIntegration(t, h.db, "org-1", "integ-1")

	item := &queue.Item{ID: "org_sync:org-1", Payload: dispatch.OrgSyncPayload{OrgID: "org-1"}}
	require.NoError(t, h.worker.HandleOrgSync(ctx, item))
	require.Equal(t, 1, h.orgQueue.Len())

	// The "accounts" step runs first and succeeds; its successor ("vendors")
	// is re-enqueued but held back by NotBefore, so it is not yet dequeuable.
	step := h.orgQueue.Dequeue()
	require.NoError(t, h.worker.HandleOrgSync(ctx, step))
	require.Equal(t, 1, h.orgQueue.Len(), "the failing 'vendors' step is queued but not yet due")
	require.Nil(t, h.orgQueue.Dequeue(), "InterModulePause has not elapsed yet")

	time.Sleep(15 * time.Millisecond)
	vendorsStep := h.orgQueue.Dequeue()
	require.NotNil(t, vendorsStep)
	err := h.worker.HandleOrgSync(ctx, vendorsStep)
	require.Error(t, err, "the 'vendors' module fails in this harness's registry")
	require.Equal(t, 0, h.orgQueue.Len(), "a failing step aborts the remainder instead of advancing")
}

// HandleHighPriority runs every module when none are named, continues past
// a single module's failure, marks the task processed, and clears the
// active high-priority marker on completion.
func TestWorker_HandleHighPriority_RunsAllModulesAndFinishesTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seedIntegration(t, h.db, "org-1", "integ-1")

	task := &syncdomain.HighPriorityTask{OrgID: "org-1", IntegrationID: "integ-1"}
	require.NoError(t, h.store.CreateHPT(ctx, task))
	task.MarkInProgress(time.Now().UTC())
	require.NoError(t, h.store.SaveHPT(ctx, task))
	require.NoError(t, h.sss.Set(ctx, dispatch.HighPriorityMarkerKey, task.ID, 3*24*time.Hour))

	item := &queue.Item{ID: "high_priority:" + task.ID, Payload: dispatch.HighPriorityPayload{Task: task}}
	err := h.worker.HandleHighPriority(ctx, item)
	require.Error(t, err, "one failing module should surface as a task-level error")

	saved, err := h.store.GetHPT(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, saved.Processed)
	require.False(t, saved.InProgress)
	require.NotNil(t, saved.ProcessedAt)

	_, held, err := h.sss.Get(ctx, dispatch.HighPriorityMarkerKey)
	require.NoError(t, err)
	require.False(t, held, "marker must be cleared once the task finishes, success or failure")
}

// When the task's integration no longer exists, the handler still finishes
// the task (mark processed) instead of leaving it stuck in_progress
// forever.
func TestWorker_HandleHighPriority_MissingIntegrationStillFinishesTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := &syncdomain.HighPriorityTask{OrgID: "org-missing", IntegrationID: "integ-missing"}
	require.NoError(t, h.store.CreateHPT(ctx, task))
	require.NoError(t, h.sss.Set(ctx, dispatch.HighPriorityMarkerKey, task.ID, 3*24*time.Hour))

	item := &queue.Item{ID: "high_priority:" + task.ID, Payload: dispatch.HighPriorityPayload{Task: task}}
	err := h.worker.HandleHighPriority(ctx, item)
	require.Error(t, err)

	saved, err := h.store.GetHPT(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, saved.Processed)

	_, held, err := h.sss.Get(ctx, dispatch.HighPriorityMarkerKey)
	require.NoError(t, err)
	require.False(t, held)
}

// A high-priority task naming a specific module subset runs only those
// modules, in registry order, skipping the one unrequested module.
func TestWorker_HandleHighPriority_RunsOnlySelectedModules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seedIntegration(t, h.db, "org-1", "integ-1")

	task := &syncdomain.HighPriorityTask{OrgID: "org-1", IntegrationID: "integ-1", Modules: []string{"accounts"}}
	require.NoError(t, h.store.CreateHPT(ctx, task))
	require.NoError(t, h.sss.Set(ctx, dispatch.HighPriorityMarkerKey, task.ID, 3*24*time.Hour))

	item := &queue.Item{ID: "high_priority:" + task.ID, Payload: dispatch.HighPriorityPayload{Task: task}}
	err := h.worker.HandleHighPriority(ctx, item)
	require.NoError(t, err, "the only selected module succeeds")

	saved, err := h.store.GetHPT(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, saved.Processed)
}
