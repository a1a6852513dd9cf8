// Package worker implements the two task handlers invoked by the queue
// pools: syncing every provider integration for one organization, and
// running the specific modules requested by a high-priority task.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/syncdplatform/syncd/internal/adapters/queue"
	"github.com/syncdplatform/syncd/internal/application/common"
	"github.com/syncdplatform/syncd/internal/application/dispatch"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/internal/importer/registry"
	"github.com/syncdplatform/syncd/internal/logging"
	"github.com/syncdplatform/syncd/internal/worker/pipeline"
)

// defaultInterModulePause is used when New is given a zero pause.
const defaultInterModulePause = 20 * time.Second

// ImporterFor resolves the registry and any provider-specific construction
// an organization's integration needs before its modules can run.
type ImporterFor func(integration *syncdomain.Integration) (*registry.Registry, error)

// orgSyncLockTTL bounds how long an org_sync lock is held if a worker dies
// mid-run without releasing it: long enough to cover a full organization
// sync, short enough that a crashed worker doesn't wedge the org forever.
const orgSyncLockTTL = 10 * time.Minute

// Worker runs sync handlers for both dispatcher tiers, sharing the same
// module registry resolution. Only high-priority tasks run inside the
// uninterruptible section, so a SIGTERM doesn't tear down one of their
// modules mid-batch; org_sync pipeline steps run without it.
type Worker struct {
	store            common.TaskStore
	sss              common.SharedStateStore
	standardDisp     *dispatch.StandardDispatcher
	highPrioDisp     *dispatch.HighPriorityDispatcher
	resolveModule    ImporterFor
	orgQueue         *queue.Queue
	interModulePause time.Duration
}

// New builds a Worker. orgQueue is where HandleOrgSync re-enqueues the next
// step of a per-integration pipeline; interModulePause is the pause between
// pipeline steps (INTER_MODULE_PAUSE), defaulting to 20s when zero.
func New(store common.TaskStore, sss common.SharedStateStore, standardDisp *dispatch.StandardDispatcher, highPrioDisp *dispatch.HighPriorityDispatcher, resolveModule ImporterFor, orgQueue *queue.Queue, interModulePause time.Duration) *Worker {
	if interModulePause <= 0 {
		interModulePause = defaultInterModulePause
	}
	return &Worker{
		store: store, sss: sss, standardDisp: standardDisp, highPrioDisp: highPrioDisp,
		resolveModule: resolveModule, orgQueue: orgQueue, interModulePause: interModulePause,
	}
}

// HandleOrgSync implements queue.HandlerFunc for the org_sync queue. It
// serves two payload types sharing the same queue: OrgSyncPayload, the
// dispatcher's tick work that enqueues one per-integration pipeline per
// active integration and returns; and pipeline.Payload, one step of such a
// pipeline, run here and re-enqueued for its successor after
// InterModulePause.
func (w *Worker) HandleOrgSync(ctx context.Context, item *queue.Item) error {
	switch payload := item.Payload.(type) {
	case dispatch.OrgSyncPayload:
		return w.dispatchOrgSync(ctx, item, payload)
	case pipeline.Payload:
		return w.runPipelineStep(ctx, payload)
	default:
		return fmt.Errorf("unexpected payload type for org_sync item %s", item.ID)
	}
}

// dispatchOrgSync acquires the per-org lock just long enough to enqueue the
// pipeline for every credentialed integration, then releases both the lock
// and the standard dispatcher's in-flight slot. It never waits for a
// pipeline to finish: in_flight_org_sync gates dispatch slots, not
// execution, so a slow import never starves the round-robin of its next
// organization.
func (w *Worker) dispatchOrgSync(ctx context.Context, item *queue.Item, payload dispatch.OrgSyncPayload) error {
	logger := logging.FromContext(ctx)
	defer func() {
		// The dispatch permit is released exactly once per dispatched org; a
		// pool-level retry of a failed attempt must not decrement it again.
		if item.Attempts > 0 {
			return
		}
		if err := w.standardDisp.Release(ctx); err != nil {
			logger.Warn("release standard dispatcher slot failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	lockKey := dispatch.OrgSyncLockKey(payload.OrgID)
	acquired, err := w.sss.Add(ctx, lockKey, item.ID, orgSyncLockTTL)
	if err != nil {
		return fmt.Errorf("acquire org sync lock for %s: %w", payload.OrgID, err)
	}
	if !acquired {
		logger.Warn("org sync already in flight, skipping", map[string]interface{}{"org_id": payload.OrgID})
		return nil
	}
	defer func() {
		if err := w.sss.Delete(ctx, lockKey); err != nil {
			logger.Warn("release org sync lock failed", map[string]interface{}{"org_id": payload.OrgID, "error": err.Error()})
		}
	}()

	integrations, err := w.store.IntegrationsForOrg(ctx, payload.OrgID)
	if err != nil {
		return fmt.Errorf("load integrations for org %s: %w", payload.OrgID, err)
	}

	dispatched := 0
	for _, integration := range integrations {
		if !integration.HasCredentials() {
			logger.Warn("skipping integration missing credentials", map[string]interface{}{
				"org_id": payload.OrgID, "integration_id": integration.ID, "provider": integration.Provider,
			})
			continue
		}
		reg, err := w.resolveModule(integration)
		if err != nil {
			logger.Error("resolve module registry failed", err, map[string]interface{}{
				"org_id": payload.OrgID, "integration_id": integration.ID, "provider": integration.Provider,
			})
			continue
		}
		steps, err := reg.Resolve(integration.Provider, nil)
		if err != nil {
			logger.Warn("some modules were unknown", map[string]interface{}{"integration_id": integration.ID, "error": err.Error()})
		}
		first := pipeline.New(payload.OrgID, integration, steps, payload.Since, payload.Until)
		if first == nil {
			continue
		}
		w.orgQueue.Enqueue(&queue.Item{
			ID:         pipeline.ItemID(payload.OrgID, integration.ID),
			Priority:   item.Priority,
			EnqueuedAt: time.Now(),
			Payload:    *first,
		})
		dispatched++
	}
	if dispatched == 0 {
		logger.Warn("organization sync dispatched no pipelines", map[string]interface{}{"org_id": payload.OrgID})
		return nil
	}
	logger.Info("organization sync dispatched pipelines", map[string]interface{}{"org_id": payload.OrgID, "pipelines": dispatched})
	return nil
}

// runPipelineStep runs the current step's module and, on success, re-enqueues
// the remainder after InterModulePause. A module failure aborts the rest of
// this integration's pipeline without touching any sibling pipeline.
func (w *Worker) runPipelineStep(ctx context.Context, payload pipeline.Payload) error {
	if len(payload.Steps) == 0 {
		return nil
	}
	step := payload.Steps[0]
	count, runErr := step.Run(ctx, payload.Integration, payload.Since, payload.Until)
	w.logModuleEvent(ctx, payload.Integration, step.Name, count, runErr)
	if runErr != nil {
		return fmt.Errorf("pipeline step %s for integration %s: %w", step.Name, payload.IntegrationID, runErr)
	}

	next := payload.Advance()
	if next == nil {
		return nil
	}
	w.orgQueue.Enqueue(&queue.Item{
		ID:         pipeline.ItemID(payload.OrgID, payload.IntegrationID),
		EnqueuedAt: time.Now(),
		NotBefore:  time.Now().Add(w.interModulePause),
		Payload:    *next,
	})
	return nil
}

// HandleHighPriority implements queue.HandlerFunc for the high_priority
// queue: it runs only the requested modules (or every module, if none were
// named), inside an uninterruptible section so a SIGTERM during the run
// doesn't leave the task half-imported without a chance to mark itself
// done or failed.
func (w *Worker) HandleHighPriority(ctx context.Context, item *queue.Item) error {
	logger := logging.FromContext(ctx)
	defer func() {
		if err := w.highPrioDisp.Release(ctx); err != nil {
			logger.Warn("release high priority marker failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	payload, ok := item.Payload.(dispatch.HighPriorityPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for high_priority item %s", item.ID)
	}

	return Uninterruptible(ctx, func(sectionCtx context.Context) error {
		// Re-read the row rather than trusting the enqueued snapshot: the
		// task may have been deleted, or finished by an earlier attempt of
		// this same item.
		task, err := w.store.GetHPT(sectionCtx, payload.Task.ID)
		if err != nil {
			return fmt.Errorf("load high priority task %s: %w", payload.Task.ID, err)
		}
		if task == nil {
			logger.Warn("high priority task no longer exists, skipping", map[string]interface{}{"task_id": payload.Task.ID})
			return nil
		}
		if task.Processed {
			logger.Info("high priority task already processed, skipping", map[string]interface{}{"task_id": task.ID})
			return nil
		}
		if !task.InProgress {
			task.MarkInProgress(time.Now().UTC())
			if err := w.store.SaveHPT(sectionCtx, task); err != nil {
				return fmt.Errorf("mark task %s in progress: %w", task.ID, err)
			}
		}

		integration, err := w.integrationForTask(sectionCtx, task)
		if err != nil {
			return w.finishTask(sectionCtx, task, fmt.Errorf("resolve integration: %w", err))
		}

		runErr := w.syncIntegration(sectionCtx, integration, task.Modules, task.SinceDate, task.UntilDate)
		return w.finishTask(sectionCtx, task, runErr)
	})
}

func (w *Worker) integrationForTask(ctx context.Context, task *syncdomain.HighPriorityTask) (*syncdomain.Integration, error) {
	integrations, err := w.store.IntegrationsForOrg(ctx, task.OrgID)
	if err != nil {
		return nil, err
	}
	for _, integration := range integrations {
		if integration.ID == task.IntegrationID {
			return integration, nil
		}
	}
	return nil, fmt.Errorf("integration %s not found for org %s", task.IntegrationID, task.OrgID)
}

func (w *Worker) finishTask(ctx context.Context, task *syncdomain.HighPriorityTask, runErr error) error {
	logger := logging.FromContext(ctx)
	now := time.Now().UTC()
	task.MarkDone(now)
	if err := w.store.SaveHPT(ctx, task); err != nil {
		logger.Error("persist completed high priority task failed", err, map[string]interface{}{"task_id": task.ID})
	}

	event := &syncdomain.SyncLogEvent{
		OrgID: task.OrgID, IntegrationID: task.IntegrationID, HighPriorityTaskID: task.ID,
		Event: "completed",
	}
	if runErr != nil {
		event.Level = "error"
		event.Event = "failed"
		event.Message = runErr.Error()
	} else {
		event.Level = "info"
		event.Message = "high priority task completed"
	}
	if err := w.store.AppendLogEvent(ctx, event); err != nil {
		logger.Warn("append log event failed", map[string]interface{}{"error": err.Error()})
	}
	return runErr
}

// syncIntegration resolves modules then runs each one in registry order,
// continuing past a single module's failure and returning a joined error so
// a caller sees every module that failed, not just the first.
func (w *Worker) syncIntegration(ctx context.Context, integration *syncdomain.Integration, modules []string, since, until *time.Time) error {
	logger := logging.FromContext(ctx)

	reg, err := w.resolveModule(integration)
	if err != nil {
		return fmt.Errorf("resolve module registry: %w", err)
	}

	resolved, err := reg.Resolve(integration.Provider, modules)
	if err != nil {
		logger.Warn("some requested modules were unknown", map[string]interface{}{"integration_id": integration.ID, "error": err.Error()})
	}

	var failures []error
	for _, module := range resolved {
		count, runErr := module.Run(ctx, integration, since, until)
		if runErr != nil {
			logger.Error("module import failed", runErr, map[string]interface{}{
				"integration_id": integration.ID, "module": module.Name,
			})
			failures = append(failures, fmt.Errorf("%s: %w", module.Name, runErr))
			w.logModuleEvent(ctx, integration, module.Name, count, runErr)
			continue
		}
		w.logModuleEvent(ctx, integration, module.Name, count, nil)
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d module(s) failed: %w", len(failures), joinErrors(failures))
	}
	return nil
}

// logModuleEvent records one module's completion as a SyncLogEvent carrying
// its name, provider, organization and row count, per module, not just one
// summary event for the whole integration sync.
func (w *Worker) logModuleEvent(ctx context.Context, integration *syncdomain.Integration, module string, count int, runErr error) {
	logger := logging.FromContext(ctx)

	event := &syncdomain.SyncLogEvent{
		OrgID:         integration.OrgID,
		IntegrationID: integration.ID,
		Metadata: map[string]interface{}{
			"module":   module,
			"provider": string(integration.Provider),
			"count":    count,
		},
	}
	if runErr != nil {
		event.Level = "error"
		event.Event = "module_failed"
		event.Message = runErr.Error()
	} else {
		event.Level = "info"
		event.Event = "module_completed"
		event.Message = fmt.Sprintf("%s imported %d row(s)", module, count)
	}
	if err := w.store.AppendLogEvent(ctx, event); err != nil {
		logger.Warn("append module log event failed", map[string]interface{}{"module": module, "error": err.Error()})
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
