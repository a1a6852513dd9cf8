package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"gorm.io/gorm"

	"github.com/syncdplatform/syncd/internal/adapters/cache"
	"github.com/syncdplatform/syncd/internal/adapters/persistence"
	"github.com/syncdplatform/syncd/internal/adapters/queue"
	"github.com/syncdplatform/syncd/internal/application/dispatch"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/internal/infrastructure/database"
)

// highPriorityContext drives HighPriorityDispatcher's claim-enqueue-release
// lifecycle, backed by the same sqlite TaskStore and in-process SSS the
// dispatch table-driven tests use.
type highPriorityContext struct {
	db      *gorm.DB
	store   *persistence.GormTaskStore
	sss     *cache.MemStore
	hpQueue *queue.Queue
	disp    *dispatch.HighPriorityDispatcher

	tasksByLabel    map[string]*syncdomain.HighPriorityTask
	enqueuedBefore  int
	lastTaskEnqueue *syncdomain.HighPriorityTask
}

func (hc *highPriorityContext) reset() {
	if hc.db != nil {
		_ = database.Close(hc.db)
	}
	db, err := database.NewTestConnection()
	if err != nil {
		panic(fmt.Sprintf("open test database: %v", err))
	}
	hc.db = db
	hc.store = persistence.NewGormTaskStore(db)
	hc.sss = cache.NewMemStore(nil)
	hc.hpQueue = queue.New(0)
	hc.disp = dispatch.NewHighPriorityDispatcher(hc.store, hc.sss, hc.hpQueue, 3*24*time.Hour, time.Second)
	hc.tasksByLabel = make(map[string]*syncdomain.HighPriorityTask)
	hc.enqueuedBefore = 0
	hc.lastTaskEnqueue = nil
}

func (hc *highPriorityContext) aPendingHighPriorityTaskForOrganizationRequestingModules(label, orgID, modulesCSV string) error {
	var modules []string
	for _, m := range strings.Split(modulesCSV, ",") {
		if m = strings.TrimSpace(m); m != "" {
			modules = append(modules, m)
		}
	}
	task := &syncdomain.HighPriorityTask{OrgID: orgID, IntegrationID: orgID + "-integ", Modules: modules}
	if err := hc.store.CreateHPT(context.Background(), task); err != nil {
		return err
	}
	hc.tasksByLabel[label] = task
	return nil
}

func (hc *highPriorityContext) aPendingHighPriorityTaskForOrganizationRequestingNoModules(label, orgID string) error {
	return hc.aPendingHighPriorityTaskForOrganizationRequestingModules(label, orgID, "")
}

func (hc *highPriorityContext) theHighPriorityDispatcherTicks() error {
	hc.enqueuedBefore = hc.hpQueue.Len()
	if err := hc.disp.Tick(context.Background()); err != nil {
		return err
	}
	if hc.hpQueue.Len() > hc.enqueuedBefore {
		item := hc.hpQueue.Dequeue()
		payload := item.Payload.(dispatch.HighPriorityPayload)
		hc.lastTaskEnqueue = payload.Task
	}
	return nil
}

func (hc *highPriorityContext) theHighPriorityDispatcherTicksAgain() error {
	return hc.theHighPriorityDispatcherTicks()
}

func (hc *highPriorityContext) taskIsMarkedAsTheActiveHighPriorityTask(label string) error {
	task := hc.tasksByLabel[label]
	markerValue, held, err := hc.sss.Get(context.Background(), dispatch.HighPriorityMarkerKey)
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("active high priority marker is not held")
	}
	if markerValue != task.ID {
		return fmt.Errorf("marker holds %q, expected task %q (%s)", markerValue, label, task.ID)
	}
	return nil
}

func (hc *highPriorityContext) taskIsEnqueuedForProcessing(label string) error {
	task := hc.tasksByLabel[label]
	if hc.lastTaskEnqueue == nil || hc.lastTaskEnqueue.ID != task.ID {
		return fmt.Errorf("task %q was not enqueued by the last tick", label)
	}
	return nil
}

func (hc *highPriorityContext) noNewTaskIsEnqueued() error {
	if hc.hpQueue.Len() != hc.enqueuedBefore {
		return fmt.Errorf("expected no new item enqueued, queue length changed to %d", hc.hpQueue.Len())
	}
	return nil
}

func (hc *highPriorityContext) taskFinishesProcessing(label string) error {
	task := hc.tasksByLabel[label]
	task.MarkDone(time.Now().UTC())
	if err := hc.store.SaveHPT(context.Background(), task); err != nil {
		return err
	}
	return hc.disp.Release(context.Background())
}

func (hc *highPriorityContext) theActiveHighPriorityTaskMarkerIsCleared() error {
	_, held, err := hc.sss.Get(context.Background(), dispatch.HighPriorityMarkerKey)
	if err != nil {
		return err
	}
	if held {
		return fmt.Errorf("marker is still held after Release")
	}
	return nil
}

// InitializeHighPriorityScenario registers the claim-enqueue-release steps.
func InitializeHighPriorityScenario(gctx *godog.ScenarioContext) {
	hc := &highPriorityContext{}

	gctx.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		hc.reset()
		return ctx, nil
	})

	gctx.Step(`^a pending high-priority task "([^"]*)" for organization "([^"]*)" requesting modules "([^"]*)"$`, hc.aPendingHighPriorityTaskForOrganizationRequestingModules)
	gctx.Step(`^a pending high-priority task "([^"]*)" for organization "([^"]*)" requesting no modules$`, hc.aPendingHighPriorityTaskForOrganizationRequestingNoModules)
	gctx.Step(`^the high-priority dispatcher ticks$`, hc.theHighPriorityDispatcherTicks)
	gctx.Step(`^the high-priority dispatcher ticks again$`, hc.theHighPriorityDispatcherTicksAgain)
	gctx.Step(`^task "([^"]*)" is marked as the active high priority task$`, hc.taskIsMarkedAsTheActiveHighPriorityTask)
	gctx.Step(`^task "([^"]*)" is enqueued for processing$`, hc.taskIsEnqueuedForProcessing)
	gctx.Step(`^no new task is enqueued$`, hc.noNewTaskIsEnqueued)
	gctx.Step(`^task "([^"]*)" finishes processing$`, hc.taskFinishesProcessing)
	gctx.Step(`^the active high priority task marker is cleared$`, hc.theActiveHighPriorityTaskMarkerIsCleared)
}
