package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/cucumber/godog"
	"gorm.io/gorm"

	"github.com/syncdplatform/syncd/internal/adapters/cache"
	"github.com/syncdplatform/syncd/internal/adapters/persistence"
	"github.com/syncdplatform/syncd/internal/adapters/queue"
	"github.com/syncdplatform/syncd/internal/application/dispatch"
	"github.com/syncdplatform/syncd/internal/application/monitor"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/internal/infrastructure/database"
)

// missedTaskContext drives the missed-task monitor against a real
// sqlite TaskStore, the same pair monitor_test.go's table-driven tests use.
type missedTaskContext struct {
	db           *gorm.DB
	store        *persistence.GormTaskStore
	sss          *cache.MemStore
	hpQueue      *queue.Queue
	monitors     *monitor.Monitors
	tasksByLabel map[string]*syncdomain.HighPriorityTask
}

func (mc *missedTaskContext) reset() {
	if mc.db != nil {
		_ = database.Close(mc.db)
	}
	db, err := database.NewTestConnection()
	if err != nil {
		panic(fmt.Sprintf("open test database: %v", err))
	}
	mc.db = db
	mc.store = persistence.NewGormTaskStore(db)
	mc.sss = cache.NewMemStore(nil)
	mc.hpQueue = queue.New(0)
	mc.monitors = monitor.New(mc.store, mc.sss, mc.hpQueue, 3)
	mc.tasksByLabel = make(map[string]*syncdomain.HighPriorityTask)
}

func (mc *missedTaskContext) aHighPriorityTaskCreatedSecondsAgoAndNeverClaimed(label string, secondsAgo int) error {
	task := &syncdomain.HighPriorityTask{OrgID: "org-1", IntegrationID: "integ-1"}
	if err := mc.store.CreateHPT(context.Background(), task); err != nil {
		return err
	}
	task.CreatedAt = time.Now().UTC().Add(-time.Duration(secondsAgo) * time.Second)
	if err := mc.store.SaveHPT(context.Background(), task); err != nil {
		return err
	}
	mc.tasksByLabel[label] = task
	return nil
}

func (mc *missedTaskContext) aHighPriorityTaskCreatedJustNowAndNeverClaimed(label string) error {
	return mc.aHighPriorityTaskCreatedSecondsAgoAndNeverClaimed(label, 0)
}

func (mc *missedTaskContext) theMissedTaskMonitorRuns() error {
	return mc.monitors.CheckMissedTasks(context.Background())
}

func (mc *missedTaskContext) taskIsMarkedInProgress(label string) error {
	task, err := mc.store.GetHPT(context.Background(), mc.tasksByLabel[label].ID)
	if err != nil {
		return err
	}
	if !task.InProgress {
		return fmt.Errorf("task %q was not marked in progress", label)
	}
	return nil
}

func (mc *missedTaskContext) taskIsEnqueuedForProcessingMissed(label string) error {
	for mc.hpQueue.Len() > 0 {
		item := mc.hpQueue.Dequeue()
		payload := item.Payload.(dispatch.HighPriorityPayload)
		if payload.Task.ID == mc.tasksByLabel[label].ID {
			return nil
		}
	}
	return fmt.Errorf("task %q was not enqueued", label)
}

func (mc *missedTaskContext) taskIsNotEnqueued(label string) error {
	task := mc.tasksByLabel[label]
	for i := 0; i < mc.hpQueue.Len(); i++ {
		item := mc.hpQueue.Dequeue()
		payload := item.Payload.(dispatch.HighPriorityPayload)
		if payload.Task.ID == task.ID {
			return fmt.Errorf("task %q was unexpectedly enqueued", label)
		}
	}
	return nil
}

func (mc *missedTaskContext) theEventLogRecordsForTask(event, label string) error {
	task := mc.tasksByLabel[label]
	var count int64
	err := mc.db.Model(&persistence.SyncLogEventModel{}).
		Where("high_priority_task_id = ? AND event = ?", task.ID, event).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("no event log row with event %q for task %q", event, label)
	}
	return nil
}

// InitializeMissedTaskScenario registers the missed-task detection steps.
func InitializeMissedTaskScenario(gctx *godog.ScenarioContext) {
	mc := &missedTaskContext{}

	gctx.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		mc.reset()
		return ctx, nil
	})

	gctx.Step(`^a high-priority task "([^"]*)" created (\d+) seconds ago and never claimed$`, mc.aHighPriorityTaskCreatedSecondsAgoAndNeverClaimed)
	gctx.Step(`^a high-priority task "([^"]*)" created just now and never claimed$`, mc.aHighPriorityTaskCreatedJustNowAndNeverClaimed)
	gctx.Step(`^the missed-task monitor runs$`, mc.theMissedTaskMonitorRuns)
	gctx.Step(`^task "([^"]*)" is marked in progress$`, mc.taskIsMarkedInProgress)
	gctx.Step(`^task "([^"]*)" is enqueued for processing$`, mc.taskIsEnqueuedForProcessingMissed)
	gctx.Step(`^task "([^"]*)" is not enqueued$`, mc.taskIsNotEnqueued)
	gctx.Step(`^the event log records "([^"]*)" for task "([^"]*)"$`, mc.theEventLogRecordsForTask)
}
