// Package schedule wires the dispatch and monitor layers to their fixed
// intervals and runs them for the life of the process.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/syncdplatform/syncd/internal/application/dispatch"
	"github.com/syncdplatform/syncd/internal/application/housekeeping"
	"github.com/syncdplatform/syncd/internal/application/monitor"
	"github.com/syncdplatform/syncd/internal/infrastructure/config"
	"github.com/syncdplatform/syncd/internal/logging"
)

// Entry is one scheduled job: a function invoked every Interval until the
// scheduler's context is canceled.
type Entry struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Schedule runs a fixed table of entries, each on its own ticker goroutine.
type Schedule struct {
	entries []Entry
}

// New builds a Schedule from explicit entries.
func New(entries ...Entry) *Schedule {
	return &Schedule{entries: entries}
}

// Standard builds the schedule table this daemon always runs: the two
// dispatcher ticks, the four self-healing monitors, and the two
// housekeeping jobs, each on its own configured interval. The daily job's
// interval is a fixed 24h period from process start rather than a
// wall-clock "00:05 daily" cron trigger, since the rest of this scheduler
// is tick-based; operators wanting a specific wall-clock offset should
// stagger process start accordingly.
func Standard(cfg config.MonitorConfig, dispatcherTick time.Duration, standardDisp *dispatch.StandardDispatcher, highPrioDisp *dispatch.HighPriorityDispatcher, monitors *monitor.Monitors, jobs *housekeeping.Jobs) *Schedule {
	return New(
		Entry{Name: "standard_dispatch", Interval: dispatcherTick, Run: standardDisp.Tick},
		Entry{Name: "high_priority_dispatch", Interval: dispatcherTick, Run: highPrioDisp.Tick},
		Entry{Name: "missed_task_monitor", Interval: cfg.MissedTask, Run: monitors.CheckMissedTasks},
		Entry{Name: "stuck_semaphore_monitor", Interval: cfg.StuckSemaphore, Run: monitors.CheckStuckSemaphores},
		Entry{Name: "in_progress_not_dispatched_monitor", Interval: cfg.InProgressNotDispatched, Run: monitors.CheckInProgressNotDispatched},
		Entry{Name: "comprehensive_monitor", Interval: cfg.Comprehensive, Run: monitors.CheckComprehensive},
		Entry{Name: "daily_previous_day_sync", Interval: cfg.DailyPreviousDaySync, Run: jobs.DailyPreviousDaySync},
		Entry{Name: "refresh_provider_tokens", Interval: cfg.RefreshProviderTokens, Run: jobs.RefreshProviderTokens},
	)
}

// Run starts every entry's ticker goroutine and blocks until ctx is
// canceled, then waits for all of them to stop.
func (s *Schedule) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, entry := range s.entries {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			s.runEntry(ctx, e)
		}(entry)
	}
	wg.Wait()
}

func (s *Schedule) runEntry(ctx context.Context, e Entry) {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Run(ctx); err != nil {
				logger.Error("scheduled job failed", err, map[string]interface{}{"job": e.Name})
			}
		}
	}
}
