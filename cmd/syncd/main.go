// Command syncd is the daemon entrypoint: it loads configuration, wires
// every adapter and application-layer component together, and runs the
// two-tier dispatcher/monitor/housekeeping schedule until terminated.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/syncdplatform/syncd/internal/adapters/cache"
	"github.com/syncdplatform/syncd/internal/adapters/persistence"
	"github.com/syncdplatform/syncd/internal/adapters/providers/tokenrefresh"
	"github.com/syncdplatform/syncd/internal/adapters/queue"
	"github.com/syncdplatform/syncd/internal/application/common"
	"github.com/syncdplatform/syncd/internal/application/dispatch"
	"github.com/syncdplatform/syncd/internal/application/housekeeping"
	"github.com/syncdplatform/syncd/internal/application/monitor"
	"github.com/syncdplatform/syncd/internal/application/worker"
	"github.com/syncdplatform/syncd/internal/importer"
	"github.com/syncdplatform/syncd/internal/infrastructure/config"
	"github.com/syncdplatform/syncd/internal/infrastructure/database"
	"github.com/syncdplatform/syncd/internal/logging"
	"github.com/syncdplatform/syncd/internal/pidfile"
	"github.com/syncdplatform/syncd/internal/schedule"
)

func main() {
	cfg := config.MustLoadConfig("")

	pf := pidfile.New(cfg.Daemon.PIDFile)
	if err := pf.Acquire(); err != nil {
		log.Fatalf("failed to acquire PID file lock: %v", err)
	}
	defer func() {
		if err := pf.Release(); err != nil {
			log.Printf("warning: failed to release PID file: %v", err)
		}
	}()

	if err := run(cfg); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run(cfg *config.Config) error {
	logOutput, closeOutput, err := openLogOutput(cfg.Logging)
	if err != nil {
		return fmt.Errorf("open log output: %w", err)
	}
	defer closeOutput()
	syncLogger := logging.New(logOutput, cfg.Logging.Format, cfg.Logging.Level)

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto-migrate database: %w", err)
	}

	sss, err := newSharedStateStore(&cfg.SSS)
	if err != nil {
		return fmt.Errorf("build shared state store: %w", err)
	}

	taskStore := persistence.NewGormTaskStore(db)
	warehouse := persistence.NewGormWarehouse(db)

	tokenMgr := tokenrefresh.NewManager(sss, cfg.SSS.Timeout)
	factory := importer.NewFactory(&cfg.Provider, tokenMgr, warehouse, taskStore)

	orgQueue := queue.New(30 * time.Second)
	hpQueue := queue.New(30 * time.Second)
	defaultQueue := queue.New(30 * time.Second)

	standardDisp := dispatch.NewStandardDispatcher(taskStore, sss, orgQueue, cfg.Daemon.MaxConcurrentOrgSync, cfg.SSS.Timeout, cfg.Daemon.CounterTTL)
	highPrioDisp := dispatch.NewHighPriorityDispatcher(taskStore, sss, hpQueue, cfg.Daemon.HighPriorityLease, cfg.SSS.Timeout)

	w := worker.New(taskStore, sss, standardDisp, highPrioDisp, factory.For, orgQueue, cfg.Daemon.InterModulePause)
	monitors := monitor.New(taskStore, sss, hpQueue, cfg.Daemon.MaxConcurrentOrgSync)
	jobs := housekeeping.New(taskStore, sss, orgQueue, cfg.Daemon.MaxConcurrentOrgSync, factory)

	sched := schedule.Standard(cfg.Daemon.Monitors, cfg.Daemon.DispatcherTick, standardDisp, highPrioDisp, monitors, jobs)

	// Task-level retry applies to sync_organization and process_high_priority
	// execution only; dispatcher ticks and monitors already self-requeue on a
	// fixed timer and must not also retry on error.
	taskRetry := queue.RetryPolicy{MaxRetries: cfg.Daemon.TaskRetry.MaxRetries, Delay: cfg.Daemon.TaskRetry.Delay}
	orgPool := queue.NewPool(orgQueue, concurrencyFor(cfg.Daemon.Queues, "org_sync"), time.Second, taskRetry, w.HandleOrgSync)
	hpPool := queue.NewPool(hpQueue, concurrencyFor(cfg.Daemon.Queues, "high_priority"), time.Second, taskRetry, w.HandleHighPriority)
	defaultPool := queue.NewPool(defaultQueue, concurrencyFor(cfg.Daemon.Queues, "default"), time.Second, taskRetry, w.HandleOrgSync)

	// Every pool and the schedule table share one signal-cancelable
	// context, except high_priority: a SIGTERM arriving mid-run of a
	// high-priority task must not propagate cancellation into the
	// in-flight HTTP calls worker.Uninterruptible is shielding. Giving the
	// high_priority pool its own, never-canceled context is what actually
	// makes "graceful termination of a high-priority worker is disabled"
	// true — masking the OS signal alone wouldn't stop ctx.Done() from
	// firing into whatever the handler is awaiting.
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	rootCtx = logging.WithLogger(rootCtx, syncLogger)

	hpCtx := logging.WithLogger(context.Background(), syncLogger)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); sched.Run(rootCtx) }()
	go func() { defer wg.Done(); orgPool.Run(rootCtx) }()
	go func() { defer wg.Done(); defaultPool.Run(rootCtx) }()
	go func() { defer wg.Done(); hpPool.Run(hpCtx) }()

	syncLogger.Info("syncd daemon started", map[string]interface{}{
		"max_concurrent_org_sync": cfg.Daemon.MaxConcurrentOrgSync,
		"dispatcher_tick":         cfg.Daemon.DispatcherTick.String(),
	})

	<-rootCtx.Done()
	syncLogger.Info("shutdown signal received, draining default and org_sync work", map[string]interface{}{
		"graceful_shutdown": cfg.Daemon.GracefulShutdown.String(),
	})

	// hpCtx is deliberately left running here: the high_priority pool
	// keeps serving whatever task it is mid-way through (or picks up the
	// next one) until the process is killed outright, per the same
	// invariant that motivated giving it a separate context above.
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	shutdownTimer := time.NewTimer(cfg.Daemon.GracefulShutdown)
	defer shutdownTimer.Stop()
	select {
	case <-drained:
	case <-shutdownTimer.C:
		syncLogger.Warn("graceful shutdown window elapsed, exiting anyway", nil)
	}
	return nil
}

func concurrencyFor(cfgs []config.QueueConfig, name string) int {
	for _, c := range cfgs {
		if c.Name == name {
			return c.Concurrency
		}
	}
	return 1
}

func newSharedStateStore(cfg *config.SSSConfig) (common.SharedStateStore, error) {
	switch cfg.Backend {
	case "redis":
		return cache.NewRedisStore(cfg.RedisURL, cfg.Timeout)
	default:
		return cache.NewMemStore(nil), nil
	}
}

func openLogOutput(cfg config.LoggingConfig) (*os.File, func(), error) {
	switch cfg.Output {
	case "stderr":
		return os.Stderr, func() {}, nil
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, func() {}, err
		}
		return f, func() { _ = f.Close() }, nil
	default:
		return os.Stdout, func() {}, nil
	}
}
