package config

import "time"

// DaemonConfig holds syncd process configuration: dispatch concurrency,
// worker pool sizing and the fixed monitor/schedule intervals.
type DaemonConfig struct {
	// PID file location, used for single-instance enforcement.
	PIDFile string `mapstructure:"pid_file"`

	// MaxConcurrentOrgSync bounds how many organizations the standard
	// dispatcher will have in flight at once (the in-flight counter ceiling).
	MaxConcurrentOrgSync int `mapstructure:"max_concurrent_org_sync" validate:"min=1"`

	// DispatcherTick is how often the standard dispatcher and the
	// high-priority dispatcher re-queue themselves.
	DispatcherTick time.Duration `mapstructure:"dispatcher_tick" validate:"required"`

	// HighPriorityLease is how long a claimed high-priority task is presumed
	// active before the stuck-task monitor considers it abandoned.
	HighPriorityLease time.Duration `mapstructure:"high_priority_lease" validate:"required"`

	// CounterTTL (COUNTER_TTL) is the TTL refreshed onto in_flight_org_sync
	// on every standard dispatcher tick, so an expired TTL is the signal that
	// no tick has run in a long time and the counter is safe to reinitialize
	// to 0.
	CounterTTL time.Duration `mapstructure:"counter_ttl" validate:"required"`

	// InterModulePause (INTER_MODULE_PAUSE) is the pause between steps of a
	// per-integration sync pipeline.
	InterModulePause time.Duration `mapstructure:"inter_module_pause" validate:"required"`

	// Queues lists the named worker queues and their concurrency. Each
	// named queue gets its own bounded worker pool, honoring
	// prefetch=1/concurrency=1-per-goroutine semantics.
	Queues []QueueConfig `mapstructure:"queues"`

	// Monitors holds the fixed-interval self-healing monitor schedule.
	Monitors MonitorConfig `mapstructure:"monitors"`

	// GracefulShutdown bounds how long workers wait for in-flight work to
	// finish before the process exits.
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown" validate:"required"`

	// TaskRetry controls the retry policy applied to sync_organization and
	// process_high_priority task execution, not to dispatcher ticks or
	// monitors, which self-requeue on a fixed timer regardless of outcome.
	TaskRetry TaskRetryConfig `mapstructure:"task_retry"`
}

// QueueConfig names one worker queue and its pool size.
type QueueConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Concurrency int    `mapstructure:"concurrency" validate:"min=1"`
}

// MonitorConfig holds the fixed intervals for the four self-healing
// monitors plus the two housekeeping jobs that round out the schedule
// table.
type MonitorConfig struct {
	MissedTask              time.Duration `mapstructure:"missed_task" validate:"required"`
	StuckSemaphore          time.Duration `mapstructure:"stuck_semaphore" validate:"required"`
	InProgressNotDispatched time.Duration `mapstructure:"in_progress_not_dispatched" validate:"required"`
	Comprehensive           time.Duration `mapstructure:"comprehensive" validate:"required"`
	DailyPreviousDaySync    time.Duration `mapstructure:"daily_previous_day_sync" validate:"required"`
	RefreshProviderTokens   time.Duration `mapstructure:"refresh_provider_tokens" validate:"required"`
}

// TaskRetryConfig bounds retries of a single task execution attempt.
type TaskRetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"min=0"`
	Delay      time.Duration `mapstructure:"delay"`
}
