package config

import "time"

// SetDefaults sets default values for all configuration fields.
func SetDefaults(cfg *Config) {
	// Database defaults
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "syncd"
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = "syncd"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Pool.MaxOpen == 0 {
		cfg.Database.Pool.MaxOpen = 25
	}
	if cfg.Database.Pool.MaxIdle == 0 {
		cfg.Database.Pool.MaxIdle = 5
	}
	if cfg.Database.Pool.MaxLifetime == 0 {
		cfg.Database.Pool.MaxLifetime = 5 * time.Minute
	}

	setProviderDefaults(&cfg.Provider.Xero, "https://api.xero.com")
	setProviderDefaults(&cfg.Provider.NetSuite, "")
	setProviderDefaults(&cfg.Provider.Toast, "https://ws-api.toasttab.com")

	// SSS defaults
	if cfg.SSS.Backend == "" {
		cfg.SSS.Backend = "memory"
	}
	if cfg.SSS.Timeout == 0 {
		cfg.SSS.Timeout = 250 * time.Millisecond
	}

	// Daemon defaults
	if cfg.Daemon.PIDFile == "" {
		cfg.Daemon.PIDFile = "/tmp/syncd.pid"
	}
	if cfg.Daemon.MaxConcurrentOrgSync == 0 {
		cfg.Daemon.MaxConcurrentOrgSync = 3
	}
	if cfg.Daemon.DispatcherTick == 0 {
		cfg.Daemon.DispatcherTick = 5 * time.Second
	}
	if cfg.Daemon.HighPriorityLease == 0 {
		cfg.Daemon.HighPriorityLease = 3 * 24 * time.Hour
	}
	if cfg.Daemon.CounterTTL == 0 {
		cfg.Daemon.CounterTTL = 3600 * time.Second
	}
	if cfg.Daemon.InterModulePause == 0 {
		cfg.Daemon.InterModulePause = 20 * time.Second
	}
	if len(cfg.Daemon.Queues) == 0 {
		cfg.Daemon.Queues = []QueueConfig{
			{Name: "high_priority", Concurrency: 1},
			{Name: "org_sync", Concurrency: 1},
			{Name: "default", Concurrency: 1},
		}
	}
	if cfg.Daemon.Monitors.MissedTask == 0 {
		cfg.Daemon.Monitors.MissedTask = 3 * time.Minute
	}
	if cfg.Daemon.Monitors.StuckSemaphore == 0 {
		cfg.Daemon.Monitors.StuckSemaphore = 15 * time.Hour
	}
	if cfg.Daemon.Monitors.InProgressNotDispatched == 0 {
		cfg.Daemon.Monitors.InProgressNotDispatched = 3 * time.Minute
	}
	if cfg.Daemon.Monitors.Comprehensive == 0 {
		cfg.Daemon.Monitors.Comprehensive = 10 * time.Minute
	}
	if cfg.Daemon.Monitors.DailyPreviousDaySync == 0 {
		cfg.Daemon.Monitors.DailyPreviousDaySync = 24 * time.Hour
	}
	if cfg.Daemon.Monitors.RefreshProviderTokens == 0 {
		cfg.Daemon.Monitors.RefreshProviderTokens = 20 * time.Minute
	}
	if cfg.Daemon.GracefulShutdown == 0 {
		cfg.Daemon.GracefulShutdown = 30 * time.Second
	}
	if cfg.Daemon.TaskRetry.MaxRetries == 0 {
		cfg.Daemon.TaskRetry.MaxRetries = 3
	}
	if cfg.Daemon.TaskRetry.Delay == 0 {
		cfg.Daemon.TaskRetry.Delay = 300 * time.Second
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.Rotation.MaxSize == 0 {
		cfg.Logging.Rotation.MaxSize = 100 // MB
	}
	if cfg.Logging.Rotation.MaxBackups == 0 {
		cfg.Logging.Rotation.MaxBackups = 3
	}
	if cfg.Logging.Rotation.MaxAge == 0 {
		cfg.Logging.Rotation.MaxAge = 28 // days
	}
}

func setProviderDefaults(p *SingleProviderConfig, baseURL string) {
	if p.BaseURL == "" {
		p.BaseURL = baseURL
	}
	if p.Timeout == 0 {
		p.Timeout = 30 * time.Second
	}
	if p.RateLimit.Requests == 0 {
		p.RateLimit.Requests = 2
	}
	if p.RateLimit.Burst == 0 {
		p.RateLimit.Burst = 2
	}
	if p.Retry.MaxAttempts == 0 {
		p.Retry.MaxAttempts = 5
	}
	if p.Retry.BackoffBase == 0 {
		p.Retry.BackoffBase = time.Second
	}
	if p.CircuitBreaker.MaxFailures == 0 {
		p.CircuitBreaker.MaxFailures = 5
	}
	if p.CircuitBreaker.Timeout == 0 {
		p.CircuitBreaker.Timeout = 60 * time.Second
	}
}
