package config

import "time"

// SSSConfig configures the Shared State Store backend used for distributed
// locks, counters and markers. Backend "redis" talks to a real Redis
// instance; "memory" uses an in-process store for single-node deployments
// and tests.
type SSSConfig struct {
	Backend  string        `mapstructure:"backend" validate:"required,oneof=redis memory"`
	RedisURL string        `mapstructure:"redis_url"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"required"`
}
