package config

import "time"

// ProviderConfig holds the per-provider HTTP client settings for the three
// external accounting/POS integrations (Xero, NetSuite, Toast). Each client
// gets its own rate limit and circuit breaker; retry/backoff defaults are
// shared since all three providers are fronted by the same httpx.Client.
type ProviderConfig struct {
	Xero     SingleProviderConfig `mapstructure:"xero"`
	NetSuite SingleProviderConfig `mapstructure:"netsuite"`
	Toast    SingleProviderConfig `mapstructure:"toast"`
}

// SingleProviderConfig holds connection and resilience settings for one
// provider's HTTP client.
type SingleProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`

	// Request timeout
	Timeout time.Duration `mapstructure:"timeout" validate:"required"`

	// Rate limiting settings
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Retry configuration
	Retry RetryConfig `mapstructure:"retry"`

	// Circuit breaker configuration
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Maximum requests per second
	Requests float64 `mapstructure:"requests" validate:"min=0"`

	// Burst size for token bucket
	Burst int `mapstructure:"burst" validate:"min=1"`
}

// RetryConfig holds retry configuration for failed requests. MaxAttempts
// bounds 5xx/network retries; 429 responses retry without limit, following
// the server's own Retry-After guidance.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=0"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

// CircuitBreakerConfig configures the per-provider circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures int           `mapstructure:"max_failures" validate:"min=1"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"required"`
}
