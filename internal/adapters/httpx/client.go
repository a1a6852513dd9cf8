// Package httpx is the shared HTTP client used by every provider adapter
// (Xero, NetSuite, Toast): rate limiting, a circuit breaker and a bounded
// retry loop wrap a single Do call, so each provider package only needs to
// describe its own URLs, auth header and response shapes.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/syncdplatform/syncd/internal/shared"
)

// defaultRetryAfter is the delay used for a 429 response that carries no
// Retry-After header, per the provider clients' documented retry policy.
const defaultRetryAfter = 30 * time.Second

// AuthDecorator attaches the current access token (or signature, for
// NetSuite's TBA scheme) to an outgoing request. Implementations live in the
// provider packages since each provider authenticates differently.
type AuthDecorator func(req *http.Request) error

// Client is a rate-limited, circuit-broken HTTP client with bounded retry.
// 429 responses retry without limit (honoring Retry-After, or a 30s default
// wait when the header is absent); network errors, 503s and
// other 5xx responses retry up to MaxRetries before giving up. Rate
// limiting is a distinct condition from server failure: a provider
// throttling a bulk sync should never cause it to give up outright.
type Client struct {
	HTTPClient     *http.Client
	RateLimiter    *rate.Limiter
	BaseURL        string
	MaxRetries     int
	BackoffBase    time.Duration
	CircuitBreaker *CircuitBreaker
	Clock          shared.Clock
}

// Config bundles the construction parameters for Client.
type Config struct {
	BaseURL             string
	Timeout             time.Duration
	RateLimitPerSecond  float64
	RateLimitBurst      int
	MaxRetries          int
	BackoffBase         time.Duration
	CircuitMaxFailures  int
	CircuitTimeout      time.Duration
	Clock               shared.Clock
}

// New builds a Client from cfg. A nil Clock defaults to the real wall clock.
func New(cfg Config) *Client {
	clock := cfg.Clock
	if clock == nil {
		clock = shared.NewRealClock()
	}
	limit := rate.Limit(cfg.RateLimitPerSecond)
	if cfg.RateLimitPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Client{
		HTTPClient:     &http.Client{Timeout: cfg.Timeout},
		RateLimiter:    rate.NewLimiter(limit, cfg.RateLimitBurst),
		BaseURL:        cfg.BaseURL,
		MaxRetries:     cfg.MaxRetries,
		BackoffBase:    cfg.BackoffBase,
		CircuitBreaker: NewCircuitBreaker(cfg.CircuitMaxFailures, cfg.CircuitTimeout, clock),
		Clock:          clock,
	}
}

// Do executes method against BaseURL+path, retrying per the policy above.
// body, if non-nil, is JSON-marshalled as the request payload. result, if
// non-nil, receives the JSON-decoded response body on success. auth decorates
// the request before it is sent and again on every retry, so a token changed
// between attempts is picked up by the next one. A 401 is not retried here:
// it is returned as a *StatusError, and the provider clients' doWithRefresh
// refreshes the token and repeats the call once.
func (c *Client) Do(ctx context.Context, method, path string, headers map[string]string, body, result interface{}, auth AuthDecorator) error {
	url := c.BaseURL + path

	var lastErr error
	attempt := 0

	err := c.CircuitBreaker.Call(func() error {
		for {
			if err := c.RateLimiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}

			var reqBody io.Reader
			if body != nil {
				data, err := json.Marshal(body)
				if err != nil {
					return fmt.Errorf("marshal request body: %w", err)
				}
				reqBody = bytes.NewReader(data)
			}

			req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			if auth != nil {
				if err := auth(req); err != nil {
					return fmt.Errorf("attach auth: %w", err)
				}
			}

			resp, err := c.HTTPClient.Do(req)
			if err != nil {
				lastErr = shared.NewRetryableError(fmt.Sprintf("network error: %v", err), 0)
				if !c.shouldRetry(ctx, attempt, false) {
					return fmt.Errorf("max retries exceeded: %w", lastErr)
				}
				c.sleepBackoff(attempt, 0)
				attempt++
				continue
			}

			respBody, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return fmt.Errorf("read response: %w", readErr)
			}

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
				if retryAfter <= 0 {
					retryAfter = int(defaultRetryAfter / time.Second)
				}
				lastErr = shared.NewRetryableError("rate limited (429)", retryAfter)
				if ctx.Err() != nil {
					return fmt.Errorf("context cancelled: %w", ctx.Err())
				}
				c.sleepBackoff(attempt, retryAfter)
				attempt++
				continue // uncapped: keep retrying 429s; retryAfter is always set, so this never falls through to exponential backoff

			case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode >= 500:
				lastErr = shared.NewRetryableError(fmt.Sprintf("server error (%d)", resp.StatusCode), 0)
				if !c.shouldRetry(ctx, attempt, false) {
					return fmt.Errorf("max retries exceeded: %w", lastErr)
				}
				if ctx.Err() != nil {
					return fmt.Errorf("context cancelled: %w", ctx.Err())
				}
				c.sleepBackoff(attempt, 0)
				attempt++
				continue

			case resp.StatusCode == http.StatusUnauthorized:
				return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}

			case resp.StatusCode >= 400:
				return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}

			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
			}

			if result != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, result); err != nil {
					return fmt.Errorf("unmarshal response: %w", err)
				}
			}
			return nil
		}
	})

	return err
}

// shouldRetry reports whether a capped (non-429) retry is still allowed.
func (c *Client) shouldRetry(ctx context.Context, attempt int, uncapped bool) bool {
	if uncapped {
		return ctx.Err() == nil
	}
	return attempt < c.MaxRetries && ctx.Err() == nil
}

func (c *Client) sleepBackoff(attempt int, retryAfterSeconds int) {
	delay := c.BackoffBase * time.Duration(1<<uint(attempt))
	if retryAfterSeconds > 0 {
		delay = time.Duration(retryAfterSeconds) * time.Second
	}
	c.Clock.Sleep(delay)
}

func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil {
		return 0
	}
	return seconds
}

// StatusError wraps a non-retryable HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a 401 StatusError, the signal
// provider clients use to trigger a single token refresh-and-retry.
func IsUnauthorized(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.StatusCode == http.StatusUnauthorized
}
