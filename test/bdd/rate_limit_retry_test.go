package bdd

import (
	"testing"

	"github.com/cucumber/godog"

	"github.com/syncdplatform/syncd/test/bdd/steps"
)

// TestRateLimitRetry covers rate-limit handling: a 429 honors Retry-After (or
// the client's documented default) and succeeds on the next attempt.
func TestRateLimitRetry(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			steps.InitializeRetryScenario(sc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/provider/rate_limit_retry.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run rate limit retry tests")
	}
}
