package bdd

import (
	"testing"

	"github.com/cucumber/godog"

	"github.com/syncdplatform/syncd/test/bdd/steps"
)

// TestHighPriorityDispatchLifecycle covers the single-task lane: claim, enqueue,
// idempotent re-tick, release, and claim of the next pending task.
func TestHighPriorityDispatchLifecycle(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			steps.InitializeHighPriorityScenario(sc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/dispatch/high_priority_dispatch.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run high priority dispatch tests")
	}
}
