package bdd

import (
	"testing"

	"github.com/cucumber/godog"

	"github.com/syncdplatform/syncd/test/bdd/steps"
)

// TestStandardDispatchRoundRobin covers the round-robin dispatch lifecycle:
// a tick fills every spare in-flight slot, and the next tick resumes from
// the saved offset.
func TestStandardDispatchRoundRobin(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			steps.InitializeStandardDispatchScenario(sc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/dispatch/standard_dispatch.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run standard dispatch tests")
	}
}
