package bdd

import (
	"testing"

	"github.com/cucumber/godog"

	"github.com/syncdplatform/syncd/test/bdd/steps"
)

// TestMissedTaskMonitor covers missed-task detection: a pending task nobody
// claimed within the detection window is redispatched and logged.
func TestMissedTaskMonitor(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			steps.InitializeMissedTaskScenario(sc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/dispatch/missed_task_monitor.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run missed task monitor tests")
	}
}
