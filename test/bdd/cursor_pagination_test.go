package bdd

import (
	"testing"

	"github.com/cucumber/godog"

	"github.com/syncdplatform/syncd/test/bdd/steps"
)

// TestCursorPagination covers keyset resumption: a (timestamp, id)
// cursor resumes a second batch strictly after the first's last row,
// without re-ingesting it.
func TestCursorPagination(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			steps.InitializeCursorPaginationScenario(sc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/importer/cursor_pagination.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run cursor pagination tests")
	}
}
