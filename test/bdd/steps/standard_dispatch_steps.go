package steps

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"gorm.io/gorm"

	"github.com/syncdplatform/syncd/internal/adapters/cache"
	"github.com/syncdplatform/syncd/internal/adapters/persistence"
	"github.com/syncdplatform/syncd/internal/adapters/queue"
	"github.com/syncdplatform/syncd/internal/application/dispatch"
	"github.com/syncdplatform/syncd/internal/infrastructure/database"
)

// standardDispatchContext drives the standard dispatcher's round-robin tick
// against a real sqlite-backed TaskStore and an in-process SharedStateStore,
// the same pair table-driven dispatch_test.go uses.
type standardDispatchContext struct {
	db       *gorm.DB
	store    *persistence.GormTaskStore
	sss      *cache.MemStore
	orgQueue *queue.Queue
	disp     *dispatch.StandardDispatcher

	dispatchedOrgs []string
	err            error
}

func (sc *standardDispatchContext) reset() {
	if sc.db != nil {
		_ = database.Close(sc.db)
	}
	db, err := database.NewTestConnection()
	if err != nil {
		panic(fmt.Sprintf("open test database: %v", err))
	}
	sc.db = db
	sc.store = persistence.NewGormTaskStore(db)
	sc.sss = cache.NewMemStore(nil)
	sc.orgQueue = queue.New(0)
	sc.disp = nil
	sc.dispatchedOrgs = nil
	sc.err = nil
}

func (sc *standardDispatchContext) aFleetOfOrganizations(orgsCSV string) error {
	for _, orgID := range splitCSV(orgsCSV) {
		if err := sc.db.Create(&persistence.IntegrationModel{
			ID: orgID + "-integ", OrgID: orgID, Provider: "xero", Active: true, Settings: `{}`,
		}).Error; err != nil {
			return fmt.Errorf("seed organization %s: %w", orgID, err)
		}
	}
	return nil
}

func (sc *standardDispatchContext) theStandardDispatcherAllowsAtMostConcurrentSyncs(maxInFlight int) error {
	sc.disp = dispatch.NewStandardDispatcher(sc.store, sc.sss, sc.orgQueue, maxInFlight, time.Second, time.Hour)
	return nil
}

func (sc *standardDispatchContext) theInFlightCounterIsEmpty() error {
	return nil
}

func (sc *standardDispatchContext) theRoundRobinOffsetIs(offset int) error {
	return sc.sss.Set(context.Background(), dispatch.RoundRobinOffsetKey, strconv.Itoa(offset), 0)
}

func (sc *standardDispatchContext) drainDispatchedOrgs() {
	for sc.orgQueue.Len() > 0 {
		item := sc.orgQueue.Dequeue()
		payload, ok := item.Payload.(dispatch.OrgSyncPayload)
		if !ok {
			continue
		}
		sc.dispatchedOrgs = append(sc.dispatchedOrgs, payload.OrgID)
	}
}

func (sc *standardDispatchContext) theStandardDispatcherTicks() error {
	sc.dispatchedOrgs = nil
	if err := sc.disp.Tick(context.Background()); err != nil {
		return err
	}
	sc.drainDispatchedOrgs()
	return nil
}

func (sc *standardDispatchContext) organizationFinishesItsSync(orgID string) error {
	return sc.disp.Release(context.Background())
}

func (sc *standardDispatchContext) theStandardDispatcherTicksAgain() error {
	return sc.theStandardDispatcherTicks()
}

func (sc *standardDispatchContext) organizationsAreDispatched(orgsCSV string) error {
	expected := splitCSV(orgsCSV)
	if len(expected) != len(sc.dispatchedOrgs) {
		return fmt.Errorf("expected %d dispatched organizations, got %d (%v)", len(expected), len(sc.dispatchedOrgs), sc.dispatchedOrgs)
	}
	seen := make(map[string]bool, len(sc.dispatchedOrgs))
	for _, orgID := range sc.dispatchedOrgs {
		seen[orgID] = true
	}
	for _, orgID := range expected {
		if !seen[orgID] {
			return fmt.Errorf("organization %s was not dispatched; dispatched were %v", orgID, sc.dispatchedOrgs)
		}
	}
	return nil
}

func (sc *standardDispatchContext) organizationIsDispatchedOnTheSecondTick(orgID string) error {
	if len(sc.dispatchedOrgs) != 1 || sc.dispatchedOrgs[0] != orgID {
		return fmt.Errorf("expected only %s dispatched on the second tick, got %v", orgID, sc.dispatchedOrgs)
	}
	return nil
}

func (sc *standardDispatchContext) theInFlightCounterReads(expected int) error {
	raw, _, err := sc.sss.Get(context.Background(), dispatch.InFlightCounterKey)
	if err != nil {
		return err
	}
	if raw != strconv.Itoa(expected) {
		return fmt.Errorf("expected in-flight counter %d, got %q", expected, raw)
	}
	return nil
}

func (sc *standardDispatchContext) theRoundRobinOffsetReads(expected int) error {
	raw, _, err := sc.sss.Get(context.Background(), dispatch.RoundRobinOffsetKey)
	if err != nil {
		return err
	}
	if raw != strconv.Itoa(expected) {
		return fmt.Errorf("expected round robin offset %d, got %q", expected, raw)
	}
	return nil
}

func splitCSV(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// InitializeStandardDispatchScenario registers the round-robin steps.
func InitializeStandardDispatchScenario(gctx *godog.ScenarioContext) {
	sc := &standardDispatchContext{}

	gctx.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		sc.reset()
		return ctx, nil
	})

	gctx.Step(`^a fleet of organizations "([^"]*)"$`, sc.aFleetOfOrganizations)
	gctx.Step(`^the standard dispatcher allows at most (\d+) concurrent syncs$`, sc.theStandardDispatcherAllowsAtMostConcurrentSyncs)
	gctx.Step(`^the in-flight counter is empty$`, sc.theInFlightCounterIsEmpty)
	gctx.Step(`^the round robin offset is (\d+)$`, sc.theRoundRobinOffsetIs)
	gctx.Step(`^the standard dispatcher ticks$`, sc.theStandardDispatcherTicks)
	gctx.Step(`^the standard dispatcher ticks again$`, sc.theStandardDispatcherTicksAgain)
	gctx.Step(`^organization "([^"]*)" finishes its sync$`, sc.organizationFinishesItsSync)
	gctx.Step(`^organizations "([^"]*)" are dispatched$`, sc.organizationsAreDispatched)
	gctx.Step(`^organization "([^"]*)" is dispatched on the second tick$`, sc.organizationIsDispatchedOnTheSecondTick)
	gctx.Step(`^the in-flight counter reads (\d+)$`, sc.theInFlightCounterReads)
	gctx.Step(`^the round robin offset reads (\d+)$`, sc.theRoundRobinOffsetReads)
}
