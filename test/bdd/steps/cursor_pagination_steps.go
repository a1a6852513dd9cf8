package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/cucumber/godog"

	"github.com/syncdplatform/syncd/internal/adapters/cache"
	"github.com/syncdplatform/syncd/internal/adapters/httpx"
	"github.com/syncdplatform/syncd/internal/adapters/providers/netsuite"
	"github.com/syncdplatform/syncd/internal/adapters/providers/tokenrefresh"
	"github.com/syncdplatform/syncd/internal/application/common"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/internal/importer/netsuiteimport"
	"github.com/syncdplatform/syncd/internal/importer/registry"
)

// recordingCursorStore wraps an in-memory common.ImportCursorStore and keeps
// every value SetCursor was ever called with, so a scenario can assert on
// the cursor as it stood right after the first page, not just its final
// value once the whole import has finished.
type recordingCursorStore struct {
	mu      sync.Mutex
	current map[string]string
	history []string
}

func newRecordingCursorStore() *recordingCursorStore {
	return &recordingCursorStore{current: make(map[string]string)}
}

func (s *recordingCursorStore) GetCursor(_ context.Context, integrationID, module string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.current[integrationID+":"+module]
	return v, ok, nil
}

func (s *recordingCursorStore) SetCursor(_ context.Context, integrationID, module, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[integrationID+":"+module] = cursor
	s.history = append(s.history, cursor)
	return nil
}

var _ common.ImportCursorStore = (*recordingCursorStore)(nil)

// fakeWarehouseSink implements netsuiteimport.Sink in memory so a scenario
// can inspect exactly which rows were ingested, and how many times.
type fakeWarehouseSink struct {
	mu       sync.Mutex
	upserted []map[string]interface{}
}

func (s *fakeWarehouseSink) Reset(context.Context, string) error { return nil }

func (s *fakeWarehouseSink) Insert(_ context.Context, _ string, rows []map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted = append(s.upserted, rows...)
	return nil
}

func (s *fakeWarehouseSink) Upsert(_ context.Context, _ string, rows []map[string]interface{}, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted = append(s.upserted, rows...)
	return nil
}

func (s *fakeWarehouseSink) countID(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.upserted {
		if rowID, _ := row["id"].(string); rowID == id {
			n++
		}
	}
	return n
}

// cursorPaginationContext drives the NetSuite transactions importer's
// (lastmodifieddate, id) keyset pagination against a real
// httptest.Server standing in for NetSuite's SuiteQL endpoint.
type cursorPaginationContext struct {
	server    *httptest.Server
	requestQs []string

	cursors *recordingCursorStore
	sink    *fakeWarehouseSink
	imp     *netsuiteimport.Importer

	firstPageEndModified string
	firstPageEndID       string

	integration *syncdomain.Integration
	since       time.Time

	runErr error
}

func (cc *cursorPaginationContext) reset() {
	if cc.server != nil {
		cc.server.Close()
	}
	cc.server = nil
	cc.requestQs = nil
	cc.cursors = newRecordingCursorStore()
	cc.sink = &fakeWarehouseSink{}
	cc.imp = nil
	cc.firstPageEndModified = ""
	cc.firstPageEndID = ""
	cc.integration = &syncdomain.Integration{ID: "integ-1", OrgID: "org-1", Provider: syncdomain.ProviderNetSuite}
	cc.runErr = nil
}

func (cc *cursorPaginationContext) anImporterWithSinceAndNoSavedCursor(since string) error {
	t, err := time.Parse("2006-01-02 15:04:05", since)
	if err != nil {
		return err
	}
	cc.since = t
	return nil
}

func (cc *cursorPaginationContext) theFirstPageReturnsRowsEndingAtID(count int, modified, id string) error {
	cc.firstPageEndModified = modified
	cc.firstPageEndID = id

	firstPage := syntheticTransactionPage(count, "2024-01-01 00:00:00", modified, id)
	cc.startServer(firstPage)
	return nil
}

func (cc *cursorPaginationContext) theSecondPageReturnsRowsStrictlyAfterID(modified, id string) error {
	// startServer already holds the first page; the handler below serves
	// the second, smaller page once the cursor has advanced past id.
	return nil
}

// startServer wires a SuiteQL stand-in: the first call returns firstPage
// verbatim; every call after that returns two rows whose ids are strictly
// greater than the first page's last id, ending the import.
func (cc *cursorPaginationContext) startServer(firstPage []map[string]interface{}) {
	call := 0
	cc.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Q string `json:"q"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		cc.requestQs = append(cc.requestQs, body.Q)
		call++

		w.Header().Set("Content-Type", "application/json")
		if call == 1 {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": firstPage, "hasMore": true})
			return
		}
		nextPage := []map[string]interface{}{
			{"id": "901", "lastmodifieddate": "2024-01-03 12:00:01"},
			{"id": "902", "lastmodifieddate": "2024-01-03 12:05:00"},
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": nextPage, "hasMore": false})
	}))

	tokenMgr := tokenrefresh.NewManager(cache.NewMemStore(nil), time.Minute)
	httpClient := httpx.New(httpx.Config{
		BaseURL:            cc.server.URL,
		Timeout:            5 * time.Second,
		RateLimitPerSecond: 0,
		MaxRetries:         1,
		BackoffBase:        time.Millisecond,
		CircuitMaxFailures: 100,
		CircuitTimeout:     time.Minute,
	})
	nsClient := netsuite.NewClient(httpClient, tokenMgr, netsuite.Config{
		IntegrationID: cc.integration.ID,
		AccountID:     "acct-1",
		ConsumerKey:   "key",
		TokenID:       "token",
		TokenSecret:   "secret",
	})
	cc.imp = netsuiteimport.New(nsClient, cc.sink, cc.cursors)
}

func syntheticTransactionPage(count int, startModified, endModified, endID string) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, count)
	for i := 0; i < count-1; i++ {
		rows = append(rows, map[string]interface{}{
			"id":               fmt.Sprintf("%d", 100+i),
			"lastmodifieddate": startModified,
		})
	}
	rows = append(rows, map[string]interface{}{"id": endID, "lastmodifieddate": endModified})
	return rows
}

func (cc *cursorPaginationContext) theImporterRuns() error {
	reg := registry.New()
	netsuiteimport.Register(reg, cc.imp)
	modules, err := reg.Resolve(syncdomain.ProviderNetSuite, []string{"transactions"})
	if err != nil {
		return err
	}
	_, cc.runErr = modules[0].Run(context.Background(), cc.integration, &cc.since, nil)
	return cc.runErr
}

func (cc *cursorPaginationContext) theSecondPagesQueryAnchorsOnID(modified, id string) error {
	if len(cc.requestQs) < 2 {
		return fmt.Errorf("expected at least 2 queries, got %d", len(cc.requestQs))
	}
	second := cc.requestQs[1]
	if !strings.Contains(second, id) {
		return fmt.Errorf("second page query does not anchor on id %q: %s", id, second)
	}
	if !strings.Contains(second, strings.Split(modified, " ")[0]) {
		return fmt.Errorf("second page query does not anchor on date %q: %s", modified, second)
	}
	return nil
}

func (cc *cursorPaginationContext) rowIDIsIngestedExactlyOnce(id string) error {
	n := cc.sink.countID(id)
	if n != 1 {
		return fmt.Errorf("expected row id %q ingested exactly once, got %d", id, n)
	}
	return nil
}

func (cc *cursorPaginationContext) thePersistedCursorReadsIDAfterTheFirstPage(modified, id string) error {
	cc.cursors.mu.Lock()
	defer cc.cursors.mu.Unlock()
	if len(cc.cursors.history) == 0 {
		return fmt.Errorf("no cursor was ever persisted")
	}
	first := cc.cursors.history[0]
	expected := modified + "|" + id
	if first != expected {
		return fmt.Errorf("expected first persisted cursor %q, got %q", expected, first)
	}
	return nil
}

// InitializeCursorPaginationScenario registers the keyset-dedup steps.
func InitializeCursorPaginationScenario(gctx *godog.ScenarioContext) {
	cc := &cursorPaginationContext{}

	gctx.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		cc.reset()
		return ctx, nil
	})

	gctx.After(func(ctx context.Context, s *godog.Scenario, err error) (context.Context, error) {
		if cc.server != nil {
			cc.server.Close()
		}
		return ctx, err
	})

	gctx.Step(`^an importer with since "([^"]*)" and no saved cursor$`, cc.anImporterWithSinceAndNoSavedCursor)
	gctx.Step(`^the first page returns (\d+) rows ending at "([^"]*)" id "([^"]*)"$`, cc.theFirstPageReturnsRowsEndingAtID)
	gctx.Step(`^the second page returns rows strictly after "([^"]*)" id "([^"]*)"$`, cc.theSecondPageReturnsRowsStrictlyAfterID)
	gctx.Step(`^the importer runs$`, cc.theImporterRuns)
	gctx.Step(`^the second page's query anchors on "([^"]*)" id "([^"]*)"$`, cc.theSecondPagesQueryAnchorsOnID)
	gctx.Step(`^row id "([^"]*)" is ingested exactly once$`, cc.rowIDIsIngestedExactlyOnce)
	gctx.Step(`^the persisted cursor reads "([^"]*)" id "([^"]*)" after the first page$`, cc.thePersistedCursorReadsIDAfterTheFirstPage)
}
