// Package xeroimport implements Xero's extract+load modules: page-number
// list imports for the accounting entities, and the offset-keyed journals
// feed.
package xeroimport

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/syncdplatform/syncd/internal/adapters/providers/xero"
	"github.com/syncdplatform/syncd/internal/application/common"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/internal/importer/batch"
	"github.com/syncdplatform/syncd/internal/importer/registry"
	"github.com/syncdplatform/syncd/internal/logging"
)

const (
	listBatchSize         = 100
	journalBatchSize      = 100
	heartbeatEveryBatches = 5
)

// Sink persists one batch of extracted rows for a module.
type Sink interface {
	Upsert(ctx context.Context, table string, rows []map[string]interface{}, naturalKey string) error
}

// Importer runs Xero's modules for one integration.
type Importer struct {
	client  *xero.Client
	sink    Sink
	cursors common.ImportCursorStore
}

// New builds a Xero importer.
func New(client *xero.Client, sink Sink, cursors common.ImportCursorStore) *Importer {
	return &Importer{client: client, sink: sink, cursors: cursors}
}

// Register adds every Xero module to reg, in the order full_import runs
// them.
func Register(reg *registry.Registry, imp *Importer) {
	reg.Register(syncdomain.ProviderXero, registry.Module{Name: "contacts", Run: imp.importContacts})
	reg.Register(syncdomain.ProviderXero, registry.Module{Name: "invoices", Run: imp.importInvoices})
	reg.Register(syncdomain.ProviderXero, registry.Module{Name: "bank_transactions", Run: imp.importBankTransactions})
	reg.Register(syncdomain.ProviderXero, registry.Module{Name: "journals", Run: imp.importJournals})
}

// importPageNumberList walks a page-number endpoint until Xero returns an
// empty page, upserting every row on its natural Xero ID.
func (imp *Importer) importPageNumberList(ctx context.Context, module, path, resultKey, naturalKey string, headers map[string]string) (int, error) {
	logger := logging.FromContext(ctx)
	sink := batch.NewSink(listBatchSize, func(ctx context.Context, rows []map[string]interface{}) error {
		return imp.sink.Upsert(ctx, "xero_"+module, rows, naturalKey)
	})

	page := 1
	for {
		result, err := imp.client.ListPaginated(ctx, path, resultKey, page, headers)
		if err != nil {
			return sink.TotalRows(), err
		}
		for _, row := range result.Items {
			if err := sink.Add(ctx, row); err != nil {
				return sink.TotalRows(), err
			}
		}
		if sink.BatchesFlushed() > 0 && sink.BatchesFlushed()%heartbeatEveryBatches == 0 {
			logger.Info("xero import heartbeat", map[string]interface{}{"module": module, "page": page})
		}
		if len(result.Items) == 0 {
			break
		}
		page++
	}
	return sink.TotalRows(), sink.Close(ctx)
}

func (imp *Importer) importContacts(ctx context.Context, _ *syncdomain.Integration, _, _ *time.Time) (int, error) {
	return imp.importPageNumberList(ctx, "contacts", "/api.xro/2.0/Contacts", "Contacts", "ContactID", nil)
}

func (imp *Importer) importInvoices(ctx context.Context, _ *syncdomain.Integration, since, _ *time.Time) (int, error) {
	var headers map[string]string
	if since != nil {
		headers = map[string]string{"If-Modified-Since": since.UTC().Format(http.TimeFormat)}
	}
	return imp.importPageNumberList(ctx, "invoices", "/api.xro/2.0/Invoices", "Invoices", "InvoiceID", headers)
}

func (imp *Importer) importBankTransactions(ctx context.Context, _ *syncdomain.Integration, _, _ *time.Time) (int, error) {
	return imp.importPageNumberList(ctx, "bank_transactions", "/api.xro/2.0/BankTransactions", "BankTransactions", "BankTransactionID", nil)
}

// importJournals follows the offset feed, persisting the high-water
// JournalNumber as the resume cursor: journals are immutable and strictly
// increasing, so an offset cursor (unlike a timestamp one) never needs to
// rewind for clock skew.
func (imp *Importer) importJournals(ctx context.Context, integration *syncdomain.Integration, _, _ *time.Time) (int, error) {
	logger := logging.FromContext(ctx)

	offset := 0
	if cursor, ok, err := imp.cursors.GetCursor(ctx, integration.ID, "journals"); err == nil && ok {
		if parsed, convErr := strconv.Atoi(cursor); convErr == nil {
			offset = parsed
		}
	}

	sink := batch.NewSink(journalBatchSize, func(ctx context.Context, rows []map[string]interface{}) error {
		return imp.sink.Upsert(ctx, "xero_journals", rows, "JournalNumber")
	})

	for {
		items, err := imp.client.Journals(ctx, offset)
		if err != nil {
			return sink.TotalRows(), err
		}
		for _, row := range items {
			if err := sink.Add(ctx, row); err != nil {
				return sink.TotalRows(), err
			}
		}
		if sink.BatchesFlushed() > 0 && sink.BatchesFlushed()%heartbeatEveryBatches == 0 {
			logger.Info("xero import heartbeat", map[string]interface{}{"module": "journals", "offset": offset})
		}
		if len(items) == 0 {
			break
		}
		next := xero.NextJournalOffset(items, offset)
		if next == offset {
			break
		}
		offset = next
		// Flush before advancing the cursor so a restart never resumes past
		// rows that were still buffered when the cursor was persisted.
		if err := sink.Flush(ctx); err != nil {
			return sink.TotalRows(), err
		}
		if err := imp.cursors.SetCursor(ctx, integration.ID, "journals", strconv.Itoa(offset)); err != nil {
			logger.Warn("persist journal cursor failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return sink.TotalRows(), sink.Close(ctx)
}
