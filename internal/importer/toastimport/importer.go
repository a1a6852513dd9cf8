// Package toastimport implements Toast's order import: a per-business-day,
// page-number walk over the bulk orders endpoint.
package toastimport

import (
	"context"
	"time"

	"github.com/syncdplatform/syncd/internal/adapters/providers/toast"
	"github.com/syncdplatform/syncd/internal/application/common"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/internal/importer/batch"
	"github.com/syncdplatform/syncd/internal/importer/registry"
	"github.com/syncdplatform/syncd/internal/logging"
)

const (
	orderBatchSize        = 100
	heartbeatEveryBatches = 5
	businessDateLayout    = "20060102"
)

// Sink persists one batch of extracted rows for a module.
type Sink interface {
	Upsert(ctx context.Context, table string, rows []map[string]interface{}, naturalKey string) error
}

// Importer runs Toast's modules for one integration.
type Importer struct {
	client  *toast.Client
	sink    Sink
	cursors common.ImportCursorStore
}

// New builds a Toast importer.
func New(client *toast.Client, sink Sink, cursors common.ImportCursorStore) *Importer {
	return &Importer{client: client, sink: sink, cursors: cursors}
}

// Register adds Toast's orders module to reg.
func Register(reg *registry.Registry, imp *Importer) {
	reg.Register(syncdomain.ProviderToast, registry.Module{Name: "orders", Run: imp.importOrders})
}

// importOrders walks every business date in [since, until) one day at a
// time, paging through that day's orders until Toast returns an empty page.
// Toast's orders API is scoped to a single business date per call, so there
// is no cross-day cursor to track: the resume point is just "which day did
// we last finish", persisted after each day completes.
func (imp *Importer) importOrders(ctx context.Context, integration *syncdomain.Integration, since, until *time.Time) (int, error) {
	logger := logging.FromContext(ctx)

	start := resolveStart(ctx, imp.cursors, integration.ID, since)
	end := time.Now().UTC()
	if until != nil {
		// until is exclusive: a midnight until does not pull its own date.
		end = until.UTC().Add(-time.Nanosecond)
	}

	sink := batch.NewSink(orderBatchSize, func(ctx context.Context, rows []map[string]interface{}) error {
		return imp.sink.Upsert(ctx, "toast_orders", rows, "guid")
	})

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		businessDate := day.Format(businessDateLayout)
		page := 1
		for {
			result, err := imp.client.ListOrders(ctx, businessDate, page)
			if err != nil {
				return sink.TotalRows(), err
			}
			for _, row := range result.Items {
				if err := sink.Add(ctx, row); err != nil {
					return sink.TotalRows(), err
				}
			}
			if sink.BatchesFlushed() > 0 && sink.BatchesFlushed()%heartbeatEveryBatches == 0 {
				logger.Info("toast import heartbeat", map[string]interface{}{"business_date": businessDate, "page": page})
			}
			if len(result.Items) == 0 {
				break
			}
			page++
		}
		// Flush the day's remainder before recording it as finished; a
		// cursor past rows still buffered would skip them on restart.
		if err := sink.Flush(ctx); err != nil {
			return sink.TotalRows(), err
		}
		if err := imp.cursors.SetCursor(ctx, integration.ID, "orders", businessDate); err != nil {
			logger.Warn("persist orders cursor failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return sink.TotalRows(), sink.Close(ctx)
}

func resolveStart(ctx context.Context, cursors common.ImportCursorStore, integrationID string, since *time.Time) time.Time {
	if cursor, ok, err := cursors.GetCursor(ctx, integrationID, "orders"); err == nil && ok {
		if parsed, parseErr := time.Parse(businessDateLayout, cursor); parseErr == nil {
			return parsed.AddDate(0, 0, 1)
		}
	}
	if since != nil {
		return since.UTC()
	}
	return time.Now().UTC().AddDate(0, 0, -1)
}
