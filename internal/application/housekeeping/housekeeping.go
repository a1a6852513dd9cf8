// Package housekeeping implements the two clock-driven jobs that round out
// the schedule table alongside the dispatchers and monitors: a nightly
// catch-up sync and a proactive token-refresh sweep.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/syncdplatform/syncd/internal/adapters/queue"
	"github.com/syncdplatform/syncd/internal/application/common"
	"github.com/syncdplatform/syncd/internal/application/dispatch"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/internal/logging"
)

// TokenRefresher proactively rotates the provider token cached for one
// integration, building its client the first time it is asked to.
type TokenRefresher interface {
	EnsureValidToken(ctx context.Context, integration *syncdomain.Integration) error
}

// Jobs bundles the dependencies the two housekeeping tasks share with the
// dispatch layer: the same organization list, the same org_sync queue, and
// the same in-flight counter, so a catch-up sync never exceeds the
// concurrency ceiling an ordinary Tick would respect.
type Jobs struct {
	store       common.TaskStore
	sss         common.SharedStateStore
	orgQueue    *queue.Queue
	maxInFlight int
	refresher   TokenRefresher
}

// New builds a Jobs bundle.
func New(store common.TaskStore, sss common.SharedStateStore, orgQueue *queue.Queue, maxInFlight int, refresher TokenRefresher) *Jobs {
	return &Jobs{store: store, sss: sss, orgQueue: orgQueue, maxInFlight: maxInFlight, refresher: refresher}
}

// DailyPreviousDaySync enqueues a full catch-up org sync, scoped to the
// previous calendar day, for every organization with active integrations.
// It shares the in_flight_org_sync counter with the standard dispatcher,
// skipping organizations once the ceiling is hit rather than overshooting
// it. An organization skipped this way gets no previous-day sync from this
// run; it is covered only by the standard dispatcher's ordinary round-robin
// syncs, which carry no date window.
func (j *Jobs) DailyPreviousDaySync(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	orgIDs, err := j.store.DistinctOrgIDs(ctx)
	if err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}

	now := time.Now().UTC()
	since := time.Date(now.Year(), now.Month(), now.Day()-1, 0, 0, 0, 0, time.UTC)
	until := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	dispatched := 0
	for _, orgID := range orgIDs {
		raw, _, err := j.sss.Get(ctx, dispatch.InFlightCounterKey)
		if err != nil {
			return fmt.Errorf("read in-flight counter: %w", err)
		}
		if parseCounter(raw) >= j.maxInFlight {
			logger.Debug("daily previous day sync at capacity, deferring remaining orgs", map[string]interface{}{"remaining": len(orgIDs) - dispatched})
			break
		}
		if _, err := j.sss.Incr(ctx, dispatch.InFlightCounterKey, 1); err != nil {
			return fmt.Errorf("increment in-flight counter: %w", err)
		}
		j.orgQueue.Enqueue(&queue.Item{
			ID:         fmt.Sprintf("daily_previous_day_sync:%s:%s", orgID, since.Format("20060102")),
			Priority:   0,
			EnqueuedAt: now,
			Payload:    dispatch.OrgSyncPayload{OrgID: orgID, Since: &since, Until: &until},
		})
		dispatched++
	}
	logger.Info("daily previous day sync dispatched", map[string]interface{}{"org_count": len(orgIDs), "dispatched": dispatched})
	return nil
}

// RefreshProviderTokens sweeps every active integration and proactively
// rotates its provider token, so a token nearing expiry is refreshed ahead
// of the next scheduled import instead of being discovered mid-batch as a
// 401.
func (j *Jobs) RefreshProviderTokens(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	orgIDs, err := j.store.DistinctOrgIDs(ctx)
	if err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}

	var failures int
	for _, orgID := range orgIDs {
		integrations, err := j.store.IntegrationsForOrg(ctx, orgID)
		if err != nil {
			logger.Warn("load integrations for token refresh failed", map[string]interface{}{"org_id": orgID, "error": err.Error()})
			continue
		}
		for _, integration := range integrations {
			if !integration.HasCredentials() {
				continue
			}
			if err := j.refresher.EnsureValidToken(ctx, integration); err != nil {
				failures++
				logger.Warn("proactive token refresh failed", map[string]interface{}{
					"integration_id": integration.ID, "provider": integration.Provider, "error": err.Error(),
				})
			}
		}
	}
	if failures > 0 {
		logger.Warn("proactive token refresh sweep completed with failures", map[string]interface{}{"failures": failures})
	}
	return nil
}

func parseCounter(s string) int {
	if s == "" {
		return 0
	}
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0
	}
	return n
}
