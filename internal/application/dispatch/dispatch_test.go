package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/syncdplatform/syncd/internal/adapters/cache"
	"github.com/syncdplatform/syncd/internal/adapters/persistence"
	"github.com/syncdplatform/syncd/internal/adapters/queue"
	"github.com/syncdplatform/syncd/internal/application/dispatch"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/test/helpers"
)

func seedIntegration(t *testing.T, db *gorm.DB, orgID string) {
	t.Helper()
	require.NoError(t, db.Create(&persistence.IntegrationModel{
		ID:       orgID + "-integ",
		OrgID:    orgID,
		Provider: string(syncdomain.ProviderXero),
		Active:   true,
		Settings: `{"client_id":"x","client_secret":"y"}`,
	}).Error)
}

// Three organizations, empty counter, offset 0; one tick dispatches all
// three, counter becomes 3, offset stays 0 (wraps back to start).
func TestStandardDispatcher_TickFillsAllSlots(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		seedIntegration(t, db, id)
	}

	sss := cache.NewMemStore(nil)
	orgQueue := queue.New(0)
	d := dispatch.NewStandardDispatcher(store, sss, orgQueue, 3, 250*time.Millisecond, time.Hour)

	require.NoError(t, d.Tick(ctx))

	require.Equal(t, 3, orgQueue.Len())

	raw, exists, err := sss.Get(ctx, dispatch.InFlightCounterKey)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, "3", raw)

	offsetRaw, exists, err := sss.Get(ctx, dispatch.RoundRobinOffsetKey)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, "0", offsetRaw)
}

// Counter at 2 (one org_sync completed out of three dispatched earlier),
// offset 0; next tick only has room for one slot and dispatches org "1",
// advancing the offset to 1.
func TestStandardDispatcher_TickRespectsInFlightCeiling(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		seedIntegration(t, db, id)
	}

	sss := cache.NewMemStore(nil)
	orgQueue := queue.New(0)
	d := dispatch.NewStandardDispatcher(store, sss, orgQueue, 3, 250*time.Millisecond, time.Hour)

	require.NoError(t, sss.Set(ctx, dispatch.InFlightCounterKey, "2", time.Hour))
	require.NoError(t, sss.Set(ctx, dispatch.RoundRobinOffsetKey, "0", 0))

	require.NoError(t, d.Tick(ctx))

	require.Equal(t, 1, orgQueue.Len())
	item := orgQueue.Dequeue()
	payload := item.Payload.(dispatch.OrgSyncPayload)
	require.Equal(t, "1", payload.OrgID)

	raw, _, err := sss.Get(ctx, dispatch.InFlightCounterKey)
	require.NoError(t, err)
	require.Equal(t, "3", raw)

	offsetRaw, _, err := sss.Get(ctx, dispatch.RoundRobinOffsetKey)
	require.NoError(t, err)
	require.Equal(t, "1", offsetRaw)
}

// Zero organizations is a no-op; no counter/offset keys are written.
func TestStandardDispatcher_NoOrganizationsIsNoop(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	sss := cache.NewMemStore(nil)
	orgQueue := queue.New(0)
	d := dispatch.NewStandardDispatcher(store, sss, orgQueue, 3, 250*time.Millisecond, time.Hour)

	require.NoError(t, d.Tick(ctx))
	require.Equal(t, 0, orgQueue.Len())

	_, exists, err := sss.Get(ctx, dispatch.RoundRobinOffsetKey)
	require.NoError(t, err)
	require.False(t, exists)
}

// An offset left over from a larger organization set wraps via modulo
// rather than panicking or skipping the lone remaining organization.
func TestStandardDispatcher_OffsetWrapsWhenOrgCountShrinks(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	seedIntegration(t, db, "only")

	sss := cache.NewMemStore(nil)
	orgQueue := queue.New(0)
	d := dispatch.NewStandardDispatcher(store, sss, orgQueue, 3, 250*time.Millisecond, time.Hour)

	require.NoError(t, sss.Set(ctx, dispatch.RoundRobinOffsetKey, "7", 0))

	require.NoError(t, d.Tick(ctx))

	require.Equal(t, 1, orgQueue.Len())
	item := orgQueue.Dequeue()
	payload := item.Payload.(dispatch.OrgSyncPayload)
	require.Equal(t, "only", payload.OrgID)
}

// An absent (TTL-expired) counter is treated as zero, not an error.
func TestStandardDispatcher_MissingCounterTreatedAsZero(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	seedIntegration(t, db, "1")

	sss := cache.NewMemStore(nil)
	orgQueue := queue.New(0)
	d := dispatch.NewStandardDispatcher(store, sss, orgQueue, 3, 250*time.Millisecond, time.Hour)

	require.NoError(t, d.Tick(ctx))
	require.Equal(t, 1, orgQueue.Len())
}

// A second tick while the dispatcher lock is still held is a no-op —
// the lock, not re-entrant logic, is what prevents the double-dispatch.
func TestStandardDispatcher_ConcurrentTickShortCircuitsOnLock(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	seedIntegration(t, db, "1")

	sss := cache.NewMemStore(nil)
	orgQueue := queue.New(0)
	d := dispatch.NewStandardDispatcher(store, sss, orgQueue, 3, 250*time.Millisecond, time.Hour)

	won, err := sss.Add(ctx, "dispatch:standard:lock", "1", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, d.Tick(ctx))
	require.Equal(t, 0, orgQueue.Len())
}

// Release decrements the in-flight counter so a completed org sync frees a
// dispatch slot for the next tick.
func TestStandardDispatcher_ReleaseDecrementsCounter(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	sss := cache.NewMemStore(nil)
	orgQueue := queue.New(0)
	d := dispatch.NewStandardDispatcher(store, sss, orgQueue, 3, 250*time.Millisecond, time.Hour)

	require.NoError(t, sss.Set(ctx, dispatch.InFlightCounterKey, "1", time.Hour))
	require.NoError(t, d.Release(ctx))

	raw, _, err := sss.Get(ctx, dispatch.InFlightCounterKey)
	require.NoError(t, err)
	require.Equal(t, "0", raw)
}

// A release against an absent or already-zero counter (a TTL lapse or a
// monitor reset while a sync was still in flight) would drive it negative;
// Release repairs that to 0 instead of letting the next tick read phantom
// spare capacity.
func TestStandardDispatcher_ReleaseRepairsNegativeCounter(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	sss := cache.NewMemStore(nil)
	orgQueue := queue.New(0)
	d := dispatch.NewStandardDispatcher(store, sss, orgQueue, 3, 250*time.Millisecond, time.Hour)

	require.NoError(t, d.Release(ctx))

	raw, _, err := sss.Get(ctx, dispatch.InFlightCounterKey)
	require.NoError(t, err)
	require.Equal(t, "0", raw, "a decrement below zero must be repaired, not left negative")
}

// A high-priority dispatcher tick claims the oldest pending
// task, marks the marker, and enqueues it; a second tick while the marker
// is held is a no-op.
func TestHighPriorityDispatcher_ClaimsOneTaskThenBlocksSecondTick(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	hpt := &syncdomain.HighPriorityTask{OrgID: "org-1", IntegrationID: "integ-1", Modules: []string{"accounts", "vendors"}}
	require.NoError(t, store.CreateHPT(ctx, hpt))

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	d := dispatch.NewHighPriorityDispatcher(store, sss, hpQueue, 3*24*time.Hour, 250*time.Millisecond)

	require.NoError(t, d.Tick(ctx))
	require.Equal(t, 1, hpQueue.Len())

	markerValue, exists, err := sss.Get(ctx, dispatch.HighPriorityMarkerKey)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, hpt.ID, markerValue)

	// Second tick: marker still present, no additional dispatch even though
	// the task is not actually "done" yet.
	require.NoError(t, d.Tick(ctx))
	require.Equal(t, 1, hpQueue.Len())
}

// After Release clears the marker, the next tick claims the
// following pending task.
func TestHighPriorityDispatcher_ReleaseAllowsNextClaim(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	first := &syncdomain.HighPriorityTask{OrgID: "org-1", IntegrationID: "integ-1"}
	require.NoError(t, store.CreateHPT(ctx, first))
	time.Sleep(2 * time.Millisecond)
	second := &syncdomain.HighPriorityTask{OrgID: "org-2", IntegrationID: "integ-2"}
	require.NoError(t, store.CreateHPT(ctx, second))

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	d := dispatch.NewHighPriorityDispatcher(store, sss, hpQueue, 3*24*time.Hour, 250*time.Millisecond)

	require.NoError(t, d.Tick(ctx))
	require.Equal(t, 1, hpQueue.Len())
	item := hpQueue.Dequeue()
	require.Equal(t, first.ID, item.Payload.(dispatch.HighPriorityPayload).Task.ID)

	require.NoError(t, d.Release(ctx))

	require.NoError(t, d.Tick(ctx))
	require.Equal(t, 1, hpQueue.Len())
	item2 := hpQueue.Dequeue()
	require.Equal(t, second.ID, item2.Payload.(dispatch.HighPriorityPayload).Task.ID)
}

// When there are no pending tasks, a tick releases its own marker rather
// than holding it for the full lease duration over nothing.
func TestHighPriorityDispatcher_NoPendingTaskReleasesMarker(t *testing.T) {
	db := helpers.NewTestDB(t)
	store := persistence.NewGormTaskStore(db)
	ctx := context.Background()

	sss := cache.NewMemStore(nil)
	hpQueue := queue.New(0)
	d := dispatch.NewHighPriorityDispatcher(store, sss, hpQueue, 3*24*time.Hour, 250*time.Millisecond)

	require.NoError(t, d.Tick(ctx))
	require.Equal(t, 0, hpQueue.Len())

	_, exists, err := sss.Get(ctx, dispatch.HighPriorityMarkerKey)
	require.NoError(t, err)
	require.False(t, exists)
}
