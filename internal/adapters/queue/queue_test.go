package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncdplatform/syncd/internal/adapters/queue"
)

func TestQueue_DequeueOrdersByPriority(t *testing.T) {
	q := queue.New(0)

	q.Enqueue(&queue.Item{ID: "low", Priority: 0})
	q.Enqueue(&queue.Item{ID: "high", Priority: 10})
	q.Enqueue(&queue.Item{ID: "mid", Priority: 5})

	require.Equal(t, "high", q.Dequeue().ID)
	require.Equal(t, "mid", q.Dequeue().ID)
	require.Equal(t, "low", q.Dequeue().ID)
	assert.Nil(t, q.Dequeue())
}

func TestQueue_SameIDReplacesExistingItem(t *testing.T) {
	q := queue.New(0)

	q.Enqueue(&queue.Item{ID: "org_sync:1", Priority: 0, Payload: "first"})
	q.Enqueue(&queue.Item{ID: "org_sync:1", Priority: 0, Payload: "second"})

	assert.Equal(t, 1, q.Len())
	item := q.Dequeue()
	assert.Equal(t, "second", item.Payload)
}

func TestQueue_RemoveDropsQueuedItem(t *testing.T) {
	q := queue.New(0)
	q.Enqueue(&queue.Item{ID: "a"})

	removed := q.Remove("a")
	assert.True(t, removed)
	assert.Equal(t, 0, q.Len())

	removed = q.Remove("a")
	assert.False(t, removed, "removing an item twice should report false the second time")
}

func TestQueue_AgingLetsOldLowPriorityItemOvertake(t *testing.T) {
	q := queue.New(10 * time.Millisecond)

	old := &queue.Item{ID: "old", Priority: 0, EnqueuedAt: time.Now().Add(-time.Second)}
	fresh := &queue.Item{ID: "fresh", Priority: 1, EnqueuedAt: time.Now()}

	q.Enqueue(old)
	q.Enqueue(fresh)

	first := q.Dequeue()
	assert.Equal(t, "old", first.ID, "an item that waited a full second at 10ms/point should far outrank a priority-1 item enqueued just now")
}

func TestQueue_DequeueOnEmptyQueueReturnsNil(t *testing.T) {
	q := queue.New(0)
	assert.Nil(t, q.Dequeue())
}

// A delayed item (e.g. a pipeline step waiting out its inter-module pause)
// is skipped by Dequeue until its NotBefore elapses, without blocking an
// already-ready lower-priority item behind it.
func TestQueue_DequeueSkipsItemNotYetDue(t *testing.T) {
	q := queue.New(0)

	q.Enqueue(&queue.Item{ID: "delayed", Priority: 10, NotBefore: time.Now().Add(time.Hour)})
	q.Enqueue(&queue.Item{ID: "ready", Priority: 0})

	first := q.Dequeue()
	require.NotNil(t, first)
	assert.Equal(t, "ready", first.ID, "a not-yet-due item must not block a ready one, regardless of priority")
	assert.Equal(t, 1, q.Len(), "the delayed item stays queued")

	assert.Nil(t, q.Dequeue(), "nothing else is ready yet")
}
