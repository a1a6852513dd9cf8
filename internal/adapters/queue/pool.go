package queue

import (
	"context"
	"time"

	"github.com/syncdplatform/syncd/internal/logging"
)

// HandlerFunc processes one dequeued item's payload.
type HandlerFunc func(ctx context.Context, item *Item) error

// RetryPolicy bounds how many times a failed item is re-enqueued before
// the pool gives up on it. The delay keeps a persistently failing task
// from hot-looping through its retry budget. A zero MaxRetries means
// failures are logged and dropped on the first error.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// Pool runs a fixed number of worker goroutines pulling from a single
// Queue via a dispatcher loop, so the worker goroutines never poll the
// queue directly: one goroutine dequeues on a ticker and fans work out
// over a buffered channel, so backpressure (a full channel) naturally
// slows dispatch instead of spawning unbounded work.
type Pool struct {
	queue        *Queue
	handler      HandlerFunc
	concurrency  int
	pollInterval time.Duration
	retry        RetryPolicy
}

// NewPool builds a Pool of concurrency workers polling queue every
// pollInterval, re-enqueuing failed items per retry.
func NewPool(q *Queue, concurrency int, pollInterval time.Duration, retry RetryPolicy, handler HandlerFunc) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Pool{queue: q, handler: handler, concurrency: concurrency, pollInterval: pollInterval, retry: retry}
}

// Run starts the dispatcher and worker goroutines, blocking until ctx is
// canceled.
func (p *Pool) Run(ctx context.Context) {
	items := make(chan *Item, p.concurrency)

	go p.dispatch(ctx, items)

	done := make(chan struct{}, p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go p.work(ctx, items, done)
	}

	<-ctx.Done()
	for i := 0; i < p.concurrency; i++ {
		<-done
	}
}

func (p *Pool) dispatch(ctx context.Context, items chan<- *Item) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	defer close(items)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			item := p.queue.Dequeue()
			if item == nil {
				continue
			}
			select {
			case items <- item:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) work(ctx context.Context, items <-chan *Item, done chan<- struct{}) {
	logger := logging.FromContext(ctx)
	defer func() { done <- struct{}{} }()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				return
			}
			if err := p.handler(ctx, item); err != nil {
				if item.Attempts < p.retry.MaxRetries {
					item.Attempts++
					item.NotBefore = time.Now().Add(p.retry.Delay)
					p.queue.Enqueue(item)
					logger.Warn("queue item handler failed, retrying", map[string]interface{}{
						"item_id": item.ID, "attempt": item.Attempts, "max_retries": p.retry.MaxRetries, "error": err.Error(),
					})
					continue
				}
				logger.Error("queue item handler failed, giving up", err, map[string]interface{}{"item_id": item.ID, "attempts": item.Attempts})
			}
		}
	}
}
