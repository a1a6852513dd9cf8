// Package batch buffers extracted rows and flushes them in fixed-size
// batches, the unit of idempotency importers rely on: a restart after a
// partial import replays at most one batch twice, never a single row.
package batch

import "context"

// FlushFunc persists one batch of rows. It is called with a slice of
// exactly Size rows when Add fills the buffer, or fewer when Flush or Close
// runs on a partial buffer.
type FlushFunc[T any] func(ctx context.Context, rows []T) error

// Sink accumulates rows of type T and flushes them once Size rows have
// collected, or on Close for any remainder. It is not safe for concurrent
// use; each importer module owns its own Sink.
type Sink[T any] struct {
	size    int
	flush   FlushFunc[T]
	buf     []T
	flushed int
	total   int
}

// NewSink builds a Sink that flushes every size rows via flush.
func NewSink[T any](size int, flush FlushFunc[T]) *Sink[T] {
	if size <= 0 {
		size = 1
	}
	return &Sink[T]{size: size, flush: flush, buf: make([]T, 0, size)}
}

// Add appends row to the buffer, flushing automatically once Size is
// reached.
func (s *Sink[T]) Add(ctx context.Context, row T) error {
	s.buf = append(s.buf, row)
	s.total++
	if len(s.buf) >= s.size {
		return s.Flush(ctx)
	}
	return nil
}

// TotalRows returns how many rows have been added so far, flushed or still
// buffered. Importers report this as the record count on the module's
// completion SyncLogEvent.
func (s *Sink[T]) TotalRows() int {
	return s.total
}

// Flush persists whatever is currently buffered, even if it's short of a
// full batch. A no-op when the buffer is empty.
func (s *Sink[T]) Flush(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	if err := s.flush(ctx, s.buf); err != nil {
		return err
	}
	s.flushed++
	s.buf = s.buf[:0]
	return nil
}

// BatchesFlushed returns how many batches (including the final partial one,
// once Flush/Close has run) have been persisted so far. Importers use this
// to decide when to emit a heartbeat log line.
func (s *Sink[T]) BatchesFlushed() int {
	return s.flushed
}

// Close flushes any remaining buffered rows.
func (s *Sink[T]) Close(ctx context.Context) error {
	return s.Flush(ctx)
}
