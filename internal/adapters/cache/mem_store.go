package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/syncdplatform/syncd/internal/shared"
)

// MemStore implements common.SharedStateStore in a single process's memory,
// for single-node deployments and for tests. Expired entries are reaped
// lazily on access rather than by a background goroutine, keeping the store
// simple to construct in table-driven tests.
type MemStore struct {
	mu    sync.Mutex
	clock shared.Clock
	items map[string]memEntry
}

type memEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

// NewMemStore constructs an empty store. If clock is nil, RealClock is used.
func NewMemStore(clock shared.Clock) *MemStore {
	if clock == nil {
		clock = shared.NewRealClock()
	}
	return &MemStore{clock: clock, items: make(map[string]memEntry)}
}

func (s *MemStore) expiredLocked(key string) bool {
	entry, ok := s.items[key]
	if !ok {
		return true
	}
	if entry.expires.IsZero() {
		return false
	}
	if s.clock.Now().After(entry.expires) {
		delete(s.items, key)
		return true
	}
	return false
}

func (s *MemStore) Add(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.expiredLocked(key) {
		return false, nil
	}

	var expires time.Time
	if ttl > 0 {
		expires = s.clock.Now().Add(ttl)
	}
	s.items[key] = memEntry{value: value, expires: expires}
	return true, nil
}

func (s *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiredLocked(key) {
		return "", false, nil
	}
	return s.items[key].value, true, nil
}

func (s *MemStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = s.clock.Now().Add(ttl)
	}
	s.items[key] = memEntry{value: value, expires: expires}
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemStore) Incr(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if !s.expiredLocked(key) {
		current, _ = strconv.ParseInt(s.items[key].value, 10, 64)
	}
	next := current + delta

	existing := s.items[key]
	existing.value = strconv.FormatInt(next, 10)
	s.items[key] = existing
	return next, nil
}

func (s *MemStore) Touch(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiredLocked(key) {
		return nil
	}
	entry := s.items[key]
	if ttl > 0 {
		entry.expires = s.clock.Now().Add(ttl)
	} else {
		entry.expires = time.Time{}
	}
	s.items[key] = entry
	return nil
}
