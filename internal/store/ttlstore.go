// Package store provides a generic in-memory key-value store with
// per-entry expiry and periodic cleanup.
package store

import (
	"sync"
	"time"
)

// Entry wraps a value with its absolute expiration time.
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// Expired reports whether the entry has passed its expiration time.
func (e *Entry[V]) Expired() bool {
	return time.Now().After(e.ExpiresAt)
}

// TTL returns the remaining time until expiration, or zero if expired.
func (e *Entry[V]) TTL() time.Duration {
	remaining := time.Until(e.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TTLStore is a generic in-memory store with per-entry expiry. A background
// goroutine sweeps expired entries every cleanup interval; reads never return
// an expired entry even before the sweep runs.
type TTLStore[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]*Entry[V]
	stopCh  chan struct{}
	once    sync.Once
	onEvict func(key K, value V)
}

// NewTTLStore creates a store sweeping expired entries every interval.
// onEvict, if non-nil, is called for entries removed by the sweep (not for
// manual deletes).
func NewTTLStore[K comparable, V any](interval time.Duration, onEvict func(key K, value V)) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:   make(map[K]*Entry[V]),
		stopCh:  make(chan struct{}),
		onEvict: onEvict,
	}
	go s.sweepLoop(interval)
	return s
}

// Set stores a value expiring at the given absolute time.
func (s *TTLStore[K, V]) Set(key K, value V, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &Entry[V]{Value: value, ExpiresAt: expiresAt}
}

// Get returns the value for key if present and not expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.items[key]
	if !ok || entry.Expired() {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// GetEntry returns the entry with its expiry metadata.
func (s *TTLStore[K, V]) GetEntry(key K) (*Entry[V], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.items[key]
	if !ok || entry.Expired() {
		return nil, false
	}
	return entry, true
}

// Update applies fn to the current value under the write lock and stores the
// result with a new expiry. If the key is absent or expired, fn receives the
// zero value and false.
func (s *TTLStore[K, V]) Update(key K, expiresAt time.Time, fn func(prev V, ok bool) V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev V
	ok := false
	if entry, exists := s.items[key]; exists && !entry.Expired() {
		prev = entry.Value
		ok = true
	}
	s.items[key] = &Entry[V]{Value: fn(prev, ok), ExpiresAt: expiresAt}
}

// Delete removes a key. Returns true if the key was present and unexpired.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.items[key]
	delete(s.items, key)
	return ok && !entry.Expired()
}

// Has reports whether the key exists and is not expired.
func (s *TTLStore[K, V]) Has(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.items[key]
	return ok && !entry.Expired()
}

// Len returns the number of unexpired entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entry := range s.items {
		if !entry.Expired() {
			n++
		}
	}
	return n
}

// All returns all unexpired values keyed by key.
func (s *TTLStore[K, V]) All() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[K]V, len(s.items))
	for key, entry := range s.items {
		if !entry.Expired() {
			out[key] = entry.Value
		}
	}
	return out
}

// Clear removes all entries.
func (s *TTLStore[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[K]*Entry[V])
}

// Cleanup removes all expired entries immediately, invoking the eviction
// callback for each outside the lock.
func (s *TTLStore[K, V]) Cleanup() {
	type evicted struct {
		key   K
		value V
	}
	s.mu.Lock()
	var removed []evicted
	for key, entry := range s.items {
		if entry.Expired() {
			removed = append(removed, evicted{key, entry.Value})
			delete(s.items, key)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range removed {
			onEvict(e.key, e.value)
		}
	}
}

// Close stops the sweep goroutine.
func (s *TTLStore[K, V]) Close() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *TTLStore[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCh:
			return
		}
	}
}
