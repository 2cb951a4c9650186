package ratelimit

import (
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the number of tracked clients.
const DefaultMaxEntries = 10000

type entry struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	// removed is set by sweep; holders of a removed entry look it up again.
	removed bool
}

// MemoryStore keeps counters in process memory. The map lock only guards
// lookups; each entry has its own lock for the read-modify-write so that
// different clients never contend.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxEntries int
	sweeps     int
}

// NewMemoryStore creates a store holding at most maxEntries clients. When
// full it drops expired entries and then, if still above three quarters of
// the cap, the entries whose windows end soonest. maxEntries <= 0 uses
// DefaultMaxEntries.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
	}
}

// Len returns the number of tracked clients.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) TryConsume(_ context.Context, key string, budget int, window time.Duration, now time.Time) (Decision, error) {
	for {
		e := s.lookup(key, now)

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if now.After(e.resetAt) {
			e.count = 0
			e.resetAt = now.Add(window)
		}
		if e.count >= budget {
			d := Decision{Allowed: false, Count: e.count, ResetAt: e.resetAt}
			e.mu.Unlock()
			return d, nil
		}
		e.count++
		d := Decision{Allowed: true, Count: e.count, ResetAt: e.resetAt}
		e.mu.Unlock()
		return d, nil
	}
}

func (s *MemoryStore) lookup(key string, now time.Time) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		return e
	}
	if len(s.entries) >= s.maxEntries {
		s.sweepLocked(now)
	}
	e := &entry{}
	s.entries[key] = e
	return e
}

// sweepLocked shrinks the map to at most lowWater entries so that the next
// sweep is at least a quarter of the cap away. Expired entries go first,
// then live ones ordered by resetAt. Entries busy in a concurrent
// TryConsume are skipped.
func (s *MemoryStore) sweepLocked(now time.Time) {
	s.sweeps++
	lowWater := s.maxEntries * 3 / 4

	type candidate struct {
		key     string
		e       *entry
		resetAt time.Time
	}
	var live []candidate
	for k, e := range s.entries {
		if !e.mu.TryLock() {
			continue
		}
		if now.After(e.resetAt) {
			e.removed = true
			delete(s.entries, k)
			e.mu.Unlock()
			continue
		}
		live = append(live, candidate{k, e, e.resetAt})
		e.mu.Unlock()
	}

	excess := len(s.entries) - lowWater
	if excess <= 0 {
		return
	}
	slices.SortFunc(live, func(a, b candidate) int {
		return a.resetAt.Compare(b.resetAt)
	})
	for _, c := range live {
		if excess == 0 {
			return
		}
		if !c.e.mu.TryLock() {
			continue
		}
		c.e.removed = true
		delete(s.entries, c.key)
		c.e.mu.Unlock()
		excess--
	}
}
