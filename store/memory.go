// Package store provides cohortrates.ArtifactStore implementations.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/AnandSundar/go-cohortrates"
)

// MemoryStore is an in-memory implementation of cohortrates.ArtifactStore.
// It is not durable: records are lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*entry
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

type entry struct {
	record    *cohortrates.Record
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store. A positive ttl expires records
// that long after they are written; zero keeps them until deleted.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		data: make(map[string]*entry),
		ttl:  ttl,
		stop: make(chan struct{}),
	}

	if ttl > 0 {
		go s.cleanup(cleanupInterval(ttl))
	}

	return s
}

// Get retrieves a record
func (s *MemoryStore) Get(_ context.Context, fingerprint string) (*cohortrates.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[fingerprint]
	if !exists || e.expired(time.Now()) {
		return nil, cohortrates.ErrNotFound
	}

	return e.record, nil
}

// Put stores a record
func (s *MemoryStore) Put(_ context.Context, rec *cohortrates.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{record: rec}
	if s.ttl > 0 {
		e.expiresAt = time.Now().Add(s.ttl)
	}
	s.data[rec.Fingerprint] = e

	return nil
}

// Delete removes every record in scope
func (s *MemoryStore) Delete(_ context.Context, scope cohortrates.Scope) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := time.Now()
	for key, e := range s.data {
		if !scope.Matches(key, e.record.Labels) {
			continue
		}
		delete(s.data, key)
		if !e.expired(now) {
			removed++
		}
	}

	return removed, nil
}

// Len returns the number of live records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	now := time.Now()
	for _, e := range s.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Close stops the cleanup goroutine
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// cleanup periodically removes expired records
func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for key, e := range s.data {
				if e.expired(now) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}
