// Package cohortrates estimates per-cohort, per-event-type occurrence rates
// from timestamped events and compares cohorts with calibrated uncertainty.
//
// Results are cached by request fingerprint. The Coordinator guarantees that at
// most one computation runs per fingerprint at a time: concurrent identical
// requests wait for and share the single in-flight result, and repeat requests
// are served without recomputation until explicitly invalidated.
package cohortrates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces the result for a normalized request on a cache miss.
type ComputeFunc func(ctx context.Context, req Request) (*Result, error)

// entry is a Ready result in the index.
type entry struct {
	fingerprint string
	labels      Labels
	result      *Result
	readyAt     time.Time
}

// flight is the bookkeeping for one running computation. stale is guarded by
// Coordinator.mu.
type flight struct {
	fingerprint string
	labels      Labels
	startedAt   time.Time
	stale       bool
}

// Stats is a snapshot of Coordinator counters.
type Stats struct {
	Entries      int   `json:"entries"`
	Pending      int   `json:"pending"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Coalesced    int64 `json:"coalesced"`
	StoreHits    int64 `json:"store_hits"`
	Computations int64 `json:"computations"`
	Failures     int64 `json:"failures"`
	StoreErrors  int64 `json:"store_errors"`
	Invalidated  int64 `json:"invalidated"`
}

// Coordinator owns the fingerprint index and runs single-flight computations.
//
// Ready results live in entries. Running computations are deduplicated by a
// singleflight.Group and tracked in pending so Invalidate can find them.
type Coordinator struct {
	mu      sync.Mutex
	entries map[string]*entry
	pending map[string]*flight
	// tainted counts invalidated flights per fingerprint that may still touch
	// the store; new flights bypass the store while it is non-zero.
	tainted map[string]int
	group   singleflight.Group

	store       ArtifactStore
	logger      *slog.Logger
	waitTimeout time.Duration
	inflight    sync.WaitGroup

	hits         atomic.Int64
	misses       atomic.Int64
	joined       atomic.Int64
	flights      atomic.Int64
	storeHits    atomic.Int64
	computations atomic.Int64
	failures     atomic.Int64
	storeErrors  atomic.Int64
	invalidated  atomic.Int64
}

// NewCoordinator creates a Coordinator with an empty index.
func NewCoordinator(opts ...Option) *Coordinator {
	return newCoordinator(newConfig(opts))
}

func newCoordinator(config *Config) *Coordinator {
	return &Coordinator{
		entries:     make(map[string]*entry),
		pending:     make(map[string]*flight),
		tainted:     make(map[string]int),
		store:       config.Store,
		logger:      config.Logger,
		waitTimeout: config.WaitTimeout,
	}
}

// GetOrCompute returns the result for req, computing it at most once per
// fingerprint. req must already be normalized.
//
// A Ready result is returned immediately. Otherwise the caller joins the
// in-flight computation, starting one if none exists. The computation runs
// detached from ctx: when ctx ends or the wait timeout passes the caller gets
// ErrTimeout while the computation still completes and populates the cache.
func (c *Coordinator) GetOrCompute(ctx context.Context, req Request, compute ComputeFunc) (*Result, error) {
	fingerprint := Fingerprint(req)

	if res, ok := c.Lookup(fingerprint); ok {
		c.hits.Add(1)
		return res, nil
	}

	c.joined.Add(1)
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fingerprint, func() (interface{}, error) {
		return c.run(detached, fingerprint, req, compute)
	})
	return c.wait(ctx, fingerprint, ch)
}

// wait blocks until the flight delivers, ctx ends or the wait timeout passes.
func (c *Coordinator) wait(ctx context.Context, fingerprint string, ch <-chan singleflight.Result) (*Result, error) {
	if c.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.waitTimeout)
		defer cancel()
	}

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: fingerprint %s: %w", ErrTimeout, fingerprint, ctx.Err())
	}
}

// run is the body of one flight. It re-checks the index, since a previous
// flight may have finished between the caller's lookup and DoChan.
func (c *Coordinator) run(ctx context.Context, fingerprint string, req Request, compute ComputeFunc) (*Result, error) {
	c.flights.Add(1)

	c.mu.Lock()
	if e, ok := c.entries[fingerprint]; ok {
		c.mu.Unlock()
		c.hits.Add(1)
		return e.result, nil
	}
	f := &flight{
		fingerprint: fingerprint,
		labels:      req.Labels(),
		startedAt:   time.Now(),
	}
	c.pending[fingerprint] = f
	useStore := c.tainted[fingerprint] == 0
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	c.misses.Add(1)
	res, fresh, err := c.build(ctx, f, req, compute, useStore)

	persisted := false
	if err == nil && fresh && useStore && !c.isStale(f) {
		persisted = c.persist(ctx, f, res)
	}
	c.finish(ctx, f, res, fresh, persisted, err)
	return res, err
}

// build loads a persisted result or computes a fresh one. fresh is false when
// the result came from the artifact store.
func (c *Coordinator) build(ctx context.Context, f *flight, req Request, compute ComputeFunc, useStore bool) (res *Result, fresh bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, fresh, err = nil, false, fmt.Errorf("%w: %v", ErrComputePanic, r)
		}
	}()

	if c.store != nil && useStore {
		rec, err := c.store.Get(ctx, f.fingerprint)
		switch {
		case err == nil && rec != nil && rec.Result != nil:
			c.storeHits.Add(1)
			return rec.Result, false, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			c.storeErrors.Add(1)
			c.logger.Warn("artifact store read failed, computing",
				"fingerprint", f.fingerprint, "error", fmt.Errorf("%w: %w", ErrCacheStoreUnavailable, err))
		}
	}

	c.computations.Add(1)
	res, err = compute(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if res == nil {
		return nil, false, fmt.Errorf("computation for %s returned no result", f.fingerprint)
	}
	res.Fingerprint = f.fingerprint
	return res, true, nil
}

func (c *Coordinator) isStale(f *flight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f.stale
}

// persist writes a fresh result to the artifact store. Failures degrade to an
// uncached success.
func (c *Coordinator) persist(ctx context.Context, f *flight, res *Result) bool {
	if c.store == nil {
		return false
	}
	rec := &Record{
		Fingerprint: f.fingerprint,
		Labels:      f.labels,
		Result:      res,
		StoredAt:    time.Now().UTC(),
	}
	if err := c.store.Put(ctx, rec); err != nil {
		c.storeErrors.Add(1)
		c.logger.Warn("artifact store write failed, result served uncached",
			"fingerprint", f.fingerprint, "error", fmt.Errorf("%w: %w", ErrCacheStoreUnavailable, err))
		return false
	}
	return true
}

// finish publishes a successful result, unless the flight was invalidated
// while running. An invalidated flight removes anything it persisted before
// releasing its taint on the fingerprint.
func (c *Coordinator) finish(ctx context.Context, f *flight, res *Result, fresh, persisted bool, err error) {
	c.mu.Lock()
	stale := f.stale
	if !stale {
		if cur, ok := c.pending[f.fingerprint]; ok && cur == f {
			delete(c.pending, f.fingerprint)
		}
		if err == nil {
			c.entries[f.fingerprint] = &entry{
				fingerprint: f.fingerprint,
				labels:      f.labels,
				result:      res,
				readyAt:     time.Now(),
			}
		}
	}
	c.mu.Unlock()

	switch {
	case err != nil:
		c.failures.Add(1)
		c.logger.Warn("computation failed",
			"fingerprint", f.fingerprint, "experiment", f.labels.Experiment,
			"event", f.labels.Event, "error", err)
	case stale:
		c.logger.Debug("result invalidated while pending, not cached", "fingerprint", f.fingerprint)
	default:
		c.logger.Debug("result ready",
			"fingerprint", f.fingerprint, "fresh", fresh,
			"elapsed", time.Since(f.startedAt))
	}
	if !stale {
		return
	}

	if persisted {
		if _, derr := c.store.Delete(ctx, Scope{Fingerprint: f.fingerprint}); derr != nil {
			c.storeErrors.Add(1)
			c.logger.Warn("artifact store delete failed",
				"fingerprint", f.fingerprint, "error", derr)
		}
	}
	c.mu.Lock()
	if c.tainted[f.fingerprint]--; c.tainted[f.fingerprint] <= 0 {
		delete(c.tainted, f.fingerprint)
	}
	c.mu.Unlock()
}

// Invalidate removes every cached result in scope and returns how many were
// removed. Pending computations in scope still deliver their result to the
// callers already waiting on them, but it is never indexed or kept in the
// store; later requests start a fresh computation.
func (c *Coordinator) Invalidate(ctx context.Context, scope Scope) (int, error) {
	if scope.IsEmpty() {
		return 0, ErrEmptyScope
	}

	removed := 0
	c.mu.Lock()
	for fingerprint, e := range c.entries {
		if scope.Matches(fingerprint, e.labels) {
			delete(c.entries, fingerprint)
			removed++
		}
	}
	for fingerprint, f := range c.pending {
		if !scope.Matches(fingerprint, f.labels) {
			continue
		}
		f.stale = true
		delete(c.pending, fingerprint)
		c.tainted[fingerprint]++
		c.group.Forget(fingerprint)
	}
	c.mu.Unlock()

	if c.store != nil {
		n, err := c.store.Delete(ctx, scope)
		if err != nil {
			c.storeErrors.Add(1)
			c.invalidated.Add(int64(removed))
			return removed, fmt.Errorf("%w: %w", ErrCacheStoreUnavailable, err)
		}
		// a Ready entry normally lives in both places
		removed = max(removed, n)
	}

	c.invalidated.Add(int64(removed))
	c.logger.Info("cache invalidated",
		"experiment", scope.Experiment, "cohort", scope.Cohort,
		"event", scope.Event, "fingerprint", scope.Fingerprint, "removed", removed)
	return removed, nil
}

// Lookup returns the Ready result for a fingerprint without computing.
func (c *Coordinator) Lookup(fingerprint string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	return e.result, true
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	ready, pending := len(c.entries), len(c.pending)
	c.mu.Unlock()

	return Stats{
		Entries:      ready + pending,
		Pending:      pending,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Coalesced:    c.joined.Load() - c.flights.Load(),
		StoreHits:    c.storeHits.Load(),
		Computations: c.computations.Load(),
		Failures:     c.failures.Load(),
		StoreErrors:  c.storeErrors.Load(),
		Invalidated:  c.invalidated.Load(),
	}
}

// Wait blocks until every in-flight computation has finished.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}
