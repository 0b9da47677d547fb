package cohortrates

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func normalized(t *testing.T, experiment, cohort string) Request {
	t.Helper()
	req, err := Request{
		Experiment: experiment,
		Cohorts:    []string{cohort},
		Event:      "crash",
		Window:     day,
		Seed:       seedPtr(42),
	}.Normalize(DefaultDefaults())
	require.NoError(t, err)
	return req
}

// countingCompute returns a ComputeFunc that counts calls and optionally
// blocks on gate.
func countingCompute(calls *atomic.Int64, gate <-chan struct{}) ComputeFunc {
	return func(ctx context.Context, req Request) (*Result, error) {
		calls.Add(1)
		if gate != nil {
			<-gate
		}
		return &Result{Kind: req.Kind, Experiment: req.Experiment, Event: req.Event}, nil
	}
}

func TestCoordinator_RepeatIsCacheHit(t *testing.T) {
	c := NewCoordinator(WithLogger(quiet))
	req := normalized(t, "exp", "a")
	var calls atomic.Int64

	first, err := c.GetOrCompute(context.Background(), req, countingCompute(&calls, nil))
	require.NoError(t, err)
	second, err := c.GetOrCompute(context.Background(), req, countingCompute(&calls, nil))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, Fingerprint(req), first.Fingerprint)
	assert.Equal(t, int64(1), calls.Load())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 1, stats.Entries)
}

func TestCoordinator_SingleFlight(t *testing.T) {
	c := NewCoordinator(WithLogger(quiet))
	req := normalized(t, "exp", "a")
	gate := make(chan struct{})
	var calls atomic.Int64

	const callers = 20
	results := make([]*Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(context.Background(), req, countingCompute(&calls, gate))
		}(i)
	}

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Misses == 1 && s.Misses+s.Coalesced == callers
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, c.Stats().Pending)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestCoordinator_DistinctFingerprintsRunInParallel(t *testing.T) {
	c := NewCoordinator(WithLogger(quiet))
	gate := make(chan struct{})
	var calls atomic.Int64

	var wg sync.WaitGroup
	for _, cohort := range []string{"a", "b", "c"} {
		req := normalized(t, "exp", cohort)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrCompute(context.Background(), req, countingCompute(&calls, gate))
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, c.Stats().Pending)
	close(gate)
	wg.Wait()
}

func TestCoordinator_FailureIsNotCached(t *testing.T) {
	c := NewCoordinator(WithLogger(quiet))
	req := normalized(t, "exp", "a")
	boom := errors.New("boom")

	_, err := c.GetOrCompute(context.Background(), req, func(ctx context.Context, req Request) (*Result, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	c.Wait()

	_, ok := c.Lookup(Fingerprint(req))
	assert.False(t, ok)
	assert.Zero(t, c.Stats().Entries)

	var calls atomic.Int64
	res, err := c.GetOrCompute(context.Background(), req, countingCompute(&calls, nil))
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Failures)
}

func TestCoordinator_PanicBecomesError(t *testing.T) {
	c := NewCoordinator(WithLogger(quiet))
	req := normalized(t, "exp", "a")

	_, err := c.GetOrCompute(context.Background(), req, func(ctx context.Context, req Request) (*Result, error) {
		panic("index out of range")
	})
	assert.ErrorIs(t, err, ErrComputePanic)
	assert.ErrorContains(t, err, "index out of range")
	c.Wait()
	assert.Zero(t, c.Stats().Entries)
}

func TestCoordinator_NilResultIsFailure(t *testing.T) {
	c := NewCoordinator(WithLogger(quiet))

	_, err := c.GetOrCompute(context.Background(), normalized(t, "exp", "a"), func(ctx context.Context, req Request) (*Result, error) {
		return nil, nil
	})
	assert.Error(t, err)
	c.Wait()
	assert.Zero(t, c.Stats().Entries)
}

func TestCoordinator_WaitTimeout(t *testing.T) {
	c := NewCoordinator(WithLogger(quiet), WithWaitTimeout(20*time.Millisecond))
	req := normalized(t, "exp", "a")
	gate := make(chan struct{})
	var calls atomic.Int64

	_, err := c.GetOrCompute(context.Background(), req, countingCompute(&calls, gate))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the computation keeps running and populates the cache
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(gate)
	c.Wait()
	res, ok := c.Lookup(Fingerprint(req))
	require.True(t, ok)
	assert.Equal(t, "exp", res.Experiment)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCoordinator_CallerCancelDoesNotAbortComputation(t *testing.T) {
	c := NewCoordinator(WithLogger(quiet))
	req := normalized(t, "exp", "a")
	gate := make(chan struct{})
	var calls atomic.Int64
	var sawCancel atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	compute := func(cctx context.Context, req Request) (*Result, error) {
		res, err := countingCompute(&calls, gate)(cctx, req)
		sawCancel.Store(cctx.Err() != nil)
		return res, err
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, req, compute)
		done <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, ErrTimeout)

	close(gate)
	c.Wait()
	assert.False(t, sawCancel.Load())
	_, ok := c.Lookup(Fingerprint(req))
	assert.True(t, ok)
}

func TestCoordinator_PersistsToStore(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(WithLogger(quiet), WithStore(store))
	req := normalized(t, "exp", "a")
	var calls atomic.Int64

	_, err := c.GetOrCompute(context.Background(), req, countingCompute(&calls, nil))
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), Fingerprint(req))
	require.NoError(t, err)
	assert.Equal(t, "exp", rec.Labels.Experiment)
	assert.Equal(t, []string{"a"}, rec.Labels.Cohorts)
	assert.Equal(t, Fingerprint(req), rec.Result.Fingerprint)
}

func TestCoordinator_StoreHitSkipsCompute(t *testing.T) {
	store := newFakeStore()
	req := normalized(t, "exp", "a")
	fp := Fingerprint(req)
	require.NoError(t, store.Put(context.Background(), &Record{
		Fingerprint: fp,
		Labels:      req.Labels(),
		Result:      &Result{Fingerprint: fp, Experiment: "exp", Event: "crash"},
	}))

	c := NewCoordinator(WithLogger(quiet), WithStore(store))
	var calls atomic.Int64
	res, err := c.GetOrCompute(context.Background(), req, countingCompute(&calls, nil))
	require.NoError(t, err)

	assert.Equal(t, fp, res.Fingerprint)
	assert.Zero(t, calls.Load())
	assert.Equal(t, int64(1), c.Stats().StoreHits)
}

func TestCoordinator_StoreFailuresAreSwallowed(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("redis: connection refused")
	store.putErr = errors.New("redis: connection refused")
	c := NewCoordinator(WithLogger(quiet), WithStore(store))
	req := normalized(t, "exp", "a")
	var calls atomic.Int64

	res, err := c.GetOrCompute(context.Background(), req, countingCompute(&calls, nil))
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(2), c.Stats().StoreErrors)

	// still cached in memory
	_, err = c.GetOrCompute(context.Background(), req, countingCompute(&calls, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCoordinator_InvalidateExperiment(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(WithLogger(quiet), WithStore(store))
	x := normalized(t, "X", "a")
	y := normalized(t, "Y", "a")
	var calls atomic.Int64
	ctx := context.Background()

	for _, req := range []Request{x, y} {
		_, err := c.GetOrCompute(ctx, req, countingCompute(&calls, nil))
		require.NoError(t, err)
	}
	require.Equal(t, int64(2), calls.Load())

	n, err := c.Invalidate(ctx, Scope{Experiment: "X"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.len())

	// exactly one new computation for X, none for Y
	_, err = c.GetOrCompute(ctx, x, countingCompute(&calls, nil))
	require.NoError(t, err)
	_, err = c.GetOrCompute(ctx, y, countingCompute(&calls, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(3), c.Stats().Misses)
}

func TestCoordinator_InvalidateByCohortAndFingerprint(t *testing.T) {
	c := NewCoordinator(WithLogger(quiet))
	a := normalized(t, "exp", "a")
	b := normalized(t, "exp", "b")
	var calls atomic.Int64
	ctx := context.Background()

	for _, req := range []Request{a, b} {
		_, err := c.GetOrCompute(ctx, req, countingCompute(&calls, nil))
		require.NoError(t, err)
	}

	n, err := c.Invalidate(ctx, Scope{Cohort: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Invalidate(ctx, Scope{Fingerprint: Fingerprint(a)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, c.Stats().Entries)
}

func TestCoordinator_InvalidateEmptyScope(t *testing.T) {
	c := NewCoordinator(WithLogger(quiet))
	_, err := c.Invalidate(context.Background(), Scope{})
	assert.ErrorIs(t, err, ErrEmptyScope)
}

func TestCoordinator_InvalidateStoreFailure(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(WithLogger(quiet), WithStore(store))
	var calls atomic.Int64
	_, err := c.GetOrCompute(context.Background(), normalized(t, "exp", "a"), countingCompute(&calls, nil))
	require.NoError(t, err)

	store.deleteErr = errors.New("redis: i/o timeout")
	n, err := c.Invalidate(context.Background(), Scope{Experiment: "exp"})
	assert.ErrorIs(t, err, ErrCacheStoreUnavailable)
	assert.Equal(t, 1, n)
	assert.Zero(t, c.Stats().Entries)
}

func TestCoordinator_InvalidateWhilePending(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(WithLogger(quiet), WithStore(store))
	req := normalized(t, "exp", "a")
	gate := make(chan struct{})
	var calls atomic.Int64
	ctx := context.Background()

	done := make(chan *Result, 1)
	go func() {
		res, err := c.GetOrCompute(ctx, req, countingCompute(&calls, gate))
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	n, err := c.Invalidate(ctx, Scope{Experiment: "exp"})
	require.NoError(t, err)
	assert.Zero(t, n)

	// the current waiter still gets its result
	close(gate)
	assert.NotNil(t, <-done)
	c.Wait()

	// but it is neither indexed nor persisted
	_, ok := c.Lookup(Fingerprint(req))
	assert.False(t, ok)
	assert.Zero(t, store.len())

	_, err = c.GetOrCompute(ctx, req, countingCompute(&calls, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

// versionedCompute tags each result with the version current when the
// computation started. Version 1 blocks on gate.
func versionedCompute(calls, version *atomic.Int64, gate <-chan struct{}) ComputeFunc {
	return func(ctx context.Context, req Request) (*Result, error) {
		v := version.Load()
		calls.Add(1)
		if v == 1 {
			<-gate
		}
		return &Result{
			Experiment:  req.Experiment,
			Event:       req.Event,
			Hyperparams: map[string]float64{"version": float64(v)},
		}, nil
	}
}

func TestCoordinator_RequestAfterInvalidateStartsFreshComputation(t *testing.T) {
	c := NewCoordinator(WithLogger(quiet))
	req := normalized(t, "exp", "a")
	gate := make(chan struct{})
	var calls, version atomic.Int64
	version.Store(1)
	compute := versionedCompute(&calls, &version, gate)
	ctx := context.Background()

	first := make(chan *Result, 1)
	go func() {
		res, err := c.GetOrCompute(ctx, req, compute)
		assert.NoError(t, err)
		first <- res
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err := c.Invalidate(ctx, Scope{Experiment: "exp"})
	require.NoError(t, err)
	version.Store(2)

	// does not join the invalidated computation, which is still blocked
	res, err := c.GetOrCompute(ctx, req, compute)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Hyperparams["version"])
	assert.Equal(t, int64(2), calls.Load())

	close(gate)
	assert.Equal(t, 1.0, (<-first).Hyperparams["version"])
	c.Wait()

	cached, ok := c.Lookup(Fingerprint(req))
	require.True(t, ok)
	assert.Equal(t, 2.0, cached.Hyperparams["version"])
}

func TestCoordinator_InvalidatedResultIsNotServedFromStore(t *testing.T) {
	store := newFakeStore()
	putReached := make(chan struct{})
	putGate := make(chan struct{})
	cleanupStarted := make(chan struct{}, 1)
	cleanupGate := make(chan struct{})
	store.beforePut = func(rec *Record) {
		if rec.Result.Hyperparams["version"] == 1 {
			close(putReached)
			<-putGate
		}
	}
	store.beforeDelete = func(scope Scope) {
		if scope.Fingerprint == "" {
			return
		}
		cleanupStarted <- struct{}{}
		<-cleanupGate
	}

	c := NewCoordinator(WithLogger(quiet), WithStore(store))
	req := normalized(t, "exp", "a")
	fp := Fingerprint(req)
	var calls, version atomic.Int64
	version.Store(1)
	compute := versionedCompute(&calls, &version, nil)
	ctx := context.Background()

	first := make(chan *Result, 1)
	go func() {
		res, err := c.GetOrCompute(ctx, req, compute)
		assert.NoError(t, err)
		first <- res
	}()
	<-putReached

	n, err := c.Invalidate(ctx, Scope{Experiment: "exp"})
	require.NoError(t, err)
	assert.Zero(t, n)
	version.Store(2)

	// the invalidated write lands, then its cleanup stalls
	close(putGate)
	<-cleanupStarted
	rec, ok := store.get(fp)
	require.True(t, ok)
	require.Equal(t, 1.0, rec.Result.Hyperparams["version"])

	res, err := c.GetOrCompute(ctx, req, compute)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Hyperparams["version"], "served %v", res.Hyperparams)
	assert.Equal(t, int64(2), calls.Load())
	assert.Zero(t, c.Stats().StoreHits)

	close(cleanupGate)
	assert.Equal(t, 1.0, (<-first).Hyperparams["version"])
	c.Wait()

	assert.Zero(t, store.len())
	cached, ok := c.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, 2.0, cached.Hyperparams["version"])

	res, err = c.GetOrCompute(ctx, req, compute)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Hyperparams["version"])
	assert.Equal(t, int64(2), calls.Load())
}
