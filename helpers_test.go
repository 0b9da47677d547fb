package cohortrates

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

var day = Window{
	Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	Unit:  UnitHour,
}

// fakeSource serves fixed counts per experiment and cell. When gate is set,
// reads block until it is closed.
type fakeSource struct {
	mu       sync.Mutex
	counts   map[string]map[Cell]int64
	exposure float64
	err      error
	gate     chan struct{}

	calls atomic.Int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{counts: make(map[string]map[Cell]int64)}
}

func (f *fakeSource) set(experiment, cohort, event string, k int64) *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[experiment] == nil {
		f.counts[experiment] = make(map[Cell]int64)
	}
	f.counts[experiment][Cell{Cohort: cohort, Event: event}] = k
	return f
}

func (f *fakeSource) CountAndDuration(ctx context.Context, experiment string, cell Cell, w Window) (int64, float64, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.counts[experiment][cell], f.exposure, nil
}

func (f *fakeSource) Append(ctx context.Context, experiment string, rows []EventRow) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[experiment] == nil {
		f.counts[experiment] = make(map[Cell]int64)
	}
	for _, row := range rows {
		f.counts[experiment][Cell{Cohort: row.Cohort, Event: row.Event}]++
	}
	return len(rows), nil
}

// readOnly hides fakeSource's Append.
type readOnly struct {
	EventSource
}

// fakeStore is an in-process ArtifactStore with injectable failures. The
// before hooks run outside the lock and may block.
type fakeStore struct {
	mu        sync.Mutex
	records   map[string]*Record
	getErr    error
	putErr    error
	deleteErr error

	beforePut    func(rec *Record)
	beforeDelete func(scope Scope)
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*Record)}
}

func (s *fakeStore) Get(ctx context.Context, fingerprint string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) Put(ctx context.Context, rec *Record) error {
	if s.beforePut != nil {
		s.beforePut(rec)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.records[rec.Fingerprint] = rec
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, scope Scope) (int, error) {
	if s.beforeDelete != nil {
		s.beforeDelete(scope)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	n := 0
	for fp, rec := range s.records {
		if scope.Matches(fp, rec.Labels) {
			delete(s.records, fp)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) get(fingerprint string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fingerprint]
	return rec, ok
}

func (s *fakeStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeFitter returns uniform-ish draws around a fixed rate per cohort.
type fakeFitter struct {
	rates map[string]float64
	err   error
	calls atomic.Int64
}

func (f *fakeFitter) Fit(ctx context.Context, event string, cohorts []string, w Window) (*HierarchicalFit, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	fit := &HierarchicalFit{
		Hyperparams: map[string]float64{"mu": 0, "sigma": 1},
		Rates:       make(map[string][]float64),
	}
	for _, c := range cohorts {
		draws := make([]float64, 200)
		for i := range draws {
			draws[i] = f.rates[c] * (0.9 + 0.2*float64(i)/float64(len(draws)-1))
		}
		fit.Rates[c] = draws
	}
	return fit, nil
}

func seedPtr(v uint64) *uint64 {
	return &v
}
