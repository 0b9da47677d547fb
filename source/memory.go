// Package source provides event data collaborators for the aggregator.
package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AnandSundar/go-cohortrates"
)

// MemoryEvents is an in-process event table keyed by experiment. Rows for each
// cell are kept sorted by timestamp so window counts are two binary searches.
type MemoryEvents struct {
	mu   sync.RWMutex
	data map[string]map[cohortrates.Cell][]time.Time
}

// NewMemoryEvents creates an empty event table
func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{
		data: make(map[string]map[cohortrates.Cell][]time.Time),
	}
}

// Append adds rows to an experiment and returns how many were added
func (m *MemoryEvents) Append(_ context.Context, experiment string, rows []cohortrates.EventRow) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cells, ok := m.data[experiment]
	if !ok {
		cells = make(map[cohortrates.Cell][]time.Time)
		m.data[experiment] = cells
	}

	dirty := make(map[cohortrates.Cell]struct{})
	for _, row := range rows {
		cell := cohortrates.Cell{Cohort: row.Cohort, Event: row.Event}
		cells[cell] = append(cells[cell], row.Timestamp.UTC())
		dirty[cell] = struct{}{}
	}
	for cell := range dirty {
		ts := cells[cell]
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	}
	return len(rows), nil
}

// CountAndDuration counts events of cell with a timestamp in [w.Start, w.End)
func (m *MemoryEvents) CountAndDuration(_ context.Context, experiment string, cell cohortrates.Cell, w cohortrates.Window) (int64, float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ts := m.data[experiment][cell]
	lo := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(w.Start) })
	hi := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(w.End) })
	return int64(hi - lo), w.Exposure(), nil
}
