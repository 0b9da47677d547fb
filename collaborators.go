package cohortrates

import (
	"context"
	"time"
)

// EventSource is the data-layer collaborator the aggregator reads from.
type EventSource interface {
	// CountAndDuration returns the number of events for cell with a timestamp in
	// the window and the exposure covered, in the window's unit. A non-positive
	// exposure means "use the window length".
	CountAndDuration(ctx context.Context, experiment string, cell Cell, w Window) (int64, float64, error)
}

// EventRow is one observed event.
type EventRow struct {
	Timestamp time.Time `json:"ts"`
	Cohort    string    `json:"cohort"`
	Event     string    `json:"event"`
}

// EventSink is implemented by event sources that accept new rows.
type EventSink interface {
	Append(ctx context.Context, experiment string, rows []EventRow) (int, error)
}

// HierarchicalFit is the opaque output of a partial-pooling fit: posterior
// rate draws per cohort plus whatever hyperparameters the fitter reports.
type HierarchicalFit struct {
	Hyperparams map[string]float64   `json:"hyperparams"`
	Rates       map[string][]float64 `json:"rates"`
}

// Fitter runs the external hierarchical fitting procedure. Calls are slow and
// may block for a long time.
type Fitter interface {
	Fit(ctx context.Context, event string, cohorts []string, w Window) (*HierarchicalFit, error)
}
