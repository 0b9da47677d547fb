package cohortrates

import (
	"context"
	"fmt"

	"github.com/AnandSundar/go-cohortrates/bayes"
)

// Aggregate reduces the events of one cell in w to a sufficient statistic.
// It issues exactly one read to src. A cell with no events yields K=0.
func Aggregate(ctx context.Context, src EventSource, experiment string, cell Cell, w Window) (bayes.SufficientStatistic, error) {
	if err := w.Validate(); err != nil {
		return bayes.SufficientStatistic{}, err
	}

	k, exposure, err := src.CountAndDuration(ctx, experiment, cell, w)
	if err != nil {
		return bayes.SufficientStatistic{}, fmt.Errorf("%w: %s/%s: %w", ErrUpstreamDataUnavailable, cell.Cohort, cell.Event, err)
	}
	if k < 0 {
		return bayes.SufficientStatistic{}, fmt.Errorf("%w: negative count %d for %s/%s", ErrUpstreamDataUnavailable, k, cell.Cohort, cell.Event)
	}
	if exposure <= 0 {
		exposure = w.Exposure()
	}
	return bayes.SufficientStatistic{K: k, T: exposure}, nil
}
