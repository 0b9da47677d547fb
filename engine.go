package cohortrates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AnandSundar/go-cohortrates/bayes"
)

// Engine answers posterior, sample, comparison and hierarchical requests,
// routing cacheable ones through a Coordinator.
type Engine struct {
	events   EventSource
	fitter   Fitter
	coord    *Coordinator
	defaults Defaults
	logger   *slog.Logger
}

// NewEngine creates an Engine reading events from events. The same options
// configure the Engine's Coordinator.
func NewEngine(events EventSource, opts ...Option) *Engine {
	config := newConfig(opts)
	return &Engine{
		events:   events,
		fitter:   config.Fitter,
		coord:    newCoordinator(config),
		defaults: config.Defaults,
		logger:   config.Logger,
	}
}

// Coordinator returns the Engine's cache coordinator.
func (e *Engine) Coordinator() *Coordinator {
	return e.coord
}

// Defaults returns the request defaults in effect.
func (e *Engine) Defaults() Defaults {
	return e.defaults
}

// SampleSet is a raw set of posterior draws for one cohort.
type SampleSet struct {
	Cohort  string    `json:"cohort"`
	Event   string    `json:"event"`
	Alpha   float64   `json:"alpha"`
	Beta    float64   `json:"beta"`
	Samples []float64 `json:"samples"`
}

// Posterior returns the conjugate posterior summary for one cohort.
func (e *Engine) Posterior(ctx context.Context, req Request) (*Result, error) {
	req.Kind = KindPosterior
	return e.resolve(ctx, req, e.computeConjugate)
}

// Compare returns the posteriors of cohorts A and B (req.Cohorts, in order)
// and P(rate A > rate B).
func (e *Engine) Compare(ctx context.Context, req Request) (*Result, error) {
	req.Kind = KindCompare
	return e.resolve(ctx, req, e.computeConjugate)
}

// Hierarchical returns per-cohort summaries of the external partial-pooling fit.
func (e *Engine) Hierarchical(ctx context.Context, req Request) (*Result, error) {
	if e.fitter == nil {
		return nil, ErrNoFitter
	}
	req.Kind = KindHierarchical
	return e.resolve(ctx, req, e.computeHierarchical)
}

// Samples returns raw draws from one cohort's conjugate posterior. Draws are
// never cached; with a seed they match the draws behind Posterior's summary.
func (e *Engine) Samples(ctx context.Context, req Request) (*SampleSet, error) {
	req.Kind = KindPosterior
	norm, err := req.Normalize(e.defaults)
	if err != nil {
		return nil, err
	}

	cohort := norm.Cohorts[0]
	g, _, err := e.posterior(ctx, norm, cohort)
	if err != nil {
		return nil, err
	}
	draws, err := bayes.SampleCapped(g, norm.N, e.maxN(), cohortSeed(norm.Seed, cohort))
	if err != nil {
		return nil, err
	}
	return &SampleSet{
		Cohort:  cohort,
		Event:   norm.Event,
		Alpha:   g.Alpha,
		Beta:    g.Beta,
		Samples: draws,
	}, nil
}

// Invalidate drops cached results in scope.
func (e *Engine) Invalidate(ctx context.Context, scope Scope) (int, error) {
	return e.coord.Invalidate(ctx, scope)
}

// Ingest appends rows to the event source and invalidates every cached result
// for the (cohort, event) pairs they touch.
func (e *Engine) Ingest(ctx context.Context, experiment string, rows []EventRow) (int, error) {
	sink, ok := e.events.(EventSink)
	if !ok {
		return 0, ErrIngestUnsupported
	}
	if experiment == "" {
		experiment = e.defaults.Experiment
	}
	touched := make(map[Cell]struct{})
	for i, row := range rows {
		if row.Cohort == "" || row.Event == "" || row.Timestamp.IsZero() {
			return 0, fmt.Errorf("%w: row %d needs ts, cohort and event", ErrInvalidRequest, i)
		}
		touched[Cell{Cohort: row.Cohort, Event: row.Event}] = struct{}{}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := sink.Append(ctx, experiment, rows)
	if errors.Is(err, ErrIngestUnsupported) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUpstreamDataUnavailable, err)
	}
	for cell := range touched {
		scope := Scope{Experiment: experiment, Cohort: cell.Cohort, Event: cell.Event}
		if _, err := e.coord.Invalidate(ctx, scope); err != nil {
			e.logger.Warn("invalidation after ingest failed",
				"experiment", experiment, "cohort", cell.Cohort, "event", cell.Event, "error", err)
		}
	}
	e.logger.Info("events ingested", "experiment", experiment, "rows", n, "cells", len(touched))
	return n, nil
}

// resolve validates req before touching the cache, then serves it through the
// Coordinator when cacheable or computes it directly otherwise.
func (e *Engine) resolve(ctx context.Context, req Request, compute ComputeFunc) (*Result, error) {
	norm, err := req.Normalize(e.defaults)
	if err != nil {
		return nil, err
	}
	if !norm.Cacheable() {
		return compute(ctx, norm)
	}
	return e.coord.GetOrCompute(ctx, norm, compute)
}

type cohortDraws struct {
	posterior CohortPosterior
	draws     []float64
}

// computeConjugate handles KindPosterior and KindCompare. Cohorts are
// aggregated and sampled concurrently.
func (e *Engine) computeConjugate(ctx context.Context, req Request) (*Result, error) {
	out := make([]cohortDraws, len(req.Cohorts))
	g, gctx := errgroup.WithContext(ctx)
	for i, cohort := range req.Cohorts {
		g.Go(func() error {
			cd, err := e.conjugateCohort(gctx, req, cohort)
			if err != nil {
				return err
			}
			out[i] = cd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := e.newResult(req, ModelConjugate)
	for _, cd := range out {
		res.Cohorts = append(res.Cohorts, cd.posterior)
	}
	if req.Kind == KindCompare {
		p, err := bayes.Compare(out[0].draws, out[1].draws)
		if err != nil {
			return nil, err
		}
		res.PAGtB = &p
	}
	return res, nil
}

func (e *Engine) conjugateCohort(ctx context.Context, req Request, cohort string) (cohortDraws, error) {
	g, stat, err := e.posterior(ctx, req, cohort)
	if err != nil {
		return cohortDraws{}, err
	}
	draws, err := bayes.SampleCapped(g, req.N, e.maxN(), cohortSeed(req.Seed, cohort))
	if err != nil {
		return cohortDraws{}, err
	}
	summary, err := bayes.Summarize(draws)
	if err != nil {
		return cohortDraws{}, err
	}
	return cohortDraws{
		posterior: CohortPosterior{
			Cohort:   cohort,
			Alpha:    g.Alpha,
			Beta:     g.Beta,
			K:        stat.K,
			Exposure: stat.T,
			Summary:  summary,
		},
		draws: draws,
	}, nil
}

func (e *Engine) posterior(ctx context.Context, req Request, cohort string) (bayes.Gamma, bayes.SufficientStatistic, error) {
	cell := Cell{Cohort: cohort, Event: req.Event}
	stat, err := Aggregate(ctx, e.events, req.Experiment, cell, req.Window)
	if err != nil {
		return bayes.Gamma{}, bayes.SufficientStatistic{}, err
	}
	g, err := bayes.Update(stat, *req.Prior)
	if err != nil {
		return bayes.Gamma{}, bayes.SufficientStatistic{}, err
	}
	e.logger.Debug("posterior updated",
		"experiment", req.Experiment, "cohort", cohort, "event", req.Event,
		"k", stat.K, "exposure", stat.T, "alpha", g.Alpha, "beta", g.Beta)
	return g, stat, nil
}

func (e *Engine) computeHierarchical(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	fit, err := e.fitter.Fit(ctx, req.Event, req.Cohorts, req.Window)
	if err != nil {
		if errors.Is(err, ErrUpstreamFitFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamFitFailed, err)
	}
	if fit == nil {
		return nil, fmt.Errorf("%w: empty fit", ErrUpstreamFitFailed)
	}
	e.logger.Info("hierarchical fit finished",
		"event", req.Event, "cohorts", len(req.Cohorts), "elapsed", time.Since(started))

	res := e.newResult(req, ModelHierarchical)
	res.Hyperparams = fit.Hyperparams
	for _, cohort := range req.Cohorts {
		summary, err := bayes.Summarize(fit.Rates[cohort])
		if err != nil {
			return nil, fmt.Errorf("%w: cohort %s: %w", ErrUpstreamFitFailed, cohort, err)
		}
		res.Cohorts = append(res.Cohorts, CohortPosterior{
			Cohort:   cohort,
			Exposure: req.Window.Exposure(),
			Summary:  summary,
		})
	}
	return res, nil
}

func (e *Engine) newResult(req Request, model Model) *Result {
	return &Result{
		Kind:       req.Kind,
		Model:      model,
		Experiment: req.Experiment,
		Event:      req.Event,
		Window:     req.Window,
		CreatedAt:  time.Now().UTC(),
	}
}

func (e *Engine) maxN() int {
	if e.defaults.MaxN > 0 {
		return e.defaults.MaxN
	}
	return bayes.MaxSampleSize
}

// cohortSeed derives an independent per-cohort stream from the request seed.
func cohortSeed(seed *uint64, cohort string) *uint64 {
	if seed == nil {
		return nil
	}
	s := bayes.DeriveSeed(*seed, cohort)
	return &s
}
