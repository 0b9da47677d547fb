// Package httpapi exposes an Engine over HTTP.
//
// Routes:
//
//	GET  /posterior/:cohort/:event          - posterior mean and 94% HDI
//	GET  /posterior/:cohort/:event/samples  - raw posterior draws
//	GET  /posterior/:cohort/:event/summary  - full summary with density curve
//	GET  /compare                           - P(rate A > rate B)
//	GET  /hierarchical/:event               - partial-pooling fit summaries
//	POST /events                            - ingest event rows
//	POST /cache/invalidate                  - drop cached results in scope
//	GET  /cache/stats                       - coordinator counters
//	GET  /healthz                           - liveness
package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AnandSundar/go-cohortrates"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// PosteriorResponse keeps the hdi95 field name for existing clients; the
// interval it carries is the 94% HDI.
type PosteriorResponse struct {
	Alpha float64    `json:"alpha"`
	Beta  float64    `json:"beta"`
	Mean  float64    `json:"mean"`
	HDI95 [2]float64 `json:"hdi95"`
}

type SummaryResponse struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	Event       string `json:"event"`
	cohortrates.CohortPosterior
}

type CompareResponse struct {
	PAGtB float64 `json:"p_A_gt_B"`
}

type InvalidateResponse struct {
	Invalidated int `json:"invalidated"`
}

type IngestRequest struct {
	Rows []cohortrates.EventRow `json:"rows"`
}

type IngestResponse struct {
	Ingested int `json:"ingested"`
}

// Handlers serves HTTP requests from an Engine.
type Handlers struct {
	engine *cohortrates.Engine
	logger *slog.Logger
}

// NewHandlers creates handlers for engine. A nil logger uses slog.Default().
func NewHandlers(engine *cohortrates.Engine, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: engine, logger: logger}
}

// NewRouter returns a gin engine with middleware and every route registered.
func NewRouter(engine *cohortrates.Engine, logger *slog.Logger) *gin.Engine {
	h := NewHandlers(engine, logger)
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger(h.logger))
	RegisterRoutes(r, h)
	return r
}

// RegisterRoutes mounts the handlers on r.
func RegisterRoutes(r gin.IRouter, h *Handlers) {
	posterior := r.Group("/posterior/:cohort/:event")
	{
		posterior.GET("", h.HandlePosterior)
		posterior.GET("/samples", h.HandleSamples)
		posterior.GET("/summary", h.HandleSummary)
	}
	r.GET("/compare", h.HandleCompare)
	r.GET("/hierarchical/:event", h.HandleHierarchical)
	r.POST("/events", h.HandleIngest)

	cache := r.Group("/cache")
	{
		cache.POST("/invalidate", h.HandleInvalidate)
		cache.GET("/stats", h.HandleStats)
	}
	r.GET("/healthz", h.HandleHealth)
}

// HandlePosterior handles GET /posterior/:cohort/:event.
func (h *Handlers) HandlePosterior(c *gin.Context) {
	post, _, ok := h.posterior(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, PosteriorResponse{
		Alpha: post.Alpha,
		Beta:  post.Beta,
		Mean:  post.Summary.Mean,
		HDI95: [2]float64{post.Summary.HDILower, post.Summary.HDIUpper},
	})
}

// HandleSummary handles GET /posterior/:cohort/:event/summary.
func (h *Handlers) HandleSummary(c *gin.Context) {
	post, res, ok := h.posterior(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, SummaryResponse{
		Fingerprint:     res.Fingerprint,
		Event:           res.Event,
		CohortPosterior: post,
	})
}

func (h *Handlers) posterior(c *gin.Context) (cohortrates.CohortPosterior, *cohortrates.Result, bool) {
	req, err := h.parseRequest(c, c.Param("event"), c.Param("cohort"))
	if err != nil {
		h.fail(c, err)
		return cohortrates.CohortPosterior{}, nil, false
	}
	res, err := h.engine.Posterior(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return cohortrates.CohortPosterior{}, nil, false
	}
	post, found := res.Cohort(req.Cohorts[0])
	if !found {
		h.fail(c, fmt.Errorf("result %s has no cohort %q", res.Fingerprint, req.Cohorts[0]))
		return cohortrates.CohortPosterior{}, nil, false
	}
	return post, res, true
}

// HandleSamples handles GET /posterior/:cohort/:event/samples.
func (h *Handlers) HandleSamples(c *gin.Context) {
	req, err := h.parseRequest(c, c.Param("event"), c.Param("cohort"))
	if err != nil {
		h.fail(c, err)
		return
	}
	set, err := h.engine.Samples(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

// HandleCompare handles GET /compare?event&A&B.
func (h *Handlers) HandleCompare(c *gin.Context) {
	req, err := h.parseRequest(c, c.Query("event"), c.Query("A"), c.Query("B"))
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.engine.Compare(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	if res.PAGtB == nil {
		h.fail(c, fmt.Errorf("result %s has no comparison", res.Fingerprint))
		return
	}
	c.JSON(http.StatusOK, CompareResponse{PAGtB: *res.PAGtB})
}

// HandleHierarchical handles GET /hierarchical/:event?cohort=a&cohort=b.
func (h *Handlers) HandleHierarchical(c *gin.Context) {
	req, err := h.parseRequest(c, c.Param("event"), c.QueryArray("cohort")...)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.engine.Hierarchical(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleIngest handles POST /events?experiment=.
func (h *Handlers) HandleIngest(c *gin.Context) {
	var body IngestRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, fmt.Errorf("%w: invalid request body: %w", cohortrates.ErrInvalidRequest, err))
		return
	}
	n, err := h.engine.Ingest(c.Request.Context(), c.Query("experiment"), body.Rows)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, IngestResponse{Ingested: n})
}

// HandleInvalidate handles POST /cache/invalidate.
func (h *Handlers) HandleInvalidate(c *gin.Context) {
	var scope cohortrates.Scope
	if err := c.ShouldBindJSON(&scope); err != nil {
		h.fail(c, fmt.Errorf("%w: invalid request body: %w", cohortrates.ErrInvalidRequest, err))
		return
	}
	n, err := h.engine.Invalidate(c.Request.Context(), scope)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, InvalidateResponse{Invalidated: n})
}

// HandleStats handles GET /cache/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Coordinator().Stats())
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// parseRequest reads the window, prior and sampling parameters shared by every
// read route.
func (h *Handlers) parseRequest(c *gin.Context, event string, cohorts ...string) (cohortrates.Request, error) {
	req := cohortrates.Request{
		Experiment: c.Query("experiment"),
		Cohorts:    cohorts,
		Event:      event,
	}

	var err error
	if req.Window.Start, err = parseTime(c, "start"); err != nil {
		return req, err
	}
	if req.Window.End, err = parseTime(c, "end"); err != nil {
		return req, err
	}
	if unit := c.Query("unit"); unit != "" {
		if req.Window.Unit, err = cohortrates.ParseUnit(unit); err != nil {
			return req, err
		}
	}

	if n := c.Query("n"); n != "" {
		if req.N, err = strconv.Atoi(n); err != nil {
			return req, fmt.Errorf("%w: n=%q", cohortrates.ErrInvalidSampleSize, n)
		}
		if req.N == 0 {
			return req, fmt.Errorf("%w: n=0", cohortrates.ErrInvalidSampleSize)
		}
	}
	if s := c.Query("seed"); s != "" {
		seed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return req, fmt.Errorf("%w: seed=%q", cohortrates.ErrInvalidRequest, s)
		}
		req.Seed = &seed
	}

	a, hasA := c.GetQuery("alpha0")
	b, hasB := c.GetQuery("beta0")
	if hasA || hasB {
		prior := h.engine.Defaults().Prior
		if hasA {
			if prior.Alpha0, err = strconv.ParseFloat(a, 64); err != nil {
				return req, fmt.Errorf("%w: alpha0=%q", cohortrates.ErrInvalidPrior, a)
			}
		}
		if hasB {
			if prior.Beta0, err = strconv.ParseFloat(b, 64); err != nil {
				return req, fmt.Errorf("%w: beta0=%q", cohortrates.ErrInvalidPrior, b)
			}
		}
		req.Prior = &prior
	}
	return req, nil
}

func parseTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", cohortrates.ErrInvalidWindow, key)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s=%q is not RFC3339", cohortrates.ErrInvalidWindow, key, v)
	}
	return t, nil
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status, code := classify(err)
	logger := h.logger.With("request_id", c.GetString(requestIDKey), "path", c.FullPath())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Debug("request rejected", "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// classify maps engine errors to HTTP statuses. Upstream errors are checked
// first because they may wrap a numeric validation error.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, cohortrates.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, cohortrates.ErrUpstreamDataUnavailable),
		errors.Is(err, cohortrates.ErrUpstreamFitFailed),
		errors.Is(err, cohortrates.ErrCacheStoreUnavailable):
		return http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"
	case errors.Is(err, cohortrates.ErrNoFitter),
		errors.Is(err, cohortrates.ErrIngestUnsupported):
		return http.StatusNotImplemented, "NOT_CONFIGURED"
	case cohortrates.IsValidation(err):
		return http.StatusBadRequest, "INVALID_REQUEST"
	}
	return http.StatusInternalServerError, "INTERNAL"
}
