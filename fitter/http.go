// Package fitter adapts an external hierarchical fitting service to
// cohortrates.Fitter. The service runs the partial-pooling sampler; this
// package only ships the request and decodes the posterior draws.
package fitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AnandSundar/go-cohortrates"
)

// DefaultTimeout bounds one fit call.
const DefaultTimeout = 10 * time.Minute

// HTTPClient interface allows injecting mock HTTP clients for testing
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FitRequest is the body posted to the fitting service.
type FitRequest struct {
	Event   string    `json:"event"`
	Cohorts []string  `json:"cohorts"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Unit    string    `json:"unit"`
}

// HTTPFitter posts fit requests to a remote service.
type HTTPFitter struct {
	url    string
	client HTTPClient
}

// NewHTTPFitter creates a fitter posting to url. A nil client uses an
// http.Client with DefaultTimeout.
func NewHTTPFitter(url string, client HTTPClient) *HTTPFitter {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPFitter{url: url, client: client}
}

// Fit runs one hierarchical fit. Any transport, status or decoding problem is
// reported as cohortrates.ErrUpstreamFitFailed.
func (f *HTTPFitter) Fit(ctx context.Context, event string, cohorts []string, w cohortrates.Window) (*cohortrates.HierarchicalFit, error) {
	body, err := json.Marshal(FitRequest{
		Event:   event,
		Cohorts: cohorts,
		Start:   w.Start.UTC(),
		End:     w.End.UTC(),
		Unit:    string(w.Unit),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", cohortrates.ErrUpstreamFitFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cohortrates.ErrUpstreamFitFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cohortrates.ErrUpstreamFitFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", cohortrates.ErrUpstreamFitFailed, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var fit cohortrates.HierarchicalFit
	if err := json.NewDecoder(resp.Body).Decode(&fit); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", cohortrates.ErrUpstreamFitFailed, err)
	}
	for _, c := range cohorts {
		if len(fit.Rates[c]) == 0 {
			return nil, fmt.Errorf("%w: no draws for cohort %q", cohortrates.ErrUpstreamFitFailed, c)
		}
	}
	return &fit, nil
}
