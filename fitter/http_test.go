package fitter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnandSundar/go-cohortrates"
)

var window = cohortrates.Window{
	Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC),
	Unit:  cohortrates.UnitDay,
}

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}

func TestHTTPFitter_Fit(t *testing.T) {
	var got FitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(cohortrates.HierarchicalFit{
			Hyperparams: map[string]float64{"mu": 0.1},
			Rates: map[string][]float64{
				"a": {0.1, 0.2},
				"b": {0.3, 0.4},
			},
		})
	}))
	defer srv.Close()

	fit, err := NewHTTPFitter(srv.URL, nil).Fit(context.Background(), "crash", []string{"a", "b"}, window)
	require.NoError(t, err)

	assert.Equal(t, "crash", got.Event)
	assert.Equal(t, []string{"a", "b"}, got.Cohorts)
	assert.Equal(t, "day", got.Unit)
	assert.True(t, got.Start.Equal(window.Start))
	assert.Equal(t, 0.1, fit.Hyperparams["mu"])
	assert.Equal(t, []float64{0.3, 0.4}, fit.Rates["b"])
}

func TestHTTPFitter_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sampler diverged", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPFitter(srv.URL, nil).Fit(context.Background(), "crash", []string{"a"}, window)
	assert.ErrorIs(t, err, cohortrates.ErrUpstreamFitFailed)
	assert.ErrorContains(t, err, "sampler diverged")
}

func TestHTTPFitter_MissingCohort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hyperparams":{},"rates":{"a":[0.1]}}`))
	}))
	defer srv.Close()

	_, err := NewHTTPFitter(srv.URL, nil).Fit(context.Background(), "crash", []string{"a", "b"}, window)
	assert.ErrorIs(t, err, cohortrates.ErrUpstreamFitFailed)
	assert.ErrorContains(t, err, `"b"`)
}

func TestHTTPFitter_TransportError(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}

	_, err := NewHTTPFitter("http://fitter.invalid/fit", client).Fit(context.Background(), "crash", []string{"a"}, window)
	assert.ErrorIs(t, err, cohortrates.ErrUpstreamFitFailed)
}
