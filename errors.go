package cohortrates

import (
	"errors"

	"github.com/AnandSundar/go-cohortrates/bayes"
)

var (
	// ErrInvalidWindow is returned when a window is empty, inverted or has an unknown unit
	ErrInvalidWindow = errors.New("invalid window: end must be after start")

	// ErrInvalidRequest is returned for malformed requests (missing event, wrong cohort count, ...)
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEmptyScope is returned when an invalidation scope matches everything
	ErrEmptyScope = errors.New("invalidation scope needs at least one field")

	// ErrUpstreamDataUnavailable is returned when the event source fails
	ErrUpstreamDataUnavailable = errors.New("upstream event data unavailable")

	// ErrUpstreamFitFailed is returned when the hierarchical fitter fails or returns unusable draws
	ErrUpstreamFitFailed = errors.New("upstream hierarchical fit failed")

	// ErrNoFitter is returned for hierarchical requests when no fitter is configured
	ErrNoFitter = errors.New("no hierarchical fitter configured")

	// ErrIngestUnsupported is returned when the event source cannot accept new rows
	ErrIngestUnsupported = errors.New("event source does not accept ingestion")

	// ErrTimeout is returned when a caller stops waiting for an in-flight computation
	ErrTimeout = errors.New("timed out waiting for computation")

	// ErrCacheStoreUnavailable is logged when the artifact store fails; requests still succeed
	ErrCacheStoreUnavailable = errors.New("artifact store unavailable")

	// ErrNotFound is returned by artifact stores when no record exists for a fingerprint
	ErrNotFound = errors.New("cached result not found")

	// ErrComputePanic wraps a panic recovered from a computation
	ErrComputePanic = errors.New("computation panicked")
)

// Numeric errors raised by the bayes package.
var (
	ErrInvalidPrior           = bayes.ErrInvalidPrior
	ErrInvalidSampleSize      = bayes.ErrInvalidSampleSize
	ErrEmptySampleSet         = bayes.ErrEmptySampleSet
	ErrMismatchedSampleLength = bayes.ErrMismatchedSampleLength
)

// IsValidation reports whether err is a request validation error. Validation
// errors are raised before any cache entry exists and are never retried.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidWindow,
		ErrInvalidRequest,
		ErrEmptyScope,
		ErrInvalidPrior,
		ErrInvalidSampleSize,
		ErrEmptySampleSet,
		ErrMismatchedSampleLength,
		bayes.ErrInvalidStatistic,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
