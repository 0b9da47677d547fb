package cohortrates

import (
	"context"
	"time"

	"github.com/AnandSundar/go-cohortrates/bayes"
)

// ArtifactStore persists computed results so they outlive the in-memory index.
type ArtifactStore interface {
	// Get retrieves the record for a fingerprint, or ErrNotFound
	Get(ctx context.Context, fingerprint string) (*Record, error)

	// Put stores a record under its fingerprint
	Put(ctx context.Context, rec *Record) error

	// Delete removes every record whose labels fall in scope and returns how many were removed
	Delete(ctx context.Context, scope Scope) (int, error)
}

// Record is a persisted result together with the labels used to invalidate it.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Labels      Labels    `json:"labels"`
	Result      *Result   `json:"result"`
	StoredAt    time.Time `json:"stored_at"`
}

// Model names the procedure a Result came from.
type Model string

const (
	ModelConjugate    Model = "conjugate"
	ModelHierarchical Model = "hierarchical"
)

// CohortPosterior is the posterior of one cohort's rate.
// Alpha, Beta, K and Exposure are zero for hierarchical results.
type CohortPosterior struct {
	Cohort   string        `json:"cohort"`
	Alpha    float64       `json:"alpha,omitempty"`
	Beta     float64       `json:"beta,omitempty"`
	K        int64         `json:"k"`
	Exposure float64       `json:"exposure"`
	Summary  bayes.Summary `json:"summary"`
}

// Result is the cacheable outcome of a Request.
type Result struct {
	Fingerprint string             `json:"fingerprint,omitempty"`
	Kind        Kind               `json:"kind"`
	Model       Model              `json:"model"`
	Experiment  string             `json:"experiment"`
	Event       string             `json:"event"`
	Window      Window             `json:"window"`
	Cohorts     []CohortPosterior  `json:"cohorts"`
	PAGtB       *float64           `json:"p_a_gt_b,omitempty"`
	Hyperparams map[string]float64 `json:"hyperparams,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Cohort returns the posterior for the named cohort.
func (r *Result) Cohort(name string) (CohortPosterior, bool) {
	for _, c := range r.Cohorts {
		if c.Cohort == name {
			return c, true
		}
	}
	return CohortPosterior{}, false
}
