// Package bayes implements the Gamma-Poisson conjugate update used to estimate
// event rates, along with seeded posterior sampling, sample summaries and
// pairwise comparison of sample sets.
//
// Everything here is pure: no shared state, safe for concurrent use.
package bayes

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// DefaultSampleSize is the number of draws taken when a request does not specify one
	DefaultSampleSize = 5000
	// MaxSampleSize is the default upper bound on draws per request
	MaxSampleSize = 50000
)

// Prior is a Gamma(Alpha0, Beta0) prior on an event rate, shape/rate parameterised.
type Prior struct {
	Alpha0 float64 `json:"alpha0"`
	Beta0  float64 `json:"beta0"`
}

// DefaultPrior is Gamma(1, 1), i.e. an Exponential(1) prior on the rate.
var DefaultPrior = Prior{Alpha0: 1, Beta0: 1}

// Validate reports ErrInvalidPrior for non-positive or non-finite hyperparameters.
func (p Prior) Validate() error {
	if !positive(p.Alpha0) || !positive(p.Beta0) {
		return fmt.Errorf("%w: alpha0=%v beta0=%v", ErrInvalidPrior, p.Alpha0, p.Beta0)
	}
	return nil
}

// SufficientStatistic is the event count K observed over an exposure T.
type SufficientStatistic struct {
	K int64   `json:"k"`
	T float64 `json:"t"`
}

// Gamma is a Gamma(Alpha, Beta) posterior, Beta being the rate.
type Gamma struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// Mean returns Alpha/Beta.
func (g Gamma) Mean() float64 {
	return g.Alpha / g.Beta
}

// Update applies a Poisson observation to a Gamma prior:
// alpha = alpha0 + k, beta = beta0 + T.
func Update(stat SufficientStatistic, prior Prior) (Gamma, error) {
	if err := prior.Validate(); err != nil {
		return Gamma{}, err
	}
	if stat.K < 0 || !positive(stat.T) {
		return Gamma{}, fmt.Errorf("%w: k=%d T=%v", ErrInvalidStatistic, stat.K, stat.T)
	}
	return Gamma{
		Alpha: prior.Alpha0 + float64(stat.K),
		Beta:  prior.Beta0 + stat.T,
	}, nil
}

// Sample draws n independent values from g.
//
// A non-nil seed makes the draws reproducible: the same (g, n, *seed) always yields
// the same sequence. A nil seed selects a freshly seeded generator; such draws
// must not be cached.
func Sample(g Gamma, n int, seed *uint64) ([]float64, error) {
	return SampleCapped(g, n, MaxSampleSize, seed)
}

// SampleCapped is Sample with an explicit upper bound on n.
func SampleCapped(g Gamma, n, limit int, seed *uint64) ([]float64, error) {
	if n < 1 || n > limit {
		return nil, fmt.Errorf("%w: n=%d, want 1..%d", ErrInvalidSampleSize, n, limit)
	}
	if !positive(g.Alpha) || !positive(g.Beta) {
		return nil, fmt.Errorf("%w: alpha=%v beta=%v", ErrInvalidPrior, g.Alpha, g.Beta)
	}

	dist := distuv.Gamma{Alpha: g.Alpha, Beta: g.Beta, Src: newSource(seed)}
	out := make([]float64, n)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out, nil
}

// DeriveSeed returns a seed for the stream identified by label, so that several
// sample sets drawn under one request seed are independent but reproducible.
func DeriveSeed(seed uint64, label string) uint64 {
	return splitmix64(seed ^ xxhash.Sum64String(label))
}

func newSource(seed *uint64) rand.Source {
	if seed == nil {
		return rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return rand.NewPCG(*seed, splitmix64(*seed))
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1) && !math.IsNaN(v)
}
