package cohortrates

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/AnandSundar/go-cohortrates/bayes"
)

// Unit is the time unit rates and exposures are expressed in.
type Unit string

const (
	UnitSecond Unit = "second"
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
)

// ParseUnit parses a unit name, case-insensitively.
func ParseUnit(s string) (Unit, error) {
	u := Unit(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := u.Duration(); !ok {
		return "", fmt.Errorf("%w: unknown unit %q", ErrInvalidWindow, s)
	}
	return u, nil
}

// Duration returns the length of one unit.
func (u Unit) Duration() (time.Duration, bool) {
	switch u {
	case UnitSecond:
		return time.Second, true
	case UnitMinute:
		return time.Minute, true
	case UnitHour:
		return time.Hour, true
	case UnitDay:
		return 24 * time.Hour, true
	}
	return 0, false
}

// Window is the half-open observation interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Unit  Unit      `json:"unit"`
}

// Validate returns ErrInvalidWindow unless End is after Start and Unit is known.
func (w Window) Validate() error {
	if !w.End.After(w.Start) {
		return fmt.Errorf("%w: [%s, %s)", ErrInvalidWindow,
			w.Start.Format(time.RFC3339Nano), w.End.Format(time.RFC3339Nano))
	}
	if _, ok := w.Unit.Duration(); !ok {
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidWindow, w.Unit)
	}
	return nil
}

// Contains reports whether ts falls in [Start, End).
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// Exposure returns End-Start expressed in Unit.
func (w Window) Exposure() float64 {
	d, ok := w.Unit.Duration()
	if !ok {
		return 0
	}
	return float64(w.End.Sub(w.Start)) / float64(d)
}

// Cell identifies one (cohort, event type) series.
type Cell struct {
	Cohort string `json:"cohort"`
	Event  string `json:"event"`
}

// Kind selects the computation a Request asks for.
type Kind string

const (
	// KindPosterior is the conjugate posterior of a single cohort
	KindPosterior Kind = "posterior"
	// KindCompare is P(rate A > rate B) for two cohorts, in order
	KindCompare Kind = "compare"
	// KindHierarchical is the partial-pooling fit over a set of cohorts
	KindHierarchical Kind = "hierarchical"
)

// Request carries every parameter that can change a computed result.
type Request struct {
	Kind         Kind         `json:"kind"`
	Experiment   string       `json:"experiment"`
	Cohorts      []string     `json:"cohorts"`
	Event        string       `json:"event"`
	Window       Window       `json:"window"`
	Prior        *bayes.Prior `json:"prior,omitempty"`
	N            int          `json:"n,omitempty"`
	Seed         *uint64      `json:"seed,omitempty"`
	ModelVersion string       `json:"model_version,omitempty"`
}

// Defaults are applied to omitted request fields before fingerprinting.
type Defaults struct {
	Experiment   string
	Unit         Unit
	Prior        bayes.Prior
	N            int
	MaxN         int
	ModelVersion string
}

// DefaultDefaults returns the built-in request defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		Experiment:   "default",
		Unit:         UnitDay,
		Prior:        bayes.DefaultPrior,
		N:            bayes.DefaultSampleSize,
		MaxN:         bayes.MaxSampleSize,
		ModelVersion: "v1",
	}
}

// Normalize validates r and returns a copy with defaults applied, cohorts
// canonicalised and timestamps in UTC, so that requests differing only in
// omitted-vs-explicit defaults produce the same fingerprint.
func (r Request) Normalize(d Defaults) (Request, error) {
	out := r
	if out.Kind == "" {
		out.Kind = KindPosterior
	}
	out.Experiment = strings.TrimSpace(out.Experiment)
	if out.Experiment == "" {
		out.Experiment = d.Experiment
	}
	out.Event = strings.TrimSpace(out.Event)
	if out.Event == "" {
		return Request{}, fmt.Errorf("%w: event is required", ErrInvalidRequest)
	}

	cohorts := make([]string, 0, len(r.Cohorts))
	for _, c := range r.Cohorts {
		c = strings.TrimSpace(c)
		if c == "" {
			return Request{}, fmt.Errorf("%w: empty cohort id", ErrInvalidRequest)
		}
		cohorts = append(cohorts, c)
	}
	switch out.Kind {
	case KindPosterior:
		if len(cohorts) != 1 {
			return Request{}, fmt.Errorf("%w: posterior needs exactly one cohort, got %d", ErrInvalidRequest, len(cohorts))
		}
	case KindCompare:
		// order is significant: the result is P(A > B)
		if len(cohorts) != 2 {
			return Request{}, fmt.Errorf("%w: compare needs exactly two cohorts, got %d", ErrInvalidRequest, len(cohorts))
		}
		if cohorts[0] == cohorts[1] {
			return Request{}, fmt.Errorf("%w: cannot compare cohort %q with itself", ErrInvalidRequest, cohorts[0])
		}
	case KindHierarchical:
		slices.Sort(cohorts)
		cohorts = slices.Compact(cohorts)
		if len(cohorts) == 0 {
			return Request{}, fmt.Errorf("%w: hierarchical fit needs at least one cohort", ErrInvalidRequest)
		}
	default:
		return Request{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, out.Kind)
	}
	out.Cohorts = cohorts

	if out.Window.Unit == "" {
		out.Window.Unit = d.Unit
	}
	out.Window.Start = out.Window.Start.UTC().Round(0)
	out.Window.End = out.Window.End.UTC().Round(0)
	if err := out.Window.Validate(); err != nil {
		return Request{}, err
	}

	prior := d.Prior
	if out.Prior != nil {
		prior = *out.Prior
	}
	if err := prior.Validate(); err != nil {
		return Request{}, err
	}
	out.Prior = &prior

	if out.N == 0 {
		out.N = d.N
	}
	if out.N < 1 || (d.MaxN > 0 && out.N > d.MaxN) {
		return Request{}, fmt.Errorf("%w: n=%d, want 1..%d", ErrInvalidSampleSize, out.N, d.MaxN)
	}

	if out.Seed != nil {
		seed := *out.Seed
		out.Seed = &seed
	}
	if out.ModelVersion == "" {
		out.ModelVersion = d.ModelVersion
	}
	return out, nil
}

// Cacheable reports whether the result of r may be stored and reused.
// Conjugate results are only reproducible under an explicit seed; a
// hierarchical fit is treated as canonical for its inputs.
func (r Request) Cacheable() bool {
	return r.Seed != nil || r.Kind == KindHierarchical
}

// Labels returns the fields invalidation scopes are matched against.
func (r Request) Labels() Labels {
	return Labels{
		Experiment: r.Experiment,
		Cohorts:    slices.Clone(r.Cohorts),
		Event:      r.Event,
	}
}

// canonicalRequest fixes the field order and formatting that get hashed.
type canonicalRequest struct {
	ModelVersion string   `json:"model_version"`
	Kind         Kind     `json:"kind"`
	Experiment   string   `json:"experiment"`
	Cohorts      []string `json:"cohorts"`
	Event        string   `json:"event"`
	Start        string   `json:"start"`
	End          string   `json:"end"`
	Unit         Unit     `json:"unit"`
	Alpha0       float64  `json:"alpha0"`
	Beta0        float64  `json:"beta0"`
	N            int      `json:"n"`
	Seed         *uint64  `json:"seed"`
}

// Fingerprint returns a stable key for a normalized request: the hex sha256 of
// its canonical encoding. Any change to a result-affecting field changes it.
func Fingerprint(r Request) string {
	c := canonicalRequest{
		ModelVersion: r.ModelVersion,
		Kind:         r.Kind,
		Experiment:   r.Experiment,
		Cohorts:      r.Cohorts,
		Event:        r.Event,
		Start:        r.Window.Start.UTC().Format(time.RFC3339Nano),
		End:          r.Window.End.UTC().Format(time.RFC3339Nano),
		Unit:         r.Window.Unit,
		N:            r.N,
		Seed:         r.Seed,
	}
	if r.Prior != nil {
		c.Alpha0, c.Beta0 = r.Prior.Alpha0, r.Prior.Beta0
	}

	// canonicalRequest holds only strings and numbers; Marshal cannot fail.
	body, _ := json.Marshal(c)
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%x", sum)
}

// Labels are the request attributes an invalidation Scope can select on.
type Labels struct {
	Experiment string   `json:"experiment"`
	Cohorts    []string `json:"cohorts"`
	Event      string   `json:"event"`
}

// Scope selects cached results for invalidation. Empty fields match anything;
// a result matches when every non-empty field matches.
type Scope struct {
	Experiment  string `json:"experiment,omitempty"`
	Cohort      string `json:"cohort,omitempty"`
	Event       string `json:"event,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// IsEmpty reports whether s has no selecting field.
func (s Scope) IsEmpty() bool {
	return s.Experiment == "" && s.Cohort == "" && s.Event == "" && s.Fingerprint == ""
}

// Matches reports whether the result identified by fingerprint and labels falls in s.
func (s Scope) Matches(fingerprint string, l Labels) bool {
	if s.Fingerprint != "" && s.Fingerprint != fingerprint {
		return false
	}
	if s.Experiment != "" && s.Experiment != l.Experiment {
		return false
	}
	if s.Event != "" && s.Event != l.Event {
		return false
	}
	if s.Cohort != "" && !slices.Contains(l.Cohorts, s.Cohort) {
		return false
	}
	return true
}
