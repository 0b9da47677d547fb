package cohortrates

import (
	"log/slog"
	"time"

	"github.com/AnandSundar/go-cohortrates/bayes"
)

const (
	// DefaultWaitTimeout bounds how long a caller waits for an in-flight computation
	DefaultWaitTimeout = 2 * time.Minute
)

// Config holds Coordinator and Engine configuration
type Config struct {
	Defaults    Defaults
	WaitTimeout time.Duration
	Store       ArtifactStore
	Fitter      Fitter
	Logger      *slog.Logger
}

// Option is a functional option for configuring the Coordinator and Engine
type Option func(*Config)

func newConfig(opts []Option) *Config {
	config := &Config{
		Defaults:    DefaultDefaults(),
		WaitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return config
}

// WithStore sets the artifact store results are persisted to
func WithStore(store ArtifactStore) Option {
	return func(c *Config) {
		c.Store = store
	}
}

// WithFitter sets the hierarchical fitter
func WithFitter(fitter Fitter) Option {
	return func(c *Config) {
		c.Fitter = fitter
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithWaitTimeout sets the upper bound on waiting for a computation; zero disables it
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WaitTimeout = d
	}
}

// WithPrior sets the prior used when a request does not carry one
func WithPrior(prior bayes.Prior) Option {
	return func(c *Config) {
		c.Defaults.Prior = prior
	}
}

// WithSampleSize sets the default draws per request
func WithSampleSize(n int) Option {
	return func(c *Config) {
		c.Defaults.N = n
	}
}

// WithMaxSampleSize sets the cap on draws per request
func WithMaxSampleSize(n int) Option {
	return func(c *Config) {
		c.Defaults.MaxN = n
	}
}

// WithDefaultUnit sets the unit used when a request omits one
func WithDefaultUnit(u Unit) Option {
	return func(c *Config) {
		c.Defaults.Unit = u
	}
}

// WithDefaultExperiment sets the experiment used when a request omits one
func WithDefaultExperiment(name string) Option {
	return func(c *Config) {
		c.Defaults.Experiment = name
	}
}

// WithModelVersion sets the model version mixed into every fingerprint.
// Bumping it orphans all previously cached results.
func WithModelVersion(version string) Option {
	return func(c *Config) {
		c.Defaults.ModelVersion = version
	}
}
