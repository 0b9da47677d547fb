// Package config loads service configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AnandSundar/go-cohortrates"
	"github.com/AnandSundar/go-cohortrates/bayes"
)

// Config is the full service configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Engine EngineConfig `yaml:"engine"`
	Store  StoreConfig  `yaml:"store"`
	Source SourceConfig `yaml:"source"`
	Fitter FitterConfig `yaml:"fitter"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	JSON    bool   `yaml:"json"`
	Service string `yaml:"service"`
}

// EngineConfig holds request defaults and coordinator settings.
type EngineConfig struct {
	Experiment    string        `yaml:"experiment"`
	Unit          string        `yaml:"unit"`
	Alpha0        float64       `yaml:"alpha0"`
	Beta0         float64       `yaml:"beta0"`
	SampleSize    int           `yaml:"sample_size"`
	MaxSampleSize int           `yaml:"max_sample_size"`
	ModelVersion  string        `yaml:"model_version"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
}

// StoreConfig selects the artifact store: "memory", "redis", "badger" or "none".
type StoreConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
	Badger  BadgerConfig  `yaml:"badger"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type BadgerConfig struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// SourceConfig selects the event source: "memory" or "influx".
type SourceConfig struct {
	Backend string       `yaml:"backend"`
	Influx  InfluxConfig `yaml:"influx"`
}

type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
	Field       string `yaml:"field"`
}

// FitterConfig points at the hierarchical fitting service. An empty URL
// disables hierarchical requests.
type FitterConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a configuration that runs fully in-process.
func DefaultConfig() *Config {
	d := cohortrates.DefaultDefaults()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Service: "cohortrates",
		},
		Engine: EngineConfig{
			Experiment:    d.Experiment,
			Unit:          string(d.Unit),
			Alpha0:        d.Prior.Alpha0,
			Beta0:         d.Prior.Beta0,
			SampleSize:    d.N,
			MaxSampleSize: d.MaxN,
			ModelVersion:  d.ModelVersion,
			WaitTimeout:   cohortrates.DefaultWaitTimeout,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis:   RedisConfig{Addr: "localhost:6379"},
			Badger:  BadgerConfig{Path: "data/results"},
		},
		Source: SourceConfig{
			Backend: "memory",
			Influx: InfluxConfig{
				URL:         "http://localhost:8086",
				Bucket:      "events",
				Measurement: "events",
				Field:       "n",
			},
		},
		Fitter: FitterConfig{
			Timeout: 10 * time.Minute,
		},
	}
}

// LoadConfig reads path over the defaults and then applies environment
// overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
//
// Environment Variables:
//
//	LOG_LEVEL                        - debug, info, warn or error
//	LOG_JSON                         - JSON log output
//	SERVICE_NAME                     - service attribute on every log line
//	COHORTRATES_ADDR                 - listen address
//	COHORTRATES_STORE                - memory, redis, badger or none
//	COHORTRATES_STORE_TTL            - artifact lifetime, e.g. 24h
//	COHORTRATES_REDIS_ADDR           - Redis address
//	COHORTRATES_REDIS_PASSWORD       - Redis password
//	COHORTRATES_BADGER_PATH          - Badger directory
//	COHORTRATES_SOURCE               - memory or influx
//	COHORTRATES_INFLUX_URL           - InfluxDB URL
//	COHORTRATES_INFLUX_TOKEN         - InfluxDB token
//	COHORTRATES_INFLUX_ORG           - InfluxDB organisation
//	COHORTRATES_INFLUX_BUCKET        - InfluxDB bucket
//	COHORTRATES_FITTER_URL           - hierarchical fitting service URL
//	COHORTRATES_SAMPLE_SIZE          - default draws per request
//	COHORTRATES_MAX_SAMPLE_SIZE      - cap on draws per request
//	COHORTRATES_WAIT_TIMEOUT         - max wait for an in-flight computation
func (c *Config) ApplyEnv() error {
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Service, "SERVICE_NAME")
	if val := os.Getenv("LOG_JSON"); val != "" {
		c.Log.JSON = parseBool(val, c.Log.JSON)
	}

	setString(&c.Server.Addr, "COHORTRATES_ADDR")
	setString(&c.Store.Backend, "COHORTRATES_STORE")
	setString(&c.Store.Redis.Addr, "COHORTRATES_REDIS_ADDR")
	setString(&c.Store.Redis.Password, "COHORTRATES_REDIS_PASSWORD")
	setString(&c.Store.Badger.Path, "COHORTRATES_BADGER_PATH")
	setString(&c.Source.Backend, "COHORTRATES_SOURCE")
	setString(&c.Source.Influx.URL, "COHORTRATES_INFLUX_URL")
	setString(&c.Source.Influx.Token, "COHORTRATES_INFLUX_TOKEN")
	setString(&c.Source.Influx.Org, "COHORTRATES_INFLUX_ORG")
	setString(&c.Source.Influx.Bucket, "COHORTRATES_INFLUX_BUCKET")
	setString(&c.Fitter.URL, "COHORTRATES_FITTER_URL")

	return errors.Join(
		setDuration(&c.Store.TTL, "COHORTRATES_STORE_TTL"),
		setDuration(&c.Engine.WaitTimeout, "COHORTRATES_WAIT_TIMEOUT"),
		setInt(&c.Engine.SampleSize, "COHORTRATES_SAMPLE_SIZE"),
		setInt(&c.Engine.MaxSampleSize, "COHORTRATES_MAX_SAMPLE_SIZE"),
	)
}

// Validate checks enumerations and numeric ranges.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "badger", "none":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Source.Backend {
	case "memory", "influx":
	default:
		return fmt.Errorf("unknown source backend %q", c.Source.Backend)
	}
	if _, err := cohortrates.ParseUnit(c.Engine.Unit); err != nil {
		return err
	}
	if err := c.prior().Validate(); err != nil {
		return err
	}
	if c.Engine.SampleSize < 1 || c.Engine.SampleSize > c.Engine.MaxSampleSize {
		return fmt.Errorf("%w: sample_size=%d max_sample_size=%d",
			cohortrates.ErrInvalidSampleSize, c.Engine.SampleSize, c.Engine.MaxSampleSize)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// EngineOptions converts the engine section into cohortrates options.
func (c *Config) EngineOptions() []cohortrates.Option {
	unit, _ := cohortrates.ParseUnit(c.Engine.Unit)
	return []cohortrates.Option{
		cohortrates.WithDefaultExperiment(c.Engine.Experiment),
		cohortrates.WithDefaultUnit(unit),
		cohortrates.WithPrior(c.prior()),
		cohortrates.WithSampleSize(c.Engine.SampleSize),
		cohortrates.WithMaxSampleSize(c.Engine.MaxSampleSize),
		cohortrates.WithModelVersion(c.Engine.ModelVersion),
		cohortrates.WithWaitTimeout(c.Engine.WaitTimeout),
	}
}

func (c *Config) prior() bayes.Prior {
	return bayes.Prior{Alpha0: c.Engine.Alpha0, Beta0: c.Engine.Beta0}
}

// NewLogger builds the service logger writing to w.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	return logger
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// parseBool parses a boolean from string with a default value.
func parseBool(s string, defaultVal bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultVal
	}
}
