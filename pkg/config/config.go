// Package config loads conductor configuration from YAML with environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/conductor/internal/distribution"
	"github.com/aixgo-dev/conductor/internal/observability"
	"github.com/aixgo-dev/conductor/internal/pipeline"
	"github.com/aixgo-dev/conductor/internal/resilience"
	"github.com/aixgo-dev/conductor/pkg/security"
)

// MaxFileSize is the largest config file Load accepts.
const MaxFileSize = 1 << 20

// Store backends.
const (
	BackendFile      = "file"
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
)

// Config represents the application configuration
type Config struct {
	Retry          RetryConfig              `yaml:"retry"`
	CircuitBreaker resilience.BreakerConfig `yaml:"circuit_breaker"`
	Distribution   distribution.Options     `yaml:"distribution"`
	Pipeline       PipelineConfig           `yaml:"pipeline"`
	Store          StoreConfig              `yaml:"store"`
	Observability  ObservabilityConfig      `yaml:"observability"`
	Policy         security.PolicyConfig    `yaml:"policy"`

	Agents    []AgentConfig          `yaml:"agents"`
	Pipelines []*pipeline.Definition `yaml:"pipelines"`
}

// RetryConfig holds the executor's retry policy.
type RetryConfig struct {
	MaxRetries   int                `yaml:"max_retries"`
	Backoff      resilience.Backoff `yaml:"backoff"`
	Timeout      time.Duration      `yaml:"timeout"`
	MaxTimeout   time.Duration      `yaml:"max_timeout"`
	HistoryLimit int                `yaml:"history_limit"`

	// RateLimit is dispatches per second per worker; zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// PipelineConfig holds engine-wide pipeline settings.
type PipelineConfig struct {
	HistoryLimit int `yaml:"history_limit"`
	// DefinitionsFile is an extra YAML file of pipeline definitions.
	DefinitionsFile string `yaml:"definitions_file"`
	Archive         bool   `yaml:"archive"`
}

// StoreConfig selects and configures the context store backend.
type StoreConfig struct {
	Backend     string        `yaml:"backend"`
	MaxSize     int           `yaml:"max_size"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	ShareTTL    time.Duration `yaml:"share_ttl"`

	// Dir is the file backend root.
	Dir string `yaml:"dir"`

	Redis     RedisConfig     `yaml:"redis"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Prefix          string `yaml:"prefix"`
}

// ObservabilityConfig covers logging, the status API and tracing.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// HTTPAddr is the status API listen address; empty disables it.
	HTTPAddr       string        `yaml:"http_addr"`
	HealthInterval time.Duration `yaml:"health_interval"`
	CORSOrigins    []string      `yaml:"cors_origins"`

	Tracing observability.Config `yaml:"tracing"`
}

// AgentConfig declares one built-in worker.
type AgentConfig struct {
	Name     string         `yaml:"name"`
	Kind     string         `yaml:"kind"`
	Role     string         `yaml:"role"`
	Settings map[string]any `yaml:"settings"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	retry := resilience.DefaultConfig()
	return &Config{
		Retry: RetryConfig{
			MaxRetries:   retry.MaxRetries,
			Backoff:      retry.Backoff,
			MaxTimeout:   retry.MaxTimeout,
			HistoryLimit: retry.HistoryLimit,
		},
		CircuitBreaker: resilience.DefaultBreakerConfig(),
		Distribution:   distribution.DefaultOptions(),
		Pipeline:       PipelineConfig{HistoryLimit: pipeline.DefaultHistoryLimit},
		Store:          StoreConfig{Backend: BackendFile},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "text",
			HealthInterval: resilience.DefaultBreakerConfig().ResetCheckInterval,
			Tracing:        observability.Config{ServiceName: observability.DefaultServiceName, ExporterType: "none"},
		},
	}
}

// Load reads a YAML file over the defaults, applies CONDUCTOR_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("config too large: %d bytes (max %d)", len(data), MaxFileSize)
	}

	if err := security.CheckYAML(data, security.DefaultYAMLLimits()); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CONDUCTOR_* variables.
func (c *Config) ApplyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("CONDUCTOR_LOG_LEVEL", &c.Observability.LogLevel)
	setString("CONDUCTOR_LOG_FORMAT", &c.Observability.LogFormat)
	setString("CONDUCTOR_HTTP_ADDR", &c.Observability.HTTPAddr)
	setString("CONDUCTOR_STORE_BACKEND", &c.Store.Backend)
	setString("CONDUCTOR_STORE_DIR", &c.Store.Dir)
	setString("CONDUCTOR_REDIS_ADDR", &c.Store.Redis.Addr)
	setString("CONDUCTOR_REDIS_PASSWORD", &c.Store.Redis.Password)
	setString("CONDUCTOR_SQLITE_PATH", &c.Store.SQLite.Path)
	setString("CONDUCTOR_FIRESTORE_PROJECT", &c.Store.Firestore.ProjectID)
	if c.Store.Firestore.CredentialsFile == "" {
		c.Store.Firestore.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}

	if v := os.Getenv("CONDUCTOR_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_MAX_RETRIES: %w", err)
		}
		c.Retry.MaxRetries = n
	}
	if v := os.Getenv("CONDUCTOR_WORKER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_WORKER_TIMEOUT: %w", err)
		}
		c.Distribution.WorkerTimeout = d
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must not be negative"))
	}
	if c.Retry.Backoff.Multiplier != 0 && c.Retry.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff.multiplier must be at least 1"))
	}
	if c.Retry.Backoff.JitterFactor < 0 || c.Retry.Backoff.JitterFactor > 1 {
		errs = append(errs, fmt.Errorf("retry.backoff.jitter_factor must be within [0,1]"))
	}
	if c.Retry.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("retry.rate_limit must not be negative"))
	}
	if c.CircuitBreaker.Threshold < 0 {
		errs = append(errs, fmt.Errorf("circuit_breaker.threshold must not be negative"))
	}
	if c.Distribution.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("distribution.max_workers must not be negative"))
	}

	backends := []string{BackendFile, BackendMemory, BackendRedis, BackendSQLite, BackendFirestore}
	if !slices.Contains(backends, c.Store.Backend) {
		errs = append(errs, fmt.Errorf("store.backend %q is not one of %v", c.Store.Backend, backends))
	}
	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("store.redis.addr is required"))
		}
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, fmt.Errorf("store.sqlite.path is required"))
		}
	case BackendFirestore:
		if c.Store.Firestore.ProjectID == "" {
			errs = append(errs, fmt.Errorf("store.firestore.project_id is required"))
		}
	}

	switch c.Observability.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("observability.log_format %q must be text or json", c.Observability.LogFormat))
	}

	names := make(map[string]bool)
	for i, a := range c.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: name is required", i))
			continue
		}
		if names[a.Name] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate name %s", i, a.Name))
		}
		names[a.Name] = true
		if a.Kind == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: kind is required", i))
		}
	}

	pipelines := make(map[string]bool)
	for _, p := range c.Pipelines {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if pipelines[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate pipeline %s", p.Name))
		}
		pipelines[p.Name] = true
	}

	return errors.Join(errs...)
}

// ExecutorConfig converts the retry and breaker sections.
func (c *Config) ExecutorConfig() resilience.Config {
	return resilience.Config{
		MaxRetries:   c.Retry.MaxRetries,
		Backoff:      c.Retry.Backoff,
		Timeout:      c.Retry.Timeout,
		MaxTimeout:   c.Retry.MaxTimeout,
		Breaker:      c.CircuitBreaker,
		HistoryLimit: c.Retry.HistoryLimit,
	}
}

// Save writes the configuration as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
