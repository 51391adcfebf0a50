package resilience

import (
	"context"
	"time"
)

// Operation is the unit of work the executor retries.
type Operation func(ctx context.Context) (any, error)

// Fallback produces a substitute result once an operation has failed for
// good. It receives the final error.
type Fallback func(ctx context.Context, taskID string, err error) (any, error)

// Options are the per-call tunables. The zero value of a field means "use the
// executor default", except MaxRetries and Timeout which are taken as given
// once an Options value is passed.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	Backoff Backoff

	// Timeout bounds each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration

	// MaxTimeout caps how far timeout-extension recovery may widen Timeout.
	MaxTimeout time.Duration

	// RetryIf overrides the built-in classification.
	RetryIf func(error) bool

	// Recovery names the recovery strategy to run between attempts. Empty
	// selects one from the error.
	Recovery string

	// Cleanup and Refresh are hooks used by the cleanup and
	// connection-refresh recovery strategies.
	Cleanup func(ctx context.Context) error
	Refresh func(ctx context.Context) error

	// Action and Resources are handed to the policy validator.
	Action    string
	Resources map[string]any
}

// Config holds executor-wide defaults.
type Config struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    Backoff       `yaml:"backoff"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxTimeout time.Duration `yaml:"max_timeout"`
	Breaker    BreakerConfig `yaml:"circuit_breaker"`

	// HistoryLimit bounds the persisted per-worker error history.
	HistoryLimit int `yaml:"history_limit"`
}

const (
	DefaultMaxRetries   = 3
	DefaultMaxTimeout   = 5 * time.Minute
	DefaultHistoryLimit = 50
)

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   DefaultMaxRetries,
		Backoff:      DefaultBackoff(),
		MaxTimeout:   DefaultMaxTimeout,
		Breaker:      DefaultBreakerConfig(),
		HistoryLimit: DefaultHistoryLimit,
	}
}

// DefaultOptions returns per-call options matching cfg.
func (c Config) DefaultOptions() Options {
	return Options{
		MaxRetries: c.MaxRetries,
		Backoff:    c.Backoff,
		Timeout:    c.Timeout,
		MaxTimeout: c.MaxTimeout,
	}
}

// resolve copies opts and fills unset fields from the executor config.
func (c Config) resolve(opts *Options) Options {
	if opts == nil {
		o := c.DefaultOptions()
		o.Backoff = o.Backoff.withDefaults()
		if o.MaxTimeout <= 0 {
			o.MaxTimeout = DefaultMaxTimeout
		}
		return o
	}

	o := *opts
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff == (Backoff{}) {
		o.Backoff = c.Backoff
	}
	o.Backoff = o.Backoff.withDefaults()
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = c.MaxTimeout
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = DefaultMaxTimeout
	}
	if o.Resources != nil {
		res := make(map[string]any, len(o.Resources))
		for k, v := range o.Resources {
			res[k] = v
		}
		o.Resources = res
	}
	return o
}

// ForDispatch returns a copy of opts, or of cfg's defaults when opts is nil,
// carrying action and resources for the policy validator. An Action already
// set on opts is kept.
func (c Config) ForDispatch(opts *Options, action string, resources map[string]any) *Options {
	o := c.DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if o.Action == "" {
		o.Action = action
	}
	if o.Resources == nil {
		o.Resources = resources
	}
	return &o
}
