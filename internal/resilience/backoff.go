package resilience

import (
	"math"
	"time"
)

// Backoff computes the delay between attempts.
type Backoff struct {
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	JitterFactor float64       `yaml:"jitter_factor" json:"jitter_factor"`
}

// DefaultBackoff returns 1s initial, x2, capped at 30s, 10% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
}

// withDefaults fills zero fields from DefaultBackoff. A negative
// JitterFactor disables jitter.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b == (Backoff{}) {
		return d
	}
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	switch {
	case b.JitterFactor == 0:
		b.JitterFactor = d.JitterFactor
	case b.JitterFactor < 0:
		b.JitterFactor = 0
	}
	return b
}

// Delay returns the wait after the given failed attempt (1-based).
// r is a random sample in [0,1) scaling the jitter.
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	d := base + base*b.JitterFactor*r
	if d >= float64(b.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.MaxDelay
	}
	return time.Duration(d)
}
