package resilience

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// workerLimiter holds one token bucket per worker, created on first use.
type workerLimiter struct {
	rps   float64
	burst int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func newWorkerLimiter(rps float64, burst int) *workerLimiter {
	if burst < 1 {
		burst = 1
	}
	return &workerLimiter{
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until agentID may start another attempt.
func (w *workerLimiter) Wait(ctx context.Context, agentID string) error {
	if err := w.get(agentID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", agentID, err)
	}
	return nil
}

func (w *workerLimiter) get(agentID string) *rate.Limiter {
	w.mu.RLock()
	limiter, exists := w.limiters[agentID]
	w.mu.RUnlock()

	if exists {
		return limiter
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := w.limiters[agentID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(w.rps), w.burst)
	w.limiters[agentID] = limiter
	return limiter
}
