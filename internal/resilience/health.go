package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aixgo-dev/conductor/internal/events"
)

// HealthProbe reports a worker's health. A nil error means healthy.
type HealthProbe func(ctx context.Context) error

// probeTimeout bounds a single probe call.
const probeTimeout = 5 * time.Second

// HealthReport summarizes one health-check sweep.
type HealthReport struct {
	Checked int               `json:"checked"`
	Healthy int               `json:"healthy"`
	Reset   int               `json:"reset"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// RegisterHealthProbe installs the probe for a worker.
func (e *Executor) RegisterHealthProbe(agentID string, probe HealthProbe) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if probe == nil {
		delete(e.probes, agentID)
		return
	}
	e.probes[agentID] = probe
}

// CheckHealth runs every registered probe once. A healthy worker whose
// breaker is open or half-open gets its breaker reset.
func (e *Executor) CheckHealth(ctx context.Context) HealthReport {
	e.mu.RLock()
	ids := make([]string, 0, len(e.probes))
	probes := make(map[string]HealthProbe, len(e.probes))
	for id, p := range e.probes {
		ids = append(ids, id)
		probes[id] = p
	}
	e.mu.RUnlock()
	sort.Strings(ids)

	report := HealthReport{}
	for _, id := range ids {
		report.Checked++
		if err := runProbe(ctx, probes[id]); err != nil {
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[id] = err.Error()
			continue
		}
		report.Healthy++

		if e.breakers.State(id) == StateClosed {
			continue
		}
		if e.breakers.Reset(id) {
			report.Reset++
			e.emit(events.Event{Name: events.BreakerReset, AgentID: id, Fields: map[string]any{"reason": "health-check"}})
			e.logger.Info("circuit breaker reset by health check", "agent_id", id)
		}
	}

	e.emit(events.Event{
		Name: events.HealthCheckCompleted,
		Fields: map[string]any{
			"checked": report.Checked,
			"healthy": report.Healthy,
			"reset":   report.Reset,
		},
	})
	return report
}

func runProbe(ctx context.Context, probe HealthProbe) error {
	checkCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				errChan <- fmt.Errorf("probe panicked: %v", p)
			}
		}()
		errChan <- probe(checkCtx)
	}()

	select {
	case err := <-errChan:
		return err
	case <-checkCtx.Done():
		return fmt.Errorf("probe timed out: %w", checkCtx.Err())
	}
}

// StartHealthChecks polls the registered probes every reset-check interval
// until ctx is done or StopHealthChecks is called.
func (e *Executor) StartHealthChecks(ctx context.Context) error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()

	if e.cron != nil {
		return errors.New("health checks already running")
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", e.cfg.Breaker.ResetCheckInterval)
	if _, err := c.AddFunc(spec, func() { e.CheckHealth(ctx) }); err != nil {
		return fmt.Errorf("schedule health checks: %w", err)
	}
	c.Start()
	done := make(chan struct{})
	e.cron = c
	e.cronDone = done

	go func() {
		select {
		case <-ctx.Done():
			e.stopHealthLoop(c)
		case <-done:
		}
	}()

	e.logger.Info("health checks started", "interval", e.cfg.Breaker.ResetCheckInterval)
	return nil
}

// StopHealthChecks stops the polling loop and waits for a running sweep.
func (e *Executor) StopHealthChecks() {
	e.stopHealthLoop(nil)
}

// stopHealthLoop stops the running loop. A non-nil c only stops that loop,
// so a watcher from an earlier run cannot stop a later one.
func (e *Executor) stopHealthLoop(c *cron.Cron) {
	e.cronMu.Lock()
	running := e.cron
	if running == nil || (c != nil && c != running) {
		e.cronMu.Unlock()
		return
	}
	close(e.cronDone)
	e.cron = nil
	e.cronDone = nil
	e.cronMu.Unlock()

	<-running.Stop().Done()
}
