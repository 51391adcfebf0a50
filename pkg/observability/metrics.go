package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aixgo-dev/conductor/internal/events"
)

// Metrics turns lifecycle events into Prometheus series on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	operationsTotal    *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	fallbacksTotal     *prometheus.CounterVec
	recoveriesTotal    *prometheus.CounterVec
	healthChecksTotal  prometheus.Counter
	healthyWorkers     prometheus.Gauge

	distributionsTotal *prometheus.CounterVec
	distributedTasks   *prometheus.CounterVec

	pipelineStages     *prometheus.CounterVec
	pipelineExecutions *prometheus.CounterVec
	pipelineDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers every conductor series.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_operations_total",
				Help: "Dispatched operations by final outcome",
			},
			[]string{"agent", "outcome"},
		),
		retryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_retry_attempts_total",
				Help: "Attempts started, including first attempts",
			},
			[]string{"agent"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_breaker_transitions_total",
				Help: "Circuit breaker transitions",
			},
			[]string{"agent", "transition"},
		),
		fallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_fallbacks_total",
				Help: "Fallback handler invocations by outcome",
			},
			[]string{"agent", "outcome"},
		),
		recoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_recoveries_total",
				Help: "Recovery strategies applied between attempts",
			},
			[]string{"strategy"},
		),
		healthChecksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_health_checks_total",
				Help: "Completed health-check sweeps",
			},
		),
		healthyWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_healthy_workers",
				Help: "Workers healthy in the last sweep",
			},
		),
		distributionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_distributions_total",
				Help: "Completed distribution calls",
			},
			[]string{"balance", "aggregation"},
		),
		distributedTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_distributed_tasks_total",
				Help: "Tasks run by distribution calls by outcome",
			},
			[]string{"outcome"},
		),
		pipelineStages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_pipeline_stages_total",
				Help: "Pipeline stages by status",
			},
			[]string{"pipeline", "status"},
		),
		pipelineExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_pipeline_executions_total",
				Help: "Finished pipeline executions by status",
			},
			[]string{"pipeline", "status"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_pipeline_duration_seconds",
				Help:    "Pipeline execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pipeline"},
		),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.operationsTotal,
		m.retryAttemptsTotal,
		m.breakerTransitions,
		m.fallbacksTotal,
		m.recoveriesTotal,
		m.healthChecksTotal,
		m.healthyWorkers,
		m.distributionsTotal,
		m.distributedTasks,
		m.pipelineStages,
		m.pipelineExecutions,
		m.pipelineDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handle is an events.Handler.
func (m *Metrics) Handle(e events.Event) {
	switch e.Name {
	case events.RetryAttempt:
		m.retryAttemptsTotal.WithLabelValues(e.AgentID).Inc()
	case events.OperationSuccess:
		m.operationsTotal.WithLabelValues(e.AgentID, "success").Inc()
	case events.OperationFailed:
		outcome := "failure"
		if canceled, _ := e.Field("canceled").(bool); canceled {
			outcome = "canceled"
		}
		m.operationsTotal.WithLabelValues(e.AgentID, outcome).Inc()
	case events.BreakerOpened:
		m.breakerTransitions.WithLabelValues(e.AgentID, "opened").Inc()
	case events.BreakerReset:
		m.breakerTransitions.WithLabelValues(e.AgentID, "reset").Inc()
	case events.FallbackSuccess:
		m.fallbacksTotal.WithLabelValues(e.AgentID, "success").Inc()
	case events.FallbackFailed:
		m.fallbacksTotal.WithLabelValues(e.AgentID, "failure").Inc()
	case events.RecoveryApplied:
		strategy, _ := e.Field("strategy").(string)
		m.recoveriesTotal.WithLabelValues(strategy).Inc()
	case events.HealthCheckCompleted:
		m.healthChecksTotal.Inc()
		if healthy, ok := e.Field("healthy").(int); ok {
			m.healthyWorkers.Set(float64(healthy))
		}
	case events.DistributionCompleted:
		balance, _ := e.Field("balance").(string)
		aggregation, _ := e.Field("aggregation").(string)
		m.distributionsTotal.WithLabelValues(balance, aggregation).Inc()
		if n, ok := e.Field("succeeded").(int); ok {
			m.distributedTasks.WithLabelValues("success").Add(float64(n))
		}
		if n, ok := e.Field("failed").(int); ok {
			m.distributedTasks.WithLabelValues("failure").Add(float64(n))
		}
	case events.PipelineStage:
		name, _ := e.Field("pipeline").(string)
		status, _ := e.Field("status").(string)
		m.pipelineStages.WithLabelValues(name, status).Inc()
	case events.PipelineCompleted:
		name, _ := e.Field("pipeline").(string)
		status, _ := e.Field("status").(string)
		m.pipelineExecutions.WithLabelValues(name, status).Inc()
		if d, ok := e.Field("duration").(time.Duration); ok {
			m.pipelineDuration.WithLabelValues(name).Observe(d.Seconds())
		}
	}
}
