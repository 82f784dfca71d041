package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"advisor-ledger/internal/apperr"
)

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics 汇总流水线与 HTTP 层的 prometheus 指标。方法对 nil 接收者安全。
type Metrics struct {
	registry *prometheus.Registry

	stages    *prometheus.CounterVec
	attempts  *prometheus.CounterVec
	runs      *prometheus.HistogramVec
	fallbacks prometheus.Counter
	requests  *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_total",
			Help:      "Pipeline stage transitions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_attempts_total",
			Help:      "recordRequest submission attempts by attempt number and error kind.",
		}, []string{"attempt", "kind"}),
		runs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "End-to-end advice pipeline latency.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"outcome"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advisor_fallback_total",
			Help:      "Advice responses served from the fallback allocation.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "status"}),
	}
	reg.MustRegister(
		m.stages, m.attempts, m.runs, m.fallbacks, m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveStage counts a pipeline stage result.
func (m *Metrics) ObserveStage(stage string, err error) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage, outcome(err)).Inc()
}

// ObserveAttempt matches ledger.AttemptObserver.
func (m *Metrics) ObserveAttempt(attempt int, err error) {
	if m == nil {
		return
	}
	kind := OutcomeOK
	if err != nil {
		kind = string(apperr.KindOf(err))
	}
	m.attempts.WithLabelValues(strconv.Itoa(attempt), kind).Inc()
}

// ObserveRun records the end-to-end duration of one pipeline run.
func (m *Metrics) ObserveRun(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome(err)).Observe(d.Seconds())
}

// ObserveFallback counts an advice served from the fallback allocation.
func (m *Metrics) ObserveFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

// ObserveHTTP counts one served request.
func (m *Metrics) ObserveHTTP(route string, status int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
