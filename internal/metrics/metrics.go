// Package metrics exposes Prometheus instrumentation for ingestion runs and
// the ops HTTP server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/schedule-ingest/internal/core"
)

const namespace = "schedule_ingest"

// Metrics holds the worker's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	stepDuration    *prometheus.HistogramVec
	stepRows        *prometheus.CounterVec
	stagedRows      prometheus.Counter
	findingsTotal   prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// New registers all collectors. limiter may be nil; when set, in-flight and
// capacity gauges read from it on scrape.
func New(limiter *core.RunLimiter) *Metrics {
	registry := prometheus.NewRegistry()

	runsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Finished ingestion runs by final version status and error code",
	}, []string{"status", "code"})

	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of ingestion runs",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"status"})

	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Duration of normalization steps and quality rules",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step"})

	stepRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_rows_total",
		Help:      "Rows inserted by normalization steps and quality rules",
	}, []string{"step"})

	stagedRows := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "staged_rows_total",
		Help:      "Rows copied into staging relations",
	})

	findingsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "findings_total",
		Help:      "Quality issues written by committed runs",
	})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of ops HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	registry.MustRegister(runsTotal, runDuration, stepDuration, stepRows, stagedRows, findingsTotal, requestDuration)

	if limiter != nil {
		registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_flight",
				Help:      "Versions currently being processed",
			}, func() float64 { return float64(limiter.ActiveCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_max_concurrent",
				Help:      "Configured run concurrency",
			}, func() float64 { return float64(limiter.MaxConcurrent()) }),
		)
	}

	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		runsTotal:       runsTotal,
		runDuration:     runDuration,
		stepDuration:    stepDuration,
		stepRows:        stepRows,
		stagedRows:      stagedRows,
		findingsTotal:   findingsTotal,
		requestDuration: requestDuration,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveRun implements core.RunObserver.
func (m *Metrics) ObserveRun(res core.RunResult) {
	if m == nil {
		return
	}
	status := string(res.Status())
	code := ""
	if res.Err != nil {
		code = core.MapError(res.Err).Code
	}

	m.runsTotal.WithLabelValues(status, code).Inc()
	m.runDuration.WithLabelValues(status).Observe(res.Duration.Seconds())
	m.stagedRows.Add(float64(res.StagedRows))

	// Rolled-back runs leave nothing behind, so only committed work counts.
	if res.Status() != core.StatusProcessed {
		return
	}
	m.findingsTotal.Add(float64(res.Findings))
	for _, s := range res.Steps {
		m.stepDuration.WithLabelValues(s.Name).Observe(s.Duration.Seconds())
		m.stepRows.WithLabelValues(s.Name).Add(float64(s.Rows))
	}
}

// ObserveHTTPRequest records one ops request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
