// Package metrics provides Prometheus metrics for flippio.
//
// Every Metrics value owns its registry, so independent engines (and tests)
// never collide on registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flippio"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds all flippio metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Ledger
	LedgerOperations *prometheus.CounterVec
	LedgerLatency    *prometheus.HistogramVec

	// Sync cycle
	Pulls         *prometheus.CounterVec
	Pushes        *prometheus.CounterVec
	Mutations     *prometheus.CounterVec
	OpenSessions  prometheus.Gauge
	PendingPushes prometheus.Gauge
	StageDuration *prometheus.HistogramVec

	// Reverts
	Reverts        *prometheus.CounterVec
	CascadeReverts prometheus.Counter

	// API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	ConfigReloads *prometheus.CounterVec
	startTime     time.Time
}

// New creates a Metrics with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{registry: reg, startTime: time.Now()}

	m.LedgerOperations = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_operations_total",
		Help:      "Change ledger operations by operation and result",
	}, []string{"op", "result"})

	m.LedgerLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_operation_duration_seconds",
		Help:      "Latency of change ledger operations",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"op"})

	m.Pulls = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pulls_total",
		Help:      "Database pulls by device type and result",
	}, []string{"device_type", "result"})

	m.Pushes = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pushes_total",
		Help:      "Database pushes by device type and result",
	}, []string{"device_type", "result"})

	m.Mutations = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mutations_total",
		Help:      "Recorded mutations by operation type",
	}, []string{"operation"})

	m.OpenSessions = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_sessions",
		Help:      "Working copies currently held",
	})

	m.PendingPushes = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_pushes",
		Help:      "Working copies with edits not yet pushed",
	})

	m.StageDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of pull, mutate, push and revert stages",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	m.Reverts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reverts_total",
		Help:      "Revert requests by result",
	}, []string{"result"})

	m.CascadeReverts = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cascade_reverts_total",
		Help:      "Changes reverted as part of a cascade",
	})

	m.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "HTTP API requests by route, method and status code",
	}, []string{"route", "method", "code"})

	m.APILatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP API request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	m.ConfigReloads = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_reloads_total",
		Help:      "Configuration reloads by result",
	}, []string{"result"})

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the metrics were created",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Result maps an error to a result label value.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// ObserveStage records the duration of a stage that started at start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
