// Package metrics exposes in-process operability counters on the
// management listener. This is not the statistics collaborator — that
// persists per-request records elsewhere; these are live Prometheus
// gauges and counters for dashboards and alerting.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the gateway's Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reloadsTotal    *prometheus.CounterVec
}

// New builds a registry with the gateway's request and reload metrics
// pre-registered. Process metrics are contributed separately via
// RegisterProcessCollector since they are sampled, not counted.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewayd_requests_total",
			Help: "Requests dispatched, by route, dispatch kind, and status code.",
		}, []string{"route", "kind", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatewayd_request_duration_seconds",
			Help:    "End-to-end request duration, by route and dispatch kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "kind"}),
		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewayd_config_reloads_total",
			Help: "Configuration reload attempts, by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(m.requestsTotal, m.requestDuration, m.reloadsTotal)
	return m
}

// ObserveRequest records one dispatched request.
func (m *Metrics) ObserveRequest(route, kind string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, kind, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, kind).Observe(durationSeconds)
}

// ObserveReload records a reload attempt. outcome is "ok" or "error".
func (m *Metrics) ObserveReload(outcome string) {
	if m == nil {
		return
	}
	m.reloadsTotal.WithLabelValues(outcome).Inc()
}

// RegisterProcessCollector adds the supervisor's per-process gauges. The
// snapshot function is called at scrape time.
func (m *Metrics) RegisterProcessCollector(snapshots func() []ProcessSample) {
	if m == nil {
		return
	}
	m.registry.MustRegister(&processCollector{snapshots: snapshots})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ProcessSample is the slice of supervisor state the collector exports.
type ProcessSample struct {
	ID           string
	Running      bool
	Reconnected  bool
	RestartCount int
}

var (
	descProcessRunning = prometheus.NewDesc(
		"gatewayd_process_running",
		"Whether the managed process is currently running (1) or not (0).",
		[]string{"id", "reconnected"}, nil)
	descProcessRestarts = prometheus.NewDesc(
		"gatewayd_process_restarts_total",
		"Restarts performed for the managed process since supervisor start.",
		[]string{"id"}, nil)
)

type processCollector struct {
	snapshots func() []ProcessSample
}

func (c *processCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descProcessRunning
	ch <- descProcessRestarts
}

func (c *processCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.snapshots() {
		running := 0.0
		if s.Running {
			running = 1.0
		}
		ch <- prometheus.MustNewConstMetric(descProcessRunning, prometheus.GaugeValue,
			running, s.ID, strconv.FormatBool(s.Reconnected))
		ch <- prometheus.MustNewConstMetric(descProcessRestarts, prometheus.CounterValue,
			float64(s.RestartCount), s.ID)
	}
}
