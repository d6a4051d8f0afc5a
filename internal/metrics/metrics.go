// Package metrics exposes Prometheus instrumentation for the courier daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	DispatchTotal    *prometheus.CounterVec
	DispatchFailures *prometheus.CounterVec
	WorkerInFlight   *prometheus.GaugeVec
	WorkerEvents     *prometheus.CounterVec
	WorkerRestarts   prometheus.Counter
	WorkersAlive     prometheus.Gauge
	QueueDepth       prometheus.Gauge
	PartnerGrants    *prometheus.CounterVec
	PartnersBusy     prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a metrics collection on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_dispatch_total",
			Help: "Work items handed to a worker",
		}, []string{"lane", "strategy"}),
		DispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_dispatch_failures_total",
			Help: "Dispatch attempts that found no usable worker",
		}, []string{"lane"}),
		WorkerInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "courier_worker_in_flight",
			Help: "Outstanding items per worker",
		}, []string{"worker"}),
		WorkerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_worker_events_total",
			Help: "Events received from workers",
		}, []string{"kind"}),
		WorkerRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_worker_restarts_total",
			Help: "Workers replaced after exiting",
		}),
		WorkersAlive: f.NewGauge(prometheus.GaugeOpts{
			Name: "courier_workers_alive",
			Help: "Live workers in the pool",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "courier_priority_queue_depth",
			Help: "Items waiting in the priority queue",
		}),
		PartnerGrants: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_partner_acquisitions_total",
			Help: "Partner acquisition attempts by outcome",
		}, []string{"outcome"}),
		PartnersBusy: f.NewGauge(prometheus.GaugeOpts{
			Name: "courier_partners_busy",
			Help: "Partners currently granted",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordDispatch(lane, strategy string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(lane, strategy).Inc()
}

func (m *Metrics) RecordDispatchFailure(lane string) {
	if m == nil {
		return
	}
	m.DispatchFailures.WithLabelValues(lane).Inc()
}

func (m *Metrics) SetInFlight(worker string, n int) {
	if m == nil {
		return
	}
	m.WorkerInFlight.WithLabelValues(worker).Set(float64(n))
}

// RetireWorker drops the per-worker series of an exited worker.
func (m *Metrics) RetireWorker(worker string) {
	if m == nil {
		return
	}
	m.WorkerInFlight.DeleteLabelValues(worker)
}

func (m *Metrics) RecordWorkerEvent(kind string) {
	if m == nil {
		return
	}
	m.WorkerEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRestart() {
	if m == nil {
		return
	}
	m.WorkerRestarts.Inc()
}

func (m *Metrics) SetWorkersAlive(n int) {
	if m == nil {
		return
	}
	m.WorkersAlive.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordPartnerAcquire counts one acquisition attempt.
func (m *Metrics) RecordPartnerAcquire(granted bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	m.PartnerGrants.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPartnersBusy(n int) {
	if m == nil {
		return
	}
	m.PartnersBusy.Set(float64(n))
}

func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
