// Package metrics exposes report pipeline counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	reports       *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	panels        prometheus.Counter
	pages         prometheus.Counter
	queueDepth    prometheus.Gauge
	running       prometheus.Gauge
	notifications *prometheus.CounterVec
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reporter",
			Name:      "reports_total",
			Help:      "Report runs by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reporter",
			Name:      "report_duration_seconds",
			Help:      "Wall time from capture start to finished document.",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"trigger"}),
		panels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reporter",
			Name:      "panels_captured_total",
			Help:      "Panels captured into finished reports.",
		}),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reporter",
			Name:      "pages_rendered_total",
			Help:      "PDF pages produced.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reporter",
			Name:      "schedule_queue_depth",
			Help:      "Schedules waiting for the worker.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reporter",
			Name:      "schedule_running",
			Help:      "1 while a scheduled run executes.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reporter",
			Name:      "notifications_total",
			Help:      "Notification attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}
	reg.MustRegister(m.reports, m.duration, m.panels, m.pages, m.queueDepth, m.running, m.notifications)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveReport records one finished run. outcome is completed, error or cancelled.
func (m *Metrics) ObserveReport(trigger, outcome string, elapsed time.Duration, panels, pages int) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(trigger, outcome).Inc()
	m.duration.WithLabelValues(trigger).Observe(elapsed.Seconds())
	if outcome == "completed" {
		m.panels.Add(float64(panels))
		m.pages.Add(float64(pages))
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}

func (m *Metrics) ObserveNotification(provider string, err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(provider, outcome).Inc()
}
