// Package metrics holds the Prometheus collectors shared by the core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "buildorch"

type Metrics struct {
	workers       *prometheus.GaugeVec
	waiting       prometheus.Gauge
	running       prometheus.Gauge
	builds        *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	requests      *prometheus.CounterVec
	held          prometheus.Gauge
	notifications *prometheus.CounterVec
	published     *prometheus.CounterVec
	treeOpen      prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workers",
			Help: "Workers by state.",
		}, []string{"state"}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "requests_waiting",
			Help: "Build requests waiting for a worker.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "builds_running",
			Help: "Builds currently running.",
		}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "builds_total",
			Help: "Finished builds by builder and status.",
		}, []string{"builder", "status"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "build_duration_seconds",
			Help:    "Wall time of finished builds.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"builder"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "build_requests_total",
			Help: "Build requests emitted by scheduler.",
		}, []string{"scheduler"}),
		held: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "requests_held",
			Help: "Build requests held back while the tree is closed.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "build_events_published_total",
			Help: "Outbound build events by result.",
		}, []string{"result"}),
		treeOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tree_open",
			Help: "1 when the tree is open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.workers, m.waiting, m.running, m.builds, m.buildDuration,
			m.requests, m.held, m.notifications, m.published, m.treeOpen,
		)
	}
	return m
}

func (m *Metrics) SetWorkers(idle, busy, offline int) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues("idle").Set(float64(idle))
	m.workers.WithLabelValues("busy").Set(float64(busy))
	m.workers.WithLabelValues("offline").Set(float64(offline))
}

func (m *Metrics) SetWaiting(n int) {
	if m != nil {
		m.waiting.Set(float64(n))
	}
}

func (m *Metrics) SetRunning(n int) {
	if m != nil {
		m.running.Set(float64(n))
	}
}

func (m *Metrics) BuildFinished(builder, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(builder, status).Inc()
	if d > 0 {
		m.buildDuration.WithLabelValues(builder).Observe(d.Seconds())
	}
}

func (m *Metrics) RequestEmitted(scheduler string) {
	if m != nil {
		m.requests.WithLabelValues(scheduler).Inc()
	}
}

func (m *Metrics) SetHeld(n int) {
	if m != nil {
		m.held.Set(float64(n))
	}
}

func (m *Metrics) Notification(channel, result string) {
	if m != nil {
		m.notifications.WithLabelValues(channel, result).Inc()
	}
}

func (m *Metrics) Published(result string) {
	if m != nil {
		m.published.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetTreeOpen(open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.treeOpen.Set(v)
}
