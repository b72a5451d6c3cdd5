// Package metrics exposes the sync core's counters to Prometheus. Every
// Observe method is safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentworkforce/fieldsync/internal/pushconn"
)

type Metrics struct {
	frames      *prometheus.CounterVec
	dispatched  *prometheus.CounterVec
	pulls       *prometheus.CounterVec
	coalesced   *prometheus.CounterVec
	settle      *prometheus.HistogramVec
	chat        *prometheus.CounterVec
	connection  prometheus.Gauge
	snapshotsOK prometheus.Counter
	snapshotErr prometheus.Counter
}

// New registers the collectors on reg. A nil reg uses a fresh registry so
// tests and embedded clients never collide with the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		frames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_push_frames_total",
				Help: "Push frames decoded, by result",
			},
			[]string{"result"}, // control, chat, error, dropped
		),
		dispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_events_dispatched_total",
				Help: "Events delivered to a registered handler",
			},
			[]string{"kind"},
		),
		pulls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_pulls_total",
				Help: "Reconciliation pulls, by family and result",
			},
			[]string{"family", "result"},
		),
		coalesced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_invalidations_coalesced_total",
				Help: "Invalidations folded into an already armed pull",
			},
			[]string{"family"},
		),
		settle: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fieldsync_invalidation_settle_seconds",
				Help:    "Time from the first invalidation of a scope to its scheduled pull",
				Buckets: []float64{.05, .1, .15, .25, .5, 1, 2.5, 5},
			},
			[]string{"family"},
		),
		chat: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_chat_messages_total",
				Help: "Chat messages, by direction",
			},
			[]string{"direction"},
		),
		connection: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fieldsync_push_connection_status",
				Help: "Push connection status: 0 closed, 1 connecting, 2 open",
			},
		),
		snapshotsOK: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fieldsync_snapshots_saved_total",
				Help: "Snapshots written to the configured backend",
			},
		),
		snapshotErr: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fieldsync_snapshot_errors_total",
				Help: "Snapshot saves that failed",
			},
		),
	}
}

func (m *Metrics) ObserveFrame(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDispatch(kind string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObservePull(family, result string) {
	if m == nil {
		return
	}
	m.pulls.WithLabelValues(family, result).Inc()
}

func (m *Metrics) ObserveCoalesced(family string) {
	if m == nil {
		return
	}
	m.coalesced.WithLabelValues(family).Inc()
}

func (m *Metrics) ObserveSettle(family string, waited time.Duration) {
	if m == nil {
		return
	}
	m.settle.WithLabelValues(family).Observe(waited.Seconds())
}

func (m *Metrics) ObserveChat(direction string) {
	if m == nil {
		return
	}
	m.chat.WithLabelValues(direction).Inc()
}

func (m *Metrics) SetConnectionStatus(status pushconn.Status) {
	if m == nil {
		return
	}
	switch status {
	case pushconn.StatusOpen:
		m.connection.Set(2)
	case pushconn.StatusConnecting:
		m.connection.Set(1)
	default:
		m.connection.Set(0)
	}
}

func (m *Metrics) ObserveSnapshot(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.snapshotErr.Inc()
		return
	}
	m.snapshotsOK.Inc()
}
