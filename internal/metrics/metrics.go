// Package metrics holds the prometheus collectors exported by the bridge.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mcp_bridge"

// Reply kinds recorded for every message read from a peer.
const (
	ReplyMatched      = "matched"
	ReplyUnmatched    = "unmatched"
	ReplyLate         = "late"
	ReplyNotification = "notification"
	ReplyPeerRequest  = "peer_request"
)

// Enrichment outcomes.
const (
	EnrichmentApplied = "applied"
	EnrichmentEmpty   = "empty"
	EnrichmentTimeout = "timeout"
	EnrichmentFailed  = "failed"
)

type Metrics struct {
	sessionsCreated prometheus.Counter
	sessionsClosed  prometheus.Counter
	sessionsActive  prometheus.Gauge
	spawnFailures   prometheus.Counter
	calls           *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	replies         *prometheus.CounterVec
	malformedFrames prometheus.Counter
	enrichments     *prometheus.CounterVec
}

// New registers the bridge collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Number of peer sessions spawned",
		}),
		sessionsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Number of peer sessions whose process exited",
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live peer sessions",
		}),
		spawnFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Number of peer processes that failed to start",
		}),
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Bridge calls by kind and outcome",
		}, []string{"kind", "outcome"}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from receiving a call to releasing its reply",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_messages_total",
			Help:      "Messages read from peers by kind",
		}, []string{"kind"}),
		malformedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Peer output lines that were not JSON-RPC objects",
		}),
		enrichments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichments_total",
			Help:      "Capability enrichment attempts by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.spawnFailures.Inc()
}

// ObserveCall records a finished bridge call.
func (m *Metrics) ObserveCall(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(kind, outcome).Inc()
	m.callDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) PeerMessage(kind string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(kind).Inc()
}

func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) Enrichment(outcome string) {
	if m == nil {
		return
	}
	m.enrichments.WithLabelValues(outcome).Inc()
}
