// ABOUTME: Prometheus collectors for the hub, client, transports and tunnel
// ABOUTME: A nil *Metrics is valid and records nothing, so components never check for it

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coven_hub"

// Reply outcomes recorded by ObserveReply.
const (
	ReplyOK          = "ok"
	ReplyRemoteError = "remote_error"
	ReplyTimeout     = "timeout"
	ReplyCanceled    = "canceled"
)

// Metrics holds every collector exported by a hub or agent process.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec
	unroutedSends   prometheus.Counter
	serializeErrors prometheus.Counter
	agentsOnline    prometheus.Gauge
	peersConnected  prometheus.Gauge
	reconnects      prometheus.Counter
	replies         *prometheus.CounterVec
	replyDuration   prometheus.Histogram
	pendingReplies  prometheus.Gauge
	tunnelRequests  *prometheus.CounterVec
	tunnelBytes     prometheus.Counter
	tunnelLate      prometheus.Counter
}

// New creates the collectors and registers them with reg.
// A nil registerer returns nil metrics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames received, by frame type",
		}, []string{"type"}),

		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped by the envelope codec",
		}, []string{"reason"}),

		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "messages_sent_total",
			Help:      "Envelopes sent, by kind",
		}, []string{"kind"}),

		unroutedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "unrouted_sends_total",
			Help:      "Sends addressed to an agent with no routing entry",
		}),

		serializeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "serialize_errors_total",
			Help:      "Outbound messages abandoned because they could not be encoded",
		}),

		agentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "agents_online",
			Help:      "Agents with a routing entry",
		}),

		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "peers_connected",
			Help:      "Open physical connections",
		}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "disconnects_total",
			Help:      "Connections lost",
		}),

		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "replies_total",
			Help:      "Request/reply waits, by outcome",
		}, []string{"outcome"}),

		replyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "reply_duration_seconds",
			Help:      "Time from request to resolution of a reply wait",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		pendingReplies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "pending",
			Help:      "Reply waits in flight",
		}),

		tunnelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "requests_total",
			Help:      "Tunnelled HTTP exchanges, by outcome",
		}, []string{"outcome"}),

		tunnelBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "body_bytes_total",
			Help:      "Response body bytes carried through the tunnel",
		}),

		tunnelLate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "late_chunks_total",
			Help:      "Response chunks that arrived for finished or abandoned requests",
		}),
	}

	reg.MustRegister(
		m.framesReceived,
		m.framesDropped,
		m.messagesSent,
		m.unroutedSends,
		m.serializeErrors,
		m.agentsOnline,
		m.peersConnected,
		m.reconnects,
		m.replies,
		m.replyDuration,
		m.pendingReplies,
		m.tunnelRequests,
		m.tunnelBytes,
		m.tunnelLate,
	)

	return m
}

// FrameReceived counts one inbound frame of the given type ("text" or "binary").
func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

// FrameDropped counts one inbound frame the codec discarded.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// MessageSent counts one outbound envelope.
func (m *Metrics) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
}

// UnroutedSend counts a send to an agent with no routing entry.
func (m *Metrics) UnroutedSend() {
	if m == nil {
		return
	}
	m.unroutedSends.Inc()
}

// SerializeError counts an outbound message that could not be encoded.
func (m *Metrics) SerializeError() {
	if m == nil {
		return
	}
	m.serializeErrors.Inc()
}

// SetAgentsOnline records the size of the routing table.
func (m *Metrics) SetAgentsOnline(n int) {
	if m == nil {
		return
	}
	m.agentsOnline.Set(float64(n))
}

// PeerConnected tracks an opened physical connection.
func (m *Metrics) PeerConnected() {
	if m == nil {
		return
	}
	m.peersConnected.Inc()
}

// PeerDisconnected tracks a lost physical connection.
func (m *Metrics) PeerDisconnected() {
	if m == nil {
		return
	}
	m.peersConnected.Dec()
	m.reconnects.Inc()
}

// ReplyStarted tracks a new reply wait.
func (m *Metrics) ReplyStarted() {
	if m == nil {
		return
	}
	m.pendingReplies.Inc()
}

// ObserveReply records the outcome and latency of a finished reply wait.
func (m *Metrics) ObserveReply(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pendingReplies.Dec()
	m.replies.WithLabelValues(outcome).Inc()
	m.replyDuration.Observe(elapsed.Seconds())
}

// TunnelRequest records the outcome of one tunnelled exchange.
func (m *Metrics) TunnelRequest(outcome string, bodyBytes int) {
	if m == nil {
		return
	}
	m.tunnelRequests.WithLabelValues(outcome).Inc()
	m.tunnelBytes.Add(float64(bodyBytes))
}

// TunnelLateChunk counts a response chunk for an unknown request id.
func (m *Metrics) TunnelLateChunk() {
	if m == nil {
		return
	}
	m.tunnelLate.Inc()
}
