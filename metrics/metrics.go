// Package metrics declares the Prometheus series an endpoint updates as it
// runs: congestion-controller state, byte counters, and drop/retransmit
// counters, all labeled by the endpoint's trace id.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	congestionWindow = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "utp_congestion_window_bytes",
		Help: "Current LEDBAT congestion window, in bytes.",
	}, []string{"trace_id"})

	rtt = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "utp_rtt_milliseconds",
		Help: "Current smoothed round-trip time estimate.",
	}, []string{"trace_id"})

	congestionTimeout = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "utp_congestion_timeout_milliseconds",
		Help: "Current retransmission timeout.",
	}, []string{"trace_id"})

	retransmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utp_retransmits_total",
		Help: "Packets retransmitted, by trigger.",
	}, []string{"trace_id", "reason"})

	bytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utp_bytes_sent_total",
		Help: "Payload bytes transmitted on the wire.",
	}, []string{"trace_id"})

	bytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utp_bytes_received_total",
		Help: "Payload bytes accepted from the wire.",
	}, []string{"trace_id"})

	packetsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utp_packets_dropped_total",
		Help: "Inbound packets dropped, by reason.",
	}, []string{"trace_id", "reason"})
)

// Reasons recorded against utp_retransmits_total.
const (
	ReasonDuplicateAck = "duplicate_ack"
	ReasonSelectiveAck = "selective_ack"
	ReasonTimeout      = "timeout"
)

// Reasons recorded against utp_packets_dropped_total.
const (
	ReasonMalformed       = "malformed"
	ReasonWrongConnection = "wrong_connection_id"
)

// EndpointMetrics binds the package-level series to one endpoint's trace id
// so its call sites don't repeat the label.
type EndpointMetrics struct {
	traceID string
}

// New returns a metrics handle for the endpoint identified by traceID.
func New(traceID string) *EndpointMetrics {
	return &EndpointMetrics{traceID: traceID}
}

func (m *EndpointMetrics) SetCongestionWindow(bytes uint32) {
	congestionWindow.WithLabelValues(m.traceID).Set(float64(bytes))
}

func (m *EndpointMetrics) SetRTT(ms int32) {
	rtt.WithLabelValues(m.traceID).Set(float64(ms))
}

func (m *EndpointMetrics) SetCongestionTimeout(ms uint64) {
	congestionTimeout.WithLabelValues(m.traceID).Set(float64(ms))
}

func (m *EndpointMetrics) AddRetransmit(reason string) {
	retransmits.WithLabelValues(m.traceID, reason).Inc()
}

func (m *EndpointMetrics) AddBytesSent(n int) {
	bytesSent.WithLabelValues(m.traceID).Add(float64(n))
}

func (m *EndpointMetrics) AddBytesReceived(n int) {
	bytesReceived.WithLabelValues(m.traceID).Add(float64(n))
}

func (m *EndpointMetrics) AddPacketDropped(reason string) {
	packetsDropped.WithLabelValues(m.traceID, reason).Inc()
}
