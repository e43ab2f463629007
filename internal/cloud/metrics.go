package cloud

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the counters the uplink increments. A nil *Metrics makes
// every helper method a no-op, the same pattern used by the gRPC
// dashboard transport client this package is grounded on.
type Metrics struct {
	ConnectAttempts prometheus.Counter
	ConnectFailures prometheus.Counter
	Disconnects     prometheus.Counter
	Sent            prometheus.Counter
	QueueDepth      prometheus.Gauge
}

func (m *Metrics) connectAttempt() {
	if m == nil || m.ConnectAttempts == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

func (m *Metrics) connectFailure() {
	if m == nil || m.ConnectFailures == nil {
		return
	}
	m.ConnectFailures.Inc()
}

func (m *Metrics) disconnect() {
	if m == nil || m.Disconnects == nil {
		return
	}
	m.Disconnects.Inc()
}

func (m *Metrics) sent() {
	if m == nil || m.Sent == nil {
		return
	}
	m.Sent.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil || m.QueueDepth == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
