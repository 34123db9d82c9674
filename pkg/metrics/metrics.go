// Package metrics holds the Prometheus instrumentation of the engine.
//
// Every method is safe to call on a nil *Metrics, so components can take
// an optional *Metrics without checking it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshlink"

// Provisioning outcome labels.
const (
	ResultProvisioned = "provisioned"
	ResultFailed      = "failed"
	ResultTimeout     = "timeout"
)

// Metrics holds all the Prometheus metrics of the engine.
type Metrics struct {
	AdvertisementsTotal *prometheus.CounterVec
	ScanErrorsTotal     prometheus.Counter
	Devices             *prometheus.GaugeVec

	ConnectAttemptsTotal prometheus.Counter
	ConnectFailuresTotal prometheus.Counter
	LinkLossTotal        prometheus.Counter

	CallsRegisteredTotal   prometheus.Counter
	CallsResolvedTotal     prometheus.Counter
	CallTimeoutsTotal      prometheus.Counter
	UnmatchedMessagesTotal prometheus.Counter
	PendingCalls           prometheus.Gauge

	HeartbeatsTotal prometheus.Counter
	NodesOnline     prometheus.Gauge

	ProvisioningTotal *prometheus.CounterVec
}

// New registers the engine metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AdvertisementsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advertisements_total",
			Help:      "Mesh advertisements accepted by the scanner, by set",
		}, []string{"set"}),
		ScanErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_errors_total",
			Help:      "Scan hardware failures",
		}),
		Devices: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices currently in each scan set",
		}, []string{"set"}),
		ConnectAttemptsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Link connect attempts",
		}),
		ConnectFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Connect calls that exhausted every attempt",
		}),
		LinkLossTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_loss_total",
			Help:      "Unsolicited link losses",
		}),
		CallsRegisteredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_registered_total",
			Help:      "Pending calls registered",
		}),
		CallsResolvedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_resolved_total",
			Help:      "Pending calls resolved by a response",
		}),
		CallTimeoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_timeouts_total",
			Help:      "Pending calls that expired",
		}),
		UnmatchedMessagesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_messages_total",
			Help:      "Inbound access messages that matched no pending call",
		}),
		PendingCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Calls awaiting a response",
		}),
		HeartbeatsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats from tracked nodes",
		}),
		NodesOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_online",
			Help:      "Tracked nodes currently online",
		}),
		ProvisioningTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_total",
			Help:      "Provisioning attempts by result",
		}, []string{"result"}),
	}
}

// AdvertisementSeen counts an advertisement classified into set.
func (m *Metrics) AdvertisementSeen(set string) {
	if m == nil {
		return
	}
	m.AdvertisementsTotal.WithLabelValues(set).Inc()
}

// ScanError counts a scan failure.
func (m *Metrics) ScanError() {
	if m == nil {
		return
	}
	m.ScanErrorsTotal.Inc()
}

// SetDevices records the size of both scan sets.
func (m *Metrics) SetDevices(unprovisioned, provisioned int) {
	if m == nil {
		return
	}
	m.Devices.WithLabelValues("unprovisioned").Set(float64(unprovisioned))
	m.Devices.WithLabelValues("provisioned").Set(float64(provisioned))
}

// ConnectAttempt counts one link attempt.
func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttemptsTotal.Inc()
}

// ConnectFailed counts a connect that gave up.
func (m *Metrics) ConnectFailed() {
	if m == nil {
		return
	}
	m.ConnectFailuresTotal.Inc()
}

// LinkLost counts an unsolicited link loss.
func (m *Metrics) LinkLost() {
	if m == nil {
		return
	}
	m.LinkLossTotal.Inc()
}

// CallRegistered counts a new pending call.
func (m *Metrics) CallRegistered() {
	if m == nil {
		return
	}
	m.CallsRegisteredTotal.Inc()
	m.PendingCalls.Inc()
}

// CallResolved counts a pending call answered by a response.
func (m *Metrics) CallResolved() {
	if m == nil {
		return
	}
	m.CallsResolvedTotal.Inc()
	m.PendingCalls.Dec()
}

// CallTimedOut counts an expired pending call.
func (m *Metrics) CallTimedOut() {
	if m == nil {
		return
	}
	m.CallTimeoutsTotal.Inc()
	m.PendingCalls.Dec()
}

// CallDropped removes a pending call rejected for another reason.
func (m *Metrics) CallDropped() {
	if m == nil {
		return
	}
	m.PendingCalls.Dec()
}

// MessageUnmatched counts an access message with no pending call.
func (m *Metrics) MessageUnmatched() {
	if m == nil {
		return
	}
	m.UnmatchedMessagesTotal.Inc()
}

// Heartbeat counts a heartbeat from a tracked node.
func (m *Metrics) Heartbeat() {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.Inc()
}

// SetNodesOnline records the number of online nodes.
func (m *Metrics) SetNodesOnline(n int) {
	if m == nil {
		return
	}
	m.NodesOnline.Set(float64(n))
}

// Provisioning counts a provisioning outcome.
func (m *Metrics) Provisioning(result string) {
	if m == nil {
		return
	}
	m.ProvisioningTotal.WithLabelValues(result).Inc()
}
