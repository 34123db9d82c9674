package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCallAccounting(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CallRegistered()
	m.CallRegistered()
	m.CallRegistered()
	m.CallResolved()
	m.CallTimedOut()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.CallsRegisteredTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsResolvedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallTimeoutsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingCalls))

	m.CallDropped()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PendingCalls))
}

func TestLabelledMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.AdvertisementSeen("provisioned")
	m.AdvertisementSeen("provisioned")
	m.SetDevices(4, 2)
	m.Provisioning(ResultFailed)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AdvertisementsTotal.WithLabelValues("provisioned")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Devices.WithLabelValues("unprovisioned")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Devices.WithLabelValues("provisioned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProvisioningTotal.WithLabelValues(ResultFailed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ProvisioningTotal.WithLabelValues(ResultProvisioned)))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AdvertisementSeen("unprovisioned")
		m.ScanError()
		m.SetDevices(1, 1)
		m.ConnectAttempt()
		m.ConnectFailed()
		m.LinkLost()
		m.CallRegistered()
		m.CallResolved()
		m.CallTimedOut()
		m.CallDropped()
		m.MessageUnmatched()
		m.Heartbeat()
		m.SetNodesOnline(3)
		m.Provisioning(ResultProvisioned)
	})
}
