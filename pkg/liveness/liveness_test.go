package liveness

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	snaps [][]State
}

func (r *recorder) record(s []State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) first() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[0]
}

func (r *recorder) last() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func newMonitor(t *testing.T) (*Monitor, *clock.Mock, *recorder) {
	t.Helper()
	mock := clock.NewMock()
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.Clock = mock
	cfg.OnChange = rec.record
	return New(cfg), mock, rec
}

func TestHeartbeatTimeline(t *testing.T) {
	m, mock, rec := newMonitor(t)
	m.AddNode(0x0020)

	states := m.States()
	require.Len(t, states, 1)
	assert.False(t, states[0].Online)
	assert.True(t, states[0].LastHeartbeat.IsZero())

	m.HeartbeatReceived(0x0020)

	for i := 1; i <= 9; i++ {
		mock.Add(time.Second)
		m.Sweep()
		assert.True(t, m.States()[0].Online, "t=%ds", i)
	}
	// Only the first sweep flipped the node online.
	assert.Equal(t, 1, rec.count())

	mock.Add(time.Second) // t=10s, exactly the timeout
	assert.True(t, m.Sweep())
	assert.False(t, m.States()[0].Online)
	assert.Equal(t, 2, rec.count())

	mock.Add(time.Second)
	assert.False(t, m.Sweep())
	assert.Equal(t, 2, rec.count())
}

func TestSnapshotContainsEveryNode(t *testing.T) {
	m, mock, rec := newMonitor(t)
	m.Replace([]uint16{0x0030, 0x0010, 0x0020})

	m.HeartbeatReceived(0x0020)
	mock.Add(time.Second)
	require.True(t, m.Sweep())

	snap := rec.last()
	require.Len(t, snap, 3)
	assert.Equal(t, uint16(0x0010), snap[0].Address)
	assert.False(t, snap[0].Online)
	assert.True(t, snap[1].Online)
	assert.False(t, snap[2].Online)
}

func TestUntrackedHeartbeatIgnored(t *testing.T) {
	m, _, rec := newMonitor(t)
	m.HeartbeatReceived(0x0040)
	assert.False(t, m.Sweep())
	assert.Empty(t, m.States())
	assert.Equal(t, 0, rec.count())
}

func TestMembership(t *testing.T) {
	m, _, _ := newMonitor(t)
	m.AddNode(0x0010)
	m.AddNode(0x0011)
	m.RemoveNode(0x0010)
	require.Len(t, m.States(), 1)
	assert.Equal(t, uint16(0x0011), m.States()[0].Address)

	m.ClearNodes()
	assert.Empty(t, m.States())
}

func TestAddNodeKeepsExistingRecord(t *testing.T) {
	m, mock, _ := newMonitor(t)
	m.AddNode(0x0010)
	m.HeartbeatReceived(0x0010)
	at := mock.Now()

	m.AddNode(0x0010)
	assert.Equal(t, at, m.States()[0].LastHeartbeat)
}

func TestResetStatusIsSilent(t *testing.T) {
	m, mock, rec := newMonitor(t)
	m.AddNode(0x0010)
	m.HeartbeatReceived(0x0010)
	mock.Add(time.Second)
	m.Sweep()
	require.Equal(t, 1, rec.count())

	m.ResetStatus()
	assert.False(t, m.States()[0].Online)
	assert.Equal(t, 1, rec.count())

	// The next sweep sees the fresh heartbeat again.
	assert.True(t, m.Sweep())
	assert.True(t, m.States()[0].Online)
}

func TestSweepLoop(t *testing.T) {
	m, mock, rec := newMonitor(t)
	m.AddNode(0x0010)
	m.HeartbeatReceived(0x0010)

	m.Start()
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		mock.Add(DefaultSweepInterval)
		return rec.count() >= 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, rec.first()[0].Online)

	m.Stop()
	m.Stop()
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{SweepInterval: -1}.Validate(), ErrInvalidSweepInterval)
	assert.ErrorIs(t, Config{OfflineTimeout: -1}.Validate(), ErrInvalidOfflineTimeout)
}
