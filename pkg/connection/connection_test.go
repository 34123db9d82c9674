package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/meshlink/meshlink-go/pkg/mesherr"
	"github.com/meshlink/meshlink-go/pkg/metrics"
	"github.com/meshlink/meshlink-go/pkg/scanner"
	"github.com/meshlink/meshlink-go/pkg/transport"
)

type stubLink struct {
	mock.Mock

	mu            sync.Mutex
	addr          string
	ops           []string
	disconnectErr error
}

func (l *stubLink) Connect(_ context.Context, address string, service uint16) error {
	err := l.Called(address, service).Error(0)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, "connect "+address)
	if err == nil {
		l.addr = address
	}
	return err
}

func (l *stubLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.addr != "" {
		l.ops = append(l.ops, "disconnect "+l.addr)
	}
	l.addr = ""
	return l.disconnectErr
}

func (l *stubLink) Send([]byte) error { return nil }

func (l *stubLink) MTU() int { return 20 }

func (l *stubLink) Connected() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr, l.addr != ""
}

// drop simulates the remote side going away.
func (l *stubLink) drop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addr = ""
}

func (l *stubLink) history() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *stubLink) connects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, op := range l.ops {
		if len(op) > 8 && op[:8] == "connect " {
			n++
		}
	}
	return n
}

type stubDevices struct {
	mock.Mock

	mu            sync.Mutex
	provisioned   []scanner.Device
	unprovisioned []scanner.Device
}

func (d *stubDevices) Provisioned() []scanner.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]scanner.Device(nil), d.provisioned...)
}

func (d *stubDevices) FindUnprovisioned(id uuid.UUID) (scanner.Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dev := range d.unprovisioned {
		if dev.UUID == id {
			return dev, true
		}
	}
	return scanner.Device{}, false
}

func (d *stubDevices) IsProvisioned(address string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dev := range d.provisioned {
		if dev.Address == address {
			return true
		}
	}
	return false
}

func (d *stubDevices) Restart() error { return d.Called().Error(0) }

func proxy(addr string, rssi int16) scanner.Device {
	return scanner.Device{Address: addr, RSSI: rssi, Membership: scanner.Provisioned}
}

func newManager(t *testing.T, mutate func(*Config)) (*Manager, *stubLink, *stubDevices) {
	t.Helper()
	link := &stubLink{}
	devices := &stubDevices{}
	devices.On("Restart").Return(nil)

	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.ProxySearch = 5 * time.Millisecond
	cfg.ProxyPoll = time.Millisecond
	cfg.Reconnect = BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(link, devices, cfg)
	t.Cleanup(m.Close)
	return m, link, devices
}

func TestConnect(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		m, link, _ := newManager(t, nil)
		link.On("Connect", "AA", transport.ServiceProxy).Return(nil)

		assert.True(t, m.Connect(context.Background(), "AA", transport.ServiceProxy, true))
		addr, ok := m.Address()
		assert.True(t, ok)
		assert.Equal(t, "AA", addr)
		assert.True(t, m.AutoReconnect())
		assert.Equal(t, StateConnected, m.State())
	})

	t.Run("TearsDownExistingLink", func(t *testing.T) {
		m, link, _ := newManager(t, nil)
		link.On("Connect", mock.Anything, transport.ServiceProxy).Return(nil)

		require.True(t, m.Connect(context.Background(), "AA", transport.ServiceProxy, true))
		require.True(t, m.Connect(context.Background(), "BB", transport.ServiceProxy, true))

		assert.Equal(t, []string{"connect AA", "disconnect AA", "connect BB"}, link.history())
		addr, ok := m.Address()
		assert.True(t, ok)
		assert.Equal(t, "BB", addr)
	})

	t.Run("SucceedsOnThirdAttempt", func(t *testing.T) {
		m, link, _ := newManager(t, nil)
		link.On("Connect", "AA", transport.ServiceProxy).Return(errors.New("busy")).Twice()
		link.On("Connect", "AA", transport.ServiceProxy).Return(nil).Once()

		assert.True(t, m.Connect(context.Background(), "AA", transport.ServiceProxy, false))
		link.AssertNumberOfCalls(t, "Connect", 3)
	})

	t.Run("GivesUpAfterThreeAttempts", func(t *testing.T) {
		reg := metrics.New(prometheus.NewRegistry())
		m, link, _ := newManager(t, func(c *Config) { c.Metrics = reg })
		link.On("Connect", "AA", transport.ServiceProxy).Return(errors.New("busy"))

		assert.False(t, m.Connect(context.Background(), "AA", transport.ServiceProxy, true))
		link.AssertNumberOfCalls(t, "Connect", 3)
		assert.Equal(t, StateDisconnected, m.State())
		assert.Equal(t, 3.0, testutil.ToFloat64(reg.ConnectAttemptsTotal))
		assert.Equal(t, 1.0, testutil.ToFloat64(reg.ConnectFailuresTotal))
	})

	t.Run("PanickingTransport", func(t *testing.T) {
		m, link, _ := newManager(t, nil)
		link.On("Connect", "AA", transport.ServiceProxy).Run(func(mock.Arguments) { panic("driver") })

		assert.NotPanics(t, func() {
			assert.False(t, m.Connect(context.Background(), "AA", transport.ServiceProxy, false))
		})
	})
}

func TestConnectRetryDelayUsesClock(t *testing.T) {
	mc := clock.NewMock()
	m, link, _ := newManager(t, func(c *Config) {
		c.Clock = mc
		c.RetryDelay = time.Second
	})
	link.On("Connect", "AA", transport.ServiceProxy).Return(errors.New("busy"))

	result := make(chan bool, 1)
	go func() { result <- m.Connect(context.Background(), "AA", transport.ServiceProxy, false) }()

	require.Eventually(t, func() bool { return link.connects() == 1 }, time.Second, time.Millisecond)
	// Nothing happens until a full second has passed.
	mc.Add(999 * time.Millisecond)
	assert.Never(t, func() bool { return link.connects() > 1 }, 20*time.Millisecond, time.Millisecond)

	require.Eventually(t, func() bool {
		mc.Add(time.Second)
		select {
		case ok := <-result:
			assert.False(t, ok)
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, link.connects())
}

func TestDisconnect(t *testing.T) {
	t.Run("BestEffort", func(t *testing.T) {
		m, link, _ := newManager(t, nil)
		link.On("Connect", "AA", transport.ServiceProxy).Return(nil)
		require.True(t, m.Connect(context.Background(), "AA", transport.ServiceProxy, true))

		link.disconnectErr = errors.New("gatt error")
		m.Disconnect(false)
		assert.Equal(t, StateDisconnected, m.State())
		assert.False(t, m.AutoReconnect())
	})

	t.Run("CancelsConnectRetries", func(t *testing.T) {
		mc := clock.NewMock()
		m, link, _ := newManager(t, func(c *Config) {
			c.Clock = mc
			c.RetryDelay = time.Second
		})
		link.On("Connect", "AA", transport.ServiceProxy).Return(errors.New("busy"))

		result := make(chan bool, 1)
		go func() { result <- m.Connect(context.Background(), "AA", transport.ServiceProxy, true) }()
		require.Eventually(t, func() bool { return link.connects() == 1 }, time.Second, time.Millisecond)

		m.Disconnect(false)
		select {
		case ok := <-result:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("connect still retrying")
		}
		assert.Equal(t, 1, link.connects())
	})

	t.Run("CancelsOverlappingConnects", func(t *testing.T) {
		mc := clock.NewMock()
		m, link, _ := newManager(t, func(c *Config) {
			c.Clock = mc
			c.RetryDelay = time.Second
		})
		link.On("Connect", mock.Anything, transport.ServiceProxy).Return(errors.New("busy"))

		results := make(chan bool, 2)
		go func() { results <- m.Connect(context.Background(), "AA", transport.ServiceProxy, false) }()
		require.Eventually(t, func() bool { return link.connects() == 1 }, time.Second, time.Millisecond)
		go func() { results <- m.Connect(context.Background(), "BB", transport.ServiceProxy, false) }()
		require.Eventually(t, func() bool {
			m.mu.RLock()
			defer m.mu.RUnlock()
			return len(m.connects) == 2
		}, time.Second, time.Millisecond)

		m.Disconnect(false)
		for i := 0; i < 2; i++ {
			select {
			case ok := <-results:
				assert.False(t, ok)
			case <-time.After(time.Second):
				t.Fatal("connect still running after disconnect")
			}
		}
		assert.Equal(t, 1, link.connects())
		m.mu.RLock()
		assert.Empty(t, m.connects)
		m.mu.RUnlock()
	})
}

func TestSelectProxy(t *testing.T) {
	devs := []scanner.Device{proxy("P1", -40), proxy("P2", -70), proxy("P3", -55)}

	tests := []struct {
		name  string
		order ProxyOrder
		want  string
	}{
		{"Ascending", ProxyOrderAscending, "P2"},
		{"Strongest", ProxyOrderStrongest, "P1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, devices := newManager(t, func(c *Config) { c.ProxyOrder = tt.order })
			devices.provisioned = devs

			addr, ok := m.SelectProxy()
			require.True(t, ok)
			assert.Equal(t, tt.want, addr)
		})
	}

	t.Run("NoCandidates", func(t *testing.T) {
		m, _, _ := newManager(t, nil)
		_, ok := m.SelectProxy()
		assert.False(t, ok)
	})

	t.Run("KeepsProxyLink", func(t *testing.T) {
		m, link, devices := newManager(t, nil)
		devices.provisioned = devs
		link.On("Connect", "P3", transport.ServiceProxy).Return(nil)
		require.True(t, m.Connect(context.Background(), "P3", transport.ServiceProxy, true))

		addr, ok := m.SelectProxy()
		require.True(t, ok)
		assert.Equal(t, "P3", addr)
		assert.True(t, m.IsConnected())
	})

	t.Run("DropsNonProxyLink", func(t *testing.T) {
		m, link, devices := newManager(t, nil)
		devices.provisioned = devs
		link.On("Connect", "XX", transport.ServiceProvisioning).Return(nil)
		require.True(t, m.Connect(context.Background(), "XX", transport.ServiceProvisioning, false))

		addr, ok := m.SelectProxy()
		require.True(t, ok)
		assert.Equal(t, "P2", addr)
		assert.False(t, m.IsConnected())
		assert.Contains(t, link.history(), "disconnect XX")
	})
}

func TestConnectToProxy(t *testing.T) {
	t.Run("Connects", func(t *testing.T) {
		m, link, devices := newManager(t, nil)
		devices.provisioned = []scanner.Device{proxy("P1", -60)}
		link.On("Connect", "P1", transport.ServiceProxy).Return(nil).Once()

		require.NoError(t, m.ConnectToProxy(context.Background()))
		// A second call reuses the link.
		require.NoError(t, m.ConnectToProxy(context.Background()))
		link.AssertNumberOfCalls(t, "Connect", 1)
		assert.True(t, m.AutoReconnect())
	})

	t.Run("NotFoundRestartsScan", func(t *testing.T) {
		m, _, devices := newManager(t, nil)

		err := m.ConnectToProxy(context.Background())
		assert.True(t, mesherr.IsNotFound(err))
		devices.AssertNumberOfCalls(t, "Restart", 1)
	})

	t.Run("WaitsForProxyToAppear", func(t *testing.T) {
		mc := clock.NewMock()
		m, link, devices := newManager(t, func(c *Config) {
			c.Clock = mc
			c.ProxySearch = DefaultProxySearch
			c.ProxyPoll = DefaultProxyPoll
		})
		link.On("Connect", "P1", transport.ServiceProxy).Return(nil)

		result := make(chan error, 1)
		go func() { result <- m.ConnectToProxy(context.Background()) }()

		mc.Add(time.Second)
		devices.mu.Lock()
		devices.provisioned = []scanner.Device{proxy("P1", -60)}
		devices.mu.Unlock()

		require.Eventually(t, func() bool {
			mc.Add(time.Second)
			select {
			case err := <-result:
				assert.NoError(t, err)
				return true
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)
		devices.AssertNotCalled(t, "Restart")
	})
}

func TestConnectToUnprovisioned(t *testing.T) {
	id := uuid.New()

	t.Run("Connects", func(t *testing.T) {
		m, link, devices := newManager(t, nil)
		devices.unprovisioned = []scanner.Device{{Address: "UU", UUID: id}}
		link.On("Connect", "UU", transport.ServiceProvisioning).Return(nil).Once()

		require.NoError(t, m.ConnectToUnprovisioned(context.Background(), "UU", id))
		assert.False(t, m.AutoReconnect())

		// Already linked to the target.
		require.NoError(t, m.ConnectToUnprovisioned(context.Background(), "UU", id))
		link.AssertNumberOfCalls(t, "Connect", 1)
	})

	t.Run("DropsOtherLink", func(t *testing.T) {
		m, link, devices := newManager(t, nil)
		devices.unprovisioned = []scanner.Device{{Address: "UU", UUID: id}}
		link.On("Connect", mock.Anything, mock.Anything).Return(nil)
		require.True(t, m.Connect(context.Background(), "P1", transport.ServiceProxy, true))

		require.NoError(t, m.ConnectToUnprovisioned(context.Background(), "UU", id))
		assert.Equal(t, []string{"connect P1", "disconnect P1", "connect UU"}, link.history())
	})

	t.Run("NotFound", func(t *testing.T) {
		m, _, devices := newManager(t, nil)

		err := m.ConnectToUnprovisioned(context.Background(), "UU", id)
		assert.True(t, mesherr.IsNotFound(err))
		devices.AssertNumberOfCalls(t, "Restart", 1)
	})

	t.Run("ConnectFails", func(t *testing.T) {
		m, link, devices := newManager(t, nil)
		devices.unprovisioned = []scanner.Device{{Address: "UU", UUID: id}}
		link.On("Connect", "UU", transport.ServiceProvisioning).Return(errors.New("busy"))

		err := m.ConnectToUnprovisioned(context.Background(), "UU", id)
		assert.True(t, mesherr.IsTransport(err))
		assert.ErrorIs(t, err, ErrConnectFailed)
	})
}

func TestLinkLoss(t *testing.T) {
	t.Run("Reconnects", func(t *testing.T) {
		reconnected := make(chan string, 1)
		m, link, devices := newManager(t, func(c *Config) {
			c.OnReconnected = func(addr string) { reconnected <- addr }
		})
		devices.provisioned = []scanner.Device{proxy("P1", -60)}
		link.On("Connect", "P1", transport.ServiceProxy).Return(nil)
		m.StartReconnectLoop()

		require.True(t, m.Connect(context.Background(), "P1", transport.ServiceProxy, true))
		link.drop()
		m.HandleLinkState("P1", transport.LinkLost)

		select {
		case addr := <-reconnected:
			assert.Equal(t, "P1", addr)
		case <-time.After(time.Second):
			t.Fatal("no reconnect")
		}
		assert.True(t, m.IsConnected())
		devices.AssertCalled(t, "Restart")
	})

	t.Run("StaysDownWithoutAutoReconnect", func(t *testing.T) {
		m, link, devices := newManager(t, nil)
		link.On("Connect", "P1", transport.ServiceProxy).Return(nil)
		m.StartReconnectLoop()

		require.True(t, m.Connect(context.Background(), "P1", transport.ServiceProxy, false))
		link.drop()
		m.HandleLinkState("P1", transport.LinkLost)

		assert.Equal(t, StateDisconnected, m.State())
		assert.Never(t, func() bool { return link.connects() > 1 }, 30*time.Millisecond, time.Millisecond)
		devices.AssertNotCalled(t, "Restart")
	})

	t.Run("IgnoresOrderlyDisconnect", func(t *testing.T) {
		m, link, _ := newManager(t, nil)
		link.On("Connect", "P1", transport.ServiceProxy).Return(nil)
		require.True(t, m.Connect(context.Background(), "P1", transport.ServiceProxy, true))

		m.HandleLinkState("P1", transport.LinkDisconnected)
		assert.True(t, m.IsConnected())
	})
}

func TestStateCallbacks(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	m, link, _ := newManager(t, func(c *Config) {
		c.OnStateChange = func(_ string, _, s State) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, s)
		}
	})
	link.On("Connect", "AA", transport.ServiceProxy).Return(nil)

	require.True(t, m.Connect(context.Background(), "AA", transport.ServiceProxy, false))
	m.Disconnect(false)
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected, StateClosed}, seen)
	assert.False(t, m.Connect(context.Background(), "AA", transport.ServiceProxy, false))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{ConnectAttempts: -1}.Validate(), ErrInvalidConnectAttempts)
	assert.ErrorIs(t, Config{RetryDelay: -1}.Validate(), ErrInvalidDelay)
}

func TestBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Jitter: 0})
		want := []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			30 * time.Second,
			30 * time.Second,
		}
		for i, exp := range want {
			assert.Equal(t, exp, b.Next(), "attempt %d", i)
		}
		assert.Equal(t, len(want), b.Attempts())
	})

	t.Run("Jitter", func(t *testing.T) {
		b := NewBackoff()
		for i := 0; i < 20; i++ {
			d := b.Next()
			b.Reset()
			assert.GreaterOrEqual(t, d, InitialBackoff)
			assert.LessOrEqual(t, d, time.Duration(float64(InitialBackoff)*(1+JitterFactor)))
		}
	})

	t.Run("Fixed", func(t *testing.T) {
		b := FixedBackoff(time.Second)
		for i := 0; i < 4; i++ {
			assert.Equal(t, time.Second, b.Next())
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{})
		b.Next()
		b.Next()
		b.Reset()
		assert.Equal(t, 0, b.Attempts())
		assert.Equal(t, InitialBackoff, b.Current())
	})
}
