package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	meshlog "github.com/meshlink/meshlink-go/pkg/log"
	"github.com/meshlink/meshlink-go/pkg/mesherr"
	"github.com/meshlink/meshlink-go/pkg/metrics"
	"github.com/meshlink/meshlink-go/pkg/scanner"
	"github.com/meshlink/meshlink-go/pkg/transport"
)

// Defaults.
const (
	DefaultConnectAttempts = 3
	DefaultRetryDelay      = 1 * time.Second
	DefaultProxySearch     = 5 * time.Second
	DefaultProxyPoll       = 1 * time.Second
)

// Connection errors.
var (
	ErrConnectFailed          = errors.New("connect attempts exhausted")
	ErrClosed                 = errors.New("connection manager closed")
	ErrInvalidConnectAttempts = errors.New("connect attempts must be positive")
	ErrInvalidDelay           = errors.New("delays must not be negative")
)

// State represents the connection state.
type State uint8

const (
	// StateDisconnected indicates no link.
	StateDisconnected State = iota

	// StateConnecting indicates a connect is in progress.
	StateConnecting

	// StateConnected indicates a live link.
	StateConnected

	// StateClosed indicates the manager has been closed.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ProxyOrder selects how proxy candidates are ranked by RSSI.
type ProxyOrder uint8

const (
	// ProxyOrderAscending picks the numerically smallest RSSI.
	ProxyOrderAscending ProxyOrder = iota

	// ProxyOrderStrongest picks the RSSI closest to zero.
	ProxyOrderStrongest
)

// Devices is the view of the scan sets the manager needs.
type Devices interface {
	Provisioned() []scanner.Device
	FindUnprovisioned(id uuid.UUID) (scanner.Device, bool)
	IsProvisioned(address string) bool
	Restart() error
}

// Config configures a Manager.
type Config struct {
	// ConnectAttempts is how often Connect tries the link.
	ConnectAttempts int

	// RetryDelay is the fixed pause between connect attempts.
	RetryDelay time.Duration

	// ProxySearch bounds how long ConnectToProxy waits for a proxy to show
	// up; ProxyPoll is how often it looks.
	ProxySearch time.Duration
	ProxyPoll   time.Duration

	ProxyOrder ProxyOrder

	// Reconnect shapes the pause between automatic reconnect cycles.
	Reconnect BackoffConfig

	// OnStateChange is called after every state transition.
	OnStateChange func(address string, old, new State)

	// OnReconnected is called after an automatic reconnect succeeds.
	OnReconnected func(address string)

	Clock          clock.Clock
	Logger         *slog.Logger
	ProtocolLogger meshlog.Logger
	Metrics        *metrics.Metrics
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		ConnectAttempts: DefaultConnectAttempts,
		RetryDelay:      DefaultRetryDelay,
		ProxySearch:     DefaultProxySearch,
		ProxyPoll:       DefaultProxyPoll,
		ProxyOrder:      ProxyOrderAscending,
		Reconnect: BackoffConfig{
			Initial:    InitialBackoff,
			Max:        MaxBackoff,
			Multiplier: BackoffMultiplier,
			Jitter:     JitterFactor,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ConnectAttempts < 0 {
		return ErrInvalidConnectAttempts
	}
	if c.RetryDelay < 0 || c.ProxySearch < 0 || c.ProxyPoll < 0 {
		return ErrInvalidDelay
	}
	return nil
}

// Manager owns the single link to the mesh.
type Manager struct {
	link    transport.Link
	devices Devices
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	plog    meshlog.Logger

	// opMu serializes connects and disconnects.
	opMu sync.Mutex

	mu            sync.RWMutex
	state         State
	address       string
	autoReconnect bool

	// connects holds the cancel of every Connect running or waiting on
	// opMu, keyed by call.
	connects    map[uint64]context.CancelFunc
	nextConnect uint64

	retry   *Backoff
	backoff *Backoff

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	reconnectCh chan struct{}
	startOnce   sync.Once
}

// NewManager creates a connection manager. Call StartReconnectLoop to enable
// automatic reconnects after link loss.
func NewManager(link transport.Link, devices Devices, config Config) *Manager {
	if config.ConnectAttempts == 0 {
		config.ConnectAttempts = DefaultConnectAttempts
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.ProxySearch == 0 {
		config.ProxySearch = DefaultProxySearch
	}
	if config.ProxyPoll == 0 {
		config.ProxyPoll = DefaultProxyPoll
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		link:        link,
		devices:     devices,
		config:      config,
		clock:       config.Clock,
		logger:      config.Logger,
		plog:        meshlog.OrNoop(config.ProtocolLogger),
		state:       StateDisconnected,
		connects:    make(map[uint64]context.CancelFunc),
		retry:       FixedBackoff(config.RetryDelay),
		backoff:     NewBackoffWithConfig(config.Reconnect),
		ctx:         ctx,
		cancel:      cancel,
		reconnectCh: make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether a link is up.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected
}

// Address returns the linked device address, if connected.
func (m *Manager) Address() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.address, m.state == StateConnected
}

// AutoReconnect returns the flag set by the last Connect or Disconnect.
func (m *Manager) AutoReconnect() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.autoReconnect
}

func (m *Manager) setState(address string, state State, reason string) {
	m.mu.Lock()
	old := m.state
	if old == StateClosed || old == state && m.address == address {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.address = address
	m.mu.Unlock()

	m.logger.Info("link state changed", "address", address, "from", old, "to", state)
	m.plog.Log(meshlog.Event{
		Timestamp:   m.clock.Now(),
		LinkAddress: address,
		Layer:       meshlog.LayerBearer,
		Category:    meshlog.CategoryState,
		StateChange: &meshlog.StateChangeEvent{
			Entity:   meshlog.StateEntityLink,
			OldState: old.String(),
			NewState: state.String(),
			Reason:   reason,
		},
	})
	if m.config.OnStateChange != nil {
		m.config.OnStateChange(address, old, state)
	}
}

// Connect links to address, tearing down any existing link first. It tries
// up to ConnectAttempts times with RetryDelay between attempts and reports
// whether the link is up. Attempt failures are logged, not returned.
func (m *Manager) Connect(ctx context.Context, address string, service uint16, autoReconnect bool) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return false
	}
	m.autoReconnect = autoReconnect
	m.nextConnect++
	id := m.nextConnect
	m.connects[id] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.connects, id)
		m.mu.Unlock()
	}()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if ctx.Err() != nil {
		return false
	}

	if current, ok := m.link.Connected(); ok {
		m.logger.Info("tearing down existing link", "address", current, "target", address)
		m.teardown(current, "replaced")
	}

	m.setState(address, StateConnecting, "")
	m.retry.Reset()

	for attempt := 1; attempt <= m.config.ConnectAttempts; attempt++ {
		m.config.Metrics.ConnectAttempt()
		err := m.tryConnect(ctx, address, service)
		if err == nil {
			m.setState(address, StateConnected, "")
			return true
		}
		m.logger.Warn("connect attempt failed", "address", address, "attempt", attempt, "error", err)

		if attempt == m.config.ConnectAttempts {
			break
		}
		if !m.sleep(ctx, m.retry.Next()) {
			break
		}
	}

	m.config.Metrics.ConnectFailed()
	m.setState(address, StateDisconnected, "connect failed")
	return false
}

// tryConnect converts a panicking transport into an error.
func (m *Manager) tryConnect(ctx context.Context, address string, service uint16) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &mesherr.TransportError{Op: "connect", Address: address, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := m.link.Connect(ctx, address, service); err != nil {
		return &mesherr.TransportError{Op: "connect", Address: address, Err: err}
	}
	return nil
}

// sleep waits d on the manager's clock. It returns false if ctx or the
// manager ended first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := m.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.ctx.Done():
		return false
	}
}

// Disconnect tears down the link and cancels every connect in progress or
// waiting to start. Failures are logged only.
func (m *Manager) Disconnect(autoReconnect bool) {
	m.mu.Lock()
	m.autoReconnect = autoReconnect
	m.cancelConnects()
	m.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	address, ok := m.link.Connected()
	if !ok {
		address, _ = m.Address()
	}
	m.teardown(address, "requested")
}

// cancelConnects cancels every pending Connect. Callers hold m.mu.
func (m *Manager) cancelConnects() {
	for id, cancel := range m.connects {
		cancel()
		delete(m.connects, id)
	}
}

func (m *Manager) teardown(address, reason string) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("disconnect panicked", "address", address, "panic", r)
			}
		}()
		if err := m.link.Disconnect(); err != nil {
			m.logger.Error("disconnect failed", "address", address, "error", err)
		}
	}()
	m.setState(address, StateDisconnected, reason)
}

// HandleLinkState consumes link state reports from the transport. An
// unsolicited loss starts a reconnect cycle when auto-reconnect is set.
func (m *Manager) HandleLinkState(address string, state transport.LinkState) {
	if state != transport.LinkLost {
		return
	}
	m.config.Metrics.LinkLost()
	m.logger.Warn("link lost", "address", address)
	m.setState(address, StateDisconnected, "link lost")

	if m.AutoReconnect() {
		m.triggerReconnect()
	}
}

// SelectProxy returns the proxy to use. A live link to a provisioned device
// is kept; a link to anything else is dropped. Otherwise the provisioned set
// is ranked by RSSI per Config.ProxyOrder.
func (m *Manager) SelectProxy() (string, bool) {
	if address, ok := m.link.Connected(); ok {
		if m.devices.IsProvisioned(address) {
			return address, true
		}
		m.logger.Info("linked device is not a proxy", "address", address)
		m.Disconnect(m.AutoReconnect())
	}

	candidates := m.devices.Provisioned()
	if len(candidates) == 0 {
		return "", false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if m.config.ProxyOrder == ProxyOrderStrongest {
			return candidates[i].RSSI > candidates[j].RSSI
		}
		return candidates[i].RSSI < candidates[j].RSSI
	})
	return candidates[0].Address, true
}

// ConnectToProxy makes sure a proxy link is up. It polls proxy selection
// every ProxyPoll for up to ProxySearch; when nothing could be linked it
// restarts the scan and returns a NotFoundError.
func (m *Manager) ConnectToProxy(ctx context.Context) error {
	deadline := m.clock.Now().Add(m.config.ProxySearch)
	for {
		if address, ok := m.SelectProxy(); ok {
			if current, linked := m.Address(); linked && current == address {
				return nil
			}
			if m.Connect(ctx, address, transport.ServiceProxy, true) {
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !m.clock.Now().Before(deadline) {
			break
		}
		if !m.sleep(ctx, m.config.ProxyPoll) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrClosed
		}
	}

	if err := m.devices.Restart(); err != nil {
		m.logger.Warn("scan restart failed", "error", err)
	}
	return &mesherr.NotFoundError{What: "proxy", ID: "any"}
}

// ConnectToUnprovisioned links to the unprovisioned device advertising id.
// An existing link to address is reused. Otherwise the link is dropped and
// the device looked up in the unprovisioned set; when absent the scan is
// restarted and a NotFoundError returned so the caller can retry.
func (m *Manager) ConnectToUnprovisioned(ctx context.Context, address string, id uuid.UUID) error {
	if current, ok := m.Address(); ok && address != "" && current == address {
		return nil
	}
	m.Disconnect(false)

	dev, ok := m.devices.FindUnprovisioned(id)
	if !ok {
		if err := m.devices.Restart(); err != nil {
			m.logger.Warn("scan restart failed", "error", err)
		}
		return &mesherr.NotFoundError{What: "unprovisioned device", ID: id.String()}
	}
	if !m.Connect(ctx, dev.Address, transport.ServiceProvisioning, false) {
		return &mesherr.TransportError{Op: "connect", Address: dev.Address, Err: ErrConnectFailed}
	}
	return nil
}

// StartReconnectLoop starts the goroutine that serves reconnect requests.
func (m *Manager) StartReconnectLoop() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.reconnectLoop()
	})
}

func (m *Manager) triggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
		// Already pending
	}
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.reconnectCh:
			m.attemptReconnect()
		}
	}
}

// attemptReconnect runs scan-then-connect cycles until a proxy is linked,
// auto-reconnect is switched off, or the manager closes.
func (m *Manager) attemptReconnect() {
	defer m.backoff.Reset()

	for {
		if !m.AutoReconnect() {
			return
		}
		switch m.State() {
		case StateClosed, StateConnected:
			return
		}

		if err := m.devices.Restart(); err != nil {
			m.logger.Warn("scan restart failed", "error", err)
		}

		delay := m.backoff.Next()
		m.logger.Info("reconnecting", "attempt", m.backoff.Attempts(), "delay", delay)
		if !m.sleep(m.ctx, delay) {
			return
		}
		if !m.AutoReconnect() {
			return
		}

		address, ok := m.SelectProxy()
		if !ok {
			continue
		}
		if m.Connect(m.ctx, address, transport.ServiceProxy, true) {
			m.logger.Info("reconnected", "address", address)
			if m.config.OnReconnected != nil {
				m.config.OnReconnected(address)
			}
			return
		}
	}
}

// Close stops the reconnect loop and tears down the link.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.cancelConnects()
	m.autoReconnect = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if address, ok := m.link.Connected(); ok {
		m.teardown(address, "closed")
	}

	m.mu.Lock()
	old := m.state
	m.state = StateClosed
	address := m.address
	m.mu.Unlock()

	if m.config.OnStateChange != nil {
		m.config.OnStateChange(address, old, StateClosed)
	}
}
