// Package liveness tracks whether mesh nodes are online from their
// heartbeats.
//
// A sweep runs on a fixed interval. A node is online while its last
// heartbeat is younger than the offline timeout. When a sweep changes any
// node's state, one snapshot of every tracked node is published.
package liveness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	meshlog "github.com/meshlink/meshlink-go/pkg/log"
	"github.com/meshlink/meshlink-go/pkg/metrics"
)

// Defaults.
const (
	DefaultSweepInterval  = time.Second
	DefaultOfflineTimeout = 10 * time.Second
)

// Configuration errors.
var (
	ErrInvalidSweepInterval  = errors.New("sweep interval must be positive")
	ErrInvalidOfflineTimeout = errors.New("offline timeout must be positive")
)

// State is the liveness of one node.
type State struct {
	Address       uint16    `json:"address"`
	Online        bool      `json:"online"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Config configures a Monitor.
type Config struct {
	SweepInterval  time.Duration
	OfflineTimeout time.Duration

	// OnChange receives every tracked node's state after a sweep that
	// changed at least one.
	OnChange func([]State)

	Clock          clock.Clock
	Logger         *slog.Logger
	ProtocolLogger meshlog.Logger
	Metrics        *metrics.Metrics
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval:  DefaultSweepInterval,
		OfflineTimeout: DefaultOfflineTimeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SweepInterval < 0 {
		return ErrInvalidSweepInterval
	}
	if c.OfflineTimeout < 0 {
		return ErrInvalidOfflineTimeout
	}
	return nil
}

type record struct {
	online bool
	last   time.Time
}

// Monitor holds the liveness table.
type Monitor struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
	plog   meshlog.Logger

	mu    sync.Mutex
	nodes map[uint16]*record

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. Call Start to begin sweeping.
func New(config Config) *Monitor {
	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.OfflineTimeout == 0 {
		config.OfflineTimeout = DefaultOfflineTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{
		config: config,
		clock:  config.Clock,
		logger: config.Logger,
		plog:   meshlog.OrNoop(config.ProtocolLogger),
		nodes:  make(map[uint16]*record),
	}
}

// AddNode tracks addr, initially offline with no heartbeat.
func (m *Monitor) AddNode(addr uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[addr]; !ok {
		m.nodes[addr] = &record{}
	}
}

// RemoveNode stops tracking addr.
func (m *Monitor) RemoveNode(addr uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, addr)
}

// ClearNodes stops tracking every node.
func (m *Monitor) ClearNodes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = make(map[uint16]*record)
}

// Replace swaps the tracked set for addrs, all offline.
func (m *Monitor) Replace(addrs []uint16) {
	nodes := make(map[uint16]*record, len(addrs))
	for _, addr := range addrs {
		nodes[addr] = &record{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = nodes
}

// HeartbeatReceived records a heartbeat from addr. Heartbeats from
// untracked nodes are ignored.
func (m *Monitor) HeartbeatReceived(addr uint16) {
	m.mu.Lock()
	rec, ok := m.nodes[addr]
	if ok {
		rec.last = m.clock.Now()
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("heartbeat from untracked node", "address", addr)
		return
	}
	m.config.Metrics.Heartbeat()
}

// ResetStatus marks every node offline without publishing.
func (m *Monitor) ResetStatus() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.nodes {
		rec.online = false
	}
}

// States returns every tracked node, sorted by address.
func (m *Monitor) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states()
}

func (m *Monitor) states() []State {
	states := make([]State, 0, len(m.nodes))
	for addr, rec := range m.nodes {
		states = append(states, State{Address: addr, Online: rec.online, LastHeartbeat: rec.last})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Address < states[j].Address })
	return states
}

// Sweep recomputes every node's state and publishes a snapshot if any
// changed. It returns whether anything changed.
func (m *Monitor) Sweep() bool {
	now := m.clock.Now()

	m.mu.Lock()
	var changed []State
	online := 0
	for addr, rec := range m.nodes {
		isOnline := !rec.last.IsZero() && now.Sub(rec.last) < m.config.OfflineTimeout
		if isOnline != rec.online {
			rec.online = isOnline
			changed = append(changed, State{Address: addr, Online: isOnline, LastHeartbeat: rec.last})
		}
		if rec.online {
			online++
		}
	}
	var snap []State
	if len(changed) > 0 {
		snap = m.states()
	}
	m.mu.Unlock()

	if len(changed) == 0 {
		return false
	}

	for _, s := range changed {
		m.logger.Info("node liveness changed", "address", s.Address, "online", s.Online)
		m.plog.Log(meshlog.Event{
			Timestamp:   now,
			Layer:       meshlog.LayerEngine,
			Category:    meshlog.CategoryState,
			Src:         s.Address,
			StateChange: &meshlog.StateChangeEvent{Entity: meshlog.StateEntityNode, OldState: label(!s.Online), NewState: label(s.Online)},
		})
	}
	m.config.Metrics.SetNodesOnline(online)
	if m.config.OnChange != nil {
		m.config.OnChange(snap)
	}
	return true
}

func label(online bool) string {
	if online {
		return "ONLINE"
	}
	return "OFFLINE"
}

// Start runs the sweep loop until Stop. Starting twice is a no-op.
func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	ticker := m.clock.Ticker(m.config.SweepInterval)
	go m.run(ctx, ticker, m.done)
}

func (m *Monitor) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Stop ends the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
