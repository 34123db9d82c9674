package scanner

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/meshlink/meshlink-go/pkg/mesherr"
	"github.com/meshlink/meshlink-go/pkg/metrics"
	"github.com/meshlink/meshlink-go/pkg/transport"
)

// DefaultExpiry is how long a device stays listed without being re-sighted.
const DefaultExpiry = 10 * time.Second

// provisioningDataSize is the minimum provisioning service data: device
// UUID followed by OOB information.
const provisioningDataSize = 18

// Proxy service data identification types.
const (
	identityNetwork = 0x00
	identityNode    = 0x01
)

// ErrInvalidExpiry is returned by Config.Validate.
var ErrInvalidExpiry = errors.New("expiry must be positive")

// Membership tags which set a device belongs to.
type Membership uint8

const (
	Unprovisioned Membership = iota
	Provisioned
)

func (m Membership) String() string {
	if m == Provisioned {
		return "provisioned"
	}
	return "unprovisioned"
}

// State is the scanner state.
type State uint8

const (
	StateIdle State = iota
	StateScanning
)

func (s State) String() string {
	if s == StateScanning {
		return "SCANNING"
	}
	return "IDLE"
}

// Device is a device seen in a mesh advertisement.
type Device struct {
	Address    string
	Name       string
	RSSI       int16
	Membership Membership

	// UUID and OOBInfo are decoded from provisioning service data.
	UUID    uuid.UUID
	OOBInfo uint16

	// Identity is the proxy service data of a provisioned device.
	Identity []byte

	LastSeen time.Time
}

// Snapshot is a consistent copy of both sets, sorted by address.
type Snapshot struct {
	Unprovisioned []Device
	Provisioned   []Device
}

// IdentityMatcher checks proxy advertisements against the loaded network.
type IdentityMatcher interface {
	MatchesNetworkIdentity(data []byte) bool
	MatchesNodeIdentity(data []byte) bool
}

// Config configures a Scanner.
type Config struct {
	// Expiry removes devices not re-sighted within this window.
	Expiry time.Duration

	// OnUpdate is called with a snapshot whenever set membership changes.
	// Calls never overlap and the last one always carries the current
	// sets. A change made while a call is running is folded into the next
	// call.
	OnUpdate func(Snapshot)

	// OnUnprovisioned is called when a device enters the unprovisioned
	// set, after the update notification.
	OnUnprovisioned func(Device)

	// OnError is called with a *mesherr.ScanError when scanning fails.
	// The scanner is idle afterwards.
	OnError func(error)

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default scanner configuration.
func DefaultConfig() Config {
	return Config{Expiry: DefaultExpiry}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Expiry < 0 {
		return ErrInvalidExpiry
	}
	return nil
}

type entry struct {
	dev   Device
	timer *clock.Timer
	seq   uint64
}

// Scanner classifies advertising devices into the unprovisioned and
// provisioned sets. An address is held by exactly one entry, so it is
// never a member of both sets.
type Scanner struct {
	radio   transport.Scanner
	matcher IdentityMatcher
	config  Config
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	devices map[string]*entry
	seq     uint64
	gen     uint64

	// Delivery of update notifications, guarded by notifyMu.
	notifyMu   sync.Mutex
	delivering bool
	queued     *Snapshot
	queuedGen  uint64
}

// New creates a scanner driving radio.
func New(radio transport.Scanner, matcher IdentityMatcher, config Config) *Scanner {
	if config.Expiry == 0 {
		config.Expiry = DefaultExpiry
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scanner{
		radio:   radio,
		matcher: matcher,
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		devices: make(map[string]*entry),
	}
}

// State returns the current state.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins scanning. Starting a running scanner is a no-op.
func (s *Scanner) Start() error {
	s.mu.Lock()
	if s.state == StateScanning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateScanning
	s.mu.Unlock()

	err := s.radio.StartScan(transport.ScanHandler{
		OnAdvertisement: s.HandleAdvertisement,
		OnError:         s.handleError,
	})
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		s.config.Metrics.ScanError()
		return &mesherr.ScanError{Err: err}
	}
	s.logger.Info("scan started")
	return nil
}

// Stop ends scanning and cancels every expiry timer. Listed devices stay
// until the next Clear or Restart.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	wasScanning := s.state == StateScanning
	s.state = StateIdle
	s.stopTimers()
	s.mu.Unlock()

	if !wasScanning {
		return nil
	}
	s.logger.Info("scan stopped")
	if err := s.radio.StopScan(); err != nil {
		return &mesherr.ScanError{Err: err}
	}
	return nil
}

// Restart clears both sets and starts a fresh scan.
func (s *Scanner) Restart() error {
	if err := s.Stop(); err != nil {
		s.logger.Warn("stop before restart failed", "error", err)
	}
	s.Clear()
	return s.Start()
}

// Clear empties both sets, notifying if either was non-empty.
func (s *Scanner) Clear() {
	s.mu.Lock()
	changed := len(s.devices) > 0
	s.stopTimers()
	s.devices = make(map[string]*entry)
	snap, gen := s.changed()
	s.mu.Unlock()

	if changed {
		s.notify(snap, gen)
	}
}

func (s *Scanner) stopTimers() {
	for _, e := range s.devices {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

func (s *Scanner) handleError(err error) {
	s.mu.Lock()
	s.state = StateIdle
	s.stopTimers()
	s.mu.Unlock()

	s.logger.Error("scan failed", "error", err)
	s.config.Metrics.ScanError()
	if s.config.OnError != nil {
		s.config.OnError(&mesherr.ScanError{Err: err})
	}
}

// HandleAdvertisement classifies one advertisement. It is the transport's
// advertisement callback.
func (s *Scanner) HandleAdvertisement(adv transport.Advertisement) {
	dev, ok := s.classify(adv)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.state != StateScanning {
		s.mu.Unlock()
		return
	}

	e, known := s.devices[dev.Address]
	changed := !known || e.dev.Membership != dev.Membership
	if known && e.timer != nil {
		e.timer.Stop()
	}
	s.seq++
	e = &entry{dev: dev, seq: s.seq}
	s.devices[dev.Address] = e
	addr, seq := dev.Address, e.seq
	e.timer = s.clock.AfterFunc(s.config.Expiry, func() { s.expire(addr, seq) })

	var snap Snapshot
	var gen uint64
	if changed {
		snap, gen = s.changed()
	}
	s.mu.Unlock()

	s.config.Metrics.AdvertisementSeen(dev.Membership.String())
	if !changed {
		return
	}
	s.logger.Debug("device listed", "address", dev.Address, "set", dev.Membership.String())
	s.notify(snap, gen)
	if dev.Membership == Unprovisioned && s.config.OnUnprovisioned != nil {
		s.config.OnUnprovisioned(dev)
	}
}

func (s *Scanner) classify(adv transport.Advertisement) (Device, bool) {
	dev := Device{
		Address:  adv.Address,
		Name:     adv.Name,
		RSSI:     adv.RSSI,
		LastSeen: s.clock.Now(),
	}

	if data, ok := adv.ServiceData[transport.ServiceProvisioning]; ok {
		if len(data) < provisioningDataSize {
			s.logger.Debug("short provisioning service data", "address", adv.Address, "len", len(data))
			return dev, false
		}
		id, _ := uuid.FromBytes(data[:16])
		dev.Membership = Unprovisioned
		dev.UUID = id
		dev.OOBInfo = binary.BigEndian.Uint16(data[16:18])
		return dev, true
	}

	data, ok := adv.ServiceData[transport.ServiceProxy]
	if !ok || len(data) == 0 || s.matcher == nil {
		return dev, false
	}
	var match bool
	switch data[0] {
	case identityNetwork:
		match = s.matcher.MatchesNetworkIdentity(data)
	case identityNode:
		match = s.matcher.MatchesNodeIdentity(data)
	}
	if !match {
		return dev, false
	}
	dev.Membership = Provisioned
	dev.Identity = append([]byte(nil), data...)
	return dev, true
}

func (s *Scanner) expire(addr string, seq uint64) {
	s.mu.Lock()
	e, ok := s.devices[addr]
	if !ok || e.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.devices, addr)
	snap, gen := s.changed()
	s.mu.Unlock()

	s.logger.Debug("device expired", "address", addr)
	s.notify(snap, gen)
}

// snapshot copies both sets. Callers hold s.mu.
func (s *Scanner) snapshot() Snapshot {
	var snap Snapshot
	for _, e := range s.devices {
		dev := e.dev
		dev.Identity = append([]byte(nil), e.dev.Identity...)
		if dev.Membership == Provisioned {
			snap.Provisioned = append(snap.Provisioned, dev)
		} else {
			snap.Unprovisioned = append(snap.Unprovisioned, dev)
		}
	}
	sortDevices(snap.Unprovisioned)
	sortDevices(snap.Provisioned)
	return snap
}

func sortDevices(devs []Device) {
	sort.Slice(devs, func(i, j int) bool { return devs[i].Address < devs[j].Address })
}

// changed numbers a membership change and returns the sets after it.
// Callers hold s.mu.
func (s *Scanner) changed() (Snapshot, uint64) {
	s.gen++
	return s.snapshot(), s.gen
}

// notify delivers snap unless a later change has already been queued or
// delivered. Whoever finds no delivery running becomes the deliverer and
// keeps going until the queue is empty, so snapshots taken on other
// goroutines meanwhile go out after the one in flight.
func (s *Scanner) notify(snap Snapshot, gen uint64) {
	s.notifyMu.Lock()
	if gen <= s.queuedGen {
		s.notifyMu.Unlock()
		return
	}
	s.queued, s.queuedGen = &snap, gen
	if s.delivering {
		s.notifyMu.Unlock()
		return
	}
	s.delivering = true
	for s.queued != nil {
		next := *s.queued
		s.queued = nil
		s.notifyMu.Unlock()

		s.config.Metrics.SetDevices(len(next.Unprovisioned), len(next.Provisioned))
		if s.config.OnUpdate != nil {
			s.config.OnUpdate(next)
		}

		s.notifyMu.Lock()
	}
	s.delivering = false
	s.notifyMu.Unlock()
}

// Snapshot returns both sets.
func (s *Scanner) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Unprovisioned returns the unprovisioned set.
func (s *Scanner) Unprovisioned() []Device {
	return s.Snapshot().Unprovisioned
}

// Provisioned returns the provisioned set.
func (s *Scanner) Provisioned() []Device {
	return s.Snapshot().Provisioned
}

// FindUnprovisioned returns the unprovisioned device advertising id.
func (s *Scanner) FindUnprovisioned(id uuid.UUID) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.devices {
		if e.dev.Membership == Unprovisioned && e.dev.UUID == id {
			return e.dev, true
		}
	}
	return Device{}, false
}

// IsProvisioned reports whether address is in the provisioned set.
func (s *Scanner) IsProvisioned(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.devices[address]
	return ok && e.dev.Membership == Provisioned
}
