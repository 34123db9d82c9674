package provisioning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meshlink/meshlink-go/pkg/codec"
	meshlog "github.com/meshlink/meshlink-go/pkg/log"
	"github.com/meshlink/meshlink-go/pkg/mesherr"
	"github.com/meshlink/meshlink-go/pkg/metrics"
	"github.com/meshlink/meshlink-go/pkg/network"
	"github.com/meshlink/meshlink-go/pkg/wire"
)

// Defaults.
const (
	DefaultCapabilityTimeout   = 10 * time.Second
	DefaultProvisioningTimeout = 60 * time.Second
	DefaultCacheSize           = 32
	DefaultAttention           = 5
)

// Provisioning errors.
var (
	ErrAlreadyPending   = errors.New("a request for this device is already pending")
	ErrClosed           = errors.New("provisioning closed")
	ErrNoNetwork        = errors.New("no network loaded")
	ErrInvalidTimeout   = errors.New("timeouts must not be negative")
	ErrInvalidCacheSize = errors.New("cache size must not be negative")
)

// Sender transmits provisioning PDUs over the current link.
type Sender interface {
	SendInvite(id uuid.UUID, attention uint8) error
	SendProvisioningStart(data codec.ProvisioningData) error
}

// Authority allocates addresses and records nodes. *network.Network
// implements it.
type Authority interface {
	NextUnicastAddress(elements uint8) (uint16, error)
	Reserve(addr uint16, elements uint8) error
	Release(addr uint16)
	AddNode(node network.Node) error
	PrimaryNetKey() network.NetKey
	IVIndex() uint32
}

// NodeTracker is told about every node that joined.
type NodeTracker interface {
	AddNode(addr uint16)
}

// Config configures an Orchestrator.
type Config struct {
	CapabilityTimeout   time.Duration
	ProvisioningTimeout time.Duration

	// CacheSize bounds the number of capability records kept.
	CacheSize int

	// Attention is the identify duration in seconds sent with the invite.
	Attention uint8

	Clock          clock.Clock
	Logger         *slog.Logger
	ProtocolLogger meshlog.Logger
	Metrics        *metrics.Metrics
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		CapabilityTimeout:   DefaultCapabilityTimeout,
		ProvisioningTimeout: DefaultProvisioningTimeout,
		CacheSize:           DefaultCacheSize,
		Attention:           DefaultAttention,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.CapabilityTimeout < 0 || c.ProvisioningTimeout < 0 {
		return ErrInvalidTimeout
	}
	if c.CacheSize < 0 {
		return ErrInvalidCacheSize
	}
	return nil
}

type waitKind uint8

const (
	waitCapabilities waitKind = iota
	waitProvisioning
)

func (k waitKind) String() string {
	if k == waitProvisioning {
		return "provisioning"
	}
	return "capabilities"
}

// Waiter is the single-resolution result slot for one device.
type Waiter struct {
	id       uuid.UUID
	kind     waitKind
	created  time.Time
	deadline time.Time
	timer    *clock.Timer

	// Reservation held while provisioning.
	address  uint16
	elements uint8
	devKey   network.Key

	once    sync.Once
	done    chan struct{}
	caps    wire.Capabilities
	outcome Outcome
	err     error
}

func (w *Waiter) settle(caps wire.Capabilities, outcome Outcome, err error) bool {
	settled := false
	w.once.Do(func() {
		w.caps, w.outcome, w.err = caps, outcome, err
		close(w.done)
		settled = true
	})
	return settled
}

// UUID returns the device the waiter belongs to.
func (w *Waiter) UUID() uuid.UUID { return w.id }

// Deadline returns when the waiter times out.
func (w *Waiter) Deadline() time.Time { return w.deadline }

// Done is closed once the waiter is resolved.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Capabilities waits for a capabilities request to resolve.
func (w *Waiter) Capabilities(ctx context.Context) (wire.Capabilities, error) {
	select {
	case <-w.done:
		return w.caps, w.err
	case <-ctx.Done():
		return wire.Capabilities{}, ctx.Err()
	}
}

// Outcome waits for a provisioning attempt to resolve.
func (w *Waiter) Outcome(ctx context.Context) (Outcome, error) {
	select {
	case <-w.done:
		return w.outcome, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Orchestrator sequences capability queries and provisioning per device.
type Orchestrator struct {
	sender  Sender
	tracker NodeTracker
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	plog    meshlog.Logger
	cache   *lru.Cache[uuid.UUID, wire.Capabilities]

	mu        sync.Mutex
	authority Authority
	waiters   map[uuid.UUID]*Waiter
	closed    bool
}

// New creates an orchestrator. Call SetAuthority before provisioning.
func New(sender Sender, tracker NodeTracker, config Config) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.CapabilityTimeout == 0 {
		config.CapabilityTimeout = DefaultCapabilityTimeout
	}
	if config.ProvisioningTimeout == 0 {
		config.ProvisioningTimeout = DefaultProvisioningTimeout
	}
	if config.CacheSize == 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cache, err := lru.New[uuid.UUID, wire.Capabilities](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("capability cache: %w", err)
	}
	return &Orchestrator{
		sender:  sender,
		tracker: tracker,
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		plog:    meshlog.OrNoop(config.ProtocolLogger),
		cache:   cache,
		waiters: make(map[uuid.UUID]*Waiter),
	}, nil
}

// SetAuthority selects the network that hands out addresses.
func (o *Orchestrator) SetAuthority(a Authority) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.authority = a
}

// register adds w under its device. The caller holds o.mu.
func (o *Orchestrator) register(w *Waiter, timeout time.Duration) error {
	if o.closed {
		return ErrClosed
	}
	if _, ok := o.waiters[w.id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyPending, w.id)
	}
	w.done = make(chan struct{})
	w.created = o.clock.Now()
	w.deadline = w.created.Add(timeout)
	w.timer = o.clock.AfterFunc(timeout, func() { o.expire(w) })
	o.waiters[w.id] = w
	return nil
}

// remove deletes w if it is still the waiter for its device.
func (o *Orchestrator) remove(w *Waiter) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.waiters[w.id] != w {
		return false
	}
	delete(o.waiters, w.id)
	w.timer.Stop()
	return true
}

// RequestCapabilities invites the device to identify itself and report its
// capabilities. The link to the device must already be up. Any cached
// record for the device is dropped first.
func (o *Orchestrator) RequestCapabilities(id uuid.UUID) (*Waiter, error) {
	w := &Waiter{id: id, kind: waitCapabilities}

	o.mu.Lock()
	err := o.register(w, o.config.CapabilityTimeout)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	o.cache.Remove(id)

	if err := o.sender.SendInvite(id, o.config.Attention); err != nil {
		o.remove(w)
		return nil, err
	}
	o.logger.Info("capabilities requested", "uuid", id)
	o.record(id, "INVITED", "")
	return w, nil
}

// GetCapabilities requests the device's capabilities and waits for them.
func (o *Orchestrator) GetCapabilities(ctx context.Context, id uuid.UUID) (wire.Capabilities, error) {
	w, err := o.RequestCapabilities(id)
	if err != nil {
		return wire.Capabilities{}, err
	}
	caps, err := w.Capabilities(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		o.abandon(w, err)
	}
	return caps, err
}

// CachedCapabilities returns the last capabilities reported by the device.
func (o *Orchestrator) CachedCapabilities(id uuid.UUID) (wire.Capabilities, bool) {
	return o.cache.Get(id)
}

// StartProvisioning assigns the device an address block sized to its
// element count and sends it the provisioning data. It needs capabilities
// received earlier for the device.
func (o *Orchestrator) StartProvisioning(id uuid.UUID) (*Waiter, error) {
	caps, ok := o.cache.Get(id)
	if !ok {
		return nil, &mesherr.NotFoundError{What: "capabilities", ID: id.String()}
	}
	devKey, err := network.NewKey()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	authority := o.authority
	if authority == nil {
		o.mu.Unlock()
		return nil, ErrNoNetwork
	}
	if _, pending := o.waiters[id]; pending {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPending, id)
	}
	addr, err := authority.NextUnicastAddress(caps.NumberOfElements)
	if err == nil {
		err = authority.Reserve(addr, caps.NumberOfElements)
	}
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	w := &Waiter{
		id:       id,
		kind:     waitProvisioning,
		address:  addr,
		elements: caps.NumberOfElements,
		devKey:   devKey,
	}
	if err := o.register(w, o.config.ProvisioningTimeout); err != nil {
		authority.Release(addr)
		o.mu.Unlock()
		return nil, err
	}
	o.mu.Unlock()

	netKey := authority.PrimaryNetKey()
	data := codec.ProvisioningData{
		UUID:           id,
		UnicastAddress: addr,
		NetKeyIndex:    netKey.Index,
		NetKey:         netKey.Key,
		IVIndex:        authority.IVIndex(),
		DeviceKey:      devKey,
	}
	if err := o.sender.SendProvisioningStart(data); err != nil {
		if o.remove(w) {
			authority.Release(addr)
		}
		return nil, err
	}
	o.logger.Info("provisioning started", "uuid", id, "address", addr, "elements", caps.NumberOfElements)
	o.record(id, "PROVISIONING", fmt.Sprintf("0x%04X", addr))
	return w, nil
}

// Provision starts provisioning and waits for the outcome.
func (o *Orchestrator) Provision(ctx context.Context, id uuid.UUID) (Outcome, error) {
	w, err := o.StartProvisioning(id)
	if err != nil {
		return nil, err
	}
	outcome, err := w.Outcome(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		o.abandon(w, err)
	}
	return outcome, err
}

// Pending reports whether a request for the device is unresolved.
func (o *Orchestrator) Pending(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.waiters[id]
	return ok
}

// HandleInbound resolves the waiter a provisioning message belongs to and
// reports whether the message was a provisioning result.
func (o *Orchestrator) HandleInbound(msg codec.Inbound) bool {
	switch msg.Kind {
	case codec.InboundCapabilities:
		o.capabilitiesReceived(msg.UUID, msg.Capabilities)
	case codec.InboundProvisioningComplete:
		o.completed(msg.UUID, msg.Unicast)
	case codec.InboundProvisioningFailed:
		o.failed(msg.UUID, FailureReason(msg.Reason), "")
	default:
		return false
	}
	return true
}

func (o *Orchestrator) take(id uuid.UUID, kind waitKind) *Waiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.waiters[id]
	if !ok || w.kind != kind {
		return nil
	}
	delete(o.waiters, id)
	w.timer.Stop()
	return w
}

func (o *Orchestrator) capabilitiesReceived(id uuid.UUID, caps wire.Capabilities) {
	o.cache.Add(id, caps)
	o.record(id, "CAPABILITIES", fmt.Sprintf("%d elements", caps.NumberOfElements))

	w := o.take(id, waitCapabilities)
	if w == nil {
		o.logger.Debug("capabilities without a waiter", "uuid", id)
		return
	}
	o.logger.Info("capabilities received", "uuid", id, "elements", caps.NumberOfElements)
	w.settle(caps, nil, nil)
}

func (o *Orchestrator) completed(id uuid.UUID, reported uint16) {
	w := o.take(id, waitProvisioning)
	if w == nil {
		o.logger.Warn("provisioning complete without a waiter", "uuid", id)
		return
	}
	if reported != 0 && reported != w.address {
		o.logger.Warn("device reported a different address", "uuid", id, "assigned", w.address, "reported", reported)
	}

	o.mu.Lock()
	authority := o.authority
	o.mu.Unlock()

	node := network.Node{
		UUID:           id,
		UnicastAddress: network.Address(w.address),
		DeviceKey:      w.devKey,
		Elements:       network.NewElements(w.elements),
	}
	if authority != nil {
		node.NetKeys = []network.KeyRef{{Index: authority.PrimaryNetKey().Index}}
		if err := authority.AddNode(node); err != nil {
			authority.Release(w.address)
			o.resolveFailure(w, FailureLocal, err.Error())
			return
		}
	}
	o.cache.Remove(id)
	if o.tracker != nil {
		o.tracker.AddNode(w.address)
	}

	o.config.Metrics.Provisioning(metrics.ResultProvisioned)
	o.logger.Info("device provisioned", "uuid", id, "address", w.address)
	o.record(id, "PROVISIONED", fmt.Sprintf("0x%04X", w.address))
	w.settle(wire.Capabilities{}, &Provisioned{Node: node}, nil)
}

func (o *Orchestrator) failed(id uuid.UUID, reason FailureReason, detail string) {
	w := o.take(id, waitProvisioning)
	if w == nil {
		o.logger.Warn("provisioning failure without a waiter", "uuid", id, "reason", reason)
		return
	}
	o.releaseReservation(w)
	o.resolveFailure(w, reason, detail)
}

func (o *Orchestrator) resolveFailure(w *Waiter, reason FailureReason, detail string) {
	o.config.Metrics.Provisioning(metrics.ResultFailed)
	o.logger.Warn("provisioning failed", "uuid", w.id, "reason", reason, "detail", detail)
	o.record(w.id, "FAILED", reason.String())
	w.settle(wire.Capabilities{}, &Unprovisioned{UUID: w.id, Reason: reason, Detail: detail}, nil)
}

func (o *Orchestrator) releaseReservation(w *Waiter) {
	if w.kind != waitProvisioning {
		return
	}
	o.mu.Lock()
	authority := o.authority
	o.mu.Unlock()
	if authority != nil {
		authority.Release(w.address)
	}
}

func (o *Orchestrator) expire(w *Waiter) {
	if !o.remove(w) {
		return
	}
	o.releaseReservation(w)
	after := o.clock.Since(w.created)
	if w.kind == waitProvisioning {
		o.config.Metrics.Provisioning(metrics.ResultTimeout)
	}
	o.logger.Warn("device did not answer", "uuid", w.id, "wait", w.kind, "after", after)
	o.record(w.id, "TIMEOUT", w.kind.String())
	w.settle(wire.Capabilities{}, nil, &mesherr.TimeoutError{Op: w.kind.String(), Device: w.id.String(), After: after})
}

// abandon withdraws a waiter whose caller stopped waiting.
func (o *Orchestrator) abandon(w *Waiter, err error) {
	if !o.remove(w) {
		return
	}
	o.releaseReservation(w)
	w.settle(wire.Capabilities{}, nil, err)
}

// Close rejects every unresolved waiter with ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	waiters := o.waiters
	o.waiters = make(map[uuid.UUID]*Waiter)
	for _, w := range waiters {
		w.timer.Stop()
	}
	o.mu.Unlock()

	for _, w := range waiters {
		o.releaseReservation(w)
		w.settle(wire.Capabilities{}, nil, ErrClosed)
	}
}

func (o *Orchestrator) record(id uuid.UUID, state, reason string) {
	o.plog.Log(meshlog.Event{
		Timestamp:   o.clock.Now(),
		Layer:       meshlog.LayerProvisioning,
		Category:    meshlog.CategoryState,
		DeviceUUID:  id.String(),
		StateChange: &meshlog.StateChangeEvent{
			Entity:   meshlog.StateEntityProvisioning,
			NewState: state,
			Reason:   reason,
		},
	})
}
