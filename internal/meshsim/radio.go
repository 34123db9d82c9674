package meshsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/meshlink/meshlink-go/pkg/codec"
	"github.com/meshlink/meshlink-go/pkg/transport"
	"github.com/meshlink/meshlink-go/pkg/wire"
)

const (
	serviceProvisioning = transport.ServiceProvisioning
	serviceProxy        = transport.ServiceProxy
)

// Defaults.
const (
	DefaultMTU               = 33
	DefaultAdvertiseInterval = 100 * time.Millisecond
)

// Radio errors.
var (
	ErrClosed         = errors.New("radio closed")
	ErrAdapterOff     = errors.New("adapter powered off")
	ErrUnknownDevice  = errors.New("device not in range")
	ErrServiceMissing = errors.New("service not offered by device")
	ErrRefused        = errors.New("connection refused")
	ErrNoLink         = errors.New("no link")
)

// Config configures a Radio.
type Config struct {
	// MTU is the proxy PDU size used in both directions.
	MTU int

	// AdvertiseInterval is how often every device in range advertises
	// while a scan is running.
	AdvertiseInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// beat tracks a device's periodic heartbeat publication.
type beat struct {
	pub       wire.HeartbeatPublication
	next      time.Time
	remaining int
}

// Radio is an in-process transport.Transport over simulated devices. All
// provisioned devices sharing a network key form one mesh; whichever of
// them holds the link relays traffic to the rest.
type Radio struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	devices     []*Device
	scan        *transport.ScanHandler
	link        *Device
	linkService uint16
	refuse      map[string]int
	adapter     transport.AdapterState
	beats       map[*Device]*beat
	closed      bool

	onReceive      func([]byte)
	onLinkState    func(string, transport.LinkState)
	onAdapterState func(transport.AdapterState)

	reassembler codec.Reassembler
	out         chan func()
	kick        chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Radio)(nil)

// New creates a radio and starts its advertising and delivery loops.
func New(config Config) *Radio {
	if config.MTU <= 0 {
		config.MTU = DefaultMTU
	}
	if config.AdvertiseInterval <= 0 {
		config.AdvertiseInterval = DefaultAdvertiseInterval
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Radio{
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		refuse:  make(map[string]int),
		adapter: transport.AdapterOn,
		beats:   make(map[*Device]*beat),
		out:     make(chan func(), 256),
		kick:    make(chan struct{}, 1),
		cancel:  cancel,
	}

	r.wg.Add(2)
	go r.deliverLoop(ctx)
	go r.airLoop(ctx)
	return r
}

// Add places devices in range of the radio.
func (r *Radio) Add(devices ...*Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, devices...)
}

// Remove takes the device at address out of range entirely.
func (r *Radio) Remove(address string) {
	r.mu.Lock()
	for i, d := range r.devices {
		if d.Address == address {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			delete(r.beats, d)
			break
		}
	}
	linked := r.link != nil && r.link.Address == address
	r.mu.Unlock()

	if linked {
		r.DropLink()
	}
}

// Device returns the device at address.
func (r *Radio) Device(address string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(address)
}

func (r *Radio) find(address string) (*Device, bool) {
	for _, d := range r.devices {
		if d.Address == address {
			return d, true
		}
	}
	return nil, false
}

// RefuseConnects makes the next n connection attempts to address fail.
func (r *Radio) RefuseConnects(address string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refuse[address] = n
}

// StartScan implements transport.Scanner. The first advertising round
// follows immediately.
func (r *Radio) StartScan(h transport.ScanHandler) error {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	case r.adapter == transport.AdapterOff:
		r.mu.Unlock()
		return ErrAdapterOff
	}
	r.scan = &h
	r.mu.Unlock()

	select {
	case r.kick <- struct{}{}:
	default:
	}
	return nil
}

// StopScan implements transport.Scanner.
func (r *Radio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scan = nil
	return nil
}

// Scanning reports whether a scan is running.
func (r *Radio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scan != nil
}

// FailScan aborts the running scan with err, as a radio fault would.
func (r *Radio) FailScan(err error) {
	r.mu.Lock()
	h := r.scan
	r.scan = nil
	r.mu.Unlock()

	if h != nil && h.OnError != nil {
		h.OnError(err)
	}
}

// Advertise runs one advertising round: every device in range reports
// itself to the running scan.
func (r *Radio) Advertise() {
	r.mu.Lock()
	h := r.scan
	devices := append([]*Device(nil), r.devices...)
	r.mu.Unlock()
	if h == nil || h.OnAdvertisement == nil {
		return
	}

	now := r.clock.Now()
	for _, d := range devices {
		service, data, ok := d.advertisement()
		if !ok {
			continue
		}
		h.OnAdvertisement(transport.Advertisement{
			Address:     d.Address,
			Name:        d.Name,
			RSSI:        d.RSSI,
			ServiceData: map[uint16][]byte{service: data},
			Seen:        now,
		})
	}
}

// Connect implements transport.Link.
func (r *Radio) Connect(ctx context.Context, address string, service uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if n := r.refuse[address]; n > 0 {
		r.refuse[address] = n - 1
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRefused, address)
	}
	d, ok := r.find(address)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	adService, _, inRange := d.advertisement()
	if !inRange {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	if adService != service {
		r.mu.Unlock()
		return fmt.Errorf("%w: 0x%04X on %s", ErrServiceMissing, service, address)
	}
	previous := r.link
	r.link, r.linkService = d, service
	r.mu.Unlock()

	r.reassembler.Reset()
	if previous != nil {
		r.emitLinkState(previous.Address, transport.LinkDisconnected)
	}
	r.emitLinkState(address, transport.LinkConnecting)
	r.emitLinkState(address, transport.LinkConnected)
	r.logger.Debug("link up", "address", address, "service", fmt.Sprintf("0x%04X", service))
	return nil
}

// Disconnect implements transport.Link.
func (r *Radio) Disconnect() error {
	r.mu.Lock()
	d := r.link
	r.link = nil
	r.mu.Unlock()
	if d == nil {
		return nil
	}

	r.reassembler.Reset()
	r.emitLinkState(d.Address, transport.LinkDisconnecting)
	r.emitLinkState(d.Address, transport.LinkDisconnected)
	return nil
}

// DropLink breaks the current link without being asked, as a device
// walking out of range would.
func (r *Radio) DropLink() {
	r.mu.Lock()
	d := r.link
	r.link = nil
	r.mu.Unlock()
	if d == nil {
		return
	}

	r.reassembler.Reset()
	r.logger.Debug("link lost", "address", d.Address)
	r.emitLinkState(d.Address, transport.LinkLost)
}

// Connected implements transport.Link.
func (r *Radio) Connected() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.link == nil {
		return "", false
	}
	return r.link.Address, true
}

// MTU implements transport.Link.
func (r *Radio) MTU() int { return r.config.MTU }

// Send implements transport.Link. Complete frames are handed to the
// linked device, or relayed through it when it is a proxy.
func (r *Radio) Send(pdu []byte) error {
	r.mu.Lock()
	link, service := r.link, r.linkService
	r.mu.Unlock()
	if link == nil {
		return ErrNoLink
	}

	_, data, done, err := r.reassembler.Push(pdu)
	if err != nil || !done {
		return err
	}
	f, err := codec.UnmarshalFrame(data)
	if err != nil {
		return err
	}

	switch {
	case f.Type.IsProvisioning():
		if service != serviceProvisioning {
			r.logger.Debug("provisioning frame on proxy link dropped", "address", link.Address)
			return nil
		}
		for _, reply := range link.handleProvisioning(f) {
			r.queueFrame(reply)
		}
	case f.Type == codec.FrameAccess:
		if service != serviceProxy {
			return nil
		}
		r.relay(link, f)
	}
	return nil
}

// relay delivers an access frame to every node it is addressed to.
func (r *Radio) relay(proxy *Device, f codec.Frame) {
	if !proxy.covers(f.NetworkID, wire.AddressAllNodes) {
		r.logger.Debug("frame for a foreign network dropped", "proxy", proxy.Address)
		return
	}
	op, params, err := wire.ParseOpcode(f.Access)
	if err != nil {
		r.logger.Debug("malformed access payload", "error", err)
		return
	}
	msg := wire.AccessMessage{
		Src:         f.Src,
		Dst:         f.Dst,
		AppKeyIndex: f.AppKeyIndex,
		Opcode:      op,
		Params:      params,
	}
	if f.ModelID != nil {
		msg.ModelID, msg.HasModelID = *f.ModelID, true
	}

	r.mu.Lock()
	devices := append([]*Device(nil), r.devices...)
	r.mu.Unlock()

	for _, d := range devices {
		d := d
		if !d.covers(f.NetworkID, f.Dst) {
			continue
		}
		reply, reset := d.handleAccess(msg)
		if reply != nil {
			r.queueFrame(d.accessFrame(*reply))
		}
		if reset {
			r.queue(func() { r.reset(d) })
		}
	}
}

// reset takes d out of the network after it acknowledged a node reset.
// A proxy drops its link on the way out.
func (r *Radio) reset(d *Device) {
	d.Unprovision()
	r.mu.Lock()
	delete(r.beats, d)
	linked := r.link == d
	r.mu.Unlock()
	if linked {
		r.DropLink()
	}
}

// Heartbeat makes d send one heartbeat to its publication destination, or
// to all nodes without one. It reports whether the heartbeat reached the
// client.
func (r *Radio) Heartbeat(d *Device) bool {
	dst := d.Publication().Destination
	if dst == wire.AddressUnassigned {
		dst = wire.AddressAllNodes
	}
	f, ok := d.heartbeat(dst)
	if !ok {
		return false
	}

	r.mu.Lock()
	proxy, service := r.link, r.linkService
	r.mu.Unlock()
	if proxy == nil || service != serviceProxy || !proxy.covers(f.NetworkID, wire.AddressAllNodes) {
		return false
	}
	r.queueFrame(f)
	return true
}

// publishHeartbeats sends the heartbeats that are due under each node's
// publication state.
func (r *Radio) publishHeartbeats(now time.Time) {
	r.mu.Lock()
	devices := append([]*Device(nil), r.devices...)
	r.mu.Unlock()

	for _, d := range devices {
		pub := d.Publication()
		r.mu.Lock()
		b, ok := r.beats[d]
		if !ok || b.pub != pub {
			b = &beat{pub: pub, next: now, remaining: countFromLog(pub.CountLog)}
			r.beats[d] = b
		}
		due := pub.PeriodLog > 0 && b.remaining != 0 && !now.Before(b.next)
		if due {
			b.next = now.Add(periodFromLog(pub.PeriodLog))
			if b.remaining > 0 {
				b.remaining--
			}
		}
		r.mu.Unlock()

		if due {
			r.Heartbeat(d)
		}
	}
}

// countFromLog decodes a heartbeat count log. -1 means indefinitely.
func countFromLog(v uint8) int {
	switch {
	case v == 0:
		return 0
	case v == 0xFF:
		return -1
	default:
		return 1 << (v - 1)
	}
}

func periodFromLog(v uint8) time.Duration {
	if v == 0 {
		return 0
	}
	return time.Duration(1<<(v-1)) * time.Second
}

func (r *Radio) queueFrame(f codec.Frame) {
	data, err := codec.MarshalFrame(f)
	if err != nil {
		r.logger.Error("encode frame", "type", f.Type.String(), "error", err)
		return
	}
	pdus, err := codec.Segment(f.Type.PDUType(), data, r.config.MTU)
	if err != nil {
		r.logger.Error("segment frame", "type", f.Type.String(), "error", err)
		return
	}
	for _, pdu := range pdus {
		pdu := pdu
		r.queue(func() {
			r.mu.Lock()
			fn := r.onReceive
			r.mu.Unlock()
			if fn != nil {
				fn(pdu)
			}
		})
	}
}

func (r *Radio) queue(fn func()) {
	select {
	case r.out <- fn:
	default:
		r.logger.Warn("delivery queue full, dropping")
	}
}

// deliverLoop runs every inbound delivery on one goroutine, keeping them
// in order.
func (r *Radio) deliverLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-r.out:
			fn()
		}
	}
}

func (r *Radio) airLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := r.clock.Ticker(r.config.AdvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
			r.Advertise()
		case <-ticker.C:
			r.Advertise()
			r.publishHeartbeats(r.clock.Now())
		}
	}
}

// OnReceive implements transport.Transport.
func (r *Radio) OnReceive(fn func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReceive = fn
}

// OnLinkState implements transport.Transport.
func (r *Radio) OnLinkState(fn func(string, transport.LinkState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLinkState = fn
}

// OnAdapterState implements transport.Transport. The current state is
// reported immediately.
func (r *Radio) OnAdapterState(fn func(transport.AdapterState)) {
	r.mu.Lock()
	r.onAdapterState = fn
	state := r.adapter
	r.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// SetAdapterState powers the simulated adapter on or off. Powering off
// stops the scan and loses the link.
func (r *Radio) SetAdapterState(state transport.AdapterState) {
	r.mu.Lock()
	if r.adapter == state {
		r.mu.Unlock()
		return
	}
	r.adapter = state
	fn := r.onAdapterState
	if state == transport.AdapterOff {
		r.scan = nil
	}
	r.mu.Unlock()

	if state == transport.AdapterOff {
		r.DropLink()
	}
	if fn != nil {
		fn(state)
	}
}

func (r *Radio) emitLinkState(address string, state transport.LinkState) {
	r.mu.Lock()
	fn := r.onLinkState
	r.mu.Unlock()
	if fn != nil {
		fn(address, state)
	}
}

// Close stops the radio's loops. Queued deliveries are dropped.
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.scan = nil
	r.link = nil
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}
