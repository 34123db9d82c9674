// Package correlator matches inbound access messages to the requests that
// are waiting for them.
//
// A pending call is keyed by the response opcode it expects, the address
// the request was sent to, and for vendor models the model identifier. At
// most one call per key may be outstanding. Each call has its own timer;
// whichever of response, timeout or Close comes first settles it, and the
// others become no-ops.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	meshlog "github.com/meshlink/meshlink-go/pkg/log"
	"github.com/meshlink/meshlink-go/pkg/mesherr"
	"github.com/meshlink/meshlink-go/pkg/metrics"
	"github.com/meshlink/meshlink-go/pkg/wire"
)

// DefaultTimeout is the default time a call waits for its response.
const DefaultTimeout = 10 * time.Second

// Correlator errors.
var (
	ErrAlreadyPending   = errors.New("a call with the same key is already pending")
	ErrClosed           = errors.New("correlator closed")
	ErrNoResponseOpcode = errors.New("opcode has no acknowledged response")
	ErrInvalidTimeout   = errors.New("timeout must be positive")
)

// Key identifies a pending call.
type Key struct {
	// Opcode is the expected response opcode.
	Opcode wire.Opcode

	// Address is the request's destination, which is the response's source.
	Address uint16

	ModelID    uint32
	HasModelID bool
}

func (k Key) String() string {
	if k.HasModelID {
		return fmt.Sprintf("%s@0x%04X/0x%08X", k.Opcode, k.Address, k.ModelID)
	}
	return fmt.Sprintf("%s@0x%04X", k.Opcode, k.Address)
}

func keyOf(msg wire.AccessMessage) Key {
	k := Key{Opcode: msg.Opcode, Address: msg.Src}
	if msg.HasModelID {
		k.ModelID, k.HasModelID = msg.ModelID, true
	}
	return k
}

// Call is a handle to a pending or settled request.
type Call struct {
	key      Key
	created  time.Time
	deadline time.Time
	timer    *clock.Timer

	once sync.Once
	done chan struct{}
	resp wire.Response
	err  error
}

func newCall(key Key) *Call {
	return &Call{key: key, done: make(chan struct{})}
}

// Resolved returns a call that is already settled without a response.
// It stands in for unacknowledged and group sends.
func Resolved() *Call {
	c := newCall(Key{})
	c.settle(nil, nil)
	return c
}

func (c *Call) settle(resp wire.Response, err error) bool {
	settled := false
	c.once.Do(func() {
		c.resp, c.err = resp, err
		close(c.done)
		settled = true
	})
	return settled
}

// Key returns the correlation key.
func (c *Call) Key() Key { return c.key }

// Deadline returns when the call times out.
func (c *Call) Deadline() time.Time { return c.deadline }

// Done is closed once the call is settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the outcome of a settled call. The response is nil for
// calls settled by Resolved.
func (c *Call) Result() (wire.Response, error) {
	<-c.done
	return c.resp, c.err
}

// Wait blocks until the call settles or ctx is done. A cancelled wait
// leaves the call pending until its own timeout.
func (c *Call) Wait(ctx context.Context) (wire.Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Config configures a Correlator.
type Config struct {
	// Timeout applies to registrations that pass a zero timeout.
	Timeout time.Duration

	// OnUnmatched receives access messages no call was waiting for.
	OnUnmatched func(wire.AccessMessage)

	Clock          clock.Clock
	Logger         *slog.Logger
	ProtocolLogger meshlog.Logger
	Metrics        *metrics.Metrics
}

// DefaultConfig returns the default correlator configuration.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidTimeout
	}
	return nil
}

// Correlator holds the pending call table.
type Correlator struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
	plog   meshlog.Logger

	mu     sync.Mutex
	calls  map[Key]*Call
	closed bool
}

// New creates a correlator.
func New(config Config) *Correlator {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Correlator{
		config: config,
		clock:  config.Clock,
		logger: config.Logger,
		plog:   meshlog.OrNoop(config.ProtocolLogger),
		calls:  make(map[Key]*Call),
	}
}

// Register creates a pending call for the response to an acknowledged SIG
// request sent to dst. Requests to group, virtual or unassigned addresses
// get an already resolved call.
func (c *Correlator) Register(sent wire.Opcode, dst uint16, timeout time.Duration) (*Call, error) {
	resp, ok := wire.ResponseOpcode(sent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoResponseOpcode, sent)
	}
	if !wire.IsUnicast(dst) {
		return Resolved(), nil
	}
	return c.RegisterKey(Key{Opcode: resp, Address: dst}, timeout)
}

// RegisterVendor creates a pending call for a vendor model response. The
// caller names the response opcode since vendor opcodes have no table.
func (c *Correlator) RegisterVendor(response wire.Opcode, dst uint16, modelID uint32, timeout time.Duration) (*Call, error) {
	if !wire.IsUnicast(dst) {
		return Resolved(), nil
	}
	return c.RegisterKey(Key{Opcode: response, Address: dst, ModelID: modelID, HasModelID: true}, timeout)
}

// RegisterKey creates a pending call under key. A zero timeout uses the
// configured default.
func (c *Correlator) RegisterKey(key Key, timeout time.Duration) (*Call, error) {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	if timeout < 0 {
		return nil, ErrInvalidTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.calls[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPending, key)
	}

	call := newCall(key)
	call.created = c.clock.Now()
	call.deadline = call.created.Add(timeout)
	call.timer = c.clock.AfterFunc(timeout, func() { c.expire(call) })
	c.calls[key] = call

	c.config.Metrics.CallRegistered()
	c.logger.Debug("call registered", "key", key.String(), "timeout", timeout)
	c.record(call, meshlog.OutcomeRegistered)
	return call, nil
}

// Cancel withdraws a pending call, e.g. when its request could not be sent.
// The call is settled with err.
func (c *Correlator) Cancel(call *Call, err error) {
	if !c.remove(call) {
		return
	}
	call.settle(nil, err)
	c.config.Metrics.CallDropped()
	c.record(call, meshlog.OutcomeRejected)
}

// remove deletes call from the table if it is still the entry for its key.
func (c *Correlator) remove(call *Call) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[call.key] != call {
		return false
	}
	delete(c.calls, call.key)
	if call.timer != nil {
		call.timer.Stop()
	}
	return true
}

func (c *Correlator) expire(call *Call) {
	if !c.remove(call) {
		return
	}
	after := c.clock.Since(call.created)
	call.settle(nil, &mesherr.TimeoutError{
		Opcode:  uint32(call.key.Opcode),
		Address: call.key.Address,
		After:   after,
	})

	c.config.Metrics.CallTimedOut()
	c.logger.Warn("call timed out", "key", call.key.String(), "after", after)
	c.record(call, meshlog.OutcomeTimeout)
}

// HandleMessage settles the call waiting for msg. It reports whether a
// call matched; unmatched messages go to Config.OnUnmatched.
func (c *Correlator) HandleMessage(msg wire.AccessMessage) bool {
	key := keyOf(msg)

	c.mu.Lock()
	call, ok := c.calls[key]
	if ok {
		delete(c.calls, key)
		call.timer.Stop()
	}
	c.mu.Unlock()

	if !ok {
		c.config.Metrics.MessageUnmatched()
		c.logger.Debug("unmatched message", "key", key.String())
		if c.config.OnUnmatched != nil {
			c.config.OnUnmatched(msg)
		}
		return false
	}

	resp, err := wire.Decode(msg)
	switch {
	case err != nil:
		err = &mesherr.ProtocolError{Opcode: uint32(msg.Opcode), Err: err}
	default:
		if sc, ok := resp.(wire.StatusCoder); ok && sc.StatusCode() != 0 {
			err = &mesherr.ProtocolError{
				Opcode:   uint32(msg.Opcode),
				Status:   sc.StatusCode(),
				Response: resp,
			}
			resp = nil
		}
	}
	call.settle(resp, err)

	c.config.Metrics.CallResolved()
	if err != nil {
		c.logger.Warn("call failed", "key", key.String(), "error", err)
		c.record(call, meshlog.OutcomeRejected)
	} else {
		c.record(call, meshlog.OutcomeResolved)
	}
	return true
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// IsPending reports whether a call is outstanding under key.
func (c *Correlator) IsPending(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.calls[key]
	return ok
}

// Close rejects every pending call with ErrClosed. Later registrations
// fail with ErrClosed.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	calls := c.calls
	c.calls = make(map[Key]*Call)
	for _, call := range calls {
		call.timer.Stop()
	}
	c.mu.Unlock()

	for _, call := range calls {
		call.settle(nil, ErrClosed)
		c.config.Metrics.CallDropped()
		c.record(call, meshlog.OutcomeRejected)
	}
}

func (c *Correlator) record(call *Call, outcome meshlog.Outcome) {
	ev := &meshlog.CorrelationEvent{
		Outcome:        outcome,
		ResponseOpcode: uint32(call.key.Opcode),
		Address:        call.key.Address,
	}
	if call.key.HasModelID {
		id := call.key.ModelID
		ev.ModelID = &id
	}
	if outcome != meshlog.OutcomeRegistered {
		ev.Elapsed = c.clock.Since(call.created)
	}
	c.plog.Log(meshlog.Event{
		Timestamp:   c.clock.Now(),
		Layer:       meshlog.LayerAccess,
		Category:    meshlog.CategoryCorrelation,
		Dst:         call.key.Address,
		Correlation: ev,
	})
}
