package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/meshlink/meshlink-go/pkg/codec"
	"github.com/meshlink/meshlink-go/pkg/connection"
	"github.com/meshlink/meshlink-go/pkg/correlator"
	"github.com/meshlink/meshlink-go/pkg/liveness"
	meshlog "github.com/meshlink/meshlink-go/pkg/log"
	"github.com/meshlink/meshlink-go/pkg/mesherr"
	"github.com/meshlink/meshlink-go/pkg/network"
	"github.com/meshlink/meshlink-go/pkg/provisioning"
	"github.com/meshlink/meshlink-go/pkg/scanner"
	"github.com/meshlink/meshlink-go/pkg/transport"
	"github.com/meshlink/meshlink-go/pkg/wire"
)

// Engine owns the scanner, connection manager, correlator, liveness
// monitor and provisioning orchestrator of one mesh session and exposes
// the application API on top of them.
type Engine struct {
	config Config
	radio  transport.Transport
	codec  codec.Codec
	clock  clock.Clock
	logger *slog.Logger
	plog   meshlog.Logger

	scan  *scanner.Scanner
	conn  *connection.Manager
	calls *correlator.Correlator
	live  *liveness.Monitor
	prov  *provisioning.Orchestrator

	mu       sync.RWMutex
	state    State
	net      *network.Network
	store    *network.Store
	handlers []EventHandler

	// scanErr carries hardware scan failures to a waiting StartScan.
	scanErr chan error
	tid     atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine on top of radio and c. The engine does not own
// the radio; close it after Close returns.
func New(radio transport.Transport, c codec.Codec, config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	amb := config.ambient()

	e := &Engine{
		config:  config,
		radio:   radio,
		codec:   c,
		clock:   amb.clock,
		logger:  amb.logger,
		plog:    amb.plog,
		scanErr: make(chan error, 1),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	sc := config.Scanner
	amb.inherit("scanner", &sc.Clock, &sc.Logger, &sc.Metrics)
	sc.OnUpdate = func(s scanner.Snapshot) {
		e.emit(EventScanUpdated{Unprovisioned: s.Unprovisioned, Provisioned: s.Provisioned})
	}
	sc.OnError = e.handleScanError
	sc.OnUnprovisioned = e.forgetResetNode
	e.scan = scanner.New(radio, c, sc)

	cc := config.Correlator
	amb.inherit("correlator", &cc.Clock, &cc.Logger, &cc.Metrics)
	cc.ProtocolLogger = amb.protocolLogger(cc.ProtocolLogger)
	cc.OnUnmatched = func(msg wire.AccessMessage) {
		e.emit(modelMessageEvent(msg))
	}
	e.calls = correlator.New(cc)

	lc := config.Liveness
	amb.inherit("liveness", &lc.Clock, &lc.Logger, &lc.Metrics)
	lc.ProtocolLogger = amb.protocolLogger(lc.ProtocolLogger)
	lc.OnChange = func(states []liveness.State) {
		e.emit(EventLivenessChanged{Nodes: states})
	}
	e.live = liveness.New(lc)

	mc := config.Connection
	amb.inherit("connection", &mc.Clock, &mc.Logger, &mc.Metrics)
	mc.ProtocolLogger = amb.protocolLogger(mc.ProtocolLogger)
	mc.OnReconnected = e.primeProxy
	e.conn = connection.NewManager(radio, e.scan, mc)

	pc := config.Provisioning
	amb.inherit("provisioning", &pc.Clock, &pc.Logger, &pc.Metrics)
	pc.ProtocolLogger = amb.protocolLogger(pc.ProtocolLogger)
	prov, err := provisioning.New(provisioningSender{e}, e.live, pc)
	if err != nil {
		e.cancel()
		return nil, err
	}
	e.prov = prov

	return e, nil
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Start wires the radio callbacks and starts the liveness sweep and the
// reconnect loop. The engine closes when ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateClosed:
		e.mu.Unlock()
		return ErrClosed
	case StateRunning:
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.state = StateRunning
	e.mu.Unlock()

	e.radio.OnReceive(e.handlePDU)
	e.radio.OnLinkState(e.handleLinkState)
	e.radio.OnAdapterState(e.handleAdapterState)
	e.live.Start()
	e.conn.StartReconnectLoop()

	go func() {
		select {
		case <-ctx.Done():
			e.Close()
		case <-e.ctx.Done():
		}
	}()

	e.logger.Info("engine started")
	return nil
}

// Close cancels every task the engine owns, rejects pending requests and
// waits for the engine's goroutines to finish. Calling Close again is a
// no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosed
	e.mu.Unlock()

	e.cancel()
	e.conn.Close()
	if err := e.scan.Stop(); err != nil {
		e.logger.Warn("scan stop failed", "error", err)
	}
	e.live.Stop()
	e.calls.Close()
	e.prov.Close()
	e.wg.Wait()

	e.logger.Info("engine closed")
	return nil
}

// ready returns an error unless the engine is running.
func (e *Engine) ready() error {
	switch e.State() {
	case StateIdle:
		return ErrNotStarted
	case StateClosed:
		return ErrClosed
	}
	return nil
}

func (e *Engine) handlePDU(pdu []byte) {
	address, _ := e.conn.Address()
	e.plog.Log(meshlog.Event{
		Timestamp:   e.clock.Now(),
		LinkAddress: address,
		Direction:   meshlog.DirectionIn,
		Layer:       meshlog.LayerBearer,
		Category:    meshlog.CategoryMessage,
		PDU:         meshlog.NewPDUEvent(pdu),
	})

	msg, ok, err := e.codec.Decode(pdu)
	if err != nil {
		e.logger.Warn("dropping undecodable pdu", "address", address, "bytes", len(pdu), "error", err)
		return
	}
	if !ok {
		return
	}
	e.dispatch(msg)
}

func (e *Engine) dispatch(msg codec.Inbound) {
	switch msg.Kind {
	case codec.InboundAccess:
		e.calls.HandleMessage(msg.Access)
	case codec.InboundHeartbeat:
		e.live.HeartbeatReceived(msg.Heartbeat.Src)
	default:
		if !e.prov.HandleInbound(msg) {
			e.logger.Debug("ignoring inbound message", "kind", msg.Kind)
		}
	}
}

func (e *Engine) handleLinkState(address string, state transport.LinkState) {
	switch state {
	case transport.LinkDisconnected, transport.LinkLost:
		e.codec.Reset()
	}
	e.conn.HandleLinkState(address, state)
	e.emit(EventLinkStateChanged{Address: address, State: state})
}

func (e *Engine) handleAdapterState(state transport.AdapterState) {
	e.logger.Info("adapter state changed", "state", state)
	e.plog.Log(meshlog.Event{
		Timestamp: e.clock.Now(),
		Layer:     meshlog.LayerEngine,
		Category:  meshlog.CategoryState,
		StateChange: &meshlog.StateChangeEvent{
			Entity:   meshlog.StateEntityAdapter,
			NewState: state.String(),
		},
	})
	e.emit(EventAdapterStateChanged{State: state})
}

func (e *Engine) handleScanError(err error) {
	e.logger.Error("scan failed", "error", err)
	select {
	case e.scanErr <- err:
	default:
	}
}

// primeProxy sends a Generic OnOff Get to all nodes after an automatic
// reconnect so the new proxy starts forwarding traffic to us.
func (e *Engine) primeProxy(address string) {
	if e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		msg := wire.AccessMessage{
			Dst:         wire.AddressAllNodes,
			AppKeyIndex: e.config.PrimeAppKeyIndex,
			Opcode:      wire.OpGenericOnOffGet,
		}
		if _, err := e.request(e.ctx, msg, false); err != nil {
			e.logger.Warn("proxy priming failed", "address", address, "error", err)
		}
	}()
}

// send writes pdus to the link.
func (e *Engine) send(pdus [][]byte) error {
	address, _ := e.conn.Address()
	for _, pdu := range pdus {
		if err := e.radio.Send(pdu); err != nil {
			return &mesherr.TransportError{Op: "send", Address: address, Err: err}
		}
		e.plog.Log(meshlog.Event{
			Timestamp:   e.clock.Now(),
			LinkAddress: address,
			Direction:   meshlog.DirectionOut,
			Layer:       meshlog.LayerBearer,
			Category:    meshlog.CategoryMessage,
			PDU:         meshlog.NewPDUEvent(pdu),
		})
	}
	return nil
}

// provisioningSender encodes provisioning PDUs for the orchestrator.
type provisioningSender struct {
	e *Engine
}

func (s provisioningSender) SendInvite(id uuid.UUID, attention uint8) error {
	pdus, err := s.e.codec.EncodeInvite(id, attention, s.e.radio.MTU())
	if err != nil {
		return err
	}
	return s.e.send(pdus)
}

func (s provisioningSender) SendProvisioningStart(data codec.ProvisioningData) error {
	pdus, err := s.e.codec.EncodeProvisioningStart(data, s.e.radio.MTU())
	if err != nil {
		return err
	}
	return s.e.send(pdus)
}
