package service

import (
	"context"
	"fmt"

	"github.com/meshlink/meshlink-go/pkg/correlator"
	"github.com/meshlink/meshlink-go/pkg/mesherr"
	"github.com/meshlink/meshlink-go/pkg/network"
	"github.com/meshlink/meshlink-go/pkg/wire"
)

// ensureProxy makes sure a proxy link is up before a message is sent.
func (e *Engine) ensureProxy(ctx context.Context) error {
	if err := e.conn.ConnectToProxy(ctx); err != nil {
		return &mesherr.StateError{Op: "send", Reason: "no proxy link", Err: err}
	}
	return nil
}

// request sends msg through the proxy. Acknowledged messages to a unicast
// address wait for the matching status; everything else returns a nil
// response as soon as the message is on the air.
func (e *Engine) request(ctx context.Context, msg wire.AccessMessage, acknowledged bool) (wire.Response, error) {
	var call *correlator.Call
	if acknowledged {
		var err error
		call, err = e.calls.Register(msg.Opcode, msg.Dst, 0)
		if err != nil {
			return nil, err
		}
	}
	return e.exchange(ctx, msg, call)
}

// requestVendor is request for vendor models, whose response opcode the
// caller names.
func (e *Engine) requestVendor(ctx context.Context, msg wire.AccessMessage, response wire.Opcode, acknowledged bool) (wire.Response, error) {
	var call *correlator.Call
	if acknowledged {
		var err error
		call, err = e.calls.RegisterVendor(response, msg.Dst, msg.ModelID, 0)
		if err != nil {
			return nil, err
		}
	}
	return e.exchange(ctx, msg, call)
}

// exchange sends msg and waits for call, if any. The call is registered
// before sending so a fast response cannot be missed.
func (e *Engine) exchange(ctx context.Context, msg wire.AccessMessage, call *correlator.Call) (wire.Response, error) {
	fail := func(err error) (wire.Response, error) {
		if call != nil {
			e.calls.Cancel(call, err)
		}
		return nil, err
	}

	if err := e.ready(); err != nil {
		return fail(err)
	}
	if _, err := e.loadedNetwork(); err != nil {
		return fail(err)
	}
	if err := e.ensureProxy(ctx); err != nil {
		return fail(err)
	}
	pdus, err := e.codec.EncodeAccess(msg, e.radio.MTU())
	if err != nil {
		return fail(err)
	}
	if err := e.send(pdus); err != nil {
		return fail(err)
	}
	e.logger.Debug("message sent", "opcode", msg.Opcode, "dst", fmt.Sprintf("0x%04X", msg.Dst))

	if call == nil {
		return nil, nil
	}
	resp, err := call.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		e.calls.Cancel(call, ctx.Err())
	}
	return resp, err
}

// as converts a response to its concrete type. A nil response, as
// returned for unacknowledged and group messages, yields nil.
func as[T wire.Response](resp wire.Response, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	v, ok := resp.(T)
	if !ok {
		return nil, &mesherr.ProtocolError{
			Opcode:   uint32(resp.Opcode()),
			Response: resp,
			Err:      fmt.Errorf("%w: %T", ErrUnexpectedResponse, resp),
		}
	}
	return &v, nil
}

func (e *Engine) nextTID() uint8 {
	return uint8(e.tid.Add(1))
}

func (e *Engine) loadedNetwork() (*network.Network, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.net == nil {
		return nil, ErrNoNetwork
	}
	return e.net, nil
}

// node returns the network's record of addr.
func (e *Engine) node(addr uint16) (network.Node, error) {
	n, err := e.loadedNetwork()
	if err != nil {
		return network.Node{}, err
	}
	node, ok := n.Node(addr)
	if !ok {
		return network.Node{}, &mesherr.NotFoundError{What: "node", ID: fmt.Sprintf("0x%04X", addr)}
	}
	return node, nil
}

// appKey returns the application key with index.
func (e *Engine) appKey(index uint16) (network.AppKey, error) {
	n, err := e.loadedNetwork()
	if err != nil {
		return network.AppKey{}, err
	}
	key, ok := n.AppKey(index)
	if !ok {
		return network.AppKey{}, &mesherr.NotFoundError{What: "application key", ID: fmt.Sprint(index)}
	}
	return key, nil
}

// updateNode applies fn to the node record of addr and persists the
// network. A missing record is logged only; the node has already answered.
func (e *Engine) updateNode(addr uint16, fn func(*network.Node)) {
	n, err := e.loadedNetwork()
	if err != nil {
		return
	}
	if err := n.UpdateNode(addr, fn); err != nil {
		e.logger.Warn("node record not updated", "address", fmt.Sprintf("0x%04X", addr), "error", err)
		return
	}
	e.persist()
}

// persist saves the network to the store it was loaded from, if any.
func (e *Engine) persist() {
	e.mu.RLock()
	n, store := e.net, e.store
	e.mu.RUnlock()
	if n == nil || store == nil {
		return
	}
	if err := store.Save(n); err != nil {
		e.logger.Error("failed to save network", "path", store.Path(), "error", err)
	}
}
