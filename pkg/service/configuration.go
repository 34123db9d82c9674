package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/meshlink/meshlink-go/pkg/network"
	"github.com/meshlink/meshlink-go/pkg/wire"
)

// Configuration messages are secured with the node's device key and always
// acknowledged. Successful operations update the node record in the loaded
// network and persist it.

// UnprovisionDevice resets the node at addr and removes it from the
// network and the liveness table once the node confirmed.
func (e *Engine) UnprovisionDevice(ctx context.Context, addr uint16) error {
	if _, err := e.node(addr); err != nil {
		return err
	}
	msg := wire.AccessMessage{Dst: addr, Opcode: wire.OpConfigNodeReset}
	if _, err := as[wire.NodeResetStatus](e.request(ctx, msg, true)); err != nil {
		return err
	}

	n, err := e.loadedNetwork()
	if err != nil {
		return err
	}
	if _, err := n.RemoveNode(addr); err != nil {
		e.logger.Warn("reset node missing from network", "address", fmt.Sprintf("0x%04X", addr), "error", err)
	}
	e.live.RemoveNode(addr)
	e.persist()
	e.logger.Info("node reset", "address", fmt.Sprintf("0x%04X", addr))
	return nil
}

// AddApplicationKeyToNode sends the application key with index to the node.
func (e *Engine) AddApplicationKeyToNode(ctx context.Context, addr, index uint16) (*wire.AppKeyStatus, error) {
	return e.sendAppKey(ctx, addr, index, wire.OpConfigAppKeyAdd)
}

// UpdateApplicationKeyOnNode sends the current value of the application key
// with index to a node that already holds it.
func (e *Engine) UpdateApplicationKeyOnNode(ctx context.Context, addr, index uint16) (*wire.AppKeyStatus, error) {
	return e.sendAppKey(ctx, addr, index, wire.OpConfigAppKeyUpdate)
}

func (e *Engine) sendAppKey(ctx context.Context, addr, index uint16, op wire.Opcode) (*wire.AppKeyStatus, error) {
	if _, err := e.node(addr); err != nil {
		return nil, err
	}
	key, err := e.appKey(index)
	if err != nil {
		return nil, err
	}
	msg := wire.AccessMessage{
		Dst:    addr,
		Opcode: op,
		Params: wire.AppKeyAddParams(key.BoundNetKey, key.Index, key.Key[:]),
	}
	status, err := as[wire.AppKeyStatus](e.request(ctx, msg, true))
	if err != nil {
		return nil, err
	}
	e.updateNode(addr, func(node *network.Node) {
		node.AppKeys = addKeyRef(node.AppKeys, index)
	})
	return status, nil
}

// DeleteApplicationKeyFromNode removes the application key with index from
// the node, together with every model binding that used it.
func (e *Engine) DeleteApplicationKeyFromNode(ctx context.Context, addr, index uint16) (*wire.AppKeyStatus, error) {
	if _, err := e.node(addr); err != nil {
		return nil, err
	}
	key, err := e.appKey(index)
	if err != nil {
		return nil, err
	}
	msg := wire.AccessMessage{
		Dst:    addr,
		Opcode: wire.OpConfigAppKeyDelete,
		Params: wire.AppKeyDeleteParams(key.BoundNetKey, key.Index),
	}
	status, err := as[wire.AppKeyStatus](e.request(ctx, msg, true))
	if err != nil {
		return nil, err
	}
	e.updateNode(addr, func(node *network.Node) {
		node.AppKeys = slices.DeleteFunc(node.AppKeys, func(r network.KeyRef) bool { return r.Index == index })
		for i := range node.Elements {
			for j := range node.Elements[i].Models {
				m := &node.Elements[i].Models[j]
				m.Bind = slices.DeleteFunc(m.Bind, func(b uint16) bool { return b == index })
			}
		}
	})
	return status, nil
}

// BindApplicationKeyToModel binds the application key with index to a
// model on the element at elementAddr.
func (e *Engine) BindApplicationKeyToModel(ctx context.Context, addr, elementAddr, index uint16, modelID uint32) (*wire.ModelAppStatus, error) {
	status, err := e.sendModelApp(ctx, addr, elementAddr, index, modelID, wire.OpConfigModelAppBind)
	if err != nil {
		return nil, err
	}
	e.updateNode(addr, func(node *network.Node) {
		if m := findModel(node, elementAddr, modelID, true); m != nil && !slices.Contains(m.Bind, index) {
			m.Bind = append(m.Bind, index)
		}
	})
	return status, nil
}

// UnbindApplicationKeyFromModel removes a binding made with
// BindApplicationKeyToModel.
func (e *Engine) UnbindApplicationKeyFromModel(ctx context.Context, addr, elementAddr, index uint16, modelID uint32) (*wire.ModelAppStatus, error) {
	status, err := e.sendModelApp(ctx, addr, elementAddr, index, modelID, wire.OpConfigModelAppUnbind)
	if err != nil {
		return nil, err
	}
	e.updateNode(addr, func(node *network.Node) {
		if m := findModel(node, elementAddr, modelID, false); m != nil {
			m.Bind = slices.DeleteFunc(m.Bind, func(b uint16) bool { return b == index })
		}
	})
	return status, nil
}

func (e *Engine) sendModelApp(ctx context.Context, addr, elementAddr, index uint16, modelID uint32, op wire.Opcode) (*wire.ModelAppStatus, error) {
	if _, err := e.node(addr); err != nil {
		return nil, err
	}
	if _, err := e.appKey(index); err != nil {
		return nil, err
	}
	msg := wire.AccessMessage{
		Dst:    addr,
		Opcode: op,
		Params: wire.ModelAppParams(elementAddr, index, modelID),
	}
	return as[wire.ModelAppStatus](e.request(ctx, msg, true))
}

// GetCompositionData reads a composition data page and records the node's
// identifiers, features and elements. Existing bindings are kept.
func (e *Engine) GetCompositionData(ctx context.Context, addr uint16, page uint8) (*wire.CompositionDataStatus, error) {
	if _, err := e.node(addr); err != nil {
		return nil, err
	}
	msg := wire.AccessMessage{
		Dst:    addr,
		Opcode: wire.OpConfigCompositionDataGet,
		Params: wire.CompositionDataGetParams(page),
	}
	status, err := as[wire.CompositionDataStatus](e.request(ctx, msg, true))
	if err != nil {
		return nil, err
	}
	e.updateNode(addr, func(node *network.Node) { applyComposition(node, status) })
	return status, nil
}

// SendConfigHeartbeatPublicationSet configures where and how often the node
// publishes heartbeats.
func (e *Engine) SendConfigHeartbeatPublicationSet(ctx context.Context, addr uint16, pub wire.HeartbeatPublication) (*wire.HeartbeatPublicationStatus, error) {
	if _, err := e.node(addr); err != nil {
		return nil, err
	}
	msg := wire.AccessMessage{
		Dst:    addr,
		Opcode: wire.OpConfigHeartbeatPublicationSet,
		Params: wire.HeartbeatPublicationSetParams(pub),
	}
	return as[wire.HeartbeatPublicationStatus](e.request(ctx, msg, true))
}

func addKeyRef(refs []network.KeyRef, index uint16) []network.KeyRef {
	for _, r := range refs {
		if r.Index == index {
			return refs
		}
	}
	return append(refs, network.KeyRef{Index: index})
}

// findModel returns the model record on the element at elementAddr. With
// create set, a model missing from a known element is added.
func findModel(node *network.Node, elementAddr uint16, modelID uint32, create bool) *network.Model {
	i := int(elementAddr) - int(node.UnicastAddress)
	if i < 0 || i >= len(node.Elements) {
		return nil
	}
	el := &node.Elements[i]
	for j := range el.Models {
		if uint32(el.Models[j].ModelID) == modelID {
			return &el.Models[j]
		}
	}
	if !create {
		return nil
	}
	el.Models = append(el.Models, network.Model{ModelID: network.ModelID(modelID)})
	return &el.Models[len(el.Models)-1]
}

func applyComposition(node *network.Node, s *wire.CompositionDataStatus) {
	node.CompanyID = s.CompanyID
	node.ProductID = s.ProductID
	node.VersionID = s.VersionID
	node.CRPL = s.CRPL
	node.Features = s.Features

	elements := make([]network.Element, len(s.Elements))
	for i, el := range s.Elements {
		models := make([]network.Model, len(el.Models))
		for j, id := range el.Models {
			models[j] = network.Model{ModelID: network.ModelID(id)}
			if i < len(node.Elements) {
				for _, old := range node.Elements[i].Models {
					if uint32(old.ModelID) == id {
						models[j].Bind = old.Bind
					}
				}
			}
		}
		elements[i] = network.Element{Index: i, Location: network.Address(el.Location), Models: models}
	}
	node.Elements = elements
}
