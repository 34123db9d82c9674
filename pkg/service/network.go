package service

import (
	"fmt"

	"github.com/meshlink/meshlink-go/pkg/network"
	"github.com/meshlink/meshlink-go/pkg/scanner"
)

const defaultNetworkName = "mesh"

// Network returns the loaded network, or nil.
func (e *Engine) Network() *network.Network {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.net
}

// CreateNetwork replaces the loaded network with a new one.
func (e *Engine) CreateNetwork(name string) (*network.Network, error) {
	n, err := network.New(name)
	if err != nil {
		return nil, err
	}
	e.setNetwork(n, nil)
	return n, nil
}

// LoadNetwork loads the network kept in store, creating one when the store
// is empty. Later changes are saved back to it.
func (e *Engine) LoadNetwork(store *network.Store) (*network.Network, error) {
	n, err := store.Load()
	if err != nil {
		return nil, err
	}
	created := n == nil
	if created {
		if n, err = network.New(defaultNetworkName); err != nil {
			return nil, err
		}
	}
	e.setNetwork(n, store)
	if created {
		e.persist()
	}
	return n, nil
}

// ImportNetwork replaces the loaded network with a JSON export. The store,
// if any, is kept and overwritten.
func (e *Engine) ImportNetwork(data []byte) (*network.Network, error) {
	n, err := network.Import(data)
	if err != nil {
		return nil, err
	}
	e.setNetwork(n, e.currentStore())
	e.persist()
	return n, nil
}

// ExportNetwork returns the loaded network as JSON.
func (e *Engine) ExportNetwork() ([]byte, error) {
	n, err := e.loadedNetwork()
	if err != nil {
		return nil, err
	}
	return n.Export()
}

// ResetNetwork replaces the loaded network with a fresh one of the same
// name. Every node of the old network is forgotten.
func (e *Engine) ResetNetwork() (*network.Network, error) {
	name := defaultNetworkName
	if old := e.Network(); old != nil && old.Name() != "" {
		name = old.Name()
	}
	n, err := network.New(name)
	if err != nil {
		return nil, err
	}
	e.setNetwork(n, e.currentStore())
	e.persist()
	return n, nil
}

func (e *Engine) currentStore() *network.Store {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store
}

// setNetwork makes n the active network: frames, advertisements and
// address allocation follow it, the liveness table is rebuilt from its
// nodes and devices classified against the previous network are dropped.
func (e *Engine) setNetwork(n *network.Network, store *network.Store) {
	e.mu.Lock()
	e.net = n
	e.store = store
	running := e.state == StateRunning
	e.mu.Unlock()

	e.codec.SetNetwork(n)
	e.prov.SetAuthority(n)

	self := n.ProvisionerAddress()
	var addrs []uint16
	for _, node := range n.Nodes() {
		if addr := uint16(node.UnicastAddress); addr != self {
			addrs = append(addrs, addr)
		}
	}
	e.live.Replace(addrs)
	e.logger.Info("network loaded", "name", n.Name(), "nodes", len(addrs))

	if !running {
		e.scan.Clear()
		return
	}
	e.conn.Disconnect(false)
	if e.scan.State() == scanner.StateScanning {
		if err := e.scan.Restart(); err != nil {
			e.logger.Warn("scan restart failed", "error", err)
		}
		return
	}
	e.scan.Clear()
}

// forgetResetNode drops the node record of a device that advertises as
// unprovisioned again. The device was reset without the network being told.
func (e *Engine) forgetResetNode(dev scanner.Device) {
	n, err := e.loadedNetwork()
	if err != nil {
		return
	}
	node, ok := n.NodeByUUID(dev.UUID)
	if !ok {
		return
	}
	addr := uint16(node.UnicastAddress)
	if addr == n.ProvisionerAddress() {
		return
	}
	if _, err := n.RemoveNode(addr); err != nil {
		return
	}
	e.live.RemoveNode(addr)
	e.persist()
	e.logger.Info("node reset out of band", "address", fmt.Sprintf("0x%04X", addr), "uuid", dev.UUID, "device", dev.Address)
}

// CreateApplicationKey adds a new application key bound to the primary
// network key.
func (e *Engine) CreateApplicationKey() (network.AppKey, error) {
	n, err := e.loadedNetwork()
	if err != nil {
		return network.AppKey{}, err
	}
	key, err := n.CreateAppKey()
	if err != nil {
		return network.AppKey{}, err
	}
	e.persist()
	return key, nil
}

// RemoveApplicationKey deletes an application key no node holds.
func (e *Engine) RemoveApplicationKey(index uint16) error {
	n, err := e.loadedNetwork()
	if err != nil {
		return err
	}
	if err := n.RemoveAppKey(index); err != nil {
		return err
	}
	e.persist()
	return nil
}
