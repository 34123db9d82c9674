package network

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// Network errors.
var (
	ErrInvalidDocument   = errors.New("invalid network document")
	ErrAddressExhausted  = errors.New("no free unicast address block")
	ErrAddressInUse      = errors.New("address range in use")
	ErrNodeNotFound      = errors.New("node not found")
	ErrKeyNotFound       = errors.New("key not found")
	ErrKeyInUse          = errors.New("key in use by a node")
	ErrNoProvisioner     = errors.New("network has no provisioner")
	ErrInvalidElementNum = errors.New("element count must be at least 1")
)

//go:embed schema.json
var schemaJSON []byte

var schema = mustSchema()

func mustSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("network schema: %v", err))
	}
	return s
}

// Document is the serialized form of a network definition.
type Document struct {
	MeshUUID     uuid.UUID     `json:"meshUUID"`
	MeshName     string        `json:"meshName"`
	Timestamp    time.Time     `json:"timestamp"`
	IVIndex      uint32        `json:"ivIndex"`
	NetKeys      []NetKey      `json:"netKeys"`
	AppKeys      []AppKey      `json:"appKeys"`
	Provisioners []Provisioner `json:"provisioners"`
	Nodes        []Node        `json:"nodes"`
}

// Network is a mesh network definition: keys, the local provisioner,
// provisioned nodes and the unicast address authority.
// It is safe for concurrent use.
type Network struct {
	mu  sync.RWMutex
	doc Document

	// reserved maps the first address of an in-flight provisioning to its
	// element count.
	reserved map[uint16]uint8
}

// New creates a network with a fresh primary network key, one application
// key and a provisioner owning the whole unicast range.
func New(name string) (*Network, error) {
	netKey, err := NewKey()
	if err != nil {
		return nil, err
	}
	appKey, err := NewKey()
	if err != nil {
		return nil, err
	}
	devKey, err := NewKey()
	if err != nil {
		return nil, err
	}

	prov := Provisioner{
		Name:           name + " provisioner",
		UUID:           uuid.New(),
		UnicastAddress: 0x0001,
		UnicastRanges:  []Range{{Low: 0x0001, High: 0x7FFF}},
	}

	doc := Document{
		MeshUUID:     uuid.New(),
		MeshName:     name,
		Timestamp:    time.Now().UTC(),
		NetKeys:      []NetKey{{Name: "Primary Network Key", Index: 0, Key: netKey}},
		AppKeys:      []AppKey{{Name: "Application Key 0", Index: 0, BoundNetKey: 0, Key: appKey}},
		Provisioners: []Provisioner{prov},
		Nodes: []Node{{
			UUID:           prov.UUID,
			Name:           prov.Name,
			UnicastAddress: prov.UnicastAddress,
			DeviceKey:      devKey,
			Elements:       NewElements(1),
			NetKeys:        []KeyRef{{Index: 0}},
			AppKeys:        []KeyRef{{Index: 0}},
		}},
	}
	return &Network{doc: doc, reserved: make(map[uint16]uint8)}, nil
}

// Import validates data against the network schema and decodes it.
func Import(data []byte) (*Network, error) {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(msgs, "; "))
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &Network{doc: doc, reserved: make(map[uint16]uint8)}, nil
}

// Export serializes the network definition.
func (n *Network) Export() ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return json.MarshalIndent(n.doc, "", "  ")
}

// ID returns the mesh UUID.
func (n *Network) ID() uuid.UUID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.doc.MeshUUID
}

// Name returns the mesh name.
func (n *Network) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.doc.MeshName
}

// IVIndex returns the current IV index.
func (n *Network) IVIndex() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.doc.IVIndex
}

// PrimaryNetKey returns the network key with the lowest index.
func (n *Network) PrimaryNetKey() NetKey {
	n.mu.RLock()
	defer n.mu.RUnlock()
	primary := n.doc.NetKeys[0]
	for _, k := range n.doc.NetKeys[1:] {
		if k.Index < primary.Index {
			primary = k
		}
	}
	return primary
}

// NetKey returns the network key with the given index.
func (n *Network) NetKey(index uint16) (NetKey, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, k := range n.doc.NetKeys {
		if k.Index == index {
			return k, true
		}
	}
	return NetKey{}, false
}

// AppKey returns the application key with the given index.
func (n *Network) AppKey(index uint16) (AppKey, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, k := range n.doc.AppKeys {
		if k.Index == index {
			return k, true
		}
	}
	return AppKey{}, false
}

// AppKeys returns all application keys.
func (n *Network) AppKeys() []AppKey {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]AppKey(nil), n.doc.AppKeys...)
}

// CreateAppKey adds a random application key bound to the primary network
// key, using the lowest free index.
func (n *Network) CreateAppKey() (AppKey, error) {
	key, err := NewKey()
	if err != nil {
		return AppKey{}, err
	}
	primary := n.PrimaryNetKey()

	n.mu.Lock()
	defer n.mu.Unlock()
	used := make(map[uint16]bool, len(n.doc.AppKeys))
	for _, k := range n.doc.AppKeys {
		used[k.Index] = true
	}
	var index uint16
	for used[index] {
		index++
	}
	ak := AppKey{
		Name:        fmt.Sprintf("Application Key %d", index),
		Index:       index,
		BoundNetKey: primary.Index,
		Key:         key,
	}
	n.doc.AppKeys = append(n.doc.AppKeys, ak)
	n.touch()
	return ak, nil
}

// RemoveAppKey deletes an application key no node holds.
func (n *Network) RemoveAppKey(index uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, node := range n.doc.Nodes {
		if uint16(node.UnicastAddress) == n.provisionerAddress() {
			continue
		}
		if node.HasAppKey(index) {
			return fmt.Errorf("%w: app key %d on node %04X", ErrKeyInUse, index, uint16(node.UnicastAddress))
		}
	}
	for i, k := range n.doc.AppKeys {
		if k.Index == index {
			n.doc.AppKeys = append(n.doc.AppKeys[:i], n.doc.AppKeys[i+1:]...)
			n.touch()
			return nil
		}
	}
	return fmt.Errorf("%w: app key %d", ErrKeyNotFound, index)
}

// Provisioner returns the local provisioner.
func (n *Network) Provisioner() (Provisioner, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.doc.Provisioners) == 0 {
		return Provisioner{}, ErrNoProvisioner
	}
	return n.doc.Provisioners[0], nil
}

// ProvisionerAddress returns the unicast address of the local provisioner.
func (n *Network) ProvisionerAddress() uint16 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.provisionerAddress()
}

func (n *Network) provisionerAddress() uint16 {
	if len(n.doc.Provisioners) == 0 {
		return 0
	}
	return uint16(n.doc.Provisioners[0].UnicastAddress)
}

// Nodes returns a copy of every node, sorted by address.
func (n *Network) Nodes() []Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	nodes := make([]Node, len(n.doc.Nodes))
	for i, node := range n.doc.Nodes {
		nodes[i] = node.clone()
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UnicastAddress < nodes[j].UnicastAddress })
	return nodes
}

// Node returns the node owning element address addr.
func (n *Network) Node(addr uint16) (Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, node := range n.doc.Nodes {
		if node.Covers(addr) {
			return node.clone(), true
		}
	}
	return Node{}, false
}

// NodeByUUID returns the node with the given device UUID.
func (n *Network) NodeByUUID(id uuid.UUID) (Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, node := range n.doc.Nodes {
		if node.UUID == id {
			return node.clone(), true
		}
	}
	return Node{}, false
}

// AddNode records a provisioned node and drops its address reservation.
func (n *Network) AddNode(node Node) error {
	if len(node.Elements) == 0 {
		return ErrInvalidElementNum
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	start := uint16(node.UnicastAddress)
	delete(n.reserved, start)
	if n.overlapsNode(start, node.ElementCount()) {
		return fmt.Errorf("%w: %04X+%d", ErrAddressInUse, start, node.ElementCount())
	}
	n.doc.Nodes = append(n.doc.Nodes, node.clone())
	n.touch()
	return nil
}

// RemoveNode deletes the node owning addr.
func (n *Network) RemoveNode(addr uint16) (Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, node := range n.doc.Nodes {
		if node.Covers(addr) {
			n.doc.Nodes = append(n.doc.Nodes[:i], n.doc.Nodes[i+1:]...)
			n.touch()
			return node, nil
		}
	}
	return Node{}, fmt.Errorf("%w: %04X", ErrNodeNotFound, addr)
}

// UpdateNode applies fn to the node owning addr.
func (n *Network) UpdateNode(addr uint16, fn func(*Node)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.doc.Nodes {
		if n.doc.Nodes[i].Covers(addr) {
			fn(&n.doc.Nodes[i])
			n.touch()
			return nil
		}
	}
	return fmt.Errorf("%w: %04X", ErrNodeNotFound, addr)
}

// NextUnicastAddress returns the lowest address of a free block of
// elements consecutive addresses inside the provisioner's ranges.
func (n *Network) NextUnicastAddress(elements uint8) (uint16, error) {
	if elements == 0 {
		return 0, ErrInvalidElementNum
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.doc.Provisioners) == 0 {
		return 0, ErrNoProvisioner
	}

	for _, r := range n.doc.Provisioners[0].UnicastRanges {
		addr := uint32(r.Low)
		for addr+uint32(elements)-1 <= uint32(r.High) {
			if end, busy := n.occupiedAt(uint16(addr), elements); busy {
				addr = uint32(end) + 1
				continue
			}
			return uint16(addr), nil
		}
	}
	return 0, fmt.Errorf("%w: %d elements", ErrAddressExhausted, elements)
}

// Reserve holds [addr, addr+elements) for an in-flight provisioning.
func (n *Network) Reserve(addr uint16, elements uint8) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, busy := n.occupiedAt(addr, elements); busy {
		return fmt.Errorf("%w: %04X+%d", ErrAddressInUse, addr, elements)
	}
	n.reserved[addr] = elements
	return nil
}

// Release drops a reservation made with Reserve.
func (n *Network) Release(addr uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.reserved, addr)
}

// occupiedAt returns the last occupied address of the first node or
// reservation overlapping [addr, addr+count).
func (n *Network) occupiedAt(addr uint16, count uint8) (uint16, bool) {
	lo, hi := uint32(addr), uint32(addr)+uint32(count)-1
	var end uint32
	var busy bool
	check := func(start uint16, size uint8) {
		s, e := uint32(start), uint32(start)+uint32(size)-1
		if s <= hi && lo <= e && e >= end {
			end, busy = e, true
		}
	}
	for _, node := range n.doc.Nodes {
		check(uint16(node.UnicastAddress), node.ElementCount())
	}
	for start, size := range n.reserved {
		check(start, size)
	}
	return uint16(end), busy
}

func (n *Network) overlapsNode(addr uint16, count uint8) bool {
	lo, hi := uint32(addr), uint32(addr)+uint32(count)-1
	for _, node := range n.doc.Nodes {
		s := uint32(node.UnicastAddress)
		e := s + uint32(node.ElementCount()) - 1
		if s <= hi && lo <= e {
			return true
		}
	}
	return false
}

func (n *Network) touch() {
	n.doc.Timestamp = time.Now().UTC()
}
