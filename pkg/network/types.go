package network

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Address is a 16-bit mesh address, serialized as four hex digits.
type Address uint16

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%04X", uint16(a))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error {
	v, err := strconv.ParseUint(string(b), 16, 16)
	if err != nil {
		return fmt.Errorf("address %q: %w", b, err)
	}
	*a = Address(v)
	return nil
}

// Key is a 128-bit network, application or device key.
type Key [16]byte

// NewKey returns a random key.
func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(strings.ToUpper(hex.EncodeToString(k[:]))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	if len(raw) != len(k) {
		return fmt.Errorf("key: want %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return nil
}

// ModelID is a SIG (16-bit) or vendor (32-bit) model identifier.
type ModelID uint32

// MarshalText implements encoding.TextMarshaler.
func (m ModelID) MarshalText() ([]byte, error) {
	if m > 0xFFFF {
		return []byte(fmt.Sprintf("%08X", uint32(m))), nil
	}
	return []byte(fmt.Sprintf("%04X", uint32(m))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ModelID) UnmarshalText(b []byte) error {
	v, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return fmt.Errorf("model id %q: %w", b, err)
	}
	*m = ModelID(v)
	return nil
}

// NetKey is a network key.
type NetKey struct {
	Name  string `json:"name,omitempty"`
	Index uint16 `json:"index"`
	Key   Key    `json:"key"`
}

// AppKey is an application key bound to a network key.
type AppKey struct {
	Name        string `json:"name,omitempty"`
	Index       uint16 `json:"index"`
	BoundNetKey uint16 `json:"boundNetKey"`
	Key         Key    `json:"key"`
}

// Range is an inclusive address range.
type Range struct {
	Low  Address `json:"lowAddress"`
	High Address `json:"highAddress"`
}

// Contains reports whether [addr, addr+n) lies inside r.
func (r Range) Contains(addr uint16, n uint8) bool {
	last := uint32(addr) + uint32(n) - 1
	return addr >= uint16(r.Low) && last <= uint32(r.High)
}

// Provisioner is the local controlling node.
type Provisioner struct {
	Name           string    `json:"provisionerName"`
	UUID           uuid.UUID `json:"UUID"`
	UnicastAddress Address   `json:"unicastAddress"`
	UnicastRanges  []Range   `json:"allocatedUnicastRange"`
}

// Model is a model on an element with its bound application keys.
type Model struct {
	ModelID ModelID  `json:"modelId"`
	Bind    []uint16 `json:"bind,omitempty"`
}

// Element is one addressable element of a node.
type Element struct {
	Index    int     `json:"index"`
	Location Address `json:"location"`
	Models   []Model `json:"models,omitempty"`
}

// KeyRef references a key by index.
type KeyRef struct {
	Index uint16 `json:"index"`
}

// Node is a provisioned node.
type Node struct {
	UUID           uuid.UUID `json:"UUID"`
	Name           string    `json:"name,omitempty"`
	UnicastAddress Address   `json:"unicastAddress"`
	DeviceKey      Key       `json:"deviceKey"`
	CompanyID      uint16    `json:"cid,omitempty"`
	ProductID      uint16    `json:"pid,omitempty"`
	VersionID      uint16    `json:"vid,omitempty"`
	CRPL           uint16    `json:"crpl,omitempty"`
	Features       uint16    `json:"features,omitempty"`
	Elements       []Element `json:"elements"`
	NetKeys        []KeyRef  `json:"netKeys,omitempty"`
	AppKeys        []KeyRef  `json:"appKeys,omitempty"`
}

// ElementCount returns the number of elements of n.
func (n Node) ElementCount() uint8 {
	return uint8(len(n.Elements))
}

// Covers reports whether addr is one of n's element addresses.
func (n Node) Covers(addr uint16) bool {
	start := uint16(n.UnicastAddress)
	return addr >= start && uint32(addr) < uint32(start)+uint32(len(n.Elements))
}

// HasAppKey reports whether the node holds the application key.
func (n Node) HasAppKey(index uint16) bool {
	for _, k := range n.AppKeys {
		if k.Index == index {
			return true
		}
	}
	return false
}

func (n Node) clone() Node {
	c := n
	c.Elements = make([]Element, len(n.Elements))
	for i, el := range n.Elements {
		c.Elements[i] = el
		c.Elements[i].Models = append([]Model(nil), el.Models...)
	}
	c.NetKeys = append([]KeyRef(nil), n.NetKeys...)
	c.AppKeys = append([]KeyRef(nil), n.AppKeys...)
	return c
}

// NewElements returns count empty elements.
func NewElements(count uint8) []Element {
	els := make([]Element, count)
	for i := range els {
		els[i].Index = i
	}
	return els
}
