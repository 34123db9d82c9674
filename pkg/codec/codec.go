package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/meshlink/meshlink-go/pkg/network"
	"github.com/meshlink/meshlink-go/pkg/wire"
)

// Codec errors.
var (
	ErrNoNetwork          = errors.New("no network loaded")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrForeignNetwork     = errors.New("frame from a foreign network")
	ErrUnsupportedControl = errors.New("unsupported control message")
	ErrUnexpectedFrame    = errors.New("unexpected frame type")
)

// InboundKind identifies what a decoded message carries.
type InboundKind uint8

const (
	InboundAccess InboundKind = iota + 1
	InboundHeartbeat
	InboundCapabilities
	InboundProvisioningComplete
	InboundProvisioningFailed
)

func (k InboundKind) String() string {
	switch k {
	case InboundAccess:
		return "ACCESS"
	case InboundHeartbeat:
		return "HEARTBEAT"
	case InboundCapabilities:
		return "CAPABILITIES"
	case InboundProvisioningComplete:
		return "PROVISIONING_COMPLETE"
	case InboundProvisioningFailed:
		return "PROVISIONING_FAILED"
	default:
		return fmt.Sprintf("INBOUND(%d)", uint8(k))
	}
}

// Heartbeat is a decoded heartbeat control message.
type Heartbeat struct {
	Src      uint16
	Dst      uint16
	InitTTL  uint8
	Features uint16
}

// Inbound is a decoded inbound message. Kind selects the populated fields.
type Inbound struct {
	Kind InboundKind

	Access    wire.AccessMessage
	Heartbeat Heartbeat

	// Provisioning results.
	UUID         uuid.UUID
	Capabilities wire.Capabilities
	Unicast      uint16
	Reason       uint8
}

// ProvisioningData is what a provisioner hands a device when provisioning
// starts.
type ProvisioningData struct {
	UUID           uuid.UUID
	UnicastAddress uint16
	NetKeyIndex    uint16
	NetKey         network.Key
	IVIndex        uint32
	DeviceKey      network.Key
}

// Codec converts between engine messages and transport PDUs.
type Codec interface {
	// SetNetwork selects the network whose keys secure outbound frames
	// and against which inbound frames and advertisements are checked.
	SetNetwork(n *network.Network)

	// EncodeAccess encodes an access message into proxy PDUs.
	EncodeAccess(msg wire.AccessMessage, mtu int) ([][]byte, error)

	// EncodeInvite encodes a provisioning invite asking the device to
	// identify itself for attention seconds and report its capabilities.
	EncodeInvite(id uuid.UUID, attention uint8, mtu int) ([][]byte, error)

	// EncodeProvisioningStart encodes the provisioning data for a device.
	EncodeProvisioningStart(data ProvisioningData, mtu int) ([][]byte, error)

	// Decode feeds one proxy PDU. ok is false while a segmented message is
	// still incomplete.
	Decode(pdu []byte) (msg Inbound, ok bool, err error)

	// Reset drops partially reassembled input, e.g. after a link change.
	Reset()

	// MatchesNetworkIdentity reports whether proxy service data carries
	// the loaded network's identity.
	MatchesNetworkIdentity(data []byte) bool

	// MatchesNodeIdentity reports whether proxy service data carries the
	// node identity of a node in the loaded network.
	MatchesNodeIdentity(data []byte) bool
}

// FrameCodec is the CBOR frame implementation of Codec.
type FrameCodec struct {
	mu  sync.RWMutex
	net *network.Network

	reassembler Reassembler
}

var _ Codec = (*FrameCodec)(nil)

// New creates a codec without a network.
func New() *FrameCodec {
	return &FrameCodec{}
}

// SetNetwork implements Codec.
func (c *FrameCodec) SetNetwork(n *network.Network) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.net = n
}

func (c *FrameCodec) loaded() (*network.Network, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.net == nil {
		return nil, ErrNoNetwork
	}
	return c.net, nil
}

func encode(f Frame, mtu int) ([][]byte, error) {
	data, err := MarshalFrame(f)
	if err != nil {
		return nil, err
	}
	return Segment(f.Type.PDUType(), data, mtu)
}

// EncodeAccess implements Codec. A zero source is replaced with the
// provisioner's address.
func (c *FrameCodec) EncodeAccess(msg wire.AccessMessage, mtu int) ([][]byte, error) {
	n, err := c.loaded()
	if err != nil {
		return nil, err
	}
	if msg.Src == wire.AddressUnassigned {
		msg.Src = n.ProvisionerAddress()
	}
	f := Frame{
		Type:        FrameAccess,
		NetworkID:   NetworkID(n.PrimaryNetKey().Key),
		Src:         msg.Src,
		Dst:         msg.Dst,
		AppKeyIndex: msg.AppKeyIndex,
		Access:      msg.Payload(),
	}
	if msg.HasModelID {
		id := msg.ModelID
		f.ModelID = &id
	}
	return encode(f, mtu)
}

// EncodeInvite implements Codec.
func (c *FrameCodec) EncodeInvite(id uuid.UUID, attention uint8, mtu int) ([][]byte, error) {
	return encode(Frame{
		Type:      FrameProvisioningInvite,
		UUID:      id[:],
		Attention: attention,
	}, mtu)
}

// EncodeProvisioningStart implements Codec.
func (c *FrameCodec) EncodeProvisioningStart(data ProvisioningData, mtu int) ([][]byte, error) {
	return encode(Frame{
		Type:        FrameProvisioningStart,
		UUID:        data.UUID[:],
		Unicast:     data.UnicastAddress,
		NetKeyIndex: data.NetKeyIndex,
		NetKey:      data.NetKey[:],
		IVIndex:     data.IVIndex,
		DeviceKey:   data.DeviceKey[:],
	}, mtu)
}

// Decode implements Codec.
func (c *FrameCodec) Decode(pdu []byte) (Inbound, bool, error) {
	typ, data, done, err := c.reassembler.Push(pdu)
	if err != nil || !done {
		return Inbound{}, false, err
	}

	f, err := UnmarshalFrame(data)
	if err != nil {
		return Inbound{}, false, err
	}
	if f.Type.PDUType() != typ {
		return Inbound{}, false, fmt.Errorf("%w: %s in pdu type 0x%02X", ErrUnexpectedFrame, f.Type, uint8(typ))
	}

	switch f.Type {
	case FrameAccess, FrameControl:
		return c.decodeNetwork(f)
	case FrameProvisioningCapabilities:
		id, err := frameUUID(f)
		if err != nil {
			return Inbound{}, false, err
		}
		caps, err := wire.ParseCapabilities(f.Capabilities)
		if err != nil {
			return Inbound{}, false, err
		}
		return Inbound{Kind: InboundCapabilities, UUID: id, Capabilities: caps}, true, nil
	case FrameProvisioningComplete:
		id, err := frameUUID(f)
		if err != nil {
			return Inbound{}, false, err
		}
		return Inbound{Kind: InboundProvisioningComplete, UUID: id, Unicast: f.Unicast}, true, nil
	case FrameProvisioningFailed:
		id, err := frameUUID(f)
		if err != nil {
			return Inbound{}, false, err
		}
		return Inbound{Kind: InboundProvisioningFailed, UUID: id, Reason: f.Reason}, true, nil
	default:
		return Inbound{}, false, fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Type)
	}
}

func (c *FrameCodec) decodeNetwork(f Frame) (Inbound, bool, error) {
	n, err := c.loaded()
	if err != nil {
		return Inbound{}, false, err
	}
	if !matchNetworkID(n.PrimaryNetKey().Key, append([]byte{IdentityNetwork}, f.NetworkID...)) {
		return Inbound{}, false, ErrForeignNetwork
	}

	if f.Type == FrameControl {
		hb, err := parseHeartbeat(f)
		if err != nil {
			return Inbound{}, false, err
		}
		return Inbound{Kind: InboundHeartbeat, Heartbeat: hb}, true, nil
	}

	op, params, err := wire.ParseOpcode(f.Access)
	if err != nil {
		return Inbound{}, false, err
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
	return Inbound{Kind: InboundAccess, Access: msg}, true, nil
}

func parseHeartbeat(f Frame) (Heartbeat, error) {
	if len(f.Control) == 0 || f.Control[0] != wire.ControlHeartbeat {
		return Heartbeat{}, ErrUnsupportedControl
	}
	if len(f.Control) < 4 {
		return Heartbeat{}, fmt.Errorf("%w: heartbeat", ErrMalformedFrame)
	}
	return Heartbeat{
		Src:      f.Src,
		Dst:      f.Dst,
		InitTTL:  f.Control[1] & 0x7F,
		Features: binary.BigEndian.Uint16(f.Control[2:]),
	}, nil
}

// HeartbeatControl builds the control payload of a heartbeat.
func HeartbeatControl(initTTL uint8, features uint16) []byte {
	return binary.BigEndian.AppendUint16([]byte{wire.ControlHeartbeat, initTTL & 0x7F}, features)
}

func frameUUID(f Frame) (uuid.UUID, error) {
	id, err := uuid.FromBytes(f.UUID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: uuid: %v", ErrMalformedFrame, err)
	}
	return id, nil
}

// Reset implements Codec.
func (c *FrameCodec) Reset() {
	c.reassembler.Reset()
}

// MatchesNetworkIdentity implements Codec.
func (c *FrameCodec) MatchesNetworkIdentity(data []byte) bool {
	n, err := c.loaded()
	if err != nil {
		return false
	}
	return matchNetworkID(n.PrimaryNetKey().Key, data)
}

// MatchesNodeIdentity implements Codec.
func (c *FrameCodec) MatchesNodeIdentity(data []byte) bool {
	n, err := c.loaded()
	if err != nil {
		return false
	}
	nodes := n.Nodes()
	addrs := make([]uint16, 0, len(nodes))
	for _, node := range nodes {
		addrs = append(addrs, uint16(node.UnicastAddress))
	}
	return matchNodeHash(n.PrimaryNetKey().Key, data, addrs)
}
