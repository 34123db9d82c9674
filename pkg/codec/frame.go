package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FrameType identifies the content of a frame.
type FrameType uint8

const (
	FrameAccess FrameType = iota + 1
	FrameControl
	FrameProvisioningInvite
	FrameProvisioningCapabilities
	FrameProvisioningStart
	FrameProvisioningComplete
	FrameProvisioningFailed
)

var frameTypeNames = map[FrameType]string{
	FrameAccess:                   "ACCESS",
	FrameControl:                  "CONTROL",
	FrameProvisioningInvite:       "PROV_INVITE",
	FrameProvisioningCapabilities: "PROV_CAPABILITIES",
	FrameProvisioningStart:        "PROV_START",
	FrameProvisioningComplete:     "PROV_COMPLETE",
	FrameProvisioningFailed:       "PROV_FAILED",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FRAME(%d)", uint8(t))
}

// IsProvisioning reports whether t travels as a provisioning PDU.
func (t FrameType) IsProvisioning() bool {
	return t >= FrameProvisioningInvite
}

// Frame is the unit carried inside a reassembled proxy PDU.
// Integer keys keep frames compact on small-MTU links.
type Frame struct {
	Type FrameType `cbor:"1,keyasint"`

	// Network frames.
	NetworkID   []byte  `cbor:"2,keyasint,omitempty"`
	Src         uint16  `cbor:"3,keyasint,omitempty"`
	Dst         uint16  `cbor:"4,keyasint,omitempty"`
	AppKeyIndex uint16  `cbor:"5,keyasint,omitempty"`
	Access      []byte  `cbor:"6,keyasint,omitempty"`
	ModelID     *uint32 `cbor:"7,keyasint,omitempty"`
	Control     []byte  `cbor:"8,keyasint,omitempty"`

	// Provisioning frames.
	UUID         []byte `cbor:"10,keyasint,omitempty"`
	Attention    uint8  `cbor:"11,keyasint,omitempty"`
	Capabilities []byte `cbor:"12,keyasint,omitempty"`
	Unicast      uint16 `cbor:"13,keyasint,omitempty"`
	NetKeyIndex  uint16 `cbor:"14,keyasint,omitempty"`
	NetKey       []byte `cbor:"15,keyasint,omitempty"`
	IVIndex      uint32 `cbor:"16,keyasint,omitempty"`
	DeviceKey    []byte `cbor:"17,keyasint,omitempty"`
	Reason       uint8  `cbor:"18,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// MarshalFrame encodes f.
func MarshalFrame(f Frame) ([]byte, error) {
	return encMode.Marshal(f)
}

// UnmarshalFrame decodes a frame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == 0 {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// PDUType returns the proxy PDU type a frame of type t is carried in.
func (t FrameType) PDUType() PDUType {
	if t.IsProvisioning() {
		return PDUProvisioning
	}
	return PDUNetwork
}
