package wire

import (
	"encoding/binary"
	"fmt"
)

// CapabilitiesSize is the length of a Provisioning Capabilities PDU body.
const CapabilitiesSize = 11

// OOBType names an authentication method a device supports.
type OOBType string

const (
	OOBNone   OOBType = "no-oob"
	OOBStatic OOBType = "static-oob"
	OOBOutput OOBType = "output-oob"
	OOBInput  OOBType = "input-oob"
)

// Capabilities is the body of a Provisioning Capabilities PDU.
// Provisioning PDUs are big-endian.
type Capabilities struct {
	NumberOfElements uint8  `json:"numberOfElements"`
	Algorithms       uint16 `json:"algorithms"`
	PublicKeyType    uint8  `json:"publicKeyType"`
	StaticOOBTypes   uint8  `json:"staticOobTypes"`
	OutputOOBSize    uint8  `json:"outputOobSize"`
	OutputOOBActions uint16 `json:"outputOobActions"`
	InputOOBSize     uint8  `json:"inputOobSize"`
	InputOOBActions  uint16 `json:"inputOobActions"`
}

// ParseCapabilities decodes a Provisioning Capabilities PDU body.
func ParseCapabilities(b []byte) (Capabilities, error) {
	if len(b) < CapabilitiesSize {
		return Capabilities{}, fmt.Errorf("%w: capabilities needs %d, got %d", ErrShortParams, CapabilitiesSize, len(b))
	}
	c := Capabilities{
		NumberOfElements: b[0],
		Algorithms:       binary.BigEndian.Uint16(b[1:]),
		PublicKeyType:    b[3],
		StaticOOBTypes:   b[4],
		OutputOOBSize:    b[5],
		OutputOOBActions: binary.BigEndian.Uint16(b[6:]),
		InputOOBSize:     b[8],
		InputOOBActions:  binary.BigEndian.Uint16(b[9:]),
	}
	if c.NumberOfElements == 0 {
		return Capabilities{}, fmt.Errorf("%w: zero elements", ErrInvalidPayload)
	}
	return c, nil
}

// Bytes encodes c as a Provisioning Capabilities PDU body.
func (c Capabilities) Bytes() []byte {
	b := make([]byte, 0, CapabilitiesSize)
	b = append(b, c.NumberOfElements)
	b = binary.BigEndian.AppendUint16(b, c.Algorithms)
	b = append(b, c.PublicKeyType, c.StaticOOBTypes, c.OutputOOBSize)
	b = binary.BigEndian.AppendUint16(b, c.OutputOOBActions)
	b = append(b, c.InputOOBSize)
	return binary.BigEndian.AppendUint16(b, c.InputOOBActions)
}

// AvailableOOBTypes lists the authentication methods the device accepts.
// No-OOB is always available.
func (c Capabilities) AvailableOOBTypes() []OOBType {
	types := []OOBType{OOBNone}
	if c.StaticOOBTypes&0x01 != 0 {
		types = append(types, OOBStatic)
	}
	if c.OutputOOBSize > 0 && c.OutputOOBActions != 0 {
		types = append(types, OOBOutput)
	}
	if c.InputOOBSize > 0 && c.InputOOBActions != 0 {
		types = append(types, OOBInput)
	}
	return types
}
