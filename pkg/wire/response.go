package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Decoding errors.
var (
	ErrShortParams    = errors.New("parameters too short")
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Response is a decoded status message.
type Response interface {
	Opcode() Opcode
	Source() uint16
}

// StatusCoder is implemented by responses that carry a status code.
// Zero means success.
type StatusCoder interface {
	StatusCode() uint8
}

// Header identifies the sender and receiver of a response.
type Header struct {
	Src uint16
	Dst uint16
}

// Source returns the address that sent the response.
func (h Header) Source() uint16 { return h.Src }

// AppKeyStatus answers Config AppKey Add, Update and Delete.
type AppKeyStatus struct {
	Header
	Status      uint8
	NetKeyIndex uint16
	AppKeyIndex uint16
}

func (AppKeyStatus) Opcode() Opcode      { return OpConfigAppKeyStatus }
func (s AppKeyStatus) StatusCode() uint8 { return s.Status }

// NodeResetStatus acknowledges Config Node Reset.
type NodeResetStatus struct {
	Header
}

func (NodeResetStatus) Opcode() Opcode { return OpConfigNodeResetStatus }

// ModelAppStatus answers Config Model App Bind and Unbind.
type ModelAppStatus struct {
	Header
	Status         uint8
	ElementAddress uint16
	AppKeyIndex    uint16
	ModelID        uint32
}

func (ModelAppStatus) Opcode() Opcode      { return OpConfigModelAppStatus }
func (s ModelAppStatus) StatusCode() uint8 { return s.Status }

// Feature bits of a node.
const (
	FeatureRelay    uint16 = 1 << 0
	FeatureProxy    uint16 = 1 << 1
	FeatureFriend   uint16 = 1 << 2
	FeatureLowPower uint16 = 1 << 3
)

// Element is one element of a node's composition.
type Element struct {
	Address  uint16
	Location uint16
	// Models holds SIG and vendor model identifiers, SIG first.
	Models []uint32
}

// CompositionDataStatus carries composition data page 0.
type CompositionDataStatus struct {
	Header
	Page      uint8
	CompanyID uint16
	ProductID uint16
	VersionID uint16
	CRPL      uint16
	Features  uint16
	Elements  []Element
}

func (CompositionDataStatus) Opcode() Opcode { return OpConfigCompositionDataStatus }

// Relay reports whether the relay feature is supported.
func (s CompositionDataStatus) Relay() bool { return s.Features&FeatureRelay != 0 }

// Proxy reports whether the proxy feature is supported.
func (s CompositionDataStatus) Proxy() bool { return s.Features&FeatureProxy != 0 }

// Friend reports whether the friend feature is supported.
func (s CompositionDataStatus) Friend() bool { return s.Features&FeatureFriend != 0 }

// LowPower reports whether the low power feature is supported.
func (s CompositionDataStatus) LowPower() bool { return s.Features&FeatureLowPower != 0 }

// HeartbeatPublicationStatus answers Config Heartbeat Publication Get and Set.
type HeartbeatPublicationStatus struct {
	Header
	Status uint8
	HeartbeatPublication
}

func (HeartbeatPublicationStatus) Opcode() Opcode      { return OpConfigHeartbeatPublicationStatus }
func (s HeartbeatPublicationStatus) StatusCode() uint8 { return s.Status }

// OnOffStatus answers Generic OnOff Get and Set.
type OnOffStatus struct {
	Header
	Present   bool
	Target    bool
	HasTarget bool
	Remaining uint8
}

func (OnOffStatus) Opcode() Opcode { return OpGenericOnOffStatus }

// LevelStatus answers Generic Level Get and Set.
type LevelStatus struct {
	Header
	Present   int16
	Target    int16
	HasTarget bool
	Remaining uint8
}

func (LevelStatus) Opcode() Opcode { return OpGenericLevelStatus }

// PowerLevelStatus answers Generic Power Level Get and Set.
type PowerLevelStatus struct {
	Header
	Present   uint16
	Target    uint16
	HasTarget bool
	Remaining uint8
}

func (PowerLevelStatus) Opcode() Opcode { return OpGenericPowerLevelStatus }

// HSLStatus answers Light HSL Get and Set.
type HSLStatus struct {
	Header
	HSL
	Remaining uint8
}

func (HSLStatus) Opcode() Opcode { return OpLightHSLStatus }

// CTLStatus answers Light CTL Get and Set.
type CTLStatus struct {
	Header
	Lightness         uint16
	Temperature       uint16
	TargetLightness   uint16
	TargetTemperature uint16
	HasTarget         bool
	Remaining         uint8
}

func (CTLStatus) Opcode() Opcode { return OpLightCTLStatus }

// CTLTemperatureRangeStatus answers Light CTL Temperature Range Get and Set.
type CTLTemperatureRangeStatus struct {
	Header
	Status uint8
	Min    uint16
	Max    uint16
}

func (CTLTemperatureRangeStatus) Opcode() Opcode      { return OpLightCTLTemperatureRangeStatus }
func (s CTLTemperatureRangeStatus) StatusCode() uint8 { return s.Status }

// HealthFaultStatus answers Health Fault Get and Clear.
type HealthFaultStatus struct {
	Header
	TestID    uint8
	CompanyID uint16
	Faults    []uint8
}

func (HealthFaultStatus) Opcode() Opcode { return OpHealthFaultStatus }

// VendorResponse is a vendor model message. Parameters are opaque.
type VendorResponse struct {
	Header
	VendorOpcode Opcode
	ModelID      uint32
	Params       []byte
}

func (r VendorResponse) Opcode() Opcode { return r.VendorOpcode }

// Decode decodes the parameters of msg into its typed response.
func Decode(msg AccessMessage) (Response, error) {
	h := Header{Src: msg.Src, Dst: msg.Dst}
	p := msg.Params

	if msg.Opcode.IsVendor() {
		return VendorResponse{Header: h, VendorOpcode: msg.Opcode, ModelID: msg.ModelID, Params: p}, nil
	}

	switch msg.Opcode {
	case OpConfigAppKeyStatus:
		if err := need(msg.Opcode, p, 4); err != nil {
			return nil, err
		}
		net, app := UnpackKeyIndexes(p[1:4])
		return AppKeyStatus{Header: h, Status: p[0], NetKeyIndex: net, AppKeyIndex: app}, nil

	case OpConfigNodeResetStatus:
		return NodeResetStatus{Header: h}, nil

	case OpConfigModelAppStatus:
		if err := need(msg.Opcode, p, 7); err != nil {
			return nil, err
		}
		s := ModelAppStatus{
			Header:         h,
			Status:         p[0],
			ElementAddress: binary.LittleEndian.Uint16(p[1:]),
			AppKeyIndex:    binary.LittleEndian.Uint16(p[3:]) & 0x0FFF,
		}
		if len(p) >= 9 {
			s.ModelID = VendorModelID(binary.LittleEndian.Uint16(p[5:]), binary.LittleEndian.Uint16(p[7:]))
		} else {
			s.ModelID = uint32(binary.LittleEndian.Uint16(p[5:]))
		}
		return s, nil

	case OpConfigCompositionDataStatus:
		return decodeComposition(h, p)

	case OpConfigHeartbeatPublicationStatus:
		if err := need(msg.Opcode, p, 10); err != nil {
			return nil, err
		}
		return HeartbeatPublicationStatus{
			Header: h,
			Status: p[0],
			HeartbeatPublication: HeartbeatPublication{
				Destination: binary.LittleEndian.Uint16(p[1:]),
				CountLog:    p[3],
				PeriodLog:   p[4],
				TTL:         p[5],
				Features:    binary.LittleEndian.Uint16(p[6:]),
				NetKeyIndex: binary.LittleEndian.Uint16(p[8:]) & 0x0FFF,
			},
		}, nil

	case OpGenericOnOffStatus:
		if err := need(msg.Opcode, p, 1); err != nil {
			return nil, err
		}
		s := OnOffStatus{Header: h, Present: p[0] == 1}
		if len(p) >= 3 {
			s.Target, s.HasTarget, s.Remaining = p[1] == 1, true, p[2]
		}
		return s, nil

	case OpGenericLevelStatus:
		if err := need(msg.Opcode, p, 2); err != nil {
			return nil, err
		}
		s := LevelStatus{Header: h, Present: int16(binary.LittleEndian.Uint16(p))}
		if len(p) >= 5 {
			s.Target, s.HasTarget, s.Remaining = int16(binary.LittleEndian.Uint16(p[2:])), true, p[4]
		}
		return s, nil

	case OpGenericPowerLevelStatus:
		if err := need(msg.Opcode, p, 2); err != nil {
			return nil, err
		}
		s := PowerLevelStatus{Header: h, Present: binary.LittleEndian.Uint16(p)}
		if len(p) >= 5 {
			s.Target, s.HasTarget, s.Remaining = binary.LittleEndian.Uint16(p[2:]), true, p[4]
		}
		return s, nil

	case OpLightHSLStatus:
		if err := need(msg.Opcode, p, 6); err != nil {
			return nil, err
		}
		s := HSLStatus{Header: h, HSL: HSL{
			Lightness:  binary.LittleEndian.Uint16(p),
			Hue:        binary.LittleEndian.Uint16(p[2:]),
			Saturation: binary.LittleEndian.Uint16(p[4:]),
		}}
		if len(p) >= 7 {
			s.Remaining = p[6]
		}
		return s, nil

	case OpLightCTLStatus:
		if err := need(msg.Opcode, p, 4); err != nil {
			return nil, err
		}
		s := CTLStatus{
			Header:      h,
			Lightness:   binary.LittleEndian.Uint16(p),
			Temperature: binary.LittleEndian.Uint16(p[2:]),
		}
		if len(p) >= 9 {
			s.TargetLightness = binary.LittleEndian.Uint16(p[4:])
			s.TargetTemperature = binary.LittleEndian.Uint16(p[6:])
			s.HasTarget, s.Remaining = true, p[8]
		}
		return s, nil

	case OpLightCTLTemperatureRangeStatus:
		if err := need(msg.Opcode, p, 5); err != nil {
			return nil, err
		}
		return CTLTemperatureRangeStatus{
			Header: h,
			Status: p[0],
			Min:    binary.LittleEndian.Uint16(p[1:]),
			Max:    binary.LittleEndian.Uint16(p[3:]),
		}, nil

	case OpHealthFaultStatus:
		if err := need(msg.Opcode, p, 3); err != nil {
			return nil, err
		}
		return HealthFaultStatus{
			Header:    h,
			TestID:    p[0],
			CompanyID: binary.LittleEndian.Uint16(p[1:]),
			Faults:    append([]uint8(nil), p[3:]...),
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, msg.Opcode)
}

func need(op Opcode, p []byte, n int) error {
	if len(p) < n {
		return fmt.Errorf("%w: %s needs %d, got %d", ErrShortParams, op, n, len(p))
	}
	return nil
}

func decodeComposition(h Header, p []byte) (Response, error) {
	if err := need(OpConfigCompositionDataStatus, p, 11); err != nil {
		return nil, err
	}
	s := CompositionDataStatus{
		Header:    h,
		Page:      p[0],
		CompanyID: binary.LittleEndian.Uint16(p[1:]),
		ProductID: binary.LittleEndian.Uint16(p[3:]),
		VersionID: binary.LittleEndian.Uint16(p[5:]),
		CRPL:      binary.LittleEndian.Uint16(p[7:]),
		Features:  binary.LittleEndian.Uint16(p[9:]),
	}

	rest := p[11:]
	for i := 0; len(rest) > 0; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: truncated element %d", ErrInvalidPayload, i)
		}
		numS, numV := int(rest[2]), int(rest[3])
		el := Element{
			Address:  h.Src + uint16(i),
			Location: binary.LittleEndian.Uint16(rest),
		}
		rest = rest[4:]
		if len(rest) < numS*2+numV*4 {
			return nil, fmt.Errorf("%w: truncated models of element %d", ErrInvalidPayload, i)
		}
		for j := 0; j < numS; j++ {
			el.Models = append(el.Models, uint32(binary.LittleEndian.Uint16(rest)))
			rest = rest[2:]
		}
		for j := 0; j < numV; j++ {
			el.Models = append(el.Models, VendorModelID(binary.LittleEndian.Uint16(rest), binary.LittleEndian.Uint16(rest[2:])))
			rest = rest[4:]
		}
		s.Elements = append(s.Elements, el)
	}
	return s, nil
}
