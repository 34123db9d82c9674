package meshsim

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"github.com/meshlink/meshlink-go/pkg/codec"
	"github.com/meshlink/meshlink-go/pkg/network"
	"github.com/meshlink/meshlink-go/pkg/wire"
)

// Config status codes a simulated node answers with.
const (
	StatusSuccess            uint8 = 0x00
	StatusInvalidAppKeyIndex uint8 = 0x03
)

// SIG model identifiers present on every element of a simulated node.
var defaultModels = []uint32{0x0000, 0x0002, 0x1000, 0x1002, 0x1009, 0x1300, 0x1307}

// Handlers are optional overrides for a device's behavior.
type Handlers struct {
	// OnVendor answers a vendor model message. Returning ok=false sends
	// nothing.
	OnVendor func(op wire.Opcode, modelID uint32, params []byte) (resp wire.Opcode, out []byte, ok bool)
}

// Device is a simulated mesh device. It starts unprovisioned and becomes a
// node once a provisioner hands it provisioning data.
type Device struct {
	// Address is the device's radio address.
	Address string
	Name    string
	RSSI    int16
	UUID    uuid.UUID
	OOBInfo uint16

	Capabilities wire.Capabilities

	CompanyID uint16
	ProductID uint16
	VersionID uint16
	Features  uint16

	Handlers Handlers

	mu          sync.Mutex
	provisioned bool
	netKey      network.Key
	netKeyIndex uint16
	unicast     uint16
	devKey      network.Key
	ivIndex     uint32
	appKeys     map[uint16]bool
	bindings    map[binding]bool
	publication wire.HeartbeatPublication

	silent     bool
	failReason uint8
	inRange    bool

	onOff     bool
	level     int16
	power     uint16
	hsl       wire.HSL
	ctl       wire.CTL
	tempRange [2]uint16
	faults    []uint8

	received []wire.AccessMessage
}

type binding struct {
	element uint16
	appKey  uint16
	model   uint32
}

// NewDevice returns an unprovisioned proxy-capable device with the given
// number of elements.
func NewDevice(address string, id uuid.UUID, elements uint8) *Device {
	if elements == 0 {
		elements = 1
	}
	return &Device{
		Address:      address,
		Name:         "sim-" + address,
		RSSI:         -60,
		UUID:         id,
		Capabilities: wire.Capabilities{NumberOfElements: elements, Algorithms: 0x0001},
		CompanyID:    0x05F1,
		ProductID:    0x0001,
		VersionID:    0x0001,
		Features:     wire.FeatureRelay | wire.FeatureProxy,
		appKeys:      make(map[uint16]bool),
		bindings:     make(map[binding]bool),
		inRange:      true,
		tempRange:    [2]uint16{800, 20000},
	}
}

// Provision makes d a node of the network secured by data.NetKey.
func (d *Device) Provision(data codec.ProvisioningData) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.provisioned = true
	d.netKey = data.NetKey
	d.netKeyIndex = data.NetKeyIndex
	d.unicast = data.UnicastAddress
	d.devKey = data.DeviceKey
	d.ivIndex = data.IVIndex
}

// Unprovision returns d to the unprovisioned state.
func (d *Device) Unprovision() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unprovision()
}

func (d *Device) unprovision() {
	d.provisioned = false
	d.netKey = network.Key{}
	d.unicast = 0
	d.devKey = network.Key{}
	d.appKeys = make(map[uint16]bool)
	d.bindings = make(map[binding]bool)
	d.publication = wire.HeartbeatPublication{}
}

// Provisioned reports whether d is a node and returns its primary address.
func (d *Device) Provisioned() (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unicast, d.provisioned
}

// SetSilent makes d drop every request without answering.
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

// FailProvisioning makes the next provisioning start fail with reason.
// Zero restores normal behavior.
func (d *Device) FailProvisioning(reason uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failReason = reason
}

// SetInRange controls whether d advertises and accepts connections.
func (d *Device) SetInRange(in bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inRange = in
}

// SetFaults sets the registered health faults.
func (d *Device) SetFaults(faults ...uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = append([]uint8(nil), faults...)
}

// OnOff returns the Generic OnOff state.
func (d *Device) OnOff() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onOff
}

// Level returns the Generic Level state.
func (d *Device) Level() int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// HasAppKey reports whether the node holds the application key.
func (d *Device) HasAppKey(index uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appKeys[index]
}

// IsBound reports whether an application key is bound to a model.
func (d *Device) IsBound(element, appKey uint16, modelID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bindings[binding{element, appKey, modelID}]
}

// Publication returns the heartbeat publication state.
func (d *Device) Publication() wire.HeartbeatPublication {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.publication
}

// Received returns the access messages the node processed.
func (d *Device) Received() []wire.AccessMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]wire.AccessMessage(nil), d.received...)
}

// advertisement returns the service data d currently advertises.
func (d *Device) advertisement() (uint16, []byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inRange {
		return 0, nil, false
	}
	if !d.provisioned {
		data := make([]byte, 0, 18)
		data = append(data, d.UUID[:]...)
		data = binary.BigEndian.AppendUint16(data, d.OOBInfo)
		return serviceProvisioning, data, true
	}
	if d.Features&wire.FeatureProxy == 0 {
		return 0, nil, false
	}
	return serviceProxy, codec.NetworkIdentityData(d.netKey), true
}

// covers reports whether addr is one of d's element addresses in the
// network identified by networkID.
func (d *Device) covers(networkID []byte, addr uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.provisioned || !d.inRange || !sameID(codec.NetworkID(d.netKey), networkID) {
		return false
	}
	if addr == wire.AddressAllNodes {
		return true
	}
	return addr >= d.unicast && uint32(addr) < uint32(d.unicast)+uint32(d.Capabilities.NumberOfElements)
}

func sameID(a, b []byte) bool {
	return string(a) == string(b)
}

// handleProvisioning answers a provisioning frame.
func (d *Device) handleProvisioning(f codec.Frame) []codec.Frame {
	id, err := uuid.FromBytes(f.UUID)
	if err != nil || id != d.UUID {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.silent {
		return nil
	}

	switch f.Type {
	case codec.FrameProvisioningInvite:
		return []codec.Frame{{
			Type:         codec.FrameProvisioningCapabilities,
			UUID:         d.UUID[:],
			Capabilities: d.Capabilities.Bytes(),
		}}

	case codec.FrameProvisioningStart:
		if reason := d.failReason; reason != 0 {
			d.failReason = 0
			return []codec.Frame{{Type: codec.FrameProvisioningFailed, UUID: d.UUID[:], Reason: reason}}
		}
		d.provisioned = true
		copy(d.netKey[:], f.NetKey)
		copy(d.devKey[:], f.DeviceKey)
		d.netKeyIndex = f.NetKeyIndex
		d.unicast = f.Unicast
		d.ivIndex = f.IVIndex
		return []codec.Frame{{Type: codec.FrameProvisioningComplete, UUID: d.UUID[:], Unicast: f.Unicast}}
	}
	return nil
}

// handleAccess processes an access message addressed to one of d's
// elements and returns the reply, if any. reset is true when the node
// left the network after answering.
func (d *Device) handleAccess(msg wire.AccessMessage) (reply *wire.AccessMessage, reset bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.received = append(d.received, msg)
	if d.silent {
		return nil, false
	}

	src := msg.Dst
	if !wire.IsUnicast(src) {
		src = d.unicast
	}
	answer := func(op wire.Opcode, params []byte) *wire.AccessMessage {
		return &wire.AccessMessage{Src: src, Dst: msg.Src, AppKeyIndex: msg.AppKeyIndex, Opcode: op, Params: params}
	}
	p := msg.Params

	if msg.Opcode.IsVendor() {
		if d.Handlers.OnVendor == nil {
			return nil, false
		}
		op, out, ok := d.Handlers.OnVendor(msg.Opcode, msg.ModelID, p)
		if !ok {
			return nil, false
		}
		r := answer(op, out)
		r.ModelID, r.HasModelID = msg.ModelID, msg.HasModelID
		return r, false
	}

	switch msg.Opcode {
	case wire.OpConfigAppKeyAdd, wire.OpConfigAppKeyUpdate, wire.OpConfigAppKeyDelete:
		if len(p) < 3 {
			return nil, false
		}
		net, app := wire.UnpackKeyIndexes(p[:3])
		status := StatusSuccess
		switch msg.Opcode {
		case wire.OpConfigAppKeyAdd:
			d.appKeys[app] = true
		case wire.OpConfigAppKeyUpdate:
			if !d.appKeys[app] {
				status = StatusInvalidAppKeyIndex
			}
		case wire.OpConfigAppKeyDelete:
			delete(d.appKeys, app)
		}
		return answer(wire.OpConfigAppKeyStatus, append([]byte{status}, wire.PackKeyIndexes(net, app)...)), false

	case wire.OpConfigCompositionDataGet:
		return answer(wire.OpConfigCompositionDataStatus, d.composition()), false

	case wire.OpConfigModelAppBind, wire.OpConfigModelAppUnbind:
		if len(p) < 6 {
			return nil, false
		}
		b := binding{
			element: binary.LittleEndian.Uint16(p),
			appKey:  binary.LittleEndian.Uint16(p[2:]) & 0x0FFF,
		}
		if len(p) >= 8 {
			b.model = wire.VendorModelID(binary.LittleEndian.Uint16(p[4:]), binary.LittleEndian.Uint16(p[6:]))
		} else {
			b.model = uint32(binary.LittleEndian.Uint16(p[4:]))
		}
		status := StatusSuccess
		switch {
		case !d.appKeys[b.appKey]:
			status = StatusInvalidAppKeyIndex
		case msg.Opcode == wire.OpConfigModelAppBind:
			d.bindings[b] = true
		default:
			delete(d.bindings, b)
		}
		return answer(wire.OpConfigModelAppStatus, append([]byte{status}, p...)), false

	case wire.OpConfigHeartbeatPublicationSet:
		if len(p) < 9 {
			return nil, false
		}
		d.publication = wire.HeartbeatPublication{
			Destination: binary.LittleEndian.Uint16(p),
			CountLog:    p[2],
			PeriodLog:   p[3],
			TTL:         p[4],
			Features:    binary.LittleEndian.Uint16(p[5:]),
			NetKeyIndex: binary.LittleEndian.Uint16(p[7:]) & 0x0FFF,
		}
		return answer(wire.OpConfigHeartbeatPublicationStatus, append([]byte{StatusSuccess}, p[:9]...)), false

	case wire.OpConfigHeartbeatPublicationGet:
		return answer(wire.OpConfigHeartbeatPublicationStatus,
			append([]byte{StatusSuccess}, wire.HeartbeatPublicationSetParams(d.publication)...)), false

	case wire.OpConfigNodeReset:
		r := answer(wire.OpConfigNodeResetStatus, nil)
		return r, true

	case wire.OpGenericOnOffSet, wire.OpGenericOnOffSetUnack:
		if len(p) < 1 {
			return nil, false
		}
		d.onOff = p[0] == 1
		if msg.Opcode == wire.OpGenericOnOffSetUnack {
			return nil, false
		}
		fallthrough
	case wire.OpGenericOnOffGet:
		return answer(wire.OpGenericOnOffStatus, []byte{boolByte(d.onOff)}), false

	case wire.OpGenericLevelSet, wire.OpGenericLevelSetUnack:
		if len(p) < 2 {
			return nil, false
		}
		d.level = int16(binary.LittleEndian.Uint16(p))
		if msg.Opcode == wire.OpGenericLevelSetUnack {
			return nil, false
		}
		fallthrough
	case wire.OpGenericLevelGet:
		return answer(wire.OpGenericLevelStatus, binary.LittleEndian.AppendUint16(nil, uint16(d.level))), false

	case wire.OpGenericPowerLevelSet, wire.OpGenericPowerLevelSetUnack:
		if len(p) < 2 {
			return nil, false
		}
		d.power = binary.LittleEndian.Uint16(p)
		if msg.Opcode == wire.OpGenericPowerLevelSetUnack {
			return nil, false
		}
		fallthrough
	case wire.OpGenericPowerLevelGet:
		return answer(wire.OpGenericPowerLevelStatus, binary.LittleEndian.AppendUint16(nil, d.power)), false

	case wire.OpLightHSLSet, wire.OpLightHSLSetUnack:
		if len(p) < 6 {
			return nil, false
		}
		d.hsl = wire.HSL{
			Lightness:  binary.LittleEndian.Uint16(p),
			Hue:        binary.LittleEndian.Uint16(p[2:]),
			Saturation: binary.LittleEndian.Uint16(p[4:]),
		}
		if msg.Opcode == wire.OpLightHSLSetUnack {
			return nil, false
		}
		fallthrough
	case wire.OpLightHSLGet:
		b := binary.LittleEndian.AppendUint16(nil, d.hsl.Lightness)
		b = binary.LittleEndian.AppendUint16(b, d.hsl.Hue)
		b = binary.LittleEndian.AppendUint16(b, d.hsl.Saturation)
		return answer(wire.OpLightHSLStatus, b), false

	case wire.OpLightCTLSet, wire.OpLightCTLSetUnack:
		if len(p) < 6 {
			return nil, false
		}
		d.ctl = wire.CTL{
			Lightness:   binary.LittleEndian.Uint16(p),
			Temperature: binary.LittleEndian.Uint16(p[2:]),
			DeltaUV:     int16(binary.LittleEndian.Uint16(p[4:])),
		}
		if msg.Opcode == wire.OpLightCTLSetUnack {
			return nil, false
		}
		fallthrough
	case wire.OpLightCTLGet:
		b := binary.LittleEndian.AppendUint16(nil, d.ctl.Lightness)
		b = binary.LittleEndian.AppendUint16(b, d.ctl.Temperature)
		return answer(wire.OpLightCTLStatus, b), false

	case wire.OpLightCTLTemperatureRangeSet, wire.OpLightCTLTemperatureRangeSetUnack:
		if len(p) < 4 {
			return nil, false
		}
		d.tempRange = [2]uint16{binary.LittleEndian.Uint16(p), binary.LittleEndian.Uint16(p[2:])}
		if msg.Opcode == wire.OpLightCTLTemperatureRangeSetUnack {
			return nil, false
		}
		fallthrough
	case wire.OpLightCTLTemperatureRangeGet:
		b := binary.LittleEndian.AppendUint16([]byte{StatusSuccess}, d.tempRange[0])
		b = binary.LittleEndian.AppendUint16(b, d.tempRange[1])
		return answer(wire.OpLightCTLTemperatureRangeStatus, b), false

	case wire.OpHealthFaultClear, wire.OpHealthFaultClearUnack:
		d.faults = nil
		if msg.Opcode == wire.OpHealthFaultClearUnack {
			return nil, false
		}
		fallthrough
	case wire.OpHealthFaultGet:
		b := binary.LittleEndian.AppendUint16([]byte{0x00}, d.CompanyID)
		return answer(wire.OpHealthFaultStatus, append(b, d.faults...)), false
	}
	return nil, false
}

// composition encodes composition data page 0. Every element carries the
// same SIG models.
func (d *Device) composition() []byte {
	b := []byte{0x00}
	b = binary.LittleEndian.AppendUint16(b, d.CompanyID)
	b = binary.LittleEndian.AppendUint16(b, d.ProductID)
	b = binary.LittleEndian.AppendUint16(b, d.VersionID)
	b = binary.LittleEndian.AppendUint16(b, 0x000A)
	b = binary.LittleEndian.AppendUint16(b, d.Features)
	for i := uint8(0); i < d.Capabilities.NumberOfElements; i++ {
		b = binary.LittleEndian.AppendUint16(b, 0x0100+uint16(i))
		b = append(b, uint8(len(defaultModels)), 0)
		for _, m := range defaultModels {
			b = binary.LittleEndian.AppendUint16(b, uint16(m))
		}
	}
	return b
}

// heartbeat builds a heartbeat frame to dst, or false if d is not a node.
func (d *Device) heartbeat(dst uint16) (codec.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.provisioned || !d.inRange {
		return codec.Frame{}, false
	}
	ttl := d.publication.TTL
	if ttl == 0 {
		ttl = 5
	}
	return codec.Frame{
		Type:      codec.FrameControl,
		NetworkID: codec.NetworkID(d.netKey),
		Src:       d.unicast,
		Dst:       dst,
		Control:   codec.HeartbeatControl(ttl, d.Features),
	}, true
}

// accessFrame wraps a reply in a network frame of d's network.
func (d *Device) accessFrame(msg wire.AccessMessage) codec.Frame {
	d.mu.Lock()
	netID := codec.NetworkID(d.netKey)
	d.mu.Unlock()

	f := codec.Frame{
		Type:        codec.FrameAccess,
		NetworkID:   netID,
		Src:         msg.Src,
		Dst:         msg.Dst,
		AppKeyIndex: msg.AppKeyIndex,
		Access:      msg.Payload(),
	}
	if msg.HasModelID {
		id := msg.ModelID
		f.ModelID = &id
	}
	return f
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
