package wire

import "encoding/binary"

// Transition describes an optional state transition. A zero value means
// the node applies its default transition.
type Transition struct {
	// Time is the encoded Generic Default Transition Time octet.
	Time uint8
	// Delay is in 5 millisecond steps.
	Delay uint8
}

func (t *Transition) append(b []byte) []byte {
	if t == nil {
		return b
	}
	return append(b, t.Time, t.Delay)
}

// PackKeyIndexes packs two 12-bit key indexes into three octets, first in
// the low bits.
func PackKeyIndexes(first, second uint16) []byte {
	return []byte{
		byte(first),
		byte(first>>8)&0x0F | byte(second<<4),
		byte(second >> 4),
	}
}

// UnpackKeyIndexes is the inverse of PackKeyIndexes.
func UnpackKeyIndexes(b []byte) (first, second uint16) {
	first = uint16(b[0]) | uint16(b[1]&0x0F)<<8
	second = uint16(b[1]>>4) | uint16(b[2])<<4
	return first, second
}

// AppKeyAddParams encodes Config AppKey Add and Config AppKey Update.
func AppKeyAddParams(netKeyIndex, appKeyIndex uint16, key []byte) []byte {
	return append(PackKeyIndexes(netKeyIndex, appKeyIndex), key...)
}

// AppKeyDeleteParams encodes Config AppKey Delete.
func AppKeyDeleteParams(netKeyIndex, appKeyIndex uint16) []byte {
	return PackKeyIndexes(netKeyIndex, appKeyIndex)
}

// CompositionDataGetParams encodes Config Composition Data Get.
func CompositionDataGetParams(page uint8) []byte {
	return []byte{page}
}

// ModelAppParams encodes Config Model App Bind and Unbind. Vendor model
// identifiers are written company first.
func ModelAppParams(elementAddress, appKeyIndex uint16, modelID uint32) []byte {
	b := binary.LittleEndian.AppendUint16(nil, elementAddress)
	b = binary.LittleEndian.AppendUint16(b, appKeyIndex)
	return appendModelID(b, modelID)
}

func appendModelID(b []byte, modelID uint32) []byte {
	if IsVendorModel(modelID) {
		b = binary.LittleEndian.AppendUint16(b, uint16(modelID>>16))
	}
	return binary.LittleEndian.AppendUint16(b, uint16(modelID))
}

// HeartbeatPublication holds the Config Heartbeat Publication Set fields.
type HeartbeatPublication struct {
	Destination uint16
	// CountLog and PeriodLog are log2-encoded as on the air.
	CountLog    uint8
	PeriodLog   uint8
	TTL         uint8
	Features    uint16
	NetKeyIndex uint16
}

// HeartbeatPublicationSetParams encodes Config Heartbeat Publication Set.
func HeartbeatPublicationSetParams(p HeartbeatPublication) []byte {
	b := binary.LittleEndian.AppendUint16(nil, p.Destination)
	b = append(b, p.CountLog, p.PeriodLog, p.TTL)
	b = binary.LittleEndian.AppendUint16(b, p.Features)
	return binary.LittleEndian.AppendUint16(b, p.NetKeyIndex&0x0FFF)
}

// OnOffSetParams encodes Generic OnOff Set and Set Unacknowledged.
func OnOffSetParams(on bool, tid uint8, tr *Transition) []byte {
	var v byte
	if on {
		v = 1
	}
	return tr.append([]byte{v, tid})
}

// LevelSetParams encodes Generic Level Set and Set Unacknowledged.
func LevelSetParams(level int16, tid uint8, tr *Transition) []byte {
	b := binary.LittleEndian.AppendUint16(nil, uint16(level))
	return tr.append(append(b, tid))
}

// PowerLevelSetParams encodes Generic Power Level Set and Set Unacknowledged.
func PowerLevelSetParams(power uint16, tid uint8, tr *Transition) []byte {
	b := binary.LittleEndian.AppendUint16(nil, power)
	return tr.append(append(b, tid))
}

// HSL is a Light HSL state.
type HSL struct {
	Lightness  uint16
	Hue        uint16
	Saturation uint16
}

// HSLSetParams encodes Light HSL Set and Set Unacknowledged.
func HSLSetParams(v HSL, tid uint8, tr *Transition) []byte {
	b := binary.LittleEndian.AppendUint16(nil, v.Lightness)
	b = binary.LittleEndian.AppendUint16(b, v.Hue)
	b = binary.LittleEndian.AppendUint16(b, v.Saturation)
	return tr.append(append(b, tid))
}

// CTL is a Light CTL state.
type CTL struct {
	Lightness   uint16
	Temperature uint16
	DeltaUV     int16
}

// CTLSetParams encodes Light CTL Set and Set Unacknowledged.
func CTLSetParams(v CTL, tid uint8, tr *Transition) []byte {
	b := binary.LittleEndian.AppendUint16(nil, v.Lightness)
	b = binary.LittleEndian.AppendUint16(b, v.Temperature)
	b = binary.LittleEndian.AppendUint16(b, uint16(v.DeltaUV))
	return tr.append(append(b, tid))
}

// CTLTemperatureRangeSetParams encodes Light CTL Temperature Range Set.
func CTLTemperatureRangeSetParams(min, max uint16) []byte {
	b := binary.LittleEndian.AppendUint16(nil, min)
	return binary.LittleEndian.AppendUint16(b, max)
}

// HealthFaultGetParams encodes Health Fault Get and Health Fault Clear.
func HealthFaultGetParams(companyID uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, companyID)
}
