package wire

import (
	"errors"
	"fmt"
)

// Opcode identifies an access message. Vendor opcodes carry the first
// octet in bits 16..23 and the company identifier in bits 0..15.
type Opcode uint32

// Configuration model opcodes.
const (
	OpConfigAppKeyAdd                  Opcode = 0x00
	OpConfigAppKeyUpdate               Opcode = 0x01
	OpConfigCompositionDataStatus      Opcode = 0x02
	OpConfigHeartbeatPublicationStatus Opcode = 0x06
	OpConfigAppKeyDelete               Opcode = 0x8000
	OpConfigAppKeyGet                  Opcode = 0x8001
	OpConfigAppKeyList                 Opcode = 0x8002
	OpConfigAppKeyStatus               Opcode = 0x8003
	OpConfigCompositionDataGet         Opcode = 0x8008
	OpConfigHeartbeatPublicationGet    Opcode = 0x8038
	OpConfigHeartbeatPublicationSet    Opcode = 0x8039
	OpConfigModelAppBind               Opcode = 0x803D
	OpConfigModelAppStatus             Opcode = 0x803E
	OpConfigModelAppUnbind             Opcode = 0x803F
	OpConfigNodeReset                  Opcode = 0x8049
	OpConfigNodeResetStatus            Opcode = 0x804A
)

// Health model opcodes.
const (
	OpHealthCurrentStatus   Opcode = 0x04
	OpHealthFaultStatus     Opcode = 0x05
	OpHealthFaultClear      Opcode = 0x802F
	OpHealthFaultClearUnack Opcode = 0x8030
	OpHealthFaultGet        Opcode = 0x8031
)

// Generic and lighting model opcodes.
const (
	OpGenericOnOffGet      Opcode = 0x8201
	OpGenericOnOffSet      Opcode = 0x8202
	OpGenericOnOffSetUnack Opcode = 0x8203
	OpGenericOnOffStatus   Opcode = 0x8204

	OpGenericLevelGet      Opcode = 0x8205
	OpGenericLevelSet      Opcode = 0x8206
	OpGenericLevelSetUnack Opcode = 0x8207
	OpGenericLevelStatus   Opcode = 0x8208

	OpGenericPowerLevelGet      Opcode = 0x8215
	OpGenericPowerLevelSet      Opcode = 0x8216
	OpGenericPowerLevelSetUnack Opcode = 0x8217
	OpGenericPowerLevelStatus   Opcode = 0x8218

	OpLightCTLGet                      Opcode = 0x825D
	OpLightCTLSet                      Opcode = 0x825E
	OpLightCTLSetUnack                 Opcode = 0x825F
	OpLightCTLStatus                   Opcode = 0x8260
	OpLightCTLTemperatureRangeGet      Opcode = 0x8262
	OpLightCTLTemperatureRangeStatus   Opcode = 0x8263
	OpLightCTLTemperatureRangeSet      Opcode = 0x826B
	OpLightCTLTemperatureRangeSetUnack Opcode = 0x826C

	OpLightHSLGet      Opcode = 0x826D
	OpLightHSLSet      Opcode = 0x8276
	OpLightHSLSetUnack Opcode = 0x8277
	OpLightHSLStatus   Opcode = 0x8278
)

// ControlHeartbeat is the transport control opcode of a heartbeat.
const ControlHeartbeat uint8 = 0x0A

// ErrInvalidOpcode is returned when an access payload does not start with
// a valid opcode.
var ErrInvalidOpcode = errors.New("invalid opcode")

var opcodeNames = map[Opcode]string{
	OpConfigAppKeyAdd:                  "CONFIG_APPKEY_ADD",
	OpConfigAppKeyUpdate:               "CONFIG_APPKEY_UPDATE",
	OpConfigCompositionDataStatus:      "CONFIG_COMPOSITION_DATA_STATUS",
	OpConfigHeartbeatPublicationStatus: "CONFIG_HEARTBEAT_PUBLICATION_STATUS",
	OpConfigAppKeyDelete:               "CONFIG_APPKEY_DELETE",
	OpConfigAppKeyGet:                  "CONFIG_APPKEY_GET",
	OpConfigAppKeyList:                 "CONFIG_APPKEY_LIST",
	OpConfigAppKeyStatus:               "CONFIG_APPKEY_STATUS",
	OpConfigCompositionDataGet:         "CONFIG_COMPOSITION_DATA_GET",
	OpConfigHeartbeatPublicationGet:    "CONFIG_HEARTBEAT_PUBLICATION_GET",
	OpConfigHeartbeatPublicationSet:    "CONFIG_HEARTBEAT_PUBLICATION_SET",
	OpConfigModelAppBind:               "CONFIG_MODEL_APP_BIND",
	OpConfigModelAppStatus:             "CONFIG_MODEL_APP_STATUS",
	OpConfigModelAppUnbind:             "CONFIG_MODEL_APP_UNBIND",
	OpConfigNodeReset:                  "CONFIG_NODE_RESET",
	OpConfigNodeResetStatus:            "CONFIG_NODE_RESET_STATUS",
	OpHealthCurrentStatus:              "HEALTH_CURRENT_STATUS",
	OpHealthFaultStatus:                "HEALTH_FAULT_STATUS",
	OpHealthFaultClear:                 "HEALTH_FAULT_CLEAR",
	OpHealthFaultClearUnack:            "HEALTH_FAULT_CLEAR_UNACK",
	OpHealthFaultGet:                   "HEALTH_FAULT_GET",
	OpGenericOnOffGet:                  "GENERIC_ONOFF_GET",
	OpGenericOnOffSet:                  "GENERIC_ONOFF_SET",
	OpGenericOnOffSetUnack:             "GENERIC_ONOFF_SET_UNACK",
	OpGenericOnOffStatus:               "GENERIC_ONOFF_STATUS",
	OpGenericLevelGet:                  "GENERIC_LEVEL_GET",
	OpGenericLevelSet:                  "GENERIC_LEVEL_SET",
	OpGenericLevelSetUnack:             "GENERIC_LEVEL_SET_UNACK",
	OpGenericLevelStatus:               "GENERIC_LEVEL_STATUS",
	OpGenericPowerLevelGet:             "GENERIC_POWER_LEVEL_GET",
	OpGenericPowerLevelSet:             "GENERIC_POWER_LEVEL_SET",
	OpGenericPowerLevelSetUnack:        "GENERIC_POWER_LEVEL_SET_UNACK",
	OpGenericPowerLevelStatus:          "GENERIC_POWER_LEVEL_STATUS",
	OpLightCTLGet:                      "LIGHT_CTL_GET",
	OpLightCTLSet:                      "LIGHT_CTL_SET",
	OpLightCTLSetUnack:                 "LIGHT_CTL_SET_UNACK",
	OpLightCTLStatus:                   "LIGHT_CTL_STATUS",
	OpLightCTLTemperatureRangeGet:      "LIGHT_CTL_TEMPERATURE_RANGE_GET",
	OpLightCTLTemperatureRangeStatus:   "LIGHT_CTL_TEMPERATURE_RANGE_STATUS",
	OpLightCTLTemperatureRangeSet:      "LIGHT_CTL_TEMPERATURE_RANGE_SET",
	OpLightCTLTemperatureRangeSetUnack: "LIGHT_CTL_TEMPERATURE_RANGE_SET_UNACK",
	OpLightHSLGet:                      "LIGHT_HSL_GET",
	OpLightHSLSet:                      "LIGHT_HSL_SET",
	OpLightHSLSetUnack:                 "LIGHT_HSL_SET_UNACK",
	OpLightHSLStatus:                   "LIGHT_HSL_STATUS",
}

// String returns the opcode name, or its hex value when unnamed.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	if o.IsVendor() {
		return fmt.Sprintf("VENDOR_0x%02X_%04X", uint8(o>>16)&0x3F, o.CompanyID())
	}
	return fmt.Sprintf("0x%04X", uint32(o))
}

// VendorOpcode builds a three-octet opcode from its 6-bit opcode number and
// company identifier.
func VendorOpcode(op uint8, companyID uint16) Opcode {
	return Opcode(uint32(0xC0|op&0x3F)<<16 | uint32(companyID))
}

// IsVendor reports whether o is a three-octet vendor opcode.
func (o Opcode) IsVendor() bool {
	return o>>16&0xC0 == 0xC0
}

// CompanyID returns the company identifier of a vendor opcode.
func (o Opcode) CompanyID() uint16 {
	if !o.IsVendor() {
		return 0
	}
	return uint16(o)
}

// Size returns the number of octets o occupies on the air.
func (o Opcode) Size() int {
	switch {
	case o.IsVendor():
		return 3
	case o >= 0x8000:
		return 2
	default:
		return 1
	}
}

// AppendOpcode appends the on-air encoding of o to b.
func AppendOpcode(b []byte, o Opcode) []byte {
	switch o.Size() {
	case 3:
		company := o.CompanyID()
		return append(b, byte(o>>16), byte(company), byte(company>>8))
	case 2:
		return append(b, byte(o>>8), byte(o))
	default:
		return append(b, byte(o))
	}
}

// ParseOpcode reads an opcode from the start of an access payload and
// returns it together with the remaining parameters.
func ParseOpcode(b []byte) (Opcode, []byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("%w: empty payload", ErrInvalidOpcode)
	}
	switch first := b[0]; {
	case first == 0x7F:
		return 0, nil, fmt.Errorf("%w: 0x7F is reserved", ErrInvalidOpcode)
	case first&0xC0 == 0xC0:
		if len(b) < 3 {
			return 0, nil, fmt.Errorf("%w: truncated vendor opcode", ErrInvalidOpcode)
		}
		return VendorOpcode(first, uint16(b[1])|uint16(b[2])<<8), b[3:], nil
	case first&0x80 == 0x80:
		if len(b) < 2 {
			return 0, nil, fmt.Errorf("%w: truncated opcode", ErrInvalidOpcode)
		}
		return Opcode(uint16(first)<<8 | uint16(b[1])), b[2:], nil
	default:
		return Opcode(first), b[1:], nil
	}
}
