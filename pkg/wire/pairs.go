package wire

// configPairs maps acknowledged configuration requests to their status.
var configPairs = map[Opcode]Opcode{
	OpConfigAppKeyAdd:               OpConfigAppKeyStatus,
	OpConfigAppKeyUpdate:            OpConfigAppKeyStatus,
	OpConfigAppKeyDelete:            OpConfigAppKeyStatus,
	OpConfigCompositionDataGet:      OpConfigCompositionDataStatus,
	OpConfigNodeReset:               OpConfigNodeResetStatus,
	OpConfigModelAppBind:            OpConfigModelAppStatus,
	OpConfigModelAppUnbind:          OpConfigModelAppStatus,
	OpConfigHeartbeatPublicationGet: OpConfigHeartbeatPublicationStatus,
	OpConfigHeartbeatPublicationSet: OpConfigHeartbeatPublicationStatus,
}

// modelPairs maps acknowledged SIG model requests to their status.
var modelPairs = map[Opcode]Opcode{
	OpGenericOnOffGet:             OpGenericOnOffStatus,
	OpGenericOnOffSet:             OpGenericOnOffStatus,
	OpGenericLevelGet:             OpGenericLevelStatus,
	OpGenericLevelSet:             OpGenericLevelStatus,
	OpGenericPowerLevelGet:        OpGenericPowerLevelStatus,
	OpGenericPowerLevelSet:        OpGenericPowerLevelStatus,
	OpLightHSLGet:                 OpLightHSLStatus,
	OpLightHSLSet:                 OpLightHSLStatus,
	OpLightCTLGet:                 OpLightCTLStatus,
	OpLightCTLSet:                 OpLightCTLStatus,
	OpLightCTLTemperatureRangeGet: OpLightCTLTemperatureRangeStatus,
	OpLightCTLTemperatureRangeSet: OpLightCTLTemperatureRangeStatus,
	OpHealthFaultGet:              OpHealthFaultStatus,
	OpHealthFaultClear:            OpHealthFaultStatus,
}

// ResponseOpcode returns the status opcode a node answers an acknowledged
// request with. ok is false for unacknowledged, vendor and unknown opcodes.
func ResponseOpcode(request Opcode) (Opcode, bool) {
	if op, ok := configPairs[request]; ok {
		return op, true
	}
	op, ok := modelPairs[request]
	return op, ok
}

// IsConfig reports whether op belongs to the configuration model family.
// Configuration messages are secured with the device key.
func IsConfig(op Opcode) bool {
	if _, ok := configPairs[op]; ok {
		return true
	}
	for _, status := range configPairs {
		if status == op {
			return true
		}
	}
	return op == OpConfigAppKeyGet || op == OpConfigAppKeyList
}
