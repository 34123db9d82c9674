package service

import (
	"context"

	"github.com/meshlink/meshlink-go/pkg/wire"
)

// Model messages are secured with an application key. Sets return the
// node's status when acknowledged is true and dst is a unicast address,
// and nil otherwise.

func (e *Engine) modelMessage(dst, appKey uint16, op wire.Opcode, params []byte) (wire.AccessMessage, error) {
	if _, err := e.appKey(appKey); err != nil {
		return wire.AccessMessage{}, err
	}
	return wire.AccessMessage{Dst: dst, AppKeyIndex: appKey, Opcode: op, Params: params}, nil
}

// pick returns set when acknowledged, unack otherwise.
func pick(acknowledged bool, set, unack wire.Opcode) wire.Opcode {
	if acknowledged {
		return set
	}
	return unack
}

// SendGenericOnOffGet reads a Generic OnOff state.
func (e *Engine) SendGenericOnOffGet(ctx context.Context, dst, appKey uint16) (*wire.OnOffStatus, error) {
	msg, err := e.modelMessage(dst, appKey, wire.OpGenericOnOffGet, nil)
	if err != nil {
		return nil, err
	}
	return as[wire.OnOffStatus](e.request(ctx, msg, true))
}

// SendGenericOnOffSet switches a Generic OnOff state. tr may be nil.
func (e *Engine) SendGenericOnOffSet(ctx context.Context, dst, appKey uint16, on bool, tr *wire.Transition, acknowledged bool) (*wire.OnOffStatus, error) {
	op := pick(acknowledged, wire.OpGenericOnOffSet, wire.OpGenericOnOffSetUnack)
	msg, err := e.modelMessage(dst, appKey, op, wire.OnOffSetParams(on, e.nextTID(), tr))
	if err != nil {
		return nil, err
	}
	return as[wire.OnOffStatus](e.request(ctx, msg, acknowledged))
}

// SendGenericLevelGet reads a Generic Level state.
func (e *Engine) SendGenericLevelGet(ctx context.Context, dst, appKey uint16) (*wire.LevelStatus, error) {
	msg, err := e.modelMessage(dst, appKey, wire.OpGenericLevelGet, nil)
	if err != nil {
		return nil, err
	}
	return as[wire.LevelStatus](e.request(ctx, msg, true))
}

// SendGenericLevelSet sets a Generic Level state.
func (e *Engine) SendGenericLevelSet(ctx context.Context, dst, appKey uint16, level int16, tr *wire.Transition, acknowledged bool) (*wire.LevelStatus, error) {
	op := pick(acknowledged, wire.OpGenericLevelSet, wire.OpGenericLevelSetUnack)
	msg, err := e.modelMessage(dst, appKey, op, wire.LevelSetParams(level, e.nextTID(), tr))
	if err != nil {
		return nil, err
	}
	return as[wire.LevelStatus](e.request(ctx, msg, acknowledged))
}

// SendGenericPowerLevelGet reads a Generic Power Level state.
func (e *Engine) SendGenericPowerLevelGet(ctx context.Context, dst, appKey uint16) (*wire.PowerLevelStatus, error) {
	msg, err := e.modelMessage(dst, appKey, wire.OpGenericPowerLevelGet, nil)
	if err != nil {
		return nil, err
	}
	return as[wire.PowerLevelStatus](e.request(ctx, msg, true))
}

// SendGenericPowerLevelSet sets a Generic Power Level state.
func (e *Engine) SendGenericPowerLevelSet(ctx context.Context, dst, appKey uint16, power uint16, tr *wire.Transition, acknowledged bool) (*wire.PowerLevelStatus, error) {
	op := pick(acknowledged, wire.OpGenericPowerLevelSet, wire.OpGenericPowerLevelSetUnack)
	msg, err := e.modelMessage(dst, appKey, op, wire.PowerLevelSetParams(power, e.nextTID(), tr))
	if err != nil {
		return nil, err
	}
	return as[wire.PowerLevelStatus](e.request(ctx, msg, acknowledged))
}

// SendLightHSLGet reads a Light HSL state.
func (e *Engine) SendLightHSLGet(ctx context.Context, dst, appKey uint16) (*wire.HSLStatus, error) {
	msg, err := e.modelMessage(dst, appKey, wire.OpLightHSLGet, nil)
	if err != nil {
		return nil, err
	}
	return as[wire.HSLStatus](e.request(ctx, msg, true))
}

// SendLightHSLSet sets a Light HSL state.
func (e *Engine) SendLightHSLSet(ctx context.Context, dst, appKey uint16, v wire.HSL, tr *wire.Transition, acknowledged bool) (*wire.HSLStatus, error) {
	op := pick(acknowledged, wire.OpLightHSLSet, wire.OpLightHSLSetUnack)
	msg, err := e.modelMessage(dst, appKey, op, wire.HSLSetParams(v, e.nextTID(), tr))
	if err != nil {
		return nil, err
	}
	return as[wire.HSLStatus](e.request(ctx, msg, acknowledged))
}

// SendLightCTLGet reads a Light CTL state.
func (e *Engine) SendLightCTLGet(ctx context.Context, dst, appKey uint16) (*wire.CTLStatus, error) {
	msg, err := e.modelMessage(dst, appKey, wire.OpLightCTLGet, nil)
	if err != nil {
		return nil, err
	}
	return as[wire.CTLStatus](e.request(ctx, msg, true))
}

// SendLightCTLSet sets a Light CTL state.
func (e *Engine) SendLightCTLSet(ctx context.Context, dst, appKey uint16, v wire.CTL, tr *wire.Transition, acknowledged bool) (*wire.CTLStatus, error) {
	op := pick(acknowledged, wire.OpLightCTLSet, wire.OpLightCTLSetUnack)
	msg, err := e.modelMessage(dst, appKey, op, wire.CTLSetParams(v, e.nextTID(), tr))
	if err != nil {
		return nil, err
	}
	return as[wire.CTLStatus](e.request(ctx, msg, acknowledged))
}

// SendLightCTLTemperatureRangeGet reads the allowed color temperature range.
func (e *Engine) SendLightCTLTemperatureRangeGet(ctx context.Context, dst, appKey uint16) (*wire.CTLTemperatureRangeStatus, error) {
	msg, err := e.modelMessage(dst, appKey, wire.OpLightCTLTemperatureRangeGet, nil)
	if err != nil {
		return nil, err
	}
	return as[wire.CTLTemperatureRangeStatus](e.request(ctx, msg, true))
}

// SendLightCTLTemperatureRangeSet sets the allowed color temperature range.
// A rejected range fails with a *mesherr.ProtocolError.
func (e *Engine) SendLightCTLTemperatureRangeSet(ctx context.Context, dst, appKey, min, max uint16, acknowledged bool) (*wire.CTLTemperatureRangeStatus, error) {
	op := pick(acknowledged, wire.OpLightCTLTemperatureRangeSet, wire.OpLightCTLTemperatureRangeSetUnack)
	msg, err := e.modelMessage(dst, appKey, op, wire.CTLTemperatureRangeSetParams(min, max))
	if err != nil {
		return nil, err
	}
	return as[wire.CTLTemperatureRangeStatus](e.request(ctx, msg, acknowledged))
}

// SendHealthFaultGet reads the registered faults for companyID.
func (e *Engine) SendHealthFaultGet(ctx context.Context, dst, appKey, companyID uint16) (*wire.HealthFaultStatus, error) {
	msg, err := e.modelMessage(dst, appKey, wire.OpHealthFaultGet, wire.HealthFaultGetParams(companyID))
	if err != nil {
		return nil, err
	}
	return as[wire.HealthFaultStatus](e.request(ctx, msg, true))
}

// SendHealthFaultClear clears the registered faults for companyID.
func (e *Engine) SendHealthFaultClear(ctx context.Context, dst, appKey, companyID uint16, acknowledged bool) (*wire.HealthFaultStatus, error) {
	op := pick(acknowledged, wire.OpHealthFaultClear, wire.OpHealthFaultClearUnack)
	msg, err := e.modelMessage(dst, appKey, op, wire.HealthFaultGetParams(companyID))
	if err != nil {
		return nil, err
	}
	return as[wire.HealthFaultStatus](e.request(ctx, msg, acknowledged))
}

// VendorMessage is a message for a vendor model. Vendor opcodes are not
// enumerable, so the caller names the response opcode.
type VendorMessage struct {
	Dst         uint16
	AppKeyIndex uint16
	ModelID     uint32
	Opcode      wire.Opcode
	Params      []byte

	// Response is the opcode the node answers with when Acknowledged.
	Response     wire.Opcode
	Acknowledged bool
}

// SendVendorModelMessage sends a vendor model message. The response is
// correlated by opcode, address and model.
func (e *Engine) SendVendorModelMessage(ctx context.Context, v VendorMessage) (*wire.VendorResponse, error) {
	msg, err := e.modelMessage(v.Dst, v.AppKeyIndex, v.Opcode, v.Params)
	if err != nil {
		return nil, err
	}
	msg.ModelID, msg.HasModelID = v.ModelID, true
	return as[wire.VendorResponse](e.requestVendor(ctx, msg, v.Response, v.Acknowledged))
}
