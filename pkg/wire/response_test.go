package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStatus(t *testing.T) {
	t.Run("OnOff", func(t *testing.T) {
		resp, err := Decode(AccessMessage{Src: 0x0010, Dst: 0x0001, Opcode: OpGenericOnOffStatus, Params: []byte{1}})
		require.NoError(t, err)
		s := resp.(OnOffStatus)
		assert.True(t, s.Present)
		assert.False(t, s.HasTarget)
		assert.Equal(t, uint16(0x0010), s.Source())
	})

	t.Run("OnOffWithTransition", func(t *testing.T) {
		resp, err := Decode(AccessMessage{Opcode: OpGenericOnOffStatus, Params: []byte{0, 1, 0x45}})
		require.NoError(t, err)
		s := resp.(OnOffStatus)
		assert.False(t, s.Present)
		assert.True(t, s.Target)
		assert.Equal(t, uint8(0x45), s.Remaining)
	})

	t.Run("LevelIsSigned", func(t *testing.T) {
		resp, err := Decode(AccessMessage{Opcode: OpGenericLevelStatus, Params: []byte{0x00, 0x80}})
		require.NoError(t, err)
		assert.Equal(t, int16(-32768), resp.(LevelStatus).Present)
	})

	t.Run("AppKeyStatus", func(t *testing.T) {
		params := append([]byte{0x04}, PackKeyIndexes(0x123, 0x456)...)
		resp, err := Decode(AccessMessage{Opcode: OpConfigAppKeyStatus, Params: params})
		require.NoError(t, err)
		s := resp.(AppKeyStatus)
		assert.Equal(t, uint8(4), s.StatusCode())
		assert.Equal(t, uint16(0x123), s.NetKeyIndex)
		assert.Equal(t, uint16(0x456), s.AppKeyIndex)
	})

	t.Run("ModelAppStatusVendor", func(t *testing.T) {
		params := append([]byte{0x00}, ModelAppParams(0x0011, 2, VendorModelID(0x0059, 0x0001))...)
		resp, err := Decode(AccessMessage{Opcode: OpConfigModelAppStatus, Params: params})
		require.NoError(t, err)
		s := resp.(ModelAppStatus)
		assert.Equal(t, uint16(0x0011), s.ElementAddress)
		assert.Equal(t, uint16(2), s.AppKeyIndex)
		assert.Equal(t, uint32(0x00590001), s.ModelID)
	})

	t.Run("ModelAppStatusSIG", func(t *testing.T) {
		params := append([]byte{0x00}, ModelAppParams(0x0011, 0, 0x1000)...)
		resp, err := Decode(AccessMessage{Opcode: OpConfigModelAppStatus, Params: params})
		require.NoError(t, err)
		assert.Equal(t, uint32(0x1000), resp.(ModelAppStatus).ModelID)
	})

	t.Run("CTLTemperatureRange", func(t *testing.T) {
		resp, err := Decode(AccessMessage{Opcode: OpLightCTLTemperatureRangeStatus, Params: []byte{0, 0x20, 0x03, 0x20, 0x4E}})
		require.NoError(t, err)
		s := resp.(CTLTemperatureRangeStatus)
		assert.Equal(t, uint16(800), s.Min)
		assert.Equal(t, uint16(20000), s.Max)
	})

	t.Run("HealthFault", func(t *testing.T) {
		resp, err := Decode(AccessMessage{Opcode: OpHealthFaultStatus, Params: []byte{0, 0x59, 0x00, 0x01, 0x02}})
		require.NoError(t, err)
		s := resp.(HealthFaultStatus)
		assert.Equal(t, uint16(0x0059), s.CompanyID)
		assert.Equal(t, []uint8{1, 2}, s.Faults)
	})

	t.Run("Vendor", func(t *testing.T) {
		op := VendorOpcode(0x02, 0x0059)
		resp, err := Decode(AccessMessage{Opcode: op, ModelID: 0x00590001, HasModelID: true, Params: []byte{9}})
		require.NoError(t, err)
		v := resp.(VendorResponse)
		assert.Equal(t, op, v.Opcode())
		assert.Equal(t, []byte{9}, v.Params)
	})

	t.Run("ShortParams", func(t *testing.T) {
		_, err := Decode(AccessMessage{Opcode: OpLightHSLStatus, Params: []byte{1, 2}})
		assert.True(t, errors.Is(err, ErrShortParams))
	})

	t.Run("UnknownOpcode", func(t *testing.T) {
		_, err := Decode(AccessMessage{Opcode: OpGenericOnOffGet})
		assert.True(t, errors.Is(err, ErrUnknownOpcode))
	})
}

func TestDecodeComposition(t *testing.T) {
	params := []byte{
		0x00,       // page
		0x59, 0x00, // cid
		0x01, 0x00, // pid
		0x02, 0x00, // vid
		0x0A, 0x00, // crpl
		0x03, 0x00, // relay | proxy
		// element 0: loc, 2 SIG, 1 vendor
		0x00, 0x01, 0x02, 0x01,
		0x00, 0x00, 0x00, 0x10,
		0x59, 0x00, 0x01, 0x00,
		// element 1: loc, 1 SIG
		0x00, 0x01, 0x01, 0x00,
		0x00, 0x10,
	}

	resp, err := Decode(AccessMessage{Src: 0x0020, Opcode: OpConfigCompositionDataStatus, Params: params})
	require.NoError(t, err)
	s := resp.(CompositionDataStatus)

	assert.Equal(t, uint16(0x0059), s.CompanyID)
	assert.Equal(t, uint16(10), s.CRPL)
	assert.True(t, s.Relay())
	assert.True(t, s.Proxy())
	assert.False(t, s.Friend())
	assert.False(t, s.LowPower())
	require.Len(t, s.Elements, 2)
	assert.Equal(t, uint16(0x0020), s.Elements[0].Address)
	assert.Equal(t, []uint32{0x0000, 0x1000, 0x00590001}, s.Elements[0].Models)
	assert.Equal(t, uint16(0x0021), s.Elements[1].Address)

	_, err = Decode(AccessMessage{Opcode: OpConfigCompositionDataStatus, Params: params[:len(params)-1]})
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities{
		NumberOfElements: 2,
		Algorithms:       1,
		StaticOOBTypes:   1,
		OutputOOBSize:    4,
		OutputOOBActions: 0x0008,
	}
	parsed, err := ParseCapabilities(caps.Bytes())
	require.NoError(t, err)
	assert.Equal(t, caps, parsed)
	assert.Equal(t, []OOBType{OOBNone, OOBStatic, OOBOutput}, parsed.AvailableOOBTypes())

	_, err = ParseCapabilities([]byte{1, 2})
	assert.ErrorIs(t, err, ErrShortParams)

	_, err = ParseCapabilities(make([]byte, CapabilitiesSize))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestKeyIndexPacking(t *testing.T) {
	b := PackKeyIndexes(0xABC, 0x123)
	first, second := UnpackKeyIndexes(b)
	assert.Equal(t, uint16(0xABC), first)
	assert.Equal(t, uint16(0x123), second)
}
