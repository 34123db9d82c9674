package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestOpcodeEncoding(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		wire []byte
	}{
		{"one octet", OpConfigAppKeyAdd, []byte{0x00}},
		{"two octets", OpGenericOnOffGet, []byte{0x82, 0x01}},
		{"vendor", VendorOpcode(0x01, 0x0059), []byte{0xC1, 0x59, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppendOpcode(nil, tt.op)
			if !bytes.Equal(got, tt.wire) {
				t.Fatalf("AppendOpcode = %X, want %X", got, tt.wire)
			}
			if tt.op.Size() != len(tt.wire) {
				t.Errorf("Size = %d, want %d", tt.op.Size(), len(tt.wire))
			}

			parsed, rest, err := ParseOpcode(append(got, 0xAA))
			if err != nil {
				t.Fatalf("ParseOpcode: %v", err)
			}
			if parsed != tt.op {
				t.Errorf("ParseOpcode = %s, want %s", parsed, tt.op)
			}
			if !bytes.Equal(rest, []byte{0xAA}) {
				t.Errorf("rest = %X, want AA", rest)
			}
		})
	}
}

func TestParseOpcodeErrors(t *testing.T) {
	for _, b := range [][]byte{nil, {0x7F}, {0x82}, {0xC1, 0x59}} {
		if _, _, err := ParseOpcode(b); !errors.Is(err, ErrInvalidOpcode) {
			t.Errorf("ParseOpcode(%X) err = %v, want ErrInvalidOpcode", b, err)
		}
	}
}

func TestVendorOpcode(t *testing.T) {
	op := VendorOpcode(0x3F, 0x1234)
	if !op.IsVendor() {
		t.Fatal("expected vendor opcode")
	}
	if op.CompanyID() != 0x1234 {
		t.Errorf("CompanyID = 0x%04X, want 0x1234", op.CompanyID())
	}
	if OpGenericOnOffSet.IsVendor() {
		t.Error("SIG opcode reported as vendor")
	}
	if OpGenericOnOffSet.CompanyID() != 0 {
		t.Error("SIG opcode has a company")
	}
}

func TestResponseOpcode(t *testing.T) {
	tests := []struct {
		request Opcode
		want    Opcode
	}{
		{OpConfigAppKeyAdd, OpConfigAppKeyStatus},
		{OpConfigAppKeyUpdate, OpConfigAppKeyStatus},
		{OpConfigAppKeyDelete, OpConfigAppKeyStatus},
		{OpConfigCompositionDataGet, OpConfigCompositionDataStatus},
		{OpConfigNodeReset, OpConfigNodeResetStatus},
		{OpConfigModelAppBind, OpConfigModelAppStatus},
		{OpGenericOnOffSet, OpGenericOnOffStatus},
		{OpGenericLevelGet, OpGenericLevelStatus},
		{OpGenericPowerLevelSet, OpGenericPowerLevelStatus},
		{OpLightHSLGet, OpLightHSLStatus},
		{OpLightCTLSet, OpLightCTLStatus},
		{OpLightCTLTemperatureRangeSet, OpLightCTLTemperatureRangeStatus},
		{OpHealthFaultGet, OpHealthFaultStatus},
	}
	for _, tt := range tests {
		got, ok := ResponseOpcode(tt.request)
		if !ok || got != tt.want {
			t.Errorf("ResponseOpcode(%s) = %s, %v; want %s", tt.request, got, ok, tt.want)
		}
	}

	for _, op := range []Opcode{OpGenericOnOffSetUnack, VendorOpcode(1, 0x59), OpGenericOnOffStatus} {
		if _, ok := ResponseOpcode(op); ok {
			t.Errorf("ResponseOpcode(%s) should not be paired", op)
		}
	}
}

func TestIsConfig(t *testing.T) {
	if !IsConfig(OpConfigNodeReset) || !IsConfig(OpConfigAppKeyStatus) {
		t.Error("config opcodes not recognised")
	}
	if IsConfig(OpGenericOnOffGet) {
		t.Error("generic opcode reported as config")
	}
}

func TestAddressClasses(t *testing.T) {
	if !IsUnicast(0x0001) || !IsUnicast(MaxUnicastAddress) || IsUnicast(AddressUnassigned) {
		t.Error("unicast range")
	}
	if !IsGroup(AddressAllNodes) || !IsGroup(0xC000) || IsGroup(0x8000) {
		t.Error("group range")
	}
	if !IsVirtual(0x8001) || IsVirtual(0xC001) {
		t.Error("virtual range")
	}
}
