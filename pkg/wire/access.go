package wire

import "fmt"

// AccessMessage is a decoded or to-be-encoded access layer message.
type AccessMessage struct {
	Src uint16
	Dst uint16

	// AppKeyIndex selects the application key; ignored for configuration
	// messages, which use the device key.
	AppKeyIndex uint16

	Opcode Opcode
	Params []byte

	// ModelID identifies the vendor model a message belongs to. Only
	// meaningful when HasModelID is set.
	ModelID    uint32
	HasModelID bool
}

// Payload returns the opcode followed by the parameters.
func (m AccessMessage) Payload() []byte {
	b := make([]byte, 0, m.Opcode.Size()+len(m.Params))
	b = AppendOpcode(b, m.Opcode)
	return append(b, m.Params...)
}

func (m AccessMessage) String() string {
	return fmt.Sprintf("%s 0x%04X->0x%04X (%d bytes)", m.Opcode, m.Src, m.Dst, len(m.Params))
}

// VendorModelID composes a vendor model identifier.
func VendorModelID(companyID, modelID uint16) uint32 {
	return uint32(companyID)<<16 | uint32(modelID)
}

// IsVendorModel reports whether id is a vendor model identifier.
func IsVendorModel(id uint32) bool {
	return id > 0xFFFF
}
