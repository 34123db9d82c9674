package wire

// Well-known addresses.
const (
	AddressUnassigned uint16 = 0x0000
	AddressAllProxies uint16 = 0xFFFC
	AddressAllFriends uint16 = 0xFFFD
	AddressAllRelays  uint16 = 0xFFFE
	AddressAllNodes   uint16 = 0xFFFF

	// MaxUnicastAddress is the highest assignable element address.
	MaxUnicastAddress uint16 = 0x7FFF
)

// IsUnicast reports whether addr identifies a single element.
func IsUnicast(addr uint16) bool {
	return addr != AddressUnassigned && addr <= MaxUnicastAddress
}

// IsVirtual reports whether addr is a virtual (label UUID) address.
func IsVirtual(addr uint16) bool {
	return addr&0xC000 == 0x8000
}

// IsGroup reports whether addr is a group address, fixed groups included.
func IsGroup(addr uint16) bool {
	return addr&0xC000 == 0xC000
}
