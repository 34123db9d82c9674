package transport

// LinkState is the state of the GATT link.
type LinkState uint8

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnecting

	// LinkLost reports a disconnection nobody asked for.
	LinkLost
)

// String returns the link state name.
func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "DISCONNECTED"
	case LinkConnecting:
		return "CONNECTING"
	case LinkConnected:
		return "CONNECTED"
	case LinkDisconnecting:
		return "DISCONNECTING"
	case LinkLost:
		return "LINK_LOST"
	default:
		return "UNKNOWN"
	}
}

// AdapterState is the power state of the local radio.
type AdapterState uint8

const (
	AdapterUnknown AdapterState = iota
	AdapterOff
	AdapterOn
)

// String returns the adapter state name.
func (s AdapterState) String() string {
	switch s {
	case AdapterOff:
		return "OFF"
	case AdapterOn:
		return "ON"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s LinkState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MarshalText encodes the state by name.
func (s AdapterState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
