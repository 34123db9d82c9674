package transport

import (
	"context"
	"time"
)

// Mesh GATT service identifiers (16-bit Bluetooth SIG UUIDs).
const (
	ServiceProvisioning uint16 = 0x1827
	ServiceProxy        uint16 = 0x1828
)

// Advertisement is one advertising report seen during a scan.
type Advertisement struct {
	// Address is the device's Bluetooth address, the scan key.
	Address string
	Name    string
	RSSI    int16

	// ServiceData maps 16-bit service UUIDs to their advertised data.
	ServiceData map[uint16][]byte

	Seen time.Time
}

// ScanHandler receives scan output. OnError reports a hardware failure;
// scanning has stopped when it is called.
type ScanHandler struct {
	OnAdvertisement func(Advertisement)
	OnError         func(error)
}

// Scanner discovers advertising devices.
type Scanner interface {
	// StartScan begins scanning. It returns once scanning is running.
	StartScan(h ScanHandler) error

	// StopScan stops scanning. Stopping an idle scanner is a no-op.
	StopScan() error
}

// Link carries PDUs to a single connected device.
type Link interface {
	// Connect opens a link to address and subscribes to the data-out
	// characteristic of service. Only one link exists at a time.
	Connect(ctx context.Context, address string, service uint16) error

	// Disconnect closes the current link.
	Disconnect() error

	// Send writes one PDU to the data-in characteristic.
	Send(pdu []byte) error

	// MTU returns the negotiated maximum PDU size.
	MTU() int

	// Connected returns the address of the linked device, if any.
	Connected() (string, bool)
}

// Transport is the full radio collaborator.
type Transport interface {
	Scanner
	Link

	// OnReceive sets the handler for inbound PDUs.
	OnReceive(fn func(pdu []byte))

	// OnLinkState sets the handler for link state transitions.
	OnLinkState(fn func(address string, state LinkState))

	// OnAdapterState sets the handler for adapter power changes.
	OnAdapterState(fn func(state AdapterState))

	// Close releases the radio.
	Close() error
}
