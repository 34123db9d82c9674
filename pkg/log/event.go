package log

import (
	"time"
)

// MaxPDUData is the number of PDU bytes kept in a PDUEvent.
const MaxPDUData = 256

// Event is a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// LinkAddress is the radio address of the linked device, if any.
	LinkAddress string `cbor:"2,keyasint,omitempty"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// Src and Dst are mesh addresses for network and access events.
	Src uint16 `cbor:"6,keyasint,omitempty"`
	Dst uint16 `cbor:"7,keyasint,omitempty"`

	// DeviceUUID identifies the device for provisioning events.
	DeviceUUID string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	PDU         *PDUEvent         `cbor:"10,keyasint,omitempty"` // Bearer layer
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // Access/network layer
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Correlation *CorrelationEvent `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerBearer is raw proxy PDUs on the link.
	LayerBearer Layer = 0
	// LayerNetwork is network control traffic such as heartbeats.
	LayerNetwork Layer = 1
	// LayerAccess is decoded access messages.
	LayerAccess Layer = 2
	// LayerProvisioning is the provisioning exchange.
	LayerProvisioning Layer = 3
	// LayerEngine is scanner, link and liveness state.
	LayerEngine Layer = 4
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerBearer:
		return "BEARER"
	case LayerNetwork:
		return "NETWORK"
	case LayerAccess:
		return "ACCESS"
	case LayerProvisioning:
		return "PROVISIONING"
	case LayerEngine:
		return "ENGINE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	CategoryMessage     Category = 0
	CategoryControl     Category = 1
	CategoryState       Category = 2
	CategoryCorrelation Category = 3
	CategoryError       Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryCorrelation:
		return "CORRELATION"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// PDUEvent captures a raw proxy PDU.
type PDUEvent struct {
	Size      int    `cbor:"1,keyasint"`
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Truncated bool   `cbor:"3,keyasint,omitempty"`
}

// NewPDUEvent copies at most MaxPDUData bytes of pdu.
func NewPDUEvent(pdu []byte) *PDUEvent {
	ev := &PDUEvent{Size: len(pdu)}
	if len(pdu) > MaxPDUData {
		ev.Data = append([]byte(nil), pdu[:MaxPDUData]...)
		ev.Truncated = true
	} else {
		ev.Data = append([]byte(nil), pdu...)
	}
	return ev
}

// MessageEvent captures a decoded access or control message.
type MessageEvent struct {
	Opcode      uint32  `cbor:"1,keyasint"`
	Name        string  `cbor:"2,keyasint,omitempty"`
	AppKeyIndex uint16  `cbor:"3,keyasint,omitempty"`
	ModelID     *uint32 `cbor:"4,keyasint,omitempty"`
	Params      []byte  `cbor:"5,keyasint,omitempty"`
}

// StateChangeEvent captures engine lifecycle transitions.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	StateEntityLink         StateEntity = 0
	StateEntityAdapter      StateEntity = 1
	StateEntityScanner      StateEntity = 2
	StateEntityNode         StateEntity = 3
	StateEntityProvisioning StateEntity = 4
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityLink:
		return "LINK"
	case StateEntityAdapter:
		return "ADAPTER"
	case StateEntityScanner:
		return "SCANNER"
	case StateEntityNode:
		return "NODE"
	case StateEntityProvisioning:
		return "PROVISIONING"
	default:
		return "UNKNOWN"
	}
}

// CorrelationEvent records the life of a pending call.
type CorrelationEvent struct {
	Outcome Outcome `cbor:"1,keyasint"`

	// ResponseOpcode is the opcode the call waits for.
	ResponseOpcode uint32  `cbor:"2,keyasint"`
	Address        uint16  `cbor:"3,keyasint"`
	ModelID        *uint32 `cbor:"4,keyasint,omitempty"`

	// Elapsed is the time from registration to the outcome.
	Elapsed time.Duration `cbor:"5,keyasint,omitempty"`
}

// Outcome is the state a pending call reached.
type Outcome uint8

const (
	OutcomeRegistered Outcome = 0
	OutcomeResolved   Outcome = 1
	OutcomeTimeout    Outcome = 2
	OutcomeRejected   Outcome = 3
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeRegistered:
		return "REGISTERED"
	case OutcomeResolved:
		return "RESOLVED"
	case OutcomeTimeout:
		return "TIMEOUT"
	case OutcomeRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
