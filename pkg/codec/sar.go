package codec

import (
	"errors"
	"fmt"
	"sync"
)

// PDUType is the message type of a proxy PDU.
type PDUType uint8

const (
	PDUNetwork      PDUType = 0x00
	PDUProvisioning PDUType = 0x03
)

// SAR field of the proxy PDU header.
const (
	sarComplete     = 0b00
	sarFirst        = 0b01
	sarContinuation = 0b10
	sarLast         = 0b11
)

// MaxMessageSize bounds a reassembled message.
const MaxMessageSize = 4096

// Segmentation errors.
var (
	ErrMTUTooSmall       = errors.New("mtu too small")
	ErrEmptyPDU          = errors.New("empty proxy pdu")
	ErrUnexpectedSegment = errors.New("unexpected segment")
	ErrMessageTooLarge   = errors.New("message too large")
)

func header(sar uint8, typ PDUType) byte {
	return sar<<6 | uint8(typ)&0x3F
}

// Segment splits payload into proxy PDUs of at most mtu bytes.
func Segment(typ PDUType, payload []byte, mtu int) ([][]byte, error) {
	if mtu < 2 {
		return nil, fmt.Errorf("%w: %d", ErrMTUTooSmall, mtu)
	}
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	chunk := mtu - 1
	if len(payload) <= chunk {
		return [][]byte{append([]byte{header(sarComplete, typ)}, payload...)}, nil
	}

	var pdus [][]byte
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		sar := uint8(sarContinuation)
		switch {
		case off == 0:
			sar = sarFirst
		case end == len(payload):
			sar = sarLast
		}
		pdus = append(pdus, append([]byte{header(sar, typ)}, payload[off:end]...))
	}
	return pdus, nil
}

// Reassembler joins segmented proxy PDUs. It is safe for concurrent use.
type Reassembler struct {
	mu      sync.Mutex
	typ     PDUType
	buf     []byte
	pending bool
}

// Push adds a proxy PDU. done is true when a whole message is available.
// An out-of-order segment discards the partial message.
func (r *Reassembler) Push(pdu []byte) (typ PDUType, msg []byte, done bool, err error) {
	if len(pdu) == 0 {
		return 0, nil, false, ErrEmptyPDU
	}
	sar := pdu[0] >> 6
	typ = PDUType(pdu[0] & 0x3F)
	data := pdu[1:]

	r.mu.Lock()
	defer r.mu.Unlock()

	switch sar {
	case sarComplete:
		r.reset()
		return typ, append([]byte(nil), data...), true, nil
	case sarFirst:
		r.reset()
		r.typ, r.pending = typ, true
		r.buf = append(r.buf, data...)
		return typ, nil, false, nil
	}

	if !r.pending || r.typ != typ {
		r.reset()
		return typ, nil, false, fmt.Errorf("%w: sar %d type 0x%02X", ErrUnexpectedSegment, sar, uint8(typ))
	}
	if len(r.buf)+len(data) > MaxMessageSize {
		r.reset()
		return typ, nil, false, ErrMessageTooLarge
	}
	r.buf = append(r.buf, data...)
	if sar == sarContinuation {
		return typ, nil, false, nil
	}

	msg = r.buf
	r.buf, r.pending = nil, false
	return typ, msg, true, nil
}

// Reset discards any partial message.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

func (r *Reassembler) reset() {
	r.buf = nil
	r.pending = false
}
