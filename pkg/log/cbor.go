package log

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// RecordTag is the CBOR tag wrapping every record of a protocol log file
// ("mlog" in ASCII). Records without it are rejected on read, so a file
// written by another tool fails on its first record instead of decoding
// into empty events.
const RecordTag uint64 = 0x6D6C6F67

// Decoding limits. A record holds one event with flat payloads.
const (
	maxNestedLevels = 8
	maxRecordItems  = 64
)

var (
	recordEnc cbor.EncMode
	recordDec cbor.DecMode
)

func init() {
	tags := cbor.NewTagSet()
	err := tags.Add(
		cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
		reflect.TypeOf(Event{}),
		RecordTag,
	)
	if err != nil {
		panic(fmt.Sprintf("register log record tag: %v", err))
	}

	recordEnc, err = cbor.EncOptions{
		Sort:          cbor.SortCoreDeterministic,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncModeWithTags(tags)
	if err != nil {
		panic(fmt.Sprintf("log record encoder: %v", err))
	}

	recordDec, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: MaxPDUData,
		MaxMapPairs:      maxRecordItems,
	}.DecModeWithTags(tags)
	if err != nil {
		panic(fmt.Sprintf("log record decoder: %v", err))
	}
}

// EncodeEvent encodes event as one tagged log record.
func EncodeEvent(event Event) ([]byte, error) {
	return recordEnc.Marshal(event)
}

// DecodeEvent decodes one tagged log record.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := recordDec.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("decode log record: %w", err)
	}
	return event, nil
}

func newRecordEncoder(w io.Writer) *cbor.Encoder {
	return recordEnc.NewEncoder(w)
}

func newRecordDecoder(r io.Reader) *cbor.Decoder {
	return recordDec.NewDecoder(r)
}
