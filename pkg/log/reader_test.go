package log

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

func createTestLogFile(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "test.mlog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create test log: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	if got := logger.Count(); got != len(events) {
		t.Fatalf("Count = %d, want %d", got, len(events))
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func readAll(t *testing.T, path string, filter Filter) []Event {
	t.Helper()
	reader, err := NewFilteredReader(path, filter)
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer reader.Close()

	var events []Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		events = append(events, event)
	}
}

func TestFileLoggerRoundTrip(t *testing.T) {
	now := time.Now()
	model := uint32(0x00590001)
	events := []Event{
		{
			Timestamp:   now,
			LinkAddress: "AA:BB",
			Direction:   DirectionOut,
			Layer:       LayerBearer,
			Category:    CategoryMessage,
			PDU:         NewPDUEvent([]byte{0x00, 0x01, 0x02}),
		},
		{
			Timestamp: now.Add(time.Millisecond),
			Direction: DirectionIn,
			Layer:     LayerAccess,
			Category:  CategoryMessage,
			Src:       0x0010,
			Dst:       0x0001,
			Message:   &MessageEvent{Opcode: 0xC10059, ModelID: &model, Params: []byte{9}},
		},
		{
			Timestamp:   now.Add(2 * time.Millisecond),
			Layer:       LayerAccess,
			Category:    CategoryCorrelation,
			Correlation: &CorrelationEvent{Outcome: OutcomeTimeout, ResponseOpcode: 0x8204, Address: 0x0010, Elapsed: 10 * time.Second},
		},
	}

	read := readAll(t, createTestLogFile(t, events), Filter{})
	if len(read) != 3 {
		t.Fatalf("got %d events, want 3", len(read))
	}
	if !read[0].Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", read[0].Timestamp, now)
	}
	if read[0].PDU == nil || read[0].PDU.Size != 3 {
		t.Errorf("PDU = %+v, want size 3", read[0].PDU)
	}
	if read[1].Message == nil || read[1].Message.ModelID == nil || *read[1].Message.ModelID != model {
		t.Errorf("Message = %+v, want model 0x%X", read[1].Message, model)
	}
	if read[2].Correlation == nil || read[2].Correlation.Outcome != OutcomeTimeout {
		t.Errorf("Correlation = %+v, want TIMEOUT", read[2].Correlation)
	}
	if read[2].Correlation.Elapsed != 10*time.Second {
		t.Errorf("Elapsed = %v, want 10s", read[2].Correlation.Elapsed)
	}
}

func TestReaderFilters(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		{Timestamp: start, Direction: DirectionOut, Layer: LayerAccess, Category: CategoryMessage, Src: 0x0001, Dst: 0x0010},
		{Timestamp: start.Add(time.Second), Direction: DirectionIn, Layer: LayerAccess, Category: CategoryMessage, Src: 0x0010, Dst: 0x0001},
		{Timestamp: start.Add(2 * time.Second), Direction: DirectionIn, Layer: LayerNetwork, Category: CategoryControl, Src: 0x0020},
		{Timestamp: start.Add(3 * time.Second), Layer: LayerProvisioning, Category: CategoryState, DeviceUUID: "dev-1", LinkAddress: "CC:DD"},
	}
	path := createTestLogFile(t, events)

	addr := uint16(0x0010)
	in := DirectionIn
	network := LayerNetwork
	state := CategoryState
	from := start.Add(time.Second)
	until := start.Add(3 * time.Second)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"All", Filter{}, 4},
		{"AddressMatchesSrcOrDst", Filter{Address: &addr}, 2},
		{"Direction", Filter{Direction: &in}, 3},
		{"Layer", Filter{Layer: &network}, 1},
		{"Category", Filter{Category: &state}, 1},
		{"TimeRange", Filter{TimeStart: &from, TimeEnd: &until}, 2},
		{"DeviceUUID", Filter{DeviceUUID: "dev-1"}, 1},
		{"LinkAddress", Filter{LinkAddress: "CC:DD"}, 1},
		{"Combined", Filter{Address: &addr, Direction: &in}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(readAll(t, path, tt.filter)); got != tt.want {
				t.Errorf("got %d events, want %d", got, tt.want)
			}
		})
	}
}

func TestReaderHandlesEmptyFile(t *testing.T) {
	path := createTestLogFile(t, nil)
	if got := readAll(t, path, Filter{}); len(got) != 0 {
		t.Errorf("got %d events, want 0", len(got))
	}
}

func TestNewReaderMissingFile(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "missing.mlog")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFileLoggerIgnoresLogAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.mlog")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	logger.Log(Event{Timestamp: time.Now()})
	if logger.Count() != 0 {
		t.Errorf("Count = %d after close, want 0", logger.Count())
	}
}

func TestNewPDUEventTruncates(t *testing.T) {
	ev := NewPDUEvent(make([]byte, MaxPDUData+10))
	if !ev.Truncated || len(ev.Data) != MaxPDUData || ev.Size != MaxPDUData+10 {
		t.Errorf("got size=%d len=%d truncated=%v", ev.Size, len(ev.Data), ev.Truncated)
	}

	small := NewPDUEvent([]byte{1, 2})
	if small.Truncated || len(small.Data) != 2 {
		t.Errorf("small pdu: got len=%d truncated=%v", len(small.Data), small.Truncated)
	}
}

func TestRecordsAreTagged(t *testing.T) {
	ev := Event{Timestamp: time.Date(2026, 3, 2, 9, 30, 0, 1, time.UTC), Layer: LayerAccess, Src: 0x0002}
	data, err := EncodeEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0xDA, 0x6D, 0x6C, 0x6F, 0x67}; !bytes.HasPrefix(data, want) {
		t.Errorf("record starts % X, want tag % X", data[:5], want)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Timestamp.Equal(ev.Timestamp) || got.Src != ev.Src {
		t.Errorf("got %+v, want %+v", got, ev)
	}

	untagged, err := cbor.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeEvent(untagged); err == nil {
		t.Error("untagged record decoded")
	}

	path := filepath.Join(t.TempDir(), "foreign.mlog")
	if err := os.WriteFile(path, untagged, 0o644); err != nil {
		t.Fatal(err)
	}
	reader, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	if _, err := reader.Next(); err == nil || err == io.EOF {
		t.Errorf("Next on foreign file = %v, want decode error", err)
	}
}
