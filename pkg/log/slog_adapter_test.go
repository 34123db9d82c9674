package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func logJSON(t *testing.T, event Event) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	NewSlogAdapter(slog.New(handler)).Log(event)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestSlogAdapterLogsMessageEvent(t *testing.T) {
	entry := logJSON(t, Event{
		Timestamp: time.Now(),
		Direction: DirectionIn,
		Layer:     LayerAccess,
		Category:  CategoryMessage,
		Src:       0x0010,
		Dst:       0x0001,
		Message:   &MessageEvent{Opcode: 0x8204, Name: "GENERIC_ONOFF_STATUS", Params: []byte{1}},
	})

	want := map[string]any{
		"msg":       "protocol",
		"direction": "IN",
		"layer":     "ACCESS",
		"src":       "0x0010",
		"dst":       "0x0001",
		"opcode":    "0x8204",
		"name":      "GENERIC_ONOFF_STATUS",
		"params":    float64(1),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s: got %v, want %v", k, entry[k], v)
		}
	}
}

func TestSlogAdapterLogsStateAndCorrelation(t *testing.T) {
	entry := logJSON(t, Event{
		Layer:       LayerEngine,
		Category:    CategoryState,
		StateChange: &StateChangeEvent{Entity: StateEntityLink, OldState: "CONNECTED", NewState: "LINK_LOST"},
	})
	if entry["entity"] != "LINK" || entry["new_state"] != "LINK_LOST" {
		t.Errorf("state entry = %v", entry)
	}

	entry = logJSON(t, Event{
		Category:    CategoryCorrelation,
		Correlation: &CorrelationEvent{Outcome: OutcomeResolved, ResponseOpcode: 0x8204, Address: 0x0010},
	})
	if entry["outcome"] != "RESOLVED" || entry["address"] != "0x0010" {
		t.Errorf("correlation entry = %v", entry)
	}
	if _, ok := entry["elapsed"]; ok {
		t.Error("zero elapsed should be omitted")
	}
}

func TestMultiLoggerFansOut(t *testing.T) {
	var a, b []Event
	m := NewMultiLogger(
		LoggerFunc(func(e Event) { a = append(a, e) }),
		nil,
		LoggerFunc(func(e Event) { b = append(b, e) }),
	)
	m.Log(Event{Layer: LayerBearer})
	m.Log(Event{Layer: LayerAccess})

	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("got %d and %d events, want 2 each", len(a), len(b))
	}
	if b[1].Layer != LayerAccess {
		t.Errorf("order not preserved: %v", b[1].Layer)
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(NoopLogger); !ok {
		t.Error("OrNoop(nil) should be NoopLogger")
	}
	m := NewMultiLogger()
	if OrNoop(m) != Logger(m) {
		t.Error("OrNoop should return non-nil logger unchanged")
	}
}
