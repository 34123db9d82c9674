package commands

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/meshlink/meshlink-go/pkg/log"
)

// Record is one exported event. Enumerations are spelled out, mesh
// addresses and opcodes are hex strings and byte payloads are hex encoded.
type Record struct {
	Time      time.Time `json:"time"`
	Link      string    `json:"link,omitempty"`
	Direction string    `json:"direction"`
	Layer     string    `json:"layer"`
	Category  string    `json:"category"`
	Src       string    `json:"src,omitempty"`
	Dst       string    `json:"dst,omitempty"`
	Device    string    `json:"device,omitempty"`

	// Kind names the payload: pdu, message, state, call or error.
	Kind string `json:"kind"`

	PDU     *pduRecord     `json:"pdu,omitempty"`
	Message *messageRecord `json:"message,omitempty"`
	State   *stateRecord   `json:"state,omitempty"`
	Call    *callRecord    `json:"call,omitempty"`
	Error   *errorRecord   `json:"error,omitempty"`
}

type pduRecord struct {
	Size      int    `json:"size"`
	Data      string `json:"data"`
	Truncated bool   `json:"truncated,omitempty"`
}

type messageRecord struct {
	Opcode string `json:"opcode"`
	Name   string `json:"name,omitempty"`
	AppKey uint16 `json:"appKey"`
	Model  string `json:"model,omitempty"`
	Params string `json:"params,omitempty"`
}

type stateRecord struct {
	Entity string `json:"entity"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type callRecord struct {
	Outcome   string  `json:"outcome"`
	Awaiting  string  `json:"awaiting"`
	Address   string  `json:"address"`
	Model     string  `json:"model,omitempty"`
	ElapsedMS float64 `json:"elapsedMs,omitempty"`
}

type errorRecord struct {
	Layer   string `json:"layer"`
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

// NewRecord flattens a protocol log event for export.
func NewRecord(ev log.Event) Record {
	r := Record{
		Time:      ev.Timestamp.UTC(),
		Link:      ev.LinkAddress,
		Direction: ev.Direction.String(),
		Layer:     ev.Layer.String(),
		Category:  ev.Category.String(),
		Src:       meshAddress(ev.Src),
		Dst:       meshAddress(ev.Dst),
		Device:    ev.DeviceUUID,
		Kind:      "unknown",
	}
	switch {
	case ev.PDU != nil:
		r.Kind = "pdu"
		r.PDU = &pduRecord{Size: ev.PDU.Size, Data: hex.EncodeToString(ev.PDU.Data), Truncated: ev.PDU.Truncated}
	case ev.Message != nil:
		m := ev.Message
		r.Kind = "message"
		r.Message = &messageRecord{
			Opcode: fmt.Sprintf("0x%X", m.Opcode),
			Name:   m.Name,
			AppKey: m.AppKeyIndex,
			Model:  modelID(m.ModelID),
			Params: hex.EncodeToString(m.Params),
		}
	case ev.StateChange != nil:
		s := ev.StateChange
		r.Kind = "state"
		r.State = &stateRecord{Entity: s.Entity.String(), From: s.OldState, To: s.NewState, Reason: s.Reason}
	case ev.Correlation != nil:
		c := ev.Correlation
		r.Kind = "call"
		r.Call = &callRecord{
			Outcome:   c.Outcome.String(),
			Awaiting:  fmt.Sprintf("0x%X", c.ResponseOpcode),
			Address:   fmt.Sprintf("0x%04X", c.Address),
			Model:     modelID(c.ModelID),
			ElapsedMS: float64(c.Elapsed) / float64(time.Millisecond),
		}
	case ev.Error != nil:
		r.Kind = "error"
		r.Error = &errorRecord{Layer: ev.Error.Layer.String(), Message: ev.Error.Message, Context: ev.Error.Context}
	}
	return r
}

func meshAddress(addr uint16) string {
	if addr == 0 {
		return ""
	}
	return fmt.Sprintf("0x%04X", addr)
}

func modelID(id *uint32) string {
	if id == nil {
		return ""
	}
	return fmt.Sprintf("0x%04X", *id)
}

// RunExport writes the events matching filter as JSON lines to output,
// or to stdout when output is empty. It returns the number of records
// written.
func RunExport(path string, filter log.Filter, output string) (int, error) {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}
	defer reader.Close()

	w := io.Writer(os.Stdout)
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return 0, fmt.Errorf("create %s: %w", output, err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	n := 0
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read log: %w", err)
		}
		if err := enc.Encode(NewRecord(ev)); err != nil {
			return n, err
		}
		n++
	}
}
