// Package commands implements the meshlog CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/meshlink/meshlink-go/pkg/log"
)

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")

	var typeLabel string
	switch {
	case event.PDU != nil:
		typeLabel = "PDU"
	case event.Message != nil:
		typeLabel = "Message"
		if event.Message.Name != "" {
			typeLabel = event.Message.Name
		}
	case event.StateChange != nil:
		typeLabel = "State"
	case event.Correlation != nil:
		typeLabel = "Call"
	case event.Error != nil:
		typeLabel = "Error"
	default:
		typeLabel = "Unknown"
	}

	link := event.LinkAddress
	if link == "" {
		link = "-"
	}
	fmt.Fprintf(w, "%s [link:%s] %-3s %s %s\n", ts, link, event.Direction.String(), event.Layer.String(), typeLabel)

	if event.Src != 0 || event.Dst != 0 {
		fmt.Fprintf(w, "  0x%04X -> 0x%04X\n", event.Src, event.Dst)
	}
	if event.DeviceUUID != "" {
		fmt.Fprintf(w, "  Device: %s\n", event.DeviceUUID)
	}

	switch {
	case event.PDU != nil:
		formatPDUDetails(w, event.PDU)
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Correlation != nil:
		formatCorrelationDetails(w, event.Correlation)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

func formatPDUDetails(w io.Writer, pdu *log.PDUEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", pdu.Size)
	if len(pdu.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(pdu.Data))
		if pdu.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	fmt.Fprintf(w, "  Opcode: 0x%X\n", msg.Opcode)
	if msg.AppKeyIndex != 0 {
		fmt.Fprintf(w, "  AppKey: %d\n", msg.AppKeyIndex)
	}
	if msg.ModelID != nil {
		fmt.Fprintf(w, "  Model: 0x%X\n", *msg.ModelID)
	}
	if len(msg.Params) > 0 {
		fmt.Fprintf(w, "  Params: %s\n", hex.EncodeToString(msg.Params))
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatCorrelationDetails(w io.Writer, c *log.CorrelationEvent) {
	fmt.Fprintf(w, "  Outcome: %s\n", c.Outcome.String())
	fmt.Fprintf(w, "  Awaiting: 0x%X from 0x%04X\n", c.ResponseOpcode, c.Address)
	if c.ModelID != nil {
		fmt.Fprintf(w, "  Model: 0x%X\n", *c.ModelID)
	}
	if c.Elapsed > 0 {
		fmt.Fprintf(w, "  Elapsed: %s\n", formatDuration(c.Elapsed))
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ViewOptions holds the raw filter flags of the view command.
type ViewOptions struct {
	Address   string
	Direction string
	Layer     string
	Category  string
}

// Filter converts the flags into a log filter. An address of the form
// 0x0002 matches mesh source or destination; anything else matches the
// radio address of the link.
func (o ViewOptions) Filter() (log.Filter, error) {
	var f log.Filter
	if o.Address != "" {
		if strings.HasPrefix(strings.ToLower(o.Address), "0x") {
			v, err := strconv.ParseUint(o.Address[2:], 16, 16)
			if err != nil {
				return f, fmt.Errorf("invalid mesh address: %s", o.Address)
			}
			addr := uint16(v)
			f.Address = &addr
		} else {
			f.LinkAddress = strings.ToUpper(o.Address)
		}
	}
	if o.Direction != "" {
		d, err := ParseDirection(o.Direction)
		if err != nil {
			return f, err
		}
		f.Direction = &d
	}
	if o.Layer != "" {
		l, err := ParseLayer(o.Layer)
		if err != nil {
			return f, err
		}
		f.Layer = &l
	}
	if o.Category != "" {
		c, err := ParseCategory(o.Category)
		if err != nil {
			return f, err
		}
		f.Category = &c
	}
	return f, nil
}

// ParseLayer parses a layer name (case-insensitive).
func ParseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "bearer":
		return log.LayerBearer, nil
	case "network":
		return log.LayerNetwork, nil
	case "access":
		return log.LayerAccess, nil
	case "provisioning":
		return log.LayerProvisioning, nil
	case "engine":
		return log.LayerEngine, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be bearer, network, access, provisioning or engine)", s)
	}
}

// ParseDirection parses a direction name (case-insensitive).
func ParseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategory parses a category name (case-insensitive).
func ParseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "control":
		return log.CategoryControl, nil
	case "state":
		return log.CategoryState, nil
	case "correlation":
		return log.CategoryCorrelation, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, control, state, correlation or error)", s)
	}
}

// RunView prints the events of the log file at path that match filter.
func RunView(path string, filter log.Filter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
}
