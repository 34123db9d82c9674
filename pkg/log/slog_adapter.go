package log

import (
	"context"
	"fmt"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

func hex16(v uint16) string { return fmt.Sprintf("0x%04X", v) }

// Log writes the event to the slog logger.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.LinkAddress != "" {
		attrs = append(attrs, slog.String("link", event.LinkAddress))
	}
	if event.Src != 0 {
		attrs = append(attrs, slog.String("src", hex16(event.Src)))
	}
	if event.Dst != 0 {
		attrs = append(attrs, slog.String("dst", hex16(event.Dst)))
	}
	if event.DeviceUUID != "" {
		attrs = append(attrs, slog.String("uuid", event.DeviceUUID))
	}

	switch {
	case event.PDU != nil:
		attrs = append(attrs,
			slog.Int("pdu_size", event.PDU.Size),
			slog.Bool("truncated", event.PDU.Truncated),
		)
	case event.Message != nil:
		attrs = append(attrs, slog.String("opcode", fmt.Sprintf("0x%X", event.Message.Opcode)))
		if event.Message.Name != "" {
			attrs = append(attrs, slog.String("name", event.Message.Name))
		}
		if event.Message.ModelID != nil {
			attrs = append(attrs, slog.String("model", fmt.Sprintf("0x%X", *event.Message.ModelID)))
		}
		attrs = append(attrs, slog.Int("params", len(event.Message.Params)))
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Correlation != nil:
		attrs = append(attrs,
			slog.String("outcome", event.Correlation.Outcome.String()),
			slog.String("response", fmt.Sprintf("0x%X", event.Correlation.ResponseOpcode)),
			slog.String("address", hex16(event.Correlation.Address)),
		)
		if event.Correlation.Elapsed > 0 {
			attrs = append(attrs, slog.Duration("elapsed", event.Correlation.Elapsed))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
