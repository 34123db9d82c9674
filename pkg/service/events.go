package service

import (
	"slices"

	"github.com/meshlink/meshlink-go/pkg/liveness"
	"github.com/meshlink/meshlink-go/pkg/scanner"
	"github.com/meshlink/meshlink-go/pkg/transport"
	"github.com/meshlink/meshlink-go/pkg/wire"
)

// Event is something the engine reports to the application. Responses to
// requests are never broadcast; they resolve the caller that sent them.
type Event interface {
	// Name identifies the event kind, e.g. "scan-updated".
	Name() string
}

// EventHandler is called for every event.
type EventHandler func(Event)

// EventScanUpdated carries both device sets after a membership change.
type EventScanUpdated struct {
	Unprovisioned []scanner.Device `json:"unprovisioned"`
	Provisioned   []scanner.Device `json:"provisioned"`
}

// EventLivenessChanged carries every tracked node after a sweep that
// changed at least one of them.
type EventLivenessChanged struct {
	Nodes []liveness.State `json:"nodes"`
}

// EventLinkStateChanged reports a link transition.
type EventLinkStateChanged struct {
	Address string              `json:"address"`
	State   transport.LinkState `json:"state"`
}

// EventAdapterStateChanged reports the radio being powered on or off.
type EventAdapterStateChanged struct {
	State transport.AdapterState `json:"state"`
}

// EventModelMessage is an access message no request was waiting for, such
// as a status published by a node on its own.
type EventModelMessage struct {
	Src         uint16      `json:"src"`
	Dst         uint16      `json:"dst"`
	AppKeyIndex uint16      `json:"appKeyIndex"`
	Opcode      wire.Opcode `json:"opcode"`
	ModelID     *uint32     `json:"modelId,omitempty"`
	Params      []byte      `json:"params"`
}

func (EventScanUpdated) Name() string         { return "scan-updated" }
func (EventLivenessChanged) Name() string     { return "liveness-changed" }
func (EventLinkStateChanged) Name() string    { return "link-state-changed" }
func (EventAdapterStateChanged) Name() string { return "adapter-state-changed" }
func (EventModelMessage) Name() string        { return "model-message" }

// OnEvent registers an event handler. Handlers run synchronously in
// registration order, outside every engine lock, on whichever goroutine
// produced the event; they must not block.
func (e *Engine) OnEvent(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

func (e *Engine) emit(ev Event) {
	e.mu.RLock()
	handlers := slices.Clone(e.handlers)
	e.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func modelMessageEvent(msg wire.AccessMessage) EventModelMessage {
	ev := EventModelMessage{
		Src:         msg.Src,
		Dst:         msg.Dst,
		AppKeyIndex: msg.AppKeyIndex,
		Opcode:      msg.Opcode,
		Params:      slices.Clone(msg.Params),
	}
	if msg.HasModelID {
		id := msg.ModelID
		ev.ModelID = &id
	}
	return ev
}
