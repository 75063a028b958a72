package node

import (
	"time"

	"github.com/danmuck/cspnet/internal/protocol"
)

// EventKind names a point in the packet path.
type EventKind string

const (
	EventIngress EventKind = "ingress"
	EventDeliver EventKind = "deliver"
	EventForward EventKind = "forward"
	EventSend    EventKind = "send"
	EventDrop    EventKind = "drop"
)

// Event describes one packet passing a point in the engine.
type Event struct {
	At     time.Time
	Node   uint8
	Kind   EventKind
	Iface  string
	ID     protocol.Identifier
	Length int
	Reason string
}

// Observer receives events on the packet path, including from driver receive
// goroutines. It must not block.
type Observer func(Event)
