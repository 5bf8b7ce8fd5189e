// Package events implements the two broadcast streams described in §4.8:
// ControlEvent (connection lifecycle) and BitcoinMessageEvent (decoded
// post-handshake protocol messages), each a bounded, multi-subscriber,
// drop-oldest bus.
package events

import (
	"net"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/bsv-infra/p2pcore/peerstore"
)

// Capacity is the fixed bus depth pinned by §4.8.
const Capacity = 1000

// ControlKind discriminates the ControlEvent variant set of §4.8.
type ControlKind uint8

const (
	ConnectionEstablished ControlKind = iota
	ConnectionFailed
	ConnectionLost
	ConnectionRestarting
	HandshakeComplete
	PeerBanned
	InboundAccepted
	InboundRejectedCapacity
	ListenerBindFailed

	// EventsDropped is synthesized by ControlBus itself, never by a
	// collaborator: it is injected ahead of the next real event delivered
	// to a subscriber that missed events to drop-oldest overflow (§4.8).
	// Reason wraps errs.ErrEventsDropped; DroppedCount is the miss count.
	EventsDropped
)

func (k ControlKind) String() string {
	switch k {
	case ConnectionEstablished:
		return "ConnectionEstablished"
	case ConnectionFailed:
		return "ConnectionFailed"
	case ConnectionLost:
		return "ConnectionLost"
	case ConnectionRestarting:
		return "ConnectionRestarting"
	case HandshakeComplete:
		return "HandshakeComplete"
	case PeerBanned:
		return "PeerBanned"
	case InboundAccepted:
		return "InboundAccepted"
	case InboundRejectedCapacity:
		return "InboundRejectedCapacity"
	case ListenerBindFailed:
		return "ListenerBindFailed"
	case EventsDropped:
		return "EventsDropped"
	default:
		return "Unknown"
	}
}

// ControlEvent is a single occurrence on the control-event stream. Only
// the fields relevant to Kind are populated; PeerID is the zero UUID for
// events that precede peer-repository insertion (ListenerBindFailed) or
// that are bus-synthesized (EventsDropped).
type ControlEvent struct {
	Kind ControlKind

	PeerID uuid.UUID
	Addr   net.Addr

	Reason    error
	BanReason peerstore.BanReason

	BindErr error

	// DroppedCount is populated only on an EventsDropped event: the number
	// of events drop-oldest evicted from this subscriber's channel since
	// its last delivery.
	DroppedCount int
}

// BitcoinMessageEvent is emitted for every well-formed frame received
// post-handshake (§4.8), command strings outside the handshake/keepalive
// set included — those are forwarded opaquely. A zero Message with a
// non-zero DroppedCount is the bus-synthesized overflow sentinel (§4.8),
// not a decoded frame.
type BitcoinMessageEvent struct {
	PeerID  uuid.UUID
	Message wire.Message

	DroppedCount int
}
