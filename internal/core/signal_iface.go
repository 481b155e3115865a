package core

import (
	"context"
	"errors"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

var ErrTransportClosed = errors.New("transport closed")

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts one member's outbound signaling socket on the hub.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Transport is the client side of the room's pub/sub channel.
// The channel is already authenticated; Subscribe joins it and the hub
// announces the member to everybody with a PeerJoined.
type Transport interface {
	// Subscribe joins room as self. Inbound messages are delivered in publish
	// order; the channel is closed when the transport goes away.
	Subscribe(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (<-chan Message, error)
	// Push is fire-and-forget. An error only means the message was not queued.
	Push(msg Message) error
	// Close unsubscribes. Safe to call more than once.
	Close() error
}
