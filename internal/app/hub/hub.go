// Package hub is the signaling side of a voice room: a broadcast medium with
// presence. Members push messages, the hub stamps the sender and fans them
// out to the whole room; receivers filter by recipient.
package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/observe"
	"github.com/rs/zerolog/log"
)

// ErrBackpressure is what a SignalConnection returns when its buffer is full.
var ErrBackpressure = errors.New("backpressure")

type Hub struct {
	Registry *Registry
	Rooms    *RoomManager
	Policy   Policy
	Limiter  *RateLimiter
	Metrics  *observe.Metrics

	// membership serialises Join and Leave so registry and presence change together
	membership sync.Mutex
}

func New(policy Policy, limiter *RateLimiter, metrics *observe.Metrics) *Hub {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Hub{
		Registry: NewRegistry(),
		Rooms:    NewRoomManager(),
		Policy:   policy,
		Limiter:  limiter,
		Metrics:  metrics,
	}
}

// Join subscribes conn. A participant that is already present on another
// socket is kicked from it first and announced as gone, so existing members
// renegotiate with the new socket.
func (h *Hub) Join(room domain.RoomID, id domain.ParticipantID, conn core.SignalConnection, cancel context.CancelFunc) {
	h.membership.Lock()
	defer h.membership.Unlock()

	r := h.Rooms.Enter(room, id)
	if prev := h.Registry.Bind(room, id, conn, cancel); prev != nil {
		prev.kick()
		h.broadcast(r, core.PeerLeft{Participant: id})
		log.Info().Str("module", "hub").Str("room", string(room)).Str("participant", string(id)).Msg("replaced older connection")
	} else {
		h.Metrics.HubParticipants.Add(context.Background(), 1)
	}
	h.broadcast(r, core.PeerJoined{Participant: id})
}

// Leave is called when conn goes away. Stale sockets are ignored.
func (h *Hub) Leave(room domain.RoomID, id domain.ParticipantID, conn core.SignalConnection) {
	h.membership.Lock()
	defer h.membership.Unlock()

	if !h.Registry.Unbind(room, id, conn) {
		return
	}
	h.Metrics.HubParticipants.Add(context.Background(), -1)
	h.Limiter.Forget(id)
	r, closed, ok := h.Rooms.Exit(room, id)
	if !ok {
		return
	}
	h.broadcast(r, core.PeerLeft{Participant: id})
	if closed {
		log.Info().Str("module", "hub").Str("room", string(room)).Msg("room closed")
	}
}

// Relay handles one inbound frame from a member.
func (h *Hub) Relay(room domain.RoomID, from domain.ParticipantID, data []byte) {
	ctx := context.Background()
	logger := log.With().Str("module", "hub").Str("room", string(room)).Str("participant", string(from)).Logger()

	if !h.Limiter.Allow(from) {
		h.Metrics.RecordHubDrop(ctx, "rate_limited")
		logger.Warn().Msg("rate limited")
		return
	}
	msg, err := core.Decode(data)
	if err != nil {
		h.Metrics.RecordHubDrop(ctx, "malformed")
		logger.Warn().Err(err).Msg("drop undecodable message")
		return
	}
	switch m := msg.(type) {
	case core.PeerJoined, core.PeerLeft:
		h.Metrics.RecordHubDrop(ctx, "forbidden")
		logger.Warn().Str("event", string(msg.Event())).Msg("membership events are hub-only")
		return
	case core.TalkState:
		if r, ok := h.Rooms.Get(room); ok {
			r.SetTalking(from, m.Talking)
		}
	}
	r, ok := h.Rooms.Get(room)
	if !ok {
		h.Metrics.RecordHubDrop(ctx, "no_room")
		logger.Warn().Msg("relay for a room that is gone")
		return
	}
	h.Metrics.RecordHubMessage(ctx, string(msg.Event()))
	h.broadcast(r, core.WithSender(msg, from))
}

// broadcast fans msg out to every member of r, applying Policy to members
// that cannot keep up.
func (h *Hub) broadcast(r *Room, msg core.Message) {
	data, err := core.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("encode broadcast")
		return
	}

	r.pub.Lock()
	defer r.pub.Unlock()
	for _, snap := range h.Registry.MembersOfRoom(r.ID) {
		err := snap.Conn.TrySend(data)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrBackpressure) || h.Policy == nil {
			continue
		}
		h.Metrics.RecordHubDrop(context.Background(), "backpressure")
		switch h.Policy.OnBackPressure(r.ID, snap.Participant) {
		case KickMember:
			log.Warn().Str("module", "hub").Str("room", string(r.ID)).Str("participant", string(snap.Participant)).Msg("kicking slow member")
			h.Registry.Cancel(r.ID, snap.Participant)
		case DropFrame, NoAction:
		}
	}
}

// Kick disconnects a member. Its socket teardown performs the Leave.
func (h *Hub) Kick(room domain.RoomID, id domain.ParticipantID) bool {
	return h.Registry.Cancel(room, id)
}

// EvictRoom disconnects every member of room.
func (h *Hub) EvictRoom(room domain.RoomID) {
	for _, snap := range h.Registry.MembersOfRoom(room) {
		h.Kick(room, snap.Participant)
	}
}
