package hub

import (
	"context"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/rs/zerolog/log"
)

type memberKey struct {
	Room        domain.RoomID
	Participant domain.ParticipantID
}

type memberEntry struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry maps (room, participant) to the live socket. One socket per key.
type Registry struct {
	mu      sync.RWMutex
	members map[memberKey]*memberEntry
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[memberKey]*memberEntry)}
}

// Bind registers conn and returns the entry it displaced, if any.
func (r *Registry) Bind(
	room domain.RoomID,
	id domain.ParticipantID,
	conn core.SignalConnection,
	cancel context.CancelFunc,
) (previous *memberEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memberKey{room, id}
	previous = r.members[key]
	r.members[key] = &memberEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "hub.registry").Str("room", string(room)).Str("participant", string(id)).Bool("replaced", previous != nil).Msg("bound member")
	return previous
}

// Unbind removes the member only if conn is still the bound socket, so a
// kicked socket cannot unbind its replacement.
func (r *Registry) Unbind(room domain.RoomID, id domain.ParticipantID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memberKey{room, id}
	e, ok := r.members[key]
	if !ok || e.Conn != conn {
		return false
	}
	delete(r.members, key)
	log.Info().Str("module", "hub.registry").Str("room", string(room)).Str("participant", string(id)).Msg("unbound member")
	return true
}

func (r *Registry) Lookup(room domain.RoomID, id domain.ParticipantID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.members[memberKey{room, id}]
	if !ok {
		return nil, false
	}
	return e.Conn, true
}

type regSnap struct {
	Participant domain.ParticipantID
	Conn        core.SignalConnection
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.members))
	for k, e := range r.members {
		if k.Room == room {
			out = append(out, regSnap{Participant: k.Participant, Conn: e.Conn})
		}
	}
	return out
}

// Cancel stops the member's pumps and closes its socket.
func (r *Registry) Cancel(room domain.RoomID, id domain.ParticipantID) bool {
	r.mu.RLock()
	e, ok := r.members[memberKey{room, id}]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.kick()
	log.Info().Str("module", "hub.registry").Str("room", string(room)).Str("participant", string(id)).Msg("canceled member")
	return true
}

func (e *memberEntry) kick() {
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Conn.Close()
}
