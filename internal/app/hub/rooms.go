package hub

import (
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

// Room keeps presence and advisory talk state. pub serialises broadcasts so
// every member sees the same order.
type Room struct {
	ID domain.RoomID

	pub sync.Mutex

	mu      sync.RWMutex
	members map[domain.ParticipantID]*domain.Member
}

func newRoom(id domain.RoomID) *Room {
	return &Room{ID: id, members: make(map[domain.ParticipantID]*domain.Member)}
}

func (r *Room) AddMember(id domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[id] = domain.NewMember(id)
}

func (r *Room) RemoveMember(id domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
}

func (r *Room) SetTalking(id domain.ParticipantID, talking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[id]; ok {
		m.Talking = talking
	}
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members is sorted by id.
func (r *Room) Members() []domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b domain.Member) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}

type RoomManager struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
}

func NewRoomManager() *RoomManager {
	return &RoomManager{rooms: make(map[domain.RoomID]*Room)}
}

// Enter adds id to the room, creating it if needed. Both steps happen under
// the manager lock so a concurrent Exit cannot close the room in between.
func (f *RoomManager) Enter(roomID domain.RoomID, id domain.ParticipantID) *Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		room = newRoom(roomID)
		f.rooms[roomID] = room
	}
	room.AddMember(id)
	return room
}

func (f *RoomManager) Get(id domain.RoomID) (*Room, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

// List is sorted by room id.
func (f *RoomManager) List() []RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, RoomInfo{ID: id, MemberCount: r.MemberCount()})
	}
	slices.SortFunc(out, func(a, b RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

// Exit removes id and drops the room once its last member is gone. ok is
// false when the room does not exist.
func (f *RoomManager) Exit(roomID domain.RoomID, id domain.ParticipantID) (room *Room, closed, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok = f.rooms[roomID]
	if !ok {
		return nil, false, false
	}
	room.RemoveMember(id)
	if room.MemberCount() == 0 {
		delete(f.rooms, roomID)
		closed = true
	}
	return room, closed, true
}
