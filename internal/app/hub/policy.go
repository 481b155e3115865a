package hub

import "github.com/dkeye/VoiceMesh/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what to do with a member whose send buffer is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, member domain.ParticipantID) BackpressureAction
}

// SimplePolicy kicks slow consumers; a signaling peer that misses messages
// would hold a broken mesh anyway.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomID, domain.ParticipantID) BackpressureAction {
	return KickMember
}
