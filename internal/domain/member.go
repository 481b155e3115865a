package domain

// Member represents participant's presence meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	ID      ParticipantID `json:"id"`
	Talking bool          `json:"talking"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(id ParticipantID) *Member {
	return &Member{ID: id}
}
