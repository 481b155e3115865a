package domain

// TalkState is the local transmit gate. Push-to-talk starts muted.
type TalkState bool

const (
	Muted   TalkState = false
	Talking TalkState = true
)

func (t TalkState) String() string {
	if t {
		return "talking"
	}
	return "muted"
}
