package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedMessage = errors.New("malformed message")
)

// Event is the wire tag of a signaling message.
type Event string

const (
	EventPeerJoined   Event = "peer_joined"
	EventPeerLeft     Event = "peer_left"
	EventOffer        Event = "sdp_offer"
	EventAnswer       Event = "sdp_answer"
	EventICECandidate Event = "ice_candidate"
	EventTalkState    Event = "talk_state"
)

// Message is the closed set of signaling messages. Dispatch with a type switch.
type Message interface {
	Event() Event
	message()
}

// Directed messages are addressed to one participant. The room is a
// broadcast medium, so receivers must drop anything not addressed to them.
type Directed interface {
	Message
	Route() (from, to domain.ParticipantID)
}

type PeerJoined struct {
	Participant domain.ParticipantID
}

type PeerLeft struct {
	Participant domain.ParticipantID
}

type Offer struct {
	From, To domain.ParticipantID
	SDP      webrtc.SessionDescription
}

type Answer struct {
	From, To domain.ParticipantID
	SDP      webrtc.SessionDescription
}

type ICECandidate struct {
	From, To  domain.ParticipantID
	Candidate webrtc.ICECandidateInit
}

// TalkState is advisory presence; audio flow never depends on it.
type TalkState struct {
	From    domain.ParticipantID
	Talking bool
}

func (PeerJoined) Event() Event   { return EventPeerJoined }
func (PeerLeft) Event() Event     { return EventPeerLeft }
func (Offer) Event() Event        { return EventOffer }
func (Answer) Event() Event       { return EventAnswer }
func (ICECandidate) Event() Event { return EventICECandidate }
func (TalkState) Event() Event    { return EventTalkState }

func (PeerJoined) message()   {}
func (PeerLeft) message()     {}
func (Offer) message()        {}
func (Answer) message()       {}
func (ICECandidate) message() {}
func (TalkState) message()    {}

func (m Offer) Route() (domain.ParticipantID, domain.ParticipantID)        { return m.From, m.To }
func (m Answer) Route() (domain.ParticipantID, domain.ParticipantID)       { return m.From, m.To }
func (m ICECandidate) Route() (domain.ParticipantID, domain.ParticipantID) { return m.From, m.To }

// WithSender returns msg with its sender replaced by from. The hub uses it to
// stamp the authenticated identity on everything a member pushes.
func WithSender(msg Message, from domain.ParticipantID) Message {
	switch m := msg.(type) {
	case Offer:
		m.From = from
		return m
	case Answer:
		m.From = from
		return m
	case ICECandidate:
		m.From = from
		return m
	case TalkState:
		m.From = from
		return m
	case PeerJoined, PeerLeft:
		return m
	default:
		return msg
	}
}

// envelope is the JSON shape on the wire.
type envelope struct {
	Event     Event                      `json:"event"`
	UserID    domain.ParticipantID       `json:"user_id,omitempty"`
	From      domain.ParticipantID       `json:"from,omitempty"`
	To        domain.ParticipantID       `json:"to,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Talking   *bool                      `json:"talking,omitempty"`
}

// Encode renders msg in the wire format.
func Encode(msg Message) ([]byte, error) {
	env := envelope{Event: msg.Event()}
	switch m := msg.(type) {
	case PeerJoined:
		env.UserID = m.Participant
	case PeerLeft:
		env.UserID = m.Participant
	case Offer:
		env.From, env.To, env.SDP = m.From, m.To, &m.SDP
	case Answer:
		env.From, env.To, env.SDP = m.From, m.To, &m.SDP
	case ICECandidate:
		env.From, env.To, env.Candidate = m.From, m.To, &m.Candidate
	case TalkState:
		talking := m.Talking
		env.From, env.Talking = m.From, &talking
	default:
		return nil, fmt.Errorf("encode %T: %w", msg, ErrUnknownEvent)
	}
	return json.Marshal(env)
}

// Decode parses one wire message. Unknown tags yield ErrUnknownEvent so
// callers can skip them; missing payloads yield ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch env.Event {
	case EventPeerJoined, EventPeerLeft:
		if env.UserID == "" {
			return nil, fmt.Errorf("%s without user_id: %w", env.Event, ErrMalformedMessage)
		}
		if env.Event == EventPeerJoined {
			return PeerJoined{Participant: env.UserID}, nil
		}
		return PeerLeft{Participant: env.UserID}, nil
	case EventOffer, EventAnswer:
		if env.SDP == nil || env.SDP.SDP == "" {
			return nil, fmt.Errorf("%s without sdp: %w", env.Event, ErrMalformedMessage)
		}
		if env.Event == EventOffer {
			return Offer{From: env.From, To: env.To, SDP: *env.SDP}, nil
		}
		return Answer{From: env.From, To: env.To, SDP: *env.SDP}, nil
	case EventICECandidate:
		if env.Candidate == nil {
			return nil, fmt.Errorf("%s without candidate: %w", env.Event, ErrMalformedMessage)
		}
		return ICECandidate{From: env.From, To: env.To, Candidate: *env.Candidate}, nil
	case EventTalkState:
		if env.Talking == nil {
			return nil, fmt.Errorf("%s without talking: %w", env.Event, ErrMalformedMessage)
		}
		return TalkState{From: env.From, Talking: *env.Talking}, nil
	default:
		return nil, fmt.Errorf("%q: %w", env.Event, ErrUnknownEvent)
	}
}
