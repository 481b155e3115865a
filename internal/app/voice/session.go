// Package voice turns a room subscription into a full mesh of peer links and
// gates the shared local track for push-to-talk.
//
// A Session owns one event loop. Transport messages, public calls and media
// callbacks all run on it, so the peer map needs no lock. A callback that
// arrives after its link was replaced or closed is dropped.
package voice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/app/media"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/observe"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config wires a Session to its collaborators.
type Config struct {
	Room domain.RoomID
	Self domain.ParticipantID

	Transport       core.Transport
	Media           core.MediaSource
	PeerConnections core.PeerConnectionFactory
	Sinks           core.AudioSinks

	// Constraints defaults to media.DefaultConstraints when zero.
	Constraints core.AudioConstraints
	// Rewrite is optional.
	Rewrite     SDPRewriter
	// Metrics defaults to observe.DefaultMetrics.
	Metrics     *observe.Metrics
}

// PeerInfo is a snapshot of one PeerLink. Seq is unique per link instance.
type PeerInfo struct {
	ID    domain.ParticipantID
	Role  Role
	State LinkState
	Seq   uint64
}

type Session struct {
	room  domain.RoomID
	self  domain.ParticipantID
	track core.LocalTrack

	transport core.Transport
	factory   core.PeerConnectionFactory
	sinks     core.AudioSinks
	rewrite   SDPRewriter
	metrics   *observe.Metrics

	// loop-owned
	peers   map[domain.ParticipantID]*PeerLink
	nextSeq uint64

	box   *mailbox
	quit  chan struct{}
	done  chan struct{}
	leave sync.Once

	// written by the loop before done is closed
	leaveErr error

	talkMu  sync.Mutex
	talking domain.TalkState

	logger zerolog.Logger
}

// Join acquires the microphone, subscribes to the room and starts the loop.
// Peer discovery is entirely driven by the hub's PeerJoined broadcasts.
// Errors are *JoinError.
func Join(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, &JoinError{Stage: StageConfig, Err: err}
	}
	logger := log.With().
		Str("module", "voice.session").
		Str("room", string(cfg.Room)).
		Str("participant", string(cfg.Self)).
		Logger()

	cons := cfg.Constraints
	if cons == (core.AudioConstraints{}) {
		cons = media.DefaultConstraints()
	}
	track, err := cfg.Media.AcquireAudio(ctx, cons)
	if err != nil {
		return nil, &JoinError{Stage: StageCapture, Err: err}
	}
	track.SetEnabled(false)

	inbound, err := cfg.Transport.Subscribe(ctx, cfg.Room, cfg.Self)
	if err != nil {
		if stopErr := track.Stop(); stopErr != nil {
			logger.Warn().Err(stopErr).Msg("release capture after failed subscribe")
		}
		return nil, &JoinError{Stage: StageSubscribe, Err: err}
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Session{
		room:      cfg.Room,
		self:      cfg.Self,
		track:     track,
		transport: cfg.Transport,
		factory:   cfg.PeerConnections,
		sinks:     cfg.Sinks,
		rewrite:   cfg.Rewrite,
		metrics:   metrics,
		peers:     make(map[domain.ParticipantID]*PeerLink),
		box:       newMailbox(),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		talking:   domain.Muted,
		logger:    logger,
	}
	go s.run(inbound)
	logger.Info().Msg("joined voice room")
	return s, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Room == "" {
		errs = append(errs, domain.ErrRoomEmpty)
	}
	if c.Self == "" {
		errs = append(errs, domain.ErrParticipantEmpty)
	}
	if c.Transport == nil {
		errs = append(errs, errors.New("transport is required"))
	}
	if c.Media == nil {
		errs = append(errs, errors.New("media source is required"))
	}
	if c.PeerConnections == nil {
		errs = append(errs, errors.New("peer connection factory is required"))
	}
	if c.Sinks == nil {
		errs = append(errs, errors.New("audio sinks are required"))
	}
	return errors.Join(errs...)
}

func (s *Session) Room() domain.RoomID        { return s.room }
func (s *Session) Self() domain.ParticipantID { return s.self }

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run(inbound <-chan core.Message) {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.leaveErr = s.teardown()
			return
		case msg, ok := <-inbound:
			if !ok {
				s.logger.Warn().Msg("signaling channel closed, existing links are kept")
				inbound = nil
				continue
			}
			s.dispatch(msg)
		case <-s.box.wake:
			for _, fn := range s.box.drain() {
				fn()
			}
		}
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(fn func()) error {
	ran := make(chan struct{})
	s.box.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// HandleMessage feeds msg through the same dispatch as transport traffic.
func (s *Session) HandleMessage(msg core.Message) error {
	return s.do(func() { s.dispatch(msg) })
}

func (s *Session) dispatch(msg core.Message) {
	switch m := msg.(type) {
	case core.PeerJoined:
		s.onPeerJoined(m.Participant)
	case core.PeerLeft:
		s.onPeerLeft(m.Participant)
	case core.Offer:
		if !s.addressedToMe(m) {
			return
		}
		s.onOffer(m)
	case core.Answer:
		if !s.addressedToMe(m) {
			return
		}
		s.onAnswer(m)
	case core.ICECandidate:
		if !s.addressedToMe(m) {
			return
		}
		s.onICECandidate(m)
	case core.TalkState:
		if m.From != s.self {
			s.logger.Debug().Str("peer", string(m.From)).Bool("talking", m.Talking).Msg("peer talk state")
		}
	default:
		s.logger.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("unhandled signaling message")
	}
}

func (s *Session) addressedToMe(m core.Directed) bool {
	from, to := m.Route()
	if to != s.self || from == s.self || from == "" {
		s.logger.Trace().Str("event", string(m.Event())).Str("from", string(from)).Str("to", string(to)).Msg("not for us")
		return false
	}
	return true
}

// onPeerJoined: only the member observing the join offers. The newcomer gets
// its own PeerJoined too and ignores it.
func (s *Session) onPeerJoined(id domain.ParticipantID) {
	if id == s.self {
		return
	}
	if _, ok := s.peers[id]; ok {
		return
	}
	link, err := s.openLink(id, RoleOfferer)
	if err != nil {
		s.logger.Error().Err(err).Str("peer", string(id)).Msg("create offerer link")
		return
	}
	if err := link.negotiate(); err != nil {
		s.logger.Error().Err(err).Str("peer", string(id)).Msg("offer failed")
		s.dropLink(link)
	}
}

func (s *Session) onPeerLeft(id domain.ParticipantID) {
	link, ok := s.peers[id]
	if !ok {
		return
	}
	s.dropLink(link)
	s.logger.Info().Str("peer", string(id)).Msg("peer left")
}

// onOffer: last offer wins; a stale link for the sender is replaced.
func (s *Session) onOffer(m core.Offer) {
	if old, ok := s.peers[m.From]; ok {
		s.logger.Info().Str("peer", string(m.From)).Str("old_role", old.role.String()).Msg("replacing link on new offer")
		s.dropLink(old)
	}
	link, err := s.openLink(m.From, RoleAnswerer)
	if err != nil {
		s.logger.Error().Err(err).Str("peer", string(m.From)).Msg("create answerer link")
		return
	}
	if err := link.handleOffer(m.SDP); err != nil {
		s.logger.Error().Err(err).Str("peer", string(m.From)).Msg("answer failed")
		s.dropLink(link)
	}
}

// onAnswer drops late or duplicate answers silently.
func (s *Session) onAnswer(m core.Answer) {
	link, ok := s.peers[m.From]
	if !ok {
		return
	}
	if err := link.handleAnswer(m.SDP); err != nil {
		s.logger.Error().Err(err).Str("peer", string(m.From)).Msg("apply answer failed")
		s.dropLink(link)
	}
}

// onICECandidate is best effort: candidates for an unknown link are dropped,
// not buffered.
func (s *Session) onICECandidate(m core.ICECandidate) {
	link, ok := s.peers[m.From]
	if !ok {
		s.logger.Debug().Str("peer", string(m.From)).Msg("candidate without link dropped")
		return
	}
	link.handleICECandidate(m.Candidate)
}

func (s *Session) openLink(id domain.ParticipantID, role Role) (*PeerLink, error) {
	s.nextSeq++
	var link *PeerLink
	link, err := newPeerLink(linkParams{
		self:      s.self,
		remote:    id,
		role:      role,
		seq:       s.nextSeq,
		local:     s.track,
		factory:   s.factory,
		transport: s.transport,
		sinks:     s.sinks,
		rewrite:   s.rewrite,
		metrics:   s.metrics,
		post:      func(fn func()) { s.box.post(func() { s.onLinkEvent(link, fn) }) },
	})
	if err != nil {
		return nil, err
	}
	s.peers[id] = link
	return link, nil
}

// onLinkEvent runs a media callback only if link is still the registered one.
func (s *Session) onLinkEvent(link *PeerLink, fn func()) {
	if link == nil || s.peers[link.remote] != link {
		return
	}
	fn()
	if link.state == LinkClosed {
		delete(s.peers, link.remote)
	}
}

func (s *Session) dropLink(link *PeerLink) {
	if s.peers[link.remote] == link {
		delete(s.peers, link.remote)
	}
	if err := link.close(); err != nil {
		s.logger.Warn().Err(err).Msg("close peer link")
	}
}

// Peers returns a snapshot sorted by participant id.
func (s *Session) Peers() []PeerInfo {
	var out []PeerInfo
	err := s.do(func() {
		out = make([]PeerInfo, 0, len(s.peers))
		for id, l := range s.peers {
			out = append(out, PeerInfo{ID: id, Role: l.role, State: l.state, Seq: l.seq})
		}
	})
	if err != nil {
		return nil
	}
	slices.SortFunc(out, func(a, b PeerInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// ApplyTalkState gates the local track at once and then announces the change.
// The announcement is advisory; its failure is logged and not returned.
func (s *Session) ApplyTalkState(talking bool) error {
	select {
	case <-s.quit:
		return ErrSessionClosed
	default:
	}

	s.talkMu.Lock()
	s.track.SetEnabled(talking)
	changed := s.talking != domain.TalkState(talking)
	s.talking = domain.TalkState(talking)
	s.talkMu.Unlock()

	if !changed {
		return nil
	}
	s.metrics.RecordTalkState(context.Background(), talking)
	s.logger.Debug().Bool("talking", talking).Msg("talk state applied")
	if err := s.transport.Push(core.TalkState{From: s.self, Talking: talking}); err != nil {
		s.logger.Warn().Err(err).Msg("talk state announcement not sent")
	}
	return nil
}

// Talking reports the last applied talk state.
func (s *Session) Talking() bool {
	s.talkMu.Lock()
	defer s.talkMu.Unlock()
	return bool(s.talking)
}

// Leave closes every link, releases the microphone and unsubscribes. It is the
// single teardown path for both user action and host shutdown and may be
// called any number of times from any goroutine.
func (s *Session) Leave() error {
	s.leave.Do(func() {
		close(s.quit)
		<-s.done
	})
	return s.leaveErr
}

// teardown keeps going past individual failures.
func (s *Session) teardown() error {
	var errs []error
	for id, link := range s.peers {
		delete(s.peers, id)
		if err := link.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.track.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("release capture: %w", err))
	}
	if err := s.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn().Err(err).Msg("left voice room with errors")
	} else {
		s.logger.Info().Msg("left voice room")
	}
	return err
}
