package voice

import (
	"context"
	"fmt"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/observe"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Role is fixed when a PeerLink is built and never inferred later.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

type LinkState int

const (
	LinkIdle LinkState = iota
	LinkNegotiating
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	default:
		return "idle"
	}
}

// SDPRewriter edits a local description before it is applied, e.g. to set a
// target audio bitrate.
type SDPRewriter func(sdp string) (string, error)

// linkParams is everything a PeerLink needs. post schedules work on the
// session loop and runs it only while the link is still current.
type linkParams struct {
	self, remote domain.ParticipantID
	role         Role
	seq          uint64
	local        core.LocalTrack
	factory      core.PeerConnectionFactory
	transport    core.Transport
	sinks        core.AudioSinks
	rewrite      SDPRewriter
	metrics      *observe.Metrics
	post         func(fn func())
}

// PeerLink is the connection to one remote participant. All methods run on
// the session loop.
type PeerLink struct {
	self, remote domain.ParticipantID
	role         Role
	seq          uint64
	state        LinkState

	pc        core.PeerConnection
	transport core.Transport
	sinks     core.AudioSinks
	rewrite   SDPRewriter
	metrics   *observe.Metrics

	logger zerolog.Logger
}

// newPeerLink allocates the connection, attaches the shared local track,
// prefers Opus and registers the media callbacks.
func newPeerLink(p linkParams) (*PeerLink, error) {
	l := &PeerLink{
		self:      p.self,
		remote:    p.remote,
		role:      p.role,
		seq:       p.seq,
		state:     LinkIdle,
		transport: p.transport,
		sinks:     p.sinks,
		rewrite:   p.rewrite,
		metrics:   p.metrics,
		logger: log.With().
			Str("module", "voice.peer").
			Str("peer", string(p.remote)).
			Str("role", p.role.String()).
			Uint64("link", p.seq).
			Logger(),
	}

	pc, err := p.factory.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l.pc = pc

	if err := pc.AddTrack(p.local.Track()); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add local track: %w", err)
	}
	if err := pc.PreferCodec(webrtc.MimeTypeOpus); err != nil {
		l.logger.Warn().Err(err).Msg("opus preference not applied")
	}

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		p.post(func() { l.sendCandidate(c) })
	})
	pc.OnTrack(func(track core.RemoteTrack) {
		p.post(func() { l.attach(track) })
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		p.post(func() { l.onConnectionState(st) })
	})

	l.state = LinkNegotiating
	l.metrics.PeerLinkOpened(context.Background(), l.role.String())
	l.logger.Debug().Msg("peer link created")
	return l, nil
}

func (l *PeerLink) Role() Role       { return l.role }
func (l *PeerLink) State() LinkState { return l.state }

// negotiate runs the offerer side: offer, local description, push. The local
// description is applied exactly as generated; only the signaled copy is
// rewritten.
func (l *PeerLink) negotiate() error {
	offer, err := l.pc.CreateOffer()
	if err != nil {
		return l.failed("create offer", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return l.failed("set local offer", err)
	}
	signaled, err := l.applyRewrite(offer)
	if err != nil {
		return l.failed("rewrite offer", err)
	}
	if err := l.transport.Push(core.Offer{From: l.self, To: l.remote, SDP: signaled}); err != nil {
		return l.failed("push offer", err)
	}
	l.metrics.RecordNegotiation(context.Background(), l.role.String(), "offered")
	l.logger.Debug().Msg("offer sent")
	return nil
}

// handleOffer runs the answerer side.
func (l *PeerLink) handleOffer(sdp webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return l.failed("set remote offer", err)
	}
	answer, err := l.pc.CreateAnswer()
	if err != nil {
		return l.failed("create answer", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return l.failed("set local answer", err)
	}
	signaled, err := l.applyRewrite(answer)
	if err != nil {
		return l.failed("rewrite answer", err)
	}
	if err := l.transport.Push(core.Answer{From: l.self, To: l.remote, SDP: signaled}); err != nil {
		return l.failed("push answer", err)
	}
	l.metrics.RecordNegotiation(context.Background(), l.role.String(), "answered")
	l.logger.Debug().Msg("answer sent")
	return nil
}

func (l *PeerLink) handleAnswer(sdp webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return l.failed("set remote answer", err)
	}
	l.metrics.RecordNegotiation(context.Background(), l.role.String(), "completed")
	return nil
}

// handleICECandidate failures never escalate past this link.
func (l *PeerLink) handleICECandidate(c webrtc.ICECandidateInit) {
	if err := l.pc.AddICECandidate(c); err != nil {
		l.logger.Warn().Err(err).Msg("add ice candidate")
	}
}

// close is idempotent. The sink for the remote id goes with the link.
func (l *PeerLink) close() error {
	if l.state == LinkClosed {
		return nil
	}
	l.state = LinkClosed
	l.sinks.Remove(l.remote)
	l.metrics.PeerLinkClosed(context.Background(), l.role.String())
	err := l.pc.Close()
	if err != nil {
		err = fmt.Errorf("close link to %s: %w", l.remote, err)
	}
	l.logger.Debug().Msg("peer link closed")
	return err
}

func (l *PeerLink) sendCandidate(c webrtc.ICECandidateInit) {
	if err := l.transport.Push(core.ICECandidate{From: l.self, To: l.remote, Candidate: c}); err != nil {
		l.logger.Warn().Err(err).Msg("push ice candidate")
	}
}

func (l *PeerLink) attach(track core.RemoteTrack) {
	l.logger.Info().Str("track_id", track.ID()).Msg("remote audio arrived")
	l.sinks.Attach(l.remote, track)
}

// onConnectionState is observe-only apart from terminal states. There is no
// automatic recovery; a new join is the way back.
func (l *PeerLink) onConnectionState(st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if l.state == LinkNegotiating {
			l.state = LinkConnected
			l.logger.Info().Msg("peer connected")
		}
	case webrtc.PeerConnectionStateDisconnected:
		l.logger.Warn().Msg("peer disconnected")
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		l.logger.Warn().Str("state", st.String()).Msg("peer connection ended")
		if err := l.close(); err != nil {
			l.logger.Error().Err(err).Msg("close after failure")
		}
	default:
		l.logger.Debug().Str("state", st.String()).Msg("peer connection state")
	}
}

// applyRewrite returns a rewritten copy for the remote side. The connection
// refuses a local description that differs from the one it created.
func (l *PeerLink) applyRewrite(desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if l.rewrite == nil {
		return desc, nil
	}
	out, err := l.rewrite(desc.SDP)
	if err != nil {
		return desc, err
	}
	desc.SDP = out
	return desc, nil
}

func (l *PeerLink) failed(step string, err error) error {
	l.metrics.RecordNegotiation(context.Background(), l.role.String(), "failed")
	return fmt.Errorf("%s: %w", step, err)
}
