package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/observe"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

type fakePC struct {
	mu         sync.Mutex
	created    webrtc.SessionDescription
	local      webrtc.SessionDescription
	remote     webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     int
	preferred  string
	closed     bool

	offerErr error
	closeErr error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

func (p *fakePC) AddTrack(webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks++
	return nil
}

func (p *fakePC) PreferCodec(mime string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preferred = mime
	return nil
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	p.created = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	return p.created, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	return p.created, nil
}

// SetLocalDescription only accepts the description it generated, like pion.
func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d != p.created {
		return errors.New("new sdp does not match previous offer")
	}
	p.local = d
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = d
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) OnICECandidate(f func(webrtc.ICECandidateInit)) { p.onICE = f }
func (p *fakePC) OnTrack(f func(core.RemoteTrack))              { p.onTrack = f }
func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.onState = f
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.closeErr
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) remoteDesc() webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePC) localDesc() webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePC) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

// fakeFactory hands out fakePCs in creation order. prepare, if set, can
// configure each one before it is returned.
type fakeFactory struct {
	mu      sync.Mutex
	pcs     []*fakePC
	prepare func(n int, pc *fakePC)
	err     error
}

func (f *fakeFactory) NewPeerConnection() (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePC{}
	if f.prepare != nil {
		f.prepare(len(f.pcs), pc)
	}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) all() []*fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePC(nil), f.pcs...)
}

func (f *fakeFactory) last() *fakePC {
	pcs := f.all()
	if len(pcs) == 0 {
		return nil
	}
	return pcs[len(pcs)-1]
}

type fakeLocalTrack struct {
	enabled atomic.Bool
	stops   atomic.Int32
}

func (t *fakeLocalTrack) Track() webrtc.TrackLocal { return nil }
func (t *fakeLocalTrack) SetEnabled(e bool)        { t.enabled.Store(e) }
func (t *fakeLocalTrack) Enabled() bool            { return t.enabled.Load() }
func (t *fakeLocalTrack) Stop() error {
	t.stops.Add(1)
	return nil
}

type fakeMedia struct {
	track *fakeLocalTrack
	err   error
}

func (m *fakeMedia) AcquireAudio(context.Context, core.AudioConstraints) (core.LocalTrack, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.track.SetEnabled(true)
	return m.track, nil
}

type fakeSinks struct {
	mu       sync.Mutex
	attached map[domain.ParticipantID]core.RemoteTrack
	removed  []domain.ParticipantID
}

func newFakeSinks() *fakeSinks {
	return &fakeSinks{attached: map[domain.ParticipantID]core.RemoteTrack{}}
}

func (s *fakeSinks) Attach(id domain.ParticipantID, t core.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[id] = t
}

func (s *fakeSinks) Remove(id domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, id)
	s.removed = append(s.removed, id)
}

func (s *fakeSinks) get(id domain.ParticipantID) (core.RemoteTrack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.attached[id]
	return t, ok
}

type fakeRemoteTrack struct{ id string }

func (t fakeRemoteTrack) ID() string       { return t.id }
func (t fakeRemoteTrack) StreamID() string { return "s-" + t.id }
func (t fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, errors.New("fake track")
}

// fakeTransport records pushes; the test drives inbound traffic itself.
type fakeTransport struct {
	mu      sync.Mutex
	inbound chan core.Message
	pushed  []core.Message
	pushErr error
	subErr  error
	closes  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan core.Message, 64)}
}

func (t *fakeTransport) Subscribe(context.Context, domain.RoomID, domain.ParticipantID) (<-chan core.Message, error) {
	if t.subErr != nil {
		return nil, t.subErr
	}
	return t.inbound, nil
}

func (t *fakeTransport) Push(msg core.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pushErr != nil {
		return t.pushErr
	}
	t.pushed = append(t.pushed, msg)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) count(event core.Event) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.pushed {
		if m.Event() == event {
			n++
		}
	}
	return n
}

func (t *fakeTransport) messages() []core.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.Message(nil), t.pushed...)
}

// fakeHub is an in-memory broadcast room with the real hub's semantics:
// joins and leaves are announced to everyone, pushes are stamped and
// broadcast, receivers filter.
type fakeHub struct {
	mu   sync.Mutex
	subs map[domain.ParticipantID]chan core.Message
}

func newFakeHub() *fakeHub {
	return &fakeHub{subs: map[domain.ParticipantID]chan core.Message{}}
}

func (h *fakeHub) broadcastLocked(msg core.Message) {
	for _, ch := range h.subs {
		ch <- msg
	}
}

type hubTransport struct {
	hub  *fakeHub
	self domain.ParticipantID
	once sync.Once
}

func (h *fakeHub) transport() *hubTransport { return &hubTransport{hub: h} }

func (t *hubTransport) Subscribe(_ context.Context, _ domain.RoomID, self domain.ParticipantID) (<-chan core.Message, error) {
	t.self = self
	ch := make(chan core.Message, 256)
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.hub.subs[self] = ch
	t.hub.broadcastLocked(core.PeerJoined{Participant: self})
	return ch, nil
}

func (t *hubTransport) Push(msg core.Message) error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if _, ok := t.hub.subs[t.self]; !ok {
		return core.ErrTransportClosed
	}
	t.hub.broadcastLocked(core.WithSender(msg, t.self))
	return nil
}

func (t *hubTransport) Close() error {
	t.once.Do(func() {
		t.hub.mu.Lock()
		defer t.hub.mu.Unlock()
		if ch, ok := t.hub.subs[t.self]; ok {
			delete(t.hub.subs, t.self)
			close(ch)
		}
		t.hub.broadcastLocked(core.PeerLeft{Participant: t.self})
	})
	return nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

// harness is one participant with fake collaborators.
type harness struct {
	session   *Session
	transport *fakeTransport
	factory   *fakeFactory
	sinks     *fakeSinks
	track     *fakeLocalTrack
}

func newHarness(t *testing.T, self domain.ParticipantID) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		factory:   &fakeFactory{},
		sinks:     newFakeSinks(),
		track:     &fakeLocalTrack{},
	}
	s, err := Join(context.Background(), Config{
		Room:            "room-1",
		Self:            self,
		Transport:       h.transport,
		Media:           &fakeMedia{track: h.track},
		PeerConnections: h.factory,
		Sinks:           h.sinks,
		Metrics:         testMetrics(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Leave() })
	h.session = s
	return h
}

func (h *harness) feed(t *testing.T, msgs ...core.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, h.session.HandleMessage(m))
	}
}

func offerFrom(from, to domain.ParticipantID) core.Offer {
	return core.Offer{From: from, To: to, SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"}}
}

func answerFrom(from, to domain.ParticipantID) core.Answer {
	return core.Answer{From: from, To: to, SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote answer"}}
}
