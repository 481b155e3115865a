package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/observe"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	cap    int
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrTransportClosed
	}
	if c.cap > 0 && len(c.frames) >= c.cap {
		return ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages(t *testing.T) []core.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Message, 0, len(c.frames))
	for _, f := range c.frames {
		m, err := core.Decode(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func newTestHub(t *testing.T, limiter *RateLimiter) *Hub {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	return New(SimplePolicy{}, limiter, m)
}

func encode(t *testing.T, msg core.Message) []byte {
	t.Helper()
	b, err := core.Encode(msg)
	require.NoError(t, err)
	return b
}

func TestJoinAnnouncesToWholeRoom(t *testing.T) {
	h := newTestHub(t, nil)
	a, b := &fakeConn{}, &fakeConn{}

	h.Join("r", "a", a, nil)
	h.Join("r", "b", b, nil)

	assert.Equal(t, []core.Message{core.PeerJoined{Participant: "a"}, core.PeerJoined{Participant: "b"}}, a.messages(t))
	assert.Equal(t, []core.Message{core.PeerJoined{Participant: "b"}}, b.messages(t))
	assert.Equal(t, []RoomInfo{{ID: "r", MemberCount: 2}}, h.Rooms.List())
}

func TestRelayStampsSenderAndBroadcasts(t *testing.T) {
	h := newTestHub(t, nil)
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.Join("r", "a", a, nil)
	h.Join("r", "b", b, nil)
	h.Join("other", "c", c, nil)
	a.reset()
	b.reset()

	offer := core.Offer{From: "mallory", To: "b", SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}}
	h.Relay("r", "a", encode(t, offer))

	want := core.Offer{From: "a", To: "b", SDP: offer.SDP}
	assert.Equal(t, []core.Message{want}, b.messages(t))
	assert.Equal(t, []core.Message{want}, a.messages(t), "broadcast medium: sender sees it too")
	assert.Len(t, c.messages(t), 1, "other rooms only saw their own join")
}

func TestRelayRejectsMembershipAndGarbage(t *testing.T) {
	h := newTestHub(t, nil)
	a, b := &fakeConn{}, &fakeConn{}
	h.Join("r", "a", a, nil)
	h.Join("r", "b", b, nil)
	b.reset()

	h.Relay("r", "a", encode(t, core.PeerLeft{Participant: "b"}))
	h.Relay("r", "a", []byte(`{"event":"nope"}`))
	h.Relay("r", "a", []byte(`not json`))

	assert.Empty(t, b.messages(t))
}

func TestTalkStateUpdatesPresence(t *testing.T) {
	h := newTestHub(t, nil)
	h.Join("r", "a", &fakeConn{}, nil)
	h.Relay("r", "a", encode(t, core.TalkState{Talking: true}))

	room, ok := h.Rooms.Get("r")
	require.True(t, ok)
	assert.Equal(t, []domain.Member{{ID: "a", Talking: true}}, room.Members())
}

func TestLeaveAnnouncesAndClosesEmptyRoom(t *testing.T) {
	h := newTestHub(t, nil)
	a, b := &fakeConn{}, &fakeConn{}
	h.Join("r", "a", a, nil)
	h.Join("r", "b", b, nil)
	a.reset()

	h.Leave("r", "b", b)
	h.Leave("r", "b", b)
	assert.Equal(t, []core.Message{core.PeerLeft{Participant: "b"}}, a.messages(t))

	h.Leave("r", "a", a)
	assert.Empty(t, h.Rooms.List())
}

func TestReconnectKicksOlderSocket(t *testing.T) {
	h := newTestHub(t, nil)
	a, oldB, newB := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.Join("r", "a", a, nil)
	canceled := false
	h.Join("r", "b", oldB, func() { canceled = true })
	a.reset()

	h.Join("r", "b", newB, nil)
	assert.True(t, oldB.isClosed())
	assert.True(t, canceled)
	assert.Equal(t, []core.Message{core.PeerLeft{Participant: "b"}, core.PeerJoined{Participant: "b"}}, a.messages(t))

	// the old socket's teardown must not remove the new one
	h.Leave("r", "b", oldB)
	conn, ok := h.Registry.Lookup("r", "b")
	require.True(t, ok)
	assert.Same(t, newB, conn)
}

func TestSlowMemberIsKicked(t *testing.T) {
	h := newTestHub(t, nil)
	a, slow := &fakeConn{}, &fakeConn{cap: 1}
	h.Join("r", "slow", slow, nil)
	h.Join("r", "a", a, nil)

	assert.True(t, slow.isClosed())
	assert.False(t, a.isClosed())
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(100, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow("a"))

	var none *RateLimiter
	assert.True(t, none.Allow("a"))
}

func TestRelayRateLimited(t *testing.T) {
	h := newTestHub(t, NewRateLimiter(1, time.Minute))
	a, b := &fakeConn{}, &fakeConn{}
	h.Join("r", "a", a, nil)
	h.Join("r", "b", b, nil)
	b.reset()

	msg := encode(t, core.TalkState{Talking: true})
	h.Relay("r", "a", msg)
	h.Relay("r", "a", msg)
	assert.Len(t, b.messages(t), 1)
}

func TestRoomManagerEnterExit(t *testing.T) {
	rm := NewRoomManager()
	first := rm.Enter("r", "a")

	_, closed, ok := rm.Exit("r", "a")
	require.True(t, ok)
	assert.True(t, closed)
	_, _, ok = rm.Exit("r", "a")
	assert.False(t, ok)

	second := rm.Enter("r", "b")
	assert.NotSame(t, first, second)
	assert.Same(t, second, rm.Enter("r", "c"))

	room, closed, ok := rm.Exit("r", "b")
	require.True(t, ok)
	assert.False(t, closed)
	assert.Same(t, second, room)
	assert.Equal(t, []RoomInfo{{ID: "r", MemberCount: 1}}, rm.List())
}

func TestJoinRacingLastLeaveKeepsRoom(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := newTestHub(t, nil)
		a, b := &fakeConn{}, &fakeConn{}
		h.Join("r", "a", a, nil)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			h.Leave("r", "a", a)
		}()
		go func() {
			defer wg.Done()
			<-start
			h.Join("r", "b", b, nil)
		}()
		close(start)
		wg.Wait()

		room, ok := h.Rooms.Get("r")
		require.True(t, ok, "iteration %d", i)
		require.Equal(t, []domain.Member{{ID: "b"}}, room.Members())

		b.reset()
		h.Relay("r", "b", encode(t, core.TalkState{Talking: true}))
		require.Equal(t, []core.Message{core.TalkState{From: "b", Talking: true}}, b.messages(t), "iteration %d", i)
	}
}
