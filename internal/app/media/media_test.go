package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInput produces loud frames until closed.
type fakeInput struct {
	closed atomic.Bool
	reads  atomic.Int64
}

func (f *fakeInput) ReadFrame(frame []int16) error {
	if f.closed.Load() {
		return io.EOF
	}
	time.Sleep(time.Millisecond)
	for i := range frame {
		frame[i] = 5000
	}
	f.reads.Add(1)
	return nil
}

func (f *fakeInput) Close() error {
	f.closed.Store(true)
	return nil
}

type countingEncoder struct{ calls atomic.Int64 }

func (e *countingEncoder) Encode(pcm []int16) ([]byte, error) {
	e.calls.Add(1)
	return []byte{0xf8, 0xff, 0xfe}, nil
}

func newTestCapture(in *fakeInput, enc *countingEncoder) *Capture {
	return &Capture{
		Open:       func(core.AudioConstraints) (core.PCMInput, error) { return in, nil },
		NewEncoder: func(core.AudioConstraints) (Encoder, error) { return enc, nil },
	}
}

func TestAcquireStartsMutedAndGates(t *testing.T) {
	in, enc := &fakeInput{}, &countingEncoder{}
	track, err := newTestCapture(in, enc).AcquireAudio(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	t.Cleanup(func() { _ = track.Stop() })

	assert.False(t, track.Enabled())
	require.Eventually(t, func() bool { return in.reads.Load() > 5 }, time.Second, time.Millisecond)
	assert.Zero(t, enc.calls.Load(), "muted frames must not be encoded")

	track.SetEnabled(true)
	assert.True(t, track.Enabled())
	require.Eventually(t, func() bool { return enc.calls.Load() > 0 }, time.Second, time.Millisecond)

	track.SetEnabled(false)
	assert.False(t, track.Enabled())
	track.SetEnabled(true)
	assert.True(t, track.Enabled())
}

func TestStopIsIdempotentAndFinal(t *testing.T) {
	in := &fakeInput{}
	track, err := newTestCapture(in, &countingEncoder{}).AcquireAudio(context.Background(), DefaultConstraints())
	require.NoError(t, err)

	require.NoError(t, track.Stop())
	require.NoError(t, track.Stop())
	assert.True(t, in.closed.Load())

	track.SetEnabled(true)
	assert.False(t, track.Enabled(), "stopped track cannot be re-enabled")
	assert.Equal(t, TrackStateStopped, track.(*GatedTrack).GetState())
}

func TestAcquireFailures(t *testing.T) {
	c := &Capture{
		Open: func(core.AudioConstraints) (core.PCMInput, error) { return nil, errors.New("no such device") },
	}
	_, err := c.AcquireAudio(context.Background(), DefaultConstraints())
	assert.ErrorIs(t, err, core.ErrNoCaptureDevice)

	_, err = (&Capture{}).AcquireAudio(context.Background(), DefaultConstraints())
	assert.ErrorIs(t, err, core.ErrNoCaptureDevice)

	bad := DefaultConstraints()
	bad.SampleRate = 44100
	_, err = newTestCapture(&fakeInput{}, &countingEncoder{}).AcquireAudio(context.Background(), bad)
	assert.ErrorIs(t, err, ErrUnsupportedConstraints)
}

func TestProcessorNoiseGateAndGain(t *testing.T) {
	p := newProcessor(true, true)
	quiet := []int16{10, -10, 12, -8}
	p.process(quiet)
	assert.Equal(t, []int16{0, 0, 0, 0}, quiet)

	loud := []int16{1000, -1000, 1000, -1000}
	p.process(loud)
	assert.Greater(t, loud[0], int16(1000), "gain should lift a quiet talker")

	off := newProcessor(false, false)
	same := []int16{1, 2, 3}
	off.process(same)
	assert.Equal(t, []int16{1, 2, 3}, same)
}

// fakeRemoteTrack replays packets then blocks until released.
type fakeRemoteTrack struct {
	id      string
	packets chan *rtp.Packet
}

func newFakeRemoteTrack(id string, payloads ...[]byte) *fakeRemoteTrack {
	t := &fakeRemoteTrack{id: id, packets: make(chan *rtp.Packet, len(payloads))}
	for _, p := range payloads {
		t.packets <- &rtp.Packet{Payload: p}
	}
	return t
}

func (t *fakeRemoteTrack) ID() string       { return t.id }
func (t *fakeRemoteTrack) StreamID() string { return "stream-" + t.id }
func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-t.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}
func (t *fakeRemoteTrack) end() { close(t.packets) }

type passDecoder struct{}

func (passDecoder) Decode(packet []byte) ([]int16, error) {
	return []int16{int16(len(packet))}, nil
}

type recordingOutput struct {
	mu     sync.Mutex
	frames [][]int16
	closed bool
}

func (o *recordingOutput) WriteFrame(frame []int16) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, frame)
	return nil
}

func (o *recordingOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func (o *recordingOutput) snapshot() (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames), o.closed
}

func TestSinksAttachReplaceRemove(t *testing.T) {
	var mu sync.Mutex
	outputs := map[domain.ParticipantID][]*recordingOutput{}
	sinks := NewSinks(
		func(id domain.ParticipantID) (core.PCMOutput, error) {
			mu.Lock()
			defer mu.Unlock()
			o := &recordingOutput{}
			outputs[id] = append(outputs[id], o)
			return o, nil
		},
		func() (Decoder, error) { return passDecoder{}, nil },
	)

	first := newFakeRemoteTrack("t1", []byte{1, 2}, []byte{3})
	sinks.Attach("bob", first)
	require.Eventually(t, func() bool {
		n, _ := outputs["bob"][0].snapshot()
		return n == 2
	}, time.Second, time.Millisecond)

	second := newFakeRemoteTrack("t2")
	sinks.Attach("bob", second)
	_, closed := outputs["bob"][0].snapshot()
	assert.True(t, closed, "stale sink must be stopped on replace")
	assert.Equal(t, []domain.ParticipantID{"bob"}, sinks.Active())

	sinks.Remove("bob")
	sinks.Remove("bob")
	_, closed = outputs["bob"][1].snapshot()
	assert.True(t, closed)
	assert.Empty(t, sinks.Active())

	first.end()
	second.end()
}
