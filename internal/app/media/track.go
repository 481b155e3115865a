package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

const stopWait = time.Second

type TrackState int32

const (
	TrackStateMuted TrackState = iota // zero value: push-to-talk starts muted
	TrackStateLive
	TrackStateStopped
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateStopped:
		return "stopped"
	default:
		return "muted"
	}
}

// GatedTrack is the one captured audio track every PeerLink sends.
// The gate is a single atomic flag read by the capture pump, so muting is
// O(1) whatever the number of peers and never touches negotiation.
type GatedTrack struct {
	track *webrtc.TrackLocalStaticSample
	state atomic.Int32

	in      core.PCMInput
	enc     Encoder
	dsp     processor
	samples int
	frame   time.Duration

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	logger zerolog.Logger
}

var _ core.LocalTrack = (*GatedTrack)(nil)

func (g *GatedTrack) Track() webrtc.TrackLocal { return g.track }

func (g *GatedTrack) GetState() TrackState { return TrackState(g.state.Load()) }

func (g *GatedTrack) Enabled() bool { return g.GetState() == TrackStateLive }

// SetEnabled flips the gate. A stopped track stays stopped.
func (g *GatedTrack) SetEnabled(enabled bool) {
	next := TrackStateMuted
	if enabled {
		next = TrackStateLive
	}
	for {
		cur := g.state.Load()
		if TrackState(cur) == TrackStateStopped {
			return
		}
		if g.state.CompareAndSwap(cur, int32(next)) {
			if TrackState(cur) != next {
				g.logger.Debug().Str("state", next.String()).Msg("track gate changed")
			}
			return
		}
	}
}

// Stop halts the pump and releases the device.
func (g *GatedTrack) Stop() error {
	g.stopOnce.Do(func() {
		g.state.Store(int32(TrackStateStopped))
		g.cancel()
		g.stopErr = g.in.Close()
		select {
		case <-g.done:
			g.logger.Info().Msg("capture released")
		case <-time.After(stopWait):
			// a read on an uninterruptible source such as stdin
			g.logger.Warn().Msg("capture pump still blocked in read")
		}
	})
	return g.stopErr
}

// pump reads frames for the lifetime of the track. Muted frames are read and
// dropped so the device never backs up.
func (g *GatedTrack) pump(ctx context.Context) {
	defer close(g.done)
	frame := make([]int16, g.samples)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := g.in.ReadFrame(frame); err != nil {
			if ctx.Err() == nil {
				g.logger.Error().Err(err).Msg("capture read error, stopping")
			}
			g.state.Store(int32(TrackStateStopped))
			return
		}
		if g.GetState() != TrackStateLive {
			continue
		}
		g.dsp.process(frame)
		packet, err := g.enc.Encode(frame)
		if err != nil {
			g.logger.Error().Err(err).Msg("opus encode")
			continue
		}
		if err := g.track.WriteSample(media.Sample{Data: packet, Duration: g.frame}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			g.logger.Warn().Err(err).Msg("write sample")
		}
	}
}
