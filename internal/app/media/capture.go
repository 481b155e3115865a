// Package media owns the local capture track, its push-to-talk gate and the
// per-peer playback sinks.
package media

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrUnsupportedConstraints = errors.New("unsupported capture constraints")

var opusSampleRates = []int{8000, 12000, 16000, 24000, 48000}

// DefaultConstraints is the fixed capture profile for voice rooms.
func DefaultConstraints() core.AudioConstraints {
	return core.AudioConstraints{
		SampleRate:       48000,
		Channels:         1,
		FrameDurationMs:  20,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// InputOpener opens the raw capture device.
type InputOpener func(c core.AudioConstraints) (core.PCMInput, error)

// EncoderFactory builds the encoder for one track.
type EncoderFactory func(c core.AudioConstraints) (Encoder, error)

// Capture implements core.MediaSource on top of a PCM device and an Opus encoder.
type Capture struct {
	Open       InputOpener
	NewEncoder EncoderFactory
}

var _ core.MediaSource = (*Capture)(nil)

// NewCapture wires the gopus encoder with bitrate bps (0 keeps the default).
func NewCapture(open InputOpener, bitrate int) *Capture {
	return &Capture{
		Open: open,
		NewEncoder: func(c core.AudioConstraints) (Encoder, error) {
			return NewOpusEncoder(c.SampleRate, c.Channels, c.FrameDurationMs, bitrate)
		},
	}
}

func validate(c core.AudioConstraints) error {
	if !slices.Contains(opusSampleRates, c.SampleRate) {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedConstraints, c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedConstraints, c.Channels)
	}
	switch c.FrameDurationMs {
	case 10, 20, 40, 60:
	default:
		return fmt.Errorf("%w: %d ms frames", ErrUnsupportedConstraints, c.FrameDurationMs)
	}
	return nil
}

// AcquireAudio opens the device and starts the capture pump. The returned
// track starts muted. ctx only bounds acquisition; the track lives until Stop.
func (c *Capture) AcquireAudio(ctx context.Context, cons core.AudioConstraints) (core.LocalTrack, error) {
	if err := validate(cons); err != nil {
		return nil, err
	}
	if c.Open == nil {
		return nil, core.ErrNoCaptureDevice
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in, err := c.Open(cons)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrNoCaptureDevice, err)
	}
	enc, err := c.NewEncoder(cons)
	if err != nil {
		_ = in.Close()
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio",
		"voicemesh-"+uuid.NewString(),
	)
	if err != nil {
		_ = in.Close()
		return nil, fmt.Errorf("media: new local track: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	g := &GatedTrack{
		track:   track,
		in:      in,
		enc:     enc,
		dsp:     newProcessor(cons.NoiseSuppression, cons.AutoGainControl),
		samples: cons.SampleRate * cons.FrameDurationMs / 1000 * cons.Channels,
		frame:   time.Duration(cons.FrameDurationMs) * time.Millisecond,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger: log.With().
			Str("module", "media.capture").
			Str("track_id", track.ID()).
			Logger(),
	}
	g.logger.Info().
		Int("sample_rate", cons.SampleRate).
		Int("channels", cons.Channels).
		Bool("echo_cancellation", cons.EchoCancellation).
		Bool("noise_suppression", cons.NoiseSuppression).
		Bool("auto_gain", cons.AutoGainControl).
		Msg("capture acquired")

	go g.pump(pumpCtx)
	return g, nil
}
