package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/VoiceMesh/internal/adapters/device"
	"github.com/dkeye/VoiceMesh/internal/adapters/rtc"
	signaling "github.com/dkeye/VoiceMesh/internal/adapters/signal"
	"github.com/dkeye/VoiceMesh/internal/app/media"
	"github.com/dkeye/VoiceMesh/internal/app/ptt"
	"github.com/dkeye/VoiceMesh/internal/app/voice"
	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// Largest Opus frame a remote peer may send.
const maxRemoteFrameMs = 60

var errKeySourceClosed = errors.New("key source closed")

var joinCmd = &cobra.Command{
	Use:   "join [room]",
	Short: "Join a voice room",
	Long: `Join a voice room on the signaling hub.

Key events are read from --ptt-source as KEY:<code>:<DOWN|UP|REPEAT> lines.
End of that stream leaves the room, as does SIGINT or SIGTERM.

Examples:
  keyd-detector | voice join lobby --input mic.fifo
  voice join lobby --input silence --ptt-mode toggle`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJoin,
}

func init() {
	fs := joinCmd.Flags()
	fs.String("signal-url", "", "hub websocket endpoint")
	fs.String("participant", "", "participant id (random when empty)")
	fs.String("input", "", `raw s16le capture source: file, FIFO, "-" or "silence"`)
	fs.String("output-dir", "", "write one PCM file per remote peer here")
	fs.Int("bitrate", 0, "Opus target bitrate in bits per second")
	fs.Bool("loopback", false, "gather loopback candidates")
	fs.String("ptt-source", "", `key event source, "-" for stdin`)
	fs.String("ptt-mode", "", "hold or toggle")
	fs.Int("ptt-key", 0, "talk key code")
	fs.String("log-level", "", "log level")
}

var joinFlagKeys = map[string]string{
	"signal-url":  "voice.signal_url",
	"participant": "voice.participant",
	"input":       "capture.input",
	"output-dir":  "voice.output_dir",
	"bitrate":     "voice.target_bitrate",
	"loopback":    "voice.include_loopback",
	"ptt-source":  "ptt.source",
	"ptt-mode":    "ptt.mode",
	"ptt-key":     "ptt.key_code",
	"log-level":   "log.level",
}

func runJoin(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader()
	if err := bindFlags(loader.Viper(), cmd.Flags(), joinFlagKeys); err != nil {
		return err
	}
	if len(args) == 1 {
		loader.Viper().Set("voice.room", args[0])
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	setLogLevel(cfg.Log.Level)

	room, err := domain.ParseRoomID(cfg.Voice.Room)
	if err != nil {
		return fmt.Errorf("room: %w", err)
	}
	self := domain.NewParticipantID()
	if cfg.Voice.Participant != "" {
		if self, err = domain.ParseParticipantID(cfg.Voice.Participant); err != nil {
			return fmt.Errorf("participant: %w", err)
		}
	}
	mode, err := ptt.ParseMode(cfg.PTT.Mode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	iceServers := make([]rtc.ICEServer, 0, len(cfg.Voice.ICEServers))
	for _, s := range cfg.Voice.ICEServers {
		iceServers = append(iceServers, rtc.ICEServer(s))
	}
	factory, err := rtc.NewFactory(rtc.Options{
		ICEServers:      iceServers,
		IncludeLoopback: cfg.Voice.IncludeLoopback,
	})
	if err != nil {
		return err
	}

	cons := constraints(cfg.Capture)
	sinks := media.NewSinks(device.OutputOpener(cfg.Voice.OutputDir), func() (media.Decoder, error) {
		return media.NewOpusDecoder(cons.SampleRate, cons.Channels, maxRemoteFrameMs)
	})
	defer sinks.Close()

	transport := signaling.NewWSTransport(cfg.Voice.SignalURL, cfg.Voice.PingPeriod)

	var rewrite voice.SDPRewriter
	if bps := cfg.Voice.TargetBitrate; bps > 0 {
		rewrite = func(sdp string) (string, error) { return rtc.SetOpusBitrate(sdp, bps) }
	}

	session, err := voice.Join(ctx, voice.Config{
		Room:            room,
		Self:            self,
		Transport:       transport,
		Media:           media.NewCapture(device.InputOpener(cfg.Capture.Input), cfg.Voice.TargetBitrate),
		PeerConnections: factory,
		Sinks:           sinks,
		Constraints:     cons,
		Rewrite:         rewrite,
	})
	if err != nil {
		_ = transport.Close()
		return err
	}
	defer func() {
		if err := session.Leave(); err != nil {
			log.Warn().Err(err).Str("module", "cmd.voice").Msg("leave finished with errors")
		}
	}()

	keys, err := openKeySource(cfg.PTT.Source)
	if err != nil {
		return err
	}
	defer keys.Close()

	src := ptt.NewLineSource(keys, cfg.PTT.KeyCode)
	gate := ptt.NewGate(session, mode)
	loader.Watch(func(c *config.Config) {
		if c.PTT.KeyCode != src.KeyCode() {
			src.SetKeyCode(c.PTT.KeyCode)
			if err := gate.Release(); err != nil {
				log.Warn().Err(err).Str("module", "cmd.voice").Msg("mute on key change")
			}
		}
		m, err := ptt.ParseMode(c.PTT.Mode)
		if err != nil {
			log.Warn().Err(err).Str("module", "cmd.voice").Msg("ignoring push-to-talk mode")
			return
		}
		if err := gate.SetMode(m); err != nil {
			log.Warn().Err(err).Str("module", "cmd.voice").Msg("mute on mode change")
		}
	})

	log.Info().
		Str("module", "cmd.voice").
		Str("room", string(room)).
		Str("participant", string(self)).
		Str("mode", string(mode)).
		Int("key_code", cfg.PTT.KeyCode).
		Msg("ready, hold the talk key to speak")

	g, gctx := errgroup.WithContext(ctx)
	events := make(chan bool)

	// A blocked read on stdin cannot be interrupted, so the source runs
	// outside the group.
	srcDone := make(chan error, 1)
	go func() { srcDone <- src.Run(gctx, events) }()

	g.Go(func() error { return gate.Run(gctx, events) })
	g.Go(func() error {
		select {
		case err := <-srcDone:
			if err != nil {
				return err
			}
			return errKeySourceClosed
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error { return reportPeers(gctx, session) })

	err = g.Wait()
	switch {
	case errors.Is(err, errKeySourceClosed):
		log.Info().Str("module", "cmd.voice").Msg("key source closed, leaving")
		return nil
	case errors.Is(err, context.Canceled), err == nil:
		log.Info().Str("module", "cmd.voice").Msg("leaving")
		return nil
	default:
		return err
	}
}

func constraints(c config.CaptureConfig) core.AudioConstraints {
	return core.AudioConstraints{
		SampleRate:       c.SampleRate,
		Channels:         c.Channels,
		FrameDurationMs:  c.FrameMs,
		EchoCancellation: c.EchoCancellation,
		NoiseSuppression: c.NoiseSuppression,
		AutoGainControl:  c.AutoGain,
	}
}

func openKeySource(path string) (io.ReadCloser, error) {
	if path == "" || path == device.Stdin {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open key source: %w", err)
	}
	return f, nil
}

func reportPeers(ctx context.Context, s *voice.Session) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			return nil
		case <-ticker.C:
			for _, p := range s.Peers() {
				log.Debug().
					Str("module", "cmd.voice").
					Str("peer", string(p.ID)).
					Str("role", p.Role.String()).
					Str("state", p.State.String()).
					Msg("peer link")
			}
		}
	}
}
