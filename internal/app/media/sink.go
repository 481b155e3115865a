package media

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// OutputOpener opens the playback device for one remote participant.
type OutputOpener func(id domain.ParticipantID) (core.PCMOutput, error)

// DecoderFactory builds a fresh decoder for one remote stream.
type DecoderFactory func() (Decoder, error)

// sink renders one remote track until stopped or the track ends.
type sink struct {
	id      domain.ParticipantID
	track   core.RemoteTrack
	dec     Decoder
	out     core.PCMOutput
	stopped atomic.Bool
	done    chan struct{}
}

func (s *sink) run() {
	defer close(s.done)
	logger := log.With().Str("module", "media.sink").Str("peer", string(s.id)).Str("track_id", s.track.ID()).Logger()
	for {
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			if !s.stopped.Load() {
				logger.Info().Err(err).Msg("remote track ended")
			}
			return
		}
		if s.stopped.Load() {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := s.dec.Decode(pkt.Payload)
		if err != nil {
			logger.Debug().Err(err).Msg("drop undecodable packet")
			continue
		}
		if err := s.out.WriteFrame(pcm); err != nil {
			logger.Error().Err(err).Msg("playback write error, stopping sink")
			return
		}
	}
}

// stop detaches the output. The read loop ends once the track's
// connection is closed.
func (s *sink) stop() {
	if s.stopped.Swap(true) {
		return
	}
	_ = s.out.Close()
}

// Sinks is the set of playback sinks, one per remote participant.
type Sinks struct {
	open       OutputOpener
	newDecoder DecoderFactory

	mu    sync.Mutex
	sinks map[domain.ParticipantID]*sink
}

var _ core.AudioSinks = (*Sinks)(nil)

func NewSinks(open OutputOpener, newDecoder DecoderFactory) *Sinks {
	return &Sinks{
		open:       open,
		newDecoder: newDecoder,
		sinks:      make(map[domain.ParticipantID]*sink),
	}
}

// Attach replaces any sink already rendering id.
func (s *Sinks) Attach(id domain.ParticipantID, track core.RemoteTrack) {
	logger := log.With().Str("module", "media.sink").Str("peer", string(id)).Logger()

	s.mu.Lock()
	old, ok := s.sinks[id]
	delete(s.sinks, id)
	s.mu.Unlock()
	if ok {
		logger.Info().Msg("replacing stale sink")
		old.stop()
	}

	dec, err := s.newDecoder()
	if err != nil {
		logger.Error().Err(err).Msg("sink decoder")
		return
	}
	out, err := s.open(id)
	if err != nil {
		logger.Error().Err(err).Msg("sink output")
		return
	}
	sk := &sink{id: id, track: track, dec: dec, out: out, done: make(chan struct{})}

	s.mu.Lock()
	s.sinks[id] = sk
	s.mu.Unlock()

	logger.Info().Str("track_id", track.ID()).Msg("sink attached")
	go sk.run()
}

func (s *Sinks) Remove(id domain.ParticipantID) {
	s.mu.Lock()
	sk, ok := s.sinks[id]
	delete(s.sinks, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	sk.stop()
	log.Info().Str("module", "media.sink").Str("peer", string(id)).Msg("sink removed")
}

// Active lists participants currently being rendered.
func (s *Sinks) Active() []domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(s.sinks))
	for id := range s.sinks {
		out = append(out, id)
	}
	return out
}

// Close removes every sink.
func (s *Sinks) Close() {
	for _, id := range s.Active() {
		s.Remove(id)
	}
}
