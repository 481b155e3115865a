package core

import (
	"context"
	"errors"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var ErrNoCaptureDevice = errors.New("no capture device")

// PeerConnection is the negotiation primitive one PeerLink owns.
// Callbacks may fire on any goroutine.
type PeerConnection interface {
	// AddTrack attaches the shared local track.
	AddTrack(track webrtc.TrackLocal) error
	// PreferCodec moves mimeType to the front of every audio transceiver's
	// codec list. Must be called before CreateOffer.
	PreferCodec(mimeType string) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// Close should stop all underlying media resources.
	Close() error
}

// PeerConnectionFactory allocates a fresh connection per PeerLink.
type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// RemoteTrack is the receive side of a peer's audio. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// AudioSinks renders remote audio, one sink per participant.
type AudioSinks interface {
	// Attach starts rendering track for id, replacing any existing sink for id.
	Attach(id domain.ParticipantID, track RemoteTrack)
	// Remove stops and drops the sink for id. No-op when absent.
	Remove(id domain.ParticipantID)
}

// AudioConstraints is what a capture device is asked for.
type AudioConstraints struct {
	SampleRate       int
	Channels         int
	FrameDurationMs  int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// LocalTrack is the single captured audio track shared by every PeerLink.
type LocalTrack interface {
	Track() webrtc.TrackLocal
	// SetEnabled toggles transmission in place, without renegotiation.
	SetEnabled(enabled bool)
	Enabled() bool
	// Stop releases the capture device. Safe to call more than once.
	Stop() error
}

// MediaSource acquires the local audio track.
type MediaSource interface {
	AcquireAudio(ctx context.Context, c AudioConstraints) (LocalTrack, error)
}

// PCMInput is a raw capture device producing interleaved int16 frames.
type PCMInput interface {
	// ReadFrame fills frame completely or returns an error.
	ReadFrame(frame []int16) error
	Close() error
}

// PCMOutput is a playback device for one decoded remote stream.
type PCMOutput interface {
	WriteFrame(frame []int16) error
	Close() error
}
