package rtc

import (
	"fmt"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ICEServer mirrors the config file shape.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Options struct {
	ICEServers      []ICEServer
	// IncludeLoopback gathers 127.0.0.1 candidates, for peers on one host.
	IncludeLoopback bool
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// Factory builds pion peer connections sharing one API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	codecs []webrtc.RTPCodecParameters
}

var _ core.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(opts Options) (*Factory, error) {
	codecs := audioCodecs()
	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{}
	s.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	cfg := DefaultWebRTCConfig()
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = make([]webrtc.ICEServer, 0, len(opts.ICEServers))
		for _, srv := range opts.ICEServers {
			ice := webrtc.ICEServer{URLs: srv.URLs, Username: srv.Username}
			if srv.Credential != "" {
				ice.Credential = srv.Credential
			}
			cfg.ICEServers = append(cfg.ICEServers, ice)
		}
	}

	log.Info().
		Str("module", "webrtc").
		Int("ice_servers", len(cfg.ICEServers)).
		Bool("loopback", opts.IncludeLoopback).
		Msg("peer connection factory ready")

	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		config: cfg,
		codecs: codecs,
	}, nil
}

func (f *Factory) NewPeerConnection() (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, f.codecs), nil
}
