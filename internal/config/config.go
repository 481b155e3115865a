package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Voice   VoiceConfig   `mapstructure:"voice"`
	Capture CaptureConfig `mapstructure:"capture"`
	PTT     PTTConfig     `mapstructure:"ptt"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Mode       string          `mapstructure:"mode"`
	Port       int             `mapstructure:"port"`
	StaticPath string          `mapstructure:"static_path"`
	ReadLimit  int64           `mapstructure:"read_limit"`
	PingPeriod time.Duration   `mapstructure:"ping_period"`
	Secret     string          `mapstructure:"secret"`
	SendBuffer int             `mapstructure:"send_buffer"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Messages int           `mapstructure:"messages"`
	Interval time.Duration `mapstructure:"interval"`
}

type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type VoiceConfig struct {
	SignalURL       string            `mapstructure:"signal_url"`
	Room            string            `mapstructure:"room"`
	Participant     string            `mapstructure:"participant"`
	ICEServers      []ICEServerConfig `mapstructure:"ice_servers"`
	TargetBitrate   int               `mapstructure:"target_bitrate"`
	IncludeLoopback bool              `mapstructure:"include_loopback"`
	PingPeriod      time.Duration     `mapstructure:"ping_period"`
	// OutputDir receives one raw PCM file per remote peer; empty discards audio.
	OutputDir       string            `mapstructure:"output_dir"`
}

type CaptureConfig struct {
	SampleRate       int    `mapstructure:"sample_rate"`
	Channels         int    `mapstructure:"channels"`
	FrameMs          int    `mapstructure:"frame_ms"`
	EchoCancellation bool   `mapstructure:"echo_cancellation"`
	NoiseSuppression bool   `mapstructure:"noise_suppression"`
	AutoGain         bool   `mapstructure:"auto_gain"`
	// Input is a raw PCM file or FIFO, "-" for stdin or "silence".
	Input            string `mapstructure:"input"`
}

type PTTConfig struct {
	KeyCode int    `mapstructure:"key_code"`
	Mode    string `mapstructure:"mode"`
	// Source is a file or FIFO carrying detector lines; "-" is stdin.
	Source  string `mapstructure:"source"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Loader owns the viper instance so the file can be watched after Load.
type Loader struct {
	v    *viper.Viper
	file string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "./web")
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.rate_limit.messages", 50)
	v.SetDefault("server.rate_limit.interval", "1s")

	v.SetDefault("voice.signal_url", "ws://localhost:8080/api/ws/voice")
	v.SetDefault("voice.ice_servers", []map[string]any{{"urls": []string{"stun:stun.l.google.com:19302"}}})
	v.SetDefault("voice.target_bitrate", 0)
	v.SetDefault("voice.include_loopback", false)
	v.SetDefault("voice.ping_period", "30s")

	v.SetDefault("capture.sample_rate", 48000)
	v.SetDefault("capture.channels", 1)
	v.SetDefault("capture.frame_ms", 20)
	v.SetDefault("capture.echo_cancellation", true)
	v.SetDefault("capture.noise_suppression", true)
	v.SetDefault("capture.auto_gain", true)
	v.SetDefault("capture.input", "")

	v.SetDefault("ptt.key_code", 29)
	v.SetDefault("ptt.mode", "hold")
	v.SetDefault("ptt.source", "-")

	v.SetDefault("log.level", "info")
}

// NewLoader picks config/config.<CONFIG_ENV>.yaml (dev when unset). Values
// can be overridden with VOICE_<SECTION>_<KEY> environment variables.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Loader{v: v, file: fileName}
}

// Viper exposes the instance for flag binding.
func (l *Loader) Viper() *viper.Viper { return l.v }

func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", l.file).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", l.file).Msg("loaded config")
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Debug().
		Str("module", "config").
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("signal_url", cfg.Voice.SignalURL).
		Msg("config resolved")
	return &cfg, nil
}

// Watch calls fn with the re-read config every time the file changes.
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Load is the one-shot form used by the hub.
func Load() (*Config, error) {
	return NewLoader().Load()
}
