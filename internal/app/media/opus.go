package media

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus on the wire is always clocked at 48 kHz.
const (
	opusClockRate   = 48000
	opusMaxDataSize = 4000
)

// Encoder turns one PCM frame into one Opus packet.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// Decoder turns one Opus packet into one PCM frame.
type Decoder interface {
	Decode(packet []byte) ([]int16, error)
}

// opusEncoder wraps a gopus Opus encoder tuned for speech.
type opusEncoder struct {
	enc       *gopus.Encoder
	frameSize int
}

// NewOpusEncoder creates an encoder; bitrate <= 0 keeps the library default.
func NewOpusEncoder(sampleRate, channels, frameMs, bitrate int) (Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("media: create opus encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &opusEncoder{enc: enc, frameSize: sampleRate * frameMs / 1000}, nil
}

func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	packet, err := e.enc.Encode(pcm, e.frameSize, opusMaxDataSize)
	if err != nil {
		return nil, fmt.Errorf("media: opus encode: %w", err)
	}
	return packet, nil
}

// opusDecoder keeps per-stream decoder state, so each remote peer gets its own.
type opusDecoder struct {
	dec       *gopus.Decoder
	frameSize int
}

func NewOpusDecoder(sampleRate, channels, frameMs int) (Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("media: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, frameSize: sampleRate * frameMs / 1000}, nil
}

func (d *opusDecoder) Decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("media: opus decode: %w", err)
	}
	return pcm, nil
}
