package rtc

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// audioCodecs is what the media engine offers, Opus first.
func audioCodecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeG722, ClockRate: 8000},
			PayloadType:        9,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
			PayloadType:        0,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
			PayloadType:        8,
		},
	}
}

// preferCodec returns codecs with every mimeType entry moved to the front,
// keeping relative order otherwise.
func preferCodec(codecs []webrtc.RTPCodecParameters, mimeType string) []webrtc.RTPCodecParameters {
	out := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	for _, c := range codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			out = append(out, c)
		}
	}
	for _, c := range codecs {
		if !strings.EqualFold(c.MimeType, mimeType) {
			out = append(out, c)
		}
	}
	return out
}
