package rtc

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const audioOffer = "v=0\r\n" +
	"o=- 123 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 0\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func fmtpOf(t *testing.T, raw, media string) []string {
	t.Helper()
	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal([]byte(raw)))
	var out []string
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != media {
			continue
		}
		for _, a := range md.Attributes {
			if a.Key == "fmtp" {
				out = append(out, a.Value)
			}
		}
	}
	return out
}

func TestSetOpusBitrate(t *testing.T) {
	out, err := SetOpusBitrate(audioOffer, 32000)
	require.NoError(t, err)
	assert.Equal(t, []string{"111 minptime=10;useinbandfec=1;maxaveragebitrate=32000"}, fmtpOf(t, out, "audio"))
	assert.Empty(t, fmtpOf(t, out, "video"))

	again, err := SetOpusBitrate(out, 24000)
	require.NoError(t, err)
	assert.Equal(t, []string{"111 minptime=10;useinbandfec=1;maxaveragebitrate=24000"}, fmtpOf(t, again, "audio"))
}

func TestSetOpusBitrateAddsMissingFmtp(t *testing.T) {
	raw := strings.Replace(audioOffer, "a=fmtp:111 minptime=10;useinbandfec=1\r\n", "", 1)
	out, err := SetOpusBitrate(raw, 16000)
	require.NoError(t, err)
	assert.Equal(t, []string{"111 maxaveragebitrate=16000"}, fmtpOf(t, out, "audio"))
}

func TestSetOpusBitrateNoop(t *testing.T) {
	out, err := SetOpusBitrate("garbage", 0)
	require.NoError(t, err)
	assert.Equal(t, "garbage", out)

	_, err = SetOpusBitrate("garbage", 1000)
	assert.Error(t, err)
}

func TestPreferCodec(t *testing.T) {
	codecs := audioCodecs()
	got := preferCodec(codecs, webrtc.MimeTypePCMU)
	require.Len(t, got, len(codecs))
	assert.Equal(t, webrtc.MimeTypePCMU, got[0].MimeType)
	assert.Equal(t, webrtc.MimeTypeOpus, got[1].MimeType)

	assert.Equal(t, codecs, preferCodec(codecs, "audio/OPUS"))
}

func TestFactoryOfferPrefersOpus(t *testing.T) {
	f, err := NewFactory(Options{IncludeLoopback: true})
	require.NoError(t, err)

	pc, err := f.NewPeerConnection()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "test",
	)
	require.NoError(t, err)
	require.NoError(t, pc.AddTrack(track))
	require.NoError(t, pc.PreferCodec(webrtc.MimeTypeOpus))
	assert.Error(t, pc.PreferCodec("audio/nope"))

	offer, err := pc.CreateOffer()
	require.NoError(t, err)

	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal([]byte(offer.SDP)))
	require.NotEmpty(t, desc.MediaDescriptions)
	audio := desc.MediaDescriptions[0]
	assert.Equal(t, "audio", audio.MediaName.Media)
	assert.Equal(t, "111", audio.MediaName.Formats[0])
}

func TestFactoryICEServers(t *testing.T) {
	f, err := NewFactory(Options{ICEServers: []ICEServer{
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	}})
	require.NoError(t, err)
	require.Len(t, f.config.ICEServers, 1)
	assert.Equal(t, "u", f.config.ICEServers[0].Username)
	assert.Equal(t, "p", f.config.ICEServers[0].Credential)

	d, err := NewFactory(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultWebRTCConfig().ICEServers, d.config.ICEServers)
}
