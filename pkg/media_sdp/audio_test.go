package media_sdp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mediaLine(t *testing.T, text string) string {
	t.Helper()
	for _, line := range strings.Split(text, "\r\n") {
		if strings.HasPrefix(line, "m=") {
			return line
		}
	}
	t.Fatalf("строка m= не найдена в %q", text)
	return ""
}

func attributeLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\r\n") {
		if strings.HasPrefix(line, "a=") {
			out = append(out, line)
		}
	}
	return out
}

func TestBuildAudioSDP_DefaultOrder(t *testing.T) {
	out := BuildAudioSDP(AudioSDPParams{LocalIP: "10.0.0.1", LocalPort: 10000, SessionID: "42"})

	assert.Equal(t, "m=audio 10000 RTP/AVP 0 8 9 18 2 101", mediaLine(t, out))
	assert.Equal(t, []string{
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:9 G722/8000",
		"a=rtpmap:18 G729/8000",
		"a=rtpmap:2 G726-32/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-16",
	}, attributeLines(out))

	assert.True(t, strings.HasPrefix(out, "v=0\r\no=- 42 42 IN IP4 10.0.0.1\r\ns=soft_pbx\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n"))
	assert.True(t, strings.HasSuffix(out, "\r\n"))
}

func TestBuildAudioSDP_PreservesRequestedOrder(t *testing.T) {
	out := BuildAudioSDP(AudioSDPParams{
		LocalIP:   "10.0.0.1",
		LocalPort: 10002,
		Codecs:    []string{"8", "9", "0"},
	})

	assert.Equal(t, "m=audio 10002 RTP/AVP 8 9 0", mediaLine(t, out))
	assert.Equal(t, []string{
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:9 G722/8000",
		"a=rtpmap:0 PCMU/8000",
	}, attributeLines(out))
	assert.NotContains(t, out, "telephone-event")
	assert.NotContains(t, out, "G729")
}

func TestBuildAudioSDP_DynamicCodecs(t *testing.T) {
	tests := []struct {
		name     string
		params   AudioSDPParams
		expected []string
	}{
		{
			name:   "G726 варианты",
			params: AudioSDPParams{Codecs: []string{"112", "113", "114"}},
			expected: []string{
				"a=rtpmap:112 G726-16/8000",
				"a=rtpmap:113 G726-24/8000",
				"a=rtpmap:114 G726-40/8000",
			},
		},
		{
			name:     "iLBC по умолчанию 30 мс",
			params:   AudioSDPParams{Codecs: []string{"97"}},
			expected: []string{"a=rtpmap:97 iLBC/8000", "a=fmtp:97 mode=30"},
		},
		{
			name:     "iLBC 20 мс",
			params:   AudioSDPParams{Codecs: []string{"97"}, ILBCMode: 20},
			expected: []string{"a=rtpmap:97 iLBC/8000", "a=fmtp:97 mode=20"},
		},
		{
			name:   "Speex",
			params: AudioSDPParams{Codecs: []string{"98", "99", "100"}},
			expected: []string{
				"a=rtpmap:98 speex/8000",
				"a=fmtp:98 vbr=on",
				"a=rtpmap:99 speex/16000",
				`a=fmtp:99 vbr=on;mode="8,any"`,
				"a=rtpmap:100 speex/32000",
				`a=fmtp:100 vbr=on;mode="10,any"`,
			},
		},
		{
			name:     "нестандартный DTMF payload type",
			params:   AudioSDPParams{Codecs: []string{"0", "96"}, DTMFPayloadType: 96},
			expected: []string{"a=rtpmap:0 PCMU/8000", "a=rtpmap:96 telephone-event/8000", "a=fmtp:96 0-16"},
		},
		{
			name:     "неизвестный токен без rtpmap",
			params:   AudioSDPParams{Codecs: []string{"0", "123"}},
			expected: []string{"a=rtpmap:0 PCMU/8000"},
		},
		{
			name: "rtpmap из offer для кодека вне таблицы",
			params: AudioSDPParams{
				Codecs:       []string{"111", "0"},
				ExtraRtpmaps: map[string]string{"111": "111 opus/48000/2"},
			},
			expected: []string{"a=rtpmap:111 opus/48000/2", "a=rtpmap:0 PCMU/8000"},
		},
		{
			name:   "ptime и направление",
			params: AudioSDPParams{Codecs: []string{"8"}, Ptime: 20 * time.Millisecond, Direction: DirectionSendRecv},
			expected: []string{
				"a=rtpmap:8 PCMA/8000",
				"a=ptime:20",
				"a=sendrecv",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.params.LocalIP = "127.0.0.1"
			tt.params.LocalPort = 4000
			out := BuildAudioSDP(tt.params)
			assert.Equal(t, tt.expected, attributeLines(out))
		})
	}
}

func TestBuildAudioSDP_IPv6(t *testing.T) {
	out := BuildAudioSDP(AudioSDPParams{LocalIP: "2001:db8::1", LocalPort: 4000, Codecs: []string{"0"}})
	assert.Contains(t, out, "c=IN IP6 2001:db8::1\r\n")
}

func TestBuildAudioSDP_EmptyCodecList(t *testing.T) {
	// Пустой, но не nil список не заменяется значениями по умолчанию
	out := BuildAudioSDP(AudioSDPParams{LocalIP: "127.0.0.1", LocalPort: 4000, Codecs: []string{}})
	assert.Equal(t, "m=audio 4000 RTP/AVP", mediaLine(t, out))
}

func TestLookupCodec(t *testing.T) {
	p, ok := LookupCodec("101", 101, 30)
	require.True(t, ok)
	assert.Equal(t, TelephoneEvent, p.EncodingName)
	assert.Equal(t, "0-16", p.Fmtp)

	p, ok = LookupCodec("97", 101, 25)
	require.True(t, ok)
	assert.Equal(t, "mode=30", p.Fmtp, "неподдерживаемый режим iLBC приводится к 30")

	_, ok = LookupCodec("101", 96, 30)
	assert.False(t, ok)

	assert.True(t, IsKnownCodec("18"))
	assert.False(t, IsKnownCodec("101"))
}

func TestPionBridge(t *testing.T) {
	sd, err := Parse("v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0 97 96\r\n" +
		"a=rtpmap:97 iLBC/8000\r\n" +
		"a=fmtp:97 mode=20\r\n" +
		"a=rtpmap:96 telephone-event/8000\r\n" +
		"a=fmtp:96 0-15\r\n")
	require.NoError(t, err)

	pt, ok := FindPayloadType(sd, "telephone-event", 8000)
	require.True(t, ok)
	assert.Equal(t, uint8(96), pt)

	pt, ok = FindPayloadType(sd, "ILBC", 0)
	require.True(t, ok)
	assert.Equal(t, uint8(97), pt)

	fmtp, ok := CodecFmtp(sd, 97)
	require.True(t, ok)
	assert.Equal(t, "mode=20", fmtp)

	_, ok = FindPayloadType(sd, "opus", 0)
	assert.False(t, ok)

	p := sd.ToPion()
	require.Len(t, p.MediaDescriptions, 1)
	assert.Equal(t, []string{"RTP", "AVP"}, p.MediaDescriptions[0].MediaName.Protos)
	assert.Equal(t, 4000, p.MediaDescriptions[0].MediaName.Port.Value)
}
