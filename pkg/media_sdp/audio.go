package media_sdp

import (
	"strconv"
	"strings"
	"time"
)

// Direction направление медиа потока для атрибута a=
type Direction string

const (
	DirectionNone     Direction = ""
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// AudioSDPParams параметры BuildAudioSDP.
//
// Codecs == nil означает список по умолчанию. DTMFPayloadType == 0 и
// ILBCMode == 0 заменяются значениями по умолчанию (101 и 30).
type AudioSDPParams struct {
	LocalIP         string
	LocalPort       uint16
	SessionID       string
	SessionName     string
	Codecs          []string
	DTMFPayloadType uint8
	ILBCMode        int

	// ExtraRtpmaps значения rtpmap из offer вызывающего, например
	// {"111": "111 opus/48000/2"}. Имеют приоритет над встроенной таблицей,
	// fmtp для таких токенов не выводится.
	ExtraRtpmaps map[string]string

	// Direction и Ptime по умолчанию не выводятся
	Direction Direction
	Ptime     time.Duration
}

// NewAudioSession собирает SessionDescription с одним аудио блоком.
//
// Список форматов m= в точности повторяет запрошенный порядок кодеков.
// Для каждого известного кодека выводится одна строка rtpmap и, если
// нужно, fmtp. Неизвестные токены попадают в m= без rtpmap.
func NewAudioSession(p AudioSDPParams) *SessionDescription {
	dtmfPT := p.DTMFPayloadType
	if dtmfPT == 0 {
		dtmfPT = DefaultDTMFPayloadType
	}
	ilbcMode := p.ILBCMode
	if ilbcMode == 0 {
		ilbcMode = DefaultILBCMode
	}
	codecs := p.Codecs
	if codecs == nil {
		codecs = DefaultCodecs(dtmfPT)
	}

	addrType := "IP4"
	if strings.Contains(p.LocalIP, ":") {
		addrType = "IP6"
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = strconv.FormatInt(time.Now().Unix(), 10)
	}
	name := p.SessionName
	if name == "" {
		name = "soft_pbx"
	}

	media := &MediaDescription{
		Type:     "audio",
		Port:     p.LocalPort,
		Protocol: "RTP/AVP",
		Formats:  append([]string(nil), codecs...),
	}

	seen := make(map[string]bool, len(codecs))
	for _, token := range codecs {
		if seen[token] {
			continue
		}
		seen[token] = true

		if rtpmap, found := p.ExtraRtpmaps[token]; found {
			media.Attributes = append(media.Attributes, "rtpmap:"+rtpmap)
			continue
		}
		profile, ok := LookupCodec(token, dtmfPT, ilbcMode)
		if !ok {
			continue
		}
		media.Attributes = append(media.Attributes, "rtpmap:"+profile.Rtpmap())
		if profile.Fmtp != "" {
			media.Attributes = append(media.Attributes, "fmtp:"+token+" "+profile.Fmtp)
		}
	}

	if p.Ptime > 0 {
		media.Attributes = append(media.Attributes, "ptime:"+strconv.Itoa(int(p.Ptime/time.Millisecond)))
	}
	if p.Direction != DirectionNone {
		media.Attributes = append(media.Attributes, string(p.Direction))
	}

	return &SessionDescription{
		Version: 0,
		Origin: Origin{
			Username:    "-",
			SessionID:   sessionID,
			Version:     sessionID,
			NetworkType: "IN",
			AddressType: addrType,
			Address:     p.LocalIP,
		},
		SessionName: name,
		Connection: &Connection{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     p.LocalIP,
		},
		Media: []*MediaDescription{media},
	}
}

// BuildAudioSDP формирует текст SDP с одним аудио блоком
func BuildAudioSDP(p AudioSDPParams) string {
	return Build(NewAudioSession(p))
}
