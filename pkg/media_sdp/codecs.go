package media_sdp

import (
	"fmt"
	"strconv"
)

// Payload type токены встроенных кодеков
const (
	PayloadPCMU    = "0"
	PayloadG726_32 = "2"
	PayloadPCMA    = "8"
	PayloadG722    = "9"
	PayloadG729    = "18"
	PayloadILBC    = "97"
	PayloadSpeexNB = "98"
	PayloadSpeexWB = "99"
	PayloadSpeexUB = "100"
	PayloadG726_16 = "112"
	PayloadG726_24 = "113"
	PayloadG726_40 = "114"

	// DefaultDTMFPayloadType payload type telephone-event по умолчанию
	DefaultDTMFPayloadType uint8 = 101
	// DefaultILBCMode длительность кадра iLBC по умолчанию (мс)
	DefaultILBCMode = 30

	// TelephoneEvent имя кодировки RFC 2833 событий
	TelephoneEvent = "telephone-event"
	// DTMFEventRange диапазон событий, объявляемый в fmtp
	DTMFEventRange = "0-16"
)

// CodecProfile описание кодека для строки rtpmap
type CodecProfile struct {
	PayloadType  string
	EncodingName string
	ClockRate    uint32
	Channels     int
	Fmtp         string
}

// Rtpmap возвращает значение атрибута rtpmap без префикса
func (c CodecProfile) Rtpmap() string {
	v := fmt.Sprintf("%s %s/%d", c.PayloadType, c.EncodingName, c.ClockRate)
	if c.Channels > 1 {
		v += "/" + strconv.Itoa(c.Channels)
	}
	return v
}

// codecTable встроенная таблица профилей. fmtp для iLBC и telephone-event
// зависит от конфигурации и формируется в LookupCodec.
var codecTable = map[string]CodecProfile{
	PayloadPCMU:    {PayloadType: PayloadPCMU, EncodingName: "PCMU", ClockRate: 8000, Channels: 1},
	PayloadPCMA:    {PayloadType: PayloadPCMA, EncodingName: "PCMA", ClockRate: 8000, Channels: 1},
	PayloadG722:    {PayloadType: PayloadG722, EncodingName: "G722", ClockRate: 8000, Channels: 1},
	PayloadG729:    {PayloadType: PayloadG729, EncodingName: "G729", ClockRate: 8000, Channels: 1},
	PayloadG726_32: {PayloadType: PayloadG726_32, EncodingName: "G726-32", ClockRate: 8000, Channels: 1},
	PayloadG726_16: {PayloadType: PayloadG726_16, EncodingName: "G726-16", ClockRate: 8000, Channels: 1},
	PayloadG726_24: {PayloadType: PayloadG726_24, EncodingName: "G726-24", ClockRate: 8000, Channels: 1},
	PayloadG726_40: {PayloadType: PayloadG726_40, EncodingName: "G726-40", ClockRate: 8000, Channels: 1},
	PayloadILBC:    {PayloadType: PayloadILBC, EncodingName: "iLBC", ClockRate: 8000, Channels: 1},
	PayloadSpeexNB: {PayloadType: PayloadSpeexNB, EncodingName: "speex", ClockRate: 8000, Channels: 1, Fmtp: "vbr=on"},
	PayloadSpeexWB: {PayloadType: PayloadSpeexWB, EncodingName: "speex", ClockRate: 16000, Channels: 1, Fmtp: `vbr=on;mode="8,any"`},
	PayloadSpeexUB: {PayloadType: PayloadSpeexUB, EncodingName: "speex", ClockRate: 32000, Channels: 1, Fmtp: `vbr=on;mode="10,any"`},
}

// LookupCodec возвращает профиль кодека по payload type токену.
// Токен, равный dtmfPayloadType, всегда трактуется как telephone-event,
// даже если совпадает с динамическим номером из таблицы.
func LookupCodec(token string, dtmfPayloadType uint8, ilbcMode int) (CodecProfile, bool) {
	if token == strconv.Itoa(int(dtmfPayloadType)) {
		return CodecProfile{
			PayloadType:  token,
			EncodingName: TelephoneEvent,
			ClockRate:    8000,
			Channels:     1,
			Fmtp:         DTMFEventRange,
		}, true
	}

	profile, ok := codecTable[token]
	if !ok {
		return CodecProfile{}, false
	}
	if token == PayloadILBC {
		profile.Fmtp = "mode=" + strconv.Itoa(normalizeILBCMode(ilbcMode))
	}
	return profile, true
}

// IsKnownCodec сообщает, есть ли токен во встроенной таблице
func IsKnownCodec(token string) bool {
	_, ok := codecTable[token]
	return ok
}

// DefaultCodecs порядок кодеков по умолчанию для BuildAudioSDP
func DefaultCodecs(dtmfPayloadType uint8) []string {
	return []string{
		PayloadPCMU, PayloadPCMA, PayloadG722, PayloadG729, PayloadG726_32,
		strconv.Itoa(int(dtmfPayloadType)),
	}
}

// MinimalCodecs набор кодеков при отсутствии SDP offer
func MinimalCodecs(dtmfPayloadType uint8) []string {
	return []string{PayloadPCMU, PayloadPCMA, strconv.Itoa(int(dtmfPayloadType))}
}

func normalizeILBCMode(mode int) int {
	if mode == 20 {
		return 20
	}
	return DefaultILBCMode
}
