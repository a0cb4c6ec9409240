package media_sdp

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// ToPion преобразует описание в github.com/pion/sdp/v3 для типизированного
// доступа к rtpmap/fmtp. Непрозрачные атрибуты делятся по первому ':'.
func (sd *SessionDescription) ToPion() *sdp.SessionDescription {
	sessionID, _ := strconv.ParseUint(sd.Origin.SessionID, 10, 64)
	sessionVersion, _ := strconv.ParseUint(sd.Origin.Version, 10, 64)

	out := &sdp.SessionDescription{
		Version: sdp.Version(sd.Version),
		Origin: sdp.Origin{
			Username:       sd.Origin.Username,
			SessionID:      sessionID,
			SessionVersion: sessionVersion,
			NetworkType:    sd.Origin.NetworkType,
			AddressType:    sd.Origin.AddressType,
			UnicastAddress: sd.Origin.Address,
		},
		SessionName:           sdp.SessionName(sd.SessionName),
		ConnectionInformation: toPionConnection(sd.Connection),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	for _, m := range sd.Media {
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   m.Type,
				Port:    sdp.RangedPort{Value: int(m.Port)},
				Protos:  strings.Split(m.Protocol, "/"),
				Formats: append([]string(nil), m.Formats...),
			},
			ConnectionInformation: toPionConnection(m.Connection),
		}
		for _, attr := range m.Attributes {
			key, value, _ := strings.Cut(attr, ":")
			md.Attributes = append(md.Attributes, sdp.Attribute{Key: key, Value: value})
		}
		out.MediaDescriptions = append(out.MediaDescriptions, md)
	}

	return out
}

func toPionConnection(c *Connection) *sdp.ConnectionInformation {
	if c == nil || c.IsZero() {
		return nil
	}
	return &sdp.ConnectionInformation{
		NetworkType: c.NetworkType,
		AddressType: c.AddressType,
		Address:     &sdp.Address{Address: c.Address},
	}
}

// FindPayloadType ищет payload type, объявленный в rtpmap под указанным
// именем кодировки (без учета регистра). clockRate == 0 не ограничивает
// частоту.
func FindPayloadType(sd *SessionDescription, encodingName string, clockRate uint32) (uint8, bool) {
	if sd == nil {
		return 0, false
	}
	pt, err := sd.ToPion().GetPayloadTypeForCodec(sdp.Codec{Name: encodingName, ClockRate: clockRate})
	if err != nil {
		return 0, false
	}
	return pt, true
}

// CodecFmtp возвращает fmtp, объявленный для payload type
func CodecFmtp(sd *SessionDescription, payloadType uint8) (string, bool) {
	if sd == nil {
		return "", false
	}
	codec, err := sd.ToPion().GetCodecForPayloadType(payloadType)
	if err != nil || codec.Fmtp == "" {
		return "", false
	}
	return codec.Fmtp, true
}
