// Package codec_policy выбирает упорядоченный список кодеков для ответа
// на SDP offer с учетом профиля устройства вызывающего.
package codec_policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/logging"
	"github.com/arzzra/soft_pbx/pkg/media_sdp"
)

// ErrNegotiationFailed нет общего аудио кодека между offer и политикой
var ErrNegotiationFailed = errors.New("codec negotiation failed")

// Source откуда взят итоговый список кодеков
type Source string

const (
	SourceDevice  Source = "device"
	SourceOffer   Source = "offer"
	SourceDefault Source = "default"
)

// Config значения, которые передаются в ответ независимо от выбора кодека
type Config struct {
	DTMFPayloadType uint8
	ILBCMode        int
}

// Offer входные данные согласования. SDP == nil означает, что offer не
// было или его не удалось разобрать.
type Offer struct {
	SDP       *media_sdp.SessionDescription
	UserAgent string
}

// Result итог согласования
type Result struct {
	Codecs          []string
	DTMFPayloadType uint8
	ILBCMode        int
	PhoneModel      string
	Source          Source
	// ExtraRtpmaps rtpmap из offer для токенов, которые встроенная таблица
	// описывает иначе или не знает
	ExtraRtpmaps map[string]string
	// Remote аудио адрес вызывающего, nil без offer
	Remote *media_sdp.AudioInfo
}

// HasDTMF сообщает, входит ли telephone-event в итоговый список
func (r *Result) HasDTMF() bool {
	dtmf := strconv.Itoa(int(r.DTMFPayloadType))
	for _, c := range r.Codecs {
		if c == dtmf {
			return true
		}
	}
	return false
}

// AudioParams параметры BuildAudioSDP для ответа
func (r *Result) AudioParams(localIP string, localPort uint16, sessionID string) media_sdp.AudioSDPParams {
	return media_sdp.AudioSDPParams{
		LocalIP:         localIP,
		LocalPort:       localPort,
		SessionID:       sessionID,
		Codecs:          append([]string{}, r.Codecs...),
		DTMFPayloadType: r.DTMFPayloadType,
		ILBCMode:        r.ILBCMode,
		ExtraRtpmaps:    r.ExtraRtpmaps,
	}
}

// Policy политика согласования кодеков
type Policy struct {
	catalog Catalog
	cfg     Config
	logger  *logrus.Entry
}

// New создает политику. catalog может быть nil, тогда профили устройств
// не используются.
func New(catalog Catalog, cfg Config, logger *logrus.Entry) *Policy {
	if cfg.DTMFPayloadType == 0 {
		cfg.DTMFPayloadType = media_sdp.DefaultDTMFPayloadType
	}
	if cfg.ILBCMode == 0 {
		cfg.ILBCMode = media_sdp.DefaultILBCMode
	}
	return &Policy{catalog: catalog, cfg: cfg, logger: logging.OrDiscard(logger)}
}

// Negotiate выбирает список кодеков для ответа.
//
// Известный профиль устройства: порядок устройства, пересеченный с
// предложенными кодеками, telephone-event добавляется в конец, если был
// предложен. Профиля нет: предложенный список без изменений. Offer нет:
// PCMU, PCMA и telephone-event. Список без аудио кодека дает
// ErrNegotiationFailed.
func (p *Policy) Negotiate(offer Offer) (*Result, error) {
	res := &Result{
		DTMFPayloadType: p.cfg.DTMFPayloadType,
		ILBCMode:        p.cfg.ILBCMode,
	}

	audio := media_sdp.AudioMedia(offer.SDP)
	if audio == nil {
		res.Codecs = media_sdp.MinimalCodecs(res.DTMFPayloadType)
		res.Source = SourceDefault
		p.logger.WithField("codecs", res.Codecs).Debug("offer отсутствует, используются кодеки по умолчанию")
		return res, nil
	}
	res.Remote, _ = media_sdp.GetAudioInfo(offer.SDP)

	if pt, ok := media_sdp.FindPayloadType(offer.SDP, media_sdp.TelephoneEvent, 8000); ok && containsToken(audio.Formats, strconv.Itoa(int(pt))) {
		res.DTMFPayloadType = pt
	}
	if mode, ok := offeredILBCMode(offer.SDP, audio); ok {
		res.ILBCMode = mode
	}
	dtmf := strconv.Itoa(int(res.DTMFPayloadType))

	model, known := "", false
	if p.catalog != nil {
		model, known = p.catalog.DetectPhoneModel(offer.UserAgent)
	}

	if known {
		res.PhoneModel = model
		res.Source = SourceDevice
		preferred := p.catalog.CodecsForPhoneModel(model, audio.Formats)
		for _, token := range preferred {
			if token != dtmf && containsToken(audio.Formats, token) && !containsToken(res.Codecs, token) {
				res.Codecs = append(res.Codecs, token)
			}
		}
		if containsToken(audio.Formats, dtmf) {
			res.Codecs = append(res.Codecs, dtmf)
		}
	} else {
		res.Source = SourceOffer
		res.Codecs = append([]string{}, audio.Formats...)
	}

	if !hasAudioCodec(res.Codecs, dtmf) {
		return nil, fmt.Errorf("%w: offer %v, model %q", ErrNegotiationFailed, audio.Formats, model)
	}

	res.ExtraRtpmaps = offeredRtpmaps(audio, res.Codecs, res.DTMFPayloadType, res.ILBCMode)

	p.logger.WithFields(logrus.Fields{
		"codecs": res.Codecs,
		"source": res.Source,
		"model":  model,
		"dtmf":   res.DTMFPayloadType,
	}).Debug("кодеки согласованы")

	return res, nil
}

// offeredRtpmaps собирает rtpmap из offer для токенов, которые встроенная
// таблица не знает или описывает другой кодировкой
func offeredRtpmaps(audio *media_sdp.MediaDescription, codecs []string, dtmfPT uint8, ilbcMode int) map[string]string {
	var out map[string]string
	for _, token := range codecs {
		rtpmap, ok := audio.Rtpmap(token)
		if !ok {
			continue
		}
		if profile, known := media_sdp.LookupCodec(token, dtmfPT, ilbcMode); known && sameEncoding(profile, rtpmap) {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[token] = rtpmap
	}
	return out
}

// sameEncoding сравнивает имя кодировки и частоту профиля со значением
// rtpmap вида "97 iLBC/8000"
func sameEncoding(profile media_sdp.CodecProfile, rtpmap string) bool {
	_, encoding, ok := strings.Cut(rtpmap, " ")
	if !ok {
		return false
	}
	parts := strings.Split(encoding, "/")
	if !strings.EqualFold(parts[0], profile.EncodingName) {
		return false
	}
	return len(parts) < 2 || parts[1] == strconv.FormatUint(uint64(profile.ClockRate), 10)
}

func offeredILBCMode(sd *media_sdp.SessionDescription, audio *media_sdp.MediaDescription) (int, bool) {
	pt, ok := media_sdp.FindPayloadType(sd, "iLBC", 8000)
	if !ok || !containsToken(audio.Formats, strconv.Itoa(int(pt))) {
		return 0, false
	}
	fmtp, ok := media_sdp.CodecFmtp(sd, pt)
	if !ok {
		return 0, false
	}
	for _, param := range strings.Split(fmtp, ";") {
		key, value, _ := strings.Cut(strings.TrimSpace(param), "=")
		if key != "mode" {
			continue
		}
		switch value {
		case "20":
			return 20, true
		case "30":
			return 30, true
		}
	}
	return 0, false
}

func hasAudioCodec(codecs []string, dtmf string) bool {
	for _, c := range codecs {
		if c != dtmf {
			return true
		}
	}
	return false
}

func containsToken(list []string, token string) bool {
	for _, v := range list {
		if v == token {
			return true
		}
	}
	return false
}
