package signaling

import (
	"errors"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/soft_pbx/pkg/call"
)

// setupRequest переносит данные INVITE в запрос ядра
func (s *Server) setupRequest(callID string, req *sip.Request) call.SetupRequest {
	out := call.SetupRequest{
		CallID: callID,
		Source: req.Source(),
	}
	if from := req.From(); from != nil {
		out.From = uriUser(from.Address)
	}
	if to := req.To(); to != nil {
		out.To = uriUser(to.Address)
	}
	if h := req.GetHeader("User-Agent"); h != nil {
		out.UserAgent = h.Value()
	}
	if body := req.Body(); len(body) > 0 {
		out.OfferSDP = string(body)
	}
	out.Flow = s.flowFor(out.To)
	return out
}

// flowFor выбирает сценарий по набранному номеру
func (s *Server) flowFor(number string) call.Flow {
	if flow, ok := s.cfg.Routes[number]; ok {
		return flow
	}
	return s.cfg.DefaultFlow
}

func uriUser(u sip.Uri) string {
	if u.User != "" {
		return u.User
	}
	return u.Host
}

// statusForError код финального ответа на INVITE по ошибке Setup
func statusForError(err error) (int, string) {
	var setupErr *call.SetupError
	if !errors.As(err, &setupErr) {
		return statusInternalServerError, "Server Internal Error"
	}
	switch setupErr.Code {
	case call.CodeResourceExhausted:
		return statusServiceUnavailable, "Service Unavailable"
	case call.CodeNegotiationFailed:
		return statusNotAcceptableHere, "Not Acceptable Here"
	default:
		return statusInternalServerError, "Server Internal Error"
	}
}
