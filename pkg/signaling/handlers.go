package signaling

import (
	"errors"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/call"
	"github.com/arzzra/soft_pbx/pkg/dtmf"
)

const (
	statusRinging              = 180
	statusTemporarilyUnavail   = 480
	statusNotFound             = 404
	statusUnsupportedMediaType = 415
	statusNotAcceptableHere    = 488
	statusInternalServerError  = 500
	statusServiceUnavailable   = 503
)

// handleInvite обрабатывает входящий звонок
func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callIDHdr := req.CallID()
	if callIDHdr == nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}
	callID := callIDHdr.Value()

	dlg, err := s.dialogs.ReadInvite(req, tx)
	if err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Warn("некорректный INVITE")
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}

	sess := newSession(callID, dlg, req)
	if !s.track(sess) {
		// re-INVITE не поддерживается
		dlg.Respond(statusNotAcceptableHere, "Not Acceptable Here", nil)
		return
	}
	dlg.Respond(sip.StatusTrying, "Trying", nil)

	s.admit(sess, s.setupRequest(callID, req))
}

// admit ведет принятый INVITE от Setup до 200 OK. Любой выход до 200 OK
// завершает звонок в ядре.
func (s *Server) admit(sess *session, req call.SetupRequest) {
	callID := req.CallID
	logger := s.logger.WithField("call_id", callID)
	dlg := sess.dialog

	if twoLegFlow(req.Flow) {
		if _, ok := s.targets[req.To]; !ok {
			logger.WithField("to", req.To).Warn("адрес вызываемого номера не настроен")
			if sess.reject() {
				dlg.Respond(statusNotFound, "Not Found", nil)
			}
			s.untrack(callID)
			return
		}
	}

	res, err := s.core.Setup(s.ctx, req)
	if err != nil {
		code, reason := statusForError(err)
		logger.WithError(err).WithField("status", code).Warn("звонок отклонен")
		if sess.reject() {
			dlg.Respond(code, reason, nil)
		}
		s.untrack(callID)
		return
	}
	go s.watch(callID)

	if err := s.core.Ring(callID); err != nil {
		logger.WithError(err).Debug("ring не выполнен")
	}
	if sess.early() {
		dlg.Respond(statusRinging, "Ringing", nil)
	}

	if twoLegFlow(req.Flow) {
		if !s.dialCallee(sess, req, res) {
			return
		}
	} else if !sess.waitRingback(s.ctx, s.cfg.RingbackDuration) {
		logger.Info("вызов прерван до ответа")
		s.abandon(sess)
		return
	}
	if !sess.confirm() {
		logger.Info("вызов прерван до ответа")
		s.abandon(sess)
		return
	}
	if err := dlg.RespondSDP([]byte(res.AnswerSDP)); err != nil {
		logger.WithError(err).Error("ошибка отправки 200 OK")
		s.byeCallee(sess)
		s.dropCall(callID, call.ReasonSetupFailed)
		return
	}
	logger.WithFields(logrus.Fields{
		"rtp_port":  res.Ports.RTP,
		"phone":     res.Negotiated.PhoneModel,
		"codec_src": res.Negotiated.Source,
	}).Info("отправлен 200 OK")
}

// abandon освобождает звонок, который не дошел до 200 OK
func (s *Server) abandon(sess *session) {
	if sess.reject() {
		sess.dialog.Respond(statusServiceUnavailable, "Service Unavailable", nil)
	}
	s.untrack(sess.callID)
	s.byeCallee(sess)
	s.dropCall(sess.callID, call.ReasonRemoteHangup)
}

// watch снимает диалог с учета после завершения звонка
func (s *Server) watch(callID string) {
	c, ok := s.core.Get(callID)
	if ok {
		<-c.Done()
	}
	if sess, ok := s.session(callID); ok {
		s.byeCallee(sess)
	}
	s.untrack(callID)
}

func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	if _, ok := s.session(callID); !ok {
		// ACK на отказ или завершенный диалог
		return
	}
	if err := s.dialogs.ReadAck(req, tx); err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Debug("ACK вне диалога")
	}
	if err := s.core.Answer(callID); err != nil {
		entry := s.logger.WithError(err).WithField("call_id", callID)
		if errors.Is(err, call.ErrInvalidState) {
			entry.Debug("повторный ACK")
			return
		}
		entry.Warn("звонок не переведен в connected")
	}
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	sess, ok := s.session(callID)
	if !ok {
		if _, isCallee := s.calleeOwner(callID); isCallee {
			s.handleCalleeBye(req, tx)
			return
		}
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}
	if err := s.dialogs.ReadBye(req, tx); err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Warn("BYE не сопоставлен с диалогом")
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}
	sess.terminate()
	s.untrack(callID)
	s.byeCallee(sess)
	s.hangupRemote(callID)
}

func (s *Server) handleCalleeBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	if err := s.outbound.ReadBye(req, tx); err != nil {
		s.logger.WithError(err).WithField("callee_call_id", callID).Warn("BYE вызываемого не сопоставлен с диалогом")
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}
	s.calleeHangup(callID)
}

func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	sess, ok := s.session(callID)
	if !ok {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	s.cancelEarly(sess)
}

// cancelEarly отвечает 487 на INVITE. После 200 OK CANCEL не действует.
func (s *Server) cancelEarly(sess *session) bool {
	if !sess.reject() {
		return false
	}
	sess.dialog.Respond(sip.StatusRequestTerminated, "Request Terminated", nil)
	s.untrack(sess.callID)
	s.hangupRemote(sess.callID)
	return true
}

func (s *Server) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	contentType := ""
	if ct := req.ContentType(); ct != nil {
		contentType = ct.Value()
	}
	code, reason := s.info(req.CallID().Value(), contentType, req.Body())
	tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
}

// info доставляет цифру из тела INFO и возвращает код ответа
func (s *Server) info(callID, contentType string, body []byte) (int, string) {
	if _, ok := s.session(callID); !ok {
		return sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist"
	}

	digit, err := dtmf.ParseInfoBody(contentType, body)
	if err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Debug("INFO без цифры")
		if errors.Is(err, dtmf.ErrInvalidEvent) {
			return sip.StatusBadRequest, "Bad Request"
		}
		return statusUnsupportedMediaType, "Unsupported Media Type"
	}

	if err := s.core.PushInfoDigit(callID, digit); err != nil {
		switch {
		case errors.Is(err, call.ErrCallNotFound):
			return sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist"
		case errors.Is(err, call.ErrInfoQueueFull):
			return statusServiceUnavailable, "Service Unavailable"
		default:
			return statusInternalServerError, "Server Internal Error"
		}
	}
	return sip.StatusOK, "OK"
}

func (s *Server) hangupRemote(callID string) {
	s.dropCall(callID, call.ReasonRemoteHangup)
}

// dropCall завершает звонок в ядре. Звонок, который еще не создан или
// уже завершен, пропускается.
func (s *Server) dropCall(callID string, reason call.EndReason) {
	err := s.core.Hangup(callID, reason)
	if err != nil && !errors.Is(err, call.ErrCallNotFound) {
		s.logger.WithError(err).WithField("call_id", callID).Warn("ошибка завершения звонка")
	}
}
