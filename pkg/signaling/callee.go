package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/call"
)

const byeTimeout = 5 * time.Second

// calleeLeg исходящий диалог со стороной B
type calleeLeg interface {
	CallID() string
	AnswerSDP() []byte
	Bye(ctx context.Context) error
}

// originator отправляет INVITE вызываемому и ждет 200 OK. Отмена ctx
// до ответа отправляет CANCEL.
type originator interface {
	Originate(ctx context.Context, target sip.Uri, from string, offer []byte) (calleeLeg, error)
}

// sipOriginator исходящие звонки через кэш клиентских диалогов sipgo
type sipOriginator struct {
	dialogs  *sipgo.DialogClientCache
	hostname string
}

func (o *sipOriginator) Originate(ctx context.Context, target sip.Uri, from string, offer []byte) (calleeLeg, error) {
	ct := sip.ContentTypeHeader("application/sdp")
	headers := []sip.Header{&ct}
	if from != "" {
		headers = append(headers, &sip.FromHeader{
			Address: sip.Uri{Scheme: "sip", User: from, Host: o.hostname},
			Params:  sip.NewParams().Add("tag", sip.GenerateTagN(16)),
		})
	}

	dlg, err := o.dialogs.Invite(ctx, target, offer, headers...)
	if err != nil {
		return nil, fmt.Errorf("ошибка отправки INVITE: %w", err)
	}
	if err := dlg.WaitAnswer(ctx, sipgo.AnswerOptions{}); err != nil {
		dlg.Close()
		return nil, err
	}
	if err := dlg.Ack(ctx); err != nil {
		dlg.Close()
		return nil, fmt.Errorf("ошибка отправки ACK: %w", err)
	}
	return &sipCallee{dlg: dlg}, nil
}

type sipCallee struct {
	dlg *sipgo.DialogClientSession
}

func (c *sipCallee) CallID() string {
	if h := c.dlg.InviteRequest.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

func (c *sipCallee) AnswerSDP() []byte {
	return c.dlg.InviteResponse.Body()
}

func (c *sipCallee) Bye(ctx context.Context) error {
	return c.dlg.Bye(ctx)
}

// twoLegFlow сценарии, в которых реле соединяет вызывающего со стороной B
func twoLegFlow(flow call.Flow) bool {
	return flow == call.FlowBridge || flow == call.FlowEmergency
}

// extensionTarget адрес вызываемого из [extensions]. Значение без схемы
// считается host:port и дополняется номером.
func extensionTarget(number, value string) (sip.Uri, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "sip:") || strings.HasPrefix(value, "sips:") {
		return referTarget(value, "")
	}
	if value == "" {
		return sip.Uri{}, fmt.Errorf("пустой адрес номера %s", number)
	}
	return referTarget(number, value)
}

// dialCallee вызывает сторону B и подключает ее к реле. Возвращает false,
// если вызывающий уже получил финальный ответ или звонок отклонен.
func (s *Server) dialCallee(sess *session, req call.SetupRequest, res *call.SetupResult) bool {
	logger := s.logger.WithFields(logrus.Fields{"call_id": req.CallID, "to": req.To})

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.aborted:
			cancel()
		case <-ctx.Done():
		}
	}()

	target := s.targets[req.To]
	leg, err := s.originator.Originate(ctx, target, req.From, []byte(res.AnswerSDP))
	if err != nil {
		code, reason := statusForCallee(err)
		logger.WithError(err).WithField("status", code).Info("вызываемый не ответил")
		if sess.reject() {
			sess.dialog.Respond(code, reason, nil)
			s.untrack(req.CallID)
		}
		s.dropCall(req.CallID, call.ReasonSetupFailed)
		return false
	}

	s.trackCallee(leg.CallID(), req.CallID)
	sess.setCallee(leg)

	if err := s.core.ConnectCallee(req.CallID, string(leg.AnswerSDP())); err != nil {
		logger.WithError(err).Warn("SDP вызываемого не принят")
		if sess.reject() {
			sess.dialog.Respond(statusNotAcceptableHere, "Not Acceptable Here", nil)
			s.untrack(req.CallID)
		}
		s.byeCallee(sess)
		s.dropCall(req.CallID, call.ReasonSetupFailed)
		return false
	}
	logger.WithField("callee_call_id", leg.CallID()).Info("вызываемый ответил")
	return true
}

// statusForCallee финальный ответ вызывающему по ошибке стороны B
func statusForCallee(err error) (int, string) {
	var res *sip.Response
	var dialogErr *sipgo.ErrDialogResponse
	var dialogVal sipgo.ErrDialogResponse
	switch {
	case errors.As(err, &dialogErr):
		res = dialogErr.Res
	case errors.As(err, &dialogVal):
		res = dialogVal.Res
	}
	if res != nil && res.StatusCode >= 400 {
		return res.StatusCode, res.Reason
	}
	return statusTemporarilyUnavail, "Temporarily Unavailable"
}

// byeCallee завершает сторону B, если она была подключена
func (s *Server) byeCallee(sess *session) {
	leg := sess.takeCallee()
	if leg == nil {
		return
	}
	s.untrackCallee(leg.CallID())

	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	if err := leg.Bye(ctx); err != nil {
		s.logger.WithError(err).WithField("call_id", sess.callID).Warn("BYE вызываемому не отправлен")
	}
}

// calleeHangup обрабатывает BYE от стороны B: вызывающий получает BYE,
// звонок завершается.
func (s *Server) calleeHangup(calleeCallID string) bool {
	callID, ok := s.untrackCallee(calleeCallID)
	if !ok {
		return false
	}
	sess, ok := s.session(callID)
	if ok {
		sess.takeCallee()
		if sess.terminate() {
			ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
			if err := sess.dialog.Bye(ctx); err != nil {
				s.logger.WithError(err).WithField("call_id", callID).Warn("BYE вызывающему не отправлен")
			}
			cancel()
		}
		s.untrack(callID)
	}
	s.hangupRemote(callID)
	return true
}

func (s *Server) trackCallee(calleeCallID, callID string) {
	s.mu.Lock()
	s.callees[calleeCallID] = callID
	s.mu.Unlock()
}

func (s *Server) calleeOwner(calleeCallID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	callID, ok := s.callees[calleeCallID]
	return callID, ok
}

func (s *Server) untrackCallee(calleeCallID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	callID, ok := s.callees[calleeCallID]
	delete(s.callees, calleeCallID)
	return callID, ok
}
