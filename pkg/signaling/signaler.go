package signaling

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/call"
)

var _ call.Signaler = (*Server)(nil)

// Hangup завершает диалог по инициативе ядра: до 200 OK отправляется
// 480, после него BYE. Сторона B получает BYE.
func (s *Server) Hangup(ctx context.Context, callID string) error {
	sess, ok := s.session(callID)
	if !ok {
		return fmt.Errorf("%w: диалог %s", call.ErrCallNotFound, callID)
	}
	defer s.untrack(callID)
	s.byeCallee(sess)

	if sess.reject() {
		return sess.dialog.Respond(statusTemporarilyUnavail, "Temporarily Unavailable", nil)
	}
	if !sess.terminate() {
		return nil
	}
	if err := sess.dialog.Bye(ctx); err != nil {
		return fmt.Errorf("ошибка отправки BYE: %w", err)
	}
	return nil
}

// Transfer отправляет REFER в подтвержденном диалоге
func (s *Server) Transfer(ctx context.Context, callID, target string) error {
	sess, ok := s.session(callID)
	if !ok {
		return fmt.Errorf("%w: диалог %s", call.ErrCallNotFound, callID)
	}
	if state := sess.current(); state != dialogConfirmed {
		return fmt.Errorf("%w: REFER в состоянии диалога %s", call.ErrInvalidState, state)
	}
	if !sess.hasTarget {
		return fmt.Errorf("в INVITE нет Contact для REFER")
	}

	referTo, err := referTarget(target, s.cfg.Hostname)
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.REFER, sess.remoteTarget)
	req.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("<%s>", referTo.String())))

	res, err := sess.dialog.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("ошибка отправки REFER: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("REFER отклонен: %s", res.Short())
	}
	s.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"target":  referTo.String(),
	}).Info("REFER принят")
	return nil
}

// referTarget разбирает цель перевода. Номер без схемы дополняется
// до sip:<номер>@<host>.
func referTarget(target, host string) (sip.Uri, error) {
	var uri sip.Uri
	if target == "" {
		return uri, fmt.Errorf("пустая цель перевода")
	}
	raw := target
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
		raw = fmt.Sprintf("sip:%s@%s", target, host)
	}
	if err := sip.ParseUri(raw, &uri); err != nil {
		return uri, fmt.Errorf("некорректная цель перевода %q: %w", target, err)
	}
	return uri, nil
}
