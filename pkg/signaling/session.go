package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

type dialogState int

const (
	// финальный ответ на INVITE еще не отправлен
	dialogEarly dialogState = iota
	dialogConfirmed
	dialogTerminated
)

func (s dialogState) String() string {
	switch s {
	case dialogEarly:
		return "early"
	case dialogConfirmed:
		return "confirmed"
	default:
		return "terminated"
	}
}

// serverDialog часть sipgo.DialogServerSession, которой пользуется сервер
type serverDialog interface {
	Respond(statusCode int, reason string, body []byte, headers ...sip.Header) error
	RespondSDP(sdp []byte) error
	Bye(ctx context.Context) error
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
}

var _ serverDialog = (*sipgo.DialogServerSession)(nil)

// session серверный диалог одного звонка
type session struct {
	callID string
	dialog serverDialog

	// remoteTarget из Contact INVITE, адрес для REFER
	remoteTarget sip.Uri
	hasTarget    bool

	mu    sync.Mutex
	state dialogState
	// callee исходящая сторона B для двухсторонних сценариев
	callee calleeLeg
	// aborted закрывается при выходе из early без 200 OK
	aborted chan struct{}
}

func newSession(callID string, dlg serverDialog, req *sip.Request) *session {
	sess := &session{
		callID:  callID,
		dialog:  dlg,
		aborted: make(chan struct{}),
	}
	if c := req.Contact(); c != nil {
		sess.remoteTarget = c.Address
		sess.hasTarget = true
	}
	return sess
}

func (s *session) current() dialogState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// early true пока финальный ответ на INVITE не отправлен
func (s *session) early() bool {
	return s.current() == dialogEarly
}

func (s *session) setCallee(leg calleeLeg) {
	s.mu.Lock()
	s.callee = leg
	s.mu.Unlock()
}

// takeCallee забирает сторону B, повторный вызов вернет nil
func (s *session) takeCallee() calleeLeg {
	s.mu.Lock()
	defer s.mu.Unlock()
	leg := s.callee
	s.callee = nil
	return leg
}

// confirm early → confirmed перед отправкой 200 OK
func (s *session) confirm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != dialogEarly {
		return false
	}
	s.state = dialogConfirmed
	return true
}

// reject early → terminated перед отправкой финального отказа
func (s *session) reject() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != dialogEarly {
		return false
	}
	s.state = dialogTerminated
	close(s.aborted)
	return true
}

// terminate confirmed → terminated перед BYE
func (s *session) terminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != dialogConfirmed {
		return false
	}
	s.state = dialogTerminated
	return true
}

// waitRingback ждет паузу ring-back. false если диалог прерван
// или остановлен сервер.
func (s *session) waitRingback(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-s.aborted:
			return false
		default:
			return ctx.Err() == nil
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.aborted:
		return false
	case <-ctx.Done():
		return false
	}
}
