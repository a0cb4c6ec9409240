package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_pbx/pkg/call"
	"github.com/arzzra/soft_pbx/pkg/dtmf"
	"github.com/arzzra/soft_pbx/pkg/rtp_relay"
)

type fakeCore struct {
	mu       sync.Mutex
	digits   []dtmf.Digit
	hangups  map[string]call.EndReason
	pushErr  error
	setupErr error
}

func newFakeCore() *fakeCore {
	return &fakeCore{hangups: make(map[string]call.EndReason)}
}

func (f *fakeCore) Setup(_ context.Context, req call.SetupRequest) (*call.SetupResult, error) {
	if f.setupErr != nil {
		return nil, f.setupErr
	}
	return &call.SetupResult{CallID: req.CallID}, nil
}

func (f *fakeCore) Ring(string) error                  { return nil }
func (f *fakeCore) Answer(string) error                { return nil }
func (f *fakeCore) ConnectCallee(string, string) error { return nil }

func (f *fakeCore) Hangup(callID string, reason call.EndReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups[callID] = reason
	return nil
}

func (f *fakeCore) PushInfoDigit(_ string, digit dtmf.Digit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.digits = append(f.digits, digit)
	return nil
}

func (f *fakeCore) Get(string) (*call.Call, bool) { return nil, false }

func newTestServer(t *testing.T, cfg Config) (*Server, *fakeCore) {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:45060"
	}
	s, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	core := newFakeCore()
	s.Attach(core)
	return s, core
}

// addSession регистрирует диалог без sipgo сессии
func addSession(s *Server, callID string, state dialogState) *session {
	sess := &session{callID: callID, state: state, aborted: make(chan struct{})}
	s.track(sess)
	return sess
}

func inviteRequest(from, to, userAgent, body string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: to, Host: "pbx.local"})
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Caller",
		Address:     sip.Uri{Scheme: "sip", User: from, Host: "10.0.0.5"},
		Params:      sip.NewParams().Add("tag", "a1b2"),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: to, Host: "pbx.local"},
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader("invite-1")
	req.AppendHeader(&callID)
	if userAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", userAgent))
	}
	if body != "" {
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
		req.SetBody([]byte(body))
	}
	req.SetSource("10.0.0.5:5062")
	return req
}

func TestContactHeader(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantHost string
		wantPort int
	}{
		{"адрес прослушивания", Config{ListenAddr: "192.0.2.10:5070", Hostname: "pbx"}, "192.0.2.10", 5070},
		{"неуказанный адрес заменяется hostname", Config{ListenAddr: "0.0.0.0:5060", Hostname: "pbx.example.com"}, "pbx.example.com", 5060},
		{"явный Contact", Config{ListenAddr: "0.0.0.0:5060", ContactHost: "203.0.113.7", ContactPort: 15060}, "203.0.113.7", 15060},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := contactHeader(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, "sip", h.Address.Scheme)
			assert.Equal(t, tt.wantHost, h.Address.Host)
			assert.Equal(t, tt.wantPort, h.Address.Port)
		})
	}

	_, err := contactHeader(Config{ListenAddr: "без-порта"})
	assert.Error(t, err)
}

func TestSetupRequest_FromInvite(t *testing.T) {
	s, _ := newTestServer(t, Config{
		Routes: map[string]call.Flow{"112": call.FlowEmergency, "500": call.FlowPaging},
	})

	req := inviteRequest("1001", "112", "Yealink SIP-T46S 66.86.0.15", "v=0\r\n")
	out := s.setupRequest("invite-1", req)

	assert.Equal(t, "invite-1", out.CallID)
	assert.Equal(t, "1001", out.From)
	assert.Equal(t, "112", out.To)
	assert.Equal(t, "Yealink SIP-T46S 66.86.0.15", out.UserAgent)
	assert.Equal(t, "v=0\r\n", out.OfferSDP)
	assert.Equal(t, "10.0.0.5:5062", out.Source)
	assert.Equal(t, call.FlowEmergency, out.Flow)

	out = s.setupRequest("invite-1", inviteRequest("1001", "2002", "", ""))
	assert.Equal(t, call.FlowBridge, out.Flow, "номер без маршрута")
	assert.Empty(t, out.OfferSDP)
	assert.Empty(t, out.UserAgent)
}

func TestFlowFor_DefaultFlow(t *testing.T) {
	s, _ := newTestServer(t, Config{
		DefaultFlow: call.FlowMenu,
		Routes:      map[string]call.Flow{"500": call.FlowPaging},
	})

	assert.Equal(t, call.FlowPaging, s.flowFor("500"))
	assert.Equal(t, call.FlowMenu, s.flowFor("777"))
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"нет портов", &call.SetupError{Code: call.CodeResourceExhausted, Err: rtp_relay.ErrResourceExhausted}, 503},
		{"нет общих кодеков", &call.SetupError{Code: call.CodeNegotiationFailed}, 488},
		{"ошибка реле", &call.SetupError{Code: call.CodeRelayIO}, 500},
		{"внутренняя ошибка", &call.SetupError{Code: call.CodeInternal}, 500},
		{"обернутая ошибка", fmt.Errorf("setup: %w", &call.SetupError{Code: call.CodeResourceExhausted}), 503},
		{"произвольная ошибка", errors.New("boom"), 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, reason := statusForError(tt.err)
			assert.Equal(t, tt.code, code)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestInfo_DeliversDigit(t *testing.T) {
	s, core := newTestServer(t, Config{})
	addSession(s, "c1", dialogConfirmed)

	code, _ := s.info("c1", "application/dtmf-relay", []byte("Signal=5\r\nDuration=160\r\n"))
	assert.Equal(t, sip.StatusOK, code)

	code, _ = s.info("c1", "application/dtmf", []byte("#"))
	assert.Equal(t, sip.StatusOK, code)

	assert.Equal(t, []dtmf.Digit{dtmf.Digit5, dtmf.DigitPound}, core.digits)
}

func TestInfo_Errors(t *testing.T) {
	s, core := newTestServer(t, Config{})
	addSession(s, "c1", dialogConfirmed)

	code, _ := s.info("missing", "application/dtmf", []byte("1"))
	assert.Equal(t, sip.StatusCallTransactionDoesNotExists, code)

	code, _ = s.info("c1", "text/plain", []byte("1"))
	assert.Equal(t, statusUnsupportedMediaType, code)

	code, _ = s.info("c1", "application/dtmf-relay", []byte("Signal=X\r\n"))
	assert.Equal(t, sip.StatusBadRequest, code)

	core.pushErr = call.ErrInfoQueueFull
	code, _ = s.info("c1", "application/dtmf", []byte("1"))
	assert.Equal(t, statusServiceUnavailable, code)

	core.pushErr = call.ErrCallNotFound
	code, _ = s.info("c1", "application/dtmf", []byte("1"))
	assert.Equal(t, sip.StatusCallTransactionDoesNotExists, code)

	assert.Empty(t, core.digits)
}

func TestSession_Transitions(t *testing.T) {
	sess := &session{aborted: make(chan struct{})}

	assert.False(t, sess.terminate(), "BYE до 200 OK")
	require.True(t, sess.confirm())
	assert.False(t, sess.reject(), "отказ после 200 OK")
	assert.False(t, sess.confirm())
	require.True(t, sess.terminate())
	assert.Equal(t, dialogTerminated, sess.current())

	other := &session{aborted: make(chan struct{})}
	require.True(t, other.reject())
	assert.False(t, other.confirm())
	select {
	case <-other.aborted:
	default:
		t.Fatal("aborted не закрыт после отказа")
	}
}

func TestSession_WaitRingback(t *testing.T) {
	sess := &session{aborted: make(chan struct{})}
	assert.True(t, sess.waitRingback(context.Background(), 10*time.Millisecond))
	assert.True(t, sess.waitRingback(context.Background(), 0))

	go func() {
		time.Sleep(20 * time.Millisecond)
		sess.reject()
	}()
	start := time.Now()
	assert.False(t, sess.waitRingback(context.Background(), 5*time.Second))
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fresh := &session{aborted: make(chan struct{})}
	assert.False(t, fresh.waitRingback(ctx, 5*time.Second))
	assert.False(t, fresh.waitRingback(ctx, 0))
}

func TestHangup_Signaler(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	err := s.Hangup(context.Background(), "missing")
	assert.ErrorIs(t, err, call.ErrCallNotFound)

	addSession(s, "ended", dialogTerminated)
	require.NoError(t, s.Hangup(context.Background(), "ended"))
	assert.Equal(t, 0, s.Sessions())
}

func TestTransfer_RequiresConfirmedDialog(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	err := s.Transfer(context.Background(), "missing", "2001")
	assert.ErrorIs(t, err, call.ErrCallNotFound)

	addSession(s, "early", dialogEarly)
	err = s.Transfer(context.Background(), "early", "2001")
	assert.ErrorIs(t, err, call.ErrInvalidState)

	addSession(s, "no-contact", dialogConfirmed)
	err = s.Transfer(context.Background(), "no-contact", "2001")
	assert.Error(t, err)
}

func TestReferTarget(t *testing.T) {
	uri, err := referTarget("2001", "pbx.example.com")
	require.NoError(t, err)
	assert.Equal(t, "2001", uri.User)
	assert.Equal(t, "pbx.example.com", uri.Host)

	uri, err = referTarget("sip:operator@10.0.0.9:5070", "pbx.example.com")
	require.NoError(t, err)
	assert.Equal(t, "operator", uri.User)
	assert.Equal(t, "10.0.0.9", uri.Host)
	assert.Equal(t, 5070, uri.Port)

	_, err = referTarget("", "pbx.example.com")
	assert.Error(t, err)
}

func TestServe_RequiresCore(t *testing.T) {
	s, err := New(Config{ListenAddr: "127.0.0.1:45061"}, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.Serve(context.Background()))
}

func TestTrack_RejectsDuplicate(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	addSession(s, "dup", dialogEarly)

	assert.False(t, s.track(&session{callID: "dup"}))
	assert.Equal(t, 1, s.Sessions())

	s.untrack("dup")
	assert.Equal(t, 0, s.Sessions())
}
