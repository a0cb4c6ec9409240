package call

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_pbx/pkg/codec_policy"
	"github.com/arzzra/soft_pbx/pkg/dtmf"
	"github.com/arzzra/soft_pbx/pkg/rtp_relay"
)

const testWait = 2 * time.Second

type recordingObserver struct {
	mu               sync.Mutex
	transitions      []string
	failures         []string
	digits           []string
	started          int
	ended            int
	recorderFailures int
}

func (o *recordingObserver) CallStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) CallTransition(from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from+"->"+to)
}

func (o *recordingObserver) CallEnded(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended++
}

func (o *recordingObserver) SetupFailed(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, reason)
}

func (o *recordingObserver) DigitReceived(origin string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.digits = append(o.digits, origin)
}

func (o *recordingObserver) RecorderFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorderFailures++
}

type observerSnapshot struct {
	transitions      []string
	failures         []string
	digits           []string
	started          int
	ended            int
	recorderFailures int
}

func (o *recordingObserver) snapshot() observerSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return observerSnapshot{
		transitions:      append([]string(nil), o.transitions...),
		failures:         append([]string(nil), o.failures...),
		digits:           append([]string(nil), o.digits...),
		started:          o.started,
		ended:            o.ended,
		recorderFailures: o.recorderFailures,
	}
}

type fakeRecorder struct {
	mu           sync.Mutex
	started      []string
	metadata     map[string]string
	panicOnStart bool
}

func (r *fakeRecorder) StartRecord(callID, from, to string) error {
	if r.panicOnStart {
		panic("recorder down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, callID+":"+from+":"+to)
	return nil
}

func (r *fakeRecorder) AddMetadata(callID, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metadata == nil {
		r.metadata = make(map[string]string)
	}
	r.metadata[callID+"/"+key] = value
	return nil
}

func (r *fakeRecorder) meta(callID, key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.metadata[callID+"/"+key]
	return v, ok
}

func (r *fakeRecorder) records() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

type fakeSignaler struct {
	mu          sync.Mutex
	hangups     []string
	transfers   []string
	transferErr error
}

func (s *fakeSignaler) Hangup(ctx context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangups = append(s.hangups, callID)
	return nil
}

func (s *fakeSignaler) Transfer(ctx context.Context, callID, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transferErr != nil {
		return s.transferErr
	}
	s.transfers = append(s.transfers, callID+":"+target)
	return nil
}

func (s *fakeSignaler) snapshot() (hangups, transfers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hangups...), append([]string(nil), s.transfers...)
}

type testEnv struct {
	core     *Core
	relays   *rtp_relay.Manager
	observer *recordingObserver
	recorder *fakeRecorder
	signaler *fakeSignaler
}

// newTestEnv ядро поверх реального менеджера реле с pairs парами портов,
// начиная с minPort
func newTestEnv(t *testing.T, minPort uint16, pairs int, cfg Config, deps Deps) *testEnv {
	t.Helper()

	relays := rtp_relay.NewManager(rtp_relay.ManagerConfig{
		BindIP:         "127.0.0.1",
		PortMin:        minPort,
		PortMax:        minPort + uint16(pairs*2) - 1,
		ReceiveTimeout: 20 * time.Millisecond,
	}, nil, nil)

	env := &testEnv{
		relays:   relays,
		observer: &recordingObserver{},
		recorder: &fakeRecorder{},
		signaler: &fakeSignaler{},
	}
	deps.Relays = relays
	deps.Policy = codec_policy.New(codec_policy.NewStaticCatalog(), codec_policy.Config{}, nil)
	if deps.Observer == nil {
		deps.Observer = env.observer
	}
	if deps.Recorder == nil {
		deps.Recorder = env.recorder
	}
	if deps.Signaler == nil {
		deps.Signaler = env.signaler
	}

	core, err := NewCore(cfg, deps)
	require.NoError(t, err)
	env.core = core

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		core.Close(ctx)
	})
	return env
}

func listenPhone(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func phonePort(conn *net.UDPConn) int {
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func offerSDP(port int, formats string, attrs ...string) string {
	s := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n" +
		fmt.Sprintf("m=audio %d RTP/AVP %s\r\n", port, formats)
	for _, a := range attrs {
		s += "a=" + a + "\r\n"
	}
	return s
}

func relayAddr(ports rtp_relay.PortPair) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(ports.RTP)}
}

func rtpPacket(t *testing.T, pt uint8, seq uint16, payload []byte) []byte {
	t.Helper()
	data, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: pt, SequenceNumber: seq, Timestamp: uint32(seq) * 160, SSRC: 0x1234},
		Payload: payload,
	}).Marshal()
	require.NoError(t, err)
	return data
}

func readRTP(t *testing.T, conn *net.UDPConn) *rtp.Packet {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWait)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	p := &rtp.Packet{}
	require.NoError(t, p.Unmarshal(buf[:n]))
	return p
}

func waitEnded(t *testing.T, c *Call) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(testWait):
		t.Fatalf("звонок %s не завершился", c.ID())
	}
}

func mustGet(t *testing.T, core *Core, callID string) *Call {
	t.Helper()
	c, ok := core.Get(callID)
	require.True(t, ok, "звонок %s не найден", callID)
	return c
}

func TestSetup_NoOfferUsesDefaults(t *testing.T) {
	env := newTestEnv(t, 24000, 2, Config{}, Deps{})

	res, err := env.core.Setup(context.Background(), SetupRequest{CallID: "c1", From: "100", To: "200"})
	require.NoError(t, err)

	assert.Equal(t, []string{"0", "8", "101"}, res.Negotiated.Codecs)
	assert.Contains(t, res.AnswerSDP, fmt.Sprintf("m=audio %d RTP/AVP 0 8 101\r\n", res.Ports.RTP))
	assert.Contains(t, res.AnswerSDP, "c=IN IP4 127.0.0.1\r\n")
	assert.Equal(t, res.Ports.RTP+1, res.Ports.RTCP)

	c := mustGet(t, env.core, "c1")
	assert.Equal(t, StateCreated, c.State())
	assert.Equal(t, 1, env.relays.Pool().Available())

	require.NoError(t, env.core.Hangup("c1", ReasonRemoteHangup))
	waitEnded(t, c)

	assert.Equal(t, StateEnded, c.State())
	assert.Equal(t, ReasonRemoteHangup, c.EndReason())
	assert.Equal(t, 2, env.relays.Pool().Available())
	assert.Equal(t, 0, env.core.Active())

	hangups, _ := env.signaler.snapshot()
	assert.Empty(t, hangups, "BYE вызывающего не отправляется обратно")

	require.Eventually(t, func() bool {
		v, ok := env.recorder.meta("c1", "end_reason")
		return ok && v == string(ReasonRemoteHangup)
	}, testWait, 10*time.Millisecond)
	assert.Equal(t, []string{"c1:100:200"}, env.recorder.records())
}

func TestSetup_MalformedOfferTreatedAsNoOffer(t *testing.T) {
	env := newTestEnv(t, 24010, 1, Config{}, Deps{})

	res, err := env.core.Setup(context.Background(), SetupRequest{CallID: "c1", OfferSDP: "hello\nnot an sdp body"})
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "8", "101"}, res.Negotiated.Codecs)
	assert.Equal(t, codec_policy.SourceDefault, res.Negotiated.Source)
}

func TestSetup_GeneratesCallID(t *testing.T) {
	env := newTestEnv(t, 24020, 1, Config{}, Deps{})

	res, err := env.core.Setup(context.Background(), SetupRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.CallID)
	mustGet(t, env.core, res.CallID)
}

func TestSetup_ExhaustedPool(t *testing.T) {
	env := newTestEnv(t, 24030, 0, Config{}, Deps{})

	_, err := env.core.Setup(context.Background(), SetupRequest{CallID: "c1"})
	require.Error(t, err)

	var setupErr *SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, CodeResourceExhausted, setupErr.Code)
	assert.Equal(t, "c1", setupErr.CallID)
	assert.ErrorIs(t, err, rtp_relay.ErrResourceExhausted)
	assert.ErrorIs(t, err, &SetupError{Code: CodeResourceExhausted})

	_, ok := env.core.Get("c1")
	assert.False(t, ok)

	obs := env.observer.snapshot()
	assert.Equal(t, []string{"created->ended"}, obs.transitions)
	assert.Equal(t, []string{"resource_exhausted"}, obs.failures)
	assert.Equal(t, 1, obs.started)
	assert.Equal(t, 1, obs.ended)

	hangups, _ := env.signaler.snapshot()
	assert.Empty(t, hangups)
}

func TestSetup_NegotiationFailed(t *testing.T) {
	env := newTestEnv(t, 24040, 1, Config{}, Deps{})
	phone := listenPhone(t)

	_, err := env.core.Setup(context.Background(), SetupRequest{
		CallID:   "c1",
		OfferSDP: offerSDP(phonePort(phone), "101", "rtpmap:101 telephone-event/8000"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, codec_policy.ErrNegotiationFailed)
	assert.ErrorIs(t, err, &SetupError{Code: CodeNegotiationFailed})
	assert.Equal(t, 1, env.relays.Pool().Available())
	assert.Equal(t, 0, env.relays.Active())
}

func TestSetup_PortsReturnedOnLateFailure(t *testing.T) {
	env := newTestEnv(t, 24050, 1, Config{}, Deps{Devices: failingDirectory{}})

	_, err := env.core.Setup(context.Background(), SetupRequest{CallID: "page", Flow: FlowPaging})
	require.Error(t, err)
	assert.ErrorIs(t, err, &SetupError{Code: CodeInternal})

	assert.Equal(t, 1, env.relays.Pool().Available())
	assert.Equal(t, 0, env.relays.Active())
	assert.Equal(t, 0, env.core.Active())
}

func TestSetup_DuplicateCallID(t *testing.T) {
	env := newTestEnv(t, 24060, 2, Config{}, Deps{})

	_, err := env.core.Setup(context.Background(), SetupRequest{CallID: "dup"})
	require.NoError(t, err)
	_, err = env.core.Setup(context.Background(), SetupRequest{CallID: "dup"})
	assert.ErrorIs(t, err, ErrCallExists)

	mustGet(t, env.core, "dup")
	assert.Equal(t, 1, env.relays.Pool().Available())
}

func TestSetup_MenuFlowRequiresHandler(t *testing.T) {
	env := newTestEnv(t, 24070, 1, Config{}, Deps{})

	_, err := env.core.Setup(context.Background(), SetupRequest{CallID: "ivr", Flow: FlowMenu})
	assert.ErrorIs(t, err, &SetupError{Code: CodeInternal})
	assert.Equal(t, 1, env.relays.Pool().Available())
}

func TestCall_TransitionsAreMonotonic(t *testing.T) {
	env := newTestEnv(t, 24080, 1, Config{}, Deps{})

	_, err := env.core.Setup(context.Background(), SetupRequest{CallID: "c1"})
	require.NoError(t, err)
	c := mustGet(t, env.core, "c1")

	require.NoError(t, env.core.Ring("c1"))
	assert.ErrorIs(t, env.core.Ring("c1"), ErrInvalidState)
	require.NoError(t, env.core.Answer("c1"))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, rtp_relay.StateLearning, c.Relay().State())
	assert.ErrorIs(t, env.core.Answer("c1"), ErrInvalidState)
	assert.ErrorIs(t, env.core.Ring("c1"), ErrInvalidState)

	require.NoError(t, env.core.Hangup("c1", ReasonLocalHangup))
	waitEnded(t, c)

	assert.Equal(t, []string{"created->ringing", "ringing->connected", "connected->ended"}, env.observer.snapshot().transitions)
	hangups, _ := env.signaler.snapshot()
	assert.Equal(t, []string{"c1"}, hangups)

	assert.ErrorIs(t, env.core.Ring("c1"), ErrCallNotFound)
	assert.ErrorIs(t, env.core.Answer("c1"), ErrCallNotFound)
	assert.ErrorIs(t, env.core.Hangup("c1", ReasonRemoteHangup), ErrCallNotFound)
}

func TestCall_AnswerWithoutRing(t *testing.T) {
	env := newTestEnv(t, 24090, 1, Config{}, Deps{})

	_, err := env.core.Setup(context.Background(), SetupRequest{CallID: "c1"})
	require.NoError(t, err)
	require.NoError(t, env.core.Answer("c1"))
	assert.Equal(t, StateConnected, mustGet(t, env.core, "c1").State())
	assert.Equal(t, []string{"created->connected"}, env.observer.snapshot().transitions)
}

func TestCall_SessionTimeout(t *testing.T) {
	env := newTestEnv(t, 24100, 2, Config{SessionTimeout: 150 * time.Millisecond}, Deps{})

	_, err := env.core.Setup(context.Background(), SetupRequest{CallID: "answered"})
	require.NoError(t, err)
	require.NoError(t, env.core.Answer("answered"))
	_, err = env.core.Setup(context.Background(), SetupRequest{CallID: "pending"})
	require.NoError(t, err)

	answered := mustGet(t, env.core, "answered")
	pending := mustGet(t, env.core, "pending")
	waitEnded(t, answered)
	waitEnded(t, pending)

	assert.Equal(t, ReasonSessionTimeout, answered.EndReason())
	assert.Equal(t, ReasonSessionTimeout, pending.EndReason())
	assert.Equal(t, 2, env.relays.Pool().Available())

	hangups, _ := env.signaler.snapshot()
	assert.Equal(t, []string{"answered"}, hangups, "BYE только для отвеченного звонка")
}

func TestCall_BridgeRelaysBetweenLegs(t *testing.T) {
	env := newTestEnv(t, 24110, 1, Config{}, Deps{})
	caller := listenPhone(t)
	callee := listenPhone(t)

	res, err := env.core.Setup(context.Background(), SetupRequest{
		CallID:   "bridge",
		OfferSDP: offerSDP(phonePort(caller), "8 0"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"8", "0"}, res.Negotiated.Codecs)

	require.NoError(t, env.core.ConnectCallee("bridge", offerSDP(phonePort(callee), "8")))
	require.NoError(t, env.core.Answer("bridge"))

	payload := []byte{1, 2, 3, 4}
	_, err = caller.WriteToUDP(rtpPacket(t, 8, 1, payload), relayAddr(res.Ports))
	require.NoError(t, err)
	got := readRTP(t, callee)
	assert.Equal(t, payload, got.Payload)

	_, err = callee.WriteToUDP(rtpPacket(t, 8, 7, []byte{9}), relayAddr(res.Ports))
	require.NoError(t, err)
	got = readRTP(t, caller)
	assert.Equal(t, []byte{9}, got.Payload)
}

func TestCall_ConnectCalleeRejectsOneLegFlows(t *testing.T) {
	env := newTestEnv(t, 24120, 1, Config{}, Deps{Menu: &scriptedMenu{}})

	_, err := env.core.Setup(context.Background(), SetupRequest{CallID: "ivr", Flow: FlowMenu})
	require.NoError(t, err)
	assert.ErrorIs(t, env.core.ConnectCallee("ivr", offerSDP(4000, "0")), ErrInvalidState)
	assert.ErrorIs(t, env.core.ConnectCallee("missing", offerSDP(4000, "0")), ErrCallNotFound)
}

func TestCall_RecorderFailureDoesNotAbortSetup(t *testing.T) {
	env := newTestEnv(t, 24130, 1, Config{}, Deps{Recorder: &fakeRecorder{panicOnStart: true}})

	_, err := env.core.Setup(context.Background(), SetupRequest{CallID: "c1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.observer.snapshot().recorderFailures == 1
	}, testWait, 10*time.Millisecond)
}

func TestCall_EmergencyMetadata(t *testing.T) {
	env := newTestEnv(t, 24140, 1, Config{}, Deps{})

	_, err := env.core.Setup(context.Background(), SetupRequest{
		CallID: "sos",
		From:   "101",
		To:     "112",
		Source: "10.1.2.3:5060",
		Flow:   FlowEmergency,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok := env.recorder.meta("sos", "caller_address")
		return ok && v == "10.1.2.3:5060"
	}, testWait, 10*time.Millisecond)
	v, _ := env.recorder.meta("sos", "emergency")
	assert.Equal(t, "true", v)
}

func TestCore_CloseEndsCalls(t *testing.T) {
	env := newTestEnv(t, 24150, 2, Config{}, Deps{})

	_, err := env.core.Setup(context.Background(), SetupRequest{CallID: "a"})
	require.NoError(t, err)
	_, err = env.core.Setup(context.Background(), SetupRequest{CallID: "b"})
	require.NoError(t, err)
	require.NoError(t, env.core.Answer("b"))
	a := mustGet(t, env.core, "a")
	b := mustGet(t, env.core, "b")

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	require.NoError(t, env.core.Close(ctx))

	waitEnded(t, a)
	waitEnded(t, b)
	assert.Equal(t, ReasonShutdown, a.EndReason())
	assert.Equal(t, ReasonShutdown, b.EndReason())
	assert.Equal(t, 2, env.relays.Pool().Available())

	_, err = env.core.Setup(context.Background(), SetupRequest{CallID: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPushInfoDigit_Errors(t *testing.T) {
	env := newTestEnv(t, 24160, 1, Config{InfoQueueSize: 1}, Deps{})

	_, err := env.core.Setup(context.Background(), SetupRequest{CallID: "c1"})
	require.NoError(t, err)

	require.NoError(t, env.core.PushInfoDigit("c1", dtmf.Digit1))
	assert.ErrorIs(t, env.core.PushInfoDigit("c1", dtmf.Digit2), ErrInfoQueueFull)
	assert.ErrorIs(t, env.core.PushInfoDigit("nope", dtmf.Digit1), ErrCallNotFound)
}

func TestNewCore_RequiresDependencies(t *testing.T) {
	_, err := NewCore(Config{}, Deps{})
	assert.Error(t, err)
}
