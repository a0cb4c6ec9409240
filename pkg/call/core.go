// Package call управляет жизненным циклом звонков: согласование кодеков,
// выделение реле, цифры DTMF, меню и гарантированная очистка ресурсов.
package call

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/codec_policy"
	"github.com/arzzra/soft_pbx/pkg/dtmf"
	"github.com/arzzra/soft_pbx/pkg/logging"
	"github.com/arzzra/soft_pbx/pkg/media_sdp"
	"github.com/arzzra/soft_pbx/pkg/rtp_relay"
)

// ErrClosed ядро остановлено
var ErrClosed = errors.New("call core is closed")

// Config параметры ядра
type Config struct {
	// PublicIP адрес, который объявляется в SDP ответе
	PublicIP        string
	MenuIdleTimeout time.Duration
	// SessionTimeout ограничивает полную длительность звонка
	SessionTimeout  time.Duration
	DTMFGraceWindow time.Duration
	DTMFPollSlice   time.Duration
	InfoQueueSize   int
	DTMFVolume      int
	// SignalTimeout ограничивает вызовы Signaler
	SignalTimeout time.Duration
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		PublicIP:        "127.0.0.1",
		MenuIdleTimeout: 10 * time.Second,
		SessionTimeout:  5 * time.Minute,
		DTMFGraceWindow: dtmf.DefaultGraceWindow,
		DTMFPollSlice:   dtmf.DefaultPollSlice,
		InfoQueueSize:   32,
		DTMFVolume:      10,
		SignalTimeout:   5 * time.Second,
	}
}

// Deps внешние зависимости ядра. Relays и Policy обязательны.
type Deps struct {
	Relays   *rtp_relay.Manager
	Policy   *codec_policy.Policy
	Recorder Recorder
	Signaler Signaler
	Menu     MenuHandler
	Devices  DeviceDirectory
	Prompts  PromptSource
	Observer Observer
	Logger   *logrus.Entry
}

// SetupRequest данные нового звонка от сигнального уровня
type SetupRequest struct {
	// CallID пустой идентификатор генерируется
	CallID    string
	From      string
	To        string
	OfferSDP  string
	UserAgent string
	// Source адрес сигнального пира host:port
	Source string
	Flow   Flow
}

// SetupResult ответ для сигнального уровня
type SetupResult struct {
	CallID     string
	AnswerSDP  string
	Ports      rtp_relay.PortPair
	Negotiated *codec_policy.Result
}

// Core корень процесса для звонков. Владеет реестром звонков и
// передает каждому звонку общий менеджер реле.
type Core struct {
	cfg      Config
	relays   *rtp_relay.Manager
	policy   *codec_policy.Policy
	signaler Signaler
	menu     MenuHandler
	devices  DeviceDirectory
	prompts  PromptSource
	observer Observer
	logger   *logrus.Entry
	records  *recordWorker

	mu     sync.Mutex
	calls  map[string]*Call
	closed bool
	wg     sync.WaitGroup
}

// NewCore создает ядро
func NewCore(cfg Config, deps Deps) (*Core, error) {
	if deps.Relays == nil {
		return nil, fmt.Errorf("не задан менеджер реле")
	}
	if deps.Policy == nil {
		return nil, fmt.Errorf("не задана политика кодеков")
	}

	def := DefaultConfig()
	if cfg.MenuIdleTimeout <= 0 {
		cfg.MenuIdleTimeout = def.MenuIdleTimeout
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.InfoQueueSize <= 0 {
		cfg.InfoQueueSize = def.InfoQueueSize
	}
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = def.SignalTimeout
	}
	if cfg.PublicIP == "" {
		cfg.PublicIP = def.PublicIP
	}

	observer := deps.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	prompts := deps.Prompts
	if prompts == nil {
		prompts = SilencePrompts{}
	}
	logger := logging.OrDiscard(deps.Logger)

	return &Core{
		cfg:      cfg,
		relays:   deps.Relays,
		policy:   deps.Policy,
		signaler: deps.Signaler,
		menu:     deps.Menu,
		devices:  deps.Devices,
		prompts:  prompts,
		observer: observer,
		logger:   logger,
		records:  newRecordWorker(deps.Recorder, observer, logger),
		calls:    make(map[string]*Call),
	}, nil
}

// Setup создает звонок, согласует кодеки, выделяет реле и возвращает SDP
// ответ. Любая ошибка освобождает уже захваченные ресурсы и возвращается
// как *SetupError.
func (c *Core) Setup(ctx context.Context, req SetupRequest) (*SetupResult, error) {
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	if req.Flow == "" {
		req.Flow = FlowBridge
	}
	if req.Flow == FlowMenu && c.menu == nil {
		c.observer.SetupFailed(string(CodeInternal))
		return nil, &SetupError{Code: CodeInternal, CallID: req.CallID, Err: fmt.Errorf("обработчик меню не задан")}
	}

	call := c.newCall(req)
	if err := c.register(call); err != nil {
		c.observer.SetupFailed(string(CodeInternal))
		return nil, &SetupError{Code: CodeInternal, CallID: req.CallID, Err: err}
	}
	c.observer.CallStarted()
	call.logger.WithFields(logrus.Fields{"from": req.From, "to": req.To, "flow": req.Flow}).Info("звонок создан")

	c.records.startRecord(call.id, req.From, req.To)
	if req.Flow == FlowEmergency {
		c.records.addMetadata(call.id, "emergency", "true")
		c.records.addMetadata(call.id, "caller_address", req.Source)
	}

	answer, err := c.prepare(ctx, call, req)
	if err != nil {
		setupErr := newSetupError(call.id, err)
		c.observer.SetupFailed(string(setupErr.Code))
		call.logger.WithError(err).WithField("code", setupErr.Code).Warn("звонок не установлен")
		call.end(ReasonSetupFailed)
		c.cleanup(call)
		return nil, setupErr
	}

	c.wg.Add(1)
	go c.run(call)

	return &SetupResult{
		CallID:     call.id,
		AnswerSDP:  answer,
		Ports:      call.relay.Ports(),
		Negotiated: call.negotiated,
	}, nil
}

func (c *Core) newCall(req SetupRequest) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	call := &Call{
		id:        req.CallID,
		from:      req.From,
		to:        req.To,
		flow:      req.Flow,
		userAgent: req.UserAgent,
		source:    req.Source,
		createdAt: now,
		deadline:  now.Add(c.cfg.SessionTimeout),
		logger:    c.logger.WithField("call_id", req.CallID),
		info:      dtmf.NewInfoQueue(c.cfg.InfoQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		answered:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	call.state = newCallStateMachine(func(from, to State) {
		c.observer.CallTransition(string(from), string(to))
		call.logger.WithFields(logrus.Fields{"from": from, "to": to}).Info("состояние звонка изменено")
	})
	return call
}

func (c *Core) prepare(ctx context.Context, call *Call, req SetupRequest) (string, error) {
	offer := c.parseOffer(call, req.OfferSDP)
	res, err := c.policy.Negotiate(codec_policy.Offer{SDP: offer, UserAgent: req.UserAgent})
	if err != nil {
		return "", err
	}
	call.negotiated = res
	call.logger.WithFields(logrus.Fields{
		"codecs": res.Codecs,
		"source": res.Source,
		"model":  res.PhoneModel,
	}).Debug("кодеки согласованы")

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if res.Remote != nil && res.Remote.Port != 0 {
		host := res.Remote.Address
		if host == "" {
			host, _, _ = net.SplitHostPort(req.Source)
		}
		if host != "" {
			addr, err := rtp_relay.ResolveAddr(host, res.Remote.Port)
			if err != nil {
				return "", err
			}
			call.remoteA = addr
		}
	}

	relay, err := c.relays.Allocate(call.id)
	if err != nil {
		return "", err
	}
	call.relay = relay
	relay.SetEndpoints(call.remoteA, nil)
	if call.flow == FlowMenu {
		if audio, ok := c.menu.(MenuAudio); ok {
			if sink := audio.AudioSink(call.id); sink != nil {
				relay.SetSink(sink)
			}
		}
	}

	c.setupDTMF(call)

	if call.flow == FlowPaging {
		if err := c.openZoneLegs(call); err != nil {
			return "", err
		}
	}

	sessionID := strconv.FormatUint(uint64(uuid.New().ID()), 10)
	return media_sdp.BuildAudioSDP(res.AudioParams(c.cfg.PublicIP, relay.Ports().RTP, sessionID)), nil
}

// parseOffer пустой или неразбираемый offer означает отсутствие SDP
func (c *Core) parseOffer(call *Call, text string) *media_sdp.SessionDescription {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	sd, err := media_sdp.Parse(text)
	if err != nil {
		call.logger.WithError(err).Warn("SDP offer не разобран, используются кодеки по умолчанию")
		return nil
	}
	return sd
}

func (c *Core) setupDTMF(call *Call) {
	var inband dtmf.DigitReader
	if call.negotiated.HasDTMF() {
		call.listener = dtmf.NewListener(dtmf.ListenerConfig{
			PayloadType: call.negotiated.DTMFPayloadType,
			GraceWindow: c.cfg.DTMFGraceWindow,
			Logger:      call.logger,
		})
		inband = call.listener
	}
	call.digits = dtmf.NewSource(call.info, inband, c.cfg.DTMFPollSlice)
	call.digits.OnDigit(func(d dtmf.Digit, origin dtmf.Origin) {
		c.observer.DigitReceived(string(origin))
		call.logger.WithFields(logrus.Fields{"digit": d.String(), "origin": origin}).Debug("цифра принята")
	})
}

// Ring отмечает отправку предварительного ответа вызывающему
func (c *Core) Ring(callID string) error {
	call, err := c.lookup(callID)
	if err != nil {
		return err
	}
	if err := call.fire(eventRing); err != nil {
		return fmt.Errorf("%w: ring в состоянии %s", ErrInvalidState, call.State())
	}
	return nil
}

// Answer переводит звонок в connected: подключает DTMF и запускает реле.
// Для FlowMenu горутина звонка начинает цикл меню.
func (c *Core) Answer(callID string) error {
	call, err := c.lookup(callID)
	if err != nil {
		return err
	}

	if err := c.answer(call); err != nil {
		if errors.Is(err, rtp_relay.ErrRelayIO) {
			call.end(ReasonRelayError)
		}
		return err
	}
	close(call.answered)
	return nil
}

func (c *Core) answer(call *Call) error {
	call.mu.Lock()
	defer call.mu.Unlock()

	if call.ctx.Err() != nil || !call.state.Can(eventAnswer) {
		return fmt.Errorf("%w: answer в состоянии %s", ErrInvalidState, call.State())
	}
	if call.listener != nil {
		call.relay.OnPacket(call.listener.Tap())
	}
	if err := call.relay.Start(); err != nil {
		return fmt.Errorf("%w: %v", rtp_relay.ErrRelayIO, err)
	}
	return call.fire(eventAnswer)
}

// ConnectCallee задает сторону B по SDP вызываемого
func (c *Core) ConnectCallee(callID, sdpText string) error {
	call, err := c.lookup(callID)
	if err != nil {
		return err
	}
	if call.flow != FlowBridge && call.flow != FlowEmergency {
		return fmt.Errorf("%w: сценарий %s без стороны B", ErrInvalidState, call.flow)
	}

	sd, err := media_sdp.Parse(sdpText)
	if err != nil {
		return err
	}
	info, ok := media_sdp.GetAudioInfo(sd)
	if !ok {
		return fmt.Errorf("%w: нет аудио в SDP вызываемого", media_sdp.ErrMalformedInput)
	}
	addr, err := rtp_relay.ResolveAddr(info.Address, info.Port)
	if err != nil {
		return err
	}

	call.mu.Lock()
	defer call.mu.Unlock()
	if call.ctx.Err() != nil {
		return fmt.Errorf("%w: звонок завершается", ErrInvalidState)
	}
	call.relay.SetEndpoints(call.remoteA, addr)
	call.logger.WithField("leg_b", addr.String()).Info("сторона B подключена")
	return nil
}

// Hangup завершает звонок. Очистка выполняется горутиной звонка,
// завершение можно дождаться через Call.Done.
func (c *Core) Hangup(callID string, reason EndReason) error {
	call, err := c.lookup(callID)
	if err != nil {
		return err
	}
	call.end(reason)
	return nil
}

// PushInfoDigit ставит цифру SIP INFO в очередь звонка
func (c *Core) PushInfoDigit(callID string, digit dtmf.Digit) error {
	call, err := c.lookup(callID)
	if err != nil {
		return err
	}
	if !call.info.Push(digit) {
		call.logger.WithField("digit", digit.String()).Warn("очередь цифр INFO переполнена")
		return ErrInfoQueueFull
	}
	return nil
}

// SendDTMF отправляет цифры вызывающему событиями RFC 2833
func (c *Core) SendDTMF(ctx context.Context, callID, digits string) error {
	call, err := c.lookup(callID)
	if err != nil {
		return err
	}
	if call.State() != StateConnected {
		return fmt.Errorf("%w: dtmf в состоянии %s", ErrInvalidState, call.State())
	}
	if !call.negotiated.HasDTMF() {
		return ErrDTMFNotNegotiated
	}
	gen := dtmf.NewGenerator(call.negotiated.DTMFPayloadType, c.cfg.DTMFVolume)
	return gen.Send(ctx, call.relay, digits, dtmf.DefaultEventDuration, dtmf.DefaultEventDuration)
}

// Get активный звонок
func (c *Core) Get(callID string) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[callID]
	return call, ok
}

// Active количество активных звонков
func (c *Core) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Close завершает все звонки и ждет их очистки не дольше ctx
func (c *Core) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	calls := make([]*Call, 0, len(c.calls))
	for _, call := range c.calls {
		calls = append(calls, call)
	}
	c.mu.Unlock()

	for _, call := range calls {
		call.end(ReasonShutdown)
	}

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.records.close()
	c.relays.Close()
	return err
}

func (c *Core) lookup(callID string) (*Call, error) {
	call, ok := c.Get(callID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return call, nil
}

func (c *Core) register(call *Call) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, exists := c.calls[call.id]; exists {
		return fmt.Errorf("%w: %s", ErrCallExists, call.id)
	}
	c.calls[call.id] = call
	return nil
}

func (c *Core) unregister(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, callID)
}

// run владеет временем жизни звонка. Любой выход, включая панику,
// проходит через cleanup.
func (c *Core) run(call *Call) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			call.logger.WithField("panic", r).Error("паника в обработке звонка")
			call.end(ReasonPanic)
		}
		c.cleanup(call)
	}()

	timer := time.NewTimer(time.Until(call.deadline))
	defer timer.Stop()

	select {
	case <-call.answered:
	case <-call.ctx.Done():
		return
	case <-timer.C:
		call.end(ReasonSessionTimeout)
		return
	}

	if call.flow == FlowMenu {
		c.menuLoop(call)
		return
	}

	select {
	case <-call.ctx.Done():
	case <-call.relay.Done():
		call.logger.WithError(call.relay.Err()).Error("ошибка реле")
		call.end(ReasonRelayError)
	case <-timer.C:
		call.end(ReasonSessionTimeout)
	}
}

// cleanup единственный путь освобождения ресурсов звонка
func (c *Core) cleanup(call *Call) {
	call.cleanupOnce.Do(func() {
		call.cancel()

		call.mu.Lock()
		if call.reason == "" {
			call.reason = ReasonLocalHangup
		}
		reason := call.reason
		prev := call.State()
		call.endedAt = time.Now()

		if call.listener != nil {
			call.listener.Close()
		}
		if call.flow == FlowPaging {
			c.closeZoneLegs(call)
		}
		if call.relay != nil {
			if err := c.relays.Release(call.id); err != nil {
				call.logger.WithError(err).Error("реле не освобождено")
			}
		}
		if err := call.fire(eventEnd); err != nil {
			call.logger.WithError(err).Debug("переход в ended")
		}
		duration := call.endedAt.Sub(call.createdAt)
		call.mu.Unlock()

		c.unregister(call.id)

		if reason.notifiesPeer() && (prev == StateRinging || prev == StateConnected) {
			c.notifyHangup(call)
		}

		c.records.addMetadata(call.id, "end_reason", string(reason))
		c.observer.CallEnded(duration)
		call.logger.WithFields(logrus.Fields{
			"reason":   reason,
			"duration": duration.Round(time.Millisecond),
		}).Info("звонок завершен")
		close(call.done)
	})
}

func (c *Core) notifyHangup(call *Call) {
	if c.signaler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			call.logger.WithField("panic", r).Error("паника в Signaler.Hangup")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SignalTimeout)
	defer cancel()
	if err := c.signaler.Hangup(ctx, call.id); err != nil {
		call.logger.WithError(err).Warn("BYE не отправлен")
	}
}
