package call

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/codec_policy"
	"github.com/arzzra/soft_pbx/pkg/dtmf"
	"github.com/arzzra/soft_pbx/pkg/rtp_relay"
)

// Flow сценарий обработки звонка
type Flow string

const (
	// FlowBridge разговор двух сторон через реле, сторона B задается
	// ConnectCallee
	FlowBridge Flow = "bridge"
	// FlowMenu одна сторона, цифры передаются MenuHandler
	FlowMenu Flow = "menu"
	// FlowPaging оповещение: аудио вызывающего дублируется устройствам зоны
	FlowPaging Flow = "paging"
	// FlowEmergency экстренный вызов, как FlowBridge с метаданными в учете
	FlowEmergency Flow = "emergency"
)

// EndReason причина завершения звонка
type EndReason string

const (
	ReasonRemoteHangup   EndReason = "remote_hangup"
	ReasonLocalHangup    EndReason = "local_hangup"
	ReasonTransfer       EndReason = "transfer"
	ReasonIdleTimeout    EndReason = "idle_timeout"
	ReasonSessionTimeout EndReason = "session_timeout"
	ReasonRelayError     EndReason = "relay_error"
	ReasonMenuError      EndReason = "menu_error"
	ReasonPanic          EndReason = "panic"
	ReasonSetupFailed    EndReason = "setup_failed"
	ReasonShutdown       EndReason = "shutdown"
)

// notifiesPeer сообщает, нужно ли отправлять BYE вызывающему
func (r EndReason) notifiesPeer() bool {
	switch r {
	case ReasonRemoteHangup, ReasonSetupFailed:
		return false
	}
	return true
}

// Call состояние одного звонка. Временем жизни владеет горутина звонка,
// внешние методы только читают снимки.
type Call struct {
	id        string
	from      string
	to        string
	flow      Flow
	userAgent string
	source    string
	createdAt time.Time
	deadline  time.Time

	logger *logrus.Entry
	state  *fsm.FSM

	negotiated *codec_policy.Result
	remoteA    *net.UDPAddr
	relay      *rtp_relay.Session

	info     *dtmf.InfoQueue
	listener *dtmf.Listener
	digits   *dtmf.Source

	ctx      context.Context
	cancel   context.CancelFunc
	answered chan struct{}
	done     chan struct{}

	// mu сериализует Answer, ConnectCallee и очистку
	mu          sync.Mutex
	reason      EndReason
	cleanupOnce sync.Once
	endedAt     time.Time
}

// ID идентификатор звонка
func (c *Call) ID() string { return c.id }

// From номер вызывающего
func (c *Call) From() string { return c.from }

// To номер вызываемого
func (c *Call) To() string { return c.to }

// Flow сценарий звонка
func (c *Call) Flow() Flow { return c.flow }

// State текущее состояние
func (c *Call) State() State { return State(c.state.Current()) }

// Negotiated итог согласования кодеков
func (c *Call) Negotiated() *codec_policy.Result { return c.negotiated }

// Relay сессия реле звонка, nil до выделения портов
func (c *Call) Relay() *rtp_relay.Session { return c.relay }

// Ports пара портов реле
func (c *Call) Ports() rtp_relay.PortPair {
	if c.relay == nil {
		return rtp_relay.PortPair{}
	}
	return c.relay.Ports()
}

// Done закрывается после завершения очистки
func (c *Call) Done() <-chan struct{} { return c.done }

// EndReason причина завершения, пустая пока звонок активен
func (c *Call) EndReason() EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Duration длительность звонка, для активного звонка от создания до
// текущего момента
func (c *Call) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endedAt.IsZero() {
		return time.Since(c.createdAt)
	}
	return c.endedAt.Sub(c.createdAt)
}

// end запоминает первую причину завершения и отменяет контекст звонка
func (c *Call) end(reason EndReason) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Call) fire(event string) error {
	return c.state.Event(context.Background(), event)
}
