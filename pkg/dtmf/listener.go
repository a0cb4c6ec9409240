package dtmf

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/logging"
	"github.com/arzzra/soft_pbx/pkg/rtp_relay"
)

const (
	// DefaultGraceWindow время ожидания end пакета после первого пакета
	// события
	DefaultGraceWindow = 200 * time.Millisecond

	defaultDigitBuffer = 32
	// recentEvents сколько последних сообщенных событий помнит Listener
	recentEvents = 8
)

// ListenerConfig параметры Listener
type ListenerConfig struct {
	PayloadType uint8
	GraceWindow time.Duration
	BufferSize  int
	Logger      *logrus.Entry
	// OnDigit вызывается для каждой сообщенной цифры
	OnDigit func(Digit)
}

// Listener принимает RFC 2833 события из RTP потока. Цифра сообщается
// один раз: по первому end пакету или, если end не пришел, по истечении
// GraceWindow с первого пакета события. Пакеты одного события различаются
// по RTP timestamp.
type Listener struct {
	cfg    ListenerConfig
	logger *logrus.Entry
	digits chan Digit
	done   chan struct{}

	mu     sync.Mutex
	active *activeEvent
	// reported кольцо timestamp последних сообщенных событий
	reported  [recentEvents]uint32
	nReported int
	closed    bool
	closeOnce sync.Once
}

type activeEvent struct {
	ts    uint32
	digit Digit
	timer *time.Timer
}

// NewListener создает Listener
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultDigitBuffer
	}
	return &Listener{
		cfg:    cfg,
		logger: logging.OrDiscard(cfg.Logger),
		digits: make(chan Digit, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// Tap адаптер для rtp_relay.Session.OnPacket
func (l *Listener) Tap() func(rtp_relay.Packet) {
	return func(p rtp_relay.Packet) {
		if p.RTP != nil {
			l.HandlePacket(p.RTP)
		}
	}
}

// HandlePacket обрабатывает RTP пакет. Пакеты с другим payload type
// игнорируются.
func (l *Listener) HandlePacket(p *rtp.Packet) {
	if p == nil || p.PayloadType != l.cfg.PayloadType {
		return
	}
	ev, err := Unpack(p.Payload)
	if err != nil {
		l.logger.WithError(err).Debug("пакет telephone-event отброшен")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if l.wasReported(p.Timestamp) {
		// повтор end пакета или опоздавший пакет уже сообщенного события
		return
	}

	if ev.End {
		if l.active != nil && l.active.ts == p.Timestamp {
			l.active.timer.Stop()
			l.active = nil
		}
		l.report(ev.Digit, p.Timestamp)
		return
	}

	if l.active != nil && l.active.ts == p.Timestamp {
		return
	}
	if l.active != nil {
		l.active.timer.Stop()
	}

	ts := p.Timestamp
	l.active = &activeEvent{
		ts:    ts,
		digit: ev.Digit,
		timer: time.AfterFunc(l.cfg.GraceWindow, func() { l.expire(ts) }),
	}
}

func (l *Listener) expire(ts uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.active == nil || l.active.ts != ts {
		return
	}
	digit := l.active.digit
	l.active = nil
	l.report(digit, ts)
}

// wasReported вызывается под mu
func (l *Listener) wasReported(ts uint32) bool {
	n := l.nReported
	if n > recentEvents {
		n = recentEvents
	}
	for i := 0; i < n; i++ {
		if l.reported[i] == ts {
			return true
		}
	}
	return false
}

// report вызывается под mu
func (l *Listener) report(d Digit, ts uint32) {
	l.reported[l.nReported%recentEvents] = ts
	l.nReported++

	select {
	case l.digits <- d:
		l.logger.WithField("digit", d.String()).Debug("DTMF цифра принята")
		if l.cfg.OnDigit != nil {
			l.cfg.OnDigit(d)
		}
	default:
		l.logger.WithField("digit", d.String()).Warn("буфер DTMF цифр переполнен")
	}
}

// GetDigit ждет цифру не дольше timeout. timeout <= 0 проверяет буфер без
// ожидания.
func (l *Listener) GetDigit(timeout time.Duration) (Digit, bool) {
	select {
	case d := <-l.digits:
		return d, true
	default:
	}
	if timeout <= 0 {
		return 0, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-l.digits:
		return d, true
	case <-timer.C:
		return 0, false
	case <-l.done:
		return 0, false
	}
}

// Close останавливает таймер и будит ожидающих GetDigit
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		if l.active != nil {
			l.active.timer.Stop()
			l.active = nil
		}
		l.mu.Unlock()
		close(l.done)
	})
}
