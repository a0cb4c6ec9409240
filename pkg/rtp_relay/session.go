package rtp_relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/logging"
)

const (
	// DefaultReceiveTimeout интервал, с которым цикл чтения проверяет флаг
	// остановки
	DefaultReceiveTimeout = 100 * time.Millisecond
	// DefaultMaxWriteErrors число ошибок записи подряд, после которого
	// сессия завершается с ErrRelayIO
	DefaultMaxWriteErrors = 50

	maxDatagramSize = 1500
)

var errNoTarget = errors.New("адрес стороны неизвестен")

// Channel канал реле
type Channel int

const (
	ChannelRTP Channel = iota
	ChannelRTCP
)

func (c Channel) String() string {
	if c == ChannelRTCP {
		return "rtcp"
	}
	return "rtp"
}

// Packet принятая датаграмма для подписчиков OnPacket и Sink
type Packet struct {
	Leg      Leg
	Channel  Channel
	Source   *net.UDPAddr
	Data     []byte      // копия датаграммы
	RTP      *rtp.Packet // nil для RTCP и нераспознанных пакетов
	Received time.Time
}

// Sink локальный получатель аудио стороны A в режиме одной стороны
type Sink interface {
	WritePacket(p Packet) error
}

// Config параметры сессии реле
type Config struct {
	CallID         string
	Ports          PortPair
	BindIP         string
	ReceiveTimeout time.Duration
	MaxWriteErrors int
	DSCP           int
	ClockRate      uint32
	Logger         *logrus.Entry
	Observer       Observer
}

// Stats счетчики сессии
type Stats struct {
	PacketsReceived  uint64
	PacketsForwarded uint64
	PacketsDropped   uint64
	BytesForwarded   uint64
	FanoutPackets    uint64
	SinkPackets      uint64
	WriteErrors      uint64
	EndpointsLearned uint64
}

type channel struct {
	kind Channel
	port uint16
	conn *net.UDPConn

	mu          sync.Mutex
	table       endpointTable
	fanout      map[string]*net.UDPAddr
	fanoutOrder []string

	writeErrs atomic.Int64
}

// Session реле одного звонка: RTP сокет на четном порту и RTCP сокет на
// следующем. Каждый канал читается своей горутиной.
type Session struct {
	cfg      Config
	logger   *logrus.Entry
	observer Observer
	state    *fsm.FSM

	rtpCh  *channel
	rtcpCh *channel

	tapsMu sync.RWMutex
	taps   []func(Packet)
	sink   Sink

	quality *qualityEstimator
	player  *Player

	running atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once

	errMu sync.Mutex
	err   error

	received  atomic.Uint64
	forwarded atomic.Uint64
	dropped   atomic.Uint64
	bytes     atomic.Uint64
	fanned    atomic.Uint64
	sunk      atomic.Uint64
	writeErrs atomic.Uint64
	learned   atomic.Uint64
}

// NewSession создает сессию в состоянии idle
func NewSession(cfg Config) *Session {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.MaxWriteErrors == 0 {
		cfg.MaxWriteErrors = DefaultMaxWriteErrors
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.BindIP == "" {
		cfg.BindIP = "0.0.0.0"
	}

	s := &Session{
		cfg:      cfg,
		observer: cfg.Observer,
		logger: logging.OrDiscard(cfg.Logger).WithFields(logrus.Fields{
			"call_id": cfg.CallID,
			"port":    cfg.Ports.RTP,
		}),
		rtpCh:   &channel{kind: ChannelRTP, port: cfg.Ports.RTP, fanout: make(map[string]*net.UDPAddr)},
		rtcpCh:  &channel{kind: ChannelRTCP, port: cfg.Ports.RTCP},
		quality: newQualityEstimator(cfg.ClockRate),
		done:    make(chan struct{}),
	}
	s.rtpCh.table.legs[LegA] = &Endpoint{}
	s.rtcpCh.table.legs[LegA] = &Endpoint{}
	s.state = newRelayStateMachine(func(from, to string) {
		s.logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("состояние реле изменено")
	})
	s.player = newPlayer(s)
	return s
}

// CallID идентификатор звонка
func (s *Session) CallID() string { return s.cfg.CallID }

// Ports пара портов сессии
func (s *Session) Ports() PortPair { return s.cfg.Ports }

// State текущее состояние автомата реле
func (s *Session) State() string { return s.state.Current() }

// Bind открывает RTP и RTCP сокеты
func (s *Session) Bind() error {
	if s.state.Current() != StateIdle {
		return fmt.Errorf("bind в состоянии %s", s.state.Current())
	}

	rtpConn, err := s.listen(s.cfg.Ports.RTP)
	if err != nil {
		return newRelayError("bind", s.cfg.CallID, s.cfg.Ports.RTP, err)
	}
	rtcpConn, err := s.listen(s.cfg.Ports.RTCP)
	if err != nil {
		rtpConn.Close()
		return newRelayError("bind", s.cfg.CallID, s.cfg.Ports.RTCP, err)
	}

	s.rtpCh.conn = rtpConn
	s.rtcpCh.conn = rtcpConn
	s.fire(eventBind)
	return nil
}

func (s *Session) listen(port uint16) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var optErr error
			if err := c.Control(func(fd uintptr) {
				optErr = applySocketOptions(fd, s.cfg.DSCP)
			}); err != nil {
				return err
			}
			return optErr
		},
	}
	addr := net.JoinHostPort(s.cfg.BindIP, strconv.Itoa(int(port)))
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("неожиданный тип сокета %T", pc)
	}
	return conn, nil
}

// LocalAddr адрес RTP сокета, nil до Bind
func (s *Session) LocalAddr() *net.UDPAddr {
	if s.rtpCh.conn == nil {
		return nil
	}
	return s.rtpCh.conn.LocalAddr().(*net.UDPAddr)
}

// SetEndpoints задает адреса сторон из SDP. b == nil включает режим одной
// стороны: аудио стороны A уходит в Sink. RTCP адреса выводятся как
// порт + 1. Уже выученные адреса сохраняются.
func (s *Session) SetEndpoints(a, b *net.UDPAddr) {
	setLegs := func(ch *channel, a, b *net.UDPAddr) {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		ch.table.legs[LegA].Configured = cloneAddr(a)
		if b == nil {
			ch.table.legs[LegB] = nil
			return
		}
		if ch.table.legs[LegB] == nil {
			ch.table.legs[LegB] = &Endpoint{}
		}
		ch.table.legs[LegB].Configured = cloneAddr(b)
	}

	setLegs(s.rtpCh, a, b)
	setLegs(s.rtcpCh, rtcpAddr(a), rtcpAddr(b))

	s.logger.WithFields(logrus.Fields{"leg_a": fmtAddr(a), "leg_b": fmtAddr(b)}).Debug("адреса сторон заданы")
}

// Endpoints снимок адресов сторон RTP канала. Для режима одной стороны b
// пустой.
func (s *Session) Endpoints() (a, b Endpoint) {
	s.rtpCh.mu.Lock()
	defer s.rtpCh.mu.Unlock()
	a = s.rtpCh.table.legs[LegA].clone()
	if ep := s.rtpCh.table.legs[LegB]; ep != nil {
		b = ep.clone()
	}
	return a, b
}

// AddFanoutLeg добавляет устройство, которому дублируется аудио стороны A
func (s *Session) AddFanoutLeg(id string, addr *net.UDPAddr) error {
	if addr == nil {
		return fmt.Errorf("пустой адрес для fan-out стороны %s", id)
	}
	s.rtpCh.mu.Lock()
	defer s.rtpCh.mu.Unlock()
	if _, exists := s.rtpCh.fanout[id]; exists {
		return fmt.Errorf("fan-out сторона %s уже добавлена", id)
	}
	s.rtpCh.fanout[id] = cloneAddr(addr)
	s.rtpCh.fanoutOrder = append(s.rtpCh.fanoutOrder, id)
	s.logger.WithFields(logrus.Fields{"leg": id, "addr": addr.String()}).Info("fan-out сторона добавлена")
	return nil
}

// RemoveFanoutLeg удаляет fan-out сторону
func (s *Session) RemoveFanoutLeg(id string) {
	s.rtpCh.mu.Lock()
	defer s.rtpCh.mu.Unlock()
	if _, exists := s.rtpCh.fanout[id]; !exists {
		return
	}
	delete(s.rtpCh.fanout, id)
	for i, v := range s.rtpCh.fanoutOrder {
		if v == id {
			s.rtpCh.fanoutOrder = append(s.rtpCh.fanoutOrder[:i], s.rtpCh.fanoutOrder[i+1:]...)
			break
		}
	}
}

// FanoutLegs идентификаторы fan-out сторон в порядке добавления
func (s *Session) FanoutLegs() []string {
	s.rtpCh.mu.Lock()
	defer s.rtpCh.mu.Unlock()
	return append([]string(nil), s.rtpCh.fanoutOrder...)
}

// OnPacket подписывает fn на все принятые пакеты. fn вызывается из цикла
// чтения и не должна блокироваться.
func (s *Session) OnPacket(fn func(Packet)) {
	s.tapsMu.Lock()
	defer s.tapsMu.Unlock()
	s.taps = append(s.taps, fn)
}

// SetSink задает локального получателя для режима одной стороны
func (s *Session) SetSink(sink Sink) {
	s.tapsMu.Lock()
	defer s.tapsMu.Unlock()
	s.sink = sink
}

// Start запускает циклы чтения RTP и RTCP
func (s *Session) Start() error {
	if s.state.Current() != StateBound {
		return fmt.Errorf("start в состоянии %s", s.state.Current())
	}
	s.running.Store(true)
	s.fire(eventStart)
	s.observer.RelayStarted()

	s.wg.Add(2)
	go s.readLoop(s.rtpCh)
	go s.readLoop(s.rtcpCh)

	s.logger.Info("реле запущено")
	return nil
}

// Stop останавливает реле: флаг, закрытие сокетов, ожидание циклов.
// Повторный вызов ничего не делает.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		if s.rtpCh.conn != nil {
			s.rtpCh.conn.Close()
		}
		if s.rtcpCh.conn != nil {
			s.rtcpCh.conn.Close()
		}
		s.wg.Wait()

		s.fire(eventClose)
		if s.running.Swap(false) {
			s.observer.RelayStopped()
		}
		if q := s.quality.snapshot(); q.Reports > 0 {
			s.observer.QualityReported(q.MOS)
		}
		s.closeDone()

		st := s.Stats()
		s.logger.WithFields(logrus.Fields{
			"forwarded": st.PacketsForwarded,
			"dropped":   st.PacketsDropped,
		}).Info("реле остановлено")
	})
}

// Done закрывается при остановке или фатальной ошибке реле
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err фатальная ошибка реле или nil
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stats снимок счетчиков
func (s *Session) Stats() Stats {
	return Stats{
		PacketsReceived:  s.received.Load(),
		PacketsForwarded: s.forwarded.Load(),
		PacketsDropped:   s.dropped.Load(),
		BytesForwarded:   s.bytes.Load(),
		FanoutPackets:    s.fanned.Load(),
		SinkPackets:      s.sunk.Load(),
		WriteErrors:      s.writeErrs.Load(),
		EndpointsLearned: s.learned.Load(),
	}
}

// Quality оценка качества по принятым RTCP отчетам
func (s *Session) Quality() QualitySnapshot {
	return s.quality.snapshot()
}

// Play проигрывает кадры стороне A
func (s *Session) Play(ctx context.Context, frames [][]byte, params PlayParams) error {
	return s.player.Play(ctx, frames, params)
}

// SendPackets отправляет готовые RTP пакеты стороне A через общий поток
// проигрывателя
func (s *Session) SendPackets(ctx context.Context, pkts []*rtp.Packet, interval time.Duration) error {
	return s.player.SendPackets(ctx, pkts, interval)
}

func (s *Session) readLoop(ch *channel) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		if s.closed.Load() {
			return
		}
		if err := ch.conn.SetReadDeadline(time.Now().Add(s.cfg.ReceiveTimeout)); err != nil {
			if s.closed.Load() {
				return
			}
			s.fail(newRelayError("read", s.cfg.CallID, ch.port, err))
			return
		}

		n, src, err := ch.conn.ReadFromUDP(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			if isTimeout(err) {
				continue
			}
			s.fail(newRelayError("read", s.cfg.CallID, ch.port, err))
			return
		}
		if n == 0 {
			continue
		}
		s.handle(ch, buf[:n], src)
	}
}

func (s *Session) handle(ch *channel, data []byte, src *net.UDPAddr) {
	s.received.Add(1)
	now := time.Now()
	ssrc, hasSSRC := packetSSRC(ch.kind, data)

	ch.mu.Lock()
	if ch.isFanoutSource(src) {
		ch.mu.Unlock()
		s.drop(ch, "fanout_source")
		return
	}
	leg, changed := ch.table.classify(src, ssrc, hasSSRC)
	if leg == LegNone {
		ch.mu.Unlock()
		s.drop(ch, "unknown_source")
		return
	}
	hasPeer := ch.table.legs[leg.other()] != nil
	target := ch.table.target(leg.other())
	var fanout []*net.UDPAddr
	if leg == LegA && ch.kind == ChannelRTP {
		for _, id := range ch.fanoutOrder {
			fanout = append(fanout, ch.fanout[id])
		}
	}
	allLearned := ch.table.allLearned()
	ch.mu.Unlock()

	if changed {
		s.onLearned(ch, leg, src, allLearned)
	}
	if ch.kind == ChannelRTCP {
		s.quality.observe(data)
	}

	if hasPeer {
		if target == nil {
			s.drop(ch, "no_target")
		} else if s.write(ch, data, target) {
			s.forwarded.Add(1)
			s.bytes.Add(uint64(len(data)))
			s.observer.PacketForwarded(ch.kind.String())
		}
	}
	for _, dst := range fanout {
		if s.write(ch, data, dst) {
			s.fanned.Add(1)
		}
	}

	s.deliver(ch, leg, hasPeer, data, src, now)
}

// deliver передает копию пакета подписчикам и, в режиме одной стороны,
// Sink
func (s *Session) deliver(ch *channel, leg Leg, hasPeer bool, data []byte, src *net.UDPAddr, now time.Time) {
	s.tapsMu.RLock()
	taps := s.taps
	sink := s.sink
	s.tapsMu.RUnlock()

	toSink := sink != nil && !hasPeer && leg == LegA && ch.kind == ChannelRTP
	if len(taps) == 0 && !toSink {
		return
	}

	pkt := Packet{
		Leg:      leg,
		Channel:  ch.kind,
		Source:   src,
		Data:     append([]byte(nil), data...),
		Received: now,
	}
	if ch.kind == ChannelRTP {
		parsed := &rtp.Packet{}
		if err := parsed.Unmarshal(pkt.Data); err == nil {
			pkt.RTP = parsed
		}
	}

	for _, fn := range taps {
		fn(pkt)
	}
	if toSink {
		if err := sink.WritePacket(pkt); err != nil {
			s.logger.WithError(err).Debug("ошибка записи в sink")
			return
		}
		s.sunk.Add(1)
	}
}

func (s *Session) onLearned(ch *channel, leg Leg, src *net.UDPAddr, allLearned bool) {
	s.learned.Add(1)
	s.observer.EndpointLearned(leg.String())
	s.logger.WithFields(logrus.Fields{
		"leg":     leg.String(),
		"channel": ch.kind.String(),
		"addr":    src.String(),
	}).Info("адрес стороны выучен")

	if ch.kind == ChannelRTP && allLearned {
		s.fire(eventLearned)
	}
}

// write отправляет датаграмму. Ошибки записи не фатальны, пока их не
// набирается MaxWriteErrors подряд.
func (s *Session) write(ch *channel, data []byte, dst *net.UDPAddr) bool {
	_, err := ch.conn.WriteToUDP(data, dst)
	if err == nil {
		ch.writeErrs.Store(0)
		return true
	}
	if s.closed.Load() {
		return false
	}

	s.writeErrs.Add(1)
	s.drop(ch, "write_error")
	n := ch.writeErrs.Add(1)
	s.logger.WithError(err).WithField("dst", dst.String()).Debug("ошибка отправки пакета")
	if s.cfg.MaxWriteErrors > 0 && n >= int64(s.cfg.MaxWriteErrors) {
		s.fail(newRelayError("write", s.cfg.CallID, ch.port, fmt.Errorf("%d ошибок записи подряд: %w", n, err)))
	}
	return false
}

// sendTo отправляет датаграмму стороне через RTP сокет
func (s *Session) sendTo(leg Leg, data []byte) error {
	if s.closed.Load() || s.rtpCh.conn == nil {
		return newRelayError("write", s.cfg.CallID, s.cfg.Ports.RTP, net.ErrClosed)
	}
	s.rtpCh.mu.Lock()
	target := s.rtpCh.table.target(leg)
	s.rtpCh.mu.Unlock()
	if target == nil {
		return errNoTarget
	}
	if _, err := s.rtpCh.conn.WriteToUDP(data, target); err != nil {
		return newRelayError("write", s.cfg.CallID, s.cfg.Ports.RTP, err)
	}
	return nil
}

// sendFanout отправляет датаграмму всем fan-out сторонам
func (s *Session) sendFanout(data []byte) {
	s.rtpCh.mu.Lock()
	targets := make([]*net.UDPAddr, 0, len(s.rtpCh.fanoutOrder))
	for _, id := range s.rtpCh.fanoutOrder {
		targets = append(targets, s.rtpCh.fanout[id])
	}
	s.rtpCh.mu.Unlock()

	for _, dst := range targets {
		if _, err := s.rtpCh.conn.WriteToUDP(data, dst); err == nil {
			s.fanned.Add(1)
		}
	}
}

func (s *Session) drop(ch *channel, reason string) {
	s.dropped.Add(1)
	s.observer.PacketDropped(ch.kind.String(), reason)
}

func (s *Session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.logger.WithError(err).Error("фатальная ошибка реле")
	s.closeDone()
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) fire(event string) {
	if !s.state.Can(event) {
		return
	}
	if err := s.state.Event(context.Background(), event); err != nil {
		s.logger.WithError(err).WithField("event", event).Debug("переход автомата реле отклонен")
	}
}

func (ch *channel) isFanoutSource(src *net.UDPAddr) bool {
	for _, addr := range ch.fanout {
		if addrEqual(addr, src) {
			return true
		}
	}
	return false
}

// packetSSRC извлекает SSRC: из заголовка RTP или SSRC отправителя RTCP
func packetSSRC(kind Channel, data []byte) (uint32, bool) {
	if kind == ChannelRTCP {
		if len(data) < 8 {
			return 0, false
		}
		return binary.BigEndian.Uint32(data[4:8]), true
	}
	var h rtp.Header
	if _, err := h.Unmarshal(data); err != nil {
		return 0, false
	}
	return h.SSRC, true
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func fmtAddr(a *net.UDPAddr) string {
	if a == nil {
		return "-"
	}
	return a.String()
}

// ResolveAddr разрешает адрес из SDP. Ошибка разрешения оборачивает
// ErrRelayIO.
func ResolveAddr(host string, port uint16) (*net.UDPAddr, error) {
	if host == "" || port == 0 {
		return nil, newRelayError("resolve", "", port, fmt.Errorf("пустой адрес %q:%d", host, port))
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, newRelayError("resolve", "", port, err)
	}
	return addr, nil
}
