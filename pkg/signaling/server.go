// Package signaling связывает SIP (sipgo) с ядром звонков.
//
// Входящий INVITE проходит путь 100 Trying → Setup → 180 Ringing →
// пауза ring-back → 200 OK с SDP ответом. В сценариях bridge и emergency
// вместо паузы отправляется INVITE вызываемому из [extensions], его SDP
// подключается к реле как сторона B. ACK переводит звонок в connected,
// BYE и CANCEL завершают его, INFO доставляет цифры DTMF.
// Server также реализует call.Signaler: BYE через сессию диалога и
// REFER для перевода.
package signaling

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/call"
	"github.com/arzzra/soft_pbx/pkg/dtmf"
	"github.com/arzzra/soft_pbx/pkg/logging"
)

// CallCore операции ядра, которые вызывает сигнальный уровень
type CallCore interface {
	Setup(ctx context.Context, req call.SetupRequest) (*call.SetupResult, error)
	Ring(callID string) error
	Answer(callID string) error
	ConnectCallee(callID, sdp string) error
	Hangup(callID string, reason call.EndReason) error
	PushInfoDigit(callID string, digit dtmf.Digit) error
	Get(callID string) (*call.Call, bool)
}

// Config параметры сигнального сервера
type Config struct {
	ListenAddr string
	// Transport udp или tcp
	Transport string
	Hostname  string
	UserAgent string
	// ContactHost и ContactPort для заголовка Contact. Пустой хост
	// заменяется адресом из ListenAddr или Hostname.
	ContactHost string
	ContactPort int

	RingbackDuration time.Duration
	DefaultFlow      call.Flow
	Routes           map[string]call.Flow
	// Extensions адреса вызываемых номеров: SIP URI или host:port
	Extensions map[string]string
}

// Server принимает входящие звонки
type Server struct {
	cfg    Config
	logger *logrus.Entry

	ua         *sipgo.UserAgent
	srv        *sipgo.Server
	client     *sipgo.Client
	dialogs    *sipgo.DialogServerCache
	outbound   *sipgo.DialogClientCache
	originator originator
	// targets адреса вызываемых по номеру
	targets    map[string]sip.Uri

	core CallCore

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*session
	// callees Call-ID стороны B → Call-ID вызывающего
	callees  map[string]string
}

// New создает sipgo UA, клиент, сервер и кэш серверных диалогов.
// Ядро подключается позже через Attach, так как ядру нужен Server
// в роли call.Signaler.
func New(cfg Config, logger *logrus.Entry) (*Server, error) {
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.DefaultFlow == "" {
		cfg.DefaultFlow = call.FlowBridge
	}

	opts := []sipgo.UserAgentOption{sipgo.WithUserAgentHostname(cfg.Hostname)}
	if cfg.UserAgent != "" {
		opts = append(opts, sipgo.WithUserAgent(cfg.UserAgent))
	}
	ua, err := sipgo.NewUA(opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания User Agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.Hostname))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания сервера: %w", err)
	}

	contact, err := contactHeader(cfg)
	if err != nil {
		return nil, err
	}
	targets := make(map[string]sip.Uri, len(cfg.Extensions))
	for number, value := range cfg.Extensions {
		uri, err := extensionTarget(number, value)
		if err != nil {
			return nil, err
		}
		targets[number] = uri
	}
	outbound := sipgo.NewDialogClientCache(client, contact)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logging.OrDiscard(logger),
		ua:         ua,
		srv:        srv,
		client:     client,
		dialogs:    sipgo.NewDialogServerCache(client, contact),
		outbound:   outbound,
		originator: &sipOriginator{dialogs: outbound, hostname: cfg.Hostname},
		targets:    targets,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session),
		callees:    make(map[string]string),
	}
	s.registerHandlers()
	return s, nil
}

// Attach подключает ядро звонков. Вызывается до Serve.
func (s *Server) Attach(core CallCore) {
	s.core = core
}

func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleAck)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnInfo(s.handleInfo)
}

// Serve слушает ListenAddr до отмены ctx
func (s *Server) Serve(ctx context.Context) error {
	if s.core == nil {
		return fmt.Errorf("ядро звонков не подключено")
	}
	s.logger.WithFields(logrus.Fields{
		"transport": s.cfg.Transport,
		"address":   s.cfg.ListenAddr,
	}).Info("запуск SIP сервера")

	err := s.srv.ListenAndServe(ctx, s.cfg.Transport, s.cfg.ListenAddr)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close прерывает ожидающие ответы и закрывает UA
func (s *Server) Close() error {
	s.cancel()
	return s.ua.Close()
}

// Sessions количество отслеживаемых диалогов
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.callID]; exists {
		return false
	}
	s.sessions[sess.callID] = sess
	return true
}

func (s *Server) untrack(callID string) {
	s.mu.Lock()
	delete(s.sessions, callID)
	s.mu.Unlock()
}

func (s *Server) session(callID string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[callID]
	return sess, ok
}

// contactHeader собирает Contact для ответов сервера
func contactHeader(cfg Config) (sip.ContactHeader, error) {
	host := cfg.ContactHost
	port := cfg.ContactPort
	if host == "" || port == 0 {
		lhost, lport, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			return sip.ContactHeader{}, fmt.Errorf("некорректный адрес SIP %q: %w", cfg.ListenAddr, err)
		}
		if host == "" {
			host = lhost
		}
		if port == 0 {
			port, err = strconv.Atoi(lport)
			if err != nil {
				return sip.ContactHeader{}, fmt.Errorf("некорректный порт SIP %q: %w", lport, err)
			}
		}
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = cfg.Hostname
	}

	return sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", Host: host, Port: port},
	}, nil
}
