package rtp_relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/logging"
)

// ManagerConfig параметры менеджера реле
type ManagerConfig struct {
	BindIP         string
	PortMin        uint16
	PortMax        uint16
	Strategy       PortAllocationStrategy
	ReceiveTimeout time.Duration
	MaxWriteErrors int
	DSCP           int
}

// Manager владеет пулом портов и картой активных сессий процесса.
// Создается корнем процесса и передается звонкам явно.
type Manager struct {
	cfg      ManagerConfig
	pool     *PortPool
	logger   *logrus.Entry
	observer Observer

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager создает менеджер с пулом из диапазона cfg
func NewManager(cfg ManagerConfig, logger *logrus.Entry, observer Observer) *Manager {
	return NewManagerWithPool(cfg, NewPortPool(cfg.PortMin, cfg.PortMax, cfg.Strategy), logger, observer)
}

// NewManagerWithPool создает менеджер поверх готового пула
func NewManagerWithPool(cfg ManagerConfig, pool *PortPool, logger *logrus.Entry, observer Observer) *Manager {
	if observer == nil {
		observer = NopObserver{}
	}
	m := &Manager{
		cfg:      cfg,
		pool:     pool,
		logger:   logging.OrDiscard(logger),
		observer: observer,
		sessions: make(map[string]*Session),
	}
	m.reportPool()
	return m
}

// Pool пул портов менеджера
func (m *Manager) Pool() *PortPool {
	return m.pool
}

// Allocate выделяет пару портов, создает сессию и открывает сокеты.
// При ошибке bind порты возвращаются в пул до возврата ошибки.
func (m *Manager) Allocate(callID string) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[callID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("реле для звонка %s уже существует", callID)
	}
	m.mu.Unlock()

	ports, err := m.pool.Allocate()
	if err != nil {
		m.logger.WithField("call_id", callID).Warn("нет свободных RTP портов")
		return nil, err
	}

	session := NewSession(Config{
		CallID:         callID,
		Ports:          ports,
		BindIP:         m.cfg.BindIP,
		ReceiveTimeout: m.cfg.ReceiveTimeout,
		MaxWriteErrors: m.cfg.MaxWriteErrors,
		DSCP:           m.cfg.DSCP,
		Logger:         m.logger,
		Observer:       m.observer,
	})
	if err := session.Bind(); err != nil {
		if relErr := m.pool.Release(ports); relErr != nil {
			m.logger.WithError(relErr).Error("не удалось вернуть порты после ошибки bind")
		}
		m.reportPool()
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.sessions[callID]; exists {
		m.mu.Unlock()
		session.Stop()
		m.releasePorts(callID, ports)
		return nil, fmt.Errorf("реле для звонка %s уже существует", callID)
	}
	m.sessions[callID] = session
	m.mu.Unlock()

	m.reportPool()
	m.logger.WithFields(logrus.Fields{"call_id": callID, "port": ports.RTP}).Debug("реле выделено")
	return session, nil
}

// Get активная сессия звонка
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// Release останавливает сессию и возвращает ее порты. Порты
// возвращаются ровно один раз, повторный вызов возвращает ошибку.
func (m *Manager) Release(callID string) error {
	m.mu.Lock()
	session, ok := m.sessions[callID]
	if ok {
		delete(m.sessions, callID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("реле для звонка %s не найдено", callID)
	}

	session.Stop()
	return m.releasePorts(callID, session.Ports())
}

// Active количество активных сессий
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close освобождает все сессии
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Release(id)
	}
}

func (m *Manager) releasePorts(callID string, ports PortPair) error {
	err := m.pool.Release(ports)
	if err != nil {
		m.logger.WithError(err).WithField("call_id", callID).Error("ошибка возврата портов")
	}
	m.reportPool()
	return err
}

func (m *Manager) reportPool() {
	m.observer.PortsChanged(m.pool.Available(), m.pool.InUse())
}
