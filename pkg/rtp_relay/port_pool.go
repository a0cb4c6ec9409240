package rtp_relay

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// PortAllocationStrategy стратегия выбора пары портов
type PortAllocationStrategy int

const (
	// PortAllocationSequential выдает наименьшую свободную пару
	PortAllocationSequential PortAllocationStrategy = iota
	// PortAllocationRandom выдает случайную свободную пару
	PortAllocationRandom
)

// PortPair четный RTP порт и следующий за ним RTCP порт
type PortPair struct {
	RTP  uint16
	RTCP uint16
}

func (p PortPair) String() string {
	return fmt.Sprintf("%d/%d", p.RTP, p.RTCP)
}

// PortPool пул пар портов для реле.
//   - RTP порт всегда четный, RTCP = RTP+1
//   - пара выдается не более чем одной сессии
//   - Allocate никогда не блокируется
//   - повторное освобождение отклоняется
type PortPool struct {
	minPort   uint16
	maxPort   uint16
	strategy  PortAllocationStrategy
	allocated map[uint16]bool
	available []uint16
	rnd       *rand.Rand
	mutex     sync.Mutex
}

// NewPortPool создает пул из всех четных портов диапазона [minPort,
// maxPort], для которых port+1 тоже входит в диапазон. Пустой диапазон
// дает пустой пул.
func NewPortPool(minPort, maxPort uint16, strategy PortAllocationStrategy) *PortPool {
	pool := &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		strategy:  strategy,
		allocated: make(map[uint16]bool),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	start := uint32(minPort)
	if start%2 != 0 {
		start++
	}
	for port := start; port+1 <= uint32(maxPort); port += 2 {
		pool.available = append(pool.available, uint16(port))
	}

	if strategy == PortAllocationRandom {
		pool.rnd.Shuffle(len(pool.available), func(i, j int) {
			pool.available[i], pool.available[j] = pool.available[j], pool.available[i]
		})
	}

	return pool
}

// Allocate выдает свободную пару или ErrResourceExhausted
func (p *PortPool) Allocate() (PortPair, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.available) == 0 {
		return PortPair{}, fmt.Errorf("%w: диапазон %d-%d занят", ErrResourceExhausted, p.minPort, p.maxPort)
	}

	var port uint16
	if p.strategy == PortAllocationSequential {
		port = p.available[0]
		p.available = p.available[1:]
	} else {
		idx := p.rnd.Intn(len(p.available))
		port = p.available[idx]
		p.available = append(p.available[:idx], p.available[idx+1:]...)
	}

	p.allocated[port] = true
	return PortPair{RTP: port, RTCP: port + 1}, nil
}

// Release возвращает пару в пул. Ошибка для пары вне пула, для
// невыданной пары и для повторного освобождения.
func (p *PortPool) Release(pair PortPair) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if pair.RTP < p.minPort || pair.RTCP > p.maxPort || pair.RTCP != pair.RTP+1 {
		return fmt.Errorf("пара %s вне пула [%d, %d]", pair, p.minPort, p.maxPort)
	}
	if !p.allocated[pair.RTP] {
		return fmt.Errorf("пара %s не была выделена", pair)
	}
	delete(p.allocated, pair.RTP)

	if p.strategy == PortAllocationSequential {
		idx := sort.Search(len(p.available), func(i int) bool { return p.available[i] > pair.RTP })
		p.available = append(p.available, 0)
		copy(p.available[idx+1:], p.available[idx:])
		p.available[idx] = pair.RTP
	} else {
		p.available = append(p.available, pair.RTP)
	}

	return nil
}

// Available количество свободных пар
func (p *PortPool) Available() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.available)
}

// InUse количество выданных пар
func (p *PortPool) InUse() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.allocated)
}

// Capacity общее количество пар в пуле
func (p *PortPool) Capacity() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.available) + len(p.allocated)
}
