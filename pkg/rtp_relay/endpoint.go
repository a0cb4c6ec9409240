package rtp_relay

import (
	"net"
)

// Leg сторона звонка в реле
type Leg int

const (
	LegA Leg = iota
	LegB
	// LegNone пакет не отнесен ни к одной стороне
	LegNone Leg = -1
)

func (l Leg) String() string {
	switch l {
	case LegA:
		return "A"
	case LegB:
		return "B"
	default:
		return "none"
	}
}

func (l Leg) other() Leg {
	if l == LegA {
		return LegB
	}
	return LegA
}

// Endpoint адреса одной стороны в одном канале. Configured берется из
// SDP, Learned из адреса источника входящих пакетов. Пересылка всегда
// предпочитает Learned.
type Endpoint struct {
	Configured *net.UDPAddr
	Learned    *net.UDPAddr

	ssrc    uint32
	hasSSRC bool
}

// Target лучший известный адрес стороны или nil
func (e *Endpoint) Target() *net.UDPAddr {
	if e.Learned != nil {
		return e.Learned
	}
	return e.Configured
}

func (e *Endpoint) clone() Endpoint {
	return Endpoint{
		Configured: cloneAddr(e.Configured),
		Learned:    cloneAddr(e.Learned),
		ssrc:       e.ssrc,
		hasSSRC:    e.hasSSRC,
	}
}

// endpointTable таблица сторон одного канала. Все методы вызываются под
// mutex канала: классификация, обучение и выбор адреса назначения
// выполняются атомарно.
type endpointTable struct {
	legs [2]*Endpoint // legs[LegB] == nil в режиме одной стороны
}

// classify относит пакет к стороне и обновляет выученный адрес.
// Порядок проверок:
//  1. выученный адрес
//  2. SSRC потока
//  3. адрес из SDP
//  4. IP из SDP, при нескольких совпадениях предпочтение невыученной стороне
//  5. первая невыученная сторона (A раньше B)
//
// Возвращает сторону и признак того, что выученный адрес изменился.
func (t *endpointTable) classify(src *net.UDPAddr, ssrc uint32, hasSSRC bool) (Leg, bool) {
	leg := t.match(src, ssrc, hasSSRC)
	if leg == LegNone {
		return LegNone, false
	}

	ep := t.legs[leg]
	changed := false
	if ep.Learned == nil || !addrEqual(ep.Learned, src) {
		ep.Learned = cloneAddr(src)
		changed = true
	}
	if hasSSRC {
		ep.ssrc = ssrc
		ep.hasSSRC = true
	}
	return leg, changed
}

func (t *endpointTable) match(src *net.UDPAddr, ssrc uint32, hasSSRC bool) Leg {
	for _, leg := range []Leg{LegA, LegB} {
		if ep := t.legs[leg]; ep != nil && ep.Learned != nil && addrEqual(ep.Learned, src) {
			return leg
		}
	}

	if hasSSRC {
		for _, leg := range []Leg{LegA, LegB} {
			if ep := t.legs[leg]; ep != nil && ep.hasSSRC && ep.ssrc == ssrc {
				return leg
			}
		}
	}

	for _, leg := range []Leg{LegA, LegB} {
		if ep := t.legs[leg]; ep != nil && ep.Configured != nil && addrEqual(ep.Configured, src) {
			return leg
		}
	}

	candidate := LegNone
	for _, leg := range []Leg{LegA, LegB} {
		ep := t.legs[leg]
		if ep == nil || ep.Configured == nil || !ep.Configured.IP.Equal(src.IP) {
			continue
		}
		if ep.Learned == nil {
			return leg
		}
		if candidate == LegNone {
			candidate = leg
		}
	}
	if candidate != LegNone {
		return candidate
	}

	for _, leg := range []Leg{LegA, LegB} {
		if ep := t.legs[leg]; ep != nil && ep.Learned == nil {
			return leg
		}
	}
	return LegNone
}

// target адрес назначения для стороны или nil
func (t *endpointTable) target(leg Leg) *net.UDPAddr {
	if leg == LegNone || t.legs[leg] == nil {
		return nil
	}
	return t.legs[leg].Target()
}

// allLearned все сетевые стороны выучены
func (t *endpointTable) allLearned() bool {
	for _, ep := range t.legs {
		if ep != nil && ep.Learned == nil {
			return false
		}
	}
	return true
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func cloneAddr(a *net.UDPAddr) *net.UDPAddr {
	if a == nil {
		return nil
	}
	ip := make(net.IP, len(a.IP))
	copy(ip, a.IP)
	return &net.UDPAddr{IP: ip, Port: a.Port, Zone: a.Zone}
}

// rtcpAddr адрес RTCP для адреса RTP (порт + 1)
func rtcpAddr(a *net.UDPAddr) *net.UDPAddr {
	if a == nil {
		return nil
	}
	c := cloneAddr(a)
	c.Port++
	return c
}
