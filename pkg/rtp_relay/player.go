package rtp_relay

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// PlayParams параметры проигрывания
type PlayParams struct {
	PayloadType     uint8
	FrameDuration   time.Duration // по умолчанию 20 мс
	SamplesPerFrame uint32        // по умолчанию 160
	// Fanout дублировать кадры fan-out сторонам
	Fanout bool
}

// Player локальный RTP поток сессии к стороне A: подсказки IVR, ring-back
// и DTMF события. SSRC, номер последовательности и timestamp общие для
// всех отправок.
type Player struct {
	s *Session

	mu   sync.Mutex
	ssrc uint32
	seq  uint16
	ts   uint32
}

func newPlayer(s *Session) *Player {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Player{
		s:    s,
		ssrc: r.Uint32(),
		seq:  uint16(r.Intn(1 << 16)),
		ts:   r.Uint32(),
	}
}

// Play отправляет кадры с шагом FrameDuration. Первый пакет помечается
// marker битом.
func (p *Player) Play(ctx context.Context, frames [][]byte, params PlayParams) error {
	if params.FrameDuration <= 0 {
		params.FrameDuration = 20 * time.Millisecond
	}
	if params.SamplesPerFrame == 0 {
		params.SamplesPerFrame = 160
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ticker := time.NewTicker(params.FrameDuration)
	defer ticker.Stop()

	for i, frame := range frames {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    params.PayloadType,
				SequenceNumber: p.seq,
				Timestamp:      p.ts,
				SSRC:           p.ssrc,
			},
			Payload: frame,
		}
		data, err := pkt.Marshal()
		if err != nil {
			return err
		}

		if err := p.s.sendTo(LegA, data); err != nil && !(params.Fanout && errors.Is(err, errNoTarget)) {
			return err
		}
		if params.Fanout {
			p.s.sendFanout(data)
		}
		p.seq++
		p.ts += params.SamplesPerFrame

		if i == len(frames)-1 {
			break
		}
		if err := p.wait(ctx, ticker.C); err != nil {
			return err
		}
	}
	return nil
}

// SendPackets отправляет готовые пакеты с шагом interval. SSRC и номер
// последовательности заменяются значениями потока, Timestamp пакета
// трактуется как смещение от текущего timestamp потока.
func (p *Player) SendPackets(ctx context.Context, pkts []*rtp.Packet, interval time.Duration) error {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	base := p.ts
	for i, src := range pkts {
		pkt := *src
		pkt.Header.Version = 2
		pkt.Header.SSRC = p.ssrc
		pkt.Header.SequenceNumber = p.seq
		pkt.Header.Timestamp = base + src.Timestamp

		data, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if err := p.s.sendTo(LegA, data); err != nil {
			return err
		}
		p.seq++

		if i == len(pkts)-1 {
			break
		}
		if err := p.wait(ctx, ticker.C); err != nil {
			return err
		}
	}
	p.ts = base + uint32(len(pkts))*samplesPer(interval, p.s.quality.clockRate)
	return nil
}

func (p *Player) wait(ctx context.Context, tick <-chan time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.s.done:
		return newRelayError("write", p.s.cfg.CallID, p.s.cfg.Ports.RTP, net.ErrClosed)
	case <-tick:
		return nil
	}
}

func samplesPer(d time.Duration, clockRate uint32) uint32 {
	return uint32(d * time.Duration(clockRate) / time.Second)
}
