package dtmf

import (
	"context"
	"math"
	"time"

	"github.com/pion/rtp"
)

const (
	// DefaultEventDuration длительность генерируемого события
	DefaultEventDuration = 100 * time.Millisecond
	// DefaultPacketInterval шаг отправки пакетов события
	DefaultPacketInterval = 20 * time.Millisecond
)

// PacketSender отправляет пакеты с заданным шагом.
// Реализуется rtp_relay.Session.
type PacketSender interface {
	SendPackets(ctx context.Context, pkts []*rtp.Packet, interval time.Duration) error
}

// Generator строит последовательности RFC 2833 пакетов: три пакета
// начала события с растущей длительностью и три end пакета.
type Generator struct {
	payloadType uint8
	volume      int
	clockRate   uint32
}

// NewGenerator создает генератор для payload type telephone-event
func NewGenerator(payloadType uint8, volume int) *Generator {
	return &Generator{payloadType: payloadType, volume: volume, clockRate: 8000}
}

// Packets пакеты одного события. Timestamp всех пакетов равен 0 и
// означает смещение от текущего timestamp потока отправителя. Длительность
// ограничена 16 битным полем события (около 8.19 с при 8 кГц).
func (g *Generator) Packets(d Digit, duration time.Duration) ([]*rtp.Packet, error) {
	if duration <= 0 {
		duration = DefaultEventDuration
	}
	units := int64(duration) * int64(g.clockRate) / int64(time.Second)
	if units > math.MaxUint16 {
		units = math.MaxUint16
	}
	total := uint16(units)

	packets := make([]*rtp.Packet, 0, 6)
	for i := 1; i <= 3; i++ {
		payload, err := Pack(d, false, g.volume, uint16(uint32(total)*uint32(i)/3))
		if err != nil {
			return nil, err
		}
		packets = append(packets, g.packet(payload, i == 1))
	}

	end, err := Pack(d, true, g.volume, total)
	if err != nil {
		return nil, err
	}
	for i := 0; i < 3; i++ {
		packets = append(packets, g.packet(end, false))
	}
	return packets, nil
}

func (g *Generator) packet(payload []byte, marker bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			Marker:      marker,
			PayloadType: g.payloadType,
		},
		Payload: payload,
	}
}

// Send отправляет строку цифр с паузой gap между событиями
func (g *Generator) Send(ctx context.Context, sender PacketSender, digits string, duration, gap time.Duration) error {
	parsed, err := ParseDigits(digits)
	if err != nil {
		return err
	}
	for i, d := range parsed {
		pkts, err := g.Packets(d, duration)
		if err != nil {
			return err
		}
		if err := sender.SendPackets(ctx, pkts, DefaultPacketInterval); err != nil {
			return err
		}
		if i < len(parsed)-1 && gap > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(gap):
			}
		}
	}
	return nil
}
