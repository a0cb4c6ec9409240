package rtp_relay

import (
	"sync"

	"github.com/pion/rtcp"
)

// QualitySnapshot оценка качества по RTCP отчетам
type QualitySnapshot struct {
	Reports      int
	JitterMs     float64
	FractionLost float64 // 0..1
	TotalLost    uint32
	// LatencyMs всегда 0: задержка по RTCP не измеряется
	LatencyMs float64
	MOS       float64
}

// qualityEstimator собирает jitter и потери из reception report блоков
// RTCP SR/RR и оценивает MOS по упрощенной E-model.
type qualityEstimator struct {
	clockRate uint32
	mu        sync.Mutex
	snap      QualitySnapshot
}

func newQualityEstimator(clockRate uint32) *qualityEstimator {
	if clockRate == 0 {
		clockRate = 8000
	}
	return &qualityEstimator{clockRate: clockRate}
}

// observe разбирает составной RTCP пакет. Возвращает true, если в пакете
// был хотя бы один reception report.
func (q *qualityEstimator) observe(data []byte) bool {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return false
	}

	var reports []rtcp.ReceptionReport
	for _, p := range pkts {
		switch pkt := p.(type) {
		case *rtcp.SenderReport:
			reports = append(reports, pkt.Reports...)
		case *rtcp.ReceiverReport:
			reports = append(reports, pkt.Reports...)
		}
	}
	if len(reports) == 0 {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range reports {
		q.snap.Reports++
		q.snap.JitterMs = float64(r.Jitter) * 1000 / float64(q.clockRate)
		q.snap.FractionLost = float64(r.FractionLost) / 256
		q.snap.TotalLost = r.TotalLost
	}
	q.snap.LatencyMs = 0
	q.snap.MOS = EstimateMOS(q.snap.LatencyMs, q.snap.JitterMs, q.snap.FractionLost)
	return true
}

func (q *qualityEstimator) snapshot() QualitySnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snap
}

// EstimateMOS оценка MOS (1..4.5) по задержке, jitter (мс) и доле потерь
func EstimateMOS(latencyMs, jitterMs, fractionLost float64) float64 {
	effective := latencyMs + 2*jitterMs + 10

	r := 93.2
	if effective < 160 {
		r -= effective / 40
	} else {
		r -= (effective - 120) / 10
	}
	r -= fractionLost * 100 * 2.5

	if r < 0 {
		r = 0
	}
	if r > 100 {
		r = 100
	}

	mos := 1 + 0.035*r + 0.000007*r*(r-60)*(100-r)
	if mos < 1 {
		return 1
	}
	if mos > 4.5 {
		return 4.5
	}
	return mos
}
