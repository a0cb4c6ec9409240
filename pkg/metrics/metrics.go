// Package metrics экспортирует prometheus метрики медиа ядра.
//
// Collector реализует наблюдателей rtp_relay и call, поэтому пакетам ядра
// не нужно импортировать prometheus напрямую.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector набор метрик процесса
type Collector struct {
	portsAvailable   prometheus.Gauge
	portsInUse       prometheus.Gauge
	relaysActive     prometheus.Gauge
	packetsForwarded *prometheus.CounterVec
	packetsDropped   *prometheus.CounterVec
	endpointsLearned *prometheus.CounterVec
	relayMOS         prometheus.Histogram

	dtmfDigits *prometheus.CounterVec

	callsActive      prometheus.Gauge
	callTransitions  *prometheus.CounterVec
	setupFailures    *prometheus.CounterVec
	callDuration     prometheus.Histogram
	recorderFailures prometheus.Counter
}

// New регистрирует метрики в reg. Для тестов используется
// prometheus.NewRegistry().
func New(reg prometheus.Registerer, namespace string) *Collector {
	f := promauto.With(reg)

	return &Collector{
		portsAvailable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "ports_available",
			Help:      "Number of free RTP port pairs in the pool",
		}),
		portsInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "ports_in_use",
			Help:      "Number of RTP port pairs held by relay sessions",
		}),
		relaysActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "relays_active",
			Help:      "Number of running relay sessions",
		}),
		packetsForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "packets_forwarded_total",
			Help:      "Packets forwarded between call legs",
		}, []string{"channel"}),
		packetsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "packets_dropped_total",
			Help:      "Packets dropped by the relay",
		}, []string{"channel", "reason"}),
		endpointsLearned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "endpoints_learned_total",
			Help:      "Symmetric RTP address learn events",
		}, []string{"leg"}),
		relayMOS: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "mos",
			Help:      "Estimated MOS of finished relay sessions",
			Buckets:   []float64{1, 2, 2.5, 3, 3.5, 4, 4.2, 4.5},
		}),
		dtmfDigits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dtmf",
			Name:      "digits_total",
			Help:      "DTMF digits delivered to call logic",
		}, []string{"origin"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "active",
			Help:      "Number of calls not yet ended",
		}),
		callTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "state_transitions_total",
			Help:      "Call state transitions",
		}, []string{"from_state", "to_state"}),
		setupFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "setup_failures_total",
			Help:      "Failed call setups by reason",
		}, []string{"reason"}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "duration_seconds",
			Help:      "Call duration from setup to end",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
		}),
		recorderFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "recorder_failures_total",
			Help:      "Call record hook failures",
		}),
	}
}

// Handler HTTP обработчик для /metrics
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) PortsChanged(available, inUse int) {
	c.portsAvailable.Set(float64(available))
	c.portsInUse.Set(float64(inUse))
}

func (c *Collector) RelayStarted() { c.relaysActive.Inc() }

func (c *Collector) RelayStopped() { c.relaysActive.Dec() }

func (c *Collector) PacketForwarded(channel string) {
	c.packetsForwarded.WithLabelValues(channel).Inc()
}

func (c *Collector) PacketDropped(channel, reason string) {
	c.packetsDropped.WithLabelValues(channel, reason).Inc()
}

func (c *Collector) EndpointLearned(leg string) {
	c.endpointsLearned.WithLabelValues(leg).Inc()
}

func (c *Collector) QualityReported(mos float64) {
	c.relayMOS.Observe(mos)
}

// DigitReceived цифра выдана логике звонка
func (c *Collector) DigitReceived(origin string) {
	c.dtmfDigits.WithLabelValues(origin).Inc()
}

// CallTransition переход состояния звонка
func (c *Collector) CallTransition(from, to string) {
	c.callTransitions.WithLabelValues(from, to).Inc()
}

// CallStarted звонок создан
func (c *Collector) CallStarted() { c.callsActive.Inc() }

// CallEnded звонок завершен
func (c *Collector) CallEnded(duration time.Duration) {
	c.callsActive.Dec()
	c.callDuration.Observe(duration.Seconds())
}

// SetupFailed ошибка установления звонка
func (c *Collector) SetupFailed(reason string) {
	c.setupFailures.WithLabelValues(reason).Inc()
}

// RecorderFailed ошибка хука записи звонка
func (c *Collector) RecorderFailed() { c.recorderFailures.Inc() }
