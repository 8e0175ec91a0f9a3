// Package metrics собирает Prometheus метрики голосовых сессий.
//
// Collector безопасен для nil-получателя: компоненты, созданные без метрик,
// вызывают те же методы, и вызовы просто игнорируются.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Причины отбрасывания кадров
const (
	DropReasonEncode        = "encode"
	DropReasonDecode        = "decode"
	DropReasonCaptureFormat = "capture_format"
	DropReasonFraming       = "framing"
	DropReasonNotConnected  = "not_connected"
	DropReasonWrite         = "write"
)

// Направления сигнальных сообщений
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Config конфигурация системы метрик
type Config struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "p2p_voice",
		Subsystem: "",
	}
}

// Collector собирает и экспортирует метрики сессий, медиа потока и сигнализации
type Collector struct {
	sessionsActive      prometheus.Gauge
	sessionsTotal       prometheus.Counter
	stateTransitions    *prometheus.CounterVec
	negotiationDuration prometheus.Histogram
	framesSent          prometheus.Counter
	framesReceived      prometheus.Counter
	framesDropped       *prometheus.CounterVec
	queueOverflowBytes  prometheus.Counter
	signalingMessages   *prometheus.CounterVec

	enabled bool
}

// New регистрирует коллекторы в reg. При cfg.Enabled == false возвращает
// выключенный Collector, ничего не регистрируя.
func New(cfg Config, reg prometheus.Registerer) *Collector {
	if !cfg.Enabled {
		return &Collector{}
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		enabled: true,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sessions_active",
			Help:      "Number of live peer sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sessions_total",
			Help:      "Total number of peer sessions created",
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "session_state_transitions_total",
			Help:      "Peer session state transitions",
		}, []string{"from", "to"}),
		negotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "negotiation_duration_seconds",
			Help:      "Time from session creation to connected state",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "frames_sent_total",
			Help:      "RTP frames written to transport",
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "frames_received_total",
			Help:      "RTP frames received from transport",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped by reason",
		}, []string{"reason"}),
		queueOverflowBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "playback_queue_overflow_bytes_total",
			Help:      "PCM bytes discarded by playback queue overflow",
		}),
		signalingMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "signaling_messages_total",
			Help:      "Signaling messages by event and direction",
		}, []string{"event", "direction"}),
	}
}

// Enabled сообщает, собираются ли метрики
func (c *Collector) Enabled() bool {
	return c != nil && c.enabled
}

// SessionOpened учитывает новую сессию
func (c *Collector) SessionOpened() {
	if !c.Enabled() {
		return
	}
	c.sessionsTotal.Inc()
	c.sessionsActive.Inc()
}

// SessionClosed учитывает завершение сессии
func (c *Collector) SessionClosed() {
	if !c.Enabled() {
		return
	}
	c.sessionsActive.Dec()
}

// StateTransition учитывает переход состояния сессии
func (c *Collector) StateTransition(from, to string) {
	if !c.Enabled() {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// NegotiationCompleted фиксирует время установления соединения
func (c *Collector) NegotiationCompleted(d time.Duration) {
	if !c.Enabled() {
		return
	}
	c.negotiationDuration.Observe(d.Seconds())
}

func (c *Collector) FrameSent() {
	if !c.Enabled() {
		return
	}
	c.framesSent.Inc()
}

func (c *Collector) FrameReceived() {
	if !c.Enabled() {
		return
	}
	c.framesReceived.Inc()
}

// FrameDropped учитывает отброшенный кадр с указанной причиной
func (c *Collector) FrameDropped(reason string) {
	if !c.Enabled() {
		return
	}
	c.framesDropped.WithLabelValues(reason).Inc()
}

// QueueOverflow учитывает байты, вытесненные из очереди воспроизведения
func (c *Collector) QueueOverflow(bytes int) {
	if !c.Enabled() || bytes <= 0 {
		return
	}
	c.queueOverflowBytes.Add(float64(bytes))
}

// SignalingMessage учитывает сигнальное сообщение
func (c *Collector) SignalingMessage(event, direction string) {
	if !c.Enabled() {
		return
	}
	c.signalingMessages.WithLabelValues(event, direction).Inc()
}
