package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusRecorder struct {
	turnsTotal        *prometheus.CounterVec
	outputTokensTotal *prometheus.CounterVec
	turnDuration      *prometheus.HistogramVec
	firstTokenLatency *prometheus.HistogramVec
	guardStopsTotal   *prometheus.CounterVec
	evictionsTotal    prometheus.Counter
	evictedMessages   prometheus.Counter
	rejectedTotal     prometheus.Counter
	unloadsTotal      *prometheus.CounterVec
	contextUsed       prometheus.Gauge
	contextWindow     prometheus.Gauge
}

// NewPrometheusRecorder registers parley's collectors with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_turns_total",
				Help: "Finished conversation turns by backend, outcome and error kind",
			},
			[]string{"backend", "outcome", "error_kind"},
		),
		outputTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_output_tokens_total",
				Help: "Tokens forwarded to the consumer",
			},
			[]string{"backend"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_turn_duration_seconds",
				Help:    "Wall time from turn start to cleanup",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		firstTokenLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_first_token_seconds",
				Help:    "Latency until the first token of a turn",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		guardStopsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_guard_stops_total",
				Help: "Streams force-stopped by the token guard",
			},
			[]string{"reason"},
		),
		evictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_evictions_total",
			Help: "Context resets triggered by the safe limit",
		}),
		evictedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_evicted_messages_total",
			Help: "Messages dropped by context resets",
		}),
		rejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_rejected_busy_total",
			Help: "Turns rejected because a generation was already running",
		}),
		unloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_idle_unloads_total",
				Help: "Backend unloads after inactivity",
			},
			[]string{"backend"},
		),
		contextUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parley_context_used_tokens",
			Help: "Tokens the backend reports in use",
		}),
		contextWindow: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parley_context_window_tokens",
			Help: "Configured context window size",
		}),
	}
}

func (p *PrometheusRecorder) ObserveTurn(backend, outcome, errorKind string, outputTokens int, duration time.Duration) {
	p.turnsTotal.WithLabelValues(backend, outcome, errorKind).Inc()
	p.outputTokensTotal.WithLabelValues(backend).Add(float64(outputTokens))
	p.turnDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveFirstToken(backend string, latency time.Duration) {
	p.firstTokenLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

func (p *PrometheusRecorder) IncGuardStop(reason string) {
	p.guardStopsTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusRecorder) IncEviction(dropped int) {
	p.evictionsTotal.Inc()
	p.evictedMessages.Add(float64(dropped))
}

func (p *PrometheusRecorder) IncRejectedBusy() {
	p.rejectedTotal.Inc()
}

func (p *PrometheusRecorder) IncUnload(backend string) {
	p.unloadsTotal.WithLabelValues(backend).Inc()
}

func (p *PrometheusRecorder) SetContextUsage(used, window int) {
	p.contextUsed.Set(float64(used))
	p.contextWindow.Set(float64(window))
}
