package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convo_generations_total",
			Help: "Total number of generations by outcome",
		},
		[]string{"outcome"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convo_generation_duration_seconds",
			Help:    "Generation duration from submission to terminal state",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	generationDeltasTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convo_generation_deltas_total",
			Help: "Total number of content deltas applied to conversations",
		},
	)

	generationTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convo_generation_tokens_total",
			Help: "Estimated tokens generated",
		},
	)

	protocolErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convo_protocol_errors_total",
			Help: "Malformed stream frames dropped",
		},
	)

	savesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convo_saves_total",
			Help: "Session save attempts by result",
		},
		[]string{"result"},
	)

	generationActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convo_generation_active",
			Help: "1 while a generation holds the slot",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the engine collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			generationsTotal,
			generationDuration,
			generationDeltasTotal,
			generationTokensTotal,
			protocolErrorsTotal,
			savesTotal,
			generationActive,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordGeneration records the terminal outcome of one generation.
func RecordGeneration(outcome, provider string, duration time.Duration, tokens int) {
	generationsTotal.WithLabelValues(outcome).Inc()
	generationDuration.WithLabelValues(provider).Observe(duration.Seconds())
	generationTokensTotal.Add(float64(tokens))
}

// RecordDelta counts one applied content delta.
func RecordDelta() {
	generationDeltasTotal.Inc()
}

// RecordProtocolError counts one dropped stream frame.
func RecordProtocolError() {
	protocolErrorsTotal.Inc()
}

// RecordSave counts a save attempt; result is "ok", "skipped", "cached" or "error".
func RecordSave(result string) {
	savesTotal.WithLabelValues(result).Inc()
}

// SetGenerationActive flips the active-generation gauge.
func SetGenerationActive(active bool) {
	if active {
		generationActive.Set(1)
		return
	}
	generationActive.Set(0)
}
