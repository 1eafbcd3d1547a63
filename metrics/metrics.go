// Package metrics holds the Prometheus instrumentation shared by the pipeline packages.
//
// All recording methods are safe to call on a nil *Metrics so components can run
// uninstrumented in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "contentgen"

// Metrics groups the collectors for one registry
type Metrics struct {
	FetchResults       *prometheus.CounterVec
	MediaResults       *prometheus.CounterVec
	FallbackSteps      *prometheus.CounterVec
	GenerationAttempts *prometheus.CounterVec
	GenerationResults  *prometheus.CounterVec
	RecoveryParsers    *prometheus.CounterVec
	ImageGenerations   *prometheus.CounterVec
	ModelLatency       *prometheus.HistogramVec
	StoredGenerations  *prometheus.GaugeVec
	StoredImages       prometheus.Gauge
	StoredImageBytes   prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_results_total",
			Help:      "Outbound page fetches by failure reason",
		}, []string{"reason"}),
		MediaResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_results_total",
			Help:      "Media extractions by content kind and result path",
		}, []string{"kind", "path"}),
		FallbackSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_steps_total",
			Help:      "Fallback resolver steps by step name and outcome",
		}, []string{"step", "outcome"}),
		GenerationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_attempts_total",
			Help:      "Model invocation attempts by content kind",
		}, []string{"kind"}),
		GenerationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_results_total",
			Help:      "Content generations by kind and outcome",
		}, []string{"kind", "outcome"}),
		RecoveryParsers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_parser_total",
			Help:      "Model outputs recovered, by the parser that succeeded",
		}, []string{"parser"}),
		ImageGenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_generations_total",
			Help:      "Image generations by path and outcome",
		}, []string{"path", "outcome"}),
		ModelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Latency of individual model calls",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"provider"}),
		StoredGenerations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_generations",
			Help:      "Persisted generations by content kind",
		}, []string{"kind"}),
		StoredImages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_images",
			Help:      "Persisted generated images",
		}),
		StoredImageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_image_bytes",
			Help:      "Total size of stored generated images",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FetchResults,
			m.MediaResults,
			m.FallbackSteps,
			m.GenerationAttempts,
			m.GenerationResults,
			m.RecoveryParsers,
			m.ImageGenerations,
			m.ModelLatency,
			m.StoredGenerations,
			m.StoredImages,
			m.StoredImageBytes,
		)
	}

	return m
}

func (m *Metrics) ObserveFetch(reason string) {
	if m == nil {
		return
	}
	m.FetchResults.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveMedia(kind, path string) {
	if m == nil {
		return
	}
	m.MediaResults.WithLabelValues(kind, path).Inc()
}

func (m *Metrics) ObserveFallbackStep(step string, ok bool) {
	if m == nil {
		return
	}
	m.FallbackSteps.WithLabelValues(step, outcome(ok)).Inc()
}

func (m *Metrics) ObserveAttempt(kind string) {
	if m == nil {
		return
	}
	m.GenerationAttempts.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveGeneration(kind, result string) {
	if m == nil {
		return
	}
	m.GenerationResults.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveParser(parser string) {
	if m == nil {
		return
	}
	m.RecoveryParsers.WithLabelValues(parser).Inc()
}

func (m *Metrics) ObserveImage(path string, ok bool) {
	if m == nil {
		return
	}
	m.ImageGenerations.WithLabelValues(path, outcome(ok)).Inc()
}

func (m *Metrics) ObserveModelLatency(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.ModelLatency.WithLabelValues(provider).Observe(seconds)
}

// SetStoredTotals publishes persisted totals read from the database
func (m *Metrics) SetStoredTotals(generations map[string]int, images int, imageBytes int64) {
	if m == nil {
		return
	}
	for kind, n := range generations {
		m.StoredGenerations.WithLabelValues(kind).Set(float64(n))
	}
	m.StoredImages.Set(float64(images))
	m.StoredImageBytes.Set(float64(imageBytes))
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
