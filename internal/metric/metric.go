// Package metric exposes Prometheus metrics for the aggregated source and the
// capture tool.
package metric

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sdr_source"

// Metrics holds every collector this program exports.
type Metrics struct {
	BackendWrites  *prometheus.CounterVec
	CacheHits      *prometheus.CounterVec
	BackendErrors  *prometheus.CounterVec
	Channels       prometheus.Gauge
	Backends       prometheus.Gauge
	SamplesRead    *prometheus.CounterVec
	IQEstimates    *prometheus.CounterVec
	CaptureSeconds *prometheus.HistogramVec
}

// NewMetrics creates the collectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		BackendWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "writes_total",
				Help:      "Control calls forwarded to a backend",
			},
			[]string{"op"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Setter calls answered from the per-channel cache without a backend write",
			},
			[]string{"op"},
		),

		BackendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "errors_total",
				Help:      "Control calls rejected by a backend",
			},
			[]string{"op"},
		),

		Channels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "channels",
				Help:      "Logical channels exposed by the source",
			},
		),

		Backends: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "backends",
				Help:      "Backend instances owned by the source",
			},
		),

		SamplesRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "samples",
				Name:      "read_total",
				Help:      "Samples delivered per logical channel",
			},
			[]string{"channel"},
		),

		IQEstimates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "iq",
				Name:      "estimates_total",
				Help:      "Finished IQ imbalance estimation periods per logical channel",
			},
			[]string{"channel"},
		),

		CaptureSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "capture_seconds",
				Help:      "Wall time spent capturing one channel",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BackendWrites,
		m.CacheHits,
		m.BackendErrors,
		m.Channels,
		m.Backends,
		m.SamplesRead,
		m.IQEstimates,
		m.CaptureSeconds,
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return nil
}

// NewRegistered creates the collectors and registers them with reg.
func NewRegistered(reg prometheus.Registerer) (*Metrics, error) {
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	return m, nil
}
