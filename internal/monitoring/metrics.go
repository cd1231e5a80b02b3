// Package monitoring exposes capture pipeline metrics for Prometheus.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "screencap"

// Metrics are registered on their own registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	frames          prometheus.Counter
	corrections     prometheus.Counter
	correctionSize  prometheus.Histogram
	audioBlocks     prometheus.Counter
	audioSamples    prometheus.Counter
	sessions        *prometheus.CounterVec
	captureFailures prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_recorded_total",
			Help:      "Video frames handed to the encoder.",
		}),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_corrections_total",
			Help:      "Times the encoder clock was moved forward to the video clock.",
		}),
		correctionSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drift_correction_microseconds",
			Help:      "Size of the forward encoder clock adjustments.",
			Buckets:   prometheus.ExponentialBuckets(1000, 2, 12),
		}),
		audioBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_blocks_total",
			Help:      "Audio blocks handed to the encoder.",
		}),
		audioSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_samples_total",
			Help:      "Audio samples handed to the encoder, all channels.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished recording sessions by result.",
		}, []string{"result"}),
		captureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_failures_total",
			Help:      "Screen captures that failed and ended a session.",
		}),
	}
	m.registry.MustRegister(
		m.frames,
		m.corrections,
		m.correctionSize,
		m.audioBlocks,
		m.audioSamples,
		m.sessions,
		m.captureFailures,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameRecorded() {
	if m == nil {
		return
	}
	m.frames.Inc()
}

// DriftCorrected records a forward clock move of delta microseconds.
func (m *Metrics) DriftCorrected(delta int64) {
	if m == nil {
		return
	}
	m.corrections.Inc()
	m.correctionSize.Observe(float64(delta))
}

func (m *Metrics) AudioBlock(samples int) {
	if m == nil {
		return
	}
	m.audioBlocks.Inc()
	m.audioSamples.Add(float64(samples))
}

func (m *Metrics) CaptureFailed() {
	if m == nil {
		return
	}
	m.captureFailures.Inc()
}

// SessionFinished counts a session under result, e.g. "ok" or "error".
func (m *Metrics) SessionFinished(result string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(result).Inc()
}
