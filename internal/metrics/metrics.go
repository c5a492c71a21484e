// Package metrics holds the Prometheus collectors for the attendance pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "campus_attendance"

// Metrics groups every collector the pipeline updates.
type Metrics struct {
	Attempts           *prometheus.CounterVec
	Duplicates         *prometheus.CounterVec
	ConfidenceScore    prometheus.Histogram
	LivenessConfidence prometheus.Histogram
	StayOutcomes       *prometheus.CounterVec
	OfflineQueueDepth  prometheus.Gauge
	OfflineSync        *prometheus.CounterVec
	DeviceChecks       *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Scan attempts by outcome code.",
		}, []string{"outcome"}),
		Duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Duplicate attempts by the stage that caught them.",
		}, []string{"stage"}),
		ConfidenceScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confidence_score",
			Help:      "Confidence score of accepted attempts.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		LivenessConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "liveness_confidence",
			Help:      "Liveness detector confidence.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		StayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stay_verifications_total",
			Help:      "Stay verification transitions by final status.",
		}, []string{"status"}),
		OfflineQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_queue_depth",
			Help:      "Attempts waiting in the offline spool.",
		}),
		OfflineSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_sync_total",
			Help:      "Offline record sync results.",
		}, []string{"result"}),
		DeviceChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_checks_total",
			Help:      "Device binding checks by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.Duplicates, m.ConfidenceScore, m.LivenessConfidence,
			m.StayOutcomes, m.OfflineQueueDepth, m.OfflineSync, m.DeviceChecks)
	}
	return m
}

func (m *Metrics) Attempt(outcome string) {
	if m != nil {
		m.Attempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Duplicate(stage string) {
	if m != nil {
		m.Duplicates.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) Score(score int) {
	if m != nil {
		m.ConfidenceScore.Observe(float64(score))
	}
}

func (m *Metrics) Liveness(confidence float64) {
	if m != nil {
		m.LivenessConfidence.Observe(confidence)
	}
}

func (m *Metrics) Stay(status string) {
	if m != nil {
		m.StayOutcomes.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.OfflineQueueDepth.Set(float64(n))
	}
}

func (m *Metrics) Sync(result string) {
	if m != nil {
		m.OfflineSync.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Device(result string) {
	if m != nil {
		m.DeviceChecks.WithLabelValues(result).Inc()
	}
}
