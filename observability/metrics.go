package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	outboxMetricsOnce sync.Once
	outboxRegistry    *OutboxMetrics

	queueMetricsOnce sync.Once
	queueRegistry    *QueueMetrics

	verificationMetricsOnce sync.Once
	verificationRegistry    *VerificationMetrics

	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics
)

// OutboxMetrics wraps collectors tracking dispatcher health.
type OutboxMetrics struct {
	processed  *prometheus.CounterVec
	retries    *prometheus.CounterVec
	deadletter *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	backlogAge prometheus.Gauge
}

// Outbox returns the lazily-initialised dispatcher metrics registry.
func Outbox() *OutboxMetrics {
	outboxMetricsOnce.Do(func() {
		outboxRegistry = &OutboxMetrics{
			processed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "outbox",
				Name:      "events_total",
				Help:      "Count of outbox events processed segmented by topic and outcome.",
			}, []string{"topic", "outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "outbox",
				Name:      "retries_total",
				Help:      "Count of outbox retries scheduled segmented by topic.",
			}, []string{"topic"}),
			deadletter: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "outbox",
				Name:      "deadletter_total",
				Help:      "Count of events moved to the deadletter state segmented by topic.",
			}, []string{"topic"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "proofwork",
				Subsystem: "outbox",
				Name:      "handler_duration_seconds",
				Help:      "Latency distribution for topic handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"topic"}),
			backlogAge: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "proofwork",
				Subsystem: "outbox",
				Name:      "pending_age_seconds",
				Help:      "Age in seconds of the oldest pending outbox event.",
			}),
		}
		prometheus.MustRegister(
			outboxRegistry.processed,
			outboxRegistry.retries,
			outboxRegistry.deadletter,
			outboxRegistry.latency,
			outboxRegistry.backlogAge,
		)
	})
	return outboxRegistry
}

// Observe records a completed handler invocation.
func (m *OutboxMetrics) Observe(topic string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.processed.WithLabelValues(label(topic), outcome).Inc()
	m.latency.WithLabelValues(label(topic)).Observe(duration.Seconds())
}

// RecordRetry increments the retry counter for a topic.
func (m *OutboxMetrics) RecordRetry(topic string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(label(topic)).Inc()
}

// RecordDeadletter increments the deadletter counter for a topic.
func (m *OutboxMetrics) RecordDeadletter(topic string) {
	if m == nil {
		return
	}
	m.deadletter.WithLabelValues(label(topic)).Inc()
}

// SetBacklogAge updates the oldest-pending gauge.
func (m *OutboxMetrics) SetBacklogAge(age time.Duration) {
	if m == nil {
		return
	}
	seconds := age.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.backlogAge.Set(seconds)
}

// QueueMetrics wraps collectors tracking the job claim path.
type QueueMetrics struct {
	claims *prometheus.CounterVec
	idles  *prometheus.CounterVec
	reaped prometheus.Counter
}

// Queue returns the job queue metrics registry.
func Queue() *QueueMetrics {
	queueMetricsOnce.Do(func() {
		queueRegistry = &QueueMetrics{
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "queue",
				Name:      "claims_total",
				Help:      "Count of job claim attempts segmented by outcome.",
			}, []string{"outcome"}),
			idles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "queue",
				Name:      "idle_total",
				Help:      "Count of idle responses returned to workers segmented by reason.",
			}, []string{"reason"}),
			reaped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "queue",
				Name:      "leases_reaped_total",
				Help:      "Count of expired leases returned to the open state.",
			}),
		}
		prometheus.MustRegister(queueRegistry.claims, queueRegistry.idles, queueRegistry.reaped)
	})
	return queueRegistry
}

// RecordClaim records a claim attempt outcome (claimed, lost_race, stale_job).
func (m *QueueMetrics) RecordClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(label(outcome)).Inc()
}

// RecordIdle records an idle response with the gate's reason.
func (m *QueueMetrics) RecordIdle(reason string) {
	if m == nil {
		return
	}
	m.idles.WithLabelValues(label(reason)).Inc()
}

// RecordReaped adds reaped lease count.
func (m *QueueMetrics) RecordReaped(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.reaped.Add(float64(count))
}

// VerificationMetrics wraps collectors for the verification coordinator.
type VerificationMetrics struct {
	verdicts *prometheus.CounterVec
	attempts prometheus.Histogram
}

// Verifications returns the verification metrics registry.
func Verifications() *VerificationMetrics {
	verificationMetricsOnce.Do(func() {
		verificationRegistry = &VerificationMetrics{
			verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "verification",
				Name:      "verdicts_total",
				Help:      "Count of persisted verdicts segmented by outcome.",
			}, []string{"verdict"}),
			attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "proofwork",
				Subsystem: "verification",
				Name:      "attempts_per_submission",
				Help:      "Distribution of verification attempts consumed per submission.",
				Buckets:   []float64{1, 2, 3, 4, 5},
			}),
		}
		prometheus.MustRegister(verificationRegistry.verdicts, verificationRegistry.attempts)
	})
	return verificationRegistry
}

// RecordVerdict increments the verdict counter.
func (m *VerificationMetrics) RecordVerdict(verdict string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(label(verdict)).Inc()
}

// ObserveAttempts records attempts consumed when a submission reaches a
// terminal verification state.
func (m *VerificationMetrics) ObserveAttempts(attempts int) {
	if m == nil || attempts <= 0 {
		return
	}
	m.attempts.Observe(float64(attempts))
}

// PayoutMetrics wraps collectors tracking payout engine health.
type PayoutMetrics struct {
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	feeCents *prometheus.CounterVec
	paused   prometheus.Gauge
}

// Payouts returns the payout metrics registry.
func Payouts() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "proofwork",
				Subsystem: "payout",
				Name:      "settlement_latency_seconds",
				Help:      "Latency distribution for completed payout executions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "payout",
				Name:      "errors_total",
				Help:      "Count of payout failures segmented by provider and reason.",
			}, []string{"provider", "reason"}),
			feeCents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "payout",
				Name:      "fee_cents_total",
				Help:      "Accumulated fee cents segmented by leg.",
			}, []string{"leg"}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "proofwork",
				Subsystem: "payout",
				Name:      "pause_engaged",
				Help:      "Indicates whether the universal worker pause is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			payoutRegistry.latency,
			payoutRegistry.errors,
			payoutRegistry.feeCents,
			payoutRegistry.paused,
		)
	})
	return payoutRegistry
}

// ObserveLatency records the execution latency for a payout.
func (m *PayoutMetrics) ObserveLatency(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(label(provider)).Observe(d.Seconds())
}

// RecordError increments the error counter for the supplied reason.
func (m *PayoutMetrics) RecordError(provider, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(label(provider), reason).Inc()
}

// RecordFees accumulates the per-leg fee counters for a paid payout.
func (m *PayoutMetrics) RecordFees(netCents, platformCents, proofworkCents int64) {
	if m == nil {
		return
	}
	m.feeCents.WithLabelValues("net").Add(float64(netCents))
	m.feeCents.WithLabelValues("platform_fee").Add(float64(platformCents))
	m.feeCents.WithLabelValues("proofwork_fee").Add(float64(proofworkCents))
}

// SetPause toggles the pause_engaged gauge.
func (m *PayoutMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
