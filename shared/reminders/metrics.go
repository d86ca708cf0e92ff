package reminders

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the reminder engine.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	// RunsTotal counts batch runs by outcome.
	RunsTotal *prometheus.CounterVec

	// DigestsTotal counts per-user outcomes: sent, empty, failed_transient, failed_permanent, error.
	DigestsTotal *prometheus.CounterVec

	// DeliveryRetries counts retry attempts for verify and send.
	DeliveryRetries *prometheus.CounterVec

	// DeliveryDuration is the time to deliver one digest, retries included.
	DeliveryDuration prometheus.Histogram

	// RunDuration is the wall time of a batch run.
	RunDuration prometheus.Histogram

	// LastRunOverdueContacts is the number of overdue contacts seen by the last run.
	LastRunOverdueContacts prometheus.Gauge

	// RateLimitWaits is the total number of rate limit waits.
	RateLimitWaits prometheus.Counter
}

// NewMetrics creates and registers reminder metrics on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminder_runs_total",
				Help:      "Total number of reminder batch runs by outcome",
			},
			[]string{"outcome"},
		),

		DigestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminder_digests_total",
				Help:      "Total number of per-user digest outcomes",
			},
			[]string{"status"},
		),

		DeliveryRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminder_delivery_retries_total",
				Help:      "Total number of delivery retry attempts",
			},
			[]string{"op"},
		),

		DeliveryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reminder_delivery_duration_seconds",
				Help:      "Time to deliver a digest",
				Buckets:   []float64{.05, .1, .5, 1, 2, 5, 10, 30},
			},
		),

		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reminder_run_duration_seconds",
				Help:      "Time to process a batch run",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),

		LastRunOverdueContacts: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reminder_last_run_overdue_contacts",
				Help:      "Overdue contacts seen by the last batch run",
			},
		),

		RateLimitWaits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminder_rate_limit_waits_total",
				Help:      "Total number of rate limit waits",
			},
		),
	}
}

// IncRun increments the run counter for an outcome.
func (m *Metrics) IncRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// IncDigest increments the digest counter for a status.
func (m *Metrics) IncDigest(status string) {
	if m == nil {
		return
	}
	m.DigestsTotal.WithLabelValues(status).Inc()
}

// IncRetries increments the retry counter for op.
func (m *Metrics) IncRetries(op string) {
	if m == nil {
		return
	}
	m.DeliveryRetries.WithLabelValues(op).Inc()
}

// ObserveDeliveryDuration records the time taken to deliver a digest.
func (m *Metrics) ObserveDeliveryDuration(seconds float64) {
	if m == nil {
		return
	}
	m.DeliveryDuration.Observe(seconds)
}

// ObserveRunDuration records the time taken by a batch run.
func (m *Metrics) ObserveRunDuration(seconds float64) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(seconds)
}

// SetLastRunOverdue sets the overdue gauge.
func (m *Metrics) SetLastRunOverdue(n int) {
	if m == nil {
		return
	}
	m.LastRunOverdueContacts.Set(float64(n))
}

// IncRateLimitWaits increments the rate limit wait counter.
func (m *Metrics) IncRateLimitWaits() {
	if m == nil {
		return
	}
	m.RateLimitWaits.Inc()
}
