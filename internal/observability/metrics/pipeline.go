package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

// PipelineMetrics records scoring and proposal lifecycle outcomes. It
// implements ports.PipelineObserver.
type PipelineMetrics struct {
	service string

	recomputeTotal    *prometheus.CounterVec
	recomputeDuration prometheus.Histogram
	alertsTotal       *prometheus.CounterVec
	intakeTotal       *prometheus.CounterVec
	transitionTotal   *prometheus.CounterVec
	snoozeRunTotal    *prometheus.CounterVec
	snoozeOutcomes    *prometheus.CounterVec
	batchInFlight     prometheus.Gauge
	batchLag          prometheus.Histogram
}

func NewPipelineMetrics(service string, registry *prometheus.Registry) *PipelineMetrics {
	serviceLabel := prometheus.Labels{"service": service}
	m := &PipelineMetrics{
		service: service,
		recomputeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "recompute_total",
			Help:      "Deal score recomputations by status.",
		}, []string{"service", "status"}),
		recomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "scoring",
			Name:        "recompute_duration_seconds",
			Help:        "Deal score recomputation duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: serviceLabel,
		}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "alerts_total",
			Help:      "Emitted score alerts by type and urgency.",
		}, []string{"service", "type", "urgency"}),
		intakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proposals",
			Name:      "intake_total",
			Help:      "Proposal intake decisions by outcome.",
		}, []string{"service", "outcome"}),
		transitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proposals",
			Name:      "transitions_total",
			Help:      "Reviewer transitions by action and status.",
		}, []string{"service", "action", "status"}),
		snoozeRunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snooze",
			Name:      "runs_total",
			Help:      "Snooze reactivation runs by status.",
		}, []string{"service", "status"}),
		snoozeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snooze",
			Name:      "outcomes_total",
			Help:      "Snoozed proposal outcomes across runs.",
		}, []string{"service", "outcome"}),
		batchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "event_batches_in_flight",
			Help:        "Score event batches being processed.",
			ConstLabels: serviceLabel,
		}),
		batchLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "event_batch_lag_seconds",
			Help:        "Delay between the oldest event in a batch and processing start.",
			Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: serviceLabel,
		}),
	}

	registry.MustRegister(
		m.recomputeTotal,
		m.recomputeDuration,
		m.alertsTotal,
		m.intakeTotal,
		m.transitionTotal,
		m.snoozeRunTotal,
		m.snoozeOutcomes,
		m.batchInFlight,
		m.batchLag,
	)
	return m
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *PipelineMetrics) ObserveRecompute(duration time.Duration, err error) {
	m.recomputeTotal.WithLabelValues(m.service, statusOf(err)).Inc()
	m.recomputeDuration.Observe(duration.Seconds())
}

func (m *PipelineMetrics) ObserveAlerts(alerts []domain.ScoreAlert) {
	for _, alert := range alerts {
		m.alertsTotal.WithLabelValues(m.service, string(alert.Type), string(alert.Urgency)).Inc()
	}
}

func (m *PipelineMetrics) ObserveIntake(outcome domain.IntakeOutcome) {
	if outcome == "" {
		outcome = "error"
	}
	m.intakeTotal.WithLabelValues(m.service, string(outcome)).Inc()
}

func (m *PipelineMetrics) ObserveTransition(action domain.ProposalAction, err error) {
	m.transitionTotal.WithLabelValues(m.service, string(action), statusOf(err)).Inc()
}

func (m *PipelineMetrics) ObserveSnoozeRun(result domain.SnoozeCheckResult, err error) {
	status := statusOf(err)
	if domain.IsKind(err, domain.ErrQuotaExceeded) {
		status = "quota_exceeded"
	}
	m.snoozeRunTotal.WithLabelValues(m.service, status).Inc()

	outcomes := map[string]int{
		"reactivated":  result.Reactivated,
		"rejected":     result.Rejected,
		"kept_snoozed": result.KeptSnoozed,
		"merged":       result.Merged,
		"skipped":      result.Skipped,
		"failed":       result.Failed,
	}
	for outcome, count := range outcomes {
		if count > 0 {
			m.snoozeOutcomes.WithLabelValues(m.service, outcome).Add(float64(count))
		}
	}
}

// StartBatch marks a queued score-event batch as in flight and records how
// long its oldest event waited. The returned func ends the batch.
func (m *PipelineMetrics) StartBatch(events []domain.ScoreEvent, now time.Time) func() {
	m.batchInFlight.Inc()
	var oldest time.Time
	for _, event := range events {
		if !event.CreatedAt.IsZero() && (oldest.IsZero() || event.CreatedAt.Before(oldest)) {
			oldest = event.CreatedAt
		}
	}
	if !oldest.IsZero() {
		if lag := now.Sub(oldest); lag >= 0 {
			m.batchLag.Observe(lag.Seconds())
		}
	}
	return m.batchInFlight.Dec
}
