package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements credits.Metrics using Prometheus.
type Metrics struct {
	debitsTotal         *prometheus.CounterVec
	debitAmount         *prometheus.HistogramVec
	creditsTotal        *prometheus.CounterVec
	planChangesTotal    *prometheus.CounterVec
	spendsTotal         *prometheus.CounterVec
	storeOpsDuration    *prometheus.HistogramVec
	storeOpsErrors      *prometheus.CounterVec
	conflictRetriesTotal *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		debitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_debits_total",
			Help:      "Total number of debit attempts.",
		}, []string{"success"}),

		debitAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_debit_amount",
			Help:      "Distribution of debit amounts.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}, []string{}),

		creditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_total",
			Help:      "Total number of credits by reason.",
		}, []string{"reason"}),

		planChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_plan_changes_total",
			Help:      "Total number of plan transitions.",
		}, []string{"from_plan", "to_plan"}),

		spendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_gate_outcomes_total",
			Help:      "Total number of spend gate outcomes.",
		}, []string{"outcome"}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of store operation errors.",
		}, []string{"operation"}),

		conflictRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflict_retries_total",
			Help:      "Total number of retried optimistic conflicts.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordDebit(_ string, amount int, success bool) {
	m.debitsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
	if success {
		m.debitAmount.WithLabelValues().Observe(float64(amount))
	}
}

func (m *Metrics) RecordCredit(_ string, amount int, reason string) {
	m.creditsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordPlanChange(fromPlan, toPlan string) {
	m.planChangesTotal.WithLabelValues(fromPlan, toPlan).Inc()
}

func (m *Metrics) RecordSpend(outcome string) {
	m.spendsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordConflictRetry(operation string) {
	m.conflictRetriesTotal.WithLabelValues(operation).Inc()
}
