package credits

import "time"

// Metrics defines the interface for tracking ledger operations.
type Metrics interface {
	// RecordDebit records a debit attempt.
	RecordDebit(userID string, amount int, success bool)

	// RecordCredit records a credit with its reason tag.
	RecordCredit(userID string, amount int, reason string)

	// RecordPlanChange records a plan transition.
	RecordPlanChange(fromPlan, toPlan string)

	// RecordSpend records a spend-gate outcome ("completed", "declined",
	// "refunded").
	RecordSpend(outcome string)

	// RecordStoreOperation records the duration and status of a store
	// operation.
	RecordStoreOperation(operation string, duration time.Duration, err error)

	// RecordConflictRetry records a retry of a conflicted store mutation.
	RecordConflictRetry(operation string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDebit(userID string, amount int, success bool)                       {}
func (n *NoopMetrics) RecordCredit(userID string, amount int, reason string)                     {}
func (n *NoopMetrics) RecordPlanChange(fromPlan, toPlan string)                                  {}
func (n *NoopMetrics) RecordSpend(outcome string)                                                {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error)  {}
func (n *NoopMetrics) RecordConflictRetry(operation string)                                      {}
