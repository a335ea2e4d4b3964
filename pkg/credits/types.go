package credits

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Plan identifies a subscription plan. Values match the plan names the
// billing provider sends in checkout metadata.
type Plan string

const (
	// PlanFree is the default plan every account starts on.
	PlanFree Plan = "Free Plan"
	// PlanStarter is the entry-level paid plan.
	PlanStarter Plan = "Starter Plan"
	// PlanPro is the mid paid plan.
	PlanPro Plan = "Pro Plan"
	// PlanPremium is the top paid plan.
	PlanPremium Plan = "Premium Plan"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	// KindDebit records a balance decrement (always a negative amount).
	KindDebit EntryKind = "debit"
	// KindCredit records a balance increment (always a positive amount).
	KindCredit EntryKind = "credit"
	// KindPlanGrant records the balance delta of an absolute plan grant.
	KindPlanGrant EntryKind = "plan_grant"
)

// Well-known entry reasons. Reasons are free-text tags; these are the ones
// the library itself writes.
const (
	ReasonGeneration   = "generation"
	ReasonUpgrade      = "upgrade"
	ReasonRenewal      = "renewal"
	ReasonCancellation = "cancellation"
	ReasonRefund       = "refund"
)

// Account is the per-user entitlement record.
type Account struct {
	UserID string

	// Balance is the number of generation credits remaining. Never negative.
	Balance int

	Plan Plan

	// RenewalAt is the next scheduled quota reset. Nil for Free accounts.
	RenewalAt *time.Time

	// BillingRef is the provider subscription identifier, empty when the
	// account has no active paid subscription.
	BillingRef string

	// PriceRef is the provider price identifier for the active subscription.
	PriceRef string

	UpdatedAt time.Time
}

// LedgerEntry is an immutable record of one balance-affecting event.
// Summing all entries for a user reproduces the account balance.
type LedgerEntry struct {
	// ID is unique and sorts in creation order.
	ID string

	UserID string
	Kind   EntryKind

	// Amount is the signed balance delta: negative for debits, positive
	// for credits, either sign for plan grants.
	Amount int

	Reason    string
	CreatedAt time.Time
}

// NewEntryID returns a unique ledger entry id that sorts by creation time.
func NewEntryID(t time.Time) string {
	return fmt.Sprintf("%020d-%s", t.UTC().UnixNano(), uuid.NewString())
}

// PlanDefinition declares the entitlement a plan confers.
type PlanDefinition struct {
	// Quota is the number of credits granted when the plan is applied.
	Quota int

	// RenewalPeriodDays is the length of the billing cycle. Zero means the
	// plan never renews (Free).
	RenewalPeriodDays int
}

// PlanChange describes an absolute plan grant. The resulting balance is the
// plan's quota regardless of the previous balance, which makes redelivered
// provider events safe to apply.
type PlanChange struct {
	UserID string
	Plan   Plan

	// RenewalAt is the next quota reset, nil to clear it.
	RenewalAt *time.Time

	// BillingRef and PriceRef replace the account's provider references.
	// Empty values clear them.
	BillingRef string
	PriceRef   string

	// Reason tags the PlanGrant ledger entry ("upgrade", "cancellation").
	Reason string

	// EventID, when set, is marked processed atomically with the mutation.
	// A second change with the same EventID fails with ErrDuplicateEvent.
	EventID string
}

// ListOptions controls ledger entry queries.
type ListOptions struct {
	// Limit caps the number of entries returned (default 100).
	Limit int

	// Before restricts results to entries with an ID strictly below this
	// one. Entry IDs are time-prefixed, so ID order is creation order and
	// the last ID of a page is a lossless cursor for the next.
	Before string
}

// Config holds ledger service configuration.
type Config struct {
	// Catalog maps plans to their entitlement. Required.
	Catalog Catalog

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking ledger operations (default: NoopMetrics).
	Metrics Metrics

	// MaxRetries bounds retries of conflicted store mutations (default: 3).
	MaxRetries int

	// RetryBackoff is the base delay between retries (default: 25ms). The
	// delay grows linearly with the attempt number.
	RetryBackoff time.Duration

	// EventMarkerTTL is how long processed-event markers are retained
	// (default: 30 days). Must exceed the provider's redelivery window.
	EventMarkerTTL time.Duration
}
