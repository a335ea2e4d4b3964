package credits

import (
	"context"
	"time"
)

// Store defines the interface for ledger persistence.
// All methods use concrete types from this package to avoid import cycles.
//
// Mutations (ApplyDelta, SetPlan) must be linearizable per account: either a
// serializable transaction scoped to the account row, or compare-and-swap
// returning ErrConflict so the caller can retry. Two concurrent debits must
// never both succeed when only one unit of balance remains.
type Store interface {
	// GetAccount retrieves an account.
	// Returns ErrAccountNotFound when the user has no ledger record.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// CreateAccount stores a new account. Returns ErrAccountExists if a
	// record for the user is already present; callers re-read on that.
	CreateAccount(ctx context.Context, acct *Account) error

	// ApplyDelta atomically mutates the balance and appends one ledger
	// entry. Fails with ErrInsufficientBalance (and mutates nothing) when
	// balance + delta < 0. Returns the post-mutation account.
	ApplyDelta(ctx context.Context, req *DeltaRequest) (*Account, error)

	// SetPlan atomically assigns plan, balance (absolute), renewal and
	// billing references, appending a PlanGrant entry for the balance
	// delta when it is non-zero. Returns the post-mutation account.
	SetPlan(ctx context.Context, req *PlanChangeRequest) (*Account, error)

	// FindAccountByBillingRef looks up the account holding a provider
	// subscription reference. Returns ErrAccountNotFound when no account
	// carries the reference.
	FindAccountByBillingRef(ctx context.Context, billingRef string) (*Account, error)

	// ListEntries returns ledger entries for a user, newest first.
	ListEntries(ctx context.Context, userID string, opts ListOptions) ([]*LedgerEntry, error)
}

// DeltaRequest is an atomic balance mutation.
type DeltaRequest struct {
	UserID string

	// Delta is the signed balance change. Negative for debits.
	Delta int

	Kind   EntryKind
	Reason string

	// RenewalAt, when non-nil, is written with the delta. Used by renewal
	// grants which extend the cycle and credit quota in one mutation.
	RenewalAt *time.Time

	// RequireBillingRef, when set, asserts the account still carries this
	// provider reference at mutation time. Fails with ErrConflict (and
	// mutates nothing) when the reference changed, so a grant resolved
	// against a subscription cannot land after that subscription is gone.
	RequireBillingRef string

	// EventID, when set, is recorded as processed in the same atomic unit
	// as the mutation. A request carrying an already-processed EventID
	// fails with ErrDuplicateEvent and mutates nothing.
	EventID string

	// EventTTL is the retention for the processed-event marker.
	EventTTL time.Duration
}

// PlanChangeRequest is an atomic absolute plan grant as stored.
// Balance is assigned, not added, so redelivered events cannot double-grant.
type PlanChangeRequest struct {
	UserID  string
	Plan    Plan
	Balance int

	RenewalAt  *time.Time
	BillingRef string
	PriceRef   string

	Reason string

	// EventID/EventTTL behave as on DeltaRequest.
	EventID  string
	EventTTL time.Duration
}
