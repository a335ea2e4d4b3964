package credits

import "errors"

var (
	// ErrInsufficientBalance is returned when a debit would drive the
	// balance negative. Nothing is mutated.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAccountNotFound is returned when no account exists for a user.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating an account that already
	// exists.
	ErrAccountExists = errors.New("account already exists")

	// ErrUnknownPlan is returned for a plan identifier not in the catalog.
	// Unknown plans are never silently substituted with a default.
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDuplicateEvent is returned when a mutation carries an event id
	// that has already been applied. Callers treat it as a successful no-op.
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrConflict is returned by optimistic stores when a concurrent writer
	// won the race. The service retries a bounded number of times.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrRetryExhausted is returned when conflict retries are used up.
	// Distinct from ErrInsufficientBalance: the caller may try again.
	ErrRetryExhausted = errors.New("retries exhausted")

	// ErrStorageUnavailable is returned when the store cannot be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
