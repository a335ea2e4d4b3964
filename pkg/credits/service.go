package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxRetries     = 3
	defaultRetryBackoff   = 25 * time.Millisecond
	defaultEventMarkerTTL = 30 * 24 * time.Hour
)

// Service enforces business-level ledger operations on top of a Store.
// It never bypasses store transactions: every successful mutation writes
// exactly one ledger entry, failed calls write nothing.
type Service struct {
	store   Store
	catalog Catalog
	config  Config
	logger  Logger
	metrics Metrics
}

// NewService creates a new ledger service with the given store and
// configuration.
func NewService(store Store, config Config) (*Service, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Catalog == nil {
		config.Catalog = DefaultCatalog()
	}
	if !config.Catalog.Contains(PlanFree) {
		return nil, fmt.Errorf("%w: catalog is missing %q", ErrUnknownPlan, PlanFree)
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultRetryBackoff
	}
	if config.EventMarkerTTL <= 0 {
		config.EventMarkerTTL = defaultEventMarkerTTL
	}

	return &Service{
		store:   store,
		catalog: config.Catalog,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Catalog returns the plan catalog the service was configured with.
func (s *Service) Catalog() Catalog {
	return s.catalog
}

// GetAccount returns the user's account, provisioning a Free-plan account on
// first touch. AccountNotFound is never surfaced to callers.
func (s *Service) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}
	return s.provision(ctx, userID)
}

// CurrentBalance returns the user's credit balance from a single consistent
// snapshot, provisioning the account if needed.
func (s *Service) CurrentBalance(ctx context.Context, userID string) (int, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Debit atomically removes amount credits from the user's balance.
// Returns ErrInsufficientBalance, with no mutation, when the balance would
// go negative. Reason defaults to "generation".
func (s *Service) Debit(ctx context.Context, userID string, amount int, reason string) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if reason == "" {
		reason = ReasonGeneration
	}

	acct, err := s.applyWithRetry(ctx, &DeltaRequest{
		UserID: userID,
		Delta:  -amount,
		Kind:   KindDebit,
		Reason: reason,
	})
	s.metrics.RecordDebit(userID, amount, err == nil)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			s.logger.Debug("debit declined",
				Field{Key: "user_id", Value: userID},
				Field{Key: "amount", Value: amount})
		}
		return nil, err
	}
	return acct, nil
}

// Credit atomically adds amount credits to the user's balance. Used for
// refunds and renewal grants.
func (s *Service) Credit(ctx context.Context, userID string, amount int, reason string) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	acct, err := s.applyWithRetry(ctx, &DeltaRequest{
		UserID: userID,
		Delta:  amount,
		Kind:   KindCredit,
		Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCredit(userID, amount, reason)
	return acct, nil
}

// SetPlan applies an absolute plan grant: the balance becomes the plan's
// quota regardless of what it was. Both the user-facing upgrade path and
// provider-confirmed events go through here, so a checkout event arriving
// after a direct upgrade converges instead of double-granting.
func (s *Service) SetPlan(ctx context.Context, change PlanChange) (*Account, error) {
	quota, err := s.catalog.QuotaFor(change.Plan)
	if err != nil {
		s.logger.Error("plan not in catalog",
			Field{Key: "user_id", Value: change.UserID},
			Field{Key: "plan", Value: string(change.Plan)})
		return nil, err
	}

	prev, err := s.GetAccount(ctx, change.UserID)
	if err != nil {
		return nil, err
	}

	acct, err := s.setPlanWithRetry(ctx, &PlanChangeRequest{
		UserID:     change.UserID,
		Plan:       change.Plan,
		Balance:    quota,
		RenewalAt:  change.RenewalAt,
		BillingRef: change.BillingRef,
		PriceRef:   change.PriceRef,
		Reason:     change.Reason,
		EventID:    change.EventID,
		EventTTL:   s.config.EventMarkerTTL,
	})
	if err != nil {
		return nil, err
	}

	if prev.Plan != acct.Plan {
		s.metrics.RecordPlanChange(string(prev.Plan), string(acct.Plan))
	}
	s.logger.Info("plan applied",
		Field{Key: "user_id", Value: change.UserID},
		Field{Key: "plan", Value: string(change.Plan)},
		Field{Key: "balance", Value: acct.Balance})
	return acct, nil
}

// Renew extends the account's renewal timestamp and credits the plan's quota
// in one atomic mutation. Driven by provider invoice events; idempotent via
// the event id marker.
//
// The quota is resolved from the plan the account holds, so the mutation
// asserts the billing reference it read: a cancellation landing between the
// read and the grant resets the reference, the store reports ErrConflict, and
// the retry re-reads the account. A detached account (no billing reference)
// fails with ErrAccountNotFound so the caller can drop the event as orphaned.
func (s *Service) Renew(ctx context.Context, userID string, periodEnd time.Time, eventID string) (*Account, error) {
	var renewed *Account
	var quota int
	err := s.withRetry(ctx, "renew", func() error {
		acct, err := s.store.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		if acct.BillingRef == "" {
			return ErrAccountNotFound
		}

		quota, err = s.catalog.QuotaFor(acct.Plan)
		if err != nil {
			return err
		}

		renewed, err = s.store.ApplyDelta(ctx, &DeltaRequest{
			UserID:            userID,
			Delta:             quota,
			Kind:              KindCredit,
			Reason:            ReasonRenewal,
			RenewalAt:         &periodEnd,
			RequireBillingRef: acct.BillingRef,
			EventID:           eventID,
			EventTTL:          s.config.EventMarkerTTL,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCredit(userID, quota, ReasonRenewal)
	return renewed, nil
}

// AccountByBillingRef looks up the account holding a provider subscription
// reference. Assumes a 1:1 subscription-to-account mapping.
func (s *Service) AccountByBillingRef(ctx context.Context, billingRef string) (*Account, error) {
	if billingRef == "" {
		return nil, ErrAccountNotFound
	}
	return s.store.FindAccountByBillingRef(ctx, billingRef)
}

// Entries pages the user's ledger, newest first.
func (s *Service) Entries(ctx context.Context, userID string, opts ListOptions) ([]*LedgerEntry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	return s.store.ListEntries(ctx, userID, opts)
}

// provision creates the Free-plan account for a user's first touch. A racing
// provision loses on ErrAccountExists and re-reads the winner's record.
func (s *Service) provision(ctx context.Context, userID string) (*Account, error) {
	quota, err := s.catalog.QuotaFor(PlanFree)
	if err != nil {
		return nil, err
	}

	acct := &Account{
		UserID:    userID,
		Balance:   quota,
		Plan:      PlanFree,
		UpdatedAt: time.Now().UTC(),
	}
	err = s.store.CreateAccount(ctx, acct)
	if errors.Is(err, ErrAccountExists) {
		return s.store.GetAccount(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("account provisioned",
		Field{Key: "user_id", Value: userID},
		Field{Key: "balance", Value: quota})
	return acct, nil
}

// applyWithRetry runs ApplyDelta, provisioning missing accounts and retrying
// bounded times on optimistic conflicts.
func (s *Service) applyWithRetry(ctx context.Context, req *DeltaRequest) (*Account, error) {
	var acct *Account
	err := s.withRetry(ctx, "apply_delta", func() error {
		var opErr error
		acct, opErr = s.store.ApplyDelta(ctx, req)
		if errors.Is(opErr, ErrAccountNotFound) {
			if _, provErr := s.provision(ctx, req.UserID); provErr != nil {
				return provErr
			}
			acct, opErr = s.store.ApplyDelta(ctx, req)
		}
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *Service) setPlanWithRetry(ctx context.Context, req *PlanChangeRequest) (*Account, error) {
	var acct *Account
	err := s.withRetry(ctx, "set_plan", func() error {
		var opErr error
		acct, opErr = s.store.SetPlan(ctx, req)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// withRetry retries fn on ErrConflict with linear backoff. Exhaustion
// surfaces as ErrRetryExhausted, distinct from business failures.
func (s *Service) withRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		start := time.Now()
		lastErr = fn()
		s.metrics.RecordStoreOperation(operation, time.Since(start), lastErr)

		if lastErr == nil || !errors.Is(lastErr, ErrConflict) {
			return lastErr
		}

		s.metrics.RecordConflictRetry(operation)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.config.RetryBackoff * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v",
		ErrRetryExhausted, operation, s.config.MaxRetries, lastErr)
}
