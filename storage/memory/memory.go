// Package memory provides an in-memory implementation of the credits.Store
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/velumail/credits/pkg/credits"
)

// Store implements credits.Store using in-memory maps. A single mutex
// serializes all mutations, which gives per-account linearizability for free.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*credits.Account
	entries  map[string][]*credits.LedgerEntry
	events   map[string]time.Time // event id -> marker expiry
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*credits.Account),
		entries:  make(map[string][]*credits.LedgerEntry),
		events:   make(map[string]time.Time),
	}
}

// GetAccount implements credits.Store.
func (s *Store) GetAccount(ctx context.Context, userID string) (*credits.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, credits.ErrAccountNotFound
	}

	// Return a copy to prevent external mutations
	return copyAccount(acct), nil
}

// CreateAccount implements credits.Store.
func (s *Store) CreateAccount(ctx context.Context, acct *credits.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.UserID]; ok {
		return credits.ErrAccountExists
	}

	stored := copyAccount(acct)
	stored.UpdatedAt = time.Now().UTC()
	s.accounts[acct.UserID] = stored
	return nil
}

// ApplyDelta implements credits.Store. The balance check, write, ledger
// append and event marker all happen under one lock.
func (s *Store) ApplyDelta(ctx context.Context, req *credits.DeltaRequest) (*credits.Account, error) {
	if req.Delta == 0 {
		return nil, credits.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAndMarkEvent(req.EventID, req.EventTTL); err != nil {
		return nil, err
	}

	acct, ok := s.accounts[req.UserID]
	if !ok {
		s.unmarkEvent(req.EventID)
		return nil, credits.ErrAccountNotFound
	}

	if req.RequireBillingRef != "" && acct.BillingRef != req.RequireBillingRef {
		s.unmarkEvent(req.EventID)
		return nil, credits.ErrConflict
	}

	newBalance := acct.Balance + req.Delta
	if newBalance < 0 {
		s.unmarkEvent(req.EventID)
		return nil, credits.ErrInsufficientBalance
	}

	now := time.Now().UTC()
	acct.Balance = newBalance
	acct.UpdatedAt = now
	if req.RenewalAt != nil {
		renewal := req.RenewalAt.UTC()
		acct.RenewalAt = &renewal
	}

	s.appendEntry(&credits.LedgerEntry{
		ID:        credits.NewEntryID(now),
		UserID:    req.UserID,
		Kind:      req.Kind,
		Amount:    req.Delta,
		Reason:    req.Reason,
		CreatedAt: now,
	})

	return copyAccount(acct), nil
}

// SetPlan implements credits.Store with absolute-set semantics: the balance
// becomes req.Balance and the ledger records the delta.
func (s *Store) SetPlan(ctx context.Context, req *credits.PlanChangeRequest) (*credits.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAndMarkEvent(req.EventID, req.EventTTL); err != nil {
		return nil, err
	}

	acct, ok := s.accounts[req.UserID]
	if !ok {
		s.unmarkEvent(req.EventID)
		return nil, credits.ErrAccountNotFound
	}

	now := time.Now().UTC()
	delta := req.Balance - acct.Balance

	acct.Plan = req.Plan
	acct.Balance = req.Balance
	acct.BillingRef = req.BillingRef
	acct.PriceRef = req.PriceRef
	acct.UpdatedAt = now
	if req.RenewalAt != nil {
		renewal := req.RenewalAt.UTC()
		acct.RenewalAt = &renewal
	} else {
		acct.RenewalAt = nil
	}

	if delta != 0 {
		s.appendEntry(&credits.LedgerEntry{
			ID:        credits.NewEntryID(now),
			UserID:    req.UserID,
			Kind:      credits.KindPlanGrant,
			Amount:    delta,
			Reason:    req.Reason,
			CreatedAt: now,
		})
	}

	return copyAccount(acct), nil
}

// FindAccountByBillingRef implements credits.Store.
func (s *Store) FindAccountByBillingRef(ctx context.Context, billingRef string) (*credits.Account, error) {
	if billingRef == "" {
		return nil, credits.ErrAccountNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, acct := range s.accounts {
		if acct.BillingRef == billingRef {
			return copyAccount(acct), nil
		}
	}
	return nil, credits.ErrAccountNotFound
}

// ListEntries implements credits.Store, newest first.
func (s *Store) ListEntries(ctx context.Context, userID string, opts credits.ListOptions) ([]*credits.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*credits.LedgerEntry
	for _, e := range s.entries[userID] {
		if opts.Before != "" && e.ID >= opts.Before {
			continue
		}
		entryCopy := *e
		out = append(out, &entryCopy)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// checkAndMarkEvent marks an event id processed, failing with
// ErrDuplicateEvent when a live marker exists. Caller holds the write lock.
func (s *Store) checkAndMarkEvent(eventID string, ttl time.Duration) error {
	if eventID == "" {
		return nil
	}
	if expiry, ok := s.events[eventID]; ok && time.Now().UTC().Before(expiry) {
		return credits.ErrDuplicateEvent
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	s.events[eventID] = time.Now().UTC().Add(ttl)
	return nil
}

// unmarkEvent removes a marker written before the mutation failed, so a
// legitimate redelivery can still apply.
func (s *Store) unmarkEvent(eventID string) {
	if eventID != "" {
		delete(s.events, eventID)
	}
}

func (s *Store) appendEntry(e *credits.LedgerEntry) {
	s.entries[e.UserID] = append(s.entries[e.UserID], e)
}

func copyAccount(acct *credits.Account) *credits.Account {
	acctCopy := *acct
	if acct.RenewalAt != nil {
		renewal := *acct.RenewalAt
		acctCopy.RenewalAt = &renewal
	}
	return &acctCopy
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*credits.Account)
	s.entries = make(map[string][]*credits.LedgerEntry)
	s.events = make(map[string]time.Time)
}
