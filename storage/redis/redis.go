// Package redis provides a Redis implementation of the credits.Store
// interface. Balance mutations run as Lua scripts so the balance check,
// write, ledger append and event marker are one atomic unit.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/velumail/credits/pkg/credits"
)

// Store implements credits.Store using Redis.
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis store configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "credits:").
	KeyPrefix string

	// LedgerMaxLen caps the per-user ledger list length. Zero keeps the
	// full history.
	LedgerMaxLen int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "credits:",
	}
}

// New creates a new Redis store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "credits:"
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations.
func (s *Store) loadScripts() {
	// Atomic balance delta with ledger append and event marker.
	// KEYS: account hash, ledger list, event marker
	// ARGV: delta, entry JSON, renewal_at (RFC3339 or ""), event ttl secs,
	//       now (RFC3339), ledger max len, required billing_ref ("" skips)
	s.scripts["apply_delta"] = redis.NewScript(`
		local acctKey = KEYS[1]
		local ledgerKey = KEYS[2]
		local eventKey = KEYS[3]
		local delta = tonumber(ARGV[1])
		local entry = ARGV[2]
		local renewalAt = ARGV[3]
		local eventTTL = tonumber(ARGV[4])
		local now = ARGV[5]
		local maxLen = tonumber(ARGV[6])
		local requiredRef = ARGV[7]

		if eventKey ~= '' and redis.call('EXISTS', eventKey) == 1 then
			return 'DUPLICATE'
		end
		if redis.call('EXISTS', acctKey) == 0 then
			return 'NOT_FOUND'
		end
		if requiredRef ~= '' then
			local currentRef = redis.call('HGET', acctKey, 'billing_ref') or ''
			if currentRef ~= requiredRef then
				return 'CONFLICT'
			end
		end

		local balance = tonumber(redis.call('HGET', acctKey, 'balance') or '0')
		local newBalance = balance + delta
		if newBalance < 0 then
			return 'INSUFFICIENT'
		end

		redis.call('HSET', acctKey, 'balance', newBalance, 'updated_at', now)
		if renewalAt ~= '' then
			redis.call('HSET', acctKey, 'renewal_at', renewalAt)
		end
		redis.call('LPUSH', ledgerKey, entry)
		if maxLen > 0 then
			redis.call('LTRIM', ledgerKey, 0, maxLen - 1)
		end
		if eventKey ~= '' then
			redis.call('SET', eventKey, '1', 'EX', eventTTL)
		end
		return newBalance
	`)

	// Absolute plan grant. The caller supplies the billing_ref it read, and
	// the script aborts with CONFLICT if a concurrent writer changed it, so
	// the secondary ref index never goes stale.
	// KEYS: account hash, ledger list, event marker, old ref index, new ref index
	// ARGV: plan, balance, renewal_at, billing_ref, price_ref, entry JSON,
	//       event ttl secs, now, expected old billing_ref, user id, max len
	s.scripts["set_plan"] = redis.NewScript(`
		local acctKey = KEYS[1]
		local ledgerKey = KEYS[2]
		local eventKey = KEYS[3]
		local oldRefKey = KEYS[4]
		local newRefKey = KEYS[5]
		local plan = ARGV[1]
		local balance = tonumber(ARGV[2])
		local renewalAt = ARGV[3]
		local billingRef = ARGV[4]
		local priceRef = ARGV[5]
		local entry = ARGV[6]
		local eventTTL = tonumber(ARGV[7])
		local now = ARGV[8]
		local expectedRef = ARGV[9]
		local userID = ARGV[10]
		local maxLen = tonumber(ARGV[11])

		if eventKey ~= '' and redis.call('EXISTS', eventKey) == 1 then
			return 'DUPLICATE'
		end
		if redis.call('EXISTS', acctKey) == 0 then
			return 'NOT_FOUND'
		end

		local currentRef = redis.call('HGET', acctKey, 'billing_ref') or ''
		if currentRef ~= expectedRef then
			return 'CONFLICT'
		end

		local oldBalance = tonumber(redis.call('HGET', acctKey, 'balance') or '0')

		redis.call('HSET', acctKey,
			'plan', plan,
			'balance', balance,
			'renewal_at', renewalAt,
			'billing_ref', billingRef,
			'price_ref', priceRef,
			'updated_at', now)

		if oldRefKey ~= '' and currentRef ~= billingRef then
			redis.call('DEL', oldRefKey)
		end
		if newRefKey ~= '' then
			redis.call('SET', newRefKey, userID)
		end

		if balance ~= oldBalance and entry ~= '' then
			redis.call('LPUSH', ledgerKey, entry)
			if maxLen > 0 then
				redis.call('LTRIM', ledgerKey, 0, maxLen - 1)
			end
		end
		if eventKey ~= '' then
			redis.call('SET', eventKey, '1', 'EX', eventTTL)
		end
		return oldBalance
	`)
}

// GetAccount implements credits.Store.
func (s *Store) GetAccount(ctx context.Context, userID string) (*credits.Account, error) {
	data, err := s.client.HGetAll(ctx, s.acctKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if len(data) == 0 {
		return nil, credits.ErrAccountNotFound
	}
	return accountFromHash(userID, data)
}

// CreateAccount implements credits.Store.
func (s *Store) CreateAccount(ctx context.Context, acct *credits.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	created, err := s.client.Eval(ctx, `
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1],
			'balance', ARGV[1], 'plan', ARGV[2], 'renewal_at', ARGV[3],
			'billing_ref', ARGV[4], 'price_ref', ARGV[5], 'updated_at', ARGV[6])
		return 1
	`, []string{s.acctKey(acct.UserID)},
		acct.Balance, string(acct.Plan), formatTimePtr(acct.RenewalAt),
		acct.BillingRef, acct.PriceRef, now).Int()
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if created == 0 {
		return credits.ErrAccountExists
	}
	return nil
}

// ApplyDelta implements credits.Store.
func (s *Store) ApplyDelta(ctx context.Context, req *credits.DeltaRequest) (*credits.Account, error) {
	if req.Delta == 0 {
		return nil, credits.ErrInvalidAmount
	}

	now := time.Now().UTC()
	entry := &credits.LedgerEntry{
		ID:        credits.NewEntryID(now),
		UserID:    req.UserID,
		Kind:      req.Kind,
		Amount:    req.Delta,
		Reason:    req.Reason,
		CreatedAt: now,
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry: %w", err)
	}

	res, err := s.scripts["apply_delta"].Run(ctx, s.client,
		[]string{s.acctKey(req.UserID), s.ledgerKey(req.UserID), s.eventKey(req.EventID)},
		req.Delta, string(entryJSON), formatTimePtr(req.RenewalAt),
		eventTTLSeconds(req.EventTTL), now.Format(time.RFC3339Nano),
		s.config.LedgerMaxLen, req.RequireBillingRef).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to apply delta: %w", err)
	}

	if status, ok := res.(string); ok {
		if err := statusError(status); err != nil {
			return nil, err
		}
	}
	return s.GetAccount(ctx, req.UserID)
}

// SetPlan implements credits.Store. The billing_ref compare-and-swap inside
// the script returns ErrConflict on a concurrent change; the service retries.
func (s *Store) SetPlan(ctx context.Context, req *credits.PlanChangeRequest) (*credits.Account, error) {
	current, err := s.GetAccount(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var entryJSON []byte
	if req.Balance != current.Balance {
		entryJSON, err = json.Marshal(&credits.LedgerEntry{
			ID:        credits.NewEntryID(now),
			UserID:    req.UserID,
			Kind:      credits.KindPlanGrant,
			Amount:    req.Balance - current.Balance,
			Reason:    req.Reason,
			CreatedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entry: %w", err)
		}
	}

	res, err := s.scripts["set_plan"].Run(ctx, s.client,
		[]string{
			s.acctKey(req.UserID),
			s.ledgerKey(req.UserID),
			s.eventKey(req.EventID),
			s.refKey(current.BillingRef),
			s.refKey(req.BillingRef),
		},
		string(req.Plan), req.Balance, formatTimePtr(req.RenewalAt),
		req.BillingRef, req.PriceRef, string(entryJSON),
		eventTTLSeconds(req.EventTTL), now.Format(time.RFC3339Nano),
		current.BillingRef, req.UserID, s.config.LedgerMaxLen).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to set plan: %w", err)
	}

	if status, ok := res.(string); ok {
		if err := statusError(status); err != nil {
			return nil, err
		}
	}
	return s.GetAccount(ctx, req.UserID)
}

// FindAccountByBillingRef implements credits.Store via the ref index keys
// maintained by SetPlan.
func (s *Store) FindAccountByBillingRef(ctx context.Context, billingRef string) (*credits.Account, error) {
	if billingRef == "" {
		return nil, credits.ErrAccountNotFound
	}

	userID, err := s.client.Get(ctx, s.refKey(billingRef)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, credits.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve billing ref: %w", err)
	}
	return s.GetAccount(ctx, userID)
}

// ListEntries implements credits.Store, newest first.
func (s *Store) ListEntries(ctx context.Context, userID string, opts credits.ListOptions) ([]*credits.LedgerEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	// Entries are LPUSHed, so the list is already newest first. Fetch
	// extra when filtering by cursor.
	fetch := int64(limit)
	if opts.Before != "" {
		fetch = -1
	}
	raw, err := s.client.LRange(ctx, s.ledgerKey(userID), 0, fetch).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	entries := make([]*credits.LedgerEntry, 0, len(raw))
	for _, item := range raw {
		var e credits.LedgerEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue // Skip corrupt entries rather than failing the page
		}
		if opts.Before != "" && e.ID >= opts.Before {
			continue
		}
		entries = append(entries, &e)
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func (s *Store) acctKey(userID string) string {
	return s.config.KeyPrefix + "acct:" + userID
}

func (s *Store) ledgerKey(userID string) string {
	return s.config.KeyPrefix + "ledger:" + userID
}

func (s *Store) refKey(billingRef string) string {
	if billingRef == "" {
		return ""
	}
	return s.config.KeyPrefix + "ref:" + billingRef
}

func (s *Store) eventKey(eventID string) string {
	if eventID == "" {
		return ""
	}
	return s.config.KeyPrefix + "event:" + eventID
}

func statusError(status string) error {
	switch status {
	case "DUPLICATE":
		return credits.ErrDuplicateEvent
	case "NOT_FOUND":
		return credits.ErrAccountNotFound
	case "INSUFFICIENT":
		return credits.ErrInsufficientBalance
	case "CONFLICT":
		return credits.ErrConflict
	default:
		return nil
	}
}

func eventTTLSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return int64(ttl.Seconds())
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func accountFromHash(userID string, data map[string]string) (*credits.Account, error) {
	acct := &credits.Account{
		UserID:     userID,
		Plan:       credits.Plan(data["plan"]),
		BillingRef: data["billing_ref"],
		PriceRef:   data["price_ref"],
	}

	if v := data["balance"]; v != "" {
		if _, err := fmt.Sscanf(v, "%d", &acct.Balance); err != nil {
			return nil, fmt.Errorf("corrupt balance for %s: %w", userID, err)
		}
	}
	if v := data["renewal_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("corrupt renewal_at for %s: %w", userID, err)
		}
		acct.RenewalAt = &t
	}
	if v := data["updated_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("corrupt updated_at for %s: %w", userID, err)
		}
		acct.UpdatedAt = t
	}
	return acct, nil
}
