// Package postgres provides a PostgreSQL implementation of the credits.Store
// interface. Balance mutations run inside a transaction with
// SELECT ... FOR UPDATE on the account row, which serializes concurrent
// writers per account without any application-level locking.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velumail/credits/pkg/credits"
)

//go:embed schema.sql
var schema string

// Store implements credits.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background marker cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to sweep expired event markers
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Store{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// InitSchema creates the store's tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool and stops background cleanup.
func (s *Store) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetAccount implements credits.Store.
func (s *Store) GetAccount(ctx context.Context, userID string) (*credits.Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, balance, plan, renewal_at, billing_ref, price_ref, updated_at
			FROM accounts WHERE user_id = $1`,
		userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credits.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// CreateAccount implements credits.Store.
func (s *Store) CreateAccount(ctx context.Context, acct *credits.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, balance, plan, renewal_at, billing_ref, price_ref, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NOW())
			ON CONFLICT (user_id) DO NOTHING`,
		acct.UserID, acct.Balance, string(acct.Plan), acct.RenewalAt, acct.BillingRef, acct.PriceRef,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credits.ErrAccountExists
	}
	return nil
}

// ApplyDelta implements credits.Store. The balance check, update, ledger
// append and event marker are one transaction.
func (s *Store) ApplyDelta(ctx context.Context, req *credits.DeltaRequest) (*credits.Account, error) {
	if req.Delta == 0 {
		return nil, credits.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := s.markEvent(ctx, tx, req.EventID, req.EventTTL); err != nil {
		return nil, err
	}

	var balance int64
	var billingRef *string
	err = tx.QueryRow(ctx,
		`SELECT balance, billing_ref FROM accounts WHERE user_id = $1 FOR UPDATE`,
		req.UserID).Scan(&balance, &billingRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credits.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	if req.RequireBillingRef != "" && (billingRef == nil || *billingRef != req.RequireBillingRef) {
		return nil, credits.ErrConflict
	}

	newBalance := balance + int64(req.Delta)
	if newBalance < 0 {
		return nil, credits.ErrInsufficientBalance
	}

	var query string
	var args []interface{}
	if req.RenewalAt != nil {
		query = `UPDATE accounts SET balance = $1, renewal_at = $2, updated_at = NOW()
			WHERE user_id = $3
			RETURNING user_id, balance, plan, renewal_at, billing_ref, price_ref, updated_at`
		args = []interface{}{newBalance, req.RenewalAt, req.UserID}
	} else {
		query = `UPDATE accounts SET balance = $1, updated_at = NOW()
			WHERE user_id = $2
			RETURNING user_id, balance, plan, renewal_at, billing_ref, price_ref, updated_at`
		args = []interface{}{newBalance, req.UserID}
	}

	acct, err := scanAccount(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	now := time.Now().UTC()
	if err := appendEntry(ctx, tx, &credits.LedgerEntry{
		ID:        credits.NewEntryID(now),
		UserID:    req.UserID,
		Kind:      req.Kind,
		Amount:    req.Delta,
		Reason:    req.Reason,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return nil, credits.ErrConflict
		}
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return acct, nil
}

// SetPlan implements credits.Store with absolute-set semantics.
func (s *Store) SetPlan(ctx context.Context, req *credits.PlanChangeRequest) (*credits.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := s.markEvent(ctx, tx, req.EventID, req.EventTTL); err != nil {
		return nil, err
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE`,
		req.UserID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credits.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	acct, err := scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts
			SET plan = $1, balance = $2, renewal_at = $3,
				billing_ref = NULLIF($4, ''), price_ref = NULLIF($5, ''), updated_at = NOW()
			WHERE user_id = $6
			RETURNING user_id, balance, plan, renewal_at, billing_ref, price_ref, updated_at`,
		string(req.Plan), req.Balance, req.RenewalAt, req.BillingRef, req.PriceRef, req.UserID))
	if err != nil {
		return nil, fmt.Errorf("failed to set plan: %w", err)
	}

	delta := req.Balance - int(balance)
	if delta != 0 {
		now := time.Now().UTC()
		if err := appendEntry(ctx, tx, &credits.LedgerEntry{
			ID:        credits.NewEntryID(now),
			UserID:    req.UserID,
			Kind:      credits.KindPlanGrant,
			Amount:    delta,
			Reason:    req.Reason,
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return nil, credits.ErrConflict
		}
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return acct, nil
}

// FindAccountByBillingRef implements credits.Store.
func (s *Store) FindAccountByBillingRef(ctx context.Context, billingRef string) (*credits.Account, error) {
	if billingRef == "" {
		return nil, credits.ErrAccountNotFound
	}

	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, balance, plan, renewal_at, billing_ref, price_ref, updated_at
			FROM accounts WHERE billing_ref = $1`,
		billingRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credits.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by billing ref: %w", err)
	}
	return acct, nil
}

// ListEntries implements credits.Store, newest first.
func (s *Store) ListEntries(ctx context.Context, userID string, opts credits.ListOptions) ([]*credits.LedgerEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var rows pgx.Rows
	var err error
	if opts.Before != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, user_id, kind, amount, reason, created_at
				FROM ledger_entries
				WHERE user_id = $1 AND id < $2
				ORDER BY id DESC
				LIMIT $3`,
			userID, opts.Before, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, user_id, kind, amount, reason, created_at
				FROM ledger_entries
				WHERE user_id = $1
				ORDER BY id DESC
				LIMIT $2`,
			userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []*credits.LedgerEntry
	for rows.Next() {
		var e credits.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.Amount, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Kind = credits.EntryKind(kind)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}
	return entries, nil
}

// markEvent inserts the processed-event marker inside the mutation's
// transaction. An existing live marker fails the whole transaction with
// ErrDuplicateEvent, so the mutation and the mark commit or roll back
// together.
func (s *Store) markEvent(ctx context.Context, tx pgx.Tx, eventID string, ttl time.Duration) error {
	if eventID == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_events (event_id, processed_at, expires_at)
			VALUES ($1, NOW(), NOW() + $2)
			ON CONFLICT (event_id) DO NOTHING`,
		eventID, ttl)
	if err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credits.ErrDuplicateEvent
	}
	return nil
}

func appendEntry(ctx context.Context, tx pgx.Tx, e *credits.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, kind, amount, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.UserID, string(e.Kind), e.Amount, e.Reason, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*credits.Account, error) {
	var acct credits.Account
	var plan string
	var renewalAt *time.Time
	var billingRef, priceRef *string

	err := row.Scan(&acct.UserID, &acct.Balance, &plan, &renewalAt, &billingRef, &priceRef, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}

	acct.Plan = credits.Plan(plan)
	acct.RenewalAt = renewalAt
	if billingRef != nil {
		acct.BillingRef = *billingRef
	}
	if priceRef != nil {
		acct.PriceRef = *priceRef
	}
	return &acct, nil
}

// startCleanup periodically deletes expired event markers.
func (s *Store) startCleanup(ctx context.Context) {
	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			_, _ = s.pool.Exec(cleanupCtx,
				`DELETE FROM processed_events WHERE expires_at < NOW()`)
			cancel()
		}
	}
}

// isSerializationFailure reports whether the error is a transient transaction
// conflict that the service should retry.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
