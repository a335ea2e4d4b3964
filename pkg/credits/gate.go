package credits

import (
	"context"
	"errors"
	"fmt"
)

// DefaultSpendCost is the unit cost of one generation.
const DefaultSpendCost = 1

// Action is the costly external call a spend wraps. A non-nil error, timeout
// or cancellation triggers the compensating refund.
type Action func(ctx context.Context) error

// Gate wraps a costly external action with an atomic pre-debit and a
// compensating refund. The balance is never left decremented for an action
// that did not complete, and is decremented exactly once for one that did.
type Gate struct {
	service *Service
	logger  Logger
	metrics Metrics
}

// NewGate creates a spend gate over the given ledger service.
func NewGate(service *Service) (*Gate, error) {
	if service == nil {
		return nil, ErrStorageUnavailable
	}
	return &Gate{
		service: service,
		logger:  service.logger,
		metrics: service.metrics,
	}, nil
}

// WithSpend debits cost credits, runs action, and credits the cost back when
// the action fails. ErrInsufficientBalance is returned without invoking the
// action; action errors are returned wrapped after the refund.
func (g *Gate) WithSpend(ctx context.Context, userID string, cost int, action Action) error {
	if cost <= 0 {
		return ErrInvalidAmount
	}

	if _, err := g.service.Debit(ctx, userID, cost, ReasonGeneration); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			g.metrics.RecordSpend("declined")
		}
		return err
	}

	if err := action(ctx); err != nil {
		g.refund(ctx, userID, cost)
		g.metrics.RecordSpend("refunded")
		return fmt.Errorf("action failed: %w", err)
	}

	g.metrics.RecordSpend("completed")
	return nil
}

// refund restores the pre-debit balance. The refund uses a background-derived
// context so a canceled request cannot also cancel the compensation.
func (g *Gate) refund(ctx context.Context, userID string, cost int) {
	refundCtx := context.WithoutCancel(ctx)
	if _, err := g.service.Credit(refundCtx, userID, cost, ReasonRefund); err != nil {
		// A lost refund is a balance leak; make it loud for operators.
		g.logger.Error("refund failed",
			Field{Key: "user_id", Value: userID},
			Field{Key: "amount", Value: cost},
			Field{Key: "error", Value: err.Error()})
	}
}

// Spend runs an action that produces a value under the gate's
// debit-or-refund contract.
func Spend[T any](ctx context.Context, g *Gate, userID string, cost int, action func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := g.WithSpend(ctx, userID, cost, func(ctx context.Context) error {
		var actionErr error
		result, actionErr = action(ctx)
		return actionErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
