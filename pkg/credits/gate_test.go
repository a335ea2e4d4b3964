package credits_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velumail/credits/pkg/credits"
	"github.com/velumail/credits/storage/memory"
)

func newTestGate(t *testing.T) (*credits.Gate, *credits.Service) {
	t.Helper()
	service, err := credits.NewService(memory.New(), credits.Config{})
	require.NoError(t, err)
	gate, err := credits.NewGate(service)
	require.NoError(t, err)
	return gate, service
}

func TestNewGate(t *testing.T) {
	_, err := credits.NewGate(nil)
	assert.ErrorIs(t, err, credits.ErrStorageUnavailable)
}

func TestGate_WithSpend_Success(t *testing.T) {
	gate, service := newTestGate(t)
	ctx := context.Background()

	ran := false
	err := gate.WithSpend(ctx, "user1", 1, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	balance, err := service.CurrentBalance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 4, balance, "completed action costs exactly one credit")
}

func TestGate_WithSpend_RefundOnFailure(t *testing.T) {
	gate, service := newTestGate(t)
	ctx := context.Background()

	actionErr := errors.New("model timeout")
	err := gate.WithSpend(ctx, "user1", 1, func(ctx context.Context) error {
		return actionErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, actionErr)

	// Failed action must not cost anything
	balance, err := service.CurrentBalance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance, "failed action refunds the debit")

	// The ledger still shows both sides of the round trip
	entries, err := service.Entries(ctx, "user1", credits.ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	sum := 0
	for _, e := range entries {
		sum += e.Amount
	}
	assert.Equal(t, 0, sum)
}

func TestGate_WithSpend_InsufficientBalance(t *testing.T) {
	gate, service := newTestGate(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, gate.WithSpend(ctx, "user1", 1, func(ctx context.Context) error {
			return nil
		}))
	}

	ran := false
	err := gate.WithSpend(ctx, "user1", 1, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, credits.ErrInsufficientBalance)
	assert.False(t, ran, "action must not run when the debit is declined")

	balance, err := service.CurrentBalance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
}

func TestGate_WithSpend_InvalidCost(t *testing.T) {
	gate, _ := newTestGate(t)

	err := gate.WithSpend(context.Background(), "user1", 0, func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, credits.ErrInvalidAmount)
}

func TestGate_WithSpend_RefundOnCancelledContext(t *testing.T) {
	gate, service := newTestGate(t)

	ctx, cancel := context.WithCancel(context.Background())
	err := gate.WithSpend(ctx, "user1", 1, func(ctx context.Context) error {
		// Simulate the request being abandoned mid-action
		cancel()
		return ctx.Err()
	})
	require.Error(t, err)

	// The refund runs on a detached context, so cancellation cannot
	// leave the debit stranded
	balance, err := service.CurrentBalance(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance)
}

func TestSpend_ReturnsValue(t *testing.T) {
	gate, service := newTestGate(t)
	ctx := context.Background()

	html, err := credits.Spend(ctx, gate, "user1", 1, func(ctx context.Context) (string, error) {
		return "<html>generated</html>", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "<html>generated</html>", html)

	balance, err := service.CurrentBalance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 4, balance)
}

func TestSpend_ZeroValueOnFailure(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	result, err := credits.Spend(ctx, gate, "user1", 1, func(ctx context.Context) (string, error) {
		return "partial output", fmt.Errorf("generation failed")
	})
	require.Error(t, err)
	assert.Empty(t, result, "failed actions never leak partial results")
}
