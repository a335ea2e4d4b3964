// Package gin provides Gin middleware for credit-gated endpoints
package gin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/velumail/credits/pkg/credits"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// CostExtractor calculates the credit cost of a request
type CostExtractor func(c *gongin.Context) (int, error)

// Config holds middleware configuration
type Config struct {
	// Service is the credits service instance (required)
	Service *credits.Service

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetCost calculates the credit cost from the context
	// Default: fixed cost of 1
	GetCost CostExtractor

	// Reason tags the debit ledger entries
	// Default: credits.ReasonGeneration
	Reason string

	// OnInsufficientBalance is called when the user has no credits left
	// If nil, uses default response: 402 JSON with balance info
	OnInsufficientBalance func(c *gongin.Context, account *credits.Account)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)

	// Logger is optional structured logger
	Logger credits.Logger
}

// Middleware creates a Gin middleware that debits credits before the
// handler chain runs and refunds them if the chain aborts with a server
// error or records errors.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("credits/gin: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("credits/gin: Config.GetUserID is required")
	}

	// Set defaults
	if cfg.GetCost == nil {
		cfg.GetCost = FixedCost(credits.DefaultSpendCost)
	}
	if cfg.Reason == "" {
		cfg.Reason = credits.ReasonGeneration
	}
	if cfg.Logger == nil {
		cfg.Logger = &credits.NoopLogger{}
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		cost, err := cfg.GetCost(c)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		account, err := cfg.Service.Debit(ctx, userID, cost, cfg.Reason)
		if err != nil {
			if errors.Is(err, credits.ErrInsufficientBalance) {
				account, _ = cfg.Service.GetAccount(ctx, userID)
				if cfg.OnInsufficientBalance != nil {
					cfg.OnInsufficientBalance(c, account)
				} else {
					body := gongin.H{"error": "insufficient credits"}
					if account != nil {
						body["balance"] = account.Balance
						body["plan"] = string(account.Plan)
					}
					c.JSON(http.StatusPaymentRequired, body)
				}
			} else {
				if cfg.OnError != nil {
					cfg.OnError(c, err)
				} else {
					c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
				}
			}
			c.Abort()
			return
		}

		c.Header("X-Credits-Remaining", strconv.Itoa(account.Balance))

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError || len(c.Errors) > 0 {
			// Handler failed after the debit, give the credits back.
			// The refund must survive request cancellation.
			refundCtx := context.WithoutCancel(ctx)
			if _, refundErr := cfg.Service.Credit(refundCtx, userID, cost, credits.ReasonRefund); refundErr != nil {
				cfg.Logger.Error("refund after failed request did not apply",
					credits.Field{Key: "user_id", Value: userID},
					credits.Field{Key: "cost", Value: cost},
					credits.Field{Key: "error", Value: refundErr.Error()},
				)
			}
		}
	}
}

// Common extractors for convenience

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int) CostExtractor {
	return func(c *gongin.Context) (int, error) {
		return cost, nil
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContextKey returns an UserIDExtractor that gets user ID from Gin's
// context store (c.Set / c.Get), the usual place auth middleware puts it.
func FromContextKey(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if userID, ok := c.Get(key); ok {
			if s, ok := userID.(string); ok {
				return s
			}
		}
		return ""
	}
}
