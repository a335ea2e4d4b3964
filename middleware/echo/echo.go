// Package echo provides Echo middleware for credit-gated endpoints
package echo

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/velumail/credits/pkg/credits"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// CostExtractor calculates the credit cost of a request
type CostExtractor func(c echo.Context) (int, error)

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
	OnInsufficientBalance func(c echo.Context, account *credits.Account) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error

	// Logger is optional structured logger
	Logger credits.Logger
}

// Middleware creates an Echo middleware that debits credits before the
// handler runs and refunds them if the handler returns an error.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("credits/echo: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("credits/echo: Config.GetUserID is required")
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
			}

			cost, err := cfg.GetCost(c)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return echo.NewHTTPError(http.StatusBadRequest, "Bad Request")
			}

			ctx := c.Request().Context()
			account, err := cfg.Service.Debit(ctx, userID, cost, cfg.Reason)
			if err != nil {
				if errors.Is(err, credits.ErrInsufficientBalance) {
					account, _ = cfg.Service.GetAccount(ctx, userID)
					if cfg.OnInsufficientBalance != nil {
						return cfg.OnInsufficientBalance(c, account)
					}
					body := map[string]interface{}{"error": "insufficient credits"}
					if account != nil {
						body["balance"] = account.Balance
						body["plan"] = string(account.Plan)
					}
					return c.JSON(http.StatusPaymentRequired, body)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return echo.NewHTTPError(http.StatusInternalServerError, "Internal Server Error")
			}

			c.Response().Header().Set("X-Credits-Remaining", strconv.Itoa(account.Balance))

			if err := next(c); err != nil {
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
				return err
			}
			return nil
		}
	}
}

// Common extractors for convenience

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int) CostExtractor {
	return func(c echo.Context) (int, error) {
		return cost, nil
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContextKey returns an UserIDExtractor that gets user ID from Echo's
// context store (c.Set / c.Get), the usual place auth middleware puts it.
func FromContextKey(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}
