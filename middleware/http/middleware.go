// Package http provides HTTP middleware for credit-gated endpoints
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/velumail/credits/pkg/credits"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// CostExtractor calculates the credit cost of a request
// For example: count template generations as 1, or charge per variant requested
type CostExtractor func(r *http.Request) (int, error)

// Config holds middleware configuration
type Config struct {
	// Service is the credits service instance (required)
	Service *credits.Service

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetCost calculates the credit cost from the request
	// Default: fixed cost of 1
	GetCost CostExtractor

	// Reason tags the debit ledger entries
	// Default: credits.ReasonGeneration
	Reason string

	// RefundOnServerError refunds the debit when the wrapped handler
	// responds with a 5xx status. Client errors are not refunded.
	// Default: true
	RefundOnServerError *bool

	// OnInsufficientBalance is called when the user has no credits left
	// If nil, returns 402 Payment Required
	OnInsufficientBalance func(w http.ResponseWriter, r *http.Request, account *credits.Account)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger is optional structured logger
	Logger credits.Logger
}

// Middleware creates an HTTP middleware that debits credits before the
// handler runs and refunds them if the handler fails with a server error.
func Middleware(config Config) func(http.Handler) http.Handler {
	// Set defaults
	if config.GetCost == nil {
		config.GetCost = FixedCost(credits.DefaultSpendCost)
	}
	if config.Reason == "" {
		config.Reason = credits.ReasonGeneration
	}
	refundOnServerError := true
	if config.RefundOnServerError != nil {
		refundOnServerError = *config.RefundOnServerError
	}
	if config.Logger == nil {
		config.Logger = &credits.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract user ID
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			cost, err := config.GetCost(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			// Debit up front so concurrent requests cannot overspend
			ctx := r.Context()
			_, err = config.Service.Debit(ctx, userID, cost, config.Reason)
			if err != nil {
				if errors.Is(err, credits.ErrInsufficientBalance) {
					account, _ := config.Service.GetAccount(ctx, userID)
					if config.OnInsufficientBalance != nil {
						config.OnInsufficientBalance(w, r, account)
					} else {
						msg := "Insufficient credits"
						if account != nil {
							msg = fmt.Sprintf("Insufficient credits: %d remaining on %s", account.Balance, account.Plan)
						}
						http.Error(w, msg, http.StatusPaymentRequired)
					}
				} else {
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
				}
				return
			}

			if !refundOnServerError {
				next.ServeHTTP(w, r)
				return
			}

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			if recorder.status >= http.StatusInternalServerError {
				// Handler failed after the debit, give the credits back.
				// The refund must survive request cancellation.
				refundCtx := context.WithoutCancel(ctx)
				if _, refundErr := config.Service.Credit(refundCtx, userID, cost, credits.ReasonRefund); refundErr != nil {
					config.Logger.Error("refund after failed request did not apply",
						credits.Field{Key: "user_id", Value: userID},
						credits.Field{Key: "cost", Value: cost},
						credits.Field{Key: "error", Value: refundErr.Error()},
					)
				}
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates credits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// statusRecorder captures the status code written by the wrapped handler
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(status int) {
	if !sr.wroteHeader {
		sr.status = status
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if !sr.wroteHeader {
		sr.wroteHeader = true
	}
	return sr.ResponseWriter.Write(p)
}

// Common extractors for convenience

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int) CostExtractor {
	return func(r *http.Request) (int, error) {
		return cost, nil
	}
}

// FromQuery returns a CostExtractor that multiplies a base cost by an
// integer query parameter, e.g. the number of variants requested.
func FromQuery(param string, base int) CostExtractor {
	return func(r *http.Request) (int, error) {
		raw := r.URL.Query().Get(param)
		if raw == "" {
			return base, nil
		}
		var n int
		if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid %s parameter: %q", param, raw)
		}
		return base * n, nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "credits:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
