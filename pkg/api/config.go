package api

import (
	"fmt"
	"net/http"

	"github.com/velumail/credits/pkg/credits"
)

// Config holds configuration for the account API handler
type Config struct {
	// Service is the credits service instance (required)
	Service *credits.Service

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// EntriesLimit caps how many ledger entries a single history request
	// returns. Zero uses DefaultEntriesLimit.
	EntriesLimit int

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional structured logger for API operations
	// If nil, logging is disabled
	Logger credits.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new account API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.EntriesLimit <= 0 {
		config.EntriesLimit = DefaultEntriesLimit
	}
	if config.Logger == nil {
		config.Logger = &credits.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
