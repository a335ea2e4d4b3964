package api

import "time"

// AccountResponse represents the current credit standing for a user
type AccountResponse struct {
	UserID    string     `json:"user_id"`
	Balance   int        `json:"balance"`
	Plan      string     `json:"plan"`
	RenewalAt *time.Time `json:"renewal_at,omitempty"`
}

// EntryResponse represents a single ledger entry in history output
type EntryResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Amount    int       `json:"amount"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryResponse represents a page of ledger entries, newest first
type HistoryResponse struct {
	UserID  string          `json:"user_id"`
	Entries []EntryResponse `json:"entries"`
	// Next holds the cursor for the following page, empty when exhausted
	Next string `json:"next,omitempty"`
}

// UpgradeRequest is the body of a direct plan-grant request
type UpgradeRequest struct {
	Plan string `json:"plan"`
}
