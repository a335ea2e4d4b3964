package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/velumail/credits/pkg/credits"
)

const (
	maxUserIDLen = 255

	// DefaultEntriesLimit is the history page size when none is configured.
	DefaultEntriesLimit = 50

	maxUpgradeBody = 4 * 1024
)

// Handler provides HTTP endpoints for account inspection and direct plan
// changes. Plan changes through this handler follow the same absolute-set
// semantics as billing webhooks: the balance becomes the plan quota.
type Handler struct {
	config Config
}

// GetAccount returns the user's current balance, plan, and renewal date.
// Accounts are auto-provisioned on the Free plan, so this never 404s for a
// valid user ID.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	account, err := h.config.Service.GetAccount(ctx, userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get account: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, accountResponse(account))
}

// GetHistory returns a page of the user's ledger entries, newest first.
// Supports ?limit= and ?before= (cursor from a previous page's "next").
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	limit := h.config.EntriesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.handleError(w, r, fmt.Errorf("invalid limit %q", raw), http.StatusBadRequest)
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	// The cursor is an opaque entry ID from a previous page's "next";
	// entry IDs sort by creation time, so paging by ID loses nothing even
	// when entries share a timestamp.
	entries, err := h.config.Service.Entries(ctx, userID, credits.ListOptions{
		Limit:  limit,
		Before: r.URL.Query().Get("before"),
	})
	if err != nil {
		if errors.Is(err, credits.ErrAccountNotFound) {
			// No account means no history yet
			entries = nil
		} else {
			h.handleError(w, r, fmt.Errorf("failed to list entries: %w", err), http.StatusInternalServerError)
			return
		}
	}

	response := HistoryResponse{
		UserID:  userID,
		Entries: make([]EntryResponse, 0, len(entries)),
	}
	for _, entry := range entries {
		response.Entries = append(response.Entries, EntryResponse{
			ID:        entry.ID,
			Kind:      string(entry.Kind),
			Amount:    entry.Amount,
			Reason:    entry.Reason,
			CreatedAt: entry.CreatedAt,
		})
	}
	if len(entries) == limit && limit > 0 {
		response.Next = entries[len(entries)-1].ID
	}

	h.writeJSON(w, http.StatusOK, response)
}

// Upgrade applies a plan change directly, without going through a billing
// provider. The balance is set to the new plan's quota and paid plans get a
// renewal date one billing cycle out.
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req UpgradeRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpgradeBody))
	if err := decoder.Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	plan := credits.Plan(req.Plan)

	catalog := h.config.Service.Catalog()
	if !catalog.Contains(plan) {
		h.handleError(w, r, fmt.Errorf("%w: %q", credits.ErrUnknownPlan, req.Plan), http.StatusBadRequest)
		return
	}

	var renewalAt *time.Time
	period, err := catalog.RenewalPeriodFor(plan)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if period > 0 {
		t := time.Now().UTC().Add(period)
		renewalAt = &t
	}

	reason := credits.ReasonUpgrade
	if plan == credits.PlanFree {
		reason = credits.ReasonCancellation
	}

	account, err := h.config.Service.SetPlan(ctx, credits.PlanChange{
		UserID:    userID,
		Plan:      plan,
		RenewalAt: renewalAt,
		Reason:    reason,
	})
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to change plan: %w", err), http.StatusInternalServerError)
		return
	}

	h.config.Logger.Info("plan changed via api",
		credits.Field{Key: "user_id", Value: userID},
		credits.Field{Key: "plan", Value: string(plan)},
	)

	h.writeJSON(w, http.StatusOK, accountResponse(account))
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func accountResponse(account *credits.Account) AccountResponse {
	return AccountResponse{
		UserID:    account.UserID,
		Balance:   account.Balance,
		Plan:      string(account.Plan),
		RenewalAt: account.RenewalAt,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Response already sent, nothing useful to do
		_ = err
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		_ = encodeErr
	}
}
