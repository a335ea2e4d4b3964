package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/velumail/credits/pkg/credits"
	"github.com/velumail/credits/storage/memory"
)

func newTestHandler(t *testing.T) (*Handler, *credits.Service) {
	t.Helper()
	service, err := credits.NewService(memory.New(), credits.Config{})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	handler, err := NewHandler(Config{
		Service:   service,
		GetUserID: FromHeader("X-User-ID"),
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler, service
}

func TestNewHandler_Validation(t *testing.T) {
	service, _ := credits.NewService(memory.New(), credits.Config{})

	if _, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")}); err == nil {
		t.Error("Expected error for missing service")
	}
	if _, err := NewHandler(Config{Service: service}); err == nil {
		t.Error("Expected error for missing GetUserID")
	}
}

func TestHandler_GetAccount(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/account", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.GetAccount(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp AccountResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	// First touch provisions the Free plan
	if resp.Plan != string(credits.PlanFree) {
		t.Errorf("Expected Free plan, got %s", resp.Plan)
	}
	if resp.Balance != 5 {
		t.Errorf("Expected balance 5, got %d", resp.Balance)
	}
	if resp.RenewalAt != nil {
		t.Errorf("Free accounts never renew, got %v", resp.RenewalAt)
	}
}

func TestHandler_GetAccount_Unauthorized(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/account", nil)
	rec := httptest.NewRecorder()
	handler.GetAccount(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without user id, got %d", rec.Code)
	}
}

func TestHandler_Upgrade(t *testing.T) {
	handler, service := newTestHandler(t)

	body := strings.NewReader(`{"plan":"Pro Plan"}`)
	req := httptest.NewRequest(http.MethodPost, "/account/upgrade", body)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.Upgrade(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp AccountResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Plan != string(credits.PlanPro) || resp.Balance != 1000 {
		t.Errorf("Unexpected account after upgrade: %+v", resp)
	}
	if resp.RenewalAt == nil {
		t.Error("Expected renewal date on a paid plan")
	}

	// The grant is recorded in the ledger
	entries, err := service.Entries(context.Background(), "user1", credits.ListOptions{})
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != credits.KindPlanGrant {
		t.Errorf("Expected a single plan grant entry, got %+v", entries)
	}
}

func TestHandler_Upgrade_ToFreeClearsRenewal(t *testing.T) {
	handler, _ := newTestHandler(t)

	upgrade := func(plan string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/account/upgrade", strings.NewReader(`{"plan":"`+plan+`"}`))
		req.Header.Set("X-User-ID", "user1")
		rec := httptest.NewRecorder()
		handler.Upgrade(rec, req)
		return rec
	}

	if rec := upgrade("Starter Plan"); rec.Code != http.StatusOK {
		t.Fatalf("Upgrade failed: %d", rec.Code)
	}
	rec := upgrade("Free Plan")
	if rec.Code != http.StatusOK {
		t.Fatalf("Downgrade failed: %d", rec.Code)
	}

	var resp AccountResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Plan != string(credits.PlanFree) || resp.Balance != 5 {
		t.Errorf("Unexpected account after downgrade: %+v", resp)
	}
	if resp.RenewalAt != nil {
		t.Errorf("Expected cleared renewal, got %v", resp.RenewalAt)
	}
}

func TestHandler_Upgrade_UnknownPlan(t *testing.T) {
	handler, service := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/account/upgrade", strings.NewReader(`{"plan":"Platinum Plan"}`))
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.Upgrade(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown plan, got %d", rec.Code)
	}

	// No partial grant happened
	balance, err := service.CurrentBalance(context.Background(), "user1")
	if err != nil {
		t.Fatalf("CurrentBalance failed: %v", err)
	}
	if balance != 5 {
		t.Errorf("Expected untouched balance 5, got %d", balance)
	}
}

func TestHandler_Upgrade_BadBody(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/account/upgrade", strings.NewReader(`{not json`))
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.Upgrade(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHandler_GetHistory(t *testing.T) {
	handler, service := newTestHandler(t)
	ctx := context.Background()

	if _, err := service.GetAccount(ctx, "user1"); err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := service.Debit(ctx, "user1", 1, ""); err != nil {
			t.Fatalf("Debit failed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/account/history", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.GetHistory(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp HistoryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(resp.Entries))
	}
	for _, e := range resp.Entries {
		if e.Kind != string(credits.KindDebit) || e.Amount != -1 {
			t.Errorf("Unexpected entry: %+v", e)
		}
	}
}

func TestHandler_GetHistory_Paginates(t *testing.T) {
	handler, service := newTestHandler(t)
	ctx := context.Background()

	if _, err := service.SetPlan(ctx, credits.PlanChange{
		UserID: "user1", Plan: credits.PlanStarter, Reason: credits.ReasonUpgrade,
	}); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := service.Debit(ctx, "user1", 1, ""); err != nil {
			t.Fatalf("Debit failed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/account/history?limit=4", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.GetHistory(rec, req)

	var first HistoryResponse
	if err := json.NewDecoder(rec.Body).Decode(&first); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(first.Entries) != 4 {
		t.Fatalf("Expected 4 entries, got %d", len(first.Entries))
	}
	if first.Next == "" {
		t.Fatal("Expected a next cursor on a full page")
	}

	req = httptest.NewRequest(http.MethodGet, "/account/history?limit=4&before="+first.Next, nil)
	req.Header.Set("X-User-ID", "user1")
	rec = httptest.NewRecorder()
	handler.GetHistory(rec, req)

	var second HistoryResponse
	if err := json.NewDecoder(rec.Body).Decode(&second); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(second.Entries) != 2 {
		t.Errorf("Expected 2 remaining entries, got %d", len(second.Entries))
	}
}

func TestHandler_GetHistory_BadParams(t *testing.T) {
	handler, _ := newTestHandler(t)

	for _, url := range []string{
		"/account/history?limit=abc",
		"/account/history?limit=-1",
	} {
		req := httptest.NewRequest(http.MethodGet, url, nil)
		req.Header.Set("X-User-ID", "user1")
		rec := httptest.NewRecorder()
		handler.GetHistory(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", url, rec.Code)
		}
	}
}
