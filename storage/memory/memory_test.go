package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/velumail/credits/pkg/credits"
)

func testAccount(userID string) *credits.Account {
	return &credits.Account{
		UserID:    userID,
		Balance:   5,
		Plan:      credits.PlanFree,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestStore_CreateGetAccount(t *testing.T) {
	store := New()
	ctx := context.Background()

	// Missing account
	_, err := store.GetAccount(ctx, "user1")
	if !errors.Is(err, credits.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}

	if err := store.CreateAccount(ctx, testAccount("user1")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	acct, err := store.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Balance != 5 || acct.Plan != credits.PlanFree {
		t.Errorf("Unexpected account: %+v", acct)
	}

	// Duplicate create is rejected
	err = store.CreateAccount(ctx, testAccount("user1"))
	if !errors.Is(err, credits.ErrAccountExists) {
		t.Errorf("Expected ErrAccountExists, got %v", err)
	}
}

func TestStore_GetAccount_ReturnsCopy(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, testAccount("user1")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	acct, _ := store.GetAccount(ctx, "user1")
	acct.Balance = 9999

	again, _ := store.GetAccount(ctx, "user1")
	if again.Balance != 5 {
		t.Errorf("Caller mutation leaked into the store: balance %d", again.Balance)
	}
}

func TestStore_ApplyDelta(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, testAccount("user1")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	acct, err := store.ApplyDelta(ctx, &credits.DeltaRequest{
		UserID: "user1",
		Delta:  -2,
		Kind:   credits.KindDebit,
		Reason: credits.ReasonGeneration,
	})
	if err != nil {
		t.Fatalf("ApplyDelta failed: %v", err)
	}
	if acct.Balance != 3 {
		t.Errorf("Expected balance 3, got %d", acct.Balance)
	}

	// Missing account
	_, err = store.ApplyDelta(ctx, &credits.DeltaRequest{
		UserID: "ghost", Delta: -1, Kind: credits.KindDebit,
	})
	if !errors.Is(err, credits.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}

	// Zero delta
	_, err = store.ApplyDelta(ctx, &credits.DeltaRequest{UserID: "user1", Delta: 0})
	if !errors.Is(err, credits.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestStore_ApplyDelta_NeverNegative(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, testAccount("user1")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	_, err := store.ApplyDelta(ctx, &credits.DeltaRequest{
		UserID: "user1", Delta: -6, Kind: credits.KindDebit,
	})
	if !errors.Is(err, credits.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	acct, _ := store.GetAccount(ctx, "user1")
	if acct.Balance != 5 {
		t.Errorf("Declined debit changed the balance: %d", acct.Balance)
	}
	entries, _ := store.ListEntries(ctx, "user1", credits.ListOptions{})
	if len(entries) != 0 {
		t.Errorf("Declined debit wrote %d ledger entries", len(entries))
	}
}

func TestStore_EventMarker_Idempotency(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, testAccount("user1")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	req := &credits.DeltaRequest{
		UserID:   "user1",
		Delta:    2,
		Kind:     credits.KindCredit,
		Reason:   credits.ReasonRenewal,
		EventID:  "evt_1",
		EventTTL: time.Hour,
	}
	if _, err := store.ApplyDelta(ctx, req); err != nil {
		t.Fatalf("ApplyDelta failed: %v", err)
	}

	// Redelivery with the same event id is rejected, no second grant
	_, err := store.ApplyDelta(ctx, req)
	if !errors.Is(err, credits.ErrDuplicateEvent) {
		t.Fatalf("Expected ErrDuplicateEvent, got %v", err)
	}
	acct, _ := store.GetAccount(ctx, "user1")
	if acct.Balance != 7 {
		t.Errorf("Expected balance 7, got %d", acct.Balance)
	}
}

func TestStore_EventMarker_UnmarkedOnFailure(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, testAccount("user1")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	// A mutation that fails must not burn its event id
	_, err := store.ApplyDelta(ctx, &credits.DeltaRequest{
		UserID:   "user1",
		Delta:    -100,
		Kind:     credits.KindDebit,
		EventID:  "evt_1",
		EventTTL: time.Hour,
	})
	if !errors.Is(err, credits.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	// The same event id applies cleanly once the mutation can succeed
	_, err = store.ApplyDelta(ctx, &credits.DeltaRequest{
		UserID:   "user1",
		Delta:    -1,
		Kind:     credits.KindDebit,
		EventID:  "evt_1",
		EventTTL: time.Hour,
	})
	if err != nil {
		t.Errorf("Expected retry with same event id to succeed, got %v", err)
	}
}

func TestStore_ApplyDelta_MissingAccountFreesEventID(t *testing.T) {
	store := New()
	ctx := context.Background()

	_, err := store.ApplyDelta(ctx, &credits.DeltaRequest{
		UserID:   "ghost",
		Delta:    5,
		Kind:     credits.KindCredit,
		EventID:  "evt_1",
		EventTTL: time.Hour,
	})
	if !errors.Is(err, credits.ErrAccountNotFound) {
		t.Fatalf("Expected ErrAccountNotFound, got %v", err)
	}

	// After the account exists, the event id still works
	if err := store.CreateAccount(ctx, testAccount("ghost")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	_, err = store.ApplyDelta(ctx, &credits.DeltaRequest{
		UserID:   "ghost",
		Delta:    5,
		Kind:     credits.KindCredit,
		EventID:  "evt_1",
		EventTTL: time.Hour,
	})
	if err != nil {
		t.Errorf("Expected event id to be reusable, got %v", err)
	}
}

func TestStore_ApplyDelta_BillingRefGuard(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, testAccount("user1")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if _, err := store.SetPlan(ctx, &credits.PlanChangeRequest{
		UserID: "user1", Plan: credits.PlanPro, Balance: 1000, BillingRef: "sub_new",
	}); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}

	// A grant resolved against a reference the account no longer holds
	// must not land, and must not burn its event id
	_, err := store.ApplyDelta(ctx, &credits.DeltaRequest{
		UserID:            "user1",
		Delta:             1000,
		Kind:              credits.KindCredit,
		RequireBillingRef: "sub_old",
		EventID:           "evt_1",
		EventTTL:          time.Hour,
	})
	if !errors.Is(err, credits.ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}

	acct, err := store.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Balance != 1000 {
		t.Errorf("Expected balance untouched at 1000, got %d", acct.Balance)
	}

	acct, err = store.ApplyDelta(ctx, &credits.DeltaRequest{
		UserID:            "user1",
		Delta:             1000,
		Kind:              credits.KindCredit,
		RequireBillingRef: "sub_new",
		EventID:           "evt_1",
		EventTTL:          time.Hour,
	})
	if err != nil {
		t.Fatalf("Expected matching reference to apply, got %v", err)
	}
	if acct.Balance != 2000 {
		t.Errorf("Expected balance 2000, got %d", acct.Balance)
	}
}

func TestStore_SetPlan(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, testAccount("user1")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	renewal := time.Now().UTC().Add(30 * 24 * time.Hour)
	acct, err := store.SetPlan(ctx, &credits.PlanChangeRequest{
		UserID:     "user1",
		Plan:       credits.PlanPro,
		Balance:    1000,
		RenewalAt:  &renewal,
		BillingRef: "sub_123",
		PriceRef:   "price_pro",
		Reason:     credits.ReasonUpgrade,
	})
	if err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}
	if acct.Balance != 1000 || acct.Plan != credits.PlanPro {
		t.Errorf("Unexpected account after grant: %+v", acct)
	}

	// The ledger records the grant as a delta from the old balance
	entries, _ := store.ListEntries(ctx, "user1", credits.ListOptions{})
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].Kind != credits.KindPlanGrant || entries[0].Amount != 995 {
		t.Errorf("Unexpected grant entry: %+v", entries[0])
	}

	// Setting the same balance records no entry
	if _, err := store.SetPlan(ctx, &credits.PlanChangeRequest{
		UserID: "user1", Plan: credits.PlanPro, Balance: 1000, BillingRef: "sub_123",
	}); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}
	entries, _ = store.ListEntries(ctx, "user1", credits.ListOptions{})
	if len(entries) != 1 {
		t.Errorf("Zero-delta grant wrote an entry, got %d entries", len(entries))
	}
}

func TestStore_SetPlan_MissingAccountFreesEventID(t *testing.T) {
	store := New()
	ctx := context.Background()

	_, err := store.SetPlan(ctx, &credits.PlanChangeRequest{
		UserID:   "ghost",
		Plan:     credits.PlanPro,
		Balance:  1000,
		EventID:  "evt_1",
		EventTTL: time.Hour,
	})
	if !errors.Is(err, credits.ErrAccountNotFound) {
		t.Fatalf("Expected ErrAccountNotFound, got %v", err)
	}

	// After the account exists, the event id still works
	if err := store.CreateAccount(ctx, testAccount("ghost")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	_, err = store.SetPlan(ctx, &credits.PlanChangeRequest{
		UserID:   "ghost",
		Plan:     credits.PlanPro,
		Balance:  1000,
		EventID:  "evt_1",
		EventTTL: time.Hour,
	})
	if err != nil {
		t.Errorf("Expected event id to be reusable, got %v", err)
	}
}

func TestStore_FindAccountByBillingRef(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, testAccount("user1")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if _, err := store.SetPlan(ctx, &credits.PlanChangeRequest{
		UserID: "user1", Plan: credits.PlanPro, Balance: 1000, BillingRef: "sub_123",
	}); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}

	acct, err := store.FindAccountByBillingRef(ctx, "sub_123")
	if err != nil {
		t.Fatalf("FindAccountByBillingRef failed: %v", err)
	}
	if acct.UserID != "user1" {
		t.Errorf("Expected user1, got %s", acct.UserID)
	}

	if _, err := store.FindAccountByBillingRef(ctx, "sub_other"); !errors.Is(err, credits.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
	if _, err := store.FindAccountByBillingRef(ctx, ""); !errors.Is(err, credits.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound for empty ref, got %v", err)
	}
}

func TestStore_ListEntries_Order(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, testAccount("user1")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.ApplyDelta(ctx, &credits.DeltaRequest{
			UserID: "user1", Delta: -1, Kind: credits.KindDebit,
		}); err != nil {
			t.Fatalf("ApplyDelta failed: %v", err)
		}
	}

	entries, err := store.ListEntries(ctx, "user1", credits.ListOptions{Limit: 3})
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].ID < entries[i].ID {
			t.Errorf("Entries not newest first: %s before %s", entries[i-1].ID, entries[i].ID)
		}
	}
}

func TestStore_ListEntries_SameTimestampPaging(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, testAccount("user1")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	// Six entries sharing one timestamp: the ID cursor must still walk
	// every one of them across page boundaries
	now := time.Now().UTC()
	for i := 0; i < 6; i++ {
		store.appendEntry(&credits.LedgerEntry{
			ID:        credits.NewEntryID(now),
			UserID:    "user1",
			Kind:      credits.KindDebit,
			Amount:    -1,
			Reason:    credits.ReasonGeneration,
			CreatedAt: now,
		})
	}

	seen := map[string]bool{}
	cursor := ""
	for {
		entries, err := store.ListEntries(ctx, "user1", credits.ListOptions{Limit: 2, Before: cursor})
		if err != nil {
			t.Fatalf("ListEntries failed: %v", err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if seen[e.ID] {
				t.Errorf("Entry %s returned twice across pages", e.ID)
			}
			seen[e.ID] = true
		}
		cursor = entries[len(entries)-1].ID
	}
	if len(seen) != 6 {
		t.Errorf("Expected 6 entries across pages, got %d", len(seen))
	}
}

func TestStore_Clear(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreateAccount(ctx, testAccount("user1")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	store.Clear()

	if _, err := store.GetAccount(ctx, "user1"); !errors.Is(err, credits.ErrAccountNotFound) {
		t.Errorf("Expected cleared store, got %v", err)
	}
}
