//go:build integration

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/resolvhq/resolv/internal/dispute"
	"github.com/resolvhq/resolv/internal/testutil"
)

func TestPostgresStore_SubscriptionLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	sub := &Subscription{
		ID:        "wh_pg1",
		PartyID:   "pty_client",
		URL:       "https://example.com/hooks/disputes",
		Secret:    "whsec_pg1",
		Events:    []EventType{EventType(dispute.EventOpened), EventType(dispute.EventDecided)},
		Active:    true,
		CreatedAt: now,
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != sub.URL || got.Secret != "whsec_pg1" {
		t.Errorf("Round-trip mismatch: %+v", got)
	}
	if len(got.Events) != 2 || got.Events[1] != EventType(dispute.EventDecided) {
		t.Errorf("Events: got %v", got.Events)
	}

	// Delivery bookkeeping survives the round-trip.
	lastSuccess := now.Add(time.Minute)
	got.LastSuccess = &lastSuccess
	got.LastError = "timeout"
	got.ConsecutiveFailures = 3
	got.Active = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	updated, _ := store.Get(ctx, "wh_pg1")
	if updated.Active || updated.ConsecutiveFailures != 3 || updated.LastError != "timeout" {
		t.Errorf("Delivery bookkeeping: got %+v", updated)
	}
	if updated.LastSuccess == nil || !updated.LastSuccess.Equal(lastSuccess) {
		t.Errorf("LastSuccess: got %v, want %v", updated.LastSuccess, lastSuccess)
	}

	if err := store.Delete(ctx, "wh_pg1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_pg1"); err == nil {
		t.Error("Expected error after delete")
	}
}

func TestPostgresStore_GetByPartyScoped(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	for i, partyID := range []string{"pty_client", "pty_client", "pty_pro"} {
		sub := &Subscription{
			ID:        "wh_pg2" + string(rune('a'+i)),
			PartyID:   partyID,
			URL:       "https://example.com/hooks",
			Secret:    "whsec",
			Events:    []EventType{EventType(dispute.EventOpened)},
			Active:    true,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Create(ctx, sub); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	subs, err := store.GetByParty(ctx, "pty_client")
	if err != nil {
		t.Fatalf("GetByParty failed: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("Expected 2 subscriptions for pty_client, got %d", len(subs))
	}
	// Newest first.
	if subs[0].ID != "wh_pg2b" || subs[1].ID != "wh_pg2a" {
		t.Errorf("Order: got %s, %s", subs[0].ID, subs[1].ID)
	}
}
