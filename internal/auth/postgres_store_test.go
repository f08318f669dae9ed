//go:build integration

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/resolvhq/resolv/internal/testutil"
)

func TestPostgresStore_PartyAndKeyLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	party := &Party{ID: "pty_pg1", Name: "Ada", Role: "client", CreatedAt: now}
	if err := store.CreateParty(ctx, party); err != nil {
		t.Fatalf("CreateParty failed: %v", err)
	}

	got, err := store.GetParty(ctx, "pty_pg1")
	if err != nil {
		t.Fatalf("GetParty failed: %v", err)
	}
	if got.Name != "Ada" || got.Role != "client" {
		t.Errorf("Party round-trip mismatch: %+v", got)
	}
	if _, err := store.GetParty(ctx, "pty_missing"); err != ErrPartyNotFound {
		t.Errorf("Expected ErrPartyNotFound, got %v", err)
	}

	key := &APIKey{
		ID:        "key_pg1",
		Hash:      "hash_pg1",
		PartyID:   "pty_pg1",
		Name:      "default",
		CreatedAt: now,
	}
	if err := store.CreateKey(ctx, key); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	found, err := store.GetKeyByHash(ctx, "hash_pg1")
	if err != nil {
		t.Fatalf("GetKeyByHash failed: %v", err)
	}
	if found.PartyID != "pty_pg1" {
		t.Errorf("PartyID: got %s, want pty_pg1", found.PartyID)
	}

	keys, err := store.GetKeysByParty(ctx, "pty_pg1")
	if err != nil {
		t.Fatalf("GetKeysByParty failed: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != "key_pg1" {
		t.Errorf("Expected the issued key, got %+v", keys)
	}
}

func TestPostgresStore_KeyLookupExcludesRevokedAndExpired(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	party := &Party{ID: "pty_pg2", Name: "Grace", Role: "professional", CreatedAt: now}
	if err := store.CreateParty(ctx, party); err != nil {
		t.Fatalf("CreateParty failed: %v", err)
	}

	// Revocation takes effect at lookup, not at write.
	active := &APIKey{ID: "key_pg2a", Hash: "hash_pg2a", PartyID: "pty_pg2", CreatedAt: now}
	if err := store.CreateKey(ctx, active); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	active.Revoked = true
	if err := store.UpdateKey(ctx, active); err != nil {
		t.Fatalf("UpdateKey failed: %v", err)
	}
	if _, err := store.GetKeyByHash(ctx, "hash_pg2a"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound for revoked key, got %v", err)
	}

	expiry := now.Add(-time.Hour)
	expired := &APIKey{ID: "key_pg2b", Hash: "hash_pg2b", PartyID: "pty_pg2", CreatedAt: now, ExpiresAt: &expiry}
	if err := store.CreateKey(ctx, expired); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if _, err := store.GetKeyByHash(ctx, "hash_pg2b"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound for expired key, got %v", err)
	}

	// Revoked and expired keys still show up in the party's own listing.
	keys, err := store.GetKeysByParty(ctx, "pty_pg2")
	if err != nil {
		t.Fatalf("GetKeysByParty failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected both keys in the listing, got %d", len(keys))
	}
}
