package settlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/resolvhq/resolv/internal/dispute"
)

func testSettlement() dispute.Settlement {
	return dispute.Settlement{
		DisputeID:         "dsp_abc",
		OrderID:           "ord_1",
		SplitToClaimant:   30000,
		SplitToRespondent: 20000,
		Currency:          "GBP",
	}
}

func TestEmitSettlement_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	outbox := NewOutbox(store)
	ctx := context.Background()

	if err := outbox.EmitSettlement(ctx, testSettlement()); err != nil {
		t.Fatalf("EmitSettlement failed: %v", err)
	}
	// Emitting again for the same dispute must not enqueue a second row.
	if err := outbox.EmitSettlement(ctx, testSettlement()); err != nil {
		t.Fatalf("second EmitSettlement failed: %v", err)
	}

	due, err := store.ListDue(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due instruction, got %d", len(due))
	}
	if due[0].SplitToClaimant != 30000 || due[0].SplitToRespondent != 20000 {
		t.Errorf("unexpected split: %d/%d", due[0].SplitToClaimant, due[0].SplitToRespondent)
	}
}

func TestDispatcher_DeliversWithIdempotencyKeyAndSignature(t *testing.T) {
	var (
		mu            sync.Mutex
		gotKey        string
		gotSig        string
		gotBody       []byte
		deliveryCount int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		deliveryCount++
		gotKey = r.Header.Get("Idempotency-Key")
		gotSig = r.Header.Get("X-Resolv-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	outbox := NewOutbox(store)
	ctx := context.Background()
	if err := outbox.EmitSettlement(ctx, testSettlement()); err != nil {
		t.Fatalf("EmitSettlement failed: %v", err)
	}

	d := NewDispatcher(store, srv.URL, "topsecret", slog.Default())
	ins, _ := store.GetByDispute(ctx, "dsp_abc")
	if err := d.Deliver(ctx, ins); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if deliveryCount != 1 {
		t.Fatalf("expected 1 delivery, got %d", deliveryCount)
	}
	if gotKey != "dsp_abc" {
		t.Errorf("expected idempotency key dsp_abc, got %s", gotKey)
	}
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Errorf("signature mismatch: got %s want %s", gotSig, want)
	}

	stored, err := store.GetByDispute(ctx, "dsp_abc")
	if err != nil {
		t.Fatalf("GetByDispute failed: %v", err)
	}
	if stored.Status != StatusDelivered {
		t.Errorf("expected status delivered, got %s", stored.Status)
	}
	if stored.DeliveredAt == nil {
		t.Error("expected deliveredAt to be set")
	}
}

func TestDispatcher_FailureReschedulesWithBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	outbox := NewOutbox(store)
	ctx := context.Background()
	if err := outbox.EmitSettlement(ctx, testSettlement()); err != nil {
		t.Fatalf("EmitSettlement failed: %v", err)
	}

	d := NewDispatcher(store, srv.URL, "", slog.Default())
	ins, _ := store.GetByDispute(ctx, "dsp_abc")
	if err := d.Deliver(ctx, ins); err == nil {
		t.Fatal("expected delivery error for 502 response")
	}

	stored, _ := store.GetByDispute(ctx, "dsp_abc")
	if stored.Status != StatusPending {
		t.Errorf("expected status pending after failure, got %s", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", stored.Attempts)
	}
	if !stored.NextAttemptAt.After(time.Now()) {
		t.Error("expected next attempt to be rescheduled into the future")
	}
	if stored.LastError == "" {
		t.Error("expected lastError to be recorded")
	}
}

func TestDispatcher_ExhaustedAttemptsParkAsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	outbox := NewOutbox(store)
	ctx := context.Background()
	if err := outbox.EmitSettlement(ctx, testSettlement()); err != nil {
		t.Fatalf("EmitSettlement failed: %v", err)
	}

	d := NewDispatcher(store, srv.URL, "", slog.Default())
	ins, _ := store.GetByDispute(ctx, "dsp_abc")
	ins.Attempts = MaxAttempts - 1
	if err := store.Update(ctx, ins); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if err := d.Deliver(ctx, ins); err == nil {
		t.Fatal("expected delivery error")
	}

	stored, _ := store.GetByDispute(ctx, "dsp_abc")
	if stored.Status != StatusFailed {
		t.Errorf("expected status failed after exhausting attempts, got %s", stored.Status)
	}
}

func TestBackoff_DoublesUpToCeiling(t *testing.T) {
	if got := backoff(1); got != 30*time.Second {
		t.Errorf("attempt 1: got %v", got)
	}
	if got := backoff(2); got != time.Minute {
		t.Errorf("attempt 2: got %v", got)
	}
	if got := backoff(20); got != 30*time.Minute {
		t.Errorf("attempt 20: expected 30m ceiling, got %v", got)
	}
}
