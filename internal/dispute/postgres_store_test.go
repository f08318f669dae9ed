//go:build integration

package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/resolvhq/resolv/internal/pagination"
	"github.com/resolvhq/resolv/internal/testutil"
)

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	deadline := now.Add(5 * 24 * time.Hour)
	offer := int64(4000)

	d := storeDispute("dsp_pg1", "ord_pg1", now)
	d.Requirements = "rewire the kitchen to the agreed plan"
	d.UnmetRequirements = "sockets left unearthed"
	d.EvidenceFiles = []string{"file://report.pdf"}
	d.RespondentOffer = &offer
	d.ResponseDeadline = &deadline
	d.Messages = []Message{{
		ID:        "msg_pg1",
		AuthorID:  "pty_client",
		Body:      "opening statement",
		CreatedAt: now,
	}}
	d.ArbitrationPayments = []string{"pty_client"}

	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "dsp_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.OrderID != "ord_pg1" || got.ClaimantID != "pty_client" || got.RespondentID != "pty_pro" {
		t.Errorf("Parties round-trip mismatch: %+v", got)
	}
	if got.Status != StatusAwaitingResponse {
		t.Errorf("Status: got %s, want %s", got.Status, StatusAwaitingResponse)
	}
	if got.AmountInDispute != 5000 || got.Currency != "GBP" {
		t.Errorf("Amount: got %d %s", got.AmountInDispute, got.Currency)
	}
	if got.RespondentOffer == nil || *got.RespondentOffer != 4000 {
		t.Errorf("RespondentOffer: got %v, want 4000", got.RespondentOffer)
	}
	if got.ClaimantOffer != nil {
		t.Errorf("ClaimantOffer should be nil, got %v", got.ClaimantOffer)
	}
	if got.ResponseDeadline == nil || !got.ResponseDeadline.Equal(deadline) {
		t.Errorf("ResponseDeadline: got %v, want %v", got.ResponseDeadline, deadline)
	}
	if len(got.EvidenceFiles) != 1 || got.EvidenceFiles[0] != "file://report.pdf" {
		t.Errorf("EvidenceFiles: got %v", got.EvidenceFiles)
	}
	if len(got.Messages) != 1 || got.Messages[0].Body != "opening statement" {
		t.Errorf("Messages: got %+v", got.Messages)
	}
	if len(got.ArbitrationPayments) != 1 || got.ArbitrationPayments[0] != "pty_client" {
		t.Errorf("ArbitrationPayments: got %v", got.ArbitrationPayments)
	}
	if got.Version != 1 {
		t.Errorf("Version: got %d, want 1", got.Version)
	}

	if _, err := store.Get(ctx, "dsp_missing"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for missing dispute, got %v", err)
	}
}

func TestPostgresStore_UpdateVersionConflict(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	d := storeDispute("dsp_pg2", "ord_pg2", time.Now().Truncate(time.Microsecond))
	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Two readers load the same version.
	a, err := store.Get(ctx, "dsp_pg2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	b, err := store.Get(ctx, "dsp_pg2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	a.Status = StatusNegotiation
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("First update failed: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("Winner's version: got %d, want 2", a.Version)
	}

	// The stale writer loses.
	b.Status = StatusClosed
	if err := store.Update(ctx, b); err != ErrConflict {
		t.Errorf("Expected ErrConflict for stale writer, got %v", err)
	}

	got, _ := store.Get(ctx, "dsp_pg2")
	if got.Status != StatusNegotiation {
		t.Errorf("Winner's write should stand: got %s", got.Status)
	}

	// Updates to a dispute that never existed surface as not found.
	ghost := storeDispute("dsp_ghost", "ord_ghost", time.Now())
	if err := store.Update(ctx, ghost); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for unknown dispute, got %v", err)
	}
}

func TestPostgresStore_OneOpenDisputePerOrder(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	if err := store.Create(ctx, storeDispute("dsp_pg3a", "ord_pg3", now)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A second open dispute against the same order hits the partial
	// unique index.
	err := store.Create(ctx, storeDispute("dsp_pg3b", "ord_pg3", now))
	if err != ErrOpenDisputeExists {
		t.Fatalf("Expected ErrOpenDisputeExists, got %v", err)
	}

	// Closing the first frees the order for a fresh dispute.
	d, _ := store.Get(ctx, "dsp_pg3a")
	d.Status = StatusClosed
	closedAt := now
	d.ClosedAt = &closedAt
	if err := store.Update(ctx, d); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Create(ctx, storeDispute("dsp_pg3b", "ord_pg3", now)); err != nil {
		t.Errorf("Closed dispute must not block a new one: %v", err)
	}
}

func TestPostgresStore_MessageAppendIdempotent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	d := storeDispute("dsp_pg4", "ord_pg4", now)
	d.Messages = []Message{{ID: "msg_a", AuthorID: "pty_client", Body: "first", CreatedAt: now}}
	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Update carries the whole aggregate, including messages the store has
	// already seen. Writing twice must not duplicate them.
	for i := 0; i < 2; i++ {
		cur, err := store.Get(ctx, "dsp_pg4")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		cur.Messages = append(cur.Messages, Message{
			ID: "msg_b", AuthorID: "pty_pro", Body: "second", CreatedAt: now.Add(time.Minute),
		})
		if err := store.Update(ctx, cur); err != nil {
			t.Fatalf("Update %d failed: %v", i, err)
		}
	}

	got, _ := store.Get(ctx, "dsp_pg4")
	if len(got.Messages) != 2 {
		t.Fatalf("Expected 2 messages after redundant writes, got %d", len(got.Messages))
	}
	if got.Messages[0].ID != "msg_a" || got.Messages[1].ID != "msg_b" {
		t.Errorf("Message order: got %s, %s", got.Messages[0].ID, got.Messages[1].ID)
	}
}

func TestPostgresStore_ListDeadlineElapsed(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	overdue := storeDispute("dsp_pg5a", "ord_pg5a", now.Add(-2*time.Hour))
	overdue.ResponseDeadline = &past
	if err := store.Create(ctx, overdue); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stalled := storeDispute("dsp_pg5b", "ord_pg5b", now.Add(-time.Hour))
	stalled.Status = StatusNegotiation
	stalled.NegotiationDeadline = &past
	if err := store.Create(ctx, stalled); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	onTime := storeDispute("dsp_pg5c", "ord_pg5c", now)
	onTime.ResponseDeadline = &future
	if err := store.Create(ctx, onTime); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	elapsed, err := store.ListDeadlineElapsed(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDeadlineElapsed failed: %v", err)
	}
	if len(elapsed) != 2 {
		t.Fatalf("Expected 2 overdue disputes, got %d", len(elapsed))
	}
	// Oldest first, so the sweep drains backlog in order.
	if elapsed[0].ID != "dsp_pg5a" || elapsed[1].ID != "dsp_pg5b" {
		t.Errorf("Order: got %s, %s", elapsed[0].ID, elapsed[1].ID)
	}
}

func TestPostgresStore_ListByPartyCursor(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().Truncate(time.Microsecond).Add(-time.Hour)

	ids := []string{"dsp_pg6a", "dsp_pg6b", "dsp_pg6c"}
	for i, id := range ids {
		d := storeDispute(id, "ord_"+id, base.Add(time.Duration(i)*time.Minute))
		if err := store.Create(ctx, d); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	// Newest first.
	page, err := store.ListByParty(ctx, "pty_client", nil, 2)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "dsp_pg6c" || page[1].ID != "dsp_pg6b" {
		t.Fatalf("First page: got %+v", disputeIDs(page))
	}

	// The cursor resumes strictly after the last row.
	last := page[len(page)-1]
	rest, err := store.ListByParty(ctx, "pty_client",
		&pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, 2)
	if err != nil {
		t.Fatalf("ListByParty with cursor failed: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "dsp_pg6a" {
		t.Errorf("Second page: got %+v", disputeIDs(rest))
	}

	none, err := store.ListByParty(ctx, "pty_stranger", nil, 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Stranger should see no disputes, got %d", len(none))
	}
}

func disputeIDs(ds []*Dispute) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
