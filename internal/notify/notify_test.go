package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/resolvhq/resolv/internal/dispute"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

// newTestDispatcher creates a dispatcher that skips SSRF checks for localhost test servers.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store)
	d.urlValidator = noopValidator
	return d
}

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		PartyID:   "pty_one",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventType(dispute.EventOpened)},
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	sub.Active = false
	store.Update(ctx, sub)
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	store.Delete(ctx, "wh_test1")
	if _, err = store.Get(ctx, "wh_test1"); err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStore_GetByParty(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", PartyID: "pty_a", Events: []EventType{EventType(dispute.EventOpened)}})
	store.Create(ctx, &Subscription{ID: "wh2", PartyID: "pty_b", Events: []EventType{EventType(dispute.EventOpened)}})
	store.Create(ctx, &Subscription{ID: "wh3", PartyID: "pty_a", Events: []EventType{EventType(dispute.EventDecided)}})

	subs, _ := store.GetByParty(ctx, "pty_a")
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for pty_a, got %d", len(subs))
	}
}

// ---------------------------------------------------------------------------
// Dispatcher tests
// ---------------------------------------------------------------------------

func TestDispatchToParty_DeliversSignedEvent(t *testing.T) {
	var (
		mu       sync.Mutex
		received []byte
		sig      string
		evHeader string
		done     = make(chan struct{})
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received, _ = io.ReadAll(r.Body)
		sig = r.Header.Get("X-Resolv-Signature")
		evHeader = r.Header.Get("X-Resolv-Event")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "wh1",
		PartyID: "pty_claimant",
		URL:     srv.URL,
		Secret:  "whsecret",
		Events:  []EventType{EventType(dispute.EventDecided)},
		Active:  true,
	})

	d := newTestDispatcher(store)
	err := d.DispatchToParty(ctx, "pty_claimant", &Event{
		ID:        "evt_1",
		Type:      EventType(dispute.EventDecided),
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"disputeId": "dsp_1"},
	})
	if err != nil {
		t.Fatalf("DispatchToParty failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if evHeader != dispute.EventDecided {
		t.Errorf("Expected event header %s, got %s", dispute.EventDecided, evHeader)
	}
	var ev Event
	if err := json.Unmarshal(received, &ev); err != nil {
		t.Fatalf("Invalid payload: %v", err)
	}
	if ev.Data["disputeId"] != "dsp_1" {
		t.Errorf("Expected disputeId in payload")
	}
	mac := hmac.New(sha256.New, []byte("whsecret"))
	mac.Write(received)
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("signature mismatch")
	}
}

func TestDispatchToParty_SkipsInactiveAndUnsubscribed(t *testing.T) {
	var delivered int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID: "wh_inactive", PartyID: "pty_a", URL: srv.URL,
		Events: []EventType{EventType(dispute.EventOpened)}, Active: false,
	})
	store.Create(ctx, &Subscription{
		ID: "wh_other_event", PartyID: "pty_a", URL: srv.URL,
		Events: []EventType{EventType(dispute.EventDecided)}, Active: true,
	})

	d := newTestDispatcher(store)
	d.DispatchToParty(ctx, "pty_a", &Event{
		ID: "evt_1", Type: EventType(dispute.EventOpened), Timestamp: time.Now(),
	})

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Errorf("Expected 0 deliveries, got %d", delivered)
	}
}

func TestDispatcher_DisablesAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	sub := &Subscription{
		ID: "wh1", PartyID: "pty_a", URL: srv.URL,
		Events: []EventType{EventType(dispute.EventOpened)}, Active: true,
		ConsecutiveFailures: disableAfterFailures - 1,
	}
	store.Create(ctx, sub)

	d := newTestDispatcher(store)
	d.send(ctx, sub, &Event{ID: "evt_1", Type: EventType(dispute.EventOpened), Timestamp: time.Now()})

	got, _ := store.Get(ctx, "wh1")
	if got.Active {
		t.Error("Expected subscription disabled after failure budget exhausted")
	}
}

// ---------------------------------------------------------------------------
// Emitter tests
// ---------------------------------------------------------------------------

func TestEmitter_NotifiesBothParties(t *testing.T) {
	var mu sync.Mutex
	hits := make(map[string]int)
	wg := sync.WaitGroup{}
	wg.Add(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		wg.Done()
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID: "wh_c", PartyID: "pty_claimant", URL: srv.URL + "/claimant",
		Events: []EventType{EventType(dispute.EventEscalated)}, Active: true,
	})
	store.Create(ctx, &Subscription{
		ID: "wh_r", PartyID: "pty_respondent", URL: srv.URL + "/respondent",
		Events: []EventType{EventType(dispute.EventEscalated)}, Active: true,
	})

	e := NewEmitter(newTestDispatcher(store), slog.Default())
	e.EmitDisputeEvent(dispute.EventEscalated, &dispute.Dispute{
		ID:           "dsp_1",
		OrderID:      "ord_1",
		ClaimantID:   "pty_claimant",
		RespondentID: "pty_respondent",
		Status:       dispute.StatusArbitration,
	})

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected both parties to be notified")
	}

	mu.Lock()
	defer mu.Unlock()
	if hits["/claimant"] != 1 || hits["/respondent"] != 1 {
		t.Errorf("Expected one hit per party, got %v", hits)
	}
}
