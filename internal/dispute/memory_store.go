package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/resolvhq/resolv/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	byOrder  map[string]string // orderID → open dispute ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byOrder:  make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if openID, ok := s.byOrder[d.OrderID]; ok {
		if prev := s.disputes[openID]; prev != nil && !prev.IsTerminal() {
			return ErrOpenDisputeExists
		}
	}
	cp := copyDispute(d)
	s.disputes[cp.ID] = cp
	s.byOrder[cp.OrderID] = cp.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(d), nil
}

// Update applies the whole aggregate if the caller's version matches the
// stored one, then increments it. The caller's copy gets the new version.
func (s *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != d.Version {
		return ErrConflict
	}
	d.Version++
	s.disputes[d.ID] = copyDispute(d)
	return nil
}

func (s *MemoryStore) ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Dispute
	for _, d := range s.disputes {
		if d.ClaimantID != partyID && d.RespondentID != partyID {
			continue
		}
		out = append(out, copyDispute(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if cursor != nil {
		filtered := out[:0]
		for _, d := range out {
			if d.CreatedAt.Before(cursor.CreatedAt) ||
				(d.CreatedAt.Equal(cursor.CreatedAt) && d.ID < cursor.ID) {
				filtered = append(filtered, d)
			}
		}
		out = filtered
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListDeadlineElapsed(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Dispute
	for _, d := range s.disputes {
		if d.IsTerminal() {
			continue
		}
		deadline := d.ActiveDeadline()
		if deadline == nil || !deadline.Before(before) {
			continue
		}
		out = append(out, copyDispute(d))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.EvidenceFiles = append([]string(nil), d.EvidenceFiles...)
	cp.ArbitrationPayments = append([]string(nil), d.ArbitrationPayments...)
	if cp.ArbitrationPayments == nil {
		cp.ArbitrationPayments = []string{}
	}
	cp.Messages = make([]Message, len(d.Messages))
	for i, m := range d.Messages {
		cp.Messages[i] = m
		cp.Messages[i].Attachments = append([]string(nil), m.Attachments...)
	}
	cp.ClaimantOffer = copyInt64(d.ClaimantOffer)
	cp.RespondentOffer = copyInt64(d.RespondentOffer)
	cp.ResponseDeadline = copyTime(d.ResponseDeadline)
	cp.NegotiationDeadline = copyTime(d.NegotiationDeadline)
	cp.RespondedAt = copyTime(d.RespondedAt)
	cp.ClosedAt = copyTime(d.ClosedAt)
	if d.Decision != nil {
		dec := *d.Decision
		cp.Decision = &dec
	}
	return &cp
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
