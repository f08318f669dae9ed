package settlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory outbox for tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Instruction
	byDispute map[string]string
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Instruction),
		byDispute: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, ins *Instruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byDispute[ins.DisputeID]; ok {
		return nil // already enqueued for this dispute
	}
	cp := *ins
	s.byID[cp.ID] = &cp
	s.byDispute[cp.DisputeID] = cp.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Instruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ins, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ins
	return &cp, nil
}

func (s *MemoryStore) GetByDispute(ctx context.Context, disputeID string) (*Instruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDispute[disputeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Instruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instruction
	for _, ins := range s.byID {
		if ins.Status != StatusPending || ins.NextAttemptAt.After(now) {
			continue
		}
		cp := *ins
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, ins *Instruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[ins.ID]; !ok {
		return ErrNotFound
	}
	cp := *ins
	s.byID[cp.ID] = &cp
	return nil
}
