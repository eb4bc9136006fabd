package escrow

import (
	"context"
	"sync"
	"time"
)

// MemStore is the in-memory Store used by tests and local development
// (STORE=memory). Safe for concurrent use.
type MemStore struct {
	mu         sync.Mutex
	txs        map[string]*Transaction
	milestones map[string][]Milestone
	disputes   map[string]*DisputeCase
}

func NewMemStore() *MemStore {
	return &MemStore{
		txs:        make(map[string]*Transaction),
		milestones: make(map[string][]Milestone),
		disputes:   make(map[string]*DisputeCase),
	}
}

func (s *MemStore) CreateTransaction(_ context.Context, t *Transaction, plan []Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.txs[t.ID] = &cp
	ms := make([]Milestone, len(plan))
	for i, m := range plan {
		m.TransactionID = t.ID
		m.State = MilestonePending
		ms[i] = m
	}
	s.milestones[t.ID] = ms
	return nil
}

func (s *MemStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) GetMilestones(_ context.Context, txID string) ([]Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.milestones[txID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Milestone, len(ms))
	copy(out, ms)
	return out, nil
}

func (s *MemStore) UpdateTransactionCAS(_ context.Context, t *Transaction, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.txs[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	cp := *t
	cp.Version = expectedVersion + 1
	s.txs[t.ID] = &cp
	t.Version = cp.Version
	return nil
}

func (s *MemStore) MarkMilestoneReleased(_ context.Context, txID string, phase int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.milestones[txID]
	if !ok {
		return false, ErrNotFound
	}
	for i := range ms {
		if ms[i].Phase != phase {
			continue
		}
		if ms[i].State == MilestoneReleased {
			return false, nil
		}
		ms[i].State = MilestoneReleased
		released := at
		ms[i].ReleasedAt = &released
		return true, nil
	}
	return false, ErrNotFound
}

func (s *MemStore) CreateDispute(_ context.Context, d *DisputeCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *MemStore) GetDispute(_ context.Context, id string) (*DisputeCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemStore) HasOpenDispute(_ context.Context, txID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.disputes {
		if d.TransactionID == txID && d.Status == "open" {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) ResolveDispute(_ context.Context, id, resolution string, at time.Time) (*DisputeCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disputes[id]
	if !ok || d.Status != "open" {
		return nil, ErrNotFound
	}
	d.Status = "resolved"
	d.Resolution = resolution
	resolved := at
	d.ResolvedAt = &resolved
	cp := *d
	return &cp, nil
}
