package calls

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store useful for tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]Call)}
}

func (s *MemoryStore) Create(ctx context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.CallSid]; ok {
		return ErrAlreadyExists
	}
	c.Version = 1
	s.calls[c.CallSid] = clone(c)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, callSid string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callSid]
	if !ok {
		return Call{}, ErrNotFound
	}
	return clone(c), nil
}

func (s *MemoryStore) Update(ctx context.Context, c Call, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.calls[c.CallSid]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	c.Version = expectedVersion + 1
	s.calls[c.CallSid] = clone(c)
	return nil
}

func (s *MemoryStore) ListNonTerminal(ctx context.Context, campaignID string) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.CampaignID == campaignID && !c.Status.IsTerminal() {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// All returns every stored call; tests use it for invariant checks.
func (s *MemoryStore) All() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, clone(c))
	}
	return out
}

func clone(c Call) Call {
	c.Signals = slices.Clone(c.Signals)
	c.Corroborations = slices.Clone(c.Corroborations)
	if c.EndedAt != nil {
		t := *c.EndedAt
		c.EndedAt = &t
	}
	return c
}
