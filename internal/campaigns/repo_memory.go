package campaigns

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store useful for tests and local runs.
// It is not intended for production use.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
	contacts  map[string]Contact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: make(map[string]Campaign),
		contacts:  make(map[string]Contact),
	}
}

func (s *MemoryStore) CreateCampaign(ctx context.Context, c Campaign) error {
	if err := c.Settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[c.ID]; exists {
		return fmt.Errorf("%w: campaign %s already exists", ErrConflict, c.ID)
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	c.FromNumbers = slices.Clone(c.FromNumbers)
	s.campaigns[c.ID] = c
	return nil
}

func (s *MemoryStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListCampaignsByStatus(ctx context.Context, status Status) ([]Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Campaign
	for _, c := range s.campaigns {
		if c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) TransitionCampaign(ctx context.Context, id string, from []Status, to Status, lastError string, now time.Time) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	if !containsStatus(from, c.Status) {
		return c, &InvalidStateError{CampaignID: id, Op: "transition to " + string(to), Status: c.Status}
	}
	applyTransition(&c, to, lastError, now)
	s.campaigns[id] = c
	return c, nil
}

func (s *MemoryStore) AddStats(ctx context.Context, id string, delta Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Stats.Placed += delta.Placed
	c.Stats.Completed += delta.Completed
	c.Stats.Failed += delta.Failed
	s.campaigns[id] = c
	return nil
}

func (s *MemoryStore) InsertContacts(ctx context.Context, contacts []Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contacts {
		if _, ok := s.campaigns[c.CampaignID]; !ok {
			return ErrNotFound
		}
	}
	for _, c := range contacts {
		s.contacts[c.ID] = c
	}
	return nil
}

func (s *MemoryStore) GetContact(ctx context.Context, id string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) CountContacts(ctx context.Context, campaignID string) (ContactCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out ContactCounts
	for _, c := range s.contacts {
		if c.CampaignID != campaignID {
			continue
		}
		switch c.Status {
		case ContactPending:
			out.Pending++
		case ContactCalling:
			out.Calling++
		case ContactCompleted:
			out.Completed++
		case ContactFailed:
			out.Failed++
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPlaceable(ctx context.Context, campaignID string, now time.Time, limit int) ([]Contact, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Contact
	for _, c := range s.contacts {
		if c.CampaignID != campaignID || c.Status != ContactPending {
			continue
		}
		if c.NextAttemptAt != nil && c.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].CallCount > 0, out[j].CallCount > 0
		if ri != rj {
			return ri
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListCalling(ctx context.Context, campaignID string) ([]Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Contact
	for _, c := range s.contacts {
		if c.CampaignID == campaignID && c.Status == ContactCalling {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateContact(ctx context.Context, next Contact, expectedStatus ContactStatus, expectedCallSid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.contacts[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expectedStatus || cur.ActiveCallSid != expectedCallSid {
		return ErrConflict
	}
	next.CampaignID = cur.CampaignID
	next.PhoneNumber = cur.PhoneNumber
	next.CreatedAt = cur.CreatedAt
	s.contacts[next.ID] = next
	return nil
}

// Contacts returns every contact of a campaign; tests use it for invariant checks.
func (s *MemoryStore) Contacts(campaignID string) []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Contact
	for _, c := range s.contacts {
		if c.CampaignID == campaignID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
