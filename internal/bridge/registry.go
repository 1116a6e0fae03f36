package bridge

import (
	"sort"
	"sync"
	"time"

	"outbound-engine/internal/calls"
	"outbound-engine/internal/clock"
)

// Entry is a snapshot of one bridged call.
type Entry struct {
	CallSid      string
	Telephony    Leg
	AI           Leg
	OpenedAt     time.Time
	LastActivity time.Time
}

type registryEntry struct {
	Entry
	owner any
}

// Registry maps callSid to the live legs of a bridged call.
// Whoever removes an entry owns its teardown.
type Registry struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]*registryEntry
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{clock: clk, entries: make(map[string]*registryEntry)}
}

func (r *Registry) Register(callSid string, tel, ai Leg, owner any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[callSid]; ok {
		return ErrAlreadyRegistered
	}
	now := r.clock.Now()
	r.entries[callSid] = &registryEntry{
		Entry: Entry{CallSid: callSid, Telephony: tel, AI: ai, OpenedAt: now, LastActivity: now},
		owner: owner,
	}
	return nil
}

func (r *Registry) Lookup(callSid string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callSid]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

func (r *Registry) owner(callSid string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callSid]
	if !ok {
		return nil, false
	}
	return e.owner, true
}

func (r *Registry) Has(callSid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[callSid]
	return ok
}

// Touch records activity on a call.
func (r *Registry) Touch(callSid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[callSid]; ok {
		e.LastActivity = r.clock.Now()
	}
}

// ClearLeg detaches one leg if it is still the expected one.
func (r *Registry) ClearLeg(callSid string, leg calls.Leg, expected Leg) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callSid]
	if !ok {
		return false
	}
	switch leg {
	case calls.LegAI:
		if e.AI == nil || e.AI != expected {
			return false
		}
		e.AI = nil
	case calls.LegTelephony:
		if e.Telephony == nil || e.Telephony != expected {
			return false
		}
		e.Telephony = nil
	default:
		return false
	}
	return true
}

// Remove deletes the entry only if it still belongs to owner.
func (r *Registry) Remove(callSid string, owner any) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callSid]
	if !ok || e.owner != owner {
		return Entry{}, false
	}
	delete(r.entries, callSid)
	return e.Entry, true
}

// Sweep removes and returns entries idle for longer than timeout.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for sid, e := range r.entries {
		if now.Sub(e.LastActivity) > timeout {
			out = append(out, e.Entry)
			delete(r.entries, sid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallSid < out[j].CallSid })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
