package calls

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"outbound-engine/internal/clock"
)

var (
	ErrNotFound      = errors.New("calls: not found")
	ErrAlreadyExists = errors.New("calls: already exists")
	ErrConflict      = errors.New("calls: concurrent update")
	ErrInvalidEvent  = errors.New("calls: invalid event")
	// ErrUnknownCall is returned for events about a call the engine never placed
	// and that carry no correlation hints to create it from.
	ErrUnknownCall = errors.New("calls: unknown call")
	// ErrSuperseded means the event was out of order or arrived after the call
	// was final, and carried nothing else worth recording.
	ErrSuperseded = errors.New("calls: event superseded")
	// ErrNotAuthoritative means the event tried to write a field its source does not own.
	ErrNotAuthoritative = errors.New("calls: source not authoritative for field")
)

// Store is the persistence contract for calls. Update is a compare-and-swap on Version.
type Store interface {
	Create(ctx context.Context, c Call) error
	Get(ctx context.Context, callSid string) (Call, error)
	Update(ctx context.Context, c Call, expectedVersion int64) error
	ListNonTerminal(ctx context.Context, campaignID string) ([]Call, error)
}

// Result describes what Apply did.
type Result struct {
	Call Call
	// Finalized is true only for the event that moved the call into a terminal status.
	Finalized bool
	// Supplemented is true when a call that was already terminal gained supplementary fields.
	Supplemented bool
}

const casAttempts = 5

// Machine applies normalized events to persisted calls.
type Machine struct {
	store Store
	clock clock.Clock
}

func NewMachine(store Store, clk clock.Clock) *Machine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Machine{store: store, clock: clk}
}

// Register records a freshly placed call. A webhook may have created it already.
func (m *Machine) Register(ctx context.Context, callSid, campaignID, contactID string) (Call, error) {
	if callSid == "" {
		return Call{}, fmt.Errorf("%w: call_sid required", ErrInvalidEvent)
	}
	now := m.clock.Now().UTC()
	c := Call{
		CallSid:    callSid,
		CampaignID: campaignID,
		ContactID:  contactID,
		Status:     StatusInitiated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.Create(ctx, c); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return m.store.Get(ctx, callSid)
		}
		return Call{}, err
	}
	c.Version = 1
	return c, nil
}

func (m *Machine) Get(ctx context.Context, callSid string) (Call, error) {
	return m.store.Get(ctx, callSid)
}

// ListNonTerminal returns the campaign's calls that have not ended yet.
func (m *Machine) ListNonTerminal(ctx context.Context, campaignID string) ([]Call, error) {
	return m.store.ListNonTerminal(ctx, campaignID)
}

// Apply validates and applies one event.
func (m *Machine) Apply(ctx context.Context, ev Event) (Result, error) {
	meta := ev.Meta()
	if meta.CallSid == "" {
		return Result{}, fmt.Errorf("%w: call_sid required", ErrInvalidEvent)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := m.load(ctx, meta)
		if err != nil {
			return Result{}, err
		}

		now := m.clock.Now().UTC()
		next, out, err := transition(cur, ev, now)
		if err != nil {
			return Result{Call: cur}, err
		}
		if !out.changed {
			if out.superseded {
				return Result{Call: cur}, ErrSuperseded
			}
			return Result{Call: cur}, nil
		}

		next.UpdatedAt = now
		if err := m.store.Update(ctx, next, cur.Version); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return Result{Call: cur}, err
		}
		next.Version = cur.Version + 1
		return Result{
			Call:         next,
			Finalized:    out.finalized,
			Supplemented: cur.Status.IsTerminal(),
		}, nil
	}
	return Result{}, ErrConflict
}

// Annotate stores a termination label when it outranks the one already recorded.
// A heuristic label may replace another heuristic label: both are derived
// from the same evidence, which only grows.
func (m *Machine) Annotate(ctx context.Context, callSid string, label Termination) (Call, bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := m.store.Get(ctx, callSid)
		if err != nil {
			return Call{}, false, err
		}
		if !outranks(label, cur.Termination) {
			return cur, false, nil
		}
		next := cur
		next.Termination = label
		next.UpdatedAt = m.clock.Now().UTC()
		if err := m.store.Update(ctx, next, cur.Version); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return cur, false, err
		}
		next.Version = cur.Version + 1
		return next, true, nil
	}
	return Call{}, false, ErrConflict
}

func outranks(next, cur Termination) bool {
	if next.Precedence != cur.Precedence {
		return next.Precedence > cur.Precedence
	}
	return next.Precedence == PrecedenceHeuristic && next != cur
}

func (m *Machine) load(ctx context.Context, meta Envelope) (Call, error) {
	cur, err := m.store.Get(ctx, meta.CallSid)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Call{}, err
	}
	if meta.CampaignID == "" || meta.ContactID == "" {
		return Call{}, ErrUnknownCall
	}
	return m.Register(ctx, meta.CallSid, meta.CampaignID, meta.ContactID)
}

type outcome struct {
	changed    bool
	finalized  bool
	superseded bool
}

// transition is the pure state function. It never mutates cur's slices.
func transition(cur Call, ev Event, now time.Time) (Call, outcome, error) {
	next := cur
	var out outcome
	meta := ev.Meta()
	at := meta.OccurredAt
	if at.IsZero() {
		at = now
	}

	addSignal := func(s Signal) {
		s.At = at
		next.Signals = append(slices.Clone(next.Signals), s)
		out.changed = true
	}
	setDuration := func(d int) {
		if d > 0 && next.DurationSeconds == 0 {
			next.DurationSeconds = d
			out.changed = true
		}
	}

	switch e := ev.(type) {
	case StatusChanged:
		if !e.Status.Valid() {
			return cur, out, fmt.Errorf("%w: status %q", ErrInvalidEvent, e.Status)
		}
		if e.AnsweredBy != "" && e.Source == SourceTelephony && next.AnsweredBy == "" {
			next.AnsweredBy = e.AnsweredBy
			out.changed = true
		}
		if e.DurationSeconds != nil {
			setDuration(*e.DurationSeconds)
		}
		applyStatus(&next, &out, e.Status, e.Source, at)

	case MachineDetected:
		if e.Source != SourceTelephony {
			return cur, out, ErrNotAuthoritative
		}
		if e.AnsweredBy != "" && e.AnsweredBy != next.AnsweredBy {
			next.AnsweredBy = e.AnsweredBy
			out.changed = true
		}

	case ConversationStarted:
		if e.Source != SourceAI {
			return cur, out, ErrNotAuthoritative
		}
		if e.ConversationID != "" && next.ConversationID == "" {
			next.ConversationID = e.ConversationID
			out.changed = true
		}
		if !next.Status.IsTerminal() && next.Status.rank() < StatusInProgress.rank() {
			applyStatus(&next, &out, StatusInProgress, e.Source, at)
		}

	case ConversationEnded:
		if e.Source != SourceAI {
			return cur, out, ErrNotAuthoritative
		}
		if e.ConversationID != "" && next.ConversationID == "" {
			next.ConversationID = e.ConversationID
			out.changed = true
		}
		if e.TranscriptPresent && !next.TranscriptPresent {
			next.TranscriptPresent = true
			out.changed = true
		}
		setDuration(e.DurationSeconds)
		if e.Reason != "" && !hasSignal(next.Signals, SignalAI, e.Reason) {
			addSignal(Signal{Kind: SignalAI, Source: SourceAI, Reason: e.Reason})
		}
		final := StatusCompleted
		if e.Failed {
			final = StatusFailed
		}
		applyStatus(&next, &out, final, e.Source, at)

	case StreamEnded:
		if e.Leg == LegTelephony && e.Source == SourceTelephony && !e.TransportError {
			// The carrier's own stop is not final: its status callback brings
			// the duration and answers for the call.
			break
		}
		switch {
		case e.TransportError:
			addSignal(Signal{Kind: SignalApplication, Source: e.Source, By: "system", Reason: orDefault(e.Reason, "bridge_transport_error")})
		case e.Leg == LegAI:
			addSignal(Signal{Kind: SignalAI, Source: SourceAI, By: "agent_disconnect", Reason: orDefault(e.Reason, "ai_leg_closed")})
		case e.Source == SourceSystem:
			addSignal(Signal{Kind: SignalApplication, Source: SourceSystem, By: "system", Reason: orDefault(e.Reason, "inactivity_timeout")})
		}
		final := StatusCompleted
		if e.TransportError {
			final = StatusFailed
		}
		applyStatus(&next, &out, final, e.Source, at)

	case TerminationSignaled:
		if e.Reason == "" {
			return cur, out, fmt.Errorf("%w: termination reason required", ErrInvalidEvent)
		}
		if !hasSignal(next.Signals, SignalApplication, e.Reason) {
			addSignal(Signal{Kind: SignalApplication, Source: e.Source, By: orDefault(e.By, "system"), Reason: e.Reason})
		}

	default:
		return cur, out, fmt.Errorf("%w: unsupported event %T", ErrInvalidEvent, ev)
	}

	return next, out, nil
}

// applyStatus enforces forward-only movement and terminal stickiness.
func applyStatus(next *Call, out *outcome, s Status, src Source, at time.Time) {
	cur := next.Status
	if cur.IsTerminal() {
		if s.IsTerminal() && src != next.StatusSource && !hasCorroboration(next.Corroborations, src, s) {
			next.Corroborations = append(slices.Clone(next.Corroborations), Corroboration{Source: src, Status: s, At: at})
			out.changed = true
		}
		if s != cur || src != next.StatusSource {
			out.superseded = true
		}
		return
	}
	if s == cur {
		return
	}
	if s.rank() < cur.rank() {
		out.superseded = true
		return
	}
	next.Status = s
	next.StatusSource = src
	out.changed = true
	if s.IsTerminal() {
		ended := at
		next.EndedAt = &ended
		out.finalized = true
	}
}

func hasSignal(signals []Signal, kind SignalKind, reason string) bool {
	for _, s := range signals {
		if s.Kind == kind && s.Reason == reason {
			return true
		}
	}
	return false
}

func hasCorroboration(cs []Corroboration, src Source, s Status) bool {
	for _, c := range cs {
		if c.Source == src && c.Status == s {
			return true
		}
	}
	return false
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
