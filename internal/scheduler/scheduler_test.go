package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"outbound-engine/internal/audit"
	"outbound-engine/internal/calls"
	"outbound-engine/internal/campaigns"
	"outbound-engine/internal/clock"
	"outbound-engine/internal/ingest"
	"outbound-engine/internal/telephony"
	"outbound-engine/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Unix(1700000000, 0).UTC()

const campID = "camp-1"

type fakePlacer struct {
	mu         sync.Mutex
	store      *campaigns.MemoryStore
	fail       func(req telephony.PlaceCallRequest) error
	requests   []telephony.PlaceCallRequest
	attempts   int
	hangups    []string
	maxCalling int
}

func (p *fakePlacer) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.fail != nil {
		if err := p.fail(req); err != nil {
			return telephony.PlaceCallResult{}, err
		}
	}
	counts, _ := p.store.CountContacts(ctx, req.CampaignID)
	if counts.Calling > p.maxCalling {
		p.maxCalling = counts.Calling
	}
	p.requests = append(p.requests, req)
	return telephony.PlaceCallResult{CallSid: fmt.Sprintf("CA%d", len(p.requests)), Status: "queued"}, nil
}

func (p *fakePlacer) Hangup(ctx context.Context, callSid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, callSid)
	return nil
}

func (p *fakePlacer) placed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakePlacer) tries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

type fakeLive struct {
	mu     sync.Mutex
	live   map[string]bool
	closed []string
}

func (f *fakeLive) Has(callSid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[callSid]
}

func (f *fakeLive) CloseCall(callSid, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, callSid+":"+reason)
	return true
}

type harness struct {
	sched   *Scheduler
	clock   *clock.Fake
	store   *campaigns.MemoryStore
	machine *calls.Machine
	norm    *ingest.Normalizer
	placer  *fakePlacer
	live    *fakeLive
	audit   *audit.MemoryRepo
}

func newHarness(t *testing.T, settings campaigns.Settings, phones ...string) *harness {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(t0)
	h := &harness{
		clock: clk,
		store: campaigns.NewMemoryStore(),
		live:  &fakeLive{live: map[string]bool{}},
		audit: audit.NewMemoryRepo(),
	}
	h.placer = &fakePlacer{store: h.store}
	h.machine = calls.NewMachine(calls.NewMemoryStore(), clk)
	h.norm = ingest.New(h.machine, ingest.Options{Campaigns: h.store, Clock: clk, Logger: logger.Discard()})

	require.NoError(t, h.store.CreateCampaign(ctx, campaigns.Campaign{
		ID:         campID,
		Name:       "spring outreach",
		Status:     campaigns.StatusDraft,
		Settings:   settings,
		FromNumber: "+15550000100",
		AgentID:    "agent-1",
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}))
	var contacts []campaigns.Contact
	for i, phone := range phones {
		contacts = append(contacts, campaigns.Contact{
			ID:          fmt.Sprintf("contact-%d", i+1),
			CampaignID:  campID,
			PhoneNumber: phone,
			Status:      campaigns.ContactPending,
			CreatedAt:   t0.Add(time.Duration(i) * time.Second),
			UpdatedAt:   t0,
		})
	}
	if len(contacts) > 0 {
		require.NoError(t, h.store.InsertContacts(ctx, contacts))
	}

	h.sched = New(h.store, h.machine, h.placer, Options{
		Config: Config{
			WatchdogInterval:        time.Minute,
			StaleCallingAfter:       time.Minute,
			ConsecutiveFailureLimit: 3,
			RetryBaseDelay:          time.Minute,
			RetryMaxDelay:           5 * time.Minute,
			TransientRequeueDelay:   time.Second,
		},
		Live:   h.live,
		Sink:   h.norm,
		Audit:  audit.NewService(h.audit),
		Clock:  clk,
		Logger: logger.Discard(),
	})
	h.norm.SetTerminalListener(h.sched)
	t.Cleanup(h.sched.Close)
	return h
}

func (h *harness) campaign(t *testing.T) campaigns.Campaign {
	t.Helper()
	c, err := h.store.GetCampaign(context.Background(), campID)
	require.NoError(t, err)
	return c
}

func (h *harness) contact(t *testing.T, id string) campaigns.Contact {
	t.Helper()
	c, err := h.store.GetContact(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) counts(t *testing.T) campaigns.ContactCounts {
	t.Helper()
	c, err := h.store.CountContacts(context.Background(), campID)
	require.NoError(t, err)
	return c
}

func (h *harness) attached(sid string) bool {
	for _, c := range h.store.Contacts(campID) {
		if c.ActiveCallSid == sid {
			return true
		}
	}
	return false
}

func (h *harness) waitStatus(t *testing.T, want campaigns.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, err := h.store.GetCampaign(context.Background(), campID)
		return err == nil && c.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

// finish ends a placed call the way a carrier callback would.
func (h *harness) finish(t *testing.T, sid string, st calls.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.attached(sid) }, 2*time.Second, 5*time.Millisecond, "call %s never attached", sid)
	err := h.norm.Ingest(context.Background(), calls.StatusChanged{
		Envelope: calls.Envelope{CallSid: sid, Source: calls.SourceTelephony, EventID: "final", OccurredAt: h.clock.Now()},
		Status:   st,
	})
	require.NoError(t, err)
}

var operator = Actor{ID: "op-1", Role: "operator"}

func TestScheduler_RespectsConcurrencyAndCompletes(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 2, MaxRetries: 0},
		"+15550000001", "+15550000002", "+15550000003", "+15550000004", "+15550000005")
	ctx := context.Background()

	_, err := h.sched.StartCampaign(ctx, campID, operator)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.attached("CA2") }, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return h.placer.placed() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, 2, h.counts(t).Calling)

	outcomes := []calls.Status{calls.StatusCompleted, calls.StatusBusy, calls.StatusCompleted, calls.StatusFailed, calls.StatusCompleted}
	for i, st := range outcomes {
		h.finish(t, fmt.Sprintf("CA%d", i+1), st)
	}

	h.waitStatus(t, campaigns.StatusCompleted)
	require.Eventually(t, func() bool { return !h.sched.Running(campID) }, 2*time.Second, 5*time.Millisecond)

	c := h.campaign(t)
	require.Equal(t, campaigns.Stats{Placed: 5, Completed: 3, Failed: 2}, c.Stats)
	require.NotNil(t, c.CompletedAt)
	require.LessOrEqual(t, h.placer.maxCalling, 2)
	require.Equal(t, campaigns.ContactCounts{Completed: 3, Failed: 2}, h.counts(t))
	require.Equal(t, campaigns.ContactFailed, h.contact(t, "contact-2").Status)
	require.Equal(t, "busy", h.contact(t, "contact-2").LastCallResult)

	// Oldest contacts are dialled first.
	require.Equal(t, "+15550000001", h.placer.requests[0].To)
	require.Equal(t, "+15550000100", h.placer.requests[0].From)
	require.Equal(t, "agent-1", h.placer.requests[0].AgentID)
}

func TestScheduler_EmptyCampaignCompletesWithoutCalls(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 3})

	_, err := h.sched.StartCampaign(context.Background(), campID, operator)
	require.NoError(t, err)

	h.waitStatus(t, campaigns.StatusCompleted)
	require.Equal(t, 0, h.placer.tries())
}

func TestScheduler_StartRejectsInvalidState(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 1})
	ctx := context.Background()

	_, err := h.sched.PauseCampaign(ctx, campID, operator)
	require.ErrorIs(t, err, campaigns.ErrInvalidState)

	_, err = h.sched.CancelCampaign(ctx, campID, false, operator)
	require.NoError(t, err)
	_, err = h.sched.StartCampaign(ctx, campID, operator)
	require.ErrorIs(t, err, campaigns.ErrInvalidState)
}

func TestScheduler_PauseStopsNewPlacements(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 1}, "+15550000001", "+15550000002")
	ctx := context.Background()

	_, err := h.sched.StartCampaign(ctx, campID, operator)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.attached("CA1") }, 2*time.Second, 5*time.Millisecond)

	_, err = h.sched.PauseCampaign(ctx, campID, operator)
	require.NoError(t, err)
	h.finish(t, "CA1", calls.StatusCompleted)

	require.Eventually(t, func() bool { return !h.sched.Running(campID) }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.placer.placed())
	require.Equal(t, 1, h.counts(t).Pending)

	_, err = h.sched.StartCampaign(ctx, campID, operator)
	require.NoError(t, err)
	h.finish(t, "CA2", calls.StatusCompleted)
	h.waitStatus(t, campaigns.StatusCompleted)

	evs := h.audit.Events()
	require.GreaterOrEqual(t, len(evs), 4)
	require.Equal(t, "paused", evs[1].ToStatus)
	require.Equal(t, "op-1", evs[1].ActorID)
}

func TestScheduler_InvalidContactFailsAndCampaignContinues(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 1}, "+15550000000", "+15550000002")
	h.placer.fail = func(req telephony.PlaceCallRequest) error {
		if strings.HasSuffix(req.To, "0000") {
			return &telephony.InvalidContactError{Number: req.To, Code: 21211, Err: errors.New("invalid")}
		}
		return nil
	}

	_, err := h.sched.StartCampaign(context.Background(), campID, operator)
	require.NoError(t, err)
	h.finish(t, "CA1", calls.StatusCompleted)
	h.waitStatus(t, campaigns.StatusCompleted)

	bad := h.contact(t, "contact-1")
	require.Equal(t, campaigns.ContactFailed, bad.Status)
	require.Equal(t, "invalid_number", bad.LastCallResult)
	require.Equal(t, campaigns.Stats{Placed: 1, Completed: 1, Failed: 1}, h.campaign(t).Stats)
}

func TestScheduler_AutoPausesAfterConsecutiveTransientFailures(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 1}, "+15550000001", "+15550000002")
	h.placer.fail = func(telephony.PlaceCallRequest) error {
		return &telephony.TransientPlacementError{Err: errors.New("rate limited")}
	}

	_, err := h.sched.StartCampaign(context.Background(), campID, operator)
	require.NoError(t, err)

	for n := 1; n <= 3; n++ {
		require.Eventually(t, func() bool { return h.placer.tries() == n }, 2*time.Second, 5*time.Millisecond, "attempt %d", n)
		if n < 3 {
			require.Eventually(t, func() bool { return h.clock.Waiters() > 0 }, 2*time.Second, 5*time.Millisecond)
			h.clock.Advance(time.Minute)
		}
	}

	h.waitStatus(t, campaigns.StatusPaused)
	c := h.campaign(t)
	require.Contains(t, c.LastError, "3 consecutive placement failures")
	require.Equal(t, 0, h.counts(t).Calling)
	require.Equal(t, 2, h.counts(t).Pending)

	var autoPaused bool
	for _, ev := range h.audit.Events() {
		autoPaused = autoPaused || ev.Type == audit.EventTypeAutoPause
	}
	require.True(t, autoPaused)
}

func TestScheduler_RetriesWithBackoffThenFails(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 1, MaxRetries: 2}, "+15550000001")
	ctx := context.Background()

	_, err := h.sched.StartCampaign(ctx, campID, operator)
	require.NoError(t, err)
	h.finish(t, "CA1", calls.StatusBusy)

	c := h.contact(t, "contact-1")
	require.Equal(t, campaigns.ContactPending, c.Status)
	require.Equal(t, "busy", c.LastCallResult)
	require.NotNil(t, c.NextAttemptAt)
	require.True(t, t0.Add(time.Minute).Equal(*c.NextAttemptAt))
	require.Never(t, func() bool { return h.placer.placed() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	h.clock.Advance(time.Minute)
	h.finish(t, "CA2", calls.StatusNoAnswer)

	h.waitStatus(t, campaigns.StatusCompleted)
	c = h.contact(t, "contact-1")
	require.Equal(t, campaigns.ContactFailed, c.Status)
	require.Equal(t, 2, c.CallCount)
	require.Equal(t, campaigns.Stats{Placed: 2, Failed: 1}, h.campaign(t).Stats)
}

func TestScheduler_RetryDelay(t *testing.T) {
	s := New(nil, nil, nil, Options{Config: Config{RetryBaseDelay: time.Minute, RetryMaxDelay: 5 * time.Minute}, Logger: logger.Discard()})
	defer s.Close()

	require.Equal(t, time.Minute, s.retryDelay(1))
	require.Equal(t, 2*time.Minute, s.retryDelay(2))
	require.Equal(t, 4*time.Minute, s.retryDelay(3))
	require.Equal(t, 5*time.Minute, s.retryDelay(4))
	require.Equal(t, 5*time.Minute, s.retryDelay(20))
}

func TestScheduler_ForcedCancelTearsDownInFlightCalls(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 2}, "+15550000001", "+15550000002", "+15550000003")
	ctx := context.Background()

	_, err := h.sched.StartCampaign(ctx, campID, operator)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.attached("CA1") && h.attached("CA2") }, 2*time.Second, 5*time.Millisecond)

	_, err = h.sched.CancelCampaign(ctx, campID, true, operator)
	require.NoError(t, err)

	h.placer.mu.Lock()
	require.ElementsMatch(t, []string{"CA1", "CA2"}, h.placer.hangups)
	h.placer.mu.Unlock()
	require.ElementsMatch(t, []string{"CA1:campaign_cancelled", "CA2:campaign_cancelled"}, h.live.closed)

	h.finish(t, "CA1", calls.StatusCanceled)
	h.finish(t, "CA2", calls.StatusCanceled)
	require.Eventually(t, func() bool { return !h.sched.Running(campID) }, 2*time.Second, 5*time.Millisecond)

	call, err := h.machine.Get(ctx, "CA1")
	require.NoError(t, err)
	require.Equal(t, "system", call.Termination.By)
	require.Equal(t, ReasonCampaignCancelled, call.Termination.Reason)
	require.Equal(t, calls.PrecedenceExplicit, call.Termination.Precedence)

	require.Equal(t, campaigns.StatusCancelled, h.campaign(t).Status)
	require.Equal(t, campaigns.ContactCounts{Pending: 1, Failed: 2}, h.counts(t))
	require.Equal(t, 2, h.placer.placed())

	var teardowns int
	for _, ev := range h.audit.Events() {
		if ev.Type == audit.EventTypeForcedTeardown {
			teardowns++
		}
	}
	require.Equal(t, 2, teardowns)
}

func TestScheduler_WatchdogEndsStaleCall(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 1}, "+15550000001")
	ctx := context.Background()

	_, err := h.sched.StartCampaign(ctx, campID, operator)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.attached("CA1") }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.clock.Waiters() > 0 }, 2*time.Second, 5*time.Millisecond)

	// The carrier never reports back and no bridge is live.
	h.clock.Advance(time.Minute)

	h.waitStatus(t, campaigns.StatusCompleted)
	h.placer.mu.Lock()
	require.Equal(t, []string{"CA1"}, h.placer.hangups)
	h.placer.mu.Unlock()

	call, err := h.machine.Get(ctx, "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.StatusCanceled, call.Status)
	require.Equal(t, reasonWatchdog, call.Termination.Reason)

	c := h.contact(t, "contact-1")
	require.Equal(t, campaigns.ContactFailed, c.Status)
	require.Empty(t, c.ActiveCallSid)
}

func TestScheduler_WatchdogSkipsLiveBridges(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 1}, "+15550000001")
	ctx := context.Background()
	h.live.live["CA1"] = true

	_, err := h.sched.StartCampaign(ctx, campID, operator)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.attached("CA1") }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.clock.Waiters() > 0 }, 2*time.Second, 5*time.Millisecond)

	h.clock.Advance(5 * time.Minute)

	require.Never(t, func() bool { return h.contact(t, "contact-1").Status != campaigns.ContactCalling }, 50*time.Millisecond, 5*time.Millisecond)
	h.placer.mu.Lock()
	require.Empty(t, h.placer.hangups)
	h.placer.mu.Unlock()
}

func TestScheduler_WatchdogResetsClaimWithoutCall(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 1, MaxRetries: 1}, "+15550000001")
	ctx := context.Background()

	// Simulates a crash between claiming the contact and placing the call.
	c := h.contact(t, "contact-1")
	claimed := c
	claimed.Status = campaigns.ContactCalling
	claimed.CallCount = 0
	at := t0.Add(-time.Hour)
	claimed.LastContacted = &at
	require.NoError(t, h.store.UpdateContact(ctx, claimed, campaigns.ContactPending, ""))

	camp := h.campaign(t)
	h.sched.reconcile(ctx, camp)

	c = h.contact(t, "contact-1")
	require.Equal(t, campaigns.ContactPending, c.Status)
	require.Equal(t, "watchdog_reset", c.LastCallResult)
}

func TestScheduler_RunResumesActiveCampaigns(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 1}, "+15550000001")
	ctx, cancel := context.WithCancel(context.Background())

	_, err := h.store.TransitionCampaign(ctx, campID, []campaigns.Status{campaigns.StatusDraft}, campaigns.StatusActive, "", t0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	h.finish(t, "CA1", calls.StatusCompleted)
	h.waitStatus(t, campaigns.StatusCompleted)

	cancel()
	require.NoError(t, <-done)
}

// flakyCompletion fails the completed transition while failing is set and
// counts contact scans, one per loop pass.
type flakyCompletion struct {
	*campaigns.MemoryStore
	mu      sync.Mutex
	failing bool
	scans   int
}

func (f *flakyCompletion) TransitionCampaign(ctx context.Context, id string, from []campaigns.Status, to campaigns.Status, lastError string, now time.Time) (campaigns.Campaign, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing && to == campaigns.StatusCompleted {
		return campaigns.Campaign{}, errors.New("connection reset by peer")
	}
	return f.MemoryStore.TransitionCampaign(ctx, id, from, to, lastError, now)
}

func (f *flakyCompletion) CountContacts(ctx context.Context, campaignID string) (campaigns.ContactCounts, error) {
	f.mu.Lock()
	f.scans++
	f.mu.Unlock()
	return f.MemoryStore.CountContacts(ctx, campaignID)
}

func (f *flakyCompletion) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyCompletion) scanned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func TestScheduler_FailedCompletionWaitsForNextTick(t *testing.T) {
	h := newHarness(t, campaigns.Settings{MaxConcurrentCalls: 1})
	store := &flakyCompletion{MemoryStore: h.store, failing: true}
	sched := New(store, h.machine, h.placer, Options{
		Config: Config{WatchdogInterval: time.Minute, StaleCallingAfter: time.Minute},
		Live:   h.live,
		Clock:  h.clock,
		Logger: logger.Discard(),
	})
	t.Cleanup(sched.Close)

	_, err := sched.StartCampaign(context.Background(), campID, operator)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return store.scanned() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return store.scanned() > 2 }, 100*time.Millisecond, 5*time.Millisecond,
		"loop must not spin against the store")
	require.True(t, sched.Running(campID))

	store.setFailing(false)
	h.clock.Advance(time.Minute)
	h.waitStatus(t, campaigns.StatusCompleted)
	require.Eventually(t, func() bool { return !sched.Running(campID) }, 2*time.Second, 5*time.Millisecond)
}
