package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"outbound-engine/internal/calls"
	"outbound-engine/internal/campaigns"
	"outbound-engine/internal/clock"
	"outbound-engine/internal/crm"
	"outbound-engine/pkg/logger"
)

var t0 = time.Unix(1700000000, 0).UTC()

type recordingListener struct {
	mu     sync.Mutex
	calls  []calls.Call
	stats  campaigns.Stats
	failed error
}

func (l *recordingListener) OnCallTerminal(ctx context.Context, c calls.Call) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
	if c.Status == calls.StatusCompleted {
		l.stats.Completed++
	} else {
		l.stats.Failed++
	}
	return l.failed
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []crm.Notification
}

func (n *recordingNotifier) Enqueue(note crm.Notification) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return true
}

type recordingLegs struct {
	closed []string
}

func (r *recordingLegs) CloseAILeg(callSid, reason string) bool {
	r.closed = append(r.closed, callSid+":"+reason)
	return true
}

type recordingHanger struct {
	hungUp []string
}

func (h *recordingHanger) Hangup(ctx context.Context, callSid string) error {
	h.hungUp = append(h.hungUp, callSid)
	return nil
}

type harness struct {
	norm      *Normalizer
	machine   *calls.Machine
	calls     *calls.MemoryStore
	campaigns *campaigns.MemoryStore
	listener  *recordingListener
	notifier  *recordingNotifier
	legs      *recordingLegs
	hanger    *recordingHanger
}

func newHarness(t *testing.T, policy campaigns.AMDPolicy) *harness {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(t0)
	h := &harness{
		calls:     calls.NewMemoryStore(),
		campaigns: campaigns.NewMemoryStore(),
		listener:  &recordingListener{},
		notifier:  &recordingNotifier{},
		legs:      &recordingLegs{},
		hanger:    &recordingHanger{},
	}
	h.machine = calls.NewMachine(h.calls, clk)
	if err := h.campaigns.CreateCampaign(ctx, campaigns.Campaign{
		ID:        "camp-1",
		Status:    campaigns.StatusActive,
		Settings:  campaigns.Settings{MaxConcurrentCalls: 2},
		AMDPolicy: policy,
	}); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if err := h.campaigns.InsertContacts(ctx, []campaigns.Contact{{
		ID: "contact-1", CampaignID: "camp-1", PhoneNumber: "+15551234567", Name: "Ada", Status: campaigns.ContactCalling, ActiveCallSid: "CA1",
	}}); err != nil {
		t.Fatalf("insert contact: %v", err)
	}
	if _, err := h.machine.Register(ctx, "CA1", "camp-1", "contact-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	h.norm = New(h.machine, Options{
		Dedup:     NewMemoryDeduper(clk),
		Campaigns: h.campaigns,
		Notifier:  h.notifier,
		Hanger:    h.hanger,
		Clock:     clk,
		Logger:    logger.Discard(),
	})
	h.norm.SetTerminalListener(h.listener)
	h.norm.SetAILegCloser(h.legs)
	return h
}

func status(sid string, s calls.Status, duration int) calls.StatusChanged {
	ev := calls.StatusChanged{
		Envelope: calls.Envelope{CallSid: sid, Source: calls.SourceTelephony, EventID: string(s), OccurredAt: t0},
		Status:   s,
	}
	if duration > 0 {
		ev.DurationSeconds = &duration
	}
	return ev
}

func TestIngest_DuplicateTerminalReplayIsNoop(t *testing.T) {
	h := newHarness(t, campaigns.AMDContinue)
	ctx := context.Background()

	seq := []calls.Event{
		status("CA1", calls.StatusInitiated, 0),
		status("CA1", calls.StatusRinging, 0),
		status("CA1", calls.StatusInProgress, 0),
		status("CA1", calls.StatusCompleted, 85),
	}
	for _, ev := range seq {
		if err := h.norm.Ingest(ctx, ev); err != nil {
			t.Fatalf("ingest %v: %v", ev, err)
		}
	}

	outcome, err := h.norm.Process(ctx, status("CA1", calls.StatusCompleted, 85))
	if !errors.Is(err, ErrDuplicateEvent) || outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s %v", outcome, err)
	}
	if err := h.norm.Ingest(ctx, status("CA1", calls.StatusCompleted, 85)); err != nil {
		t.Fatalf("duplicate must be acknowledged, got %v", err)
	}

	c, _ := h.machine.Get(ctx, "CA1")
	if c.Status != calls.StatusCompleted || c.DurationSeconds != 85 {
		t.Fatalf("unexpected call %+v", c)
	}
	if len(h.listener.calls) != 1 || h.listener.stats.Completed != 1 {
		t.Fatalf("expected exactly one terminal notification, got %d", len(h.listener.calls))
	}
	if len(h.notifier.notes) != 1 || h.notifier.notes[0].Status != crm.OutcomeHeld {
		t.Fatalf("unexpected crm notes %+v", h.notifier.notes)
	}
	if c.Termination.Precedence == calls.PrecedenceNone {
		t.Fatalf("expected termination label on finalized call")
	}
}

func TestIngest_ReplayWithDifferentEventIDStillFinalizesOnce(t *testing.T) {
	h := newHarness(t, campaigns.AMDContinue)
	ctx := context.Background()

	first := status("CA1", calls.StatusCompleted, 85)
	second := status("CA1", calls.StatusCompleted, 85)
	second.EventID = "completed#2"

	if err := h.norm.Ingest(ctx, first); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := h.norm.Ingest(ctx, second); err != nil {
		t.Fatalf("ingest replay: %v", err)
	}
	if len(h.listener.calls) != 1 {
		t.Fatalf("expected one finalization, got %d", len(h.listener.calls))
	}
}

func TestIngest_UnknownCallIsAcknowledgedAndReleased(t *testing.T) {
	h := newHarness(t, campaigns.AMDContinue)
	ctx := context.Background()

	ev := status("CA-unknown", calls.StatusRinging, 0)
	if err := h.norm.Ingest(ctx, ev); err != nil {
		t.Fatalf("unknown call must be acknowledged, got %v", err)
	}
	if _, err := h.norm.Process(ctx, ev); !errors.Is(err, calls.ErrUnknownCall) {
		t.Fatalf("expected claim release so a later retry is applied, got %v", err)
	}
}

func TestIngest_CreatesCallFromCorrelationHints(t *testing.T) {
	h := newHarness(t, campaigns.AMDContinue)
	ctx := context.Background()

	ev := status("CA2", calls.StatusRinging, 0)
	ev.CampaignID = "camp-1"
	ev.ContactID = "contact-1"
	if err := h.norm.Ingest(ctx, ev); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	c, err := h.machine.Get(ctx, "CA2")
	if err != nil || c.Status != calls.StatusRinging {
		t.Fatalf("expected lazily created ringing call, got %+v %v", c, err)
	}
}

func TestIngest_RejectsInvalidAndNonAuthoritativeEvents(t *testing.T) {
	h := newHarness(t, campaigns.AMDContinue)
	ctx := context.Background()

	if err := h.norm.Ingest(ctx, calls.StatusChanged{}); !errors.Is(err, calls.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
	spoofed := calls.ConversationStarted{
		Envelope:       calls.Envelope{CallSid: "CA1", Source: calls.SourceTelephony, EventID: "conv"},
		ConversationID: "conv",
	}
	if err := h.norm.Ingest(ctx, spoofed); !errors.Is(err, calls.ErrInvalidEvent) {
		t.Fatalf("expected non-authoritative write to be rejected, got %v", err)
	}
	c, _ := h.machine.Get(ctx, "CA1")
	if c.ConversationID != "" {
		t.Fatalf("rejected event mutated call: %+v", c)
	}
}

func TestIngest_AIDisconnectAttributedToAgent(t *testing.T) {
	h := newHarness(t, campaigns.AMDContinue)
	ctx := context.Background()

	_ = h.norm.Ingest(ctx, status("CA1", calls.StatusInProgress, 0))
	ended := calls.StreamEnded{
		Envelope: calls.Envelope{CallSid: "CA1", Source: calls.SourceAI, OccurredAt: t0},
		Leg:      calls.LegAI,
		Reason:   "ai_leg_closed",
	}
	if err := h.norm.Ingest(ctx, ended); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	c, _ := h.machine.Get(ctx, "CA1")
	if !c.Status.IsTerminal() {
		t.Fatalf("expected call to finalize, got %s", c.Status)
	}
	if c.Termination.By != "agent_disconnect" || c.Termination.Precedence != calls.PrecedenceAIReported {
		t.Fatalf("unexpected termination %+v", c.Termination)
	}
}

func TestIngest_LateAIReportRelabelsByPrecedence(t *testing.T) {
	h := newHarness(t, campaigns.AMDContinue)
	ctx := context.Background()

	_ = h.norm.Ingest(ctx, status("CA1", calls.StatusInProgress, 0))
	_ = h.norm.Ingest(ctx, status("CA1", calls.StatusCompleted, 40))
	c, _ := h.machine.Get(ctx, "CA1")
	if c.Termination.Precedence != calls.PrecedenceHeuristic {
		t.Fatalf("expected heuristic label first, got %+v", c.Termination)
	}

	report := calls.ConversationEnded{
		Envelope:          calls.Envelope{CallSid: "CA1", Source: calls.SourceAI, EventID: "conv-1"},
		ConversationID:    "conv-1",
		TranscriptPresent: true,
		Reason:            "end_call",
	}
	if err := h.norm.Ingest(ctx, report); err != nil {
		t.Fatalf("ingest report: %v", err)
	}
	c, _ = h.machine.Get(ctx, "CA1")
	if c.Status != calls.StatusCompleted || !c.TranscriptPresent {
		t.Fatalf("unexpected call %+v", c)
	}
	if c.Termination.By != "agent" || c.Termination.Precedence != calls.PrecedenceAIReported {
		t.Fatalf("expected ai-reported relabel, got %+v", c.Termination)
	}
	if len(h.listener.calls) != 1 {
		t.Fatalf("supplement must not re-finalize")
	}
}

func TestIngest_AMDHangupPolicy(t *testing.T) {
	h := newHarness(t, campaigns.AMDHangup)
	ctx := context.Background()

	_ = h.norm.Ingest(ctx, status("CA1", calls.StatusInProgress, 0))
	amd := calls.MachineDetected{
		Envelope:   calls.Envelope{CallSid: "CA1", Source: calls.SourceTelephony, EventID: "amd#machine_end_beep"},
		AnsweredBy: calls.AnsweredByMachineEndBeep,
	}
	if err := h.norm.Ingest(ctx, amd); err != nil {
		t.Fatalf("ingest amd: %v", err)
	}
	if len(h.legs.closed) != 1 || h.legs.closed[0] != "CA1:"+ReasonAMDMachine {
		t.Fatalf("expected AI leg close, got %v", h.legs.closed)
	}
	if len(h.hanger.hungUp) != 1 {
		t.Fatalf("expected provider hangup, got %v", h.hanger.hungUp)
	}

	_ = h.norm.Ingest(ctx, status("CA1", calls.StatusCompleted, 12))
	c, _ := h.machine.Get(ctx, "CA1")
	if c.Termination.Reason != ReasonAMDMachine || c.Termination.Precedence != calls.PrecedenceExplicit {
		t.Fatalf("expected explicit amd termination, got %+v", c.Termination)
	}
	if len(h.notifier.notes) != 1 || h.notifier.notes[0].Status != crm.OutcomeVoicemail {
		t.Fatalf("unexpected crm notes %+v", h.notifier.notes)
	}
}

func TestIngest_AMDContinuePolicyLeavesCallAlone(t *testing.T) {
	h := newHarness(t, campaigns.AMDContinue)
	ctx := context.Background()

	_ = h.norm.Ingest(ctx, status("CA1", calls.StatusInProgress, 0))
	amd := calls.MachineDetected{
		Envelope:   calls.Envelope{CallSid: "CA1", Source: calls.SourceTelephony, EventID: "amd#machine_start"},
		AnsweredBy: calls.AnsweredByMachineStart,
	}
	if err := h.norm.Ingest(ctx, amd); err != nil {
		t.Fatalf("ingest amd: %v", err)
	}
	if len(h.legs.closed) != 0 || len(h.hanger.hungUp) != 0 {
		t.Fatalf("continue policy must not tear down the call")
	}
}

func TestIngest_ListenerFailureDoesNotFailEvent(t *testing.T) {
	h := newHarness(t, campaigns.AMDContinue)
	h.listener.failed = errors.New("store down")

	if err := h.norm.Ingest(context.Background(), status("CA1", calls.StatusBusy, 0)); err != nil {
		t.Fatalf("finalization side effects must not fail ingest: %v", err)
	}
	if len(h.listener.calls) != 1 {
		t.Fatalf("expected listener to be called")
	}
}

func TestIngest_CarrierStreamStopWaitsForStatusCallback(t *testing.T) {
	cases := []struct {
		name       string
		answeredBy calls.AnsweredBy
		openedAI   bool
		wantLabel  calls.Termination
		wantCRM    crm.Outcome
	}{
		{
			name:       "human",
			answeredBy: calls.AnsweredByHuman,
			openedAI:   true,
			wantLabel:  calls.Termination{By: "unknown", Reason: "unknown", Source: "none", Precedence: calls.PrecedenceUnknown},
			wantCRM:    crm.OutcomeHeld,
		},
		{
			name:       "machine",
			answeredBy: calls.AnsweredByMachineEndBeep,
			wantLabel:  calls.Termination{By: "agent", Reason: "voicemail_completed", Source: "telephony", Precedence: calls.PrecedenceHeuristic},
			wantCRM:    crm.OutcomeVoicemail,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, campaigns.AMDContinue)
			ctx := context.Background()

			seq := []calls.Event{
				status("CA1", calls.StatusRinging, 0),
				status("CA1", calls.StatusInProgress, 0),
				calls.MachineDetected{
					Envelope:   calls.Envelope{CallSid: "CA1", Source: calls.SourceTelephony, EventID: "amd#" + string(tc.answeredBy)},
					AnsweredBy: tc.answeredBy,
				},
			}
			if tc.openedAI {
				seq = append(seq, calls.ConversationStarted{
					Envelope:       calls.Envelope{CallSid: "CA1", Source: calls.SourceAI, EventID: "conv-1"},
					ConversationID: "conv-1",
				})
			}
			seq = append(seq, calls.StreamEnded{
				Envelope: calls.Envelope{CallSid: "CA1", Source: calls.SourceTelephony, EventID: "telephony", OccurredAt: t0},
				Leg:      calls.LegTelephony,
				Reason:   "telephony_stop",
			})
			for _, ev := range seq {
				if err := h.norm.Ingest(ctx, ev); err != nil {
					t.Fatalf("ingest %T: %v", ev, err)
				}
			}

			c, _ := h.machine.Get(ctx, "CA1")
			if c.Status != calls.StatusInProgress {
				t.Fatalf("stream stop must not finalize, got %s", c.Status)
			}
			if len(h.listener.calls) != 0 || len(h.notifier.notes) != 0 {
				t.Fatalf("nothing may fire before the status callback")
			}

			if err := h.norm.Ingest(ctx, status("CA1", calls.StatusCompleted, 85)); err != nil {
				t.Fatalf("ingest completed: %v", err)
			}
			c, _ = h.machine.Get(ctx, "CA1")
			if c.Status != calls.StatusCompleted || c.DurationSeconds != 85 {
				t.Fatalf("unexpected call %+v", c)
			}
			if c.Termination != tc.wantLabel {
				t.Fatalf("termination = %+v, want %+v", c.Termination, tc.wantLabel)
			}
			if len(h.listener.calls) != 1 {
				t.Fatalf("expected one finalization, got %d", len(h.listener.calls))
			}
			if len(h.notifier.notes) != 1 {
				t.Fatalf("expected one crm note, got %+v", h.notifier.notes)
			}
			if n := h.notifier.notes[0]; n.Status != tc.wantCRM || n.Duration != 85 {
				t.Fatalf("crm note = %s/%d, want %s/85", n.Status, n.Duration, tc.wantCRM)
			}
		})
	}
}

func TestIngest_AILegDropNotifiesCRMOnCarrierReport(t *testing.T) {
	h := newHarness(t, campaigns.AMDContinue)
	ctx := context.Background()

	_ = h.norm.Ingest(ctx, status("CA1", calls.StatusInProgress, 0))
	dropped := calls.StreamEnded{
		Envelope: calls.Envelope{CallSid: "CA1", Source: calls.SourceAI, EventID: "ai", OccurredAt: t0},
		Leg:      calls.LegAI,
		Reason:   "ai_leg_closed",
	}
	if err := h.norm.Ingest(ctx, dropped); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(h.listener.calls) != 1 {
		t.Fatalf("ai leg drop must finalize at once")
	}
	if len(h.notifier.notes) != 0 {
		t.Fatalf("crm must wait for the closing numbers, got %+v", h.notifier.notes)
	}

	if err := h.norm.Ingest(ctx, status("CA1", calls.StatusCompleted, 85)); err != nil {
		t.Fatalf("ingest completed: %v", err)
	}
	report := calls.ConversationEnded{
		Envelope:          calls.Envelope{CallSid: "CA1", Source: calls.SourceAI, EventID: "conv-1"},
		ConversationID:    "conv-1",
		TranscriptPresent: true,
		Reason:            "end_call",
	}
	if err := h.norm.Ingest(ctx, report); err != nil {
		t.Fatalf("ingest report: %v", err)
	}

	if len(h.notifier.notes) != 1 {
		t.Fatalf("expected exactly one crm note, got %+v", h.notifier.notes)
	}
	if n := h.notifier.notes[0]; n.Status != crm.OutcomeHeld || n.Duration != 85 {
		t.Fatalf("crm note = %s/%d, want held/85", n.Status, n.Duration)
	}
	if len(h.listener.calls) != 1 {
		t.Fatalf("supplements must not re-finalize")
	}
}

func TestIngest_HeuristicLabelRecomputedFromLateEvidence(t *testing.T) {
	h := newHarness(t, campaigns.AMDContinue)
	ctx := context.Background()

	_ = h.norm.Ingest(ctx, status("CA1", calls.StatusInProgress, 0))
	_ = h.norm.Ingest(ctx, status("CA1", calls.StatusCompleted, 2))
	c, _ := h.machine.Get(ctx, "CA1")
	if c.Termination.Reason != "immediate_hangup" {
		t.Fatalf("expected immediate hangup first, got %+v", c.Termination)
	}

	amd := calls.MachineDetected{
		Envelope:   calls.Envelope{CallSid: "CA1", Source: calls.SourceTelephony, EventID: "amd#late"},
		AnsweredBy: calls.AnsweredByMachineEndOther,
	}
	if err := h.norm.Ingest(ctx, amd); err != nil {
		t.Fatalf("ingest amd: %v", err)
	}
	c, _ = h.machine.Get(ctx, "CA1")
	if c.Termination.Reason != "hangup_without_conversation" || c.Termination.Precedence != calls.PrecedenceHeuristic {
		t.Fatalf("expected heuristic relabel, got %+v", c.Termination)
	}
}
