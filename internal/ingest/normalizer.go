package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"outbound-engine/internal/attribution"
	"outbound-engine/internal/calls"
	"outbound-engine/internal/campaigns"
	"outbound-engine/internal/clock"
	"outbound-engine/internal/crm"
	"outbound-engine/internal/observability/metrics"
	"outbound-engine/pkg/logger"
)

// ErrDuplicateEvent is returned by Process when the event's idempotency key
// was already claimed. Ingest swallows it.
var ErrDuplicateEvent = errors.New("ingest: duplicate event")

// TerminalListener is told about every call that reaches a terminal status.
type TerminalListener interface {
	OnCallTerminal(ctx context.Context, call calls.Call) error
}

type Notifier interface {
	Enqueue(n crm.Notification) bool
}

// AILegCloser closes only the AI side of a live bridge.
type AILegCloser interface {
	CloseAILeg(callSid, reason string) bool
}

type Hanger interface {
	Hangup(ctx context.Context, callSid string) error
}

// CampaignReader is the slice of the campaign store the normalizer needs.
type CampaignReader interface {
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	GetContact(ctx context.Context, id string) (campaigns.Contact, error)
}

type Config struct {
	DedupTTL time.Duration
	// Bucket groups events without a vendor event id by occurrence time.
	Bucket time.Duration
}

func (c Config) withDefaults() Config {
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.Bucket <= 0 {
		c.Bucket = time.Second
	}
	return c
}

// Outcome labels what happened to one event.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeFinalized        Outcome = "finalized"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeSuperseded       Outcome = "superseded"
	OutcomeUnknownCall      Outcome = "unknown_call"
	OutcomeInvalid          Outcome = "invalid"
	OutcomeNotAuthoritative Outcome = "not_authoritative"
	OutcomeError            Outcome = "error"
)

// Normalizer is the only writer into the call lifecycle machine.
//
// Every event passes through the same pipeline:
// validate, claim the idempotency key, apply, and on finalization attribute
// the termination and release the scheduler slot. The CRM notification waits
// for the first terminal report.
type Normalizer struct {
	cfg       Config
	machine   *calls.Machine
	dedup     Deduper
	rules     attribution.Table
	campaigns CampaignReader
	notifier  Notifier
	hanger    Hanger
	clock     clock.Clock
	metrics   *metrics.Engine
	log       *slog.Logger

	listener TerminalListener
	legs     AILegCloser
}

type Options struct {
	Config    Config
	Dedup     Deduper
	Rules     attribution.Table
	Campaigns CampaignReader
	Notifier  Notifier
	Hanger    Hanger
	Clock     clock.Clock
	Metrics   *metrics.Engine
	Logger    *slog.Logger
}

func New(machine *calls.Machine, opts Options) *Normalizer {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Dedup == nil {
		opts.Dedup = NewMemoryDeduper(opts.Clock)
	}
	if opts.Rules == nil {
		opts.Rules = attribution.Default()
	}
	return &Normalizer{
		cfg:       opts.Config.withDefaults(),
		machine:   machine,
		dedup:     opts.Dedup,
		rules:     opts.Rules,
		campaigns: opts.Campaigns,
		notifier:  opts.Notifier,
		hanger:    opts.Hanger,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		log:       logger.Component(opts.Logger, "ingest"),
	}
}

// The setters below close wiring cycles between components. Call them before
// serving traffic.
func (n *Normalizer) SetTerminalListener(l TerminalListener) { n.listener = l }

func (n *Normalizer) SetAILegCloser(c AILegCloser) { n.legs = c }

func (n *Normalizer) SetHanger(h Hanger) { n.hanger = h }

// Ingest processes one event and acknowledges the outcomes that a vendor
// retry could not change (duplicates, superseded and unknown calls).
func (n *Normalizer) Ingest(ctx context.Context, ev calls.Event) error {
	_, err := n.Process(ctx, ev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateEvent), errors.Is(err, calls.ErrSuperseded), errors.Is(err, calls.ErrUnknownCall):
		return nil
	case errors.Is(err, calls.ErrNotAuthoritative):
		return fmt.Errorf("%w: %v", calls.ErrInvalidEvent, err)
	default:
		return err
	}
}

// Process is Ingest with the outcome and the raw error exposed.
func (n *Normalizer) Process(ctx context.Context, ev calls.Event) (Outcome, error) {
	if ev == nil {
		return OutcomeInvalid, fmt.Errorf("%w: nil event", calls.ErrInvalidEvent)
	}
	meta := ev.Meta()
	log := n.log.With("call_sid", meta.CallSid, "source", meta.Source, "event", ev.Kind())

	outcome, res, err := n.process(ctx, ev)
	n.metrics.ObserveEvent(string(meta.Source), string(ev.Kind()), string(outcome))

	switch outcome {
	case OutcomeDuplicate:
		log.Debug("event dropped", "outcome", outcome)
	case OutcomeSuperseded:
		log.Debug("event superseded", "status", res.Call.Status)
	case OutcomeUnknownCall:
		log.Warn("event for unknown call acknowledged")
	case OutcomeInvalid, OutcomeNotAuthoritative:
		log.Warn("event rejected", "outcome", outcome, "err", err)
	case OutcomeError:
		log.Error("event apply failed", "err", err)
	}
	if err != nil {
		return outcome, err
	}

	if isMachineAnswer(ev) {
		n.applyAMDPolicy(ctx, res.Call)
	}
	call := res.Call
	switch {
	case res.Finalized:
		call = n.finalize(ctx, call)
	case res.Supplemented:
		call = n.reattribute(ctx, call)
	}
	if call.Status.IsTerminal() && isFinalReport(ev) {
		n.notifyCRM(ctx, call)
	}
	return outcome, nil
}

func (n *Normalizer) process(ctx context.Context, ev calls.Event) (Outcome, calls.Result, error) {
	meta := ev.Meta()
	if meta.CallSid == "" {
		return OutcomeInvalid, calls.Result{}, fmt.Errorf("%w: call_sid required", calls.ErrInvalidEvent)
	}

	key := calls.DedupKey(ev, n.cfg.Bucket)
	claimed, err := n.dedup.Claim(ctx, key, n.cfg.DedupTTL)
	if err != nil {
		// The lifecycle machine is idempotent on its own; dedup only saves work.
		n.log.Warn("dedup claim failed, applying without it", "key", key, "err", err)
		claimed = true
	}
	if !claimed {
		return OutcomeDuplicate, calls.Result{}, ErrDuplicateEvent
	}

	res, err := n.machine.Apply(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, calls.ErrSuperseded):
		return OutcomeSuperseded, res, err
	case errors.Is(err, calls.ErrInvalidEvent):
		return OutcomeInvalid, res, err
	case errors.Is(err, calls.ErrNotAuthoritative):
		return OutcomeNotAuthoritative, res, err
	case errors.Is(err, calls.ErrUnknownCall):
		n.release(ctx, key)
		return OutcomeUnknownCall, res, err
	default:
		n.release(ctx, key)
		return OutcomeError, res, err
	}

	if res.Finalized {
		return OutcomeFinalized, res, nil
	}
	return OutcomeApplied, res, nil
}

func (n *Normalizer) release(ctx context.Context, key string) {
	if err := n.dedup.Release(ctx, key); err != nil {
		n.log.Warn("dedup release failed", "key", key, "err", err)
	}
}

func (n *Normalizer) finalize(ctx context.Context, call calls.Call) calls.Call {
	log := n.log.With("call_sid", call.CallSid, "campaign_id", call.CampaignID, "contact_id", call.ContactID)

	call = n.annotate(ctx, call)
	log.Info("call finalized",
		"status", call.Status,
		"terminated_by", call.Termination.By,
		"termination_reason", call.Termination.Reason,
		"precedence", call.Termination.Precedence.String(),
	)

	if n.listener != nil {
		if err := n.listener.OnCallTerminal(ctx, call); err != nil {
			// The scheduler watchdog reconciles contacts left in calling.
			log.Error("terminal notification failed", "err", err)
		}
	}
	return call
}

func (n *Normalizer) reattribute(ctx context.Context, call calls.Call) calls.Call {
	before := call.Termination
	call = n.annotate(ctx, call)
	if call.Termination != before {
		n.log.Info("termination relabelled",
			"call_sid", call.CallSid,
			"terminated_by", call.Termination.By,
			"termination_reason", call.Termination.Reason,
		)
	}
	return call
}

func (n *Normalizer) annotate(ctx context.Context, call calls.Call) calls.Call {
	label := n.rules.Attribute(attribution.FromCall(call))
	updated, changed, err := n.machine.Annotate(ctx, call.CallSid, label)
	if err != nil {
		n.log.Error("termination annotate failed", "call_sid", call.CallSid, "err", err)
		return call
	}
	if changed {
		n.metrics.ObserveTermination(label.By, label.Precedence.String())
	}
	return updated
}

// notifyCRM queues the call summary at most once per call. It runs on the
// first terminal report rather than on finalization, since a call ended from
// the media side has no duration or transcript yet.
func (n *Normalizer) notifyCRM(ctx context.Context, call calls.Call) {
	if n.notifier == nil || n.campaigns == nil || call.ContactID == "" {
		return
	}
	key := "crm|" + call.CallSid
	first, err := n.dedup.Claim(ctx, key, n.cfg.DedupTTL)
	if err != nil {
		n.log.Warn("crm claim failed, notifying without it", "call_sid", call.CallSid, "err", err)
		first = true
	}
	if !first {
		return
	}
	contact, err := n.campaigns.GetContact(ctx, call.ContactID)
	if err != nil {
		n.log.Warn("crm notify skipped, contact lookup failed", "call_sid", call.CallSid, "contact_id", call.ContactID, "err", err)
		n.release(ctx, key)
		return
	}
	n.notifier.Enqueue(crm.FromCall(call, contact))
}

// isFinalReport is true for events that carry a call's closing numbers:
// a terminal status report or the AI side's post-call report.
func isFinalReport(ev calls.Event) bool {
	switch e := ev.(type) {
	case calls.StatusChanged:
		return e.Status.IsTerminal()
	case calls.ConversationEnded:
		return true
	}
	return false
}

func isMachineAnswer(ev calls.Event) bool {
	switch e := ev.(type) {
	case calls.MachineDetected:
		return e.AnsweredBy.IsMachine()
	case calls.StatusChanged:
		return e.AnsweredBy.IsMachine()
	}
	return false
}

// ReasonAMDMachine labels calls the engine ends because a machine answered.
const ReasonAMDMachine = "amd_machine"

// applyAMDPolicy ends a machine-answered call when its campaign asks for it:
// an explicit termination signal is recorded first so attribution sees it,
// then the AI leg is closed and the carrier is asked to hang up.
func (n *Normalizer) applyAMDPolicy(ctx context.Context, call calls.Call) {
	if call.Status.IsTerminal() || n.campaigns == nil || call.CampaignID == "" {
		return
	}
	camp, err := n.campaigns.GetCampaign(ctx, call.CampaignID)
	if err != nil {
		n.log.Warn("amd policy lookup failed", "call_sid", call.CallSid, "campaign_id", call.CampaignID, "err", err)
		return
	}
	if camp.AMDPolicy != campaigns.AMDHangup {
		return
	}

	signal := calls.TerminationSignaled{
		Envelope: calls.Envelope{
			CallSid:    call.CallSid,
			Source:     calls.SourceSystem,
			EventID:    ReasonAMDMachine,
			OccurredAt: n.clock.Now().UTC(),
		},
		By:     "system",
		Reason: ReasonAMDMachine,
	}
	if _, err := n.Process(ctx, signal); err != nil && !errors.Is(err, ErrDuplicateEvent) {
		n.log.Warn("amd termination signal failed", "call_sid", call.CallSid, "err", err)
	}
	if n.legs != nil {
		n.legs.CloseAILeg(call.CallSid, ReasonAMDMachine)
	}
	if n.hanger != nil {
		if err := n.hanger.Hangup(ctx, call.CallSid); err != nil {
			n.log.Error("amd hangup failed", "call_sid", call.CallSid, "err", err)
		}
	}
	n.log.Info("machine answer, call ended by policy", "call_sid", call.CallSid, "answered_by", call.AnsweredBy)
}
