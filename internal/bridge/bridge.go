package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"outbound-engine/internal/calls"
	"outbound-engine/internal/clock"
	"outbound-engine/internal/observability/metrics"
	"outbound-engine/pkg/logger"
)

// EventSink receives the events the bridge raises (stream end, conversation start).
type EventSink interface {
	Ingest(ctx context.Context, ev calls.Event) error
}

type Config struct {
	// StartTimeout bounds the wait for the telephony start frame.
	StartTimeout time.Duration
	// InactivityTimeout is how long a bridged call may go without frames before the sweeper closes it.
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	// EmitTimeout bounds event delivery after a session ends.
	EmitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.StartTimeout <= 0 {
		out.StartTimeout = 10 * time.Second
	}
	if out.InactivityTimeout <= 0 {
		out.InactivityTimeout = 5 * time.Minute
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 30 * time.Second
	}
	if out.EmitTimeout <= 0 {
		out.EmitTimeout = 10 * time.Second
	}
	return out
}

// Bridge relays audio between a telephony media stream and the AI agent.
type Bridge struct {
	cfg      Config
	registry *Registry
	dialer   AIDialer
	sink     EventSink
	clock    clock.Clock
	metrics  *metrics.Engine
	log      *slog.Logger
}

func New(cfg Config, registry *Registry, dialer AIDialer, sink EventSink, clk clock.Clock, m *metrics.Engine, log *slog.Logger) *Bridge {
	if clk == nil {
		clk = clock.Real{}
	}
	if registry == nil {
		registry = NewRegistry(clk)
	}
	return &Bridge{
		cfg:      cfg.withDefaults(),
		registry: registry,
		dialer:   dialer,
		sink:     sink,
		clock:    clk,
		metrics:  m,
		log:      logger.Component(log, "bridge"),
	}
}

func (b *Bridge) Registry() *Registry { return b.registry }

// Has reports whether callSid currently has a live bridge.
func (b *Bridge) Has(callSid string) bool { return b.registry.Has(callSid) }

type session struct {
	b       *Bridge
	callSid string
	start   StartInfo
	tel     Leg

	mu        sync.Mutex
	ai        Leg
	aiCleared atomic.Bool
}

func (s *session) currentAI() Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ai
}

type pumpResult struct {
	leg    calls.Leg
	err    error
	reason string
	// quiet is set when the leg was closed on purpose and the session should keep running.
	quiet bool
}

// Serve runs one bridged session until either leg ends. It blocks.
func (b *Bridge) Serve(ctx context.Context, tel Leg) error {
	start, err := b.awaitStart(ctx, tel)
	if err != nil {
		_ = tel.Close("no_start")
		return err
	}
	log := b.log.With("call_sid", start.CallSid, "stream_sid", start.StreamSid)

	ai, err := b.dialer.Dial(ctx, start)
	if err != nil {
		_ = tel.Close("ai_dial_failed")
		log.Warn("ai dial failed", "err", err)
		b.emit(ctx, calls.StreamEnded{
			Envelope:       b.envelope(start, calls.SourceSystem, "ai_dial_failed"),
			Leg:            calls.LegAI,
			Reason:         "ai_dial_failed",
			TransportError: true,
		})
		return fmt.Errorf("bridge: dial ai leg: %w", err)
	}

	s := &session{b: b, callSid: start.CallSid, start: start, tel: tel, ai: ai}
	if err := b.registry.Register(start.CallSid, tel, ai, s); err != nil {
		_ = ai.Close("duplicate_stream")
		_ = tel.Close("duplicate_stream")
		return err
	}
	opened := b.clock.Now()
	b.metrics.StreamOpened()
	log.Info("bridge opened")

	pumpCtx, cancel := context.WithCancel(ctx)
	results := make(chan pumpResult, 2)
	go s.pump(pumpCtx, calls.LegTelephony, tel, results)
	go s.pump(pumpCtx, calls.LegAI, ai, results)

	var first pumpResult
	pending := 2
	for pending > 0 {
		r := <-results
		pending--
		if r.quiet {
			continue
		}
		first = r
		break
	}
	cancel()
	_ = tel.Close(first.reason)
	if cur := s.currentAI(); cur != nil {
		_ = cur.Close(first.reason)
	}
	for ; pending > 0; pending-- {
		<-results
	}

	b.metrics.StreamClosed(b.clock.Now().Sub(opened))
	if _, owned := b.registry.Remove(start.CallSid, s); !owned {
		// CloseCall or the sweeper already tore the session down and reported it.
		return nil
	}
	ev := b.streamEnded(ctx, start, first)
	log.Info("bridge closed", "leg", ev.Leg, "reason", ev.Reason, "transport_error", ev.TransportError)
	b.emit(ctx, ev)
	return nil
}

func (b *Bridge) awaitStart(ctx context.Context, tel Leg) (StartInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StartTimeout)
	defer cancel()
	for {
		f, err := tel.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return StartInfo{}, ErrNoStart
			}
			return StartInfo{}, err
		}
		switch f.Kind {
		case FrameStart:
			if f.Start == nil || f.Start.CallSid == "" {
				return StartInfo{}, fmt.Errorf("bridge: start frame without call sid")
			}
			return *f.Start, nil
		case FrameStop:
			return StartInfo{}, ErrNoStart
		}
	}
}

func (s *session) pump(ctx context.Context, leg calls.Leg, src Leg, out chan<- pumpResult) {
	for {
		f, err := src.Receive(ctx)
		if err != nil {
			if leg == calls.LegAI && s.aiCleared.Load() {
				out <- pumpResult{leg: leg, quiet: true}
				return
			}
			out <- classify(ctx, leg, err)
			return
		}
		s.b.registry.Touch(s.callSid)

		if leg == calls.LegTelephony {
			if done, r := s.fromTelephony(ctx, f); done {
				out <- r
				return
			}
			continue
		}
		if done, r := s.fromAI(ctx, f); done {
			out <- r
			return
		}
	}
}

func (s *session) fromTelephony(ctx context.Context, f Frame) (bool, pumpResult) {
	switch f.Kind {
	case FrameStop:
		return true, pumpResult{leg: calls.LegTelephony, reason: "telephony_stop"}
	case FrameMedia, FrameMark:
		ai := s.currentAI()
		if ai == nil {
			return false, pumpResult{}
		}
		if err := ai.Send(ctx, f); err != nil && !s.aiCleared.Load() {
			return true, classify(ctx, calls.LegAI, err)
		}
	}
	return false, pumpResult{}
}

func (s *session) fromAI(ctx context.Context, f Frame) (bool, pumpResult) {
	switch f.Kind {
	case FrameStop:
		return true, pumpResult{leg: calls.LegAI, reason: "ai_leg_closed"}
	case FrameStart:
		if f.Start != nil && f.Start.ConversationID != "" {
			s.b.emit(ctx, calls.ConversationStarted{
				Envelope:       s.b.envelope(s.start, calls.SourceAI, f.Start.ConversationID),
				ConversationID: f.Start.ConversationID,
			})
		}
	case FrameMedia, FrameMark, FrameClear:
		if err := s.tel.Send(ctx, f); err != nil {
			return true, classify(ctx, calls.LegTelephony, err)
		}
	}
	return false, pumpResult{}
}

func classify(ctx context.Context, leg calls.Leg, err error) pumpResult {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, ErrLegClosed):
		reason := "telephony_stop"
		if leg == calls.LegAI {
			reason = "ai_leg_closed"
		}
		return pumpResult{leg: leg, reason: reason}
	case ctx.Err() != nil:
		return pumpResult{leg: leg, err: ctx.Err(), reason: "bridge_shutdown"}
	default:
		return pumpResult{leg: leg, err: err, reason: "bridge_transport_error"}
	}
}

func (b *Bridge) streamEnded(ctx context.Context, start StartInfo, r pumpResult) calls.StreamEnded {
	ev := calls.StreamEnded{Leg: r.leg, Reason: r.reason}
	switch {
	case r.err != nil && ctx.Err() != nil:
		ev.Envelope = b.envelope(start, calls.SourceSystem, "shutdown")
		ev.Leg = calls.LegTelephony
		ev.Reason = "bridge_shutdown"
	case r.err != nil:
		ev.Envelope = b.envelope(start, calls.SourceSystem, string(r.leg))
		ev.TransportError = true
	case r.leg == calls.LegAI:
		ev.Envelope = b.envelope(start, calls.SourceAI, string(r.leg))
	default:
		ev.Envelope = b.envelope(start, calls.SourceTelephony, string(r.leg))
	}
	return ev
}

func (b *Bridge) envelope(start StartInfo, src calls.Source, eventID string) calls.Envelope {
	return calls.Envelope{
		CallSid:    start.CallSid,
		Source:     src,
		EventID:    eventID,
		OccurredAt: b.clock.Now().UTC(),
		CampaignID: start.CampaignID,
		ContactID:  start.ContactID,
	}
}

func (b *Bridge) emit(ctx context.Context, ev calls.Event) {
	if b.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.EmitTimeout)
	defer cancel()
	if err := b.sink.Ingest(ctx, ev); err != nil {
		b.log.Warn("bridge event rejected", "call_sid", ev.Meta().CallSid, "kind", ev.Kind(), "err", err)
	}
}

// CloseAILeg closes only the AI side; the telephony leg stays up until the
// provider ends the call. It returns false if there is no AI leg to close.
func (b *Bridge) CloseAILeg(callSid, reason string) bool {
	owner, ok := b.registry.owner(callSid)
	if !ok {
		return false
	}
	s, ok := owner.(*session)
	if !ok {
		return false
	}
	s.mu.Lock()
	ai := s.ai
	if ai == nil || !b.registry.ClearLeg(callSid, calls.LegAI, ai) {
		s.mu.Unlock()
		return false
	}
	s.aiCleared.Store(true)
	s.ai = nil
	s.mu.Unlock()

	_ = ai.Close(reason)
	b.log.Info("ai leg closed", "call_sid", callSid, "reason", reason)
	return true
}

// CloseCall tears down both legs and reports the end as a system termination.
func (b *Bridge) CloseCall(callSid, reason string) bool {
	owner, ok := b.registry.owner(callSid)
	if !ok {
		return false
	}
	e, ok := b.registry.Remove(callSid, owner)
	if !ok {
		return false
	}
	b.teardown(context.Background(), e, reason)
	return true
}

func (b *Bridge) teardown(ctx context.Context, e Entry, reason string) {
	if e.AI != nil {
		_ = e.AI.Close(reason)
	}
	if e.Telephony != nil {
		_ = e.Telephony.Close(reason)
	}
	b.log.Info("bridge torn down", "call_sid", e.CallSid, "reason", reason)
	b.emit(ctx, calls.StreamEnded{
		Envelope: calls.Envelope{
			CallSid:    e.CallSid,
			Source:     calls.SourceSystem,
			EventID:    reason,
			OccurredAt: b.clock.Now().UTC(),
		},
		Leg:    calls.LegTelephony,
		Reason: reason,
	})
}
