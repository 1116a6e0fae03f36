package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"outbound-engine/internal/calls"
	"outbound-engine/internal/campaigns"
	"outbound-engine/internal/clock"
	"outbound-engine/internal/observability/metrics"
	"outbound-engine/internal/routing"
	"outbound-engine/internal/telephony"
	"outbound-engine/pkg/logger"
)

// Placer is the telephony collaborator.
type Placer interface {
	PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error)
	Hangup(ctx context.Context, callSid string) error
}

// LiveCalls is the view of the media bridge the scheduler needs.
type LiveCalls interface {
	Has(callSid string) bool
	CloseCall(callSid, reason string) bool
}

// EventSink is the event normalizer. The scheduler never writes call state directly.
type EventSink interface {
	Ingest(ctx context.Context, ev calls.Event) error
}

// CallCap is an optional account-wide limit on simultaneous calls, shared
// across processes. Holders name one dial attempt; Acquire returns false
// when the limit is reached and Release is idempotent per holder.
type CallCap interface {
	Acquire(ctx context.Context, holder string) (bool, error)
	Release(ctx context.Context, holder string) error
}

type Auditor interface {
	LogCampaignTransition(ctx context.Context, campaignID, actorID, actorRole, from, to, message string) error
	LogAutoPause(ctx context.Context, campaignID, reason string) error
	LogForcedTeardown(ctx context.Context, campaignID, callSid, reason string) error
}

// Actor identifies who asked for a lifecycle operation.
type Actor struct {
	ID   string
	Role string
}

type Config struct {
	// WatchdogInterval drives reconciliation and retries that became due.
	WatchdogInterval time.Duration

	// StaleCallingAfter is how long a contact may sit in calling without a live bridge.
	StaleCallingAfter time.Duration

	// ConsecutiveFailureLimit auto-pauses a campaign after this many transient placement errors in a row.
	ConsecutiveFailureLimit int

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// TransientRequeueDelay holds back a contact whose placement failed transiently.
	TransientRequeueDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.StaleCallingAfter <= 0 {
		c.StaleCallingAfter = 10 * time.Minute
	}
	if c.ConsecutiveFailureLimit <= 0 {
		c.ConsecutiveFailureLimit = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Minute
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Minute
	}
	if c.TransientRequeueDelay <= 0 {
		c.TransientRequeueDelay = 30 * time.Second
	}
	return c
}

// Scheduler runs one placement loop per campaign.
//
// Loop lifecycle:
//  1) StartCampaign (or Run, for campaigns persisted as active) starts the loop.
//  2) The loop places calls while the campaign is active and slots are free.
//  3) After a pause or cancel it keeps reconciling until no contact is calling.
//  4) It exits once the campaign is inactive and drained.
//
// Notes:
// - Slots are re-derived from persisted contact status on every pass.
// - Every contact mutation is conditional on its expected status and call sid.
// - Distinct campaigns share no locks; mu only guards the loop table.
type Scheduler struct {
	cfg     Config
	store   campaigns.Store
	machine *calls.Machine
	placer  Placer
	picker  *routing.NumberPicker
	live    LiveCalls
	sink    EventSink
	cap     CallCap
	audit   Auditor
	clock   clock.Clock
	metrics *metrics.Engine
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	loops map[string]*loop
}

type Options struct {
	Config  Config
	Picker  *routing.NumberPicker
	Live    LiveCalls
	Sink    EventSink
	Cap     CallCap
	Audit   Auditor
	Clock   clock.Clock
	Metrics *metrics.Engine
	Logger  *slog.Logger
}

func New(store campaigns.Store, machine *calls.Machine, placer Placer, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Picker == nil {
		opts.Picker = routing.NewNumberPicker(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     opts.Config.withDefaults(),
		store:   store,
		machine: machine,
		placer:  placer,
		picker:  opts.Picker,
		live:    opts.Live,
		sink:    opts.Sink,
		cap:     opts.Cap,
		audit:   opts.Audit,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     logger.Component(opts.Logger, "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		loops:   make(map[string]*loop),
	}
}

// StartCampaign moves a draft or paused campaign to active and starts its loop.
func (s *Scheduler) StartCampaign(ctx context.Context, campaignID string, actor Actor) (campaigns.Campaign, error) {
	prev, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return campaigns.Campaign{}, err
	}
	c, err := s.store.TransitionCampaign(ctx, campaignID,
		[]campaigns.Status{campaigns.StatusDraft, campaigns.StatusPaused},
		campaigns.StatusActive, "", s.clock.Now().UTC())
	if err != nil {
		return c, err
	}
	s.recordTransition(ctx, campaignID, actor, prev.Status, c.Status, "started")
	s.ensureLoop(campaignID).resetFailures()
	return c, nil
}

// PauseCampaign stops new placements. In-flight calls are left alone.
func (s *Scheduler) PauseCampaign(ctx context.Context, campaignID string, actor Actor) (campaigns.Campaign, error) {
	c, err := s.store.TransitionCampaign(ctx, campaignID,
		[]campaigns.Status{campaigns.StatusActive},
		campaigns.StatusPaused, "", s.clock.Now().UTC())
	if err != nil {
		return c, err
	}
	s.recordTransition(ctx, campaignID, actor, campaigns.StatusActive, c.Status, "paused")
	s.wake(campaignID)
	return c, nil
}

// ReasonCampaignCancelled labels calls torn down by a forced cancel.
const ReasonCampaignCancelled = "campaign_cancelled"

// CancelCampaign ends the campaign. With force, every in-flight call is
// signalled, its bridge torn down and the carrier asked to hang up.
func (s *Scheduler) CancelCampaign(ctx context.Context, campaignID string, force bool, actor Actor) (campaigns.Campaign, error) {
	prev, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return campaigns.Campaign{}, err
	}
	c, err := s.store.TransitionCampaign(ctx, campaignID,
		[]campaigns.Status{campaigns.StatusDraft, campaigns.StatusActive, campaigns.StatusPaused},
		campaigns.StatusCancelled, "", s.clock.Now().UTC())
	if err != nil {
		return c, err
	}
	msg := "cancelled"
	if force {
		msg = "cancelled (forced)"
	}
	s.recordTransition(ctx, campaignID, actor, prev.Status, c.Status, msg)

	if force {
		if err := s.teardownInFlight(ctx, campaignID); err != nil {
			s.log.Error("forced teardown incomplete", "campaign_id", campaignID, "err", err)
		}
	}
	s.wake(campaignID)
	return c, nil
}

func (s *Scheduler) teardownInFlight(ctx context.Context, campaignID string) error {
	inFlight, err := s.machine.ListNonTerminal(ctx, campaignID)
	if err != nil {
		return err
	}
	for _, call := range inFlight {
		log := s.log.With("campaign_id", campaignID, "call_sid", call.CallSid)
		if s.sink != nil {
			sig := calls.TerminationSignaled{
				Envelope: calls.Envelope{
					CallSid:    call.CallSid,
					Source:     calls.SourceSystem,
					EventID:    ReasonCampaignCancelled,
					OccurredAt: s.clock.Now().UTC(),
				},
				By:     "system",
				Reason: ReasonCampaignCancelled,
			}
			if err := s.sink.Ingest(ctx, sig); err != nil {
				log.Warn("cancel signal not recorded", "err", err)
			}
		}
		if s.live != nil {
			s.live.CloseCall(call.CallSid, ReasonCampaignCancelled)
		}
		if err := s.placer.Hangup(ctx, call.CallSid); err != nil {
			log.Warn("carrier hangup failed", "err", err)
		}
		if s.audit != nil {
			_ = s.audit.LogForcedTeardown(ctx, campaignID, call.CallSid, ReasonCampaignCancelled)
		}
		log.Info("in-flight call torn down")
	}
	return nil
}

// Run resumes loops for campaigns that still have work, then blocks until
// ctx is done and stops every loop.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, st := range []campaigns.Status{campaigns.StatusActive, campaigns.StatusPaused, campaigns.StatusCancelled} {
		list, err := s.store.ListCampaignsByStatus(ctx, st)
		if err != nil {
			return err
		}
		for _, c := range list {
			if st != campaigns.StatusActive {
				counts, err := s.store.CountContacts(ctx, c.ID)
				if err != nil || counts.Calling == 0 {
					continue
				}
			}
			s.log.Info("resuming campaign loop", "campaign_id", c.ID, "status", c.Status)
			s.ensureLoop(c.ID)
		}
	}
	<-ctx.Done()
	s.Close()
	return nil
}

// Close stops every loop and waits for them to exit.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Running reports whether a loop exists for the campaign.
func (s *Scheduler) Running(campaignID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[campaignID]
	return ok
}

func (s *Scheduler) ensureLoop(campaignID string) *loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loops[campaignID]; ok {
		l.poke()
		return l
	}
	l := newLoop(campaignID)
	if s.ctx.Err() != nil {
		return l
	}
	s.loops[campaignID] = l
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(s.ctx, l)
	}()
	return l
}

func (s *Scheduler) wake(campaignID string) {
	s.mu.Lock()
	l, ok := s.loops[campaignID]
	s.mu.Unlock()
	if ok {
		l.poke()
	}
}

// retire removes the loop unless the campaign picked up new work while it
// was deciding to exit. It reports whether the loop should stop; a loop that
// stays waits for its next wake or tick.
func (s *Scheduler) retire(ctx context.Context, l *loop) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-l.wake:
		l.poke()
		return false
	default:
	}
	if ctx.Err() == nil {
		c, err := s.store.GetCampaign(ctx, l.campaignID)
		if err == nil && c.Status == campaigns.StatusActive {
			return false
		}
	}
	delete(s.loops, l.campaignID)
	return true
}

func (s *Scheduler) recordTransition(ctx context.Context, campaignID string, actor Actor, from, to campaigns.Status, msg string) {
	s.metrics.ObserveTransition(string(to), msg)
	s.log.Info("campaign transition", "campaign_id", campaignID, "from", from, "to", to, "actor_id", actor.ID)
	if s.audit == nil {
		return
	}
	if err := s.audit.LogCampaignTransition(ctx, campaignID, actor.ID, actor.Role, string(from), string(to), msg); err != nil {
		s.log.Warn("audit append failed", "campaign_id", campaignID, "err", err)
	}
}

func isInvalidState(err error) bool {
	return errors.Is(err, campaigns.ErrInvalidState)
}
