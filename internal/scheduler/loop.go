package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"outbound-engine/internal/campaigns"
	"outbound-engine/internal/telephony"
)

type loop struct {
	campaignID string
	wake       chan struct{}

	mu            sync.Mutex
	failures      int
	lastPlacement time.Time
}

func newLoop(campaignID string) *loop {
	return &loop{campaignID: campaignID, wake: make(chan struct{}, 1)}
}

func (l *loop) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) resetFailures() {
	l.mu.Lock()
	l.failures = 0
	l.mu.Unlock()
}

func (l *loop) fail() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	return l.failures
}

func (l *loop) placed(at time.Time) {
	l.mu.Lock()
	l.lastPlacement = at
	l.mu.Unlock()
}

func (l *loop) last() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPlacement
}

func (s *Scheduler) runLoop(ctx context.Context, l *loop) {
	log := s.log.With("campaign_id", l.campaignID)
	ticker := s.clock.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()
	log.Debug("campaign loop started")
	defer log.Debug("campaign loop stopped")

	watchdog := false
	for {
		if ctx.Err() != nil {
			s.mu.Lock()
			delete(s.loops, l.campaignID)
			s.mu.Unlock()
			return
		}
		if keep := s.pass(ctx, l, watchdog); !keep && s.retire(ctx, l) {
			return
		}
		watchdog = false

		select {
		case <-ctx.Done():
		case <-l.wake:
		case <-ticker.C():
			watchdog = true
		}
	}
}

// pass runs one evaluation of the campaign. It reports whether the loop has
// more to do.
func (s *Scheduler) pass(ctx context.Context, l *loop, watchdog bool) bool {
	log := s.log.With("campaign_id", l.campaignID)
	camp, err := s.store.GetCampaign(ctx, l.campaignID)
	if errors.Is(err, campaigns.ErrNotFound) {
		return false
	}
	if err != nil {
		log.Error("load campaign failed", "err", err)
		return true
	}

	if watchdog {
		s.reconcile(ctx, camp)
	}

	counts, err := s.store.CountContacts(ctx, camp.ID)
	if err != nil {
		log.Error("count contacts failed", "err", err)
		return true
	}
	if camp.Status != campaigns.StatusActive {
		return counts.Calling > 0
	}
	if counts.Open() == 0 {
		s.complete(ctx, camp)
		return false
	}
	if s.picker.Pick(camp.FromNumbers, camp.FromNumber) == "" {
		s.failCampaign(ctx, camp, "no caller id configured")
		return counts.Calling > 0
	}

	s.placementPass(ctx, l, camp, counts)

	counts, err = s.store.CountContacts(ctx, camp.ID)
	if err != nil {
		log.Error("count contacts failed", "err", err)
		return true
	}
	if counts.Open() == 0 {
		s.complete(ctx, camp)
		return false
	}
	return true
}

func (s *Scheduler) placementPass(ctx context.Context, l *loop, camp campaigns.Campaign, counts campaigns.ContactCounts) {
	available := camp.Settings.MaxConcurrentCalls - counts.Calling
	if available <= 0 {
		return
	}
	contacts, err := s.store.ListPlaceable(ctx, camp.ID, s.clock.Now().UTC(), available)
	if err != nil {
		s.log.Error("list placeable contacts failed", "campaign_id", camp.ID, "err", err)
		return
	}
	for i, c := range contacts {
		if !s.pace(ctx, l, camp.Settings.CallDelay()) {
			return
		}
		if i > 0 && !s.stillActive(ctx, camp.ID) {
			return
		}
		if stop := s.placeOne(ctx, l, camp, c); stop {
			return
		}
	}
}

func (s *Scheduler) stillActive(ctx context.Context, campaignID string) bool {
	c, err := s.store.GetCampaign(ctx, campaignID)
	return err == nil && c.Status == campaigns.StatusActive
}

// pace waits until callDelay has passed since the previous placement.
func (s *Scheduler) pace(ctx context.Context, l *loop, delay time.Duration) bool {
	last := l.last()
	if delay <= 0 || last.IsZero() {
		return ctx.Err() == nil
	}
	wait := last.Add(delay).Sub(s.clock.Now())
	if wait <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(wait):
		return true
	}
}

// placeOne claims and dials one contact. It reports whether the pass should stop.
//
// Order:
//  1) account-wide cap
//  2) conditional claim pending -> calling (no sid yet)
//  3) carrier placement
//  4) call record + sid attached to the contact
func (s *Scheduler) placeOne(ctx context.Context, l *loop, camp campaigns.Campaign, c campaigns.Contact) bool {
	log := s.log.With("campaign_id", camp.ID, "contact_id", c.ID)
	now := s.clock.Now().UTC()

	claimed := c
	claimed.Status = campaigns.ContactCalling
	claimed.CallCount++
	claimed.ActiveCallSid = ""
	claimed.LastContacted = &now
	claimed.NextAttemptAt = nil
	claimed.UpdatedAt = now

	if s.cap != nil {
		ok, err := s.cap.Acquire(ctx, capHolder(claimed))
		if err != nil {
			s.metrics.ObservePlacement("cap_error")
			log.Warn("call cap unavailable", "err", err)
			return true
		}
		if !ok {
			s.metrics.ObservePlacement("cap_full")
			log.Debug("account call cap reached")
			return true
		}
	}

	if err := s.store.UpdateContact(ctx, claimed, campaigns.ContactPending, ""); err != nil {
		s.releaseCap(ctx, claimed)
		if errors.Is(err, campaigns.ErrConflict) {
			l.poke()
			return false
		}
		log.Error("claim contact failed", "err", err)
		return true
	}

	res, err := s.placer.PlaceCall(ctx, telephony.PlaceCallRequest{
		CampaignID:    camp.ID,
		ContactID:     c.ID,
		To:            c.PhoneNumber,
		From:          s.picker.Pick(camp.FromNumbers, camp.FromNumber),
		AgentID:       camp.AgentID,
		DetectMachine: camp.AMDPolicy != "",
	})
	l.placed(now)
	if err != nil {
		return s.placementFailed(ctx, l, camp, c, claimed, err)
	}
	l.resetFailures()
	log = log.With("call_sid", res.CallSid)

	if _, err := s.machine.Register(ctx, res.CallSid, camp.ID, c.ID); err != nil {
		log.Warn("register call failed", "err", err)
	}
	attached := claimed
	attached.ActiveCallSid = res.CallSid
	if err := s.store.UpdateContact(ctx, attached, campaigns.ContactCalling, ""); err != nil && !errors.Is(err, campaigns.ErrConflict) {
		log.Error("attach call sid failed", "err", err)
	}
	if err := s.store.AddStats(ctx, camp.ID, campaigns.Stats{Placed: 1}); err != nil {
		log.Error("stats update failed", "err", err)
	}
	s.metrics.ObservePlacement("placed")
	log.Info("call placed", "attempt", claimed.CallCount)
	return false
}

func (s *Scheduler) placementFailed(ctx context.Context, l *loop, camp campaigns.Campaign, orig, claimed campaigns.Contact, err error) bool {
	s.releaseCap(ctx, claimed)
	log := s.log.With("campaign_id", camp.ID, "contact_id", orig.ID)
	now := s.clock.Now().UTC()

	var invalid *telephony.InvalidContactError
	if errors.As(err, &invalid) {
		next := claimed
		next.Status = campaigns.ContactFailed
		next.LastCallResult = "invalid_number"
		next.UpdatedAt = now
		if uerr := s.store.UpdateContact(ctx, next, campaigns.ContactCalling, ""); uerr != nil {
			log.Error("fail contact failed", "err", uerr)
		} else if serr := s.store.AddStats(ctx, camp.ID, campaigns.Stats{Failed: 1}); serr != nil {
			log.Error("stats update failed", "err", serr)
		}
		s.metrics.ObservePlacement("invalid_contact")
		log.Warn("contact number rejected by carrier", "err", err)
		// The slot is still free.
		l.poke()
		return false
	}

	next := orig
	at := now.Add(s.cfg.TransientRequeueDelay)
	next.NextAttemptAt = &at
	next.LastCallResult = "placement_error"
	next.UpdatedAt = now
	if uerr := s.store.UpdateContact(ctx, next, campaigns.ContactCalling, ""); uerr != nil {
		log.Error("requeue contact failed", "err", uerr)
	}
	s.metrics.ObservePlacement("transient")

	n := l.fail()
	log.Warn("placement failed", "consecutive_failures", n, "err", err)
	if n >= s.cfg.ConsecutiveFailureLimit {
		s.autoPause(ctx, camp.ID, fmt.Sprintf("auto-paused after %d consecutive placement failures: %v", n, err))
		l.resetFailures()
	}
	return true
}

func (s *Scheduler) autoPause(ctx context.Context, campaignID, reason string) {
	_, err := s.store.TransitionCampaign(ctx, campaignID,
		[]campaigns.Status{campaigns.StatusActive}, campaigns.StatusPaused, reason, s.clock.Now().UTC())
	if err != nil {
		if !isInvalidState(err) {
			s.log.Error("auto-pause failed", "campaign_id", campaignID, "err", err)
		}
		return
	}
	s.metrics.ObserveTransition(string(campaigns.StatusPaused), "auto_pause")
	s.log.Warn("campaign auto-paused", "campaign_id", campaignID, "reason", reason)
	if s.audit != nil {
		if err := s.audit.LogAutoPause(ctx, campaignID, reason); err != nil {
			s.log.Warn("audit append failed", "campaign_id", campaignID, "err", err)
		}
	}
}

func (s *Scheduler) complete(ctx context.Context, camp campaigns.Campaign) {
	c, err := s.store.TransitionCampaign(ctx, camp.ID,
		[]campaigns.Status{campaigns.StatusActive}, campaigns.StatusCompleted, "", s.clock.Now().UTC())
	if err != nil {
		if !isInvalidState(err) {
			s.log.Error("complete campaign failed", "campaign_id", camp.ID, "err", err)
		}
		return
	}
	s.recordTransition(ctx, camp.ID, Actor{}, campaigns.StatusActive, c.Status, "all contacts resolved")
}

func (s *Scheduler) failCampaign(ctx context.Context, camp campaigns.Campaign, reason string) {
	c, err := s.store.TransitionCampaign(ctx, camp.ID,
		[]campaigns.Status{campaigns.StatusActive}, campaigns.StatusFailed, reason, s.clock.Now().UTC())
	if err != nil {
		if !isInvalidState(err) {
			s.log.Error("fail campaign failed", "campaign_id", camp.ID, "err", err)
		}
		return
	}
	s.recordTransition(ctx, camp.ID, Actor{}, campaigns.StatusActive, c.Status, reason)
}

func (s *Scheduler) releaseCap(ctx context.Context, c campaigns.Contact) {
	if s.cap == nil {
		return
	}
	if err := s.cap.Release(ctx, capHolder(c)); err != nil {
		s.log.Warn("call cap release failed", "contact_id", c.ID, "err", err)
	}
}
