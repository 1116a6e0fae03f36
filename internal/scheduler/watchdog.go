package scheduler

import (
	"context"
	"errors"
	"strconv"

	"outbound-engine/internal/calls"
	"outbound-engine/internal/campaigns"
)

const reasonWatchdog = "watchdog_stale_call"

// reconcile finds contacts stuck in calling with no live bridge and settles
// them. Calls that are still open are ended through the event normalizer so
// the call record and the contact agree.
func (s *Scheduler) reconcile(ctx context.Context, camp campaigns.Campaign) {
	stuck, err := s.store.ListCalling(ctx, camp.ID)
	if err != nil {
		s.log.Error("watchdog list calling failed", "campaign_id", camp.ID, "err", err)
		return
	}
	now := s.clock.Now().UTC()
	for _, c := range stuck {
		if c.LastContacted != nil && now.Sub(*c.LastContacted) < s.cfg.StaleCallingAfter {
			continue
		}
		if c.ActiveCallSid != "" && s.live != nil && s.live.Has(c.ActiveCallSid) {
			continue
		}
		s.reconcileContact(ctx, camp, c)
	}
}

func (s *Scheduler) reconcileContact(ctx context.Context, camp campaigns.Campaign, c campaigns.Contact) {
	log := s.log.With("campaign_id", camp.ID, "contact_id", c.ID, "call_sid", c.ActiveCallSid)

	if c.ActiveCallSid == "" {
		if ok, err := s.settle(ctx, camp, c, "", calls.StatusCanceled, "watchdog_reset"); err != nil {
			log.Error("watchdog reset failed", "err", err)
		} else if ok {
			log.Warn("watchdog reset contact without call")
		}
		return
	}

	call, err := s.machine.Get(ctx, c.ActiveCallSid)
	switch {
	case err == nil && call.Status.IsTerminal():
		log.Warn("watchdog found missed finalization")
		if err := s.OnCallTerminal(ctx, call); err != nil {
			log.Error("watchdog settle failed", "err", err)
		}
		return
	case err != nil && !errors.Is(err, calls.ErrNotFound):
		log.Error("watchdog load call failed", "err", err)
		return
	}

	if err := s.placer.Hangup(ctx, c.ActiveCallSid); err != nil {
		log.Warn("watchdog hangup failed", "err", err)
	}
	if s.sink == nil {
		if _, err := s.settle(ctx, camp, c, c.ActiveCallSid, calls.StatusCanceled, "watchdog_reset"); err != nil {
			log.Error("watchdog reset failed", "err", err)
		}
		return
	}

	now := s.clock.Now().UTC()
	env := calls.Envelope{
		CallSid:    c.ActiveCallSid,
		Source:     calls.SourceSystem,
		EventID:    "watchdog#" + strconv.FormatInt(now.Unix(), 10),
		OccurredAt: now,
		CampaignID: camp.ID,
		ContactID:  c.ID,
	}
	if err := s.sink.Ingest(ctx, calls.TerminationSignaled{Envelope: env, By: "system", Reason: reasonWatchdog}); err != nil {
		log.Warn("watchdog signal not recorded", "err", err)
	}
	if err := s.sink.Ingest(ctx, calls.StatusChanged{Envelope: env, Status: calls.StatusCanceled}); err != nil {
		log.Error("watchdog finalize failed", "err", err)
		return
	}
	log.Warn("watchdog ended stale call")
}
