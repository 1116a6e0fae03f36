package scheduler

import (
	"context"
	"errors"
	"time"

	"outbound-engine/internal/calls"
	"outbound-engine/internal/campaigns"
)

// OnCallTerminal frees the call's slot and advances its contact. It is
// called by the event normalizer once per finalized call and by the
// watchdog for finalizations it finds were missed. Repeated calls are no-ops.
func (s *Scheduler) OnCallTerminal(ctx context.Context, call calls.Call) error {
	if !call.Status.IsTerminal() || call.ContactID == "" {
		return nil
	}
	contact, err := s.store.GetContact(ctx, call.ContactID)
	if err != nil {
		return err
	}
	camp, err := s.store.GetCampaign(ctx, contact.CampaignID)
	if err != nil {
		return err
	}

	// A fast callback can finalize the call before its sid is attached.
	owned := contact.Status == campaigns.ContactCalling &&
		(contact.ActiveCallSid == call.CallSid || contact.ActiveCallSid == "")
	if owned {
		if _, err := s.settle(ctx, camp, contact, contact.ActiveCallSid, call.Status, string(call.Status)); err != nil {
			return err
		}
	}
	s.kick(camp)
	return nil
}

// retryable statuses return the contact to pending while retries remain.
func retryable(st calls.Status) bool {
	switch st {
	case calls.StatusBusy, calls.StatusNoAnswer, calls.StatusFailed, calls.StatusCanceled:
		return true
	}
	return false
}

// settle moves a calling contact to its next status by the retry policy and
// updates campaign stats. It reports false when another actor got there first.
func (s *Scheduler) settle(ctx context.Context, camp campaigns.Campaign, contact campaigns.Contact, expectedSid string, st calls.Status, result string) (bool, error) {
	now := s.clock.Now().UTC()
	next := contact
	next.ActiveCallSid = ""
	next.LastCallResult = result
	next.NextAttemptAt = nil
	next.UpdatedAt = now

	var delta campaigns.Stats
	switch {
	case st == calls.StatusCompleted:
		next.Status = campaigns.ContactCompleted
		delta.Completed = 1
	case retryable(st) && contact.CallCount < camp.Settings.MaxRetries:
		next.Status = campaigns.ContactPending
		at := now.Add(s.retryDelay(contact.CallCount))
		next.NextAttemptAt = &at
	default:
		next.Status = campaigns.ContactFailed
		delta.Failed = 1
	}

	if err := s.store.UpdateContact(ctx, next, campaigns.ContactCalling, expectedSid); err != nil {
		if errors.Is(err, campaigns.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	s.releaseCap(ctx, contact)
	if delta != (campaigns.Stats{}) {
		if err := s.store.AddStats(ctx, camp.ID, delta); err != nil {
			s.log.Error("stats update failed", "campaign_id", camp.ID, "err", err)
		}
	}
	s.log.Info("contact settled",
		"campaign_id", camp.ID,
		"contact_id", contact.ID,
		"call_sid", expectedSid,
		"result", result,
		"status", next.Status,
		"attempt", contact.CallCount,
	)
	return true, nil
}

// retryDelay is base * 2^(attempts-1), capped.
func (s *Scheduler) retryDelay(attempts int) time.Duration {
	d := s.cfg.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	if d > s.cfg.RetryMaxDelay {
		return s.cfg.RetryMaxDelay
	}
	return d
}

func (s *Scheduler) kick(camp campaigns.Campaign) {
	if camp.Status == campaigns.StatusActive {
		s.ensureLoop(camp.ID)
		return
	}
	s.wake(camp.ID)
}
