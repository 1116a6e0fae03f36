package campaigns

import (
	"context"
	"time"
)

// Store is the persistence contract consumed by the scheduler and the event normalizer.
//
// Every mutation is conditional:
// - TransitionCampaign only succeeds when the current status is one of from.
// - UpdateContact only succeeds when the stored contact still has the expected
//   status and active call sid, otherwise it returns ErrConflict.
type Store interface {
	CreateCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaignsByStatus(ctx context.Context, status Status) ([]Campaign, error)
	TransitionCampaign(ctx context.Context, id string, from []Status, to Status, lastError string, now time.Time) (Campaign, error)
	AddStats(ctx context.Context, id string, delta Stats) error

	InsertContacts(ctx context.Context, contacts []Contact) error
	GetContact(ctx context.Context, id string) (Contact, error)
	CountContacts(ctx context.Context, campaignID string) (ContactCounts, error)
	// ListPlaceable returns pending contacts due at now, retry-eligible first then oldest first.
	ListPlaceable(ctx context.Context, campaignID string, now time.Time, limit int) ([]Contact, error)
	ListCalling(ctx context.Context, campaignID string) ([]Contact, error)
	UpdateContact(ctx context.Context, next Contact, expectedStatus ContactStatus, expectedCallSid string) error
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// applyTransition stamps lifecycle timestamps for a status change.
func applyTransition(c *Campaign, to Status, lastError string, now time.Time) {
	c.Status = to
	c.LastError = lastError
	c.UpdatedAt = now
	if to == StatusActive && c.StartedAt == nil {
		t := now
		c.StartedAt = &t
	}
	if to.IsFinal() {
		t := now
		c.CompletedAt = &t
	}
}
