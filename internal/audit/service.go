package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the append-only store for audit events. Events are never
// updated or deleted.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCampaign(ctx context.Context, campaignID string, limit int) ([]Event, error)
}

// Service records campaign lifecycle decisions.
//
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CampaignID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogCampaignTransition records an operator-driven or engine-driven status change.
func (s *Service) LogCampaignTransition(ctx context.Context, campaignID, actorID, actorRole, from, to, message string) error {
	return s.Append(ctx, Event{
		CampaignID: campaignID,
		Type:       EventTypeTransition,
		ActorID:    actorID,
		ActorRole:  actorRole,
		FromStatus: from,
		ToStatus:   to,
		Message:    message,
	})
}

func (s *Service) LogAutoPause(ctx context.Context, campaignID, reason string) error {
	return s.Append(ctx, Event{
		CampaignID: campaignID,
		Type:       EventTypeAutoPause,
		FromStatus: "active",
		ToStatus:   "paused",
		Message:    reason,
	})
}

// LogForcedTeardown records one in-flight call torn down by a forced cancel.
func (s *Service) LogForcedTeardown(ctx context.Context, campaignID, callSid, reason string) error {
	return s.Append(ctx, Event{
		CampaignID: campaignID,
		Type:       EventTypeForcedTeardown,
		CallSid:    callSid,
		Message:    reason,
	})
}

func (s *Service) List(ctx context.Context, campaignID string, limit int) ([]Event, error) {
	if campaignID == "" {
		return nil, ErrInvalidEvent
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListByCampaign(ctx, campaignID, limit)
}
