package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - campaign_id is required; every record belongs to one campaign.
// - Actor capture is best-effort; do not block campaign control on audit failures.
//
// Storage (Postgres): table audit_events, INSERT-only.
type Event struct {
	ID         string    `json:"id" db:"id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	Type       EventType `json:"type" db:"type"`

	// ActorID is the operator causing the event; empty for engine-initiated events.
	ActorID   string `json:"actor_id,omitempty" db:"actor_id"`
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`

	FromStatus string `json:"from_status,omitempty" db:"from_status"`
	ToStatus   string `json:"to_status,omitempty" db:"to_status"`
	CallSid    string `json:"call_sid,omitempty" db:"call_sid"`

	// Message is a short human-readable description for the campaign owner.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeTransition     EventType = "campaign_transition"
	EventTypeAutoPause      EventType = "campaign_autopaused"
	EventTypeForcedTeardown EventType = "forced_teardown"
)
