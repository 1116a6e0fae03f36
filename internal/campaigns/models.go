package campaigns

import (
	"errors"
	"fmt"
	"time"

	"outbound-engine/internal/routing"
)

var (
	ErrNotFound        = errors.New("campaigns: not found")
	ErrConflict        = errors.New("campaigns: concurrent update")
	ErrInvalidState    = errors.New("campaigns: invalid state")
	ErrInvalidArgument = errors.New("campaigns: invalid argument")
)

// InvalidStateError is returned when a lifecycle operation is not allowed
// from the campaign's current status.
type InvalidStateError struct {
	CampaignID string
	Op         string
	Status     Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("campaigns: cannot %s campaign %s in status %s", e.Op, e.CampaignID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// Campaign is owned by the scheduler and only changes through status transitions
// and stats increments.
type Campaign struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	Status Status `json:"status" db:"status"`

	Settings Settings `json:"settings"`
	Stats    Stats    `json:"stats"`

	// FromNumber is the default caller ID; FromNumbers, when set, is a weighted pool.
	FromNumber  string                   `json:"from_number" db:"from_number"`
	FromNumbers []routing.WeightedNumber `json:"from_numbers,omitempty" db:"from_numbers"`

	// AgentID selects the conversational-AI agent for every call in the campaign.
	AgentID   string    `json:"agent_id" db:"agent_id"`
	AMDPolicy AMDPolicy `json:"amd_policy" db:"amd_policy"`

	// LastError is the owner-visible reason for an auto-pause.
	LastError string `json:"last_error,omitempty" db:"last_error"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Settings struct {
	MaxConcurrentCalls int `json:"max_concurrent_calls" db:"max_concurrent_calls"`
	CallDelayMs        int `json:"call_delay_ms" db:"call_delay_ms"`
	MaxRetries         int `json:"max_retries" db:"max_retries"`
}

func (s Settings) Validate() error {
	if s.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("%w: max_concurrent_calls must be > 0", ErrInvalidArgument)
	}
	if s.CallDelayMs < 0 {
		return fmt.Errorf("%w: call_delay_ms must be >= 0", ErrInvalidArgument)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidArgument)
	}
	return nil
}

func (s Settings) CallDelay() time.Duration {
	return time.Duration(s.CallDelayMs) * time.Millisecond
}

type Stats struct {
	Placed    int `json:"placed" db:"stats_placed"`
	Completed int `json:"completed" db:"stats_completed"`
	Failed    int `json:"failed" db:"stats_failed"`
}

// AMDPolicy decides what happens when answering-machine detection reports a machine.
type AMDPolicy string

const (
	AMDContinue AMDPolicy = "continue"
	AMDHangup   AMDPolicy = "hangup"
)

// Contact is one phone number's membership in a campaign.
//
// Invariant: at most one outstanding call per contact; ActiveCallSid is set
// only while Status is calling.
type Contact struct {
	ID          string `json:"id" db:"id"`
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	PhoneNumber string `json:"phone_number" db:"phone_number"`
	Name        string `json:"name,omitempty" db:"name"`
	Email       string `json:"email,omitempty" db:"email"`

	Status         ContactStatus `json:"status" db:"status"`
	CallCount      int           `json:"call_count" db:"call_count"`
	LastCallResult string        `json:"last_call_result,omitempty" db:"last_call_result"`
	ActiveCallSid  string        `json:"active_call_sid,omitempty" db:"active_call_sid"`

	LastContacted *time.Time `json:"last_contacted,omitempty" db:"last_contacted"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty" db:"next_attempt_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type ContactStatus string

const (
	ContactPending   ContactStatus = "pending"
	ContactCalling   ContactStatus = "calling"
	ContactCompleted ContactStatus = "completed"
	ContactFailed    ContactStatus = "failed"
)

type ContactCounts struct {
	Pending   int `json:"pending"`
	Calling   int `json:"calling"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Open is the number of contacts that still need work.
func (c ContactCounts) Open() int { return c.Pending + c.Calling }
