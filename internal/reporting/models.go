package reporting

import (
	"time"

	"outbound-engine/internal/calls"
	"outbound-engine/internal/campaigns"
)

// Progress is a point-in-time view of one campaign for its owner.
type Progress struct {
	CampaignID string             `json:"campaign_id"`
	Name       string             `json:"name"`
	Status     campaigns.Status   `json:"status"`
	LastError  string             `json:"last_error,omitempty"`
	Settings   campaigns.Settings `json:"settings"`
	Stats      campaigns.Stats    `json:"stats"`

	Contacts campaigns.ContactCounts `json:"contacts"`
	// PercentDone is the share of contacts in a final status, 0..100.
	PercentDone float64 `json:"percent_done"`

	InFlight        []InFlightCall  `json:"in_flight"`
	InFlightSummary InFlightSummary `json:"in_flight_summary"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	GeneratedAt time.Time  `json:"generated_at"`
}

type InFlightCall struct {
	CallSid    string           `json:"call_sid"`
	ContactID  string           `json:"contact_id"`
	Status     calls.Status     `json:"status"`
	AnsweredBy calls.AnsweredBy `json:"answered_by,omitempty"`
	// AgeSeconds is measured from call creation.
	AgeSeconds int `json:"age_seconds"`
}

type InFlightSummary struct {
	Initiated  int `json:"initiated"`
	Ringing    int `json:"ringing"`
	InProgress int `json:"in_progress"`
	Machine    int `json:"machine"`
}
