package crm

import (
	"fmt"
	"strings"

	"outbound-engine/internal/calls"
	"outbound-engine/internal/campaigns"
)

// Outcome is the CRM-facing summary of how a call went.
type Outcome string

const (
	OutcomeHeld         Outcome = "held"
	OutcomeNoAnswer     Outcome = "no answer"
	OutcomeNoConnection Outcome = "no connection"
	OutcomeVoicemail    Outcome = "voicemail"
)

const TypeCallSummary = "call_summary"

type Notification struct {
	Type     string  `json:"type"`
	Subject  string  `json:"subject"`
	To       string  `json:"to"`
	Name     string  `json:"name,omitempty"`
	Email    string  `json:"email,omitempty"`
	Summary  string  `json:"summary"`
	Status   Outcome `json:"status"`
	Duration int     `json:"duration"`

	CallSid    string `json:"call_sid"`
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`
}

// OutcomeOf maps a finalized call onto the CRM's four outcomes.
func OutcomeOf(c calls.Call) Outcome {
	switch {
	case c.AnsweredBy.IsMachine():
		return OutcomeVoicemail
	case c.Status == calls.StatusBusy || c.Status == calls.StatusNoAnswer:
		return OutcomeNoAnswer
	case c.Status == calls.StatusCompleted && (c.DurationSeconds > 0 || c.TranscriptPresent):
		return OutcomeHeld
	case c.Status == calls.StatusCompleted:
		return OutcomeNoAnswer
	default:
		return OutcomeNoConnection
	}
}

func FromCall(c calls.Call, contact campaigns.Contact) Notification {
	outcome := OutcomeOf(c)
	who := contact.Name
	if who == "" {
		who = contact.PhoneNumber
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Outbound call to %s ended with status %s", contact.PhoneNumber, c.Status)
	if c.DurationSeconds > 0 {
		fmt.Fprintf(&b, " after %ds", c.DurationSeconds)
	}
	if c.Termination.By != "" {
		fmt.Fprintf(&b, "; ended by %s", c.Termination.By)
		if c.Termination.Reason != "" {
			fmt.Fprintf(&b, " (%s)", c.Termination.Reason)
		}
	}
	b.WriteString(".")

	return Notification{
		Type:       TypeCallSummary,
		Subject:    fmt.Sprintf("Call with %s: %s", who, outcome),
		To:         contact.PhoneNumber,
		Name:       contact.Name,
		Email:      contact.Email,
		Summary:    b.String(),
		Status:     outcome,
		Duration:   c.DurationSeconds,
		CallSid:    c.CallSid,
		CampaignID: c.CampaignID,
		ContactID:  c.ContactID,
	}
}
