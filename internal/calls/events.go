package calls

import (
	"strconv"
	"time"
)

// Event is the closed set of normalized call events. Vendor payloads are
// converted into one of the variants below at the webhook/bridge boundary;
// the lifecycle machine never sees raw payloads.
type Event interface {
	Kind() EventKind
	Meta() Envelope
	sealed()
}

type EventKind string

const (
	KindStatusChanged       EventKind = "status"
	KindMachineDetected     EventKind = "amd"
	KindConversationStarted EventKind = "conversation_started"
	KindConversationEnded   EventKind = "conversation_ended"
	KindStreamEnded         EventKind = "stream_ended"
	KindTerminationSignaled EventKind = "termination_signal"
)

// Envelope carries the fields shared by every event.
// CampaignID/ContactID are correlation hints echoed back by the telephony
// vendor; they let a callback that races ahead of placement bookkeeping
// still land on the right call.
type Envelope struct {
	CallSid    string    `json:"call_sid"`
	Source     Source    `json:"source"`
	EventID    string    `json:"event_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`

	CampaignID string `json:"campaign_id,omitempty"`
	ContactID  string `json:"contact_id,omitempty"`
}

func (e Envelope) Meta() Envelope { return e }
func (Envelope) sealed()          {}

// StatusChanged is a call progress report (telephony status callback, watchdog reconciliation).
type StatusChanged struct {
	Envelope
	Status Status `json:"status"`
	// DurationSeconds is set on terminal telephony callbacks.
	DurationSeconds *int `json:"duration,omitempty"`
	// AnsweredBy is present when the vendor runs synchronous AMD.
	AnsweredBy AnsweredBy `json:"answered_by,omitempty"`
}

func (StatusChanged) Kind() EventKind { return KindStatusChanged }

// MachineDetected is an asynchronous answering-machine-detection result.
type MachineDetected struct {
	Envelope
	AnsweredBy  AnsweredBy `json:"answered_by"`
	DetectionMs int        `json:"detection_ms,omitempty"`
}

func (MachineDetected) Kind() EventKind { return KindMachineDetected }

// ConversationStarted is raised when the AI side assigns a conversation id.
type ConversationStarted struct {
	Envelope
	ConversationID string `json:"conversation_id"`
}

func (ConversationStarted) Kind() EventKind { return KindConversationStarted }

// ConversationEnded is the AI side's completion report.
type ConversationEnded struct {
	Envelope
	ConversationID    string `json:"conversation_id"`
	TranscriptPresent bool   `json:"transcript_present"`
	DurationSeconds   int    `json:"duration,omitempty"`
	// Reason is the AI vendor's own termination reason, if any.
	Reason string `json:"reason,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

func (ConversationEnded) Kind() EventKind { return KindConversationEnded }

type Leg string

const (
	LegTelephony Leg = "telephony"
	LegAI        Leg = "ai"
)

// StreamEnded is emitted by the media bridge when a bridged session ends.
type StreamEnded struct {
	Envelope
	// Leg is the side that ended first.
	Leg    Leg    `json:"leg"`
	Reason string `json:"reason,omitempty"`
	// TransportError marks an abnormal failure rather than a clean close.
	TransportError bool `json:"transport_error,omitempty"`
}

func (StreamEnded) Kind() EventKind { return KindStreamEnded }

// TerminationSignaled is an explicit application-triggered termination
// (API hangup, AMD action, forced campaign cancel).
type TerminationSignaled struct {
	Envelope
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (TerminationSignaled) Kind() EventKind { return KindTerminationSignaled }

// DedupKey builds the idempotency key (callSid, eventType, eventId-or-timestamp-bucket).
func DedupKey(ev Event, bucket time.Duration) string {
	m := ev.Meta()
	id := m.EventID
	if id == "" && !m.OccurredAt.IsZero() {
		at := m.OccurredAt
		if bucket > 0 {
			at = at.Truncate(bucket)
		}
		id = "t" + strconv.FormatInt(at.Unix(), 10)
	}
	if id == "" {
		id = "-"
	}
	return m.CallSid + "|" + string(ev.Kind()) + "|" + id
}
