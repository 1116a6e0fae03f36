package calls

import (
	"strings"
	"time"
)

// Call is one outbound call attempt, keyed by the vendor-assigned CallSid.
//
// Invariants:
// - Status only moves forward (initiated -> ringing -> in-progress -> terminal).
// - Once terminal, Status never changes again; only supplementary fields may be filled in.
// - Version increases by one on every persisted mutation (optimistic concurrency).
type Call struct {
	CallSid    string `json:"call_sid" db:"call_sid"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	ContactID  string `json:"contact_id" db:"contact_id"`

	Status       Status `json:"status" db:"status"`
	StatusSource Source `json:"status_source,omitempty" db:"status_source"`

	AnsweredBy        AnsweredBy `json:"answered_by,omitempty" db:"answered_by"`
	ConversationID    string     `json:"conversation_id,omitempty" db:"conversation_id"`
	TranscriptPresent bool       `json:"transcript_present" db:"transcript_present"`

	// DurationSeconds is reported by the vendor on completion.
	DurationSeconds int `json:"duration" db:"duration"`

	Termination Termination `json:"termination"`

	// Evidence gathered while the call was live; attribution reads it at finalization.
	Signals        []Signal        `json:"signals,omitempty" db:"signals"`
	Corroborations []Corroboration `json:"corroborations,omitempty" db:"corroborations"`

	Version   int64      `json:"version" db:"version"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBusy       Status = "busy"
	StatusNoAnswer   Status = "no-answer"
	StatusCanceled   Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusRinging, StatusInProgress,
		StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	default:
		return false
	}
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	default:
		return false
	}
}

func (s Status) rank() int {
	switch s {
	case StatusInitiated:
		return 0
	case StatusRinging:
		return 1
	case StatusInProgress:
		return 2
	default:
		if s.IsTerminal() {
			return 3
		}
		return -1
	}
}

// Source tags where an event came from. System is used for events the engine
// raises itself (watchdog reconciliation, registry sweep).
type Source string

const (
	SourceTelephony Source = "telephony"
	SourceAI        Source = "conversational-ai"
	SourceSystem    Source = "system"
)

type AnsweredBy string

const (
	AnsweredByHuman             AnsweredBy = "human"
	AnsweredByMachineStart      AnsweredBy = "machine_start"
	AnsweredByMachineEndBeep    AnsweredBy = "machine_end_beep"
	AnsweredByMachineEndSilence AnsweredBy = "machine_end_silence"
	AnsweredByMachineEndOther   AnsweredBy = "machine_end_other"
	AnsweredByFax               AnsweredBy = "fax"
	AnsweredByUnknown           AnsweredBy = "unknown"
)

func (a AnsweredBy) IsMachine() bool {
	return strings.HasPrefix(string(a), "machine_")
}

// Precedence orders termination labels. Zero means no label recorded yet.
type Precedence int

const (
	PrecedenceNone Precedence = iota
	PrecedenceUnknown
	PrecedenceHeuristic
	PrecedenceAIReported
	PrecedenceExplicit
)

func (p Precedence) String() string {
	switch p {
	case PrecedenceUnknown:
		return "unknown"
	case PrecedenceHeuristic:
		return "heuristic"
	case PrecedenceAIReported:
		return "ai_reported"
	case PrecedenceExplicit:
		return "explicit"
	default:
		return "none"
	}
}

// Termination is the "who/why ended" label attached to a finished call.
type Termination struct {
	By         string     `json:"terminated_by,omitempty" db:"terminated_by"`
	Reason     string     `json:"termination_reason,omitempty" db:"termination_reason"`
	Source     string     `json:"termination_source,omitempty" db:"termination_source"`
	Precedence Precedence `json:"termination_precedence" db:"termination_precedence"`
}

type SignalKind string

const (
	// SignalApplication is raised by the engine itself: API hangup, AMD action, forced cancel, transport failure.
	SignalApplication SignalKind = "application"
	// SignalAI is a reason reported by the conversational-AI leg.
	SignalAI SignalKind = "ai"
)

// Signal is an explicit termination hint raised by either leg or the application.
type Signal struct {
	Kind   SignalKind `json:"kind"`
	Source Source     `json:"source"`
	By     string     `json:"by,omitempty"`
	Reason string     `json:"reason"`
	At     time.Time  `json:"at"`
}

// Corroboration records a terminal status reported after the call was already final.
type Corroboration struct {
	Source Source    `json:"source"`
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}
