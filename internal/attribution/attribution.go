package attribution

import (
	"slices"

	"outbound-engine/internal/calls"
)

// ShortCallSeconds is the answered-call duration below which the callee is
// assumed to have hung up immediately.
const ShortCallSeconds = 5

// Evidence is whatever the call carries at finalization time. Any field may be empty.
type Evidence struct {
	Status            calls.Status
	StatusSource      calls.Source
	DurationSeconds   int
	AnsweredBy        calls.AnsweredBy
	ConversationID    string
	TranscriptPresent bool
	Signals           []calls.Signal
}

func FromCall(c calls.Call) Evidence {
	return Evidence{
		Status:            c.Status,
		StatusSource:      c.StatusSource,
		DurationSeconds:   c.DurationSeconds,
		AnsweredBy:        c.AnsweredBy,
		ConversationID:    c.ConversationID,
		TranscriptPresent: c.TranscriptPresent,
		Signals:           c.Signals,
	}
}

// Rule is one row of the attribution table. Match returns the label (without
// precedence) when the rule applies.
type Rule struct {
	Name       string
	Precedence calls.Precedence
	Match      func(Evidence) (calls.Termination, bool)
}

// Table is evaluated in precedence order (highest first); rules with equal
// precedence keep their declared order. The first match wins.
type Table []Rule

func (t Table) Attribute(ev Evidence) calls.Termination {
	ordered := slices.Clone(t)
	slices.SortStableFunc(ordered, func(a, b Rule) int { return int(b.Precedence) - int(a.Precedence) })
	for _, r := range ordered {
		label, ok := r.Match(ev)
		if !ok {
			continue
		}
		label.Precedence = r.Precedence
		return label
	}
	return calls.Termination{By: "unknown", Reason: "unknown", Source: "none", Precedence: calls.PrecedenceUnknown}
}

// Default is the production rule table.
func Default() Table {
	return Table{
		{Name: "explicit_signal", Precedence: calls.PrecedenceExplicit, Match: explicitSignal},
		{Name: "ai_reported", Precedence: calls.PrecedenceAIReported, Match: aiReported},
		{Name: "not_connected", Precedence: calls.PrecedenceHeuristic, Match: notConnected},
		{Name: "immediate_hangup", Precedence: calls.PrecedenceHeuristic, Match: immediateHangup},
		{Name: "machine_completed", Precedence: calls.PrecedenceHeuristic, Match: machineCompleted},
		{Name: "no_transcript", Precedence: calls.PrecedenceHeuristic, Match: noTranscript},
		{Name: "unknown", Precedence: calls.PrecedenceUnknown, Match: unknown},
	}
}

func latestSignal(signals []calls.Signal, kind calls.SignalKind) (calls.Signal, bool) {
	for i := len(signals) - 1; i >= 0; i-- {
		if signals[i].Kind == kind {
			return signals[i], true
		}
	}
	return calls.Signal{}, false
}

func explicitSignal(ev Evidence) (calls.Termination, bool) {
	s, ok := latestSignal(ev.Signals, calls.SignalApplication)
	if !ok {
		return calls.Termination{}, false
	}
	by := s.By
	if by == "" {
		by = "system"
	}
	return calls.Termination{By: by, Reason: s.Reason, Source: "application"}, true
}

// aiParty maps termination reasons reported by the AI platform to the party
// that ended the call.
var aiParty = map[string]string{
	"end_call":             "agent",
	"agent_ended":          "agent",
	"max_duration_reached": "system",
	"silence_timeout":      "system",
	"user_hangup":          "user",
	"client_disconnected":  "user",
	"remote_party_hangup":  "user",
}

func aiReported(ev Evidence) (calls.Termination, bool) {
	s, ok := latestSignal(ev.Signals, calls.SignalAI)
	if !ok {
		return calls.Termination{}, false
	}
	by := s.By
	if by == "" {
		by = aiParty[s.Reason]
	}
	if by == "" {
		by = "agent"
	}
	return calls.Termination{By: by, Reason: s.Reason, Source: string(calls.SourceAI)}, true
}

func notConnected(ev Evidence) (calls.Termination, bool) {
	switch ev.Status {
	case calls.StatusBusy, calls.StatusNoAnswer, calls.StatusFailed, calls.StatusCanceled:
		return calls.Termination{By: "system", Reason: string(ev.Status), Source: string(calls.SourceTelephony)}, true
	}
	return calls.Termination{}, false
}

func immediateHangup(ev Evidence) (calls.Termination, bool) {
	if ev.Status != calls.StatusCompleted || ev.AnsweredBy.IsMachine() {
		return calls.Termination{}, false
	}
	if ev.DurationSeconds <= 0 || ev.DurationSeconds >= ShortCallSeconds {
		return calls.Termination{}, false
	}
	return calls.Termination{By: "user", Reason: "immediate_hangup", Source: string(calls.SourceTelephony)}, true
}

func machineCompleted(ev Evidence) (calls.Termination, bool) {
	if ev.Status != calls.StatusCompleted || !ev.AnsweredBy.IsMachine() || ev.DurationSeconds < ShortCallSeconds {
		return calls.Termination{}, false
	}
	return calls.Termination{By: "agent", Reason: "voicemail_completed", Source: string(calls.SourceTelephony)}, true
}

// noTranscript fires only when the AI side never opened a conversation; an
// open conversation's transcript usually lands after the carrier's callback.
func noTranscript(ev Evidence) (calls.Termination, bool) {
	if ev.Status != calls.StatusCompleted || ev.TranscriptPresent || ev.ConversationID != "" {
		return calls.Termination{}, false
	}
	return calls.Termination{By: "user", Reason: "hangup_without_conversation", Source: string(calls.SourceTelephony)}, true
}

func unknown(Evidence) (calls.Termination, bool) {
	return calls.Termination{By: "unknown", Reason: "unknown", Source: "none"}, true
}
