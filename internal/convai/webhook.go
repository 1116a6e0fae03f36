package convai

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"outbound-engine/internal/calls"
)

var (
	ErrBadSignature   = errors.New("convai: invalid webhook signature")
	ErrStaleSignature = errors.New("convai: webhook signature outside tolerance")
	ErrIgnoredEvent   = errors.New("convai: webhook type not handled")
)

// VerifySignature checks the post-call signature header, formatted as
// "t=<unix>,v0=<hex hmac-sha256(secret, "<unix>.<body>")>".
func VerifySignature(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if secret == "" || header == "" {
		return ErrBadSignature
	}
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v0":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return ErrBadSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrStaleSignature
		}
	}
	expected := Sign(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the hex signature for a timestamp and body.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

const postCallSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "data"],
  "properties": {
    "type": {"type": "string"},
    "event_timestamp": {"type": "integer"},
    "data": {
      "type": "object",
      "required": ["conversation_id"],
      "properties": {
        "agent_id": {"type": "string"},
        "conversation_id": {"type": "string", "minLength": 1},
        "status": {"type": "string"},
        "transcript": {"type": ["array", "null"]},
        "metadata": {
          "type": "object",
          "properties": {
            "call_duration_secs": {"type": "number", "minimum": 0},
            "termination_reason": {"type": "string"}
          }
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("post_call.json", postCallSchema)

type postCallPayload struct {
	Type           string `json:"type"`
	EventTimestamp int64  `json:"event_timestamp"`
	Data           struct {
		AgentID        string            `json:"agent_id"`
		ConversationID string            `json:"conversation_id"`
		Status         string            `json:"status"`
		Transcript     []json.RawMessage `json:"transcript"`
		Metadata       struct {
			CallDurationSecs  float64 `json:"call_duration_secs"`
			TerminationReason string  `json:"termination_reason"`
			PhoneCall         *struct {
				CallSid string `json:"call_sid"`
			} `json:"phone_call"`
		} `json:"metadata"`
		ClientData struct {
			DynamicVariables map[string]any `json:"dynamic_variables"`
		} `json:"conversation_initiation_client_data"`
	} `json:"data"`
}

// ParsePostCall validates a post-call webhook body and converts it to a ConversationEnded event.
func ParsePostCall(body []byte, now time.Time) (calls.ConversationEnded, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return calls.ConversationEnded{}, fmt.Errorf("%w: %v", calls.ErrInvalidEvent, err)
	}
	if err := schema.Validate(doc); err != nil {
		return calls.ConversationEnded{}, fmt.Errorf("%w: %v", calls.ErrInvalidEvent, err)
	}

	var p postCallPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return calls.ConversationEnded{}, fmt.Errorf("%w: %v", calls.ErrInvalidEvent, err)
	}
	failed := false
	switch p.Type {
	case "post_call_transcription":
	case "call_initiation_failure":
		failed = true
	default:
		return calls.ConversationEnded{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, p.Type)
	}
	if p.Data.Status == "failed" {
		failed = true
	}

	vars := p.Data.ClientData.DynamicVariables
	callSid := stringVar(vars, "call_sid")
	if callSid == "" && p.Data.Metadata.PhoneCall != nil {
		callSid = p.Data.Metadata.PhoneCall.CallSid
	}
	if callSid == "" {
		return calls.ConversationEnded{}, fmt.Errorf("%w: post-call payload carries no call sid", calls.ErrInvalidEvent)
	}

	occurred := now
	if p.EventTimestamp > 0 {
		occurred = time.Unix(p.EventTimestamp, 0)
	}
	return calls.ConversationEnded{
		Envelope: calls.Envelope{
			CallSid:    callSid,
			Source:     calls.SourceAI,
			EventID:    p.Data.ConversationID,
			OccurredAt: occurred.UTC(),
			CampaignID: stringVar(vars, "campaign_id"),
			ContactID:  stringVar(vars, "contact_id"),
		},
		ConversationID:    p.Data.ConversationID,
		TranscriptPresent: len(p.Data.Transcript) > 0,
		DurationSeconds:   int(p.Data.Metadata.CallDurationSecs),
		Reason:            normalizeReason(p.Data.Metadata.TerminationReason),
		Failed:            failed,
	}, nil
}

func stringVar(vars map[string]any, key string) string {
	if v, ok := vars[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// normalizeReason turns free-text vendor reasons ("Client disconnected: 1000")
// into snake_case tokens ("client_disconnected").
func normalizeReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if i := strings.Index(reason, ":"); i >= 0 {
		reason = reason[:i]
	}
	reason = strings.ToLower(strings.TrimSpace(reason))
	return strings.Join(strings.FieldsFunc(reason, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}), "_")
}
