package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"outbound-engine/internal/calls"
)

const (
	PathStatus      = "/webhooks/twilio/status"
	PathAMD         = "/webhooks/twilio/amd"
	PathAnswer      = "/webhooks/twilio/answer"
	PathMediaStream = "/webhooks/twilio/media-stream"
)

// ValidateSignature checks X-Twilio-Signature: base64(HMAC-SHA1(authToken, URL + sorted k/v pairs)).
// fullURL must be the exact public URL Twilio requested, including the query string.
func ValidateSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := computeSignature(buildSignaturePayload(fullURL, params), authToken)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func buildSignaturePayload(fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	return b.String()
}

func computeSignature(data, key string) string {
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// twilioStatuses maps CallStatus values to lifecycle statuses. "queued" is
// reported before the call is dialed and is treated as initiated.
var twilioStatuses = map[string]calls.Status{
	"queued":      calls.StatusInitiated,
	"initiated":   calls.StatusInitiated,
	"ringing":     calls.StatusRinging,
	"in-progress": calls.StatusInProgress,
	"answered":    calls.StatusInProgress,
	"completed":   calls.StatusCompleted,
	"busy":        calls.StatusBusy,
	"failed":      calls.StatusFailed,
	"no-answer":   calls.StatusNoAnswer,
	"canceled":    calls.StatusCanceled,
}

var twilioAnsweredBy = map[string]calls.AnsweredBy{
	"human":               calls.AnsweredByHuman,
	"machine_start":       calls.AnsweredByMachineStart,
	"machine_end_beep":    calls.AnsweredByMachineEndBeep,
	"machine_end_silence": calls.AnsweredByMachineEndSilence,
	"machine_end_other":   calls.AnsweredByMachineEndOther,
	"fax":                 calls.AnsweredByFax,
	"unknown":             calls.AnsweredByUnknown,
}

// ParseStatusCallback converts a status callback into a StatusChanged event.
// The request form must already be parsed.
func ParseStatusCallback(r *http.Request, now time.Time) (calls.StatusChanged, error) {
	callSid := strings.TrimSpace(r.PostFormValue("CallSid"))
	if callSid == "" {
		return calls.StatusChanged{}, fmt.Errorf("%w: CallSid missing", calls.ErrInvalidEvent)
	}
	raw := strings.TrimSpace(r.PostFormValue("CallStatus"))
	status, ok := twilioStatuses[raw]
	if !ok {
		return calls.StatusChanged{}, fmt.Errorf("%w: CallStatus %q", calls.ErrInvalidEvent, raw)
	}

	ev := calls.StatusChanged{
		Envelope: envelope(r, callSid, now),
		Status:   status,
	}
	ev.EventID = raw
	if seq := strings.TrimSpace(r.PostFormValue("SequenceNumber")); seq != "" {
		ev.EventID = raw + "#" + seq
	}
	if d := strings.TrimSpace(r.PostFormValue("CallDuration")); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			return calls.StatusChanged{}, fmt.Errorf("%w: CallDuration %q", calls.ErrInvalidEvent, d)
		}
		ev.DurationSeconds = &n
	}
	if ab := strings.TrimSpace(r.PostFormValue("AnsweredBy")); ab != "" {
		ev.AnsweredBy = twilioAnsweredBy[ab]
	}
	return ev, nil
}

// ParseAMDCallback converts an asynchronous AMD callback into a MachineDetected event.
func ParseAMDCallback(r *http.Request, now time.Time) (calls.MachineDetected, error) {
	callSid := strings.TrimSpace(r.PostFormValue("CallSid"))
	if callSid == "" {
		return calls.MachineDetected{}, fmt.Errorf("%w: CallSid missing", calls.ErrInvalidEvent)
	}
	raw := strings.TrimSpace(r.PostFormValue("AnsweredBy"))
	answeredBy, ok := twilioAnsweredBy[raw]
	if !ok {
		return calls.MachineDetected{}, fmt.Errorf("%w: AnsweredBy %q", calls.ErrInvalidEvent, raw)
	}
	ev := calls.MachineDetected{
		Envelope:   envelope(r, callSid, now),
		AnsweredBy: answeredBy,
	}
	ev.EventID = "amd#" + raw
	if ms := strings.TrimSpace(r.PostFormValue("MachineDetectionDuration")); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil {
			ev.DetectionMs = n
		}
	}
	return ev, nil
}

func envelope(r *http.Request, callSid string, now time.Time) calls.Envelope {
	occurred := now
	if ts := strings.TrimSpace(r.PostFormValue("Timestamp")); ts != "" {
		if t, err := time.Parse(time.RFC1123Z, ts); err == nil {
			occurred = t
		}
	}
	q := r.URL.Query()
	return calls.Envelope{
		CallSid:    callSid,
		Source:     calls.SourceTelephony,
		OccurredAt: occurred.UTC(),
		CampaignID: q.Get("campaign_id"),
		ContactID:  q.Get("contact_id"),
	}
}
