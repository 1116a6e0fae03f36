package telephony

import (
	"context"
	"fmt"
)

// Provider places and tears down outbound calls.
//
// Rules:
// - No provider REST calls outside telephony adapters.
// - Adapters classify every placement failure as *TransientPlacementError or
//   *InvalidContactError so the scheduler can decide between requeue and fail.
type Provider interface {
	Name() string
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	Hangup(ctx context.Context, callSid string) error
}

// PlaceCallRequest is one outbound dial. CampaignID/ContactID are echoed back
// on every callback so events can be correlated before placement bookkeeping lands.
type PlaceCallRequest struct {
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`

	// To and From are E.164.
	To   string `json:"to"`
	From string `json:"from"`

	// AgentID is passed to the media stream so the bridge dials the right agent.
	AgentID string `json:"agent_id"`

	// DetectMachine enables asynchronous answering-machine detection.
	DetectMachine bool `json:"detect_machine"`
}

type PlaceCallResult struct {
	CallSid string `json:"call_sid"`
	// Status is the provider's initial status (usually "queued").
	Status string `json:"status,omitempty"`
}

// TransientPlacementError covers rate limits, balance problems and provider
// outages. The contact is requeued.
type TransientPlacementError struct {
	StatusCode int
	Code       int
	Err        error
}

func (e *TransientPlacementError) Error() string {
	return fmt.Sprintf("telephony: transient placement failure (http=%d code=%d): %v", e.StatusCode, e.Code, e.Err)
}

func (e *TransientPlacementError) Unwrap() error { return e.Err }

// InvalidContactError means the destination can never be dialed. The contact fails permanently.
type InvalidContactError struct {
	Number string
	Code   int
	Err    error
}

func (e *InvalidContactError) Error() string {
	return fmt.Sprintf("telephony: invalid destination %s (code=%d): %v", e.Number, e.Code, e.Err)
}

func (e *InvalidContactError) Unwrap() error { return e.Err }
