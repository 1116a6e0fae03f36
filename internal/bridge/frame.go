package bridge

import (
	"context"
	"errors"
)

type FrameKind string

const (
	FrameStart FrameKind = "start"
	FrameMedia FrameKind = "media"
	FrameMark  FrameKind = "mark"
	FrameClear FrameKind = "clear"
	FrameStop  FrameKind = "stop"
)

// StartInfo describes a media session. The telephony leg fills the call
// fields from its start message; the AI leg fills ConversationID.
type StartInfo struct {
	CallSid    string
	StreamSid  string
	CampaignID string
	ContactID  string
	AgentID    string

	ConversationID string

	// Encoding is the wire codec, e.g. "audio/x-mulaw".
	Encoding   string
	SampleRate int

	Parameters map[string]string
}

// Frame is the unit relayed between legs. Payload is raw (decoded) audio.
type Frame struct {
	Kind    FrameKind
	Payload []byte
	Mark    string
	Start   *StartInfo
}

// Leg is one side of a bridged call.
//
// Receive returns io.EOF when the remote side closed cleanly; any other error
// is a transport failure. Close must be safe to call more than once and must
// unblock a pending Receive.
type Leg interface {
	Receive(ctx context.Context) (Frame, error)
	Send(ctx context.Context, f Frame) error
	Close(reason string) error
}

// AIDialer opens the conversational-AI leg for a starting session.
type AIDialer interface {
	Dial(ctx context.Context, start StartInfo) (Leg, error)
}

var (
	ErrAlreadyRegistered = errors.New("bridge: call already bridged")
	ErrNoStart           = errors.New("bridge: stream ended before start frame")
	ErrLegClosed         = errors.New("bridge: leg closed")
)
