package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"outbound-engine/internal/bridge"
)

const (
	mediaStreamReadLimit   = 64 << 10
	mediaStreamWriteWindow = 5 * time.Second
)

// MediaStream is the telephony leg of a bridged call: a Twilio Media Streams
// websocket. It implements bridge.Leg.
type MediaStream struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	streamSid string

	closeOnce sync.Once
	closed    chan struct{}
}

func NewMediaStream(conn *websocket.Conn) *MediaStream {
	conn.SetReadLimit(mediaStreamReadLimit)
	return &MediaStream{conn: conn, closed: make(chan struct{})}
}

type streamMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`

	Start *struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
		MediaFormat      struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
		} `json:"mediaFormat"`
	} `json:"start,omitempty"`

	Media *streamMedia `json:"media,omitempty"`
	Mark  *streamMark  `json:"mark,omitempty"`
}

type streamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type streamMark struct {
	Name string `json:"name"`
}

func (m *MediaStream) Receive(ctx context.Context) (bridge.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = m.conn.SetReadDeadline(deadline)
	} else {
		_ = m.conn.SetReadDeadline(time.Time{})
	}
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			return bridge.Frame{}, m.readError(err)
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "start":
			if msg.Start == nil {
				continue
			}
			sid := msg.Start.StreamSid
			if sid == "" {
				sid = msg.StreamSid
			}
			m.mu.Lock()
			m.streamSid = sid
			m.mu.Unlock()
			params := msg.Start.CustomParameters
			callSid := msg.Start.CallSid
			if callSid == "" {
				callSid = params["call_sid"]
			}
			return bridge.Frame{Kind: bridge.FrameStart, Start: &bridge.StartInfo{
				CallSid:    callSid,
				StreamSid:  sid,
				CampaignID: params["campaign_id"],
				ContactID:  params["contact_id"],
				AgentID:    params["agent_id"],
				Encoding:   msg.Start.MediaFormat.Encoding,
				SampleRate: msg.Start.MediaFormat.SampleRate,
				Parameters: params,
			}}, nil
		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			return bridge.Frame{Kind: bridge.FrameMedia, Payload: audio}, nil
		case "mark":
			if msg.Mark == nil {
				continue
			}
			return bridge.Frame{Kind: bridge.FrameMark, Mark: msg.Mark.Name}, nil
		case "stop":
			return bridge.Frame{Kind: bridge.FrameStop}, nil
		}
	}
}

func (m *MediaStream) readError(err error) error {
	select {
	case <-m.closed:
		return bridge.ErrLegClosed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}

func (m *MediaStream) Send(ctx context.Context, f bridge.Frame) error {
	m.mu.Lock()
	sid := m.streamSid
	m.mu.Unlock()

	msg := streamMessage{StreamSid: sid}
	switch f.Kind {
	case bridge.FrameMedia:
		msg.Event = "media"
		msg.Media = &streamMedia{Payload: base64.StdEncoding.EncodeToString(f.Payload)}
	case bridge.FrameMark:
		msg.Event = "mark"
		msg.Mark = &streamMark{Name: f.Mark}
	case bridge.FrameClear:
		msg.Event = "clear"
	default:
		return nil
	}
	return m.writeJSON(ctx, msg)
}

func (m *MediaStream) writeJSON(ctx context.Context, payload any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	select {
	case <-m.closed:
		return bridge.ErrLegClosed
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = m.conn.SetWriteDeadline(deadline)
	} else {
		_ = m.conn.SetWriteDeadline(time.Now().Add(mediaStreamWriteWindow))
	}
	if err := m.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("media stream write: %w", err)
	}
	return nil
}

func (m *MediaStream) Close(reason string) error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		// Close reasons are limited to 123 bytes by the websocket protocol.
		reason = strings.TrimSpace(reason)
		if len(reason) > 123 {
			reason = reason[:123]
		}
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		err = m.conn.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
