package convai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"outbound-engine/internal/bridge"
	"outbound-engine/pkg/logger"
)

const defaultConversationURL = "wss://api.elevenlabs.io/v1/convai/conversation"

type Config struct {
	APIKey string
	// BaseURL overrides the conversation websocket endpoint (tests).
	BaseURL string
	// DefaultAgentID is used when the stream does not carry one.
	DefaultAgentID string
	DialTimeout    time.Duration
}

// Dialer opens conversational-AI sessions. It implements bridge.AIDialer.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewDialer(cfg Config, log *slog.Logger) *Dialer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultConversationURL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Dialer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		log:    logger.Component(log, "convai"),
	}
}

func (d *Dialer) Dial(ctx context.Context, start bridge.StartInfo) (bridge.Leg, error) {
	agentID := strings.TrimSpace(start.AgentID)
	if agentID == "" {
		agentID = d.cfg.DefaultAgentID
	}
	if agentID == "" {
		return nil, errors.New("convai: agent id is required")
	}
	u, err := url.Parse(d.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("convai: invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.cfg.APIKey != "" {
		header.Set("xi-api-key", d.cfg.APIKey)
	}
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := d.dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("convai: dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("convai: dial: %w", err)
	}

	s := &Session{conn: conn, callSid: start.CallSid, closed: make(chan struct{}), log: d.log.With("call_sid", start.CallSid)}
	if err := s.writeJSON(ctx, initiation(start)); err != nil {
		_ = s.Close("init_failed")
		return nil, fmt.Errorf("convai: send initiation: %w", err)
	}
	return s, nil
}

// initiation builds the first client message: correlation ids and stream
// parameters as dynamic variables, plus the telephony audio format so the
// agent reads and speaks the carrier's codec.
func initiation(start bridge.StartInfo) map[string]any {
	vars := make(map[string]string, len(start.Parameters)+3)
	for k, v := range start.Parameters {
		vars[k] = v
	}
	vars["call_sid"] = start.CallSid
	vars["campaign_id"] = start.CampaignID
	vars["contact_id"] = start.ContactID

	msg := map[string]any{
		"type":              "conversation_initiation_client_data",
		"dynamic_variables": vars,
	}
	if format := audioFormat(start.Encoding, start.SampleRate); format != "" {
		msg["conversation_config_override"] = map[string]any{
			"asr": map[string]string{"user_input_audio_format": format},
			"tts": map[string]string{"agent_output_audio_format": format},
		}
	}
	return msg
}

// audioFormat maps a media stream codec onto the AI platform's format names.
// Unknown codecs return "" and the agent's configured format applies.
func audioFormat(encoding string, sampleRate int) string {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "audio/x-mulaw", "mulaw", "ulaw", "pcmu":
		return fmt.Sprintf("ulaw_%d", sampleRate)
	case "audio/l16", "pcm", "linear16":
		return fmt.Sprintf("pcm_%d", sampleRate)
	}
	return ""
}

// Session is the AI leg of a bridged call. It implements bridge.Leg.
type Session struct {
	conn    *websocket.Conn
	callSid string
	log     *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

type serverMessage struct {
	Type string `json:"type"`

	Metadata *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event,omitempty"`

	Ping *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event,omitempty"`
}

func (s *Session) Receive(ctx context.Context) (bridge.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return bridge.Frame{}, s.readError(err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "conversation_initiation_metadata":
			if msg.Metadata == nil {
				continue
			}
			return bridge.Frame{Kind: bridge.FrameStart, Start: &bridge.StartInfo{
				CallSid:        s.callSid,
				ConversationID: msg.Metadata.ConversationID,
				Encoding:       msg.Metadata.AgentOutputFormat,
			}}, nil
		case "audio":
			if msg.Audio == nil || msg.Audio.AudioBase64 == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Audio.AudioBase64)
			if err != nil {
				continue
			}
			return bridge.Frame{Kind: bridge.FrameMedia, Payload: audio}, nil
		case "interruption":
			return bridge.Frame{Kind: bridge.FrameClear}, nil
		case "ping":
			if msg.Ping == nil {
				continue
			}
			if err := s.writeJSON(ctx, map[string]any{"type": "pong", "event_id": msg.Ping.EventID}); err != nil {
				return bridge.Frame{}, err
			}
		}
	}
}

func (s *Session) readError(err error) error {
	select {
	case <-s.closed:
		return bridge.ErrLegClosed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}

// Send forwards caller audio. Marks and control frames have no AI-side equivalent.
func (s *Session) Send(ctx context.Context, f bridge.Frame) error {
	if f.Kind != bridge.FrameMedia || len(f.Payload) == 0 {
		return nil
	}
	return s.writeJSON(ctx, map[string]string{"user_audio_chunk": base64.StdEncoding.EncodeToString(f.Payload)})
}

func (s *Session) writeJSON(ctx context.Context, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.closed:
		return bridge.ErrLegClosed
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	return s.conn.WriteJSON(payload)
}

func (s *Session) Close(reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if len(reason) > 123 {
			reason = reason[:123]
		}
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		err = s.conn.Close()
		s.log.Debug("convai session closed", "reason", reason)
	})
	return err
}
