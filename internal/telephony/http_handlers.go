package telephony

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"outbound-engine/internal/bridge"
	"outbound-engine/internal/calls"
	"outbound-engine/internal/observability/metrics"
	"outbound-engine/pkg/logger"
)

// EventSink is the single entry point into the call lifecycle.
type EventSink interface {
	Ingest(ctx context.Context, ev calls.Event) error
}

// MediaServer runs a bridged session for an accepted media stream.
type MediaServer interface {
	Serve(ctx context.Context, tel bridge.Leg) error
}

// WebhookHandler converts Twilio webhooks into normalized call events.
//
// No business logic here. Every request is authenticated with the
// X-Twilio-Signature header before it can affect state.
type WebhookHandler struct {
	AuthToken     string
	PublicBaseURL string
	// SkipSignature disables verification; only for local development.
	SkipSignature bool

	Sink    EventSink
	Media   MediaServer
	Metrics *metrics.Engine

	Upgrader websocket.Upgrader
	Now      func() time.Time
}

func (h *WebhookHandler) Register(r gin.IRoutes) {
	r.POST(PathStatus, h.HandleStatus)
	r.POST(PathAMD, h.HandleAMD)
	r.POST(PathAnswer, h.HandleAnswer)
	r.GET(PathMediaStream, h.HandleMediaStream)
}

func (h *WebhookHandler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// authenticate parses the form and verifies the signature; it aborts the request on failure.
func (h *WebhookHandler) authenticate(c *gin.Context) bool {
	log := logger.FromGin(c)
	if err := c.Request.ParseForm(); err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return false
	}
	if h.SkipSignature {
		return true
	}
	fullURL := h.PublicBaseURL + c.Request.URL.RequestURI()
	if !ValidateSignature(h.AuthToken, fullURL, c.Request.PostForm, c.GetHeader("X-Twilio-Signature")) {
		log.Warn("twilio webhook rejected: bad signature", "path", c.FullPath())
		h.Metrics.ObserveEvent(string(calls.SourceTelephony), "webhook", "unauthenticated")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return false
	}
	return true
}

func (h *WebhookHandler) HandleStatus(c *gin.Context) {
	start := time.Now()
	defer func() { h.Metrics.ObserveWebhookLatency("twilio_status", time.Since(start).Seconds()) }()
	if !h.authenticate(c) {
		return
	}
	ev, err := ParseStatusCallback(c.Request, h.now())
	if err != nil {
		logger.FromGin(c).Warn("twilio status callback invalid", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid status callback"})
		return
	}
	h.ingest(c, ev)
}

func (h *WebhookHandler) HandleAMD(c *gin.Context) {
	start := time.Now()
	defer func() { h.Metrics.ObserveWebhookLatency("twilio_amd", time.Since(start).Seconds()) }()
	if !h.authenticate(c) {
		return
	}
	ev, err := ParseAMDCallback(c.Request, h.now())
	if err != nil {
		logger.FromGin(c).Warn("twilio amd callback invalid", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid amd callback"})
		return
	}
	h.ingest(c, ev)
}

func (h *WebhookHandler) ingest(c *gin.Context, ev calls.Event) {
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event sink not configured"})
		return
	}
	if err := h.Sink.Ingest(c.Request.Context(), ev); err != nil {
		if errors.Is(err, calls.ErrInvalidEvent) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
			return
		}
		logger.FromGin(c).Error("twilio event ingest failed", "call_sid", ev.Meta().CallSid, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ingest failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleAnswer is the call's answer URL: it connects the call audio to the media stream.
func (h *WebhookHandler) HandleAnswer(c *gin.Context) {
	if !h.authenticate(c) {
		return
	}
	q := c.Request.URL.Query()
	twiml, err := RenderConnectStream(StreamURL(h.PublicBaseURL), map[string]string{
		"call_sid":    c.Request.PostFormValue("CallSid"),
		"campaign_id": q.Get("campaign_id"),
		"contact_id":  q.Get("contact_id"),
		"agent_id":    q.Get("agent_id"),
	})
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

// HandleMediaStream upgrades to a websocket and runs the bridge until the call ends.
func (h *WebhookHandler) HandleMediaStream(c *gin.Context) {
	log := logger.FromGin(c)
	if !h.SkipSignature {
		fullURL := h.PublicBaseURL + c.Request.URL.RequestURI()
		if !ValidateSignature(h.AuthToken, fullURL, nil, c.GetHeader("X-Twilio-Signature")) {
			log.Warn("media stream rejected: bad signature")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
	}
	if h.Media == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "media bridge not configured"})
		return
	}
	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("media stream upgrade failed", "err", err)
		return
	}
	leg := NewMediaStream(conn)
	defer leg.Close("handler_exit")

	if err := h.Media.Serve(c.Request.Context(), leg); err != nil {
		log.Warn("media stream ended with error", "err", err)
	}
}
