package convai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"outbound-engine/internal/calls"
	"outbound-engine/pkg/logger"
)

const PathPostCall = "/webhooks/convai/post-call"

type EventSink interface {
	Ingest(ctx context.Context, ev calls.Event) error
}

// WebhookHandler accepts post-call reports from the AI platform.
type WebhookHandler struct {
	Secret    string
	Tolerance time.Duration
	Sink      EventSink
	Now       func() time.Time
	// MaxBody bounds the request body (transcripts can be large).
	MaxBody int64
}

func (h *WebhookHandler) Register(r gin.IRoutes) {
	r.POST(PathPostCall, h.HandlePostCall)
}

func (h *WebhookHandler) HandlePostCall(c *gin.Context) {
	log := logger.FromGin(c)
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	limit := h.MaxBody
	if limit <= 0 {
		limit = 4 << 20
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if err := VerifySignature(h.Secret, c.GetHeader("ElevenLabs-Signature"), body, now(), h.Tolerance); err != nil {
		log.Warn("convai webhook rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	}

	ev, err := ParsePostCall(body, now())
	if err != nil {
		if errors.Is(err, ErrIgnoredEvent) {
			c.Status(http.StatusNoContent)
			return
		}
		log.Warn("convai webhook invalid", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event sink not configured"})
		return
	}
	if err := h.Sink.Ingest(c.Request.Context(), ev); err != nil {
		if errors.Is(err, calls.ErrInvalidEvent) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
			return
		}
		log.Error("convai event ingest failed", "call_sid", ev.CallSid, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ingest failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
