package crm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"outbound-engine/internal/clock"
	"outbound-engine/internal/observability/metrics"
	"outbound-engine/pkg/logger"
)

// Transport delivers one notification. Errors wrapped with Permanent are not retried.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Config struct {
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// RatePerSecond bounds deliveries; zero means unlimited.
	RatePerSecond float64
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	return c
}

// Notifier decouples CRM delivery from call finalization: Enqueue never
// blocks and a single worker delivers in order, retrying with backoff.
type Notifier struct {
	cfg       Config
	transport Transport
	queue     chan Notification
	limiter   *rate.Limiter
	clock     clock.Clock
	metrics   *metrics.Engine
	log       *slog.Logger
}

func NewNotifier(cfg Config, transport Transport, clk clock.Clock, m *metrics.Engine, log *slog.Logger) *Notifier {
	cfg = cfg.withDefaults()
	if transport == nil {
		transport = NopTransport{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Notifier{
		cfg:       cfg,
		transport: transport,
		queue:     make(chan Notification, cfg.QueueSize),
		limiter:   rate.NewLimiter(limit, 1),
		clock:     clk,
		metrics:   m,
		log:       logger.Component(log, "crm"),
	}
}

// Enqueue reports whether the notification was accepted.
func (n *Notifier) Enqueue(note Notification) bool {
	select {
	case n.queue <- note:
		return true
	default:
		n.metrics.ObserveNotification(n.transport.Name(), "dropped")
		n.log.Warn("crm queue full, dropping notification", "call_sid", note.CallSid, "campaign_id", note.CampaignID)
		return false
	}
}

// Pending is the number of queued notifications.
func (n *Notifier) Pending() int { return len(n.queue) }

// Run delivers until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case note := <-n.queue:
			n.deliver(ctx, note)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, note Notification) {
	log := n.log.With("call_sid", note.CallSid, "transport", n.transport.Name())
	for attempt := 1; ; attempt++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return
		}
		err := n.transport.Deliver(ctx, note)
		if err == nil {
			n.metrics.ObserveNotification(n.transport.Name(), "delivered")
			log.Debug("crm notification delivered", "attempt", attempt)
			return
		}
		if IsPermanent(err) || attempt >= n.cfg.MaxAttempts {
			n.metrics.ObserveNotification(n.transport.Name(), "failed")
			log.Error("crm notification failed", "attempt", attempt, "err", err)
			return
		}
		n.metrics.ObserveNotification(n.transport.Name(), "retried")
		log.Warn("crm notification retry", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-n.clock.After(n.backoff(attempt)):
		}
	}
}

func (n *Notifier) backoff(attempt int) time.Duration {
	d := n.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= n.cfg.MaxBackoff {
			return n.cfg.MaxBackoff
		}
	}
	return d
}
