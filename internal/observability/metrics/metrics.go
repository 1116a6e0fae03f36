package metrics

import (
	"context"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine exposes counters/histograms for placement, ingestion and bridging.
// A nil *Engine is valid and records nothing.
type Engine struct {
	placements     *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	events         *prometheus.CounterVec
	terminations   *prometheus.CounterVec
	activeStreams  prometheus.Gauge
	streamDuration prometheus.Histogram
	notifications  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec

	reg prometheus.Registerer
}

func New(reg prometheus.Registerer) *Engine {
	m := &Engine{
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbound",
			Subsystem: "scheduler",
			Name:      "placements_total",
			Help:      "Outbound call placement attempts by result",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbound",
			Subsystem: "scheduler",
			Name:      "campaign_transitions_total",
			Help:      "Campaign status transitions",
		}, []string{"to", "reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbound",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Call events ingested by source, kind and outcome",
		}, []string{"source", "kind", "outcome"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbound",
			Subsystem: "ingest",
			Name:      "terminations_total",
			Help:      "Finalized calls by attributed party and precedence",
		}, []string{"by", "precedence"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "outbound",
			Subsystem: "bridge",
			Name:      "active_streams",
			Help:      "Media bridges currently open",
		}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outbound",
			Subsystem: "bridge",
			Name:      "stream_duration_seconds",
			Help:      "Lifetime of media bridges",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbound",
			Subsystem: "crm",
			Name:      "notifications_total",
			Help:      "CRM notification deliveries by transport and status",
		}, []string{"transport", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "outbound",
			Subsystem: "http",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of provider webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m.reg = reg
	reg.MustRegister(
		m.placements,
		m.transitions,
		m.events,
		m.terminations,
		m.activeStreams,
		m.streamDuration,
		m.notifications,
		m.webhookLatency,
	)
	return m
}

func (m *Engine) ObservePlacement(result string) {
	if m == nil {
		return
	}
	m.placements.WithLabelValues(result).Inc()
}

func (m *Engine) ObserveTransition(to, reason string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to, reason).Inc()
}

func (m *Engine) ObserveEvent(source, kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(source, kind, outcome).Inc()
}

func (m *Engine) ObserveTermination(by, precedence string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(by, precedence).Inc()
}

func (m *Engine) StreamOpened() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Engine) StreamClosed(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
	m.streamDuration.Observe(lifetime.Seconds())
}

func (m *Engine) ObserveNotification(transport, status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(transport, status).Inc()
}

func (m *Engine) ObserveWebhookLatency(route string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(route).Observe(seconds)
}

// TrackAccountCalls exports the account-wide count of calls in flight, read
// from inUse at scrape time. Failed reads report NaN.
func (m *Engine) TrackAccountCalls(inUse func(context.Context) (int, error)) {
	if m == nil || inUse == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "outbound",
		Subsystem: "scheduler",
		Name:      "account_calls_in_use",
		Help:      "Calls holding a slot of the account-wide cap",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := inUse(ctx)
		if err != nil {
			return math.NaN()
		}
		return float64(n)
	}))
}
