package main

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"outbound-engine/internal/audit"
	"outbound-engine/internal/auth"
	"outbound-engine/internal/campaigns"
	"outbound-engine/internal/config"
	"outbound-engine/internal/convai"
	"outbound-engine/internal/httpapi"
	"outbound-engine/internal/ingest"
	"outbound-engine/internal/observability/metrics"
	"outbound-engine/internal/reporting"
	"outbound-engine/internal/telephony"
	"outbound-engine/pkg/utils"
)

type routeDeps struct {
	cfg       config.Config
	db        *sql.DB
	registry  *prometheus.Registry
	auth      *auth.Manager
	scheduler httpapi.CampaignController
	campaigns campaigns.Store
	reporting *reporting.Service
	audit     *audit.Service
	sink      *ingest.Normalizer
	media     telephony.MediaServer
	metrics   *metrics.Engine
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))

	// Vendor webhooks authenticate with their own signatures.
	tw := &telephony.WebhookHandler{
		AuthToken:     d.cfg.Twilio.AuthToken,
		PublicBaseURL: d.cfg.App.PublicBaseURL,
		SkipSignature: d.cfg.Twilio.SkipSignature && !d.cfg.IsProduction(),
		Sink:          d.sink,
		Media:         d.media,
		Metrics:       d.metrics,
	}
	tw.Register(r)

	ai := &convai.WebhookHandler{
		Secret: d.cfg.ConvAI.WebhookSecret,
		Sink:   d.sink,
	}
	ai.Register(r)

	h := httpapi.Handlers{
		Auth:      d.auth,
		Scheduler: d.scheduler,
		Campaigns: d.campaigns,
		Reporting: d.reporting,
		Audit:     d.audit,
	}

	if !d.cfg.IsProduction() {
		r.POST("/v1/auth/login", h.Login)
	}
	r.POST("/v1/auth/refresh", h.Refresh)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth))
	h.Register(v1)
}
