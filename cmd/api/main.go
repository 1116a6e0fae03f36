package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"outbound-engine/internal/audit"
	"outbound-engine/internal/auth"
	"outbound-engine/internal/bridge"
	"outbound-engine/internal/calls"
	"outbound-engine/internal/campaigns"
	"outbound-engine/internal/clock"
	"outbound-engine/internal/config"
	"outbound-engine/internal/convai"
	"outbound-engine/internal/crm"
	"outbound-engine/internal/ingest"
	"outbound-engine/internal/observability/metrics"
	"outbound-engine/internal/reporting"
	"outbound-engine/internal/scheduler"
	"outbound-engine/internal/telephony"
	"outbound-engine/pkg/logger"
	"outbound-engine/pkg/utils"
)

// provider is what both telephony adapters offer.
type provider interface {
	scheduler.Placer
	Name() string
}

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	clk := clock.Real{}
	campaignStore := campaigns.NewPostgresStore(db)
	machine := calls.NewMachine(calls.NewPostgresStore(db), clk)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	notifier := crm.NewNotifier(crm.Config{
		MaxAttempts:   cfg.CRM.MaxAttempts,
		RatePerSecond: cfg.CRM.RatePerSecond,
	}, crmTransport(cfg.CRM), clk, m, log)

	normalizer := ingest.New(machine, ingest.Options{
		Config:    ingest.Config{DedupTTL: cfg.Dedup.TTL},
		Dedup:     ingest.NewRedisDeduper(rdb, ""),
		Campaigns: campaignStore,
		Notifier:  notifier,
		Clock:     clk,
		Metrics:   m,
		Logger:    log,
	})

	var prov provider
	var sim *telephony.SimulatedProvider
	switch cfg.App.Provider {
	case "simulated":
		sim = telephony.NewSimulatedProvider(normalizer, clk, 3*time.Second, 20*time.Second, log)
		prov = sim
	default:
		prov = telephony.NewTwilioProvider(telephony.TwilioConfig{
			AccountSid:     cfg.Twilio.AccountSID,
			AuthToken:      cfg.Twilio.AuthToken,
			BaseURL:        cfg.Twilio.APIBaseURL,
			PublicBaseURL:  cfg.App.PublicBaseURL,
			CallsPerSecond: cfg.Twilio.CallsPerSecond,
		}, nil, log)
	}
	normalizer.SetHanger(prov)

	br := bridge.New(bridge.Config{
		InactivityTimeout: cfg.Bridge.InactivityTimeout,
		SweepInterval:     cfg.Bridge.SweepInterval,
	}, bridge.NewRegistry(clk), convai.NewDialer(convai.Config{
		APIKey:         cfg.ConvAI.APIKey,
		BaseURL:        cfg.ConvAI.WebsocketURL,
		DefaultAgentID: cfg.ConvAI.AgentID,
	}, log), normalizer, clk, m, log)
	normalizer.SetAILegCloser(br)

	var callCap scheduler.CallCap
	if cfg.Scheduler.AccountCallCap > 0 {
		rc := scheduler.NewRedisCallCap(rdb, "", cfg.Scheduler.AccountCallCap, 0)
		m.TrackAccountCalls(rc.InUse)
		callCap = rc
	}
	sched := scheduler.New(campaignStore, machine, prov, scheduler.Options{
		Config: scheduler.Config{
			WatchdogInterval:        cfg.Scheduler.WatchdogInterval,
			StaleCallingAfter:       cfg.Scheduler.StaleCallingAfter,
			ConsecutiveFailureLimit: cfg.Scheduler.ConsecutiveFailureLimit,
			RetryBaseDelay:          cfg.Scheduler.RetryBaseDelay,
			RetryMaxDelay:           cfg.Scheduler.RetryMaxDelay,
		},
		Live:    br,
		Sink:    normalizer,
		Cap:     callCap,
		Audit:   auditSvc,
		Clock:   clk,
		Metrics: m,
		Logger:  log,
	})
	normalizer.SetTerminalListener(sched)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:       cfg,
		db:        db,
		registry:  reg,
		auth:      authManager,
		scheduler: sched,
		campaigns: campaignStore,
		reporting: reporting.NewService(campaignStore, machine),
		audit:     auditSvc,
		sink:      normalizer,
		media:     br,
		metrics:   m,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "provider", prov.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return br.RunSweeper(ctx) })
	g.Go(func() error { return notifier.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine stopped", "err", err)
	}
	if sim != nil {
		sim.Wait()
	}
	log.Info("shutdown complete", "crm_pending", notifier.Pending())
}

func crmTransport(c config.CRMConfig) crm.Transport {
	switch c.Transport {
	case "webhook":
		return crm.NewWebhookTransport(c.WebhookURL, c.WebhookToken, nil)
	case "sendgrid":
		return crm.NewSendGridTransport(crm.SendGridConfig{
			APIKey:    c.SendGridKey,
			FromEmail: c.FromEmail,
			FromName:  c.FromName,
			Recipient: c.Recipient,
		})
	default:
		return crm.NopTransport{}
	}
}
