package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authenticity-platform/internal/audit"
	"authenticity-platform/internal/auth"
	"authenticity-platform/internal/broker"
	"authenticity-platform/internal/config"
	"authenticity-platform/internal/escalation"
	"authenticity-platform/internal/httpapi"
	"authenticity-platform/internal/ratelimit"
	"authenticity-platform/internal/registry"
	"authenticity-platform/internal/scanflow"
	"authenticity-platform/internal/scheduler"
	"authenticity-platform/internal/scoring"
	"authenticity-platform/internal/verification"
	"authenticity-platform/pkg/logger"
	"authenticity-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)
	rootCtx = logger.With(rootCtx, log)

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

	checks := map[string]func(context.Context) error{
		"postgres": func(ctx context.Context) error { return utils.HealthCheck(ctx, db, time.Second) },
	}

	var store ratelimit.Store = ratelimit.NewPostgresStore(db)
	if cfg.RateLimit.Backend == config.RateLimitBackendRedis {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		store = ratelimit.NewRedisStore(rdb)
		checks["redis"] = redisCheck(rdb)
	}

	var publisher broker.Publisher = broker.Noop{}
	if cfg.Broker.RabbitMQURL != "" {
		p, err := broker.NewRabbitPublisher(cfg.Broker.RabbitMQURL, cfg.Broker.Exchange, log)
		if err != nil {
			// Events are supplementary to webhooks; run without them.
			log.Warn("rabbitmq unavailable, alert events disabled", "err", err)
		} else {
			publisher = p
		}
	}
	defer publisher.Close()

	a := wire(db, store, publisher, cfg)

	sched := scheduler.New(log)
	if err := registerJobs(sched, a, time.Now); err != nil {
		log.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}
	sched.Start(rootCtx, cfg.Scheduler.Tick)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, httpapi.Handlers{
		Scans:    a.scans,
		Registry: a.registry,
		Risk:     a.risk,
		Trust:    a.trust,
		Limiter:  a.limiter,
		Webhooks: a.webhooks,
		Audit:    a.audit,
		Tokens:   authManager,
		Checks:   checks,
	}, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "rate_limit_backend", cfg.RateLimit.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	sched.Stop()
	// In-flight escalations finish; anything cut off stays pending for redelivery.
	if err := a.dispatcher.Wait(shutdownCtx); err != nil {
		log.Warn("escalations still in flight at shutdown", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

// app holds the wired services shared by HTTP handlers and scheduled jobs.
type app struct {
	registry   *registry.Service
	risk       *scoring.RiskService
	trust      *scoring.TrustService
	reputation *scoring.ReputationChecker
	limiter    *ratelimit.Limiter
	webhooks   *escalation.PostgresWebhookRepo
	dispatcher *escalation.Dispatcher
	scans      *scanflow.Processor
	audit      *audit.Service
}

func wire(db *sql.DB, store ratelimit.Store, publisher broker.Publisher, cfg config.Config) app {
	reg := registry.NewService(registry.NewPostgresRepo(db), cfg.App.PublicBaseURL)
	logs := verification.NewPostgresLogRepo(db)

	var enhancer scoring.Enhancer
	if cfg.AIRisk.Enabled {
		enhancer = scoring.NewAIClient(cfg.AIRisk.URL, cfg.AIRisk.APIKey, cfg.AIRisk.Timeout)
	}
	engine := verification.NewEngine(reg, logs, scoring.NewAnomalyScorer(enhancer))

	alerts := scoring.NewPostgresAlertRepo(db)
	profiles := scoring.NewPostgresProfileRepo(db)
	risk := scoring.NewRiskService(logs, alerts)
	trust := scoring.NewTrustService(profiles, scoring.NewPostgresTrustRepo(db), logs, reg)

	limiter := ratelimit.NewLimiter(store, cfg.RateLimit.DefaultHourly, cfg.RateLimit.DefaultDaily)
	webhooks := escalation.NewPostgresWebhookRepo(db)
	dispatcher := escalation.NewDispatcher(escalation.NewNotifier(webhooks, limiter), webhooks, alerts, reg)

	return app{
		registry:   reg,
		risk:       risk,
		trust:      trust,
		reputation: scoring.NewReputationChecker(profiles, 10*time.Second),
		limiter:    limiter,
		webhooks:   webhooks,
		dispatcher: dispatcher,
		scans:      scanflow.NewProcessor(engine, risk, dispatcher, publisher),
		audit:      audit.NewService(audit.NewPostgresRepo(db)),
	}
}

func redisCheck(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}
