package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-provisioner/internal/config"
	"github.com/openclaw/agent-provisioner/internal/database"
	"github.com/openclaw/agent-provisioner/internal/eventbus"
	"github.com/openclaw/agent-provisioner/internal/fsutil"
	"github.com/openclaw/agent-provisioner/internal/handler"
	"github.com/openclaw/agent-provisioner/internal/jobs"
	"github.com/openclaw/agent-provisioner/internal/messaging/whatsmeow"
	"github.com/openclaw/agent-provisioner/internal/middleware"
	"github.com/openclaw/agent-provisioner/internal/pairing"
	"github.com/openclaw/agent-provisioner/internal/provision"
	"github.com/openclaw/agent-provisioner/internal/redis"
	"github.com/openclaw/agent-provisioner/internal/repository"
	"github.com/openclaw/agent-provisioner/internal/runtime/docker"
	"github.com/openclaw/agent-provisioner/internal/service"
	"github.com/openclaw/agent-provisioner/internal/sse"
	"github.com/openclaw/agent-provisioner/internal/util"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != "" || os.Getenv("APP_ENV") == "production"
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	for _, dir := range []string{cfg.SessionsDir(), cfg.UsersDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("failed to create data dir")
		}
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()

	if err := db.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	log.Info().Msg("database connected")

	healthChecks := map[string]handler.CheckFunc{"database": db.Ping}

	var limiter middleware.Limiter = middleware.NewRateLimiter()
	if cfg.RedisURL != "" {
		ctx, cancel = context.WithTimeout(context.Background(), config.DBPingTimeout)
		redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()

		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
		healthChecks["redis"] = redisClient.Healthy
		log.Info().Msg("redis connected")
	} else {
		log.Warn().Msg("REDIS_URL is empty: rate limits are kept in memory and not shared across replicas")
	}

	sealer, err := util.NewSealer(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sealer")
	}

	sessionRepo := repository.NewSessionRepository(db.DB)
	userRepo := repository.NewUserRepository(db.DB)
	captureRepo := repository.NewSyncCaptureRepository(db.DB)
	instanceRepo := repository.NewInstanceRepository(db.DB, sealer)

	runtime, err := docker.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to container runtime")
	}
	defer runtime.Close()

	engine := provision.NewEngine(instanceRepo, runtime, fsutil.OSOwner{}, provision.EngineConfigFrom(cfg))

	ctx, cancel = context.WithTimeout(context.Background(), config.ReconcileStartupBudget)
	report, err := engine.Reconcile(ctx)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("startup reconcile failed")
	} else {
		log.Info().
			Int("instances", report.Instances).
			Int("updated", report.Updated).
			Int("orphansRemoved", report.OrphansRemoved).
			Bool("runtimeSkipped", report.RuntimeSkipped).
			Msg("startup reconcile finished")
	}

	ctx, cancel = context.WithTimeout(context.Background(), config.DBPingTimeout)
	closed, err := jobs.ExpireAbandoned(ctx, sessionRepo, time.Now(), config.DeployStaleAge)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("failed to close abandoned pairing sessions")
	} else if closed > 0 {
		log.Info().Int64("count", closed).Msg("closed abandoned pairing sessions")
	}

	reaper := provision.NewReaper(engine, provision.DefaultReaperConfig())
	reaper.Start()
	defer reaper.Stop()

	bus := eventbus.New()
	broker := sse.NewBroker(bus)

	workerOpts := pairing.DefaultOptions()
	workerOpts.CaptureSyncData = cfg.CaptureSyncData
	workerOpts.RenderQRImage = cfg.RenderQRImage

	pairingService := service.NewPairingService(
		sessionRepo, userRepo, captureRepo, bus, whatsmeow.New(), engine,
		service.PairingConfig{
			TTL:               cfg.PairingTTL(),
			SessionsDir:       cfg.SessionsDir(),
			UsersDir:          cfg.UsersDir(),
			PublicBaseURL:     cfg.PublicBaseURL,
			SnapshotRetention: config.SnapshotRetention,
			Worker:            workerOpts,
		},
	)

	sessionCreateLimit := middleware.NewIPRateLimitMiddleware(
		limiter, cfg.SessionCreateLimitPerMin, config.RateLimitWindow, "pairing",
	)
	adminLimit := middleware.NewIPRateLimitMiddleware(
		limiter, config.AdminRateLimitPerMin, config.RateLimitWindow, "admin",
	)
	adminAuth := middleware.NewAdminAuthMiddleware(cfg.AdminUsername, cfg.AdminPasswordHash)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	healthHandler := handler.NewHealthHandler(healthChecks)
	pairingHandler := handler.NewPairingHandler(pairingService, broker)
	adminHandler := handler.NewAdminHandler(engine)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)

	// No request timeout here: the events route is a long-lived stream.
	r.Route("/v1/pairing/sessions", func(r chi.Router) {
		r.Mount("/", pairingHandler.Routes(sessionCreateLimit.Handler))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminLimit.Handler)
		r.Use(adminAuth.Handler)
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Mount("/", adminHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(
		sessionRepo, cfg.SessionsDir(), cfg.SessionRetention(), config.CleanupJobInterval,
	)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	broker.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := pairingService.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pairing sessions did not stop in time")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
