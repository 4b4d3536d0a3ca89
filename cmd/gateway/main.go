package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/session-gateway/config"
	"github.com/vnmchuo/session-gateway/internal/auth"
	"github.com/vnmchuo/session-gateway/internal/credential"
	"github.com/vnmchuo/session-gateway/internal/gateway"
	"github.com/vnmchuo/session-gateway/internal/logging"
	"github.com/vnmchuo/session-gateway/internal/migrations"
	"github.com/vnmchuo/session-gateway/internal/proxy"
	"github.com/vnmchuo/session-gateway/internal/seeder"
	"github.com/vnmchuo/session-gateway/internal/server"
	"github.com/vnmchuo/session-gateway/internal/telemetry"
	"github.com/vnmchuo/session-gateway/internal/translate"
	"github.com/vnmchuo/session-gateway/internal/upstream"
	"github.com/vnmchuo/session-gateway/internal/usage"
	"github.com/vnmchuo/session-gateway/internal/worker"
	"github.com/vnmchuo/session-gateway/pkg/ratelimit"
)

const serviceName = "session-gateway"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect PostgreSQL
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Info("PostgreSQL connected")

	if cfg.RunMigrations {
		if err := migrations.Up(db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
	}

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Info("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(db)
	authMiddleware := auth.NewMiddleware(authStore, rdb)
	seeder.SeedAPIKeys(ctx, authStore, cfg.GatewayAPIKeys, cfg.DefaultRateLimitRPM)

	// 6. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)

	// 7. Init credential pool
	pool := credential.NewPool(credential.Options{
		Backoff: credential.BackoffPolicy{
			Base:       cfg.CooldownBase,
			Multiplier: cfg.CooldownMultiplier,
			Max:        cfg.CooldownMax,
		},
		LeaseTTL: cfg.LeaseTTL,
	})
	defer pool.Close()

	creds, err := cfg.LoadCredentials()
	if err != nil {
		log.Fatalf("failed to load credentials: %v", err)
	}
	registered := register(pool, creds)
	if registered == 0 {
		log.Fatal("no upstream credentials configured")
	}
	log.WithField("count", registered).Info("credentials registered")

	if cfg.CredentialsFile != "" {
		go func() {
			err := config.WatchCredentials(ctx, cfg.CredentialsFile, func(creds []credential.Credential) {
				if n := register(pool, creds); n > 0 {
					log.WithField("count", n).Info("credentials added from file")
				}
			})
			if err != nil {
				log.WithError(err).Warn("credentials watcher stopped")
			}
		}()
	}

	// 8. Init usage accounting
	jobs := worker.NewQueue(1024, 5*time.Second)
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		if err := jobs.Process(context.Background(), 2); err != nil {
			log.WithError(err).Debug("usage queue stopped")
		}
	}()
	usageStore := usage.NewPostgresStore(db)
	recorder := usage.NewRecorder(usageStore, jobs)

	// 9. Init dispatcher
	client := upstream.New(upstream.Options{
		BaseURL:      cfg.UpstreamBaseURL,
		Timeout:      cfg.UpstreamTimeout,
		SetupRetries: cfg.SetupRetries,
		RPS:          cfg.UpstreamRPS,
		StreamBuffer: cfg.StreamBuffer,
	})
	translator := translate.New(translate.Options{
		Models:         cfg.Models,
		PasteThreshold: cfg.PasteThreshold,
	})
	dispatcher := gateway.New(pool, client, translator, worker.NewPool(cfg.MaxInFlight, time.Second), recorder, gateway.Options{
		CheckoutTimeout: cfg.CheckoutTimeout,
		MaxAttempts:     cfg.MaxCredentialAttempts,
	})

	// 10. Init handler
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	handler := proxy.NewHandler(dispatcher, usageStore, pool, limiter, tracer)

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"session-gateway"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleChatCompletions)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/credentials", handler.HandleCredentials)
	})

	// 12. Serve until signalled
	srv := server.New(cfg, r)
	if err := srv.Start(); err != nil {
		log.Fatalf("failed to listen: %v", err)
	}

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	if err := srv.Shutdown(cfg.ShutdownGrace); err != nil {
		log.WithError(err).Error("forced shutdown")
	}
	jobs.Close()
	<-jobsDone
	log.Info("Server stopped")
}

func register(pool *credential.Pool, creds []credential.Credential) int {
	n := 0
	for _, c := range creds {
		if pool.Register(c) {
			n++
		}
	}
	return n
}
