package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"

	"github.com/formbridge/twocheckout-gateway/internal/checkout"
	"github.com/formbridge/twocheckout-gateway/internal/config"
	"github.com/formbridge/twocheckout-gateway/internal/events"
	"github.com/formbridge/twocheckout-gateway/internal/forms"
	"github.com/formbridge/twocheckout-gateway/internal/health"
	"github.com/formbridge/twocheckout-gateway/internal/ipn"
	"github.com/formbridge/twocheckout-gateway/internal/obs"
	"github.com/formbridge/twocheckout-gateway/internal/security"
	"github.com/formbridge/twocheckout-gateway/internal/signature"
	"github.com/formbridge/twocheckout-gateway/internal/transaction"
	"github.com/formbridge/twocheckout-gateway/internal/twocheckout"
)

const metricsNamespace = "twocheckout_gateway"

func main() {
	cfg := config.MustLoad()

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	if cfg.TracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "twocheckout-gateway",
			Endpoint:      cfg.TracingEndpoint,
			SamplingRatio: cfg.TracingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "twocheckout-gateway"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	httpMetrics := obs.NewHTTPMetrics(metricsNamespace, obs.ParseBucketsCSV(cfg.MetricsBuckets), nil)
	paymentMetrics := obs.NewPaymentMetrics(metricsNamespace, nil)

	store := &forms.PostgresStore{Pool: pool}

	client := &twocheckout.Client{
		MerchantCode: cfg.MerchantCode,
		SecretKey:    cfg.SecretKey,
		BaseURL:      cfg.APIBaseURL,
		Algorithm:    signature.AlgorithmSHA3256,
		Logger:       logger.With().Str("component", "twocheckout").Logger(),
	}

	bus := &events.Bus{Logger: logger.With().Str("component", "events").Logger()}

	orchestrator := &transaction.Orchestrator{
		Gateway:   client,
		Entries:   store,
		Builder:   checkout.Builder{Sandbox: cfg.Sandbox},
		Bus:       bus,
		Logger:    logger.With().Str("component", "transaction").Logger(),
		Metrics:   paymentMetrics,
		ReturnURL: cfg.ReturnURL(),
		CancelURL: cfg.CancelURL(),
		NonceSalt: cfg.NonceSalt,
		Sandbox:   cfg.Sandbox,
	}
	submissionHandler := &transaction.Handler{
		Orchestrator: orchestrator,
		Config:       store,
		Entries:      store,
		Logger:       logger.With().Str("component", "submissions").Logger(),
	}

	reconciler := &ipn.Reconciler{
		SecretKey: cfg.SecretKey,
		Entries:   store,
		Applier:   orchestrator,
		Replay:    &ipn.RedisReplayGuard{Client: redisClient, TTL: cfg.IPNReplayTTL},
		Logger:    logger.With().Str("component", "ipn").Logger(),
		Metrics:   paymentMetrics,
	}
	ipnHandler := &ipn.Handler{Reconciler: reconciler, Logger: logger.With().Str("component", "ipn").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.BodyLimit{Max: 1 << 20}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	healthHandler := health.Handler{
		Checker: readinessChecker{db: pool, redis: redisClient},
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Post("/forms/{formID}/submissions", submissionHandler.Submit)
		v.Get("/3dsecure/return", submissionHandler.Resume)
		v.Get("/3dsecure/cancel", submissionHandler.Cancel)
		v.Post("/webhooks/2checkout", ipnHandler.Handle)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	logger.Info().Str("addr", srv.Addr).Bool("sandbox", cfg.Sandbox).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}
