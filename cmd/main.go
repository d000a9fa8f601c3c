/**
 * @description
 * This is the main entry point for the faucet-service.
 * It initializes the configuration, the ledger repository (PostgreSQL or in-memory), the
 * authoritative clock, the HTTP API, the event outbox dispatcher and the cron jobs, then
 * waits for a termination signal to shut everything down gracefully.
 */
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/api"
	"github.com/govinda777/zerodev-token-shop-sub001/internal/app"
	"github.com/govinda777/zerodev-token-shop-sub001/internal/config"
	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/internal/logging"
	"github.com/govinda777/zerodev-token-shop-sub001/internal/store"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	envErr := godotenv.Load()

	bootLog, err := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	if err != nil {
		bootLog = logging.Nop()
	}
	if envErr != nil {
		bootLog.Debug("no .env file found, using environment variables")
	}

	// Load application configuration
	cfg, err := config.LoadConfig(".", bootLog)
	if err != nil {
		bootLog.Fatalw("cannot load config", "err", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		bootLog.Fatalw("cannot build logger", "err", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Set up the ledger repository
	var (
		repo          store.Repository
		authoritative clock.Authoritative
	)
	if cfg.DatabaseURL != "" {
		dbpool := connectDatabase(ctx, cfg.DatabaseURL, logger)
		defer dbpool.Close()
		if err := store.EnsureSchema(ctx, dbpool); err != nil {
			logger.Fatalw("failed ensuring faucet schema", "err", err)
		}
		pgRepo := store.NewPostgresRepository(dbpool, cfg.FaucetEventExchange)
		repo = pgRepo
		authoritative = pgRepo
	} else {
		logger.Warn("DATABASE_URL not set; using the in-memory ledger (state is lost on restart)")
		repo = store.NewMemoryRepository(cfg.FaucetEventExchange)
	}

	// Pick the authoritative clock
	var syncer app.ClockSyncer
	local := clock.Local(clock.SystemLocal{})
	switch cfg.ClockSource {
	case config.ClockSourceChain:
		chainClock, closeChain, err := clock.DialChainClock(ctx, cfg.ChainRPCURL)
		if err != nil {
			logger.Fatalw("unable to connect to chain RPC", "err", err)
		}
		defer closeChain()
		authoritative = chainClock
		logger.Infow("using chain head time as the authoritative clock")
	case config.ClockSourceSystem:
		ntpClock := clock.NewNTPClock(cfg.NTPPoolList())
		if err := ntpClock.Sync(); err != nil {
			logger.Warnw("initial NTP sync failed; starting with zero offset", "err", err)
		}
		authoritative = ntpClock
		local = ntpClock
		syncer = ntpClock
		logger.Infow("using NTP-corrected system time as the authoritative clock", "offset", ntpClock.Offset())
	default:
		logger.Infow("using database time as the authoritative clock")
	}

	metrics := app.NewMetrics()
	ledger := app.NewService(repo, clock.Source{Authoritative: authoritative, Local: local}, metrics, logger)

	owner, err := domain.ParseAddress(cfg.OwnerAddress)
	if err != nil {
		logger.Fatalw("FAUCET_OWNER_ADDRESS must be a wallet address", "err", err)
	}
	params := domain.FaucetParameters{
		ClaimAmount:     domain.Amount(cfg.ClaimAmount),
		CooldownSeconds: clock.Seconds(cfg.CooldownSeconds),
		Owner:           owner,
	}
	if err := ledger.Bootstrap(ctx, params, domain.Amount(cfg.InitialBalance)); err != nil {
		logger.Fatalw("failed to initialize faucet", "err", err)
	}

	// Claim-attempt limiter shared across replicas
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatalw("invalid REDIS_URL", "err", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warnw("redis unreachable at startup; claim limiter fails open until it recovers", "err", err)
		}
		ledger.SetClaimRateLimiter(app.NewRedisClaimRateLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.ClaimRateLimitPerMin, time.Minute))
	}

	admin := app.NewAdmin(repo, ledger, metrics, logger)

	// Outbox dispatcher; without RabbitMQ events are logged and marked published.
	dispatcher := app.NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) {
		if cfg.RabbitMQURL == "" {
			return &rabbitmq.EventProducerFallback{Log: logger}, nil
		}
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}, metrics, logger)
	dispatcher.SetPollInterval(time.Duration(cfg.OutboxPollIntervalMs) * time.Millisecond)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	// Cron jobs
	jobs := app.NewJobs(syncer, ledger, cfg.PoolLowWatermarkClaims, metrics, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg.ClockSyncSchedule, cfg.PoolMonitorSchedule)
	scheduler.Start()

	// HTTP API
	auth := api.NewAuthenticator(cfg.JWKSURL, cfg.JWTHMACSecret)
	defer auth.Close()
	if !auth.Configured() {
		logger.Warn("neither JWKS_URL nor JWT_HMAC_SECRET set; authenticated routes will reject every request")
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn("INTERNAL_API_KEY not set; internal routes are closed")
	}
	router := api.NewRouter(api.NewHandler(ledger, admin, logger), api.RouterOptions{
		Auth:           auth,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.CORSOrigins(),
		Metrics:        metrics.Handler(),
	})
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infow("server starting", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("could not start server", "err", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("server shutdown failed", "err", err)
	}

	<-scheduler.Stop().Done()
	stop()
	<-dispatcherDone
	logger.Info("faucet service stopped gracefully")
}

func connectDatabase(ctx context.Context, databaseURL string, logger *zap.SugaredLogger) *pgxpool.Pool {
	dbConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatalw("unable to parse database URL", "err", err)
	}

	// Configure connection pool for high-traffic scenarios
	dbConfig.MaxConns = 100
	dbConfig.MinConns = 20
	dbConfig.MaxConnLifetime = 30 * time.Minute
	dbConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	dbConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		logger.Fatalw("unable to connect to database", "err", err)
	}
	logger.Info("database connection established")
	return dbpool
}
