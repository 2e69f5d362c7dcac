package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/api"
	"github.com/ayo6706/escrow-settlement/internal/api/handler"
	"github.com/ayo6706/escrow-settlement/internal/api/middleware"
	"github.com/ayo6706/escrow-settlement/internal/config"
	"github.com/ayo6706/escrow-settlement/internal/db"
	"github.com/ayo6706/escrow-settlement/internal/gateway"
	"github.com/ayo6706/escrow-settlement/internal/idempotency"
	"github.com/ayo6706/escrow-settlement/internal/notify"
	"github.com/ayo6706/escrow-settlement/internal/observability"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/ayo6706/escrow-settlement/internal/service"
	"github.com/ayo6706/escrow-settlement/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ledger is the store every service runs against.
type ledger interface {
	service.QueryStore
	handler.Pinger
}

// Run bootstraps the HTTP server and settlement workers, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb redis.Cmdable
	if cfg.RedisURL != "" {
		redisClient, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		rdb = redisClient
	} else {
		logger.Info("redis disabled, idempotency guard uses local cache and ledger only")
	}

	publisher, err := notify.New(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	if err != nil {
		return fmt.Errorf("init event publisher: %w", err)
	}
	defer publisher.Close()

	guard := idempotency.NewGuard(store.Queries(), rdb, cfg.IdempotencyWindow)
	settler := service.NewSettler(store)
	confirmer := gateway.NewNotificationConfirmer(store.Queries())

	resolutionSvc := service.NewResolutionService(store, settler, guard)
	sweepSvc := service.NewSweepService(store, settler, guard, confirmer, service.SweepConfig{
		BatchSize:    cfg.SweepBatchSize,
		BatchTimeout: cfg.SweepBatchTimeout,
	})
	lockedFundsSvc := service.NewLockedFundsService(store, service.LockedFundsConfig{
		StaleAfter:           cfg.StaleOperationAge,
		AutoCleanupMaxAmount: cfg.AutoCleanupMaxAmount,
		AutoCleanupMinAge:    cfg.AutoCleanupMinAge,
	})
	cashoutSvc := service.NewCashoutService(store, gateway.NewMockGateway())
	webhookSvc := service.NewWebhookService(store, cfg.WebhookHMACKey, cfg.WebhookSkipSignature)
	outboxSvc := service.NewOutboxService(store, publisher)

	var stops []func()
	for _, name := range service.Sweeps {
		w := worker.NewSweepWorker(sweepSvc, name).WithInterval(cfg.SweepInterval)
		stops = append(stops, w.Run(ctx))
	}
	stops = append(stops,
		worker.NewCashoutWorker(cashoutSvc).
			WithPollInterval(cfg.CashoutPollInterval).
			WithBatchSize(cfg.CashoutBatchSize).
			Run(ctx),
		worker.NewOutboxWorker(outboxSvc).
			WithPollInterval(cfg.OutboxPollInterval).
			WithBatchSize(cfg.OutboxBatchSize).
			Run(ctx),
		worker.NewLockedFundsWorker(lockedFundsSvc).
			WithInterval(cfg.LockedFundsInterval).
			WithCleanup(cfg.AutoCleanupEnabled).
			Run(ctx),
	)
	logger.Info("workers started",
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Duration("cashout_interval", cfg.CashoutPollInterval),
		zap.Duration("outbox_interval", cfg.OutboxPollInterval),
		zap.Bool("auto_cleanup", cfg.AutoCleanupEnabled),
	)

	router := api.NewRouter(cfg, logger, api.Services{
		Resolution:  resolutionSvc,
		Sweeps:      sweepSvc,
		LockedFunds: lockedFundsSvc,
		Cashouts:    cashoutSvc,
		Webhooks:    webhookSvc,
		Wallets:     store.Queries(),
		DB:          store,
		Redis:       rdb,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort), zap.String("ledger", cfg.LedgerDriver))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	for _, stop := range stops {
		stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// openLedger returns the configured store and a func that releases it.
func openLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledger, func(), error) {
	if cfg.LedgerDriver == config.LedgerMemory {
		logger.Warn("using in-memory ledger, balances are lost on restart")
		return repository.NewMemoryStore(cfg.LockTimeout), func() {}, nil
	}

	if cfg.MigrationsEnabled {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return repository.NewStore(pool, cfg.LockTimeout), pool.Close, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
