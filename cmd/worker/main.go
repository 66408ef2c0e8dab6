package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/services/credits"
	"github.com/metergate/metergate/internal/services/monitoring"
	"github.com/metergate/metergate/internal/services/retry"
)

const balanceCacheTTL = 30 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		batchSize   = flag.Int("batch-size", 50, "Reconciliation records per sweep")
		interval    = flag.Duration("interval", 30*time.Second, "Sweep interval")
		maxAttempts = flag.Int("max-attempts", 10, "Attempts before a record is abandoned")
		healthAddr  = flag.String("health-addr", ":8082", "Health and metrics listen address")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger, err := initLogger(*logLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Info("Starting reconciliation worker",
		zap.Int("batch_size", *batchSize),
		zap.Duration("interval", *interval),
		zap.Int("max_attempts", *maxAttempts))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// The worker usually boots alongside its stores, so connections are
	// retried with backoff before giving up.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), time.Minute)
	db, err := initDatabase(bootCtx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	redisClient, err := initRedis(bootCtx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	bootCancel()

	// The worker shares the gateway's balance cache so replayed charges
	// invalidate what the API serves.
	ledger := credits.NewLedger(&credits.Config{
		DB:     db,
		Logger: logger,
		Cache:  credits.NewBalanceCache(redisClient, logger, balanceCacheTTL),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serveHealth(*healthAddr, logger)
	go sweep(ctx, ledger, *interval, *batchSize, *maxAttempts, logger)

	logger.Info("Reconciliation worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutdown signal received, stopping worker...")
	cancel()

	// Let an in-flight sweep finish its current record.
	time.Sleep(2 * time.Second)

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = redisClient.Close()

	logger.Info("Reconciliation worker shutdown complete")
}

// sweep replays pending charges on a fixed interval and refreshes the
// backlog gauge after every pass.
func sweep(ctx context.Context, ledger *credits.Ledger, interval time.Duration, batchSize, maxAttempts int, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := ledger.RetryPending(ctx, batchSize, maxAttempts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Reconciliation sweep failed", zap.Error(err))
		} else if stats.Processed > 0 {
			logger.Info("Reconciliation sweep complete",
				zap.Int("processed", stats.Processed),
				zap.Int("resolved", stats.Resolved),
				zap.Int("abandoned", stats.Abandoned),
				zap.Int("failed", stats.Failed))
		}

		if pending, err := ledger.PendingReconciliations(ctx); err == nil {
			monitoring.SetReconciliationPending(pending)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func serveHealth(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status": "ok", "service": "reconciliation-worker"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("Health server starting", zap.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Health server failed", zap.Error(err))
	}
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	return config.Build()
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	var db *gorm.DB
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		var err error
		db, err = gorm.Open(postgres.Open(cfg.URL), &gorm.Config{})
		if err != nil {
			logger.Warn("Database not ready, retrying", zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info("Database connection established",
		zap.Int("max_connections", cfg.MaxConnections))

	return db, nil
}

func initRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	var client *redis.Client
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			// A malformed URL never heals.
			return retry.Permanent(err)
		}

		if cfg.Password != "" {
			opt.Password = cfg.Password
		}
		if cfg.DB != 0 {
			opt.DB = cfg.DB
		}
		if cfg.PoolSize != 0 {
			opt.PoolSize = cfg.PoolSize
		}

		client = redis.NewClient(opt)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			logger.Warn("Redis not ready, retrying", zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Redis connection established",
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize))

	return client, nil
}
