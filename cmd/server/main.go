package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/database"
	"github.com/metergate/metergate/internal/logger"
	"github.com/metergate/metergate/internal/router"
	"github.com/metergate/metergate/internal/services/oauth"
	"github.com/metergate/metergate/internal/services/providers"

	_ "github.com/metergate/metergate/internal/handlers/swagger"
)

// @title Metergate - Metered LLM Gateway
// @version 1.0
// @description Multi-tenant LLM inference gateway with OAuth2 authentication, tiered model access, rate limiting, and credit metering.

// @contact.name API Support
// @contact.email support@metergate.dev

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const connectTimeout = 5 * time.Second

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := database.Initialize(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Logger: gormlogger.New(logger.NewGormLogger(log), gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  true,
		}),
	}); err != nil {
		log.Error("Failed to initialize database", zap.Error(err))
		os.Exit(2)
	}
	defer database.Close()

	redisClient := newRedisClient(cfg, log)
	defer redisClient.Close()

	manager := providers.NewManager(log)
	if err := manager.Load(providerConfigs(cfg)); err != nil {
		log.Fatal("Failed to load providers", zap.Error(err))
	}

	signer, err := oauth.LoadSigner(&cfg.Auth, log)
	if err != nil {
		log.Fatal("Failed to load token signing key", zap.Error(err))
	}

	var upstream oauth.IdentityProvider
	if cfg.Auth.Upstream.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		up, err := oauth.NewUpstream(ctx, cfg.Auth.Upstream)
		cancel()
		if err != nil {
			log.Fatal("Failed to connect to upstream identity provider", zap.Error(err))
		}
		upstream = up
		log.Info("Upstream identity provider connected",
			zap.String("issuer", cfg.Auth.Upstream.Issuer))
	} else {
		log.Warn("No upstream identity provider configured; the authorization code flow is disabled")
	}

	mainRouter := router.New(&router.Dependencies{
		Config:    cfg,
		Logger:    log,
		DB:        database.GetDB(),
		Redis:     redisClient,
		Providers: manager,
		Signer:    signer,
		Upstream:  upstream,
	})

	servers := []*http.Server{
		{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      mainRouter,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		{
			Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:      router.NewMetricsRouter(cfg, log),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
	names := []string{"Main API", "Metrics"}

	for i, srv := range servers {
		go func(s *http.Server, name string) {
			log.Info(fmt.Sprintf("%s server starting", name), zap.String("address", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal(fmt.Sprintf("%s server failed to start", name), zap.Error(err))
			}
		}(srv, names[i])
	}

	log.Info("Metergate started",
		zap.Int("api_port", cfg.Server.Port),
		zap.Int("metrics_port", cfg.Server.MetricsPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down servers...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
	}

	log.Info("Servers shutdown complete")
}

// newRedisClient connects to Redis and exits when a required store is
// unreachable. Without the requirement the gateway serves on per-process
// rate windows and revocation checks fail open until Redis returns.
func newRedisClient(cfg *config.Config, log *zap.Logger) *redis.Client {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error("Invalid Redis URL", zap.Error(err))
		os.Exit(3)
	}

	if cfg.Redis.Password != "" {
		opt.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opt.DB = cfg.Redis.DB
	}
	if cfg.Redis.PoolSize != 0 {
		opt.PoolSize = cfg.Redis.PoolSize
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if cfg.Redis.Required {
			log.Error("Redis is required but unreachable", zap.Error(err))
			os.Exit(3)
		}
		log.Warn("Redis unreachable, rate limiting degrades to per-process windows", zap.Error(err))
	}

	return client
}

// providerConfigs maps vendor settings onto the provider loader. Vendors
// without an API key stay disabled.
func providerConfigs(cfg *config.Config) map[string]providers.ProviderConfig {
	vendors := map[string]config.ProviderConfig{
		"openai":    cfg.Providers.OpenAI,
		"anthropic": cfg.Providers.Anthropic,
		"google":    cfg.Providers.Google,
	}

	configs := make(map[string]providers.ProviderConfig, len(vendors))
	for name, vendor := range vendors {
		configs[name] = providers.ProviderConfig{
			Type:       name,
			APIKey:     vendor.APIKey,
			BaseURL:    vendor.BaseURL,
			APIVersion: vendor.Version,
			Enabled:    vendor.APIKey != "",
			Timeout:    vendor.Timeout,
		}
	}
	return configs
}
