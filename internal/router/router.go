// Package router assembles the service graph and the route tree. Auth,
// admission, and logging run as middleware; everything behind them is a
// thin handler over one service.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/handlers"
	"github.com/metergate/metergate/internal/middleware"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/services/credits"
	"github.com/metergate/metergate/internal/services/oauth"
	"github.com/metergate/metergate/internal/services/orchestrator"
	"github.com/metergate/metergate/internal/services/pricing"
	"github.com/metergate/metergate/internal/services/providers"
	"github.com/metergate/metergate/internal/services/ratelimit"
	"github.com/metergate/metergate/internal/services/registry"
	"github.com/metergate/metergate/internal/services/usage"
)

const balanceCacheTTL = 30 * time.Second

// Dependencies carries the process-level resources built in main. The
// services themselves are wired here.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *gorm.DB
	Redis     *redis.Client
	Providers *providers.Manager
	Signer    *oauth.Signer
	// Upstream is optional; without it browser sign-in is unavailable
	// while token refresh and validation keep working.
	Upstream oauth.IdentityProvider
}

func New(deps *Dependencies) http.Handler {
	cfg := deps.Config
	logger := deps.Logger

	if len(cfg.RateLimit.Tiers) > 0 {
		overrides := make(map[models.Tier]ratelimit.Limits, len(cfg.RateLimit.Tiers))
		for name, tier := range cfg.RateLimit.Tiers {
			overrides[models.Tier(name)] = ratelimit.Limits{
				RequestsPerMinute: tier.RequestsPerMinute,
				TokensPerMinute:   tier.TokensPerMinute,
				CreditsPerDay:     tier.CreditsPerDay,
			}
		}
		ratelimit.ConfigureTiers(overrides)
	}

	catalog := registry.NewService(&registry.Config{
		DB:     deps.DB,
		Logger: logger,
	})

	priceBook := pricing.NewService(&pricing.Config{
		DB:                deps.DB,
		Logger:            logger,
		DefaultMultiplier: cfg.Pricing.DefaultMultiplier,
		CacheTTL:          cfg.Pricing.CacheTTL,
	})

	ledger := credits.NewLedger(&credits.Config{
		DB:     deps.DB,
		Logger: logger,
		Cache:  credits.NewBalanceCache(deps.Redis, logger, balanceCacheTTL),
	})

	usageService := usage.NewService(&usage.Config{
		DB:     deps.DB,
		Logger: logger,
	})

	limiter := ratelimit.NewService(deps.Redis, logger)

	pipeline := orchestrator.NewService(&orchestrator.Config{
		Logger:                logger,
		Registry:              catalog,
		Pricing:               priceBook,
		Ledger:                ledger,
		Providers:             deps.Providers,
		UpgradeURL:            cfg.Pricing.UpgradeURL,
		DefaultOutputEstimate: cfg.Pricing.DefaultOutputEstimate,
	})

	denylist := oauth.NewDenylist(deps.Redis, logger)
	authServer := oauth.NewService(&oauth.Config{
		DB:         deps.DB,
		Logger:     logger,
		Signer:     deps.Signer,
		Codes:      oauth.NewCodeStore(deps.Redis, cfg.Auth.AuthCodeTTL),
		Denylist:   denylist,
		Upstream:   deps.Upstream,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		AccessTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTTL: cfg.Auth.RefreshTokenTTL,
	})

	validator := oauth.NewValidator(&oauth.ValidatorConfig{
		JWKSURL:  cfg.Auth.JWKSEndpoint(),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		CacheTTL: cfg.Auth.JWKSCacheTTL,
		Denylist: denylist,
		Logger:   logger,
	})

	authn := middleware.NewAuthenticator(validator, oauth.NewRoleCache(deps.DB, cfg.Auth.RoleCacheTTL), logger)
	admission := middleware.NewRateLimiter(limiter, logger)

	llm := handlers.NewLLMHandler(logger, pipeline, limiter)
	modelCatalog := handlers.NewModelsHandler(logger, catalog, authn)
	users := handlers.NewUserHandler(logger, deps.DB)
	balances := handlers.NewCreditsHandler(logger, ledger)
	usageHandler := handlers.NewUsageHandler(logger, usageService)
	windows := handlers.NewRateLimitHandler(logger, limiter)
	authHandler := handlers.NewOAuthHandler(logger, authServer)
	health := handlers.NewHealthHandler(logger, deps.DB, deps.Redis)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	r.Get("/.well-known/openid-configuration", authHandler.Discovery)
	r.Get("/.well-known/jwks.json", authHandler.JWKS)

	// OAuth endpoints run before any bearer token exists, so they get an
	// IP-keyed limit instead of the per-user windows.
	r.Group(func(r chi.Router) {
		if cfg.RateLimit.Enabled && cfg.RateLimit.OAuthRequestsPerMinute > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimit.OAuthRequestsPerMinute, time.Minute))
		}
		r.Get("/oauth/authorize", authHandler.Authorize)
		r.Get("/oauth/callback", authHandler.Callback)
		r.Post("/oauth/token", authHandler.Token)
		r.Post("/oauth/revoke", authHandler.Revoke)
		r.Get("/oauth/userinfo", authHandler.UserInfo)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(authn.Authenticate)

		r.Group(func(r chi.Router) {
			r.Use(authn.RequireScope(oauth.ScopeInference))
			if cfg.RateLimit.Enabled {
				r.Use(admission.Admit)
			}
			r.Post("/chat/completions", llm.ChatCompletions)
			r.Post("/completions", llm.Completions)
		})

		r.Group(func(r chi.Router) {
			r.Use(admission.Headers)

			r.Group(func(r chi.Router) {
				r.Use(authn.RequireScope(oauth.ScopeModelsRead))
				r.Get("/models", modelCatalog.ListModels)
				r.Get("/models/{model}", modelCatalog.GetModel)
			})

			r.Group(func(r chi.Router) {
				r.Use(authn.RequireScope(oauth.ScopeUserInfo))
				r.Get("/users/me", users.Me)
			})

			r.Group(func(r chi.Router) {
				r.Use(authn.RequireScope(oauth.ScopeCreditsRead))
				r.Get("/credits/me", balances.Me)
				r.Get("/usage", usageHandler.List)
				r.Get("/usage/stats", usageHandler.Stats)
			})

			// Window introspection needs nothing beyond authentication.
			r.Get("/rate-limit", windows.Info)
		})
	})

	if cfg.Server.EnableSwagger {
		r.Get("/swagger/*", httpSwagger.WrapHandler)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		if _, err := w.Write([]byte(`{"error": {"code": "not_found", "message": "The requested resource does not exist"}}`)); err != nil {
			logger.Error("Failed to write 404 response", zap.Error(err))
		}
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		if _, err := w.Write([]byte(`{"error": {"code": "invalid_request", "message": "Method not allowed"}}`)); err != nil {
			logger.Error("Failed to write 405 response", zap.Error(err))
		}
	})

	return r
}
