package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
	EnableSwagger    bool          `mapstructure:"enable_swagger"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	// Required turns a boot-time connection failure into a fatal error
	// (exit code 3) instead of falling back to the in-process limiter.
	Required bool `mapstructure:"required"`
}

type AuthConfig struct {
	// Issuer is the public URL this gateway mints tokens under. It is also
	// the base for the discovery document and JWKS endpoints.
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`

	// SigningKey is a PEM-encoded RSA private key, either inline or via
	// SigningKeyFile. When both are empty an ephemeral key is generated at
	// boot, which is only suitable for development.
	SigningKey     string `mapstructure:"signing_key"`
	SigningKeyFile string `mapstructure:"signing_key_file"`
	SigningKeyID   string `mapstructure:"signing_key_id"`

	// JWKSURL overrides where the auth middleware fetches verification
	// keys. Defaults to <issuer>/.well-known/jwks.json.
	JWKSURL         string        `mapstructure:"jwks_url"`
	JWKSCacheTTL    time.Duration `mapstructure:"jwks_cache_ttl"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	AuthCodeTTL     time.Duration `mapstructure:"auth_code_ttl"`
	RoleCacheTTL    time.Duration `mapstructure:"role_cache_ttl"`

	Upstream UpstreamConfig `mapstructure:"upstream"`
}

// JWKSEndpoint returns the configured JWKS URL, defaulting to the
// issuer's well-known path.
func (a *AuthConfig) JWKSEndpoint() string {
	if a.JWKSURL != "" {
		return a.JWKSURL
	}
	return strings.TrimSuffix(a.Issuer, "/") + "/.well-known/jwks.json"
}

// UpstreamConfig points at the federated identity provider that owns login
// and consent. The gateway never renders those screens itself.
type UpstreamConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Issuer       string   `mapstructure:"issuer"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	Google    ProviderConfig `mapstructure:"google"`
}

type ProviderConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Version string        `mapstructure:"version"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Tiers maps tier name to its limit profile. Defaults cover every
	// known tier; per-tier RPM can be overridden via environment.
	Tiers map[string]TierLimitConfig `mapstructure:"tiers"`
	// OAuthRequestsPerMinute bounds unauthenticated OAuth endpoints per IP.
	OAuthRequestsPerMinute int           `mapstructure:"oauth_requests_per_minute"`
	DegradedLogInterval    time.Duration `mapstructure:"degraded_log_interval"`
}

type TierLimitConfig struct {
	RequestsPerMinute int   `mapstructure:"requests_per_minute"`
	TokensPerMinute   int   `mapstructure:"tokens_per_minute"`
	CreditsPerDay     int64 `mapstructure:"credits_per_day"`
}

type PricingConfig struct {
	// DefaultMultiplier applies when no tier multiplier row matches.
	DefaultMultiplier float64 `mapstructure:"default_multiplier"`
	// DefaultOutputEstimate is the output-token assumption for pre-flight
	// estimates when the request does not set max_tokens.
	DefaultOutputEstimate int           `mapstructure:"default_output_estimate"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl"`
	// UpgradeURL is surfaced in tier restriction errors so clients know
	// where to change plans.
	UpgradeURL string `mapstructure:"upgrade_url"`
}

type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	ServiceName   string `mapstructure:"service_name"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/metergate")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg = &config
	return cfg, nil
}

// Validate rejects configurations the server cannot safely boot with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (DATABASE_URL)")
	}
	if c.Auth.Issuer == "" {
		return fmt.Errorf("auth.issuer is required (JWT_ISSUER)")
	}
	if c.Pricing.DefaultMultiplier < 1.0 || c.Pricing.DefaultMultiplier > 3.0 {
		return fmt.Errorf("pricing.default_multiplier %.2f outside [1.0, 3.0]",
			c.Pricing.DefaultMultiplier)
	}
	for tier, limits := range c.RateLimit.Tiers {
		if limits.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limit.tiers.%s.requests_per_minute must be positive", tier)
		}
	}
	if c.Auth.Upstream.Enabled {
		if c.Auth.Upstream.Issuer == "" || c.Auth.Upstream.ClientID == "" {
			return fmt.Errorf("auth.upstream requires issuer and client_id when enabled")
		}
	}
	return nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "600s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")
	viper.SetDefault("server.enable_swagger", true)

	// Database defaults
	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("redis.required", false)

	// Auth defaults
	viper.SetDefault("auth.audience", "metergate")
	viper.SetDefault("auth.jwks_cache_ttl", "5m")
	viper.SetDefault("auth.access_token_ttl", "1h")
	viper.SetDefault("auth.refresh_token_ttl", "720h")
	viper.SetDefault("auth.auth_code_ttl", "10m")
	viper.SetDefault("auth.role_cache_ttl", "5m")
	viper.SetDefault("auth.signing_key_id", "metergate-1")
	viper.SetDefault("auth.upstream.enabled", false)
	viper.SetDefault("auth.upstream.scopes", []string{"openid", "profile", "email"})

	// Provider defaults
	viper.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	viper.SetDefault("providers.openai.timeout", "10m")
	viper.SetDefault("providers.anthropic.base_url", "https://api.anthropic.com")
	viper.SetDefault("providers.anthropic.version", "2023-06-01")
	viper.SetDefault("providers.anthropic.timeout", "10m")
	viper.SetDefault("providers.google.base_url", "https://generativelanguage.googleapis.com/v1beta")
	viper.SetDefault("providers.google.timeout", "10m")

	// Rate limit defaults: free / pro / enterprise profiles mapped over the
	// full tier set.
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.oauth_requests_per_minute", 30)
	viper.SetDefault("rate_limit.degraded_log_interval", "1m")
	setTierDefaults("free", 10, 10_000, 200)
	setTierDefaults("pro", 60, 100_000, 5_000)
	setTierDefaults("pro_max", 60, 100_000, 5_000)
	setTierDefaults("enterprise_pro", 300, 500_000, 50_000)
	setTierDefaults("enterprise_max", 300, 500_000, 50_000)
	setTierDefaults("perpetual", 300, 500_000, 50_000)

	// Pricing defaults
	viper.SetDefault("pricing.default_multiplier", 1.5)
	viper.SetDefault("pricing.default_output_estimate", 150)
	viper.SetDefault("pricing.cache_ttl", "5m")
	viper.SetDefault("pricing.upgrade_url", "https://metergate.dev/pricing")

	// Monitoring defaults
	viper.SetDefault("monitoring.enable_metrics", true)
	viper.SetDefault("monitoring.service_name", "metergate")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output_path", "")

	// CORS defaults
	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
}

func setTierDefaults(tier string, rpm, tpm int, creditsPerDay int64) {
	viper.SetDefault(fmt.Sprintf("rate_limit.tiers.%s.requests_per_minute", tier), rpm)
	viper.SetDefault(fmt.Sprintf("rate_limit.tiers.%s.tokens_per_minute", tier), tpm)
	viper.SetDefault(fmt.Sprintf("rate_limit.tiers.%s.credits_per_day", tier), creditsPerDay)
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.metrics_port", "METRICS_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")
	viper.BindEnv("server.enable_swagger", "ENABLE_SWAGGER")

	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")
	viper.BindEnv("database.max_idle_connections", "DATABASE_MAX_IDLE_CONNECTIONS")

	// Redis
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("redis.required", "REDIS_REQUIRED")

	// Auth / token issuance
	viper.BindEnv("auth.issuer", "JWT_ISSUER")
	viper.BindEnv("auth.audience", "JWT_AUDIENCE")
	viper.BindEnv("auth.signing_key", "JWT_PRIVATE_KEY")
	viper.BindEnv("auth.signing_key_file", "JWT_PRIVATE_KEY_FILE")
	viper.BindEnv("auth.signing_key_id", "JWT_KEY_ID")
	viper.BindEnv("auth.jwks_url", "JWT_JWKS_URL")

	// Upstream identity provider
	viper.BindEnv("auth.upstream.enabled", "OIDC_UPSTREAM_ENABLED")
	viper.BindEnv("auth.upstream.issuer", "OIDC_UPSTREAM_ISSUER")
	viper.BindEnv("auth.upstream.client_id", "OIDC_UPSTREAM_CLIENT_ID")
	viper.BindEnv("auth.upstream.client_secret", "OIDC_UPSTREAM_CLIENT_SECRET")
	viper.BindEnv("auth.upstream.redirect_url", "OIDC_UPSTREAM_REDIRECT_URL")

	// Provider credentials
	viper.BindEnv("providers.openai.api_key", "OPENAI_API_KEY")
	viper.BindEnv("providers.openai.base_url", "OPENAI_BASE_URL")
	viper.BindEnv("providers.anthropic.api_key", "ANTHROPIC_API_KEY")
	viper.BindEnv("providers.anthropic.base_url", "ANTHROPIC_BASE_URL")
	viper.BindEnv("providers.google.api_key", "GOOGLE_API_KEY")
	viper.BindEnv("providers.google.base_url", "GOOGLE_BASE_URL")

	// Per-tier RPM overrides
	viper.BindEnv("rate_limit.tiers.free.requests_per_minute", "RATE_LIMIT_FREE_RPM")
	viper.BindEnv("rate_limit.tiers.pro.requests_per_minute", "RATE_LIMIT_PRO_RPM")
	viper.BindEnv("rate_limit.tiers.pro_max.requests_per_minute", "RATE_LIMIT_PRO_MAX_RPM")
	viper.BindEnv("rate_limit.tiers.enterprise_pro.requests_per_minute", "RATE_LIMIT_ENTERPRISE_PRO_RPM")
	viper.BindEnv("rate_limit.tiers.enterprise_max.requests_per_minute", "RATE_LIMIT_ENTERPRISE_MAX_RPM")
	viper.BindEnv("rate_limit.tiers.perpetual.requests_per_minute", "RATE_LIMIT_PERPETUAL_RPM")
	viper.BindEnv("rate_limit.oauth_requests_per_minute", "RATE_LIMIT_OAUTH_RPM")

	// Pricing
	viper.BindEnv("pricing.default_multiplier", "PRICING_DEFAULT_MULTIPLIER")

	// Monitoring
	viper.BindEnv("monitoring.enable_metrics", "ENABLE_METRICS")

	// Logging
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	// CORS
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
}

func Get() *Config {
	return cfg
}

// TierLimits returns the limit profile for a tier, falling back to the
// free profile for unknown tiers so a bad snapshot never unbounds a user.
func (c *RateLimitConfig) TierLimits(tier string) TierLimitConfig {
	if limits, ok := c.Tiers[tier]; ok {
		return limits
	}
	return c.Tiers["free"]
}
