// Package config loads runtime configuration from the environment with
// sensible defaults. Every recognized variable is bound explicitly so the
// supported surface is visible in one place.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Model     ModelConfig     `mapstructure:"model"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig holds database connection and pool configuration.
type StoreConfig struct {
	URI               string `mapstructure:"uri"`
	Database          string `mapstructure:"database"`
	PoolMin           uint64 `mapstructure:"poolMin"`
	PoolMax           uint64 `mapstructure:"poolMax"`
	ConnectTimeoutMs  int64  `mapstructure:"connectTimeoutMs"`
	MonitorIntervalMs int64  `mapstructure:"monitorIntervalMs"`
}

// AuthConfig holds token signing configuration.
type AuthConfig struct {
	SigningSecret string `mapstructure:"signingSecret"`
	TokenTTLMs    int64  `mapstructure:"tokenTtlMs"`
}

// RateLimitConfig holds the default request quota.
type RateLimitConfig struct {
	WindowMs     int64 `mapstructure:"windowMs"`
	MaxPerWindow int   `mapstructure:"maxPerWindow"`
}

// EngineConfig holds execution engine tunables.
type EngineConfig struct {
	AgentDefaultTimeoutMs int64 `mapstructure:"agentDefaultTimeoutMs"`
	CancelGraceMs         int64 `mapstructure:"cancelGraceMs"`
	MaxConcurrentAgents   int   `mapstructure:"maxConcurrentAgents"`
}

// ModelConfig selects the completion model provider.
type ModelConfig struct {
	// Provider is "anthropic", "openai", or "" to disable the completion
	// agent kind.
	Provider string `mapstructure:"provider"`
	// Name overrides the provider's default model identifier.
	Name            string `mapstructure:"name"`
	AnthropicAPIKey string `mapstructure:"anthropicApiKey"`
	OpenAIAPIKey    string `mapstructure:"openaiApiKey"`
}

// RedisConfig holds the optional Redis connection for cross-process rate
// limit overrides. Empty URL disables it.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// ConnectTimeout returns the store connect timeout as a duration.
func (s StoreConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutMs) * time.Millisecond
}

// MonitorInterval returns the pool monitor interval as a duration.
func (s StoreConfig) MonitorInterval() time.Duration {
	return time.Duration(s.MonitorIntervalMs) * time.Millisecond
}

// TokenTTL returns the token lifetime as a duration.
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMs) * time.Millisecond
}

// Window returns the rate limit window as a duration.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// AgentDefaultTimeout returns the per-invocation agent timeout as a duration.
func (e EngineConfig) AgentDefaultTimeout() time.Duration {
	return time.Duration(e.AgentDefaultTimeoutMs) * time.Millisecond
}

// CancelGrace returns the cancellation grace period as a duration.
func (e EngineConfig) CancelGrace() time.Duration {
	return time.Duration(e.CancelGraceMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("store.uri", "mongodb://localhost:27017")
	v.SetDefault("store.database", "fieldline")
	v.SetDefault("store.poolMin", 2)
	v.SetDefault("store.poolMax", 20)
	v.SetDefault("store.connectTimeoutMs", 10_000)
	v.SetDefault("store.monitorIntervalMs", 60_000)

	v.SetDefault("auth.signingSecret", "")
	v.SetDefault("auth.tokenTtlMs", int64(24*time.Hour/time.Millisecond))

	v.SetDefault("rateLimit.windowMs", 60_000)
	v.SetDefault("rateLimit.maxPerWindow", 100)

	v.SetDefault("engine.agentDefaultTimeoutMs", 60_000)
	v.SetDefault("engine.cancelGraceMs", 30_000)
	v.SetDefault("engine.maxConcurrentAgents", 4)

	v.SetDefault("model.provider", "")
	v.SetDefault("model.name", "")
	v.SetDefault("model.anthropicApiKey", "")
	v.SetDefault("model.openaiApiKey", "")

	v.SetDefault("redis.url", "")

	v.SetDefault("logging.level", "info")
}

// bindEnv maps each recognized environment variable to its config key.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "PORT")

	_ = v.BindEnv("store.uri", "STORE_URI")
	_ = v.BindEnv("store.database", "STORE_DATABASE")
	_ = v.BindEnv("store.poolMin", "STORE_POOL_MIN")
	_ = v.BindEnv("store.poolMax", "STORE_POOL_MAX")
	_ = v.BindEnv("store.connectTimeoutMs", "STORE_CONNECT_TIMEOUT_MS")
	_ = v.BindEnv("store.monitorIntervalMs", "STORE_MONITOR_INTERVAL_MS")

	_ = v.BindEnv("auth.signingSecret", "AUTH_SIGNING_SECRET")
	_ = v.BindEnv("auth.tokenTtlMs", "AUTH_TOKEN_TTL_MS")

	_ = v.BindEnv("rateLimit.windowMs", "RATE_LIMIT_WINDOW_MS")
	_ = v.BindEnv("rateLimit.maxPerWindow", "RATE_LIMIT_MAX_PER_WINDOW")

	_ = v.BindEnv("engine.agentDefaultTimeoutMs", "AGENT_DEFAULT_TIMEOUT_MS")
	_ = v.BindEnv("engine.cancelGraceMs", "EXECUTION_CANCEL_GRACE_MS")
	_ = v.BindEnv("engine.maxConcurrentAgents", "MAX_CONCURRENT_AGENTS")

	_ = v.BindEnv("model.provider", "MODEL_PROVIDER")
	_ = v.BindEnv("model.name", "MODEL_NAME")
	_ = v.BindEnv("model.anthropicApiKey", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("model.openaiApiKey", "OPENAI_API_KEY")

	_ = v.BindEnv("redis.url", "REDIS_URL")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
}

// Load reads configuration from the environment with defaults applied.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Auth.SigningSecret == "" {
		return fmt.Errorf("config: AUTH_SIGNING_SECRET is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Store.PoolMin > c.Store.PoolMax {
		return fmt.Errorf("config: STORE_POOL_MIN %d exceeds STORE_POOL_MAX %d", c.Store.PoolMin, c.Store.PoolMax)
	}
	switch c.Model.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown MODEL_PROVIDER %q", c.Model.Provider)
	}
	return nil
}
