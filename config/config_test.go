package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_SIGNING_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Store.URI)
	assert.Equal(t, uint64(2), cfg.Store.PoolMin)
	assert.Equal(t, uint64(20), cfg.Store.PoolMax)
	assert.Equal(t, 10*time.Second, cfg.Store.ConnectTimeout())
	assert.Equal(t, time.Minute, cfg.Store.MonitorInterval())
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL())
	assert.Equal(t, time.Minute, cfg.RateLimit.Window())
	assert.Equal(t, 100, cfg.RateLimit.MaxPerWindow)
	assert.Equal(t, time.Minute, cfg.Engine.AgentDefaultTimeout())
	assert.Equal(t, 30*time.Second, cfg.Engine.CancelGrace())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Model.Provider)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AUTH_SIGNING_SECRET", "s3cret")
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_URI", "mongodb://db.internal:27017")
	t.Setenv("STORE_POOL_MAX", "50")
	t.Setenv("RATE_LIMIT_MAX_PER_WINDOW", "10")
	t.Setenv("AGENT_DEFAULT_TIMEOUT_MS", "5000")
	t.Setenv("EXECUTION_CANCEL_GRACE_MS", "1000")
	t.Setenv("MODEL_PROVIDER", "anthropic")
	t.Setenv("MODEL_NAME", "claude-haiku-4-5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "mongodb://db.internal:27017", cfg.Store.URI)
	assert.Equal(t, uint64(50), cfg.Store.PoolMax)
	assert.Equal(t, 10, cfg.RateLimit.MaxPerWindow)
	assert.Equal(t, 5*time.Second, cfg.Engine.AgentDefaultTimeout())
	assert.Equal(t, time.Second, cfg.Engine.CancelGrace())
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, "claude-haiku-4-5", cfg.Model.Name)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("AUTH_SIGNING_SECRET", "")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AUTH_SIGNING_SECRET")
	})

	t.Run("bad provider", func(t *testing.T) {
		t.Setenv("AUTH_SIGNING_SECRET", "s3cret")
		t.Setenv("MODEL_PROVIDER", "bedrock")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MODEL_PROVIDER")
	})

	t.Run("pool bounds", func(t *testing.T) {
		t.Setenv("AUTH_SIGNING_SECRET", "s3cret")
		t.Setenv("STORE_POOL_MIN", "30")
		t.Setenv("STORE_POOL_MAX", "10")
		_, err := Load()
		require.Error(t, err)
	})
}
