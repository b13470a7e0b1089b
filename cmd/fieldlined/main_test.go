package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/fieldline/config"
)

func TestNewModelClient(t *testing.T) {
	t.Run("empty provider disables completion", func(t *testing.T) {
		c, err := newModelClient(config.ModelConfig{})
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("anthropic without key", func(t *testing.T) {
		_, err := newModelClient(config.ModelConfig{Provider: "anthropic"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
	})

	t.Run("anthropic defaults the model name", func(t *testing.T) {
		c, err := newModelClient(config.ModelConfig{Provider: "anthropic", AnthropicAPIKey: "k"})
		require.NoError(t, err)
		assert.NotNil(t, c)
	})

	t.Run("anthropic with explicit model name", func(t *testing.T) {
		c, err := newModelClient(config.ModelConfig{
			Provider:        "anthropic",
			Name:            "claude-opus-4-1",
			AnthropicAPIKey: "k",
		})
		require.NoError(t, err)
		assert.NotNil(t, c)
	})

	t.Run("openai without key", func(t *testing.T) {
		_, err := newModelClient(config.ModelConfig{Provider: "openai"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "OPENAI_API_KEY")
	})

	t.Run("openai defaults the model name", func(t *testing.T) {
		c, err := newModelClient(config.ModelConfig{Provider: "openai", OpenAIAPIKey: "k"})
		require.NoError(t, err)
		assert.NotNil(t, c)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := newModelClient(config.ModelConfig{Provider: "bedrock"})
		require.Error(t, err)
	})
}
