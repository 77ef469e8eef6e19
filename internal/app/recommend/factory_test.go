package recommend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-player/cadenza/internal/infra/config"
)

func TestNewChainFromConfig(t *testing.T) {
	ctx := context.Background()
	lib := &fakeLibrary{}

	t.Run("no providers fails", func(t *testing.T) {
		cfg := &config.Config{}
		_, err := NewChainFromConfig(ctx, cfg, lib)
		assert.Error(t, err)
	})

	t.Run("unsupported type fails", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Autoplay.Providers = []config.ProviderConfig{{Type: "pandora"}}

		_, err := NewChainFromConfig(ctx, cfg, lib)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported provider type")
	})

	t.Run("providers built in config order", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Autoplay.Providers = []config.ProviderConfig{
			{Type: "lastfm", Settings: map[string]any{"api_key": "key"}},
			{Type: "library"},
		}

		chain, err := NewChainFromConfig(ctx, cfg, lib)
		require.NoError(t, err)
		require.Len(t, chain.providers, 2)
		assert.Equal(t, "lastfm", chain.providers[0].Name())
		assert.Equal(t, "library", chain.providers[1].Name())
	})

	t.Run("invalid provider settings fail", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Autoplay.Providers = []config.ProviderConfig{
			{Type: "lastfm", Settings: map[string]any{"seed_track_count": 3}},
		}

		_, err := NewChainFromConfig(ctx, cfg, lib)
		assert.Error(t, err)
	})
}
