package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-player/cadenza/internal/domain/track"
	"github.com/cadenza-player/cadenza/internal/infra/config"
)

// stubFilter is a configurable filter for chain tests.
type stubFilter struct {
	name   string
	result Result
	calls  int
}

func (f *stubFilter) Name() string                          { return f.name }
func (f *stubFilter) Description() string                   { return "stub" }
func (f *stubFilter) ReturnCodes() []string                 { return []string{"stub_reject"} }
func (f *stubFilter) ValidateConfig(_ map[string]any) error { return nil }

func (f *stubFilter) Check(_ context.Context, _ track.Track, _ QueueState) Result {
	f.calls++
	return f.result
}

func TestChain_Execute(t *testing.T) {
	t.Run("all accept", func(t *testing.T) {
		chain := NewChain()
		f1 := &stubFilter{name: "f1", result: Accept()}
		f2 := &stubFilter{name: "f2", result: Accept()}
		chain.Add(f1)
		chain.Add(f2)

		result := chain.Execute(context.Background(), track.Track{ID: "t1"}, QueueState{})

		assert.True(t, result.Accepted)
		assert.Equal(t, 1, f1.calls)
		assert.Equal(t, 1, f2.calls)
	})

	t.Run("first reject stops chain", func(t *testing.T) {
		chain := NewChain()
		f1 := &stubFilter{name: "f1", result: Reject("stub_reject")}
		f2 := &stubFilter{name: "f2", result: Accept()}
		chain.Add(f1)
		chain.Add(f2)

		result := chain.Execute(context.Background(), track.Track{ID: "t1"}, QueueState{})

		assert.False(t, result.Accepted)
		assert.Equal(t, "stub_reject", result.Code)
		assert.Equal(t, 0, f2.calls, "second filter should not run after a reject")
	})

	t.Run("empty chain accepts", func(t *testing.T) {
		chain := NewChain()
		result := chain.Execute(context.Background(), track.Track{ID: "t1"}, QueueState{})
		assert.True(t, result.Accepted)
	})
}

func TestRegistry_KnownFiltersRegistered(t *testing.T) {
	registered := GetRegistered()
	for _, name := range knownFilters {
		factory, ok := registered[name]
		require.True(t, ok, "filter %s should self-register", name)
		assert.Equal(t, name, factory().Name())
	}
}

func TestNewChainFromConfig(t *testing.T) {
	t.Run("enabled filters in order", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Autoplay.Filters = map[string]config.FilterConfig{
			"duplicate_track_filter": {Enabled: true},
			"artist_spacing_filter":  {Enabled: true, Settings: map[string]any{"recent_artist_count": 3}},
		}

		chain, err := NewChainFromConfig(cfg)
		require.NoError(t, err)

		filters := chain.Filters()
		require.Len(t, filters, 2)
		assert.Equal(t, "duplicate_track_filter", filters[0].Name())
		assert.Equal(t, "artist_spacing_filter", filters[1].Name())
	})

	t.Run("disabled filter skipped", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Autoplay.Filters = map[string]config.FilterConfig{
			"duplicate_track_filter": {Enabled: false},
		}

		chain, err := NewChainFromConfig(cfg)
		require.NoError(t, err)
		assert.Empty(t, chain.Filters())
	})

	t.Run("unknown filter name fails", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Autoplay.Filters = map[string]config.FilterConfig{
			"no_such_filter": {Enabled: true},
		}

		_, err := NewChainFromConfig(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no_such_filter")
	})

	t.Run("invalid settings fail", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Autoplay.Filters = map[string]config.FilterConfig{
			"duration_limit_filter": {
				Enabled:  true,
				Settings: map[string]any{"min_minutes": 10.0, "max_minutes": 5.0},
			},
		}

		_, err := NewChainFromConfig(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duration_limit_filter")
	})
}
