package filter

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/cadenza-player/cadenza/internal/domain/track"
	"github.com/cadenza-player/cadenza/internal/infra/config"
)

// knownFilters lists filters in execution order. Cheap structural checks
// run before config-dependent ones.
var knownFilters = []string{
	"duplicate_track_filter",
	"duration_limit_filter",
	"artist_spacing_filter",
}

// Chain executes filters in sequence.
type Chain struct {
	filters []Filter
}

// NewChain creates a new filter chain.
func NewChain() *Chain {
	return &Chain{
		filters: make([]Filter, 0),
	}
}

// NewChainFromConfig builds a filter chain from configuration.
// Unknown filter names in the config fail fast so typos do not silently
// disable filtering.
func NewChainFromConfig(cfg *config.Config) (*Chain, error) {
	for name := range cfg.Autoplay.Filters {
		if _, ok := registry[name]; !ok {
			return nil, errors.Newf("unknown filter: %s", name)
		}
	}

	chain := NewChain()
	for _, name := range knownFilters {
		if !cfg.IsFilterEnabled(name) {
			continue
		}

		f := registry[name]()

		var settings map[string]any
		if fcfg, ok := cfg.Autoplay.Filters[name]; ok {
			settings = fcfg.Settings
		}
		if err := f.ValidateConfig(settings); err != nil {
			return nil, errors.Wrapf(err, "invalid settings for filter %s", name)
		}

		chain.Add(f)
		zlog.Info().Msgf("registered autoplay filter: name=%s", name)
	}

	return chain, nil
}

// Add adds a filter to the chain.
func (c *Chain) Add(f Filter) {
	c.filters = append(c.filters, f)
}

// Execute runs all filters in sequence.
// Returns immediately if any filter rejects the candidate.
func (c *Chain) Execute(ctx context.Context, t track.Track, qs QueueState) Result {
	for _, f := range c.filters {
		result := f.Check(ctx, t, qs)
		if !result.Accepted {
			return result
		}
	}
	return Accept()
}

// Filters returns all filters in the chain.
func (c *Chain) Filters() []Filter {
	return c.filters
}
