package recommend

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/cadenza-player/cadenza/internal/infra/config"
)

// NewChainFromConfig creates a provider chain from configuration.
// Providers are tried in config order, so the cheapest fallback normally
// goes last.
func NewChainFromConfig(ctx context.Context, cfg *config.Config, library Library) (*Chain, error) {
	if len(cfg.Autoplay.Providers) == 0 {
		return nil, errors.New("no autoplay providers configured")
	}

	var providers []Provider

	for i, pcfg := range cfg.Autoplay.Providers {
		var provider Provider
		var err error
		zlog.Debug().Msgf("creating autoplay provider: index=%d type=%s", i+1, pcfg.Type)
		switch pcfg.Type {
		case "library":
			provider = NewLibraryProvider(library)

		case "lastfm":
			provider, err = NewLastFmProvider(library, pcfg.Settings)

		case "spotify":
			provider, err = NewSpotifyProvider(ctx, library, pcfg.Settings)

		default:
			return nil, errors.Newf("unsupported provider type: %s (provider index %d)", pcfg.Type, i)
		}

		if err != nil {
			return nil, errors.Wrapf(err, "failed to create provider (index %d, type %s)", i, pcfg.Type)
		}

		providers = append(providers, provider)
		zlog.Info().Msgf("registered autoplay provider: index=%d type=%s", i+1, pcfg.Type)
	}

	return NewChain(providers...), nil
}
