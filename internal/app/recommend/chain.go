package recommend

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/cadenza-player/cadenza/internal/domain/track"
)

// ErrNoCandidates is returned when every provider came back empty.
var ErrNoCandidates = errors.New("no provider returned candidates")

// Chain tries providers in order and returns the first non-empty result.
// Later providers act as fallbacks, so a flaky network provider ahead of
// the library provider never blocks autoplay entirely.
type Chain struct {
	providers []Provider
}

// NewChain creates a new provider chain.
func NewChain(providers ...Provider) *Chain {
	return &Chain{
		providers: providers,
	}
}

// Candidates retrieves candidates from the first provider that returns any.
func (c *Chain) Candidates(ctx context.Context, count int, seedTracks []track.Track, excludeIDs map[string]bool) ([]track.Track, error) {
	for i, p := range c.providers {
		zlog.Debug().Msgf("trying provider: index=%d total=%d name=%s", i+1, len(c.providers), p.Name())

		candidates, err := p.Candidates(ctx, count, seedTracks, excludeIDs)
		if err != nil {
			zlog.Warn().Msgf("provider failed, trying next: provider=%s error=%v", p.Name(), err)
			continue
		}

		if len(candidates) == 0 {
			zlog.Debug().Msgf("provider returned no candidates: provider=%s", p.Name())
			continue
		}

		zlog.Info().Msgf("provider returned candidates: provider=%s count=%d", p.Name(), len(candidates))
		return candidates, nil
	}

	return nil, ErrNoCandidates
}

// Name returns the chain name.
func (c *Chain) Name() string {
	return "provider_chain"
}
