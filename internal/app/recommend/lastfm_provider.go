package recommend

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/cadenza-player/cadenza/internal/domain/track"
	"github.com/cadenza-player/cadenza/internal/infra/lastfm"
)

// LastFmProviderConfig represents the lastfm provider settings.
type LastFmProviderConfig struct {
	APIKey         string `yaml:"api_key" mapstructure:"api_key" validate:"required"`
	SeedTrackCount int    `yaml:"seed_track_count" mapstructure:"seed_track_count" default:"3" validate:"gte=1"`
	SimilarPerSeed int    `yaml:"similar_per_seed" mapstructure:"similar_per_seed" default:"10" validate:"gte=1"`
}

// LastFmProvider sources candidates from Last.fm track similarity and
// resolves them against the local library.
type LastFmProvider struct {
	lastfm  LastFmClient
	matcher *libraryMatcher

	config *LastFmProviderConfig
}

// NewLastFmProvider creates a new LastFmProvider.
func NewLastFmProvider(library Library, settings map[string]any) (*LastFmProvider, error) {
	if library == nil {
		return nil, errors.New("library is required")
	}
	if len(settings) == 0 {
		return nil, errors.New("settings are required")
	}

	var config LastFmProviderConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}

	lastfmClient, err := lastfm.New(lastfm.Config{APIKey: config.APIKey})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create last.fm client")
	}

	return &LastFmProvider{
		lastfm:  lastfmClient,
		matcher: newLibraryMatcher(library),
		config:  &config,
	}, nil
}

// Candidates retrieves candidates via Last.fm similarity lookups.
func (p *LastFmProvider) Candidates(ctx context.Context, count int, seedTracks []track.Track, excludeIDs map[string]bool) ([]track.Track, error) {
	if count <= 0 {
		return []track.Track{}, nil
	}

	// Limit seed tracks
	if len(seedTracks) > p.config.SeedTrackCount {
		seedTracks = seedTracks[:p.config.SeedTrackCount]
	}

	if len(seedTracks) == 0 {
		// No seed tracks available, use global charts as fallback
		return p.chartBasedCandidates(ctx, count, excludeIDs)
	}

	candidates := p.similarBasedCandidates(ctx, seedTracks, excludeIDs)
	if len(candidates) == 0 {
		return []track.Track{}, nil
	}

	// Shuffle so identical seeds don't always yield the same picks
	rng := newRand()
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}

	return candidates, nil
}

// Name returns the provider name.
func (p *LastFmProvider) Name() string {
	return "lastfm"
}

// similarBasedCandidates fans out one similarity lookup per seed track.
func (p *LastFmProvider) similarBasedCandidates(ctx context.Context, seedTracks []track.Track, excludeIDs map[string]bool) []track.Track {
	var candidates []track.Track
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, seed := range seedTracks {
		if seed.Artist == "" {
			continue
		}

		wg.Add(1)
		go func(s track.Track) {
			defer wg.Done()
			similar, err := p.lastfm.GetSimilarTracks(ctx, s.Title, s.Artist, p.config.SimilarPerSeed)
			if err != nil {
				return // Skip on error
			}

			for _, sim := range similar {
				local := p.matcher.match(ctx, sim.Name, sim.Artist)
				if local != nil {
					mu.Lock()
					if !excludeIDs[local.ID] {
						candidates = append(candidates, *local)
					}
					mu.Unlock()
				}
			}
		}(seed)
	}
	wg.Wait()

	return dedupeByID(candidates)
}

// chartBasedCandidates retrieves candidates from the global chart.
// Used as a fallback when no seed tracks are available (e.g., autoplay
// kicking in on a fresh queue).
func (p *LastFmProvider) chartBasedCandidates(ctx context.Context, count int, excludeIDs map[string]bool) ([]track.Track, error) {
	chartTracks, err := p.lastfm.GetChartTopTracks(ctx, 50)
	if err != nil {
		return []track.Track{}, err
	}

	// Shuffle chart tracks to avoid always picking the same top tracks
	rng := newRand()
	rng.Shuffle(len(chartTracks), func(i, j int) {
		chartTracks[i], chartTracks[j] = chartTracks[j], chartTracks[i]
	})

	var candidates []track.Track
	for _, chartTrack := range chartTracks {
		local := p.matcher.match(ctx, chartTrack.Name, chartTrack.Artist)
		if local != nil && !excludeIDs[local.ID] {
			candidates = append(candidates, *local)
		}

		if len(candidates) >= count {
			break
		}
	}

	return dedupeByID(candidates), nil
}
