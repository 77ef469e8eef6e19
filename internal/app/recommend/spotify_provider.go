package recommend

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/cadenza-player/cadenza/internal/domain/track"
	"github.com/cadenza-player/cadenza/internal/infra/spotify"
)

// SpotifyProviderConfig represents the spotify provider settings.
type SpotifyProviderConfig struct {
	ClientID       string `yaml:"client_id" mapstructure:"client_id" validate:"required"`
	ClientSecret   string `yaml:"client_secret" mapstructure:"client_secret" validate:"required"`
	SeedTrackCount int    `yaml:"seed_track_count" mapstructure:"seed_track_count" default:"5" validate:"gte=1,lte=5"`
}

// SpotifyProvider sources candidates from the Spotify recommendation
// engine and resolves them against the local library.
type SpotifyProvider struct {
	catalog CatalogClient
	matcher *libraryMatcher

	// Cache for seed track ID lookups
	seedIDCache map[string]string
	cacheMutex  sync.RWMutex

	config *SpotifyProviderConfig
}

// NewSpotifyProvider creates a new SpotifyProvider.
func NewSpotifyProvider(ctx context.Context, library Library, settings map[string]any) (*SpotifyProvider, error) {
	if library == nil {
		return nil, errors.New("library is required")
	}
	if len(settings) == 0 {
		return nil, errors.New("settings are required")
	}

	var config SpotifyProviderConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}

	catalog, err := spotify.New(ctx, spotify.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create spotify client")
	}

	return &SpotifyProvider{
		catalog:     catalog,
		matcher:     newLibraryMatcher(library),
		seedIDCache: make(map[string]string),
		config:      &config,
	}, nil
}

// Candidates retrieves candidates via the Spotify recommendation engine.
func (p *SpotifyProvider) Candidates(ctx context.Context, count int, seedTracks []track.Track, excludeIDs map[string]bool) ([]track.Track, error) {
	if count <= 0 {
		return []track.Track{}, nil
	}

	// Limit seed tracks; the recommendation API accepts at most five seeds
	if len(seedTracks) > p.config.SeedTrackCount {
		seedTracks = seedTracks[:p.config.SeedTrackCount]
	}

	seedIDs := p.resolveSeedIDs(ctx, seedTracks)
	if len(seedIDs) == 0 {
		// Nothing to seed the recommendation engine with
		return []track.Track{}, nil
	}

	// Fetch extra suggestions because not all of them resolve to local files
	suggestions, err := p.catalog.Recommendations(ctx, seedIDs, count*3)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recommendations")
	}

	var candidates []track.Track
	for _, s := range suggestions {
		local := p.matcher.match(ctx, s.Title, s.Artist)
		if local != nil && !excludeIDs[local.ID] {
			candidates = append(candidates, *local)
		}

		if len(candidates) >= count {
			break
		}
	}

	return dedupeByID(candidates), nil
}

// Name returns the provider name.
func (p *SpotifyProvider) Name() string {
	return "spotify"
}

// resolveSeedIDs maps seed tracks to Spotify track IDs with caching.
func (p *SpotifyProvider) resolveSeedIDs(ctx context.Context, seedTracks []track.Track) []string {
	var ids []string
	for _, seed := range seedTracks {
		if seed.Title == "" {
			continue
		}
		key := fmt.Sprintf("%s:%s", seed.Title, seed.Artist)

		p.cacheMutex.RLock()
		id, ok := p.seedIDCache[key]
		p.cacheMutex.RUnlock()

		if !ok {
			var err error
			id, err = p.catalog.FindTrackID(ctx, seed.Title, seed.Artist)
			if err != nil {
				continue // Skip on error
			}
			p.cacheMutex.Lock()
			p.seedIDCache[key] = id
			p.cacheMutex.Unlock()
		}

		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
