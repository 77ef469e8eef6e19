package filter

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/cadenza-player/cadenza/internal/domain/track"
)

// ArtistSpacingConfig represents the configuration for ArtistSpacingFilter.
type ArtistSpacingConfig struct {
	RecentArtistCount int `yaml:"recent_artist_count" mapstructure:"recent_artist_count" default:"5" validate:"gte=1"`
}

// ArtistSpacingFilter rejects candidates whose main artist appeared among
// the most recently played tracks. Keeps autoplay from stacking several
// tracks by the same artist back to back.
type ArtistSpacingFilter struct {
	config *ArtistSpacingConfig
}

// NewArtistSpacingFilter creates a new artist spacing filter.
func NewArtistSpacingFilter() *ArtistSpacingFilter {
	return &ArtistSpacingFilter{}
}

func (f *ArtistSpacingFilter) Name() string {
	return "artist_spacing_filter"
}

func (f *ArtistSpacingFilter) Description() string {
	return "Rejects candidates whose artist appeared within the last N played tracks"
}

func (f *ArtistSpacingFilter) ReturnCodes() []string {
	return []string{"artist_too_recent"}
}

func (f *ArtistSpacingFilter) ValidateConfig(settings map[string]any) error {
	var config ArtistSpacingConfig

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &config,
		TagName: "mapstructure",
	})
	if err != nil {
		return errors.Wrap(err, "failed to create decoder")
	}

	if err := decoder.Decode(settings); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}

	if err := defaults.Set(&config); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		return errors.Wrap(err, "validation failed")
	}

	f.config = &config
	zlog.Info().Msgf("artist spacing filter config: %+v", config)
	return nil
}

func (f *ArtistSpacingFilter) Check(ctx context.Context, t track.Track, qs QueueState) Result {
	// If config is not set, accept all tracks
	if f.config == nil {
		return Accept()
	}
	if t.Artist == "" {
		return Accept()
	}

	window := f.config.RecentArtistCount
	if window > len(qs.RecentArtists) {
		window = len(qs.RecentArtists)
	}

	for _, artist := range qs.RecentArtists[:window] {
		if strings.EqualFold(artist, t.Artist) {
			return Reject("artist_too_recent")
		}
	}

	return Accept()
}

func init() {
	Register("artist_spacing_filter", func() Filter {
		return &ArtistSpacingFilter{}
	})
}
