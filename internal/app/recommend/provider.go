// Package recommend provides autoplay track recommendation strategies.
package recommend

import (
	"context"
	cryptoRand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/cadenza-player/cadenza/internal/domain/track"
	"github.com/cadenza-player/cadenza/internal/infra/lastfm"
	"github.com/cadenza-player/cadenza/internal/infra/spotify"
)

// Provider is the interface for recommendation providers.
// Different implementations source candidates through various strategies
// (e.g., library rotation, Last.fm similarity, Spotify recommendations).
type Provider interface {
	// Candidates retrieves autoplay track candidates from the local library.
	// count: the number of candidates to retrieve
	// seedTracks: recently played tracks used as hints for recommendations
	// excludeIDs: tracks already in the queue (for duplicate avoidance)
	Candidates(ctx context.Context, count int, seedTracks []track.Track, excludeIDs map[string]bool) ([]track.Track, error)

	// Name returns the provider name (used in config).
	Name() string
}

// LastFmClient defines the interface for Last.fm operations needed by providers.
type LastFmClient interface {
	GetSimilarTracks(ctx context.Context, trackName, artistName string, limit int) ([]lastfm.SimilarTrack, error)
	GetChartTopTracks(ctx context.Context, limit int) ([]lastfm.TopTrack, error)
}

// CatalogClient defines the interface for Spotify catalog operations needed by providers.
type CatalogClient interface {
	FindTrackID(ctx context.Context, title, artist string) (string, error)
	Recommendations(ctx context.Context, seedTrackIDs []string, limit int) ([]spotify.Suggestion, error)
}

// Library defines the local library operations needed by providers.
// External suggestions are only useful when they resolve to local files.
type Library interface {
	// MatchByArtistTitle finds a library track matching artist and title.
	// Returns nil when nothing matches.
	MatchByArtistTitle(ctx context.Context, artist, title string) (*track.Track, error)
	// LeastRecentlyPlayed returns tracks ordered by how long ago they were
	// last played, never-played tracks first.
	LeastRecentlyPlayed(ctx context.Context, limit int) ([]track.Track, error)
}

// newRand returns a crypto-seeded math/rand source. Falls back to the
// clock when crypto/rand fails.
func newRand() *rand.Rand {
	var seed int64
	var buf [8]byte
	if _, err := cryptoRand.Read(buf[:]); err == nil {
		seed = int64(binary.LittleEndian.Uint64(buf[:]))
	} else {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// dedupeByID removes duplicate tracks by ID, keeping the first occurrence.
func dedupeByID(tracks []track.Track) []track.Track {
	seen := make(map[string]bool)
	result := make([]track.Track, 0, len(tracks))

	for _, t := range tracks {
		if !seen[t.ID] {
			seen[t.ID] = true
			result = append(result, t)
		}
	}

	return result
}
