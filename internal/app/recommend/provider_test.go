package recommend

import (
	"context"

	"github.com/cadenza-player/cadenza/internal/domain/track"
	"github.com/cadenza-player/cadenza/internal/infra/lastfm"
	"github.com/cadenza-player/cadenza/internal/infra/spotify"
)

// fakeLibrary is an in-memory Library for provider tests.
type fakeLibrary struct {
	tracks []track.Track
	lrpErr error
}

func (l *fakeLibrary) MatchByArtistTitle(_ context.Context, artist, title string) (*track.Track, error) {
	key := track.MatchKey(artist, title)
	for _, t := range l.tracks {
		if t.MatchKey() == key {
			found := t
			return &found, nil
		}
	}
	return nil, nil
}

func (l *fakeLibrary) LeastRecentlyPlayed(_ context.Context, limit int) ([]track.Track, error) {
	if l.lrpErr != nil {
		return nil, l.lrpErr
	}
	if limit > len(l.tracks) {
		limit = len(l.tracks)
	}
	return l.tracks[:limit], nil
}

// fakeLastFmClient serves canned similarity and chart responses.
type fakeLastFmClient struct {
	similar    map[string][]lastfm.SimilarTrack // keyed by seed track name
	chart      []lastfm.TopTrack
	similarErr error
	chartErr   error
}

func (c *fakeLastFmClient) GetSimilarTracks(_ context.Context, trackName, _ string, _ int) ([]lastfm.SimilarTrack, error) {
	if c.similarErr != nil {
		return nil, c.similarErr
	}
	return c.similar[trackName], nil
}

func (c *fakeLastFmClient) GetChartTopTracks(_ context.Context, _ int) ([]lastfm.TopTrack, error) {
	if c.chartErr != nil {
		return nil, c.chartErr
	}
	return c.chart, nil
}

// fakeCatalog serves canned Spotify lookups and recommendations.
type fakeCatalog struct {
	ids      map[string]string // keyed by title
	recs     []spotify.Suggestion
	findErr  error
	recErr   error
	recCalls int
}

func (c *fakeCatalog) FindTrackID(_ context.Context, title, _ string) (string, error) {
	if c.findErr != nil {
		return "", c.findErr
	}
	return c.ids[title], nil
}

func (c *fakeCatalog) Recommendations(_ context.Context, _ []string, _ int) ([]spotify.Suggestion, error) {
	c.recCalls++
	if c.recErr != nil {
		return nil, c.recErr
	}
	return c.recs, nil
}
