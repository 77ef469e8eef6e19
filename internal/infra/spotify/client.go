// Package spotify provides a client for the Spotify catalog API.
package spotify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"
)

// Suggestion is a recommended track identified by artist and title.
// Matching against the local library happens in the caller.
type Suggestion struct {
	Title  string
	Artist string
}

// Client is a Spotify catalog client. It uses the client-credentials
// grant, which allows catalog reads (search, recommendations) without any
// user account involved.
type Client struct {
	client     *spotify.Client
	maxRetries int
	retryDelay time.Duration
}

// Config represents Spotify client configuration.
type Config struct {
	ClientID     string
	ClientSecret string
}

// New creates a new Spotify catalog client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("spotify credentials are required")
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}

	// The oauth2 client refreshes the token transparently.
	httpClient := creds.Client(ctx)
	client := spotify.New(httpClient)

	return &Client{
		client:     client,
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

// FindTrackID resolves a title/artist pair to a Spotify track ID for use
// as a recommendation seed. Returns an empty ID when nothing matches.
func (c *Client) FindTrackID(ctx context.Context, title, artist string) (string, error) {
	if title == "" {
		return "", errors.New("title is required")
	}

	query := fmt.Sprintf("track:%s artist:%s", title, artist)

	var result *spotify.SearchResult
	err := c.retry(func() error {
		r, err := c.client.Search(ctx, query, spotify.SearchTypeTrack, spotify.Limit(1))
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to search track")
	}

	if result.Tracks == nil || len(result.Tracks.Tracks) == 0 {
		return "", nil
	}
	return string(result.Tracks.Tracks[0].ID), nil
}

// Recommendations asks the Spotify recommendation engine for tracks
// related to the given seed track IDs. The API accepts at most five seeds.
func (c *Client) Recommendations(ctx context.Context, seedTrackIDs []string, limit int) ([]Suggestion, error) {
	if len(seedTrackIDs) == 0 {
		return nil, errors.New("at least one seed track is required")
	}
	if len(seedTrackIDs) > 5 {
		seedTrackIDs = seedTrackIDs[:5]
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	seeds := spotify.Seeds{}
	for _, id := range seedTrackIDs {
		seeds.Tracks = append(seeds.Tracks, spotify.ID(id))
	}

	var recs *spotify.Recommendations
	err := c.retry(func() error {
		r, err := c.client.GetRecommendations(ctx, seeds, nil, spotify.Limit(limit))
		if err != nil {
			return err
		}
		recs = r
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recommendations")
	}

	suggestions := make([]Suggestion, 0, len(recs.Tracks))
	for _, t := range recs.Tracks {
		artist := ""
		if len(t.Artists) > 0 {
			artist = t.Artists[0].Name
		}
		suggestions = append(suggestions, Suggestion{
			Title:  t.Name,
			Artist: artist,
		})
	}

	return suggestions, nil
}

// retry retries an operation with exponential backoff.
func (c *Client) retry(fn func() error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelay * time.Duration(i+1))
		}
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	// Rate limit errors and server errors are retryable
	errStr := err.Error()
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504")
}
