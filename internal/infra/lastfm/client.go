// Package lastfm provides a client for the Last.fm API.
package lastfm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// Client is a Last.fm API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	// Cache for similar-track lookups, keyed by artist:track
	similarCache map[string][]SimilarTrack
	cacheMu      sync.RWMutex
}

// Config represents Last.fm client configuration.
type Config struct {
	APIKey string
}

// SimilarTrack represents a similar track from Last.fm.
type SimilarTrack struct {
	Name   string
	Artist string
}

// TopTrack represents a chart top track.
type TopTrack struct {
	Name   string
	Artist string
}

// getSimilarResponse represents the response from track.getSimilar.
type getSimilarResponse struct {
	SimilarTracks struct {
		Track []struct {
			Name   string `json:"name"`
			Artist struct {
				Name string `json:"name"`
			} `json:"artist"`
		} `json:"track"`
	} `json:"similartracks"`
}

// getChartTopTracksResponse represents the response from chart.getTopTracks.
type getChartTopTracksResponse struct {
	Tracks struct {
		Track []struct {
			Name   string `json:"name"`
			Artist struct {
				Name string `json:"name"`
			} `json:"artist"`
		} `json:"track"`
	} `json:"tracks"`
}

// apiError represents an error response from the Last.fm API.
type apiError struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

// New creates a new Last.fm client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("last.fm API key is required")
	}

	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      "https://ws.audioscrobbler.com/2.0/",
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		similarCache: make(map[string][]SimilarTrack),
	}, nil
}

// GetSimilarTracks retrieves similar tracks based on track name and artist.
// Reference: https://www.last.fm/api/show/track.getSimilar
func (c *Client) GetSimilarTracks(ctx context.Context, trackName, artistName string, limit int) ([]SimilarTrack, error) {
	if trackName == "" || artistName == "" {
		return nil, errors.New("track name and artist name are required")
	}

	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	cacheKey := fmt.Sprintf("%s:%s", artistName, trackName)
	c.cacheMu.RLock()
	if cached, ok := c.similarCache[cacheKey]; ok {
		c.cacheMu.RUnlock()
		zlog.Debug().Msgf("using cached similar tracks: %s - %s", artistName, trackName)
		return cached, nil
	}
	c.cacheMu.RUnlock()

	params := url.Values{}
	params.Set("method", "track.getSimilar")
	params.Set("api_key", c.apiKey)
	params.Set("artist", artistName)
	params.Set("track", trackName)
	params.Set("limit", fmt.Sprintf("%d", limit))
	params.Set("format", "json")
	params.Set("autocorrect", "1")

	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}

	var response getSimilarResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrap(err, "failed to parse response")
	}

	similar := make([]SimilarTrack, 0, len(response.SimilarTracks.Track))
	for _, t := range response.SimilarTracks.Track {
		similar = append(similar, SimilarTrack{
			Name:   t.Name,
			Artist: t.Artist.Name,
		})
	}

	c.cacheMu.Lock()
	c.similarCache[cacheKey] = similar
	c.cacheMu.Unlock()

	return similar, nil
}

// GetChartTopTracks retrieves the global chart top tracks, used as a
// fallback when no seed tracks are available.
// Reference: https://www.last.fm/api/show/chart.getTopTracks
func (c *Client) GetChartTopTracks(ctx context.Context, limit int) ([]TopTrack, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	params := url.Values{}
	params.Set("method", "chart.getTopTracks")
	params.Set("api_key", c.apiKey)
	params.Set("limit", fmt.Sprintf("%d", limit))
	params.Set("format", "json")

	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}

	var response getChartTopTracksResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrap(err, "failed to parse response")
	}

	tracks := make([]TopTrack, 0, len(response.Tracks.Track))
	for _, t := range response.Tracks.Track {
		tracks = append(tracks, TopTrack{
			Name:   t.Name,
			Artist: t.Artist.Name,
		})
	}

	return tracks, nil
}

// get performs a GET request against the API and returns the raw body
// after checking for an API-level error payload.
func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	reqURL := c.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != 0 {
		return nil, errors.Errorf("last.fm API error %d: %s", apiErr.Error, apiErr.Message)
	}

	return body, nil
}
