// Package track provides the Track domain entity.
package track

import (
	"path/filepath"
	"strings"
	"time"
)

// Track represents a playable audio track.
// Identity fields are immutable; the library store owns the source of truth
// and the player only ever holds copies.
type Track struct {
	ID       string        // Stable track ID (library assigned)
	Title    string        // Track title
	Artist   string        // Artist name
	Album    string        // Album name
	TrackNo  int           // Track number within the album (0 if unknown)
	Year     int           // Release year (0 if unknown)
	URL      string        // File URL or path handed to the stream engine
	Duration time.Duration // Track duration (0 if unknown)
	Loudness Loudness      // ReplayGain measurements from tags
	Stats    Stats         // Play statistics snapshot at load time
}

// Loudness holds ReplayGain measurements read from file tags.
// Gains are in dB, peaks are linear amplitude with 1.0 = full scale.
type Loudness struct {
	TrackGain float64 // Track gain in dB
	TrackPeak float64 // Track peak amplitude
	AlbumGain float64 // Album gain in dB
	AlbumPeak float64 // Album peak amplitude
	HasTrack  bool    // Track gain/peak present in tags
	HasAlbum  bool    // Album gain/peak present in tags
}

// Stats represents mutable play statistics for a track.
type Stats struct {
	PlayCount  int       // Number of completed plays
	LastPlayed time.Time // Time of the most recent play (zero if never)
	Favorite   bool      // User favorite flag
}

// DisplayTitle returns the title, falling back to the file name when the
// track has no usable tags.
func (t *Track) DisplayTitle() string {
	if t.Title != "" {
		return t.Title
	}
	base := filepath.Base(t.URL)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// MatchKey returns a normalized "artist/title" key used to match externally
// recommended tracks against the local library.
func (t *Track) MatchKey() string {
	return MatchKey(t.Artist, t.Title)
}

// MatchKey normalizes an artist/title pair into a comparison key.
func MatchKey(artist, title string) string {
	norm := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}
	return norm(artist) + "/" + norm(title)
}
