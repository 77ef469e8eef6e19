package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dhowden/tag"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/cadenza-player/cadenza/internal/domain/track"
)

// audioExtensions lists the file types handed to the stream engine.
var audioExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".oga":  true,
	".opus": true,
	".m4a":  true,
	".aac":  true,
	".wav":  true,
	".aiff": true,
}

// Scanner walks music directories and stores track metadata.
type Scanner struct {
	store *Store
}

// NewScanner creates a new library scanner.
func NewScanner(store *Store) *Scanner {
	return &Scanner{
		store: store,
	}
}

// ScanResult summarizes a library scan.
type ScanResult struct {
	Scanned int // audio files visited
	Stored  int // tracks inserted or refreshed
	Pruned  int // stale rows removed
	Failed  int // files that could not be read
}

// Scan walks the given directories, upserts every audio file found and
// prunes tracks whose files are gone.
func (s *Scanner) Scan(ctx context.Context, dirs []string) (*ScanResult, error) {
	if len(dirs) == 0 {
		return nil, errors.New("no music directories configured")
	}

	result := &ScanResult{}
	seen := make(map[string]bool)

	for _, dir := range dirs {
		zlog.Info().Msgf("scanning music directory: dir=%s", dir)

		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				// Skip hidden directories
				if path != dir && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !audioExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}

			result.Scanned++

			t, err := ReadTrack(path)
			if err != nil {
				zlog.Warn().Msgf("failed to read track: path=%s error=%v", path, err)
				result.Failed++
				return nil
			}

			if _, err := s.store.UpsertTrack(ctx, *t); err != nil {
				return errors.Wrapf(err, "failed to store track %s", path)
			}
			seen[t.URL] = true
			result.Stored++
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan directory %s", dir)
		}
	}

	pruned, err := s.store.Prune(ctx, seen)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prune library")
	}
	result.Pruned = pruned

	if err := s.store.SetLastScan(time.Now()); err != nil {
		zlog.Warn().Msgf("failed to record scan time: error=%v", err)
	}

	zlog.Info().Msgf("library scan complete: scanned=%d stored=%d pruned=%d failed=%d",
		result.Scanned, result.Stored, result.Pruned, result.Failed)
	return result, nil
}

// ReadTrack extracts metadata from a single audio file. Untagged files
// come back with empty metadata fields; the title display falls back to
// the file name.
func ReadTrack(path string) (*track.Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}
	defer f.Close()

	t := &track.Track{
		ID:  uuid.New().String(),
		URL: path,
	}

	m, err := tag.ReadFrom(f)
	if err != nil {
		// Untagged or unparseable files are still playable
		return t, nil
	}

	if title := strings.TrimSpace(m.Title()); title != "" {
		t.Title = title
	}
	if artist := strings.TrimSpace(m.Artist()); artist != "" {
		t.Artist = artist
	}
	if album := strings.TrimSpace(m.Album()); album != "" {
		t.Album = album
	}
	if no, _ := m.Track(); no > 0 {
		t.TrackNo = no
	}
	if year := m.Year(); year > 0 {
		t.Year = year
	}
	t.Loudness = readLoudness(m)

	return t, nil
}

// readLoudness pulls ReplayGain values out of the raw tag frames.
// Vorbis comments carry them as plain keys, ID3v2 as TXXX frames; key
// casing and value formatting vary by tagger, so parsing is tolerant.
func readLoudness(m tag.Metadata) track.Loudness {
	values := make(map[string]string)
	for key, v := range m.Raw() {
		name := strings.ToLower(key)
		name = strings.TrimPrefix(name, "txxx:")

		var text string
		switch tv := v.(type) {
		case string:
			text = tv
		case *tag.Comm:
			name = strings.ToLower(tv.Description)
			text = tv.Text
		default:
			continue
		}

		if strings.HasPrefix(name, "replaygain_") {
			values[name] = text
		}
	}

	var l track.Loudness
	if gain, ok := parseGain(values["replaygain_track_gain"]); ok {
		l.TrackGain = gain
		l.TrackPeak = parsePeak(values["replaygain_track_peak"])
		l.HasTrack = true
	}
	if gain, ok := parseGain(values["replaygain_album_gain"]); ok {
		l.AlbumGain = gain
		l.AlbumPeak = parsePeak(values["replaygain_album_peak"])
		l.HasAlbum = true
	}
	return l
}

// parseGain parses a ReplayGain dB string such as "-6.50 dB".
func parseGain(s string) (float64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	s = strings.TrimSpace(strings.TrimSuffix(s, "db"))

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// parsePeak parses a linear peak amplitude string such as "0.988525".
// Returns 0 when absent or malformed; callers treat 0 as unknown.
func parsePeak(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}
