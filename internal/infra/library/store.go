// Package library provides the local music library: a tag scanner and a
// SQLite-backed store for track metadata and play statistics.
package library

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/cadenza-player/cadenza/internal/domain/track"
)

// schemaVersion is the current database schema version.
const schemaVersion = "1"

// Store is the SQLite-backed library database.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// NewStore creates a new library store instance for the given path.
// Call Open before use.
func NewStore(path string) *Store {
	return &Store{
		path: path,
	}
}

// Open opens the database and initializes the schema.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	db, err := sql.Open("sqlite3", s.path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return errors.Wrap(err, "failed to open library database")
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s.db = db

	if err := s.initSchema(); err != nil {
		s.db.Close()
		s.db = nil
		return errors.Wrap(err, "failed to initialize schema")
	}

	zlog.Info().Msgf("library database opened: path=%s", s.path)
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// initSchema initializes the database schema.
func (s *Store) initSchema() error {
	currentVersion := s.getMetaLocked("schema_version")

	if currentVersion == "" {
		// Fresh database, create all tables
		if err := s.createSchema(); err != nil {
			return err
		}
		return s.setMetaLocked("schema_version", schemaVersion)
	}

	if currentVersion != schemaVersion {
		zlog.Info().Msgf("migrating library schema: current=%s target=%s", currentVersion, schemaVersion)
		// Add migration logic here when schema changes
		return s.setMetaLocked("schema_version", schemaVersion)
	}

	return nil
}

// createSchema creates all database tables.
func (s *Store) createSchema() error {
	schema := `
	-- Track metadata
	CREATE TABLE IF NOT EXISTS tracks (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		artist TEXT NOT NULL,
		album TEXT NOT NULL,
		track_no INTEGER DEFAULT 0,
		year INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		track_gain REAL,
		track_peak REAL,
		album_gain REAL,
		album_peak REAL,
		match_key TEXT NOT NULL,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP
	);

	-- Play statistics, one row per track
	CREATE TABLE IF NOT EXISTS play_stats (
		track_id TEXT PRIMARY KEY,
		play_count INTEGER DEFAULT 0,
		last_played TEXT,
		favorite INTEGER DEFAULT 0
	);

	-- Store metadata
	CREATE TABLE IF NOT EXISTS library_meta (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tracks_match_key ON tracks(match_key);
	CREATE INDEX IF NOT EXISTS idx_tracks_artist ON tracks(artist COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_play_stats_last_played ON play_stats(last_played);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}

	zlog.Info().Msgf("library schema created: version=%s", schemaVersion)
	return nil
}

// getMetaLocked gets a metadata value. Caller holds the lock.
func (s *Store) getMetaLocked(key string) string {
	var value string
	err := s.db.QueryRow("SELECT value FROM library_meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		return ""
	}
	return value
}

// setMetaLocked sets a metadata value. Caller holds the lock.
func (s *Store) setMetaLocked(key, value string) error {
	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO library_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	return err
}

// SetLastScan records the completion time of a library scan.
func (s *Store) SetLastScan(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("database not open")
	}
	return s.setMetaLocked("last_scan", t.Format(time.RFC3339))
}

// LastScan returns the completion time of the most recent scan, zero when
// the library has never been scanned.
func (s *Store) LastScan() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return time.Time{}
	}
	v := s.getMetaLocked("last_scan")
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpsertTrack inserts or updates a track keyed by its URL and returns the
// stored track ID. Existing rows keep their ID, so rescans stay stable.
func (s *Store) UpsertTrack(ctx context.Context, t track.Track) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", errors.New("database not open")
	}

	var trackGain, trackPeak, albumGain, albumPeak any
	if t.Loudness.HasTrack {
		trackGain = t.Loudness.TrackGain
		trackPeak = t.Loudness.TrackPeak
	}
	if t.Loudness.HasAlbum {
		albumGain = t.Loudness.AlbumGain
		albumPeak = t.Loudness.AlbumPeak
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracks (id, url, title, artist, album, track_no, year, duration_ms,
			track_gain, track_peak, album_gain, album_peak, match_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			title = excluded.title,
			artist = excluded.artist,
			album = excluded.album,
			track_no = excluded.track_no,
			year = excluded.year,
			duration_ms = excluded.duration_ms,
			track_gain = excluded.track_gain,
			track_peak = excluded.track_peak,
			album_gain = excluded.album_gain,
			album_peak = excluded.album_peak,
			match_key = excluded.match_key,
			updated_at = CURRENT_TIMESTAMP
	`, t.ID, t.URL, t.Title, t.Artist, t.Album, t.TrackNo, t.Year, t.Duration.Milliseconds(),
		trackGain, trackPeak, albumGain, albumPeak, t.MatchKey())
	if err != nil {
		return "", errors.Wrap(err, "failed to upsert track")
	}

	var id string
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM tracks WHERE url = ?", t.URL).Scan(&id); err != nil {
		return "", errors.Wrap(err, "failed to read back track id")
	}

	// Ensure a stats row exists so later joins and upserts are uniform
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO play_stats (track_id) VALUES (?)", id); err != nil {
		return "", errors.Wrap(err, "failed to init play stats")
	}

	return id, nil
}

// trackColumns is the column list scanRow expects, with play stats joined.
const trackColumns = `t.id, t.url, t.title, t.artist, t.album, t.track_no, t.year, t.duration_ms,
	t.track_gain, t.track_peak, t.album_gain, t.album_peak,
	COALESCE(p.play_count, 0), p.last_played, COALESCE(p.favorite, 0)`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRow builds a track from a row produced with trackColumns.
func scanRow(row rowScanner) (*track.Track, error) {
	var t track.Track
	var durationMs int64
	var trackGain, trackPeak, albumGain, albumPeak sql.NullFloat64
	var lastPlayed sql.NullString
	var favorite int

	err := row.Scan(&t.ID, &t.URL, &t.Title, &t.Artist, &t.Album, &t.TrackNo, &t.Year, &durationMs,
		&trackGain, &trackPeak, &albumGain, &albumPeak,
		&t.Stats.PlayCount, &lastPlayed, &favorite)
	if err != nil {
		return nil, err
	}

	t.Duration = time.Duration(durationMs) * time.Millisecond
	if trackGain.Valid {
		t.Loudness.TrackGain = trackGain.Float64
		t.Loudness.TrackPeak = trackPeak.Float64
		t.Loudness.HasTrack = true
	}
	if albumGain.Valid {
		t.Loudness.AlbumGain = albumGain.Float64
		t.Loudness.AlbumPeak = albumPeak.Float64
		t.Loudness.HasAlbum = true
	}
	if lastPlayed.Valid && lastPlayed.String != "" {
		if ts, err := time.Parse(time.RFC3339, lastPlayed.String); err == nil {
			t.Stats.LastPlayed = ts
		}
	}
	t.Stats.Favorite = favorite != 0

	return &t, nil
}

// Track returns a track by ID, nil when not found.
func (s *Store) Track(ctx context.Context, id string) (*track.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("database not open")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+trackColumns+`
		FROM tracks t LEFT JOIN play_stats p ON p.track_id = t.id
		WHERE t.id = ?
	`, id)

	t, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query track")
	}
	return t, nil
}

// TrackByURL returns a track by its file URL, nil when not found.
func (s *Store) TrackByURL(ctx context.Context, url string) (*track.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("database not open")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+trackColumns+`
		FROM tracks t LEFT JOIN play_stats p ON p.track_id = t.id
		WHERE t.url = ?
	`, url)

	t, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query track")
	}
	return t, nil
}

// AllTracks returns every track ordered by artist, album and track number.
func (s *Store) AllTracks(ctx context.Context) ([]track.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("database not open")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+trackColumns+`
		FROM tracks t LEFT JOIN play_stats p ON p.track_id = t.id
		ORDER BY t.artist COLLATE NOCASE, t.album COLLATE NOCASE, t.track_no, t.title COLLATE NOCASE
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query tracks")
	}
	defer rows.Close()

	var tracks []track.Track
	for rows.Next() {
		t, err := scanRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan track")
		}
		tracks = append(tracks, *t)
	}
	return tracks, rows.Err()
}

// TrackCount returns the number of tracks in the library.
func (s *Store) TrackCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, errors.New("database not open")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tracks").Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count tracks")
	}
	return count, nil
}

// MatchByArtistTitle finds a library track matching the normalized
// artist/title pair. Returns nil when nothing matches.
func (s *Store) MatchByArtistTitle(ctx context.Context, artist, title string) (*track.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("database not open")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+trackColumns+`
		FROM tracks t LEFT JOIN play_stats p ON p.track_id = t.id
		WHERE t.match_key = ?
		LIMIT 1
	`, track.MatchKey(artist, title))

	t, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to match track")
	}
	return t, nil
}

// LeastRecentlyPlayed returns tracks ordered by how long ago they were
// last played, never-played tracks first.
func (s *Store) LeastRecentlyPlayed(ctx context.Context, limit int) ([]track.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("database not open")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+trackColumns+`
		FROM tracks t LEFT JOIN play_stats p ON p.track_id = t.id
		ORDER BY p.last_played IS NOT NULL, p.last_played, COALESCE(p.play_count, 0)
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query tracks")
	}
	defer rows.Close()

	var tracks []track.Track
	for rows.Next() {
		t, err := scanRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan track")
		}
		tracks = append(tracks, *t)
	}
	return tracks, rows.Err()
}

// RecordPlay bumps the play count and last-played time for a track.
func (s *Store) RecordPlay(ctx context.Context, trackID string, playedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("database not open")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO play_stats (track_id, play_count, last_played) VALUES (?, 1, ?)
		ON CONFLICT(track_id) DO UPDATE SET
			play_count = play_stats.play_count + 1,
			last_played = excluded.last_played
	`, trackID, playedAt.Format(time.RFC3339))
	if err != nil {
		return errors.Wrap(err, "failed to record play")
	}
	return nil
}

// SetFavorite sets or clears the favorite flag for a track.
func (s *Store) SetFavorite(ctx context.Context, trackID string, favorite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("database not open")
	}

	fav := 0
	if favorite {
		fav = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO play_stats (track_id, favorite) VALUES (?, ?)
		ON CONFLICT(track_id) DO UPDATE SET favorite = excluded.favorite
	`, trackID, fav)
	if err != nil {
		return errors.Wrap(err, "failed to set favorite")
	}
	return nil
}

// UpdateDuration stores the duration observed by the stream engine.
// Tag headers often lack duration, so the first playback fills it in.
func (s *Store) UpdateDuration(ctx context.Context, trackID string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("database not open")
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE tracks SET duration_ms = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		d.Milliseconds(), trackID)
	if err != nil {
		return errors.Wrap(err, "failed to update duration")
	}
	return nil
}

// Prune deletes tracks whose URL is not in keep and returns the number of
// rows removed. Called after a scan to drop files deleted from disk.
func (s *Store) Prune(ctx context.Context, keep map[string]bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, errors.New("database not open")
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, url FROM tracks")
	if err != nil {
		return 0, errors.Wrap(err, "failed to list tracks")
	}

	var stale []string
	for rows.Next() {
		var id, url string
		if err := rows.Scan(&id, &url); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "failed to scan track row")
		}
		if !keep[url] {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin prune transaction")
	}
	for _, id := range stale {
		if _, err := tx.Exec("DELETE FROM play_stats WHERE track_id = ?", id); err != nil {
			tx.Rollback()
			return 0, errors.Wrap(err, "failed to delete play stats")
		}
		if _, err := tx.Exec("DELETE FROM tracks WHERE id = ?", id); err != nil {
			tx.Rollback()
			return 0, errors.Wrap(err, "failed to delete track")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit prune")
	}

	zlog.Info().Msgf("pruned missing tracks: count=%d", len(stale))
	return len(stale), nil
}
