package recommend

import (
	"context"
	"fmt"
	"sync"

	"github.com/cadenza-player/cadenza/internal/domain/track"
)

// libraryMatcher resolves external title/artist pairs to library tracks
// with caching. Misses are cached too, to avoid repeated lookups for
// suggestions the library does not have.
type libraryMatcher struct {
	library Library
	cache   map[string]*track.Track
	mu      sync.RWMutex
}

func newLibraryMatcher(library Library) *libraryMatcher {
	return &libraryMatcher{
		library: library,
		cache:   make(map[string]*track.Track),
	}
}

func (m *libraryMatcher) match(ctx context.Context, title, artist string) *track.Track {
	key := fmt.Sprintf("%s:%s", title, artist)

	m.mu.RLock()
	if cached, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return cached
	}
	m.mu.RUnlock()

	local, err := m.library.MatchByArtistTitle(ctx, artist, title)
	if err != nil {
		local = nil
	}

	m.mu.Lock()
	m.cache[key] = local
	m.mu.Unlock()

	return local
}
