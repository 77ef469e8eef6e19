package recommend

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/cadenza-player/cadenza/internal/domain/track"
)

// LibraryProvider picks the least recently played library tracks.
// Works fully offline, so it is the usual last provider in the chain.
type LibraryProvider struct {
	library Library
}

// NewLibraryProvider creates a new LibraryProvider.
func NewLibraryProvider(library Library) *LibraryProvider {
	return &LibraryProvider{
		library: library,
	}
}

// Candidates retrieves the least recently played tracks not yet queued.
// Seed tracks are ignored.
func (p *LibraryProvider) Candidates(ctx context.Context, count int, _ []track.Track, excludeIDs map[string]bool) ([]track.Track, error) {
	if count <= 0 {
		return []track.Track{}, nil
	}

	// Fetch extra rows because queued tracks are filtered out afterwards
	rows, err := p.library.LeastRecentlyPlayed(ctx, count+len(excludeIDs))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query library")
	}

	candidates := make([]track.Track, 0, count)
	for _, t := range rows {
		if excludeIDs[t.ID] {
			continue
		}
		candidates = append(candidates, t)
		if len(candidates) >= count {
			break
		}
	}

	return candidates, nil
}

// Name returns the provider name.
func (p *LibraryProvider) Name() string {
	return "library"
}
