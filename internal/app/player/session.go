package player

import (
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-player/cadenza/internal/domain/track"
)

// PreloadState represents the gapless preload sub-state of a session.
type PreloadState int

const (
	PreloadIdle PreloadState = iota // Nothing preloaded
	Preloading                      // Preload requested from the engine
	Preloaded                       // Next stream ready for hand-off
	Switching                       // Hand-off in progress
)

// String returns the string representation of the preload state.
func (p PreloadState) String() string {
	switch p {
	case PreloadIdle:
		return "idle"
	case Preloading:
		return "preloading"
	case Preloaded:
		return "preloaded"
	case Switching:
		return "switching"
	default:
		return "unknown"
	}
}

// session is the ephemeral state of one now-playing episode. A new session
// starts every time a different stream becomes active; stale async
// completions are detected by comparing session ids.
type session struct {
	id       uuid.UUID
	track    track.Track
	elapsed  time.Duration
	duration time.Duration
	playing  bool

	preload      PreloadState
	preloadTrack track.Track

	// preloadFailed stops per-tick retries against a failing engine; any
	// queue mutation resets it.
	preloadFailed bool

	// autoplayFired limits recommendation requests to one per session so
	// a shrinking remaining time cannot storm the providers.
	autoplayFired bool

	statsRecorded bool // play counted at the half-way mark
	durationSaved bool // engine-observed duration written back

	startedAt time.Time
}

func newSession(t track.Track) *session {
	return &session{
		id:        uuid.New(),
		track:     t,
		duration:  t.Duration,
		startedAt: time.Now(),
	}
}

// ended reports whether the session played through its full duration.
func (s *session) ended() bool {
	return s.duration > 0 && s.elapsed >= s.duration
}

func (s *session) clearPreload() {
	s.preload = PreloadIdle
	s.preloadTrack = track.Track{}
}
