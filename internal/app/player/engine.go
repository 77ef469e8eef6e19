package player

import (
	"context"
	"time"

	"github.com/cadenza-player/cadenza/internal/domain/track"
)

// EngineEventType represents an asynchronous stream engine notification.
type EngineEventType int

const (
	EngineStreamEnded EngineEventType = iota // Active stream reached its natural end
	EngineAboutToEnd                         // Active stream ends shortly (gapless window)
)

// String returns the string representation of the engine event type.
func (e EngineEventType) String() string {
	switch e {
	case EngineStreamEnded:
		return "stream_ended"
	case EngineAboutToEnd:
		return "about_to_end"
	default:
		return "unknown"
	}
}

// EngineEvent is a notification from the stream engine.
type EngineEvent struct {
	Type EngineEventType
}

// Engine is the stream engine the controller drives. Implementations run
// decoding and output on their own threads; all calls here are expected to
// be fast and safe from the controller goroutine.
type Engine interface {
	// Load replaces the active stream with the given url, stopped at zero.
	Load(url string) error

	Play() error
	Pause() error
	Stop() error

	// Seek moves the active stream position.
	Seek(pos time.Duration) error

	// Position returns the current stream position.
	Position() time.Duration

	// Duration returns the active stream duration, 0 when unknown.
	Duration() time.Duration

	// SampleRate returns the active stream's sample rate in Hz, 0 when
	// unknown.
	SampleRate() float64

	// SetVolume applies the effective volume multiplier in [0, 1].
	SetVolume(vol float64) error

	// Valid reports whether an active stream is loaded.
	Valid() bool

	// PreloadNext prepares the given url for a gapless hand-off.
	PreloadNext(url string) error

	// SwitchToPreloaded promotes the preloaded stream to active at the
	// given volume.
	SwitchToPreloaded(vol float64) error

	// ClearPreloaded discards any preloaded stream.
	ClearPreloaded()

	// Events delivers asynchronous engine notifications.
	Events() <-chan EngineEvent
}

// StatsStore receives playback side effects. Writes are fire-and-forget;
// failures are logged, never surfaced to transport calls.
type StatsStore interface {
	RecordPlay(ctx context.Context, trackID string, at time.Time) error
	UpdateDuration(ctx context.Context, trackID string, d time.Duration) error
}

// Autoplayer supplies recommendation candidates when the queue runs out.
type Autoplayer interface {
	Candidates(ctx context.Context, count int, seeds []track.Track, excludeIDs map[string]bool) ([]track.Track, error)
}
