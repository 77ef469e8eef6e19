// Package player provides the playback state machine orchestrating the
// queue, stream engine, gain stage, device lifecycle and autoplay.
package player

// State represents the playback state.
type State int

const (
	StateStopped State = iota // No active stream
	StateLoading              // Stream loading or waiting for autoplay results
	StatePlaying              // Track is playing
	StatePaused               // Track is paused, stream loaded and seekable
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}
