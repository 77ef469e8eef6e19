package player

import "github.com/cadenza-player/cadenza/internal/domain/track"

// EventType represents a playback event type.
type EventType int

const (
	EventStateChanged    EventType = iota // Playback state changed
	EventTrackChanged                     // Current track changed
	EventQueueChanged                     // Queue contents or order changed
	EventDeviceRemoved                    // Output device disappeared
	EventDeviceChanged                    // Output device switched
	EventAutoplayStarted                  // Autoplay recommendation request started
	EventAutoplayFailed                   // Autoplay yielded no tracks
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventStateChanged:
		return "state_changed"
	case EventTrackChanged:
		return "track_changed"
	case EventQueueChanged:
		return "queue_changed"
	case EventDeviceRemoved:
		return "device_removed"
	case EventDeviceChanged:
		return "device_changed"
	case EventAutoplayStarted:
		return "autoplay_started"
	case EventAutoplayFailed:
		return "autoplay_failed"
	default:
		return "unknown"
	}
}

// Event represents a playback event.
type Event struct {
	Type           EventType
	Track          *track.Track // Current track (nil for some events)
	State          State        // Playback state at emission
	ReloadRequired bool         // EventDeviceChanged: stream was reloaded
}
