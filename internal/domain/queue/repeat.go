// Package queue provides the playback queue with shuffle and repeat semantics.
package queue

import "github.com/cockroachdb/errors"

// RepeatMode represents the queue repeat mode.
type RepeatMode int

const (
	RepeatOff RepeatMode = iota // Stop (or autoplay) when the queue runs out
	RepeatAll                   // Restart the queue when it runs out
	RepeatOne                   // Repeat the current track indefinitely
)

// String returns the string representation of the repeat mode.
func (m RepeatMode) String() string {
	switch m {
	case RepeatOff:
		return "off"
	case RepeatAll:
		return "all"
	case RepeatOne:
		return "one"
	default:
		return "unknown"
	}
}

// ParseRepeatMode parses a repeat mode from its string form.
func ParseRepeatMode(s string) (RepeatMode, error) {
	switch s {
	case "off", "":
		return RepeatOff, nil
	case "all":
		return RepeatAll, nil
	case "one":
		return RepeatOne, nil
	default:
		return RepeatOff, errors.Newf("unknown repeat mode: %s", s)
	}
}
