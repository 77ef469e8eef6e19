// Package gain computes the loudness-normalization multiplier applied at
// the volume boundary.
package gain

import (
	"math"

	"github.com/cockroachdb/errors"

	"github.com/cadenza-player/cadenza/internal/domain/track"
)

// Mode selects which ReplayGain measurement drives normalization.
type Mode int

const (
	ModeOff   Mode = iota // No normalization, multiplier is always 1.0
	ModeTrack             // Use track gain, album gain as fallback
	ModeAlbum             // Use album gain, track gain as fallback
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeTrack:
		return "track"
	case ModeAlbum:
		return "album"
	default:
		return "unknown"
	}
}

// ParseMode parses a gain mode from its string form.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "off", "":
		return ModeOff, nil
	case "track":
		return ModeTrack, nil
	case "album":
		return ModeAlbum, nil
	default:
		return ModeOff, errors.Newf("unknown gain mode: %s", s)
	}
}

// Options configure the gain stage.
type Options struct {
	Mode            Mode
	PreampDB        float64 // Applied on top of the tag gain, in dB
	PreventClipping bool    // Cap the multiplier so peaks stay below full scale
}

// Stage derives the effective output volume from user volume, mute state,
// and per-track loudness metadata. The result is always a pure function of
// its inputs; nothing here is persisted or diffed.
type Stage struct {
	opts Options
}

// New creates a gain stage with the given options.
func New(opts Options) *Stage {
	return &Stage{opts: opts}
}

// Options returns the current options.
func (s *Stage) Options() Options {
	return s.opts
}

// SetOptions replaces the options. The caller re-applies volume afterwards
// so the new multiplier becomes audible.
func (s *Stage) SetOptions(opts Options) {
	s.opts = opts
}

// Multiplier returns the loudness multiplier for a track: 10^((gain+preamp)/20),
// optionally capped by the tagged peak, or a neutral 1.0 when disabled or
// the track carries no usable measurement.
func (s *Stage) Multiplier(t track.Track) float64 {
	if s.opts.Mode == ModeOff {
		return 1.0
	}

	gainDB, peak, ok := s.measurement(t.Loudness)
	if !ok {
		return 1.0
	}

	m := math.Pow(10, (gainDB+s.opts.PreampDB)/20)
	if s.opts.PreventClipping && peak > 0 {
		if limit := 1.0 / peak; m > limit {
			m = limit
		}
	}
	if m < 0 {
		m = 0
	}
	return m
}

// measurement picks the gain/peak pair for the active mode, falling back
// to the other measurement when the preferred one is missing.
func (s *Stage) measurement(l track.Loudness) (float64, float64, bool) {
	switch s.opts.Mode {
	case ModeAlbum:
		if l.HasAlbum {
			return l.AlbumGain, l.AlbumPeak, true
		}
		if l.HasTrack {
			return l.TrackGain, l.TrackPeak, true
		}
	case ModeTrack:
		if l.HasTrack {
			return l.TrackGain, l.TrackPeak, true
		}
		if l.HasAlbum {
			return l.AlbumGain, l.AlbumPeak, true
		}
	}
	return 0, 0, false
}

// Effective combines mute, user volume, and the track multiplier into the
// single value handed to the stream engine, clamped to [0, 1]. Mute wins
// over everything.
func (s *Stage) Effective(userVolume float64, muted bool, t track.Track) float64 {
	if muted {
		return 0
	}
	v := userVolume * s.Multiplier(t)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
