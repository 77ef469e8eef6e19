package gain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cadenza-player/cadenza/internal/domain/track"
)

func trackWithLoudness(l track.Loudness) track.Track {
	return track.Track{ID: "t1", Loudness: l}
}

func TestStage_Multiplier(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		loudness track.Loudness
		expected float64
	}{
		{
			name:     "mode off is neutral",
			opts:     Options{Mode: ModeOff},
			loudness: track.Loudness{TrackGain: -6, HasTrack: true},
			expected: 1.0,
		},
		{
			name:     "no metadata is neutral",
			opts:     Options{Mode: ModeTrack},
			loudness: track.Loudness{},
			expected: 1.0,
		},
		{
			name:     "negative track gain attenuates",
			opts:     Options{Mode: ModeTrack},
			loudness: track.Loudness{TrackGain: -6.0, HasTrack: true},
			expected: math.Pow(10, -6.0/20),
		},
		{
			name:     "positive gain amplifies",
			opts:     Options{Mode: ModeTrack},
			loudness: track.Loudness{TrackGain: 3.0, HasTrack: true},
			expected: math.Pow(10, 3.0/20),
		},
		{
			name:     "preamp adds to the tag gain",
			opts:     Options{Mode: ModeTrack, PreampDB: -2},
			loudness: track.Loudness{TrackGain: -4, HasTrack: true},
			expected: math.Pow(10, -6.0/20),
		},
		{
			name:     "clipping prevention caps at inverse peak",
			opts:     Options{Mode: ModeTrack, PreventClipping: true},
			loudness: track.Loudness{TrackGain: 6, TrackPeak: 0.9, HasTrack: true},
			expected: 1.0 / 0.9,
		},
		{
			name:     "clipping prevention leaves quiet tracks alone",
			opts:     Options{Mode: ModeTrack, PreventClipping: true},
			loudness: track.Loudness{TrackGain: -6, TrackPeak: 0.9, HasTrack: true},
			expected: math.Pow(10, -6.0/20),
		},
		{
			name:     "album mode prefers album measurement",
			opts:     Options{Mode: ModeAlbum},
			loudness: track.Loudness{TrackGain: -6, HasTrack: true, AlbumGain: -3, HasAlbum: true},
			expected: math.Pow(10, -3.0/20),
		},
		{
			name:     "album mode falls back to track measurement",
			opts:     Options{Mode: ModeAlbum},
			loudness: track.Loudness{TrackGain: -6, HasTrack: true},
			expected: math.Pow(10, -6.0/20),
		},
		{
			name:     "track mode falls back to album measurement",
			opts:     Options{Mode: ModeTrack},
			loudness: track.Loudness{AlbumGain: -3, HasAlbum: true},
			expected: math.Pow(10, -3.0/20),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.opts)
			assert.InDelta(t, tt.expected, s.Multiplier(trackWithLoudness(tt.loudness)), 1e-9)
		})
	}
}

func TestStage_Effective(t *testing.T) {
	tr := trackWithLoudness(track.Loudness{TrackGain: -6, HasTrack: true})
	s := New(Options{Mode: ModeTrack})
	mult := s.Multiplier(tr)

	t.Run("mute always silences", func(t *testing.T) {
		assert.Equal(t, 0.0, s.Effective(0.5, true, tr))
	})

	t.Run("unmuted applies volume times multiplier", func(t *testing.T) {
		assert.InDelta(t, 0.5*mult, s.Effective(0.5, false, tr), 1e-9)
	})

	t.Run("clamps to one", func(t *testing.T) {
		loud := trackWithLoudness(track.Loudness{TrackGain: 12, HasTrack: true})
		assert.Equal(t, 1.0, s.Effective(1.0, false, loud))
	})

	t.Run("negative volume clamps to zero", func(t *testing.T) {
		assert.Equal(t, 0.0, s.Effective(-0.1, false, tr))
	})
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in       string
		expected Mode
		wantErr  bool
	}{
		{in: "off", expected: ModeOff},
		{in: "", expected: ModeOff},
		{in: "track", expected: ModeTrack},
		{in: "album", expected: ModeAlbum},
		{in: "loudness", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("parse "+tt.in, func(t *testing.T) {
			m, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, m)
		})
	}
}
