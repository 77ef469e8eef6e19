package track

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrack_DisplayTitle(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		url      string
		expected string
	}{
		{
			name:     "tagged title wins",
			title:    "Blue in Green",
			url:      "/music/miles/05 - blue in green.flac",
			expected: "Blue in Green",
		},
		{
			name:     "falls back to file name without extension",
			title:    "",
			url:      "/music/unknown/track07.mp3",
			expected: "track07",
		},
		{
			name:     "file name with dots keeps inner dots",
			title:    "",
			url:      "/music/v.a/01.intro.final.ogg",
			expected: "01.intro.final",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			track := &Track{Title: tt.title, URL: tt.url}
			assert.Equal(t, tt.expected, track.DisplayTitle())
		})
	}
}

func TestMatchKey(t *testing.T) {
	tests := []struct {
		name     string
		artist   string
		title    string
		expected string
	}{
		{
			name:     "lowercases and joins",
			artist:   "Miles Davis",
			title:    "So What",
			expected: "miles davis/so what",
		},
		{
			name:     "collapses whitespace",
			artist:   "  Bill   Evans ",
			title:    "Peace  Piece",
			expected: "bill evans/peace piece",
		},
		{
			name:     "empty fields still form a key",
			artist:   "",
			title:    "Untitled",
			expected: "/untitled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MatchKey(tt.artist, tt.title))
		})
	}
}

func TestTrack_MatchKey_UsesOwnFields(t *testing.T) {
	tr := &Track{Artist: "Nujabes", Title: "Aruarian Dance"}
	assert.Equal(t, MatchKey("nujabes", "aruarian dance"), tr.MatchKey())
}
