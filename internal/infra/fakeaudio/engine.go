// Package fakeaudio provides in-memory stand-ins for the stream engine
// and the device host. They run the player without any audio hardware,
// for tests and for the fake engine mode of the CLI.
package fakeaudio

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cadenza-player/cadenza/internal/app/player"
)

var _ player.Engine = (*Engine)(nil)

// Engine is a scripted player.Engine. Position only moves when a test
// advances it; stream-ended and about-to-end events are emitted on
// demand. Every call is appended to an inspectable log.
type Engine struct {
	mu sync.Mutex

	loaded    string
	preloaded string
	valid     bool
	playing   bool
	pos       time.Duration
	dur       time.Duration
	vol       float64

	durations  map[string]time.Duration
	rates      map[string]float64
	defaultDur time.Duration

	FailLoad      error
	FailPlay      error
	FailSeek      error
	FailPreload   error
	FailSwitch    error
	FailSetVolume error

	calls  []string
	events chan player.EngineEvent
}

// NewEngine creates a fake engine whose streams default to the given
// duration.
func NewEngine(defaultDur time.Duration) *Engine {
	return &Engine{
		durations:  make(map[string]time.Duration),
		rates:      make(map[string]float64),
		defaultDur: defaultDur,
		events:     make(chan player.EngineEvent, 8),
	}
}

// SetDuration scripts the duration reported for a URL.
func (e *Engine) SetDuration(url string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.durations[url] = d
}

// SetSampleRate scripts the sample rate reported for a URL. Streams
// without a scripted rate report 0.
func (e *Engine) SetSampleRate(url string, rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rates[url] = rate
}

func (e *Engine) durationFor(url string) time.Duration {
	if d, ok := e.durations[url]; ok {
		return d
	}
	return e.defaultDur
}

func (e *Engine) record(format string, args ...interface{}) {
	e.calls = append(e.calls, fmt.Sprintf(format, args...))
}

// Load replaces the active stream and discards any preloaded one.
func (e *Engine) Load(url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("load:%s", url)
	if e.FailLoad != nil {
		return errors.Wrap(e.FailLoad, "load failed")
	}
	e.loaded = url
	e.preloaded = ""
	e.valid = true
	e.playing = false
	e.pos = 0
	e.dur = e.durationFor(url)
	return nil
}

func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("play")
	if e.FailPlay != nil {
		return errors.Wrap(e.FailPlay, "play failed")
	}
	if !e.valid {
		return errors.New("no stream loaded")
	}
	e.playing = true
	return nil
}

func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("pause")
	if !e.valid {
		return errors.New("no stream loaded")
	}
	e.playing = false
	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("stop")
	e.loaded = ""
	e.valid = false
	e.playing = false
	e.pos = 0
	e.dur = 0
	return nil
}

func (e *Engine) Seek(pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("seek:%s", pos)
	if e.FailSeek != nil {
		return errors.Wrap(e.FailSeek, "seek failed")
	}
	if !e.valid {
		return errors.New("no stream loaded")
	}
	e.pos = pos
	return nil
}

func (e *Engine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

func (e *Engine) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dur
}

func (e *Engine) SampleRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded == "" {
		return 0
	}
	return e.rates[e.loaded]
}

func (e *Engine) SetVolume(vol float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("volume:%.3f", vol)
	if e.FailSetVolume != nil {
		return errors.Wrap(e.FailSetVolume, "set volume failed")
	}
	e.vol = vol
	return nil
}

func (e *Engine) Valid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.valid
}

func (e *Engine) PreloadNext(url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("preload:%s", url)
	if e.FailPreload != nil {
		return errors.Wrap(e.FailPreload, "preload failed")
	}
	e.preloaded = url
	return nil
}

// SwitchToPreloaded promotes the preloaded stream with the given volume
// applied before the first sample.
func (e *Engine) SwitchToPreloaded(vol float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("switch:%.3f", vol)
	if e.FailSwitch != nil {
		return errors.Wrap(e.FailSwitch, "switch failed")
	}
	if e.preloaded == "" {
		return errors.New("nothing preloaded")
	}
	e.loaded = e.preloaded
	e.preloaded = ""
	e.valid = true
	e.playing = true
	e.pos = 0
	e.dur = e.durationFor(e.loaded)
	e.vol = vol
	return nil
}

func (e *Engine) ClearPreloaded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("clear-preloaded")
	e.preloaded = ""
}

func (e *Engine) Events() <-chan player.EngineEvent {
	return e.events
}

// --- test controls ---

// SetPosition moves the playhead.
func (e *Engine) SetPosition(pos time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos = pos
}

// AdvanceBy moves the playhead forward, clamped to the duration.
func (e *Engine) AdvanceBy(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos += d
	if e.dur > 0 && e.pos > e.dur {
		e.pos = e.dur
	}
}

// Invalidate drops the active stream as a vanished device would.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.valid = false
	e.playing = false
}

// EmitStreamEnded delivers a stream-ended event to the consumer.
func (e *Engine) EmitStreamEnded() {
	e.events <- player.EngineEvent{Type: player.EngineStreamEnded}
}

// EmitAboutToEnd delivers an about-to-end event to the consumer.
func (e *Engine) EmitAboutToEnd() {
	e.events <- player.EngineEvent{Type: player.EngineAboutToEnd}
}

// LoadedURL returns the active stream URL.
func (e *Engine) LoadedURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// PreloadedURL returns the queued next stream URL.
func (e *Engine) PreloadedURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.preloaded
}

// Playing reports whether the fake is nominally producing audio.
func (e *Engine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// Volume returns the last applied volume.
func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vol
}

// Calls returns a copy of the call log.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// CallCount returns how many times a call with the given prefix was made.
func (e *Engine) CallCount(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, call := range e.calls {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}
