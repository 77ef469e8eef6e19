package mpdaudio

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fhs/gompd/v2/mpd"
	zlog "github.com/rs/zerolog/log"

	"github.com/cadenza-player/cadenza/internal/app/player"
)

const (
	statePlay  = "play"
	statePause = "pause"
	stateStop  = "stop"
)

var _ player.Engine = (*Engine)(nil)

// Engine drives MPD as the stream engine. The MPD queue holds at most two
// entries: the active stream at position 0 and, when preloaded, the next
// stream at position 1. MPD's own hand-off between them is the gapless
// transition; an idle watcher turns the daemon's spontaneous state changes
// into engine events.
type Engine struct {
	mu sync.Mutex

	client *Client

	// wantState is the last state this process asked for. The watcher
	// uses it to tell controller-driven transitions from spontaneous
	// ones (track ran out, daemon advanced).
	wantState  string
	lastSongID string

	preloaded    bool
	preloadedURL string

	events chan player.EngineEvent
	sub    *Subscription

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an MPD-backed stream engine and starts its watcher.
// The player owns queue order, so MPD's own sequencing modes are forced
// off.
func NewEngine(client *Client) (*Engine, error) {
	if err := client.SetRandom(false); err != nil {
		return nil, errors.Wrap(err, "failed to disable mpd random mode")
	}
	if err := client.SetRepeat(false); err != nil {
		return nil, errors.Wrap(err, "failed to disable mpd repeat mode")
	}
	if err := client.SetSingle(false); err != nil {
		return nil, errors.Wrap(err, "failed to disable mpd single mode")
	}
	if err := client.SetConsume(false); err != nil {
		return nil, errors.Wrap(err, "failed to disable mpd consume mode")
	}

	sub, err := client.Watch("player")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		client:    client,
		wantState: stateStop,
		events:    make(chan player.EngineEvent, 8),
		sub:       sub,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go e.watch()
	return e, nil
}

// Close stops the watcher. The underlying client stays open for the
// owner to close.
func (e *Engine) Close() error {
	e.cancel()
	err := e.sub.Close()
	<-e.done
	return err
}

// Events returns the engine event channel.
func (e *Engine) Events() <-chan player.EngineEvent {
	return e.events
}

// Load replaces the MPD queue with the given URL, started and immediately
// paused so the stream is seekable before the first Play.
func (e *Engine) Load(url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.wantState = stateStop
	e.preloaded = false
	e.preloadedURL = ""

	if err := e.client.Clear(); err != nil {
		return errors.Wrap(err, "failed to clear mpd queue")
	}
	if err := e.client.Add(url); err != nil {
		return errors.Wrapf(err, "failed to add stream %s", url)
	}
	if err := e.client.Play(0); err != nil {
		return errors.Wrapf(err, "failed to load stream %s", url)
	}
	if err := e.client.Pause(true); err != nil {
		return errors.Wrap(err, "failed to hold fresh stream")
	}
	e.wantState = statePause

	if st, err := e.client.Status(); err == nil {
		e.lastSongID = st["songid"]
	}
	return nil
}

// Play starts or resumes the active stream.
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.client.Status()
	if err != nil {
		return errors.Wrap(err, "failed to read mpd status")
	}

	switch st["state"] {
	case statePlay:
	case statePause:
		if err := e.client.Pause(false); err != nil {
			return errors.Wrap(err, "failed to resume playback")
		}
	default:
		if err := e.client.Play(-1); err != nil {
			return errors.Wrap(err, "failed to start playback")
		}
	}
	e.wantState = statePlay
	return nil
}

// Pause pauses the active stream, keeping it loaded and seekable.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.client.Pause(true); err != nil {
		return errors.Wrap(err, "failed to pause playback")
	}
	e.wantState = statePause
	return nil
}

// Stop stops playback and clears the MPD queue.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.wantState = stateStop
	e.preloaded = false
	e.preloadedURL = ""
	e.lastSongID = ""

	if err := e.client.Stop(); err != nil {
		return errors.Wrap(err, "failed to stop playback")
	}
	if err := e.client.Clear(); err != nil {
		return errors.Wrap(err, "failed to clear mpd queue")
	}
	return nil
}

// Seek moves the position within the active stream.
func (e *Engine) Seek(pos time.Duration) error {
	if err := e.client.SeekCur(pos.Seconds()); err != nil {
		return errors.Wrap(err, "failed to seek")
	}
	return nil
}

// Position returns the elapsed time of the active stream.
func (e *Engine) Position() time.Duration {
	st, err := e.client.Status()
	if err != nil {
		return 0
	}
	return secondsAttr(st, "elapsed")
}

// Duration returns the duration of the active stream. A stream held in
// pause before its first decode reports no duration in the status, so
// fall back to the queue entry's tag.
func (e *Engine) Duration() time.Duration {
	st, err := e.client.Status()
	if err != nil {
		return 0
	}
	if d := secondsAttr(st, "duration"); d > 0 {
		return d
	}

	songs, err := e.client.PlaylistInfo(0)
	if err != nil || len(songs) == 0 {
		return 0
	}
	return secondsAttr(songs[0], "duration")
}

// SampleRate returns the rate of the stream MPD is decoding, 0 when
// stopped or not yet reported.
func (e *Engine) SampleRate() float64 {
	st, err := e.client.Status()
	if err != nil {
		return 0
	}
	rate, err := audioRate(st)
	if err != nil {
		return 0
	}
	return rate
}

// SetVolume sets the output volume, 0..1 mapped onto MPD's 0..100.
func (e *Engine) SetVolume(vol float64) error {
	if err := e.client.SetVolume(volumePercent(vol)); err != nil {
		return errors.Wrap(err, "failed to set volume")
	}
	return nil
}

// Valid reports whether an active stream is loaded.
func (e *Engine) Valid() bool {
	st, err := e.client.Status()
	if err != nil {
		return false
	}
	length := st["playlistlength"]
	return length != "" && length != "0"
}

// PreloadNext queues the next stream behind the active one. MPD decodes
// ahead into it and crosses over without a gap when the active stream
// runs out.
func (e *Engine) PreloadNext(url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.preloaded {
		// A previous preload was not consumed; replace it
		if err := e.client.Delete(1); err != nil {
			zlog.Debug().Msgf("failed to drop stale preload entry: %v", err)
		}
	}

	if err := e.client.Add(url); err != nil {
		return errors.Wrapf(err, "failed to queue next stream %s", url)
	}
	e.preloaded = true
	e.preloadedURL = url
	return nil
}

// SwitchToPreloaded promotes the preloaded stream to active. When MPD
// already crossed over on its own this is bookkeeping: apply the volume
// and drop the finished entry. Otherwise the hand-off is forced.
func (e *Engine) SwitchToPreloaded(vol float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.preloaded {
		return errors.New("no stream preloaded")
	}

	if err := e.client.SetVolume(volumePercent(vol)); err != nil {
		zlog.Warn().Msgf("failed to set volume on hand-off: %v", err)
	}

	st, err := e.client.Status()
	if err != nil {
		return errors.Wrap(err, "failed to read mpd status")
	}
	if st["song"] != "1" {
		if err := e.client.Play(1); err != nil {
			return errors.Wrap(err, "failed to switch to preloaded stream")
		}
	}

	if err := e.client.Delete(0); err != nil {
		zlog.Debug().Msgf("failed to drop finished queue entry: %v", err)
	}

	e.preloaded = false
	e.preloadedURL = ""
	e.wantState = statePlay

	if st, err := e.client.Status(); err == nil {
		e.lastSongID = st["songid"]
	}
	return nil
}

// ClearPreloaded removes the queued next stream, if any.
func (e *Engine) ClearPreloaded() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.preloaded {
		return
	}
	e.preloaded = false
	e.preloadedURL = ""

	if err := e.client.Delete(1); err != nil {
		zlog.Debug().Msgf("failed to remove preloaded queue entry: %v", err)
	}
}

// watch turns spontaneous MPD player-state changes into engine events.
func (e *Engine) watch() {
	defer close(e.done)

	for {
		select {
		case <-e.ctx.Done():
			return
		case name, ok := <-e.sub.C:
			if !ok {
				return
			}
			if name != "player" {
				continue
			}
			e.handlePlayerChange()
		}
	}
}

// handlePlayerChange diffs the daemon state against the requested state.
// A stop or a song change that this process did not ask for means the
// active stream ran out.
func (e *Engine) handlePlayerChange() {
	st, err := e.client.Status()
	if err != nil {
		zlog.Warn().Msgf("failed to read mpd status on player change: %v", err)
		return
	}

	e.mu.Lock()
	want := e.wantState
	last := e.lastSongID
	cur := st["songid"]
	state := st["state"]
	e.lastSongID = cur

	if want != statePlay {
		e.mu.Unlock()
		return
	}

	switch {
	case state == stateStop:
		e.wantState = stateStop
		e.mu.Unlock()
		zlog.Debug().Msgf("mpd stream ended: songid=%s", last)
		e.emit(player.EngineStreamEnded)
	case state == statePlay && last != "" && cur != "" && cur != last:
		// The daemon crossed over into the preloaded entry
		e.mu.Unlock()
		zlog.Debug().Msgf("mpd crossed to next stream: songid=%s", cur)
		e.emit(player.EngineStreamEnded)
	default:
		e.mu.Unlock()
	}
}

func (e *Engine) emit(t player.EngineEventType) {
	select {
	case e.events <- player.EngineEvent{Type: t}:
	case <-e.ctx.Done():
	default:
		zlog.Warn().Msgf("engine event dropped: type=%s", t)
	}
}

func volumePercent(vol float64) int {
	p := int(math.Round(vol * 100))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func secondsAttr(attrs mpd.Attrs, key string) time.Duration {
	v, ok := attrs[key]
	if !ok || v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

// audioRate parses a status "audio" attribute, formatted
// "samplerate:bits:channels", into the rate in Hz. MPD reports it only
// while a stream is decoding.
func audioRate(attrs mpd.Attrs) (float64, error) {
	v := attrs["audio"]
	if v == "" {
		return 0, errors.New("no audio format reported")
	}
	parts := strings.SplitN(v, ":", 2)
	rate, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unparseable audio format %q", v)
	}
	return rate, nil
}
