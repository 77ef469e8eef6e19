package player

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/cadenza-player/cadenza/internal/app/device"
	"github.com/cadenza-player/cadenza/internal/app/filter"
	"github.com/cadenza-player/cadenza/internal/app/gain"
	"github.com/cadenza-player/cadenza/internal/domain/queue"
	"github.com/cadenza-player/cadenza/internal/domain/track"
)

// Errors
var (
	ErrNoTrack    = errors.New("no track playing")
	ErrQueueEmpty = errors.New("queue is empty")
	ErrNotPlaying = errors.New("not playing")
	ErrClosed     = errors.New("player closed")
)

const (
	historyLimit      = 20
	recentArtistLimit = 10
	autoplayTimeout   = 30 * time.Second
	statsTimeout      = 5 * time.Second
)

// Options holds controller configuration.
type Options struct {
	TickInterval     time.Duration // Position poll interval
	GaplessThreshold time.Duration // Remaining time that arms the gapless preload
	PreviousRestart  time.Duration // Elapsed time beyond which Previous restarts the track
	InitialVolume    float64       // User volume at startup, 0..1

	AutoplayEnabled bool
	AutoplayBatch   int           // Tracks requested per autoplay trigger
	AutoplayLead    time.Duration // Proactive trigger lead before the queue runs out
	AutoplaySeeds   int           // Seed tracks handed to the recommendation chain
}

// DeviceManager is the device lifecycle surface the controller consumes.
type DeviceManager interface {
	Events() <-chan device.Event
	ReleaseExclusive()

	// MatchSampleRate nudges the output device's nominal rate toward the
	// given stream rate. Implementations decide whether matching is
	// enabled; refusals never reach the controller.
	MatchSampleRate(rate float64)
}

// Deps are the collaborators the controller orchestrates.
type Deps struct {
	Engine   Engine
	Queue    *queue.Queue
	Gain     *gain.Stage
	Devices  DeviceManager // optional
	Stats    StatsStore    // optional
	Autoplay Autoplayer    // optional
	Filters  *filter.Chain // optional
}

// autoplayResult carries an asynchronous recommendation answer back onto
// the controller goroutine.
type autoplayResult struct {
	version uuid.UUID
	tracks  []track.Track
	err     error
}

// Controller is the playback state machine. All state lives behind one
// mutex; a run goroutine owns the position ticker and funnels engine,
// device and autoplay completions through it.
type Controller struct {
	mu sync.RWMutex

	engine   Engine
	queue    *queue.Queue
	gain     *gain.Stage
	devices  DeviceManager
	stats    StatsStore
	autoplay Autoplayer
	filters  *filter.Chain

	state   State
	session *session

	volume float64
	muted  bool

	history       []track.Track // recently finished tracks, oldest first
	recentArtists []string      // most recent first

	autoplayPending bool
	pendingResume   bool
	closed          bool

	opts Options

	eventCh    chan Event
	autoplayCh chan autoplayResult

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewController creates a playback controller and starts its event loop.
func NewController(deps Deps, opts Options) (*Controller, error) {
	if deps.Engine == nil {
		return nil, errors.New("stream engine is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if deps.Gain == nil {
		return nil, errors.New("gain stage is required")
	}

	if opts.TickInterval <= 0 {
		opts.TickInterval = 250 * time.Millisecond
	}
	if opts.GaplessThreshold <= 0 {
		opts.GaplessThreshold = 5 * time.Second
	}
	if opts.AutoplayBatch <= 0 {
		opts.AutoplayBatch = 5
	}
	if opts.AutoplayLead <= 0 {
		opts.AutoplayLead = 30 * time.Second
	}
	if opts.AutoplaySeeds <= 0 {
		opts.AutoplaySeeds = 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		engine:     deps.Engine,
		queue:      deps.Queue,
		gain:       deps.Gain,
		devices:    deps.Devices,
		stats:      deps.Stats,
		autoplay:   deps.Autoplay,
		filters:    deps.Filters,
		state:      StateStopped,
		volume:     clamp01(opts.InitialVolume),
		opts:       opts,
		eventCh:    make(chan Event, 32),
		autoplayCh: make(chan autoplayResult, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go c.run()
	return c, nil
}

// Events returns the event channel.
func (c *Controller) Events() <-chan Event {
	return c.eventCh
}

// Close stops playback and shuts the controller down. It is safe to call
// more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopLocked()
	c.mu.Unlock()

	c.cancel()
	<-c.done
	c.wg.Wait()

	if c.devices != nil {
		c.devices.ReleaseExclusive()
	}
	close(c.eventCh)
}

// run owns the position ticker and serializes all asynchronous inputs.
func (c *Controller) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	engineEvents := c.engine.Events()
	var deviceEvents <-chan device.Event
	if c.devices != nil {
		deviceEvents = c.devices.Events()
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.onTick()
		case e, ok := <-engineEvents:
			if !ok {
				engineEvents = nil
				continue
			}
			c.onEngineEvent(e)
		case e, ok := <-deviceEvents:
			if !ok {
				deviceEvents = nil
				continue
			}
			c.onDeviceEvent(e)
		case r := <-c.autoplayCh:
			c.onAutoplayResult(r)
		}
	}
}

// --- transport ---

// Play starts or resumes playback. A session that already played through
// reloads from zero; with nothing loaded the current queue entry starts.
func (c *Controller) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	switch c.state {
	case StatePlaying:
		return nil
	case StatePaused:
		if c.session == nil {
			return ErrNoTrack
		}
		if c.session.ended() {
			return c.reloadCurrentLocked(0, true)
		}
		if !c.engine.Valid() {
			// Stream lost to a device swap; restore position
			return c.reloadCurrentLocked(c.session.elapsed, true)
		}
		c.applyGainLocked(c.session.track)
		if err := c.engine.Play(); err != nil {
			return errors.Wrap(err, "failed to resume playback")
		}
		c.session.playing = true
		c.setStateLocked(StatePlaying)
		return nil
	}

	cur, ok := c.queue.Current()
	if !ok {
		return ErrQueueEmpty
	}
	return c.startTrackLocked(cur)
}

// Pause pauses playback, leaving the stream loaded and seekable.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.session == nil {
		return ErrNoTrack
	}
	if c.state != StatePlaying {
		return ErrNotPlaying
	}

	if err := c.engine.Pause(); err != nil {
		return errors.Wrap(err, "failed to pause")
	}
	c.session.playing = false
	c.setStateLocked(StatePaused)
	return nil
}

// Stop stops playback and discards any preloaded stream.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.stopLocked()
	return nil
}

// Seek moves the playback position, clamped to [0, duration). A stream
// invalidated by a device swap is transparently reloaded first; a failed
// seek gets one reload-and-retry before giving up.
func (c *Controller) Seek(pos time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.seekLocked(pos)
}

func (c *Controller) seekLocked(pos time.Duration) error {
	if c.session == nil {
		return ErrNoTrack
	}

	if !c.engine.Valid() {
		resume := c.state == StatePlaying || c.pendingResume
		c.pendingResume = false
		if err := c.reloadCurrentLocked(0, resume); err != nil {
			return err
		}
	}

	dur := c.engine.Duration()
	if dur <= 0 {
		dur = c.session.duration
	}
	if pos < 0 {
		pos = 0
	}
	if dur > 0 && pos >= dur {
		pos = dur - time.Millisecond
		if pos < 0 {
			pos = 0
		}
	}

	if err := c.engine.Seek(pos); err != nil {
		zlog.Warn().Msgf("seek failed, reloading stream: pos=%s error=%v", pos, err)
		resume := c.state == StatePlaying
		if lerr := c.reloadCurrentLocked(0, resume); lerr != nil {
			return errors.Wrap(err, "seek failed")
		}
		if rerr := c.engine.Seek(pos); rerr != nil {
			return errors.Wrap(rerr, "seek failed after reload")
		}
	}
	c.session.elapsed = pos
	return nil
}

// Next advances to the next track per the queue's shuffle and repeat
// modes. An exhausted queue triggers autoplay when enabled, else stops.
func (c *Controller) Next() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.queue.IsEmpty() {
		return ErrQueueEmpty
	}

	next, ok := c.queue.AdvanceNext()
	return c.afterAdvanceLocked(next, ok, "skip")
}

// Previous restarts the current track when more than the restart window
// has elapsed, otherwise steps back to the prior track.
func (c *Controller) Previous() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.session == nil {
		return ErrNoTrack
	}

	pos := c.session.elapsed
	if c.engine.Valid() {
		pos = c.engine.Position()
	}
	if pos > c.opts.PreviousRestart {
		return c.seekLocked(0)
	}

	prev, ok := c.queue.StepBack()
	if !ok {
		// Already at the start of the queue
		return c.seekLocked(0)
	}
	return c.startTrackLocked(prev)
}

// PlayAt jumps to the queue entry at the given display position and
// starts it.
func (c *Controller) PlayAt(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	t, err := c.queue.JumpTo(index)
	if err != nil {
		return err
	}
	return c.startTrackLocked(t)
}

// --- volume ---

// SetVolume sets the user volume in [0, 1]. The loudness multiplier is
// recomputed and applied in the same engine call.
func (c *Controller) SetVolume(v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.volume = clamp01(v)
	c.applyGainLocked(c.currentTrackLocked())
	return nil
}

// Volume returns the user volume.
func (c *Controller) Volume() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.volume
}

// SetMuted toggles mute. Mute wins over volume and gain.
func (c *Controller) SetMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.muted = muted
	c.applyGainLocked(c.currentTrackLocked())
	return nil
}

// Muted reports whether output is muted.
func (c *Controller) Muted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted
}

// SetGainOptions changes the normalization settings and re-applies the
// effective volume.
func (c *Controller) SetGainOptions(opts gain.Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.gain.SetOptions(opts)
	c.applyGainLocked(c.currentTrackLocked())
	return nil
}

// --- queue ---

// SetQueue replaces the queue contents without starting playback.
func (c *Controller) SetQueue(tracks []track.Track, startIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if err := c.queue.SetQueue(tracks, startIndex); err != nil {
		return err
	}
	c.revalidatePreloadLocked()
	c.sendEventLocked(Event{Type: EventQueueChanged, State: c.state})
	return nil
}

// Append adds tracks to the end of the queue.
func (c *Controller) Append(tracks ...track.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.queue.Append(tracks...)
	c.revalidatePreloadLocked()
	c.sendEventLocked(Event{Type: EventQueueChanged, State: c.state})
	return nil
}

// InsertNext places tracks immediately after the current position.
func (c *Controller) InsertNext(tracks ...track.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.queue.InsertNext(tracks...)
	c.revalidatePreloadLocked()
	c.sendEventLocked(Event{Type: EventQueueChanged, State: c.state})
	return nil
}

// RemoveAt removes the queue entry at the given display position.
// Removing the playing entry stops it and, if something was audible,
// starts the entry that took its place.
func (c *Controller) RemoveAt(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	removedCurrent, err := c.queue.RemoveAt(index)
	if err != nil {
		return err
	}
	c.revalidatePreloadLocked()
	c.sendEventLocked(Event{Type: EventQueueChanged, State: c.state})

	if !removedCurrent {
		return nil
	}

	wasPlaying := c.state == StatePlaying
	cur, ok := c.queue.Current()
	if !ok {
		// Removed the last remaining track
		c.stopLocked()
		c.finishSessionLocked()
		return nil
	}
	if wasPlaying {
		return c.startTrackLocked(cur)
	}
	c.stopLocked()
	c.finishSessionLocked()
	return nil
}

// Move relocates a queue entry between display positions.
func (c *Controller) Move(from, to int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if err := c.queue.Move(from, to); err != nil {
		return err
	}
	c.revalidatePreloadLocked()
	c.sendEventLocked(Event{Type: EventQueueChanged, State: c.state})
	return nil
}

// ClearQueue empties the queue and stops playback.
func (c *Controller) ClearQueue() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.stopLocked()
	c.finishSessionLocked()
	c.queue.Clear()
	c.sendEventLocked(Event{Type: EventQueueChanged, State: c.state})
	return nil
}

// ToggleShuffle flips shuffle mode, preserving the playing track.
func (c *Controller) ToggleShuffle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.queue.ToggleShuffle()
	c.revalidatePreloadLocked()
	c.sendEventLocked(Event{Type: EventQueueChanged, State: c.state})
	zlog.Info().Msgf("shuffle toggled: enabled=%v", c.queue.ShuffleEnabled())
	return nil
}

// SetRepeatMode changes the repeat mode. Engaging repeat-one clears any
// gapless preload.
func (c *Controller) SetRepeatMode(m queue.RepeatMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.queue.SetRepeatMode(m)
	c.revalidatePreloadLocked()
	c.sendEventLocked(Event{Type: EventQueueChanged, State: c.state})
	return nil
}

// --- read accessors ---

// State returns the playback state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CurrentTrack returns the now-playing track.
func (c *Controller) CurrentTrack() (track.Track, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session != nil {
		return c.session.track, true
	}
	return c.queue.Current()
}

// Position returns the playback position as of the last poll.
func (c *Controller) Position() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return 0
	}
	return c.session.elapsed
}

// Duration returns the duration of the now-playing track.
func (c *Controller) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return 0
	}
	return c.session.duration
}

// QueueTracks returns the queue in display order.
func (c *Controller) QueueTracks() []track.Track {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue.Tracks()
}

// QueueIndex returns the display position of the current track.
func (c *Controller) QueueIndex() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue.CurrentIndex()
}

// RepeatMode returns the queue repeat mode.
func (c *Controller) RepeatMode() queue.RepeatMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue.RepeatMode()
}

// ShuffleEnabled reports whether shuffle is active.
func (c *Controller) ShuffleEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue.ShuffleEnabled()
}

// --- ticker ---

func (c *Controller) onTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StatePlaying || c.session == nil {
		return
	}

	pos := c.engine.Position()
	dur := c.engine.Duration()
	if dur <= 0 {
		dur = c.session.duration
	}
	c.session.elapsed = pos
	if dur > 0 {
		c.session.duration = dur
	}

	if !c.session.durationSaved && c.session.track.Duration == 0 && dur > 0 {
		c.session.durationSaved = true
		c.updateDurationAsync(c.session.track.ID, dur)
	}
	if !c.session.statsRecorded && dur > 0 && pos >= dur/2 {
		c.session.statsRecorded = true
		c.recordPlayAsync(c.session.track.ID)
	}

	// Both checks use the position sampled above; autoplay first so the
	// preload never outraces an exhaustion decision in the same tick
	c.checkAutoplayLocked(pos, dur)
	c.checkPreloadLocked(pos, dur)
}

// checkPreloadLocked arms the gapless preload when the track approaches
// its end. The Preloading/Preloaded states block re-entry per approach.
func (c *Controller) checkPreloadLocked(pos, dur time.Duration) {
	if c.session.preload != PreloadIdle || c.session.preloadFailed {
		return
	}
	if c.queue.RepeatMode() == queue.RepeatOne {
		return
	}
	if dur <= 0 || dur-pos > c.opts.GaplessThreshold {
		return
	}

	next, ok := c.queue.PeekNext()
	if !ok {
		return
	}

	c.session.preload = Preloading
	c.session.preloadTrack = next
	if err := c.engine.PreloadNext(next.URL); err != nil {
		zlog.Warn().Msgf("failed to preload next track: title=%s error=%v", next.Title, err)
		c.session.clearPreload()
		c.session.preloadFailed = true
		return
	}
	c.session.preload = Preloaded
	zlog.Debug().Msgf("next track preloaded: title=%s remaining=%s", next.Title, dur-pos)
}

// checkAutoplayLocked fires the proactive autoplay trigger before the
// last or second-to-last queued track ends.
func (c *Controller) checkAutoplayLocked(pos, dur time.Duration) {
	if c.autoplayPending || !c.canAutoplayLocked() {
		return
	}
	if dur <= 0 || c.queue.Remaining() > 1 {
		return
	}
	if dur-pos > c.opts.AutoplayLead {
		return
	}
	c.triggerAutoplayLocked("approaching queue end")
}

func (c *Controller) canAutoplayLocked() bool {
	if !c.opts.AutoplayEnabled || c.autoplay == nil {
		return false
	}
	if c.queue.RepeatMode() != queue.RepeatOff {
		return false
	}
	if c.session != nil && c.session.autoplayFired {
		return false
	}
	return true
}

// --- engine events ---

func (c *Controller) onEngineEvent(e EngineEvent) {
	switch e.Type {
	case EngineAboutToEnd:
		c.onAboutToEnd()
	case EngineStreamEnded:
		c.onStreamEnded()
	}
}

// onAboutToEnd is the engine's last-chance gapless window; it runs the
// preload check off-cycle in case the ticker missed a short track.
func (c *Controller) onAboutToEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StatePlaying || c.session == nil {
		return
	}

	pos := c.engine.Position()
	dur := c.engine.Duration()
	if dur <= 0 {
		dur = c.session.duration
	}
	c.checkPreloadLocked(pos, dur)
}

func (c *Controller) onStreamEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.session == nil {
		return
	}

	if c.session.duration > 0 {
		c.session.elapsed = c.session.duration
	}
	// A full play-through counts even when the half-way tick never fired
	if !c.session.statsRecorded {
		c.session.statsRecorded = true
		c.recordPlayAsync(c.session.track.ID)
	}

	if c.queue.RepeatMode() == queue.RepeatOne {
		c.replayCurrentLocked()
		return
	}
	if c.session.preload == Preloaded {
		c.handOffLocked()
		return
	}

	next, ok := c.queue.AdvanceNext()
	_ = c.afterAdvanceLocked(next, ok, "stream ended")
}

// replayCurrentLocked seeks back to zero for repeat-one.
func (c *Controller) replayCurrentLocked() {
	if !c.engine.Valid() {
		if err := c.reloadCurrentLocked(0, true); err != nil {
			c.stopLocked()
			return
		}
	} else if err := c.engine.Seek(0); err != nil {
		zlog.Warn().Msgf("replay seek failed, reloading: error=%v", err)
		if rerr := c.reloadCurrentLocked(0, true); rerr != nil {
			c.stopLocked()
			return
		}
	} else if err := c.engine.Play(); err != nil {
		zlog.Error().Msgf("replay failed: error=%v", err)
		c.stopLocked()
		return
	}

	c.session.elapsed = 0
	c.session.playing = true
	c.session.statsRecorded = false
	c.setStateLocked(StatePlaying)
	zlog.Debug().Msgf("repeat one: replaying title=%s", c.session.track.Title)
}

// handOffLocked promotes the preloaded stream to active.
func (c *Controller) handOffLocked() {
	target := c.session.preloadTrack
	c.session.preload = Switching

	next, ok := c.queue.AdvanceNext()
	if !ok || next.ID != target.ID {
		// Queue no longer agrees with the preload; discard and fall back
		c.engine.ClearPreloaded()
		c.session.clearPreload()
		_ = c.afterAdvanceLocked(next, ok, "stale preload")
		return
	}

	vol := c.gain.Effective(c.volume, c.muted, target)
	if err := c.engine.SwitchToPreloaded(vol); err != nil {
		zlog.Warn().Msgf("gapless switch failed, loading directly: title=%s error=%v", target.Title, err)
		_ = c.startTrackLocked(target)
		return
	}

	c.finishSessionLocked()
	c.session = newSession(target)
	if d := c.engine.Duration(); d > 0 {
		c.session.duration = d
	}
	c.session.playing = true
	c.setStateLocked(StatePlaying)
	// No rate match on a hand-off; reconfiguring the device would tear
	// the seam the preload exists for

	tc := target
	c.sendEventLocked(Event{Type: EventTrackChanged, Track: &tc, State: c.state})
	zlog.Info().Msgf("gapless transition: title=%s artist=%s", target.Title, target.Artist)
}

// afterAdvanceLocked starts the selected track, or handles exhaustion by
// triggering autoplay or stopping.
func (c *Controller) afterAdvanceLocked(next track.Track, ok bool, reason string) error {
	if ok {
		return c.startTrackLocked(next)
	}

	if c.autoplayPending {
		// Proactive request still in flight; hold until it lands
		if err := c.engine.Stop(); err != nil {
			zlog.Debug().Msgf("engine stop: %v", err)
		}
		c.engine.ClearPreloaded()
		c.finishSessionLocked()
		c.setStateLocked(StateLoading)
		zlog.Info().Msgf("queue exhausted, waiting for autoplay")
		return nil
	}
	if c.canAutoplayLocked() {
		c.triggerAutoplayLocked("queue exhausted")
		if err := c.engine.Stop(); err != nil {
			zlog.Debug().Msgf("engine stop: %v", err)
		}
		c.engine.ClearPreloaded()
		c.finishSessionLocked()
		c.setStateLocked(StateLoading)
		return nil
	}

	zlog.Info().Msgf("queue exhausted: reason=%s", reason)
	c.stopLocked()
	c.finishSessionLocked()
	return nil
}

// --- device events ---

func (c *Controller) onDeviceEvent(e device.Event) {
	switch e.Type {
	case device.EventDeviceRemoved:
		c.onDeviceRemoved()
	case device.EventDeviceChanged:
		c.onDeviceChanged(e)
	case device.EventDevicesUpdated:
		zlog.Debug().Msgf("device list updated: removed=%d added=%d", len(e.Removed), len(e.Added))
	}
}

// onDeviceRemoved pauses immediately and clears the dead stream. The
// elapsed position stays in the session for the post-swap restore.
func (c *Controller) onDeviceRemoved() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	wasPlaying := c.state == StatePlaying
	if c.session != nil {
		if err := c.engine.Stop(); err != nil {
			zlog.Debug().Msgf("engine stop: %v", err)
		}
		c.engine.ClearPreloaded()
		c.session.clearPreload()
		c.session.playing = false
		c.pendingResume = wasPlaying
		c.setStateLocked(StatePaused)
	}

	zlog.Warn().Msgf("output device removed: resume_pending=%v", wasPlaying)
	c.sendEventLocked(Event{Type: EventDeviceRemoved, State: c.state})
}

// onDeviceChanged restores playback on the replacement device.
func (c *Controller) onDeviceChanged(e device.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if c.session == nil {
		c.pendingResume = false
		c.sendEventLocked(Event{Type: EventDeviceChanged, ReloadRequired: e.ReloadRequired, State: c.state})
		return
	}

	if e.ReloadRequired || !c.engine.Valid() {
		resume := c.pendingResume || c.state == StatePlaying
		c.pendingResume = false
		if err := c.reloadCurrentLocked(c.session.elapsed, resume); err != nil {
			zlog.Error().Msgf("failed to restore playback on new device: error=%v", err)
			c.stopLocked()
		}
	} else {
		// Stream migrated in place; only the volume needs re-asserting
		c.applyGainLocked(c.session.track)
		if c.pendingResume {
			c.pendingResume = false
			if err := c.engine.Play(); err != nil {
				zlog.Error().Msgf("failed to resume on new device: error=%v", err)
				c.stopLocked()
			} else {
				c.session.playing = true
				c.setStateLocked(StatePlaying)
			}
		}
	}

	c.sendEventLocked(Event{Type: EventDeviceChanged, ReloadRequired: e.ReloadRequired, State: c.state})
}

// --- autoplay ---

// triggerAutoplayLocked kicks off a recommendation request off-thread.
// The queue version is captured now and re-checked at apply time.
func (c *Controller) triggerAutoplayLocked(reason string) {
	c.autoplayPending = true
	if c.session != nil {
		c.session.autoplayFired = true
	}

	version := c.queue.Version()
	count := c.opts.AutoplayBatch
	seeds := c.autoplaySeedsLocked()
	exclude := make(map[string]bool, c.queue.Len())
	for _, t := range c.queue.Tracks() {
		exclude[t.ID] = true
	}

	zlog.Info().Msgf("autoplay triggered: reason=%s batch=%d seeds=%d", reason, count, len(seeds))
	c.sendEventLocked(Event{Type: EventAutoplayStarted, State: c.state})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, autoplayTimeout)
		defer cancel()

		tracks, err := c.autoplay.Candidates(ctx, count, seeds, exclude)
		select {
		case c.autoplayCh <- autoplayResult{version: version, tracks: tracks, err: err}:
		case <-c.ctx.Done():
		}
	}()
}

// autoplaySeedsLocked collects seed tracks: the queue tail first, then
// recent history.
func (c *Controller) autoplaySeedsLocked() []track.Track {
	limit := c.opts.AutoplaySeeds
	seeds := make([]track.Track, 0, limit)
	seen := make(map[string]bool, limit)

	tracks := c.queue.Tracks()
	for i := len(tracks) - 1; i >= 0 && len(seeds) < limit; i-- {
		if seen[tracks[i].ID] {
			continue
		}
		seen[tracks[i].ID] = true
		seeds = append(seeds, tracks[i])
	}
	for i := len(c.history) - 1; i >= 0 && len(seeds) < limit; i-- {
		if seen[c.history[i].ID] {
			continue
		}
		seen[c.history[i].ID] = true
		seeds = append(seeds, c.history[i])
	}
	return seeds
}

// onAutoplayResult applies a recommendation answer, discarding it when
// the queue changed since the request.
func (c *Controller) onAutoplayResult(r autoplayResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.autoplayPending = false
	drained := c.state == StateLoading && c.session == nil

	if r.err != nil {
		zlog.Warn().Msgf("autoplay failed: error=%v", r.err)
		c.sendEventLocked(Event{Type: EventAutoplayFailed, State: c.state})
		if drained {
			c.stopLocked()
		}
		return
	}
	if r.version != c.queue.Version() {
		zlog.Info().Msgf("discarding stale autoplay result: count=%d", len(r.tracks))
		if drained {
			c.stopLocked()
		}
		return
	}

	accepted := c.filterCandidatesLocked(r.tracks)
	if len(accepted) == 0 {
		zlog.Info().Msgf("autoplay returned no playable tracks: offered=%d", len(r.tracks))
		c.sendEventLocked(Event{Type: EventAutoplayFailed, State: c.state})
		if drained {
			c.stopLocked()
		}
		return
	}

	c.queue.Append(accepted...)
	c.sendEventLocked(Event{Type: EventQueueChanged, State: c.state})
	zlog.Info().Msgf("autoplay appended tracks: count=%d", len(accepted))

	if drained {
		next, ok := c.queue.AdvanceNext()
		if !ok {
			c.stopLocked()
			return
		}
		_ = c.startTrackLocked(next)
	}
}

// filterCandidatesLocked runs candidates through the filter chain.
func (c *Controller) filterCandidatesLocked(candidates []track.Track) []track.Track {
	if c.filters == nil {
		return candidates
	}

	qs := filter.QueueState{
		Tracks:        c.queue.Tracks(),
		RecentArtists: append([]string(nil), c.recentArtists...),
	}

	out := make([]track.Track, 0, len(candidates))
	for _, t := range candidates {
		res := c.filters.Execute(c.ctx, t, qs)
		if !res.Accepted {
			zlog.Debug().Msgf("autoplay candidate rejected: title=%s code=%s", t.Title, res.Code)
			continue
		}
		out = append(out, t)
		// Later candidates must see earlier acceptances as queued
		qs.Tracks = append(qs.Tracks, t)
	}
	return out
}

// --- session helpers ---

// startTrackLocked loads and plays a track in a fresh session.
func (c *Controller) startTrackLocked(t track.Track) error {
	c.finishSessionLocked()
	c.setStateLocked(StateLoading)

	if err := c.engine.Load(t.URL); err != nil {
		zlog.Error().Msgf("failed to load track: title=%s error=%v", t.Title, err)
		c.stopLocked()
		return errors.Wrapf(err, "failed to load track %s", t.Title)
	}

	c.session = newSession(t)
	if d := c.engine.Duration(); d > 0 {
		c.session.duration = d
	}
	c.queue.MarkCurrentPlayed()
	c.applyGainLocked(t)

	if err := c.engine.Play(); err != nil {
		zlog.Error().Msgf("failed to start playback: title=%s error=%v", t.Title, err)
		c.stopLocked()
		return errors.Wrapf(err, "failed to start playback of %s", t.Title)
	}
	c.session.playing = true
	c.setStateLocked(StatePlaying)
	c.matchRateAsync()

	tc := t
	c.sendEventLocked(Event{Type: EventTrackChanged, Track: &tc, State: c.state})
	zlog.Info().Msgf("track started: title=%s artist=%s duration=%s", t.Title, t.Artist, c.session.duration)
	return nil
}

// reloadCurrentLocked reloads the session track, restores the position
// and optionally resumes. Used after device swaps and seek failures.
func (c *Controller) reloadCurrentLocked(pos time.Duration, resume bool) error {
	t := c.session.track
	if err := c.engine.Load(t.URL); err != nil {
		return errors.Wrapf(err, "failed to load track %s", t.Title)
	}
	c.applyGainLocked(t)
	c.matchRateAsync()

	if pos > 0 {
		if err := c.engine.Seek(pos); err != nil {
			// Restoring the position is best-effort on a fresh stream
			zlog.Warn().Msgf("failed to restore position: pos=%s error=%v", pos, err)
			pos = 0
		}
	}
	c.session.elapsed = pos

	if resume {
		if err := c.engine.Play(); err != nil {
			return errors.Wrap(err, "failed to resume playback")
		}
		c.session.playing = true
		c.setStateLocked(StatePlaying)
	} else {
		c.session.playing = false
		c.setStateLocked(StatePaused)
	}
	return nil
}

// stopLocked stops the engine and discards preload state. The session
// stays for position display until something replaces it.
func (c *Controller) stopLocked() {
	if err := c.engine.Stop(); err != nil {
		zlog.Debug().Msgf("engine stop: %v", err)
	}
	c.engine.ClearPreloaded()
	if c.session != nil {
		c.session.playing = false
		c.session.clearPreload()
	}
	c.setStateLocked(StateStopped)
}

// finishSessionLocked retires the session into history.
func (c *Controller) finishSessionLocked() {
	s := c.session
	if s == nil {
		return
	}

	c.history = append(c.history, s.track)
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}
	if s.track.Artist != "" {
		c.recentArtists = append([]string{s.track.Artist}, c.recentArtists...)
		if len(c.recentArtists) > recentArtistLimit {
			c.recentArtists = c.recentArtists[:recentArtistLimit]
		}
	}
	c.session = nil
}

// revalidatePreloadLocked re-derives the preload from current queue state
// after a mutation, clearing it unless the preloaded track is still next.
func (c *Controller) revalidatePreloadLocked() {
	if c.session == nil {
		return
	}
	c.session.preloadFailed = false
	if c.session.preload == PreloadIdle {
		return
	}

	next, ok := c.queue.PeekNext()
	if ok && next.ID == c.session.preloadTrack.ID {
		return
	}
	c.engine.ClearPreloaded()
	c.session.clearPreload()
	zlog.Debug().Msgf("preload invalidated: queue changed")
}

// applyGainLocked applies the effective volume for the track in a single
// engine call.
func (c *Controller) applyGainLocked(t track.Track) {
	vol := c.gain.Effective(c.volume, c.muted, t)
	if err := c.engine.SetVolume(vol); err != nil {
		zlog.Warn().Msgf("failed to set volume: vol=%.3f error=%v", vol, err)
	}
}

// currentTrackLocked returns the session track, or a zero track when
// nothing is loaded.
func (c *Controller) currentTrackLocked() track.Track {
	if c.session != nil {
		return c.session.track
	}
	if t, ok := c.queue.Current(); ok {
		return t
	}
	return track.Track{}
}

// setStateLocked transitions the state and emits the change.
func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s

	e := Event{Type: EventStateChanged, State: s}
	if c.session != nil {
		t := c.session.track
		e.Track = &t
	}
	c.sendEventLocked(e)
}

// sendEventLocked sends an event without blocking the owner goroutine.
func (c *Controller) sendEventLocked(e Event) {
	select {
	case c.eventCh <- e:
		// Successfully sent
	case <-c.ctx.Done():
		// Shutting down, don't send
	default:
		zlog.Warn().Msgf("event dropped, channel full: type=%s", e.Type)
	}
}

// matchRateAsync hands the loaded stream's sample rate to the device
// manager off the owner goroutine; a hardware rate change sleeps a
// settle delay that must not stall transport calls.
func (c *Controller) matchRateAsync() {
	if c.devices == nil {
		return
	}
	rate := c.engine.SampleRate()
	if rate <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.devices.MatchSampleRate(rate)
	}()
}

// --- stats write-back ---

func (c *Controller) recordPlayAsync(trackID string) {
	if c.stats == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, statsTimeout)
		defer cancel()
		if err := c.stats.RecordPlay(ctx, trackID, time.Now()); err != nil {
			zlog.Warn().Msgf("failed to record play: track=%s error=%v", trackID, err)
		}
	}()
}

func (c *Controller) updateDurationAsync(trackID string, d time.Duration) {
	if c.stats == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, statsTimeout)
		defer cancel()
		if err := c.stats.UpdateDuration(ctx, trackID, d); err != nil {
			zlog.Warn().Msgf("failed to update duration: track=%s error=%v", trackID, err)
		}
	}()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
