// Package mpdaudio backs the stream engine and the output device host
// with a Music Player Daemon server, via the gompd client.
package mpdaudio

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fhs/gompd/v2/mpd"
	zlog "github.com/rs/zerolog/log"
)

// Client wraps the gompd client with reconnection logic. Commands ping
// the daemon first and redial when the connection went away.
type Client struct {
	mu       sync.RWMutex
	client   *mpd.Client
	addr     string
	password string
}

// NewClient creates an MPD client wrapper for the given address
// ("host:port").
func NewClient(addr, password string) *Client {
	return &Client{
		addr:     addr,
		password: password,
	}
}

// Connect establishes the connection to MPD.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	zlog.Info().Msgf("connecting to mpd: addr=%s", c.addr)

	client, err := mpd.Dial("tcp", c.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to mpd at %s", c.addr)
	}

	if c.password != "" {
		if err := client.Command("password %s", c.password).OK(); err != nil {
			client.Close()
			return errors.Wrap(err, "mpd authentication failed")
		}
	}

	c.client = client
	zlog.Info().Msgf("connected to mpd: addr=%s", c.addr)
	return nil
}

// ensureConnected checks the connection and reconnects if needed.
func (c *Client) ensureConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return c.connectLocked()
	}

	if err := c.client.Ping(); err != nil {
		zlog.Warn().Msgf("mpd connection lost, reconnecting: error=%v", err)
		c.client.Close()
		c.client = nil
		return c.connectLocked()
	}
	return nil
}

// Close closes the MPD connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// Status returns the current MPD status.
func (c *Client) Status() (mpd.Attrs, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Status()
}

// Clear empties the MPD queue.
func (c *Client) Clear() error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Clear()
}

// Add appends a URI to the MPD queue.
func (c *Client) Add(uri string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Add(uri)
}

// Play starts playback at the given queue position; -1 resumes.
func (c *Client) Play(pos int) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Play(pos)
}

// Pause sets the pause state.
func (c *Client) Pause(pause bool) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Pause(pause)
}

// Stop stops playback.
func (c *Client) Stop() error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Stop()
}

// SeekCur seeks within the current song to an absolute position in
// seconds.
func (c *Client) SeekCur(seconds float64) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Command("seekcur %.3f", seconds).OK()
}

// SetVolume sets the MPD volume (0-100).
func (c *Client) SetVolume(vol int) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if vol < 0 {
		vol = 0
	} else if vol > 100 {
		vol = 100
	}
	return c.client.SetVolume(vol)
}

// Delete removes the song at the given queue position.
func (c *Client) Delete(pos int) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Delete(pos, -1)
}

// PlaylistInfo returns the song at the given queue position.
func (c *Client) PlaylistInfo(pos int) ([]mpd.Attrs, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.PlaylistInfo(pos, -1)
}

// SetRandom sets MPD's own random mode.
func (c *Client) SetRandom(on bool) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Random(on)
}

// SetRepeat sets MPD's own repeat mode.
func (c *Client) SetRepeat(on bool) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Repeat(on)
}

// SetSingle sets MPD's single mode.
func (c *Client) SetSingle(on bool) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Single(on)
}

// SetConsume sets MPD's consume mode.
func (c *Client) SetConsume(on bool) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Consume(on)
}

// Outputs lists the configured MPD outputs.
func (c *Client) Outputs() ([]mpd.Attrs, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Command("outputs").AttrsList("outputid")
}

// EnableOutput enables the output with the given id.
func (c *Client) EnableOutput(id int) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Command("enableoutput %d", id).OK()
}

// DisableOutput disables the output with the given id.
func (c *Client) DisableOutput(id int) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client.Command("disableoutput %d", id).OK()
}

// Subscription is a live idle watch on MPD subsystems.
type Subscription struct {
	watcher *mpd.Watcher
	C       <-chan string
}

// Close terminates the watch.
func (s *Subscription) Close() error {
	return s.watcher.Close()
}

// Watch opens an idle connection and streams subsystem change names.
// The channel closes when the subscription is closed.
func (c *Client) Watch(subsystems ...string) (*Subscription, error) {
	watcher, err := mpd.NewWatcher("tcp", c.addr, c.password, subsystems...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create mpd watcher")
	}

	ch := make(chan string, 10)
	go func() {
		defer close(ch)
		for {
			select {
			case subsystem, ok := <-watcher.Event:
				if !ok {
					return
				}
				// Notifications are edge triggers; consumers re-read the
				// status anyway, so dropping under backpressure is safe
				select {
				case ch <- subsystem:
				default:
				}
			case err, ok := <-watcher.Error:
				if !ok {
					return
				}
				zlog.Warn().Msgf("mpd watcher error: %v", err)
			}
		}
	}()

	return &Subscription{watcher: watcher, C: ch}, nil
}
