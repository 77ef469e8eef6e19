package mpdaudio

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/cadenza-player/cadenza/internal/app/device"
)

var _ device.Host = (*Host)(nil)

// Host exposes MPD's configured outputs as output devices. Activation
// maps to enableoutput/disableoutput; the daemon migrates the running
// stream between outputs itself, so switches never need a reload.
type Host struct {
	client  *Client
	sub     *Subscription
	changes chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHost creates the output host and starts watching MPD's output
// subsystem for changes.
func NewHost(client *Client) (*Host, error) {
	sub, err := client.Watch("output")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		client:  client,
		sub:     sub,
		changes: make(chan struct{}, 4),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go h.watch()
	return h, nil
}

// Close stops the output watcher.
func (h *Host) Close() error {
	h.cancel()
	err := h.sub.Close()
	<-h.done
	return err
}

// Enumerate lists MPD outputs as devices. MPD does not expose per-output
// stream topology, so outputs are assumed stereo with an unknown rate.
func (h *Host) Enumerate() ([]device.Device, error) {
	outputs, err := h.client.Outputs()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list mpd outputs")
	}

	devices := make([]device.Device, 0, len(outputs))
	for _, o := range outputs {
		id := o["outputid"]
		if id == "" {
			continue
		}
		devices = append(devices, device.Device{
			ID:       id,
			Name:     o["outputname"],
			UID:      o["outputname"],
			Channels: 2,
		})
	}
	return devices, nil
}

// DefaultDevice returns the first enabled output, falling back to the
// first configured one.
func (h *Host) DefaultDevice() (device.Device, error) {
	outputs, err := h.client.Outputs()
	if err != nil {
		return device.Device{}, errors.Wrap(err, "failed to list mpd outputs")
	}
	if len(outputs) == 0 {
		return device.Device{}, errors.New("no mpd outputs configured")
	}

	pick := outputs[0]
	for _, o := range outputs {
		if o["outputenabled"] == "1" {
			pick = o
			break
		}
	}
	return device.Device{
		ID:       pick["outputid"],
		Name:     pick["outputname"],
		UID:      pick["outputname"],
		Channels: 2,
	}, nil
}

// Activate routes playback to the output with the given id and disables
// the others.
func (h *Host) Activate(id string) error {
	target, err := strconv.Atoi(id)
	if err != nil {
		return errors.Newf("invalid mpd output id: %s", id)
	}

	outputs, err := h.client.Outputs()
	if err != nil {
		return errors.Wrap(err, "failed to list mpd outputs")
	}

	// Enable the target before dropping the rest so audio never routes
	// into the void
	if err := h.client.EnableOutput(target); err != nil {
		return errors.Wrapf(err, "failed to enable output %d", target)
	}
	for _, o := range outputs {
		oid, err := strconv.Atoi(o["outputid"])
		if err != nil || oid == target {
			continue
		}
		if o["outputenabled"] != "1" {
			continue
		}
		if err := h.client.DisableOutput(oid); err != nil {
			zlog.Warn().Msgf("failed to disable output: id=%d error=%v", oid, err)
		}
	}
	return nil
}

// SampleRate returns the rate of the stream MPD is currently decoding.
// The daemon reports it only while a stream is active, and only
// globally, never per output.
func (h *Host) SampleRate(id string) (float64, error) {
	st, err := h.client.Status()
	if err != nil {
		return 0, err
	}
	return audioRate(st)
}

// SetSampleRate is unsupported: the daemon negotiates device rates on
// its own.
func (h *Host) SetSampleRate(id string, rate float64) error {
	return errors.New("mpd manages device sample rates")
}

// AcquireExclusive is unsupported over the MPD protocol.
func (h *Host) AcquireExclusive(id string) error {
	return errors.New("exclusive access not supported by mpd")
}

// ReleaseExclusive is a no-op; nothing is ever held.
func (h *Host) ReleaseExclusive(id string) error {
	return nil
}

// SupportsMigration is true: the daemon reroutes the running stream when
// outputs change, no reload needed.
func (h *Host) SupportsMigration() bool {
	return true
}

// Changes delivers a signal whenever the output list changes.
func (h *Host) Changes() <-chan struct{} {
	return h.changes
}

func (h *Host) watch() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			return
		case _, ok := <-h.sub.C:
			if !ok {
				return
			}
			select {
			case h.changes <- struct{}{}:
			default:
			}
		}
	}
}
