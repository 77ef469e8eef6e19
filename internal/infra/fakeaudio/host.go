package fakeaudio

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/cadenza-player/cadenza/internal/app/device"
)

var _ device.Host = (*Host)(nil)

// Host is a scripted device.Host. It starts with a single built-in
// output; tests and the fake engine mode can rewrite the device list and
// fire change notifications.
type Host struct {
	mu      sync.Mutex
	devices []device.Device
	def     device.Device
	active  string
	hogged  map[string]bool
	rates   map[string]float64
	changes chan struct{}
}

// NewHost creates a host with one default output.
func NewHost() *Host {
	d := device.Device{
		ID:         "fake-output",
		Name:       "Fake Output",
		UID:        "fake-output-uid",
		SampleRate: 44100,
		Channels:   2,
	}
	return &Host{
		devices: []device.Device{d},
		def:     d,
		hogged:  make(map[string]bool),
		rates:   make(map[string]float64),
		changes: make(chan struct{}, 4),
	}
}

// SetDevices rewrites the device list and fires a change notification.
func (h *Host) SetDevices(def device.Device, devices ...device.Device) {
	h.mu.Lock()
	h.def = def
	h.devices = append([]device.Device(nil), devices...)
	h.mu.Unlock()

	select {
	case h.changes <- struct{}{}:
	default:
	}
}

func (h *Host) Enumerate() ([]device.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]device.Device(nil), h.devices...), nil
}

func (h *Host) DefaultDevice() (device.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.def, nil
}

func (h *Host) Activate(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = id
	return nil
}

// Active returns the device playback is routed to.
func (h *Host) Active() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Host) SampleRate(id string) (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rates[id]; ok {
		return r, nil
	}
	for _, d := range h.devices {
		if d.ID == id {
			return d.SampleRate, nil
		}
	}
	return 0, errors.Newf("unknown device: %s", id)
}

func (h *Host) SetSampleRate(id string, rate float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rates[id] = rate
	return nil
}

func (h *Host) AcquireExclusive(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hogged[id] = true
	return nil
}

func (h *Host) ReleaseExclusive(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.hogged, id)
	return nil
}

// SupportsMigration is false: a stream does not survive an output swap,
// so the controller reloads onto the replacement.
func (h *Host) SupportsMigration() bool {
	return false
}

func (h *Host) Changes() <-chan struct{} {
	return h.changes
}

// Hogged reports whether exclusive access is held for a device.
func (h *Host) Hogged(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hogged[id]
}
