package device

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// rateEpsilon is the tolerance for nominal sample rate comparisons in Hz.
const rateEpsilon = 0.1

// Options holds device manager configuration.
type Options struct {
	PreferredUID    string        // Preferred output device UID (empty uses the host default)
	Exclusive       bool          // Attempt hog mode on the selected device
	MatchSampleRate bool          // Match the device rate to the playing track
	SettleDelay     time.Duration // Wait after hardware changes before re-validating
}

// Manager owns the mapping between the logical current output device and
// the physical devices the host reports. Hot-plug notifications are
// handled on a watcher goroutine; consumers react to the event channel.
type Manager struct {
	mu sync.RWMutex

	host Host
	opts Options

	current  Device
	snapshot []Device
	hogged   bool

	eventCh chan Event

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewManager creates a new device lifecycle manager.
func NewManager(host Host, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		host:    host,
		opts:    opts,
		eventCh: make(chan Event, 10),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Events returns the event channel.
func (m *Manager) Events() <-chan Event {
	return m.eventCh
}

// Start enumerates devices, selects the initial output device and begins
// watching for hot-plug changes. Selection order: preferred UID, host
// default, first available, none.
func (m *Manager) Start() error {
	devices, err := m.enumerate()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.snapshot = devices
	m.started = true
	m.mu.Unlock()

	if d, ok := m.pickInitial(devices); ok {
		m.mu.Lock()
		m.current = d
		m.mu.Unlock()

		if err := m.host.Activate(d.ID); err != nil {
			zlog.Warn().Msgf("failed to activate device: device=%s error=%v", d.Name, err)
		}
		if m.opts.Exclusive {
			m.AcquireExclusive(d)
		}
		zlog.Info().Msgf("output device selected: device=%s rate=%.0f channels=%d", d.Name, d.SampleRate, d.Channels)
	} else {
		zlog.Warn().Msgf("no output devices available")
	}

	go m.watch()
	return nil
}

// Stop halts the watcher and releases any exclusive access.
func (m *Manager) Stop() {
	m.cancel()

	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if started {
		<-m.done
	}

	m.ReleaseExclusive()
}

// Current returns the current output device snapshot. The zero Device
// means no output is selected.
func (m *Manager) Current() Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Exclusive reports whether exclusive access is held on the current device.
func (m *Manager) Exclusive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hogged
}

// Enumerate returns the output-capable devices currently present.
func (m *Manager) Enumerate() ([]Device, error) {
	return m.enumerate()
}

// SelectDevice switches output to the device with the given id. The id is
// re-validated against a fresh enumeration before any hardware call.
func (m *Manager) SelectDevice(id string) error {
	devices, err := m.enumerate()
	if err != nil {
		return err
	}

	d, ok := findDevice(devices, id)
	if !ok {
		return errors.Newf("device not found: %s", id)
	}

	m.mu.Lock()
	m.snapshot = devices
	prev := m.current
	hogged := m.hogged
	m.hogged = false
	m.mu.Unlock()

	if prev.ID == d.ID {
		m.mu.Lock()
		m.hogged = hogged
		m.mu.Unlock()
		return nil
	}

	if hogged && prev.Valid() {
		if err := m.host.ReleaseExclusive(prev.ID); err != nil {
			zlog.Debug().Msgf("failed to release exclusive access: device=%s error=%v", prev.Name, err)
		}
	}

	zlog.Info().Msgf("output device selected by user: device=%s", d.Name)
	m.activate(d)
	return nil
}

// AcquireExclusive requests hog mode on the device. Best-effort: a refusal
// logs and returns false, playback continues in shared mode.
func (m *Manager) AcquireExclusive(d Device) bool {
	if !d.Valid() {
		return false
	}

	if err := m.host.AcquireExclusive(d.ID); err != nil {
		zlog.Warn().Msgf("failed to acquire exclusive access: device=%s error=%v", d.Name, err)
		return false
	}

	m.mu.Lock()
	m.hogged = true
	m.mu.Unlock()

	zlog.Info().Msgf("acquired exclusive access: device=%s", d.Name)
	return true
}

// ReleaseExclusive gives up hog mode on the current device, if held.
func (m *Manager) ReleaseExclusive() {
	m.mu.Lock()
	d := m.current
	hogged := m.hogged
	m.hogged = false
	m.mu.Unlock()

	if !hogged || !d.Valid() {
		return
	}

	if err := m.host.ReleaseExclusive(d.ID); err != nil {
		zlog.Debug().Msgf("failed to release exclusive access: device=%s error=%v", d.Name, err)
		return
	}
	zlog.Info().Msgf("released exclusive access: device=%s", d.Name)
}

// SetSampleRate matches the device's nominal rate to the given rate so the
// host does not resample. No-op within epsilon. Best-effort, with a settle
// delay after a successful change.
func (m *Manager) SetSampleRate(d Device, rate float64) error {
	if !d.Valid() || rate <= 0 {
		return nil
	}

	current, err := m.host.SampleRate(d.ID)
	if err != nil {
		// The getter is advisory; fall back to the enumerated rate
		zlog.Debug().Msgf("failed to read sample rate: device=%s error=%v", d.Name, err)
		current = d.SampleRate
	}
	if math.Abs(current-rate) < rateEpsilon {
		return nil
	}

	if err := m.host.SetSampleRate(d.ID, rate); err != nil {
		zlog.Warn().Msgf("failed to set sample rate: device=%s rate=%.0f error=%v", d.Name, rate, err)
		return errors.Wrap(err, "failed to set sample rate")
	}

	zlog.Info().Msgf("sample rate changed: device=%s rate=%.0f", d.Name, rate)
	m.sleep(m.opts.SettleDelay)
	return nil
}

// MatchSampleRate applies the given stream rate to the current device.
// No-op unless rate matching is enabled; failures are already logged by
// SetSampleRate and playback continues with host resampling.
func (m *Manager) MatchSampleRate(rate float64) {
	if !m.opts.MatchSampleRate {
		return
	}
	_ = m.SetSampleRate(m.Current(), rate)
}

// watch consumes host change notifications until the manager stops.
func (m *Manager) watch() {
	defer close(m.done)

	changes := m.host.Changes()
	for {
		select {
		case <-m.ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}

			// Hosts fire several notifications per unplug; let the churn
			// settle and coalesce the burst into one re-enumeration
			m.sleep(m.opts.SettleDelay)
			for drained := false; !drained; {
				select {
				case <-changes:
				default:
					drained = true
				}
			}

			m.handleChange()
		}
	}
}

// handleChange re-enumerates, diffs against the previous snapshot and
// recovers the current device if it disappeared.
func (m *Manager) handleChange() {
	devices, err := m.enumerate()
	if err != nil {
		zlog.Warn().Msgf("failed to re-enumerate devices: error=%v", err)
		return
	}

	m.mu.Lock()
	prev := m.snapshot
	prevCurrent := m.current
	m.snapshot = devices

	removed, added := diffDevices(prev, devices)

	currentRemoved := false
	if prevCurrent.Valid() {
		_, stillPresent := findDevice(devices, prevCurrent.ID)
		currentRemoved = !stillPresent
	} else if len(removed) > 0 {
		// The current id can already be stale when the default device
		// vanished before the first enumeration completed
		currentRemoved = true
	}

	if !currentRemoved {
		m.mu.Unlock()
		zlog.Debug().Msgf("device list changed: removed=%d added=%d", len(removed), len(added))
		m.sendEvent(Event{Type: EventDevicesUpdated, Removed: removed, Added: added})
		return
	}

	// The device is gone; there is nothing left to release on it
	m.hogged = false
	m.current = Device{}
	m.mu.Unlock()

	zlog.Warn().Msgf("current output device removed: device=%s", prevCurrent.Name)
	m.sendEvent(Event{Type: EventDeviceRemoved, Device: prevCurrent, Removed: removed, Added: added})

	replacement, ok := m.pickReplacement(devices)
	if !ok {
		zlog.Warn().Msgf("no replacement output device available")
		return
	}
	m.activate(replacement)
}

// activate makes dev the current device, applies exclusive access and
// emits DeviceChanged once the device has settled.
func (m *Manager) activate(dev Device) {
	m.mu.Lock()
	m.current = dev
	m.mu.Unlock()

	if err := m.host.Activate(dev.ID); err != nil {
		zlog.Warn().Msgf("failed to activate device: device=%s error=%v", dev.Name, err)
	}
	if m.opts.Exclusive {
		m.AcquireExclusive(dev)
	}

	// Give the new device a moment before the controller reloads onto it
	m.sleep(m.opts.SettleDelay)

	reload := !m.host.SupportsMigration()
	zlog.Info().Msgf("output device changed: device=%s rate=%.0f reload=%v", dev.Name, dev.SampleRate, reload)
	m.sendEvent(Event{Type: EventDeviceChanged, Device: dev, ReloadRequired: reload})
}

// pickInitial selects the startup device: preferred UID first, then the
// replacement order.
func (m *Manager) pickInitial(devices []Device) (Device, bool) {
	if m.opts.PreferredUID != "" {
		for _, d := range devices {
			if d.UID == m.opts.PreferredUID {
				return d, true
			}
		}
		zlog.Warn().Msgf("preferred device not found: uid=%s", m.opts.PreferredUID)
	}
	return m.pickReplacement(devices)
}

// pickReplacement selects a device after loss: host default, then first
// available, then none.
func (m *Manager) pickReplacement(devices []Device) (Device, bool) {
	if len(devices) == 0 {
		return Device{}, false
	}

	if def, err := m.host.DefaultDevice(); err == nil && def.Valid() {
		if d, ok := findDevice(devices, def.ID); ok {
			return d, true
		}
	}
	return devices[0], true
}

// enumerate returns output-capable devices with metadata filled in where
// the host can provide it.
func (m *Manager) enumerate() ([]Device, error) {
	devices, err := m.host.Enumerate()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate devices")
	}

	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		// Entries without an output stream configuration are unusable
		if !d.Valid() || d.Channels <= 0 {
			continue
		}
		if d.SampleRate == 0 {
			rate, err := m.host.SampleRate(d.ID)
			if err != nil {
				zlog.Debug().Msgf("failed to read sample rate: device=%s error=%v", d.Name, err)
			} else {
				d.SampleRate = rate
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// sendEvent sends an event without blocking the watcher.
func (m *Manager) sendEvent(e Event) {
	select {
	case m.eventCh <- e:
		// Successfully sent
	case <-m.ctx.Done():
		// Manager stopped, don't send
	default:
		// Channel full, drop event (shouldn't happen with buffered channel)
	}
}

// sleep waits for the given duration unless the manager stops first.
func (m *Manager) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-m.ctx.Done():
	case <-time.After(d):
	}
}

// diffDevices reports devices removed from and added to the snapshot.
func diffDevices(prev, next []Device) (removed, added []Device) {
	prevIDs := make(map[string]bool, len(prev))
	for _, d := range prev {
		prevIDs[d.ID] = true
	}
	nextIDs := make(map[string]bool, len(next))
	for _, d := range next {
		nextIDs[d.ID] = true
	}

	for _, d := range prev {
		if !nextIDs[d.ID] {
			removed = append(removed, d)
		}
	}
	for _, d := range next {
		if !prevIDs[d.ID] {
			added = append(added, d)
		}
	}
	return removed, added
}

// findDevice returns the device with the given id from the list.
func findDevice(devices []Device, id string) (Device, bool) {
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}
