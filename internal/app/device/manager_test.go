package device

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-player/cadenza/internal/testutil"
)

type fakeHost struct {
	mu sync.Mutex

	devices  []Device
	def      Device
	enumErr  error
	rateErr  error
	setErr   error
	hogErr   error
	migrates bool

	activated []string
	acquired  []string
	released  []string
	setRates  map[string]float64

	changes chan struct{}
}

func newFakeHost(devices ...Device) *fakeHost {
	return &fakeHost{
		devices:  devices,
		setRates: make(map[string]float64),
		changes:  make(chan struct{}, 4),
	}
}

func (h *fakeHost) Enumerate() ([]Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.enumErr != nil {
		return nil, h.enumErr
	}
	out := make([]Device, len(h.devices))
	copy(out, h.devices)
	return out, nil
}

func (h *fakeHost) DefaultDevice() (Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.def, nil
}

func (h *fakeHost) Activate(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activated = append(h.activated, id)
	return nil
}

func (h *fakeHost) SampleRate(id string) (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rateErr != nil {
		return 0, h.rateErr
	}
	if rate, ok := h.setRates[id]; ok {
		return rate, nil
	}
	for _, d := range h.devices {
		if d.ID == id {
			return d.SampleRate, nil
		}
	}
	return 0, nil
}

func (h *fakeHost) SetSampleRate(id string, rate float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.setErr != nil {
		return h.setErr
	}
	h.setRates[id] = rate
	return nil
}

func (h *fakeHost) AcquireExclusive(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hogErr != nil {
		return h.hogErr
	}
	h.acquired = append(h.acquired, id)
	return nil
}

func (h *fakeHost) ReleaseExclusive(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, id)
	return nil
}

func (h *fakeHost) SupportsMigration() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.migrates
}

func (h *fakeHost) Changes() <-chan struct{} {
	return h.changes
}

// setDevices replaces the device list and fires a change notification.
func (h *fakeHost) setDevices(def Device, devices ...Device) {
	h.mu.Lock()
	h.devices = devices
	h.def = def
	h.mu.Unlock()
	h.changes <- struct{}{}
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case e := <-m.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for device event")
	}
	return Event{}
}

func assertNoEvent(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case e := <-m.Events():
		t.Fatalf("unexpected event: %v", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

// startManager starts a manager; callers defer m.Stop() before the leak
// check so the watcher goroutine is down when goleak runs.
func startManager(t *testing.T, host Host, opts Options) *Manager {
	t.Helper()
	m := NewManager(host, opts)
	require.NoError(t, m.Start())
	return m
}

func TestManager_Start_PicksHostDefault(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "Speakers", UID: "uid-a", SampleRate: 44100, Channels: 2}
	b := Device{ID: "b", Name: "DAC", UID: "uid-b", SampleRate: 96000, Channels: 2}
	host := newFakeHost(a, b)
	host.def = b

	m := startManager(t, host, Options{})
	defer m.Stop()
	assert.Equal(t, "b", m.Current().ID)

	host.mu.Lock()
	assert.Equal(t, []string{"b"}, host.activated)
	host.mu.Unlock()
}

func TestManager_Start_PrefersConfiguredUID(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "Speakers", UID: "uid-a", SampleRate: 44100, Channels: 2}
	b := Device{ID: "b", Name: "DAC", UID: "uid-b", SampleRate: 96000, Channels: 2}
	host := newFakeHost(a, b)
	host.def = a

	m := startManager(t, host, Options{PreferredUID: "uid-b"})
	defer m.Stop()
	assert.Equal(t, "b", m.Current().ID)
}

func TestManager_Start_FallsBackToFirstDevice(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "Speakers", UID: "uid-a", SampleRate: 44100, Channels: 2}
	host := newFakeHost(a)

	// No host default and an unknown preferred UID
	m := startManager(t, host, Options{PreferredUID: "uid-gone"})
	defer m.Stop()
	assert.Equal(t, "a", m.Current().ID)
}

func TestManager_Start_NoDevices(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	m := startManager(t, newFakeHost(), Options{})
	defer m.Stop()
	assert.False(t, m.Current().Valid())
}

func TestManager_Enumerate_DropsUnusableEntries(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	host := newFakeHost(
		Device{ID: "a", Name: "Speakers", SampleRate: 44100, Channels: 2},
		Device{ID: "b", Name: "Capture Only", SampleRate: 44100, Channels: 0},
		Device{ID: "", Name: "Phantom", SampleRate: 44100, Channels: 2},
	)

	m := startManager(t, host, Options{})
	defer m.Stop()
	devices, err := m.Enumerate()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "a", devices[0].ID)
}

func TestManager_Enumerate_FillsMissingSampleRate(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	host := newFakeHost(Device{ID: "a", Name: "Speakers", Channels: 2})
	host.setRates["a"] = 48000

	m := startManager(t, host, Options{})
	defer m.Stop()
	devices, err := m.Enumerate()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.InDelta(t, 48000, devices[0].SampleRate, rateEpsilon)
}

func TestManager_HotPlug_CurrentRemoved(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "Speakers", SampleRate: 44100, Channels: 2}
	b := Device{ID: "b", Name: "DAC", SampleRate: 96000, Channels: 2}
	host := newFakeHost(a, b)
	host.def = a

	m := startManager(t, host, Options{})
	defer m.Stop()
	require.Equal(t, "a", m.Current().ID)

	host.setDevices(b, b)

	removed := nextEvent(t, m)
	assert.Equal(t, EventDeviceRemoved, removed.Type)
	assert.Equal(t, "a", removed.Device.ID)
	require.Len(t, removed.Removed, 1)
	assert.Equal(t, "a", removed.Removed[0].ID)

	changed := nextEvent(t, m)
	assert.Equal(t, EventDeviceChanged, changed.Type)
	assert.Equal(t, "b", changed.Device.ID)
	assert.True(t, changed.ReloadRequired, "streams do not migrate on this host")
	assert.Equal(t, "b", m.Current().ID)
}

func TestManager_HotPlug_MigratingHostSkipsReload(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "Speakers", SampleRate: 44100, Channels: 2}
	b := Device{ID: "b", Name: "DAC", SampleRate: 96000, Channels: 2}
	host := newFakeHost(a, b)
	host.def = a
	host.migrates = true

	m := startManager(t, host, Options{})
	defer m.Stop()

	host.setDevices(b, b)

	require.Equal(t, EventDeviceRemoved, nextEvent(t, m).Type)
	changed := nextEvent(t, m)
	require.Equal(t, EventDeviceChanged, changed.Type)
	assert.False(t, changed.ReloadRequired)
}

func TestManager_HotPlug_UnrelatedChange(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "Speakers", SampleRate: 44100, Channels: 2}
	c := Device{ID: "c", Name: "Headphones", SampleRate: 48000, Channels: 2}
	host := newFakeHost(a)
	host.def = a

	m := startManager(t, host, Options{})
	defer m.Stop()

	host.setDevices(a, a, c)

	e := nextEvent(t, m)
	assert.Equal(t, EventDevicesUpdated, e.Type)
	require.Len(t, e.Added, 1)
	assert.Equal(t, "c", e.Added[0].ID)
	assert.Empty(t, e.Removed)
	assert.Equal(t, "a", m.Current().ID, "current device untouched")
}

func TestManager_HotPlug_AllDevicesRemoved(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "Speakers", SampleRate: 44100, Channels: 2}
	host := newFakeHost(a)
	host.def = a

	m := startManager(t, host, Options{})
	defer m.Stop()

	host.setDevices(Device{})

	e := nextEvent(t, m)
	assert.Equal(t, EventDeviceRemoved, e.Type)
	assertNoEvent(t, m)
	assert.False(t, m.Current().Valid(), "output stays unset until the user intervenes")
}

func TestManager_HotPlug_ImplicitCurrentRemoved(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "Speakers", SampleRate: 44100, Channels: 2}

	// Start with nothing; the current id is invalid from the beginning
	host := newFakeHost()
	m := startManager(t, host, Options{})
	defer m.Stop()
	require.False(t, m.Current().Valid())

	host.setDevices(Device{}, a)
	require.Equal(t, EventDevicesUpdated, nextEvent(t, m).Type)

	// A removal while the current id is already invalid counts as losing
	// the current device
	host.setDevices(Device{})
	e := nextEvent(t, m)
	assert.Equal(t, EventDeviceRemoved, e.Type)
	require.Len(t, e.Removed, 1)
	assert.Equal(t, "a", e.Removed[0].ID)
}

func TestManager_SelectDevice(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "Speakers", SampleRate: 44100, Channels: 2}
	b := Device{ID: "b", Name: "DAC", SampleRate: 96000, Channels: 2}
	host := newFakeHost(a, b)
	host.def = a

	m := startManager(t, host, Options{})
	defer m.Stop()
	require.Equal(t, "a", m.Current().ID)

	require.NoError(t, m.SelectDevice("b"))
	e := nextEvent(t, m)
	assert.Equal(t, EventDeviceChanged, e.Type)
	assert.Equal(t, "b", e.Device.ID)
	assert.Equal(t, "b", m.Current().ID)

	host.mu.Lock()
	assert.Equal(t, []string{"a", "b"}, host.activated)
	host.mu.Unlock()

	err := m.SelectDevice("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device not found")
}

func TestManager_SelectDevice_SameDeviceIsNoop(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "Speakers", SampleRate: 44100, Channels: 2}
	host := newFakeHost(a)
	host.def = a

	m := startManager(t, host, Options{})
	defer m.Stop()
	require.NoError(t, m.SelectDevice("a"))
	assertNoEvent(t, m)
}

func TestManager_Exclusive(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "DAC", SampleRate: 96000, Channels: 2}
	host := newFakeHost(a)
	host.def = a

	m := startManager(t, host, Options{Exclusive: true})
	defer m.Stop()
	assert.True(t, m.Exclusive())

	host.mu.Lock()
	acquired := append([]string(nil), host.acquired...)
	host.mu.Unlock()
	assert.Equal(t, []string{"a"}, acquired)

	m.Stop()
	assert.False(t, m.Exclusive())

	host.mu.Lock()
	released := append([]string(nil), host.released...)
	host.mu.Unlock()
	assert.Equal(t, []string{"a"}, released)
}

func TestManager_Exclusive_FailureDoesNotBlock(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "DAC", SampleRate: 96000, Channels: 2}
	host := newFakeHost(a)
	host.def = a
	host.hogErr = assert.AnError

	m := startManager(t, host, Options{Exclusive: true})
	defer m.Stop()
	assert.False(t, m.Exclusive())
	assert.Equal(t, "a", m.Current().ID, "device stays selected in shared mode")
}

func TestManager_SetSampleRate(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "DAC", SampleRate: 44100, Channels: 2}
	host := newFakeHost(a)
	host.def = a

	m := startManager(t, host, Options{})
	defer m.Stop()

	require.NoError(t, m.SetSampleRate(a, 96000))
	host.mu.Lock()
	rate := host.setRates["a"]
	host.mu.Unlock()
	assert.InDelta(t, 96000, rate, rateEpsilon)

	// Within epsilon: no hardware call
	host.mu.Lock()
	delete(host.setRates, "a")
	host.mu.Unlock()
	require.NoError(t, m.SetSampleRate(a, 44100.05))
	host.mu.Lock()
	_, called := host.setRates["a"]
	host.mu.Unlock()
	assert.False(t, called)

	// Invalid input: no-op
	require.NoError(t, m.SetSampleRate(Device{}, 48000))
	require.NoError(t, m.SetSampleRate(a, 0))
}

func TestManager_SetSampleRate_HostFailure(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "DAC", SampleRate: 44100, Channels: 2}
	host := newFakeHost(a)
	host.def = a
	host.setErr = assert.AnError

	m := startManager(t, host, Options{})
	defer m.Stop()
	assert.Error(t, m.SetSampleRate(a, 96000))
}

func TestManager_MatchSampleRate(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "DAC", SampleRate: 44100, Channels: 2}
	host := newFakeHost(a)
	host.def = a

	m := startManager(t, host, Options{MatchSampleRate: true})
	defer m.Stop()

	m.MatchSampleRate(96000)
	host.mu.Lock()
	rate, called := host.setRates["a"]
	host.mu.Unlock()
	require.True(t, called)
	assert.InDelta(t, 96000, rate, rateEpsilon)
}

func TestManager_MatchSampleRate_Disabled(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	a := Device{ID: "a", Name: "DAC", SampleRate: 44100, Channels: 2}
	host := newFakeHost(a)
	host.def = a

	m := startManager(t, host, Options{})
	defer m.Stop()

	m.MatchSampleRate(96000)
	host.mu.Lock()
	_, called := host.setRates["a"]
	host.mu.Unlock()
	assert.False(t, called, "matching is opt-in")
}

func TestDiffDevices(t *testing.T) {
	a := Device{ID: "a"}
	b := Device{ID: "b"}
	c := Device{ID: "c"}

	tests := []struct {
		name        string
		prev        []Device
		next        []Device
		wantRemoved []string
		wantAdded   []string
	}{
		{name: "no change", prev: []Device{a, b}, next: []Device{a, b}},
		{name: "removal", prev: []Device{a, b}, next: []Device{b}, wantRemoved: []string{"a"}},
		{name: "addition", prev: []Device{a}, next: []Device{a, c}, wantAdded: []string{"c"}},
		{name: "swap", prev: []Device{a}, next: []Device{c}, wantRemoved: []string{"a"}, wantAdded: []string{"c"}},
		{name: "from empty", prev: nil, next: []Device{a}, wantAdded: []string{"a"}},
		{name: "to empty", prev: []Device{a}, next: nil, wantRemoved: []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			removed, added := diffDevices(tt.prev, tt.next)

			var removedIDs, addedIDs []string
			for _, d := range removed {
				removedIDs = append(removedIDs, d.ID)
			}
			for _, d := range added {
				addedIDs = append(addedIDs, d.ID)
			}
			assert.Equal(t, tt.wantRemoved, removedIDs)
			assert.Equal(t, tt.wantAdded, addedIDs)
		})
	}
}
