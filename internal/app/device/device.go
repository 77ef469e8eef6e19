// Package device manages the output device lifecycle: enumeration,
// exclusive access, sample rate matching and hot-plug recovery.
package device

// Device is an enumerated snapshot of an output device. Snapshots go stale
// on every hot-plug event; holders must re-validate against a fresh
// enumeration before any operation that touches hardware.
type Device struct {
	ID         string  // Opaque platform id (empty means invalid)
	Name       string  // Human-readable device name
	UID        string  // Persistent identifier, stable across restarts
	SampleRate float64 // Nominal sample rate in Hz (0 if unknown)
	Channels   int     // Output channel count
}

// Valid reports whether the snapshot refers to a real device.
func (d Device) Valid() bool {
	return d.ID != ""
}

// Host is the platform audio subsystem the manager drives. All calls are
// advisory for playback: implementations fail fast and the manager degrades
// to sensible defaults instead of aborting.
type Host interface {
	// Enumerate returns the output-capable devices currently present.
	Enumerate() ([]Device, error)

	// DefaultDevice returns the host's default output device.
	DefaultDevice() (Device, error)

	// Activate routes playback to the device. Hosts whose engine opens
	// devices by id on load treat this as a no-op.
	Activate(id string) error

	// SampleRate returns the device's current nominal sample rate.
	SampleRate(id string) (float64, error)

	// SetSampleRate changes the device's nominal sample rate.
	SetSampleRate(id string, rate float64) error

	// AcquireExclusive requests exclusive (hog) access to the device.
	AcquireExclusive(id string) error

	// ReleaseExclusive gives up exclusive access to the device.
	ReleaseExclusive(id string) error

	// SupportsMigration reports whether active streams survive an output
	// device switch without a reload.
	SupportsMigration() bool

	// Changes delivers a signal whenever the host device list changes.
	Changes() <-chan struct{}
}
