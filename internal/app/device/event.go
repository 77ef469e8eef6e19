package device

// EventType represents a device lifecycle event type.
type EventType int

const (
	EventDevicesUpdated EventType = iota // Device list changed, current device unaffected
	EventDeviceRemoved                   // Current device disappeared
	EventDeviceChanged                   // Current device switched
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventDevicesUpdated:
		return "devices_updated"
	case EventDeviceRemoved:
		return "device_removed"
	case EventDeviceChanged:
		return "device_changed"
	default:
		return "unknown"
	}
}

// Event represents a device lifecycle event.
type Event struct {
	Type           EventType
	Device         Device   // New current device (EventDeviceChanged) or the lost one (EventDeviceRemoved)
	Removed        []Device // Devices gone since the previous snapshot
	Added          []Device // Devices new since the previous snapshot
	ReloadRequired bool     // Active stream must be reloaded on the new device
}
