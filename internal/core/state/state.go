// Package state holds the shared device registry and the event bus that
// fans device/stream events out to the MQTT bridge and HTTP API.
package state

import (
	"log/slog"
	"sync"
	"time"
)

// DeviceType identifies a device kind.
type DeviceType string

const (
	DeviceBasestation DeviceType = "basestation"
	DeviceCamera      DeviceType = "camera"
	DeviceDoorbell    DeviceType = "doorbell"
)

// Device is an immutable snapshot of a device record from the listing
// endpoint. The registry replaces whole values; only a rename acknowledgement
// updates DeviceName.
type Device struct {
	UserID     string     `json:"userId"`
	DeviceID   string     `json:"deviceId"`
	ParentID   string     `json:"parentId"`
	UniqueID   string     `json:"uniqueId"`
	DeviceType DeviceType `json:"deviceType"`
	DeviceName string     `json:"deviceName"`
	XCloudID   string     `json:"xCloudId"`
	State      string     `json:"state"`
	Properties struct {
		ModelID   string `json:"modelId"`
		HWVersion string `json:"hwVersion"`
	} `json:"properties"`
}

// Provisioned reports whether the device is provisioned and usable.
func (d Device) Provisioned() bool {
	return d.State == "provisioned"
}

// EventType identifies event categories.
type EventType string

const (
	EventDeviceUpdate   EventType = "device_update"
	EventDeviceRenamed  EventType = "device_renamed"
	EventPropertyUpdate EventType = "property_update"
	EventStreamOpened   EventType = "stream_opened"
	EventStreamClosed   EventType = "stream_closed"
	EventStreamError    EventType = "stream_error"
)

// Event represents a device or stream state change.
type Event struct {
	Type      EventType   `json:"type"`
	DeviceID  string      `json:"device_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// DeviceReader provides read-only access to the registry.
type DeviceReader interface {
	Devices() []Device
	Device(deviceID string) (Device, bool)
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		// drain anything still buffered
		for {
			select {
			case <-ch:
			default:
				return
			}
		}
	}
	return ch, unsub
}

// --- DeviceRegistry ---

// DeviceRegistry holds the known devices with thread-safe access.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]Device
	bus     *EventBus
	log     *slog.Logger
}

// NewDeviceRegistry creates a registry wired to the event bus.
func NewDeviceRegistry(bus *EventBus, log *slog.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]Device),
		bus:     bus,
		log:     log,
	}
}

// SetAll replaces the registry contents with a fresh listing snapshot.
func (r *DeviceRegistry) SetAll(devices []Device) {
	r.mu.Lock()
	r.devices = make(map[string]Device, len(devices))
	for _, d := range devices {
		r.devices[d.DeviceID] = d
	}
	r.mu.Unlock()

	r.bus.Publish(Event{Type: EventDeviceUpdate, Data: devices})
}

// Devices returns a snapshot of all known devices.
func (r *DeviceRegistry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// Device returns a specific device by id.
func (r *DeviceRegistry) Device(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	return d, ok
}

// ByType returns devices of the given type.
func (r *DeviceRegistry) ByType(dt DeviceType) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Device
	for _, d := range r.devices {
		if d.DeviceType == dt {
			out = append(out, d)
		}
	}
	return out
}

// Basestation resolves the basestation that routes commands for the given
// device: the device itself when it is a basestation, otherwise its parent.
func (r *DeviceRegistry) Basestation(d Device) (Device, bool) {
	if d.DeviceType == DeviceBasestation {
		return d, true
	}
	return r.Device(d.ParentID)
}

// Rename updates the cached device name after a successful rename call.
func (r *DeviceRegistry) Rename(deviceID, name string) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if ok {
		d.DeviceName = name
		r.devices[deviceID] = d
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("rename for unknown device", "device_id", deviceID)
		return
	}
	r.bus.Publish(Event{Type: EventDeviceRenamed, DeviceID: deviceID, Data: name})
}
