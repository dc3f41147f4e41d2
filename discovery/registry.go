package discovery

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"lanshare/eventbus"
	"lanshare/models"
)

const (
	// EventDeviceFound is emitted when a device is seen for the first time.
	EventDeviceFound EventType = "device_found"
	// EventDeviceUpdated is emitted when metadata, address or liveness changes.
	EventDeviceUpdated EventType = "device_updated"
	// EventDeviceLost is emitted when a device leaves the registry.
	EventDeviceLost EventType = "device_lost"
)

// EventType identifies device discovery updates.
type EventType string

// Event carries discovery updates for host and network consumers.
type Event struct {
	Type   EventType
	Device models.DiscoveredDevice
}

// Registry holds every device seen on the LAN and tracks its liveness.
type Registry struct {
	staleAfter   time.Duration
	offlineAfter time.Duration
	now          func() time.Time

	mu      sync.RWMutex
	devices map[string]models.DiscoveredDevice

	bus *eventbus.Bus[Event]
}

// NewRegistry creates an empty registry.
func NewRegistry(staleAfter, offlineAfter time.Duration) *Registry {
	if offlineAfter < staleAfter {
		offlineAfter = staleAfter
	}
	return &Registry{
		staleAfter:   staleAfter,
		offlineAfter: offlineAfter,
		now:          time.Now,
		devices:      make(map[string]models.DiscoveredDevice),
		bus:          eventbus.New[Event](eventbus.DefaultBuffer),
	}
}

// Subscribe returns a channel of registry events and its cancel func.
// Events may be dropped for slow subscribers; ListDevices is authoritative.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	return r.bus.Subscribe()
}

// Close closes every subscriber channel.
func (r *Registry) Close() {
	r.bus.Close()
}

// Observe records a sighting of a device and marks it online.
func (r *Registry) Observe(device models.DiscoveredDevice) {
	if device.DeviceID == "" {
		return
	}
	if device.LastSeen.IsZero() {
		device.LastSeen = r.now()
	}
	device.Liveness = models.LivenessOnline
	device.Addresses = append([]string(nil), device.Addresses...)

	r.mu.Lock()
	previous, exists := r.devices[device.DeviceID]
	r.devices[device.DeviceID] = device
	r.mu.Unlock()

	switch {
	case !exists:
		r.publish(EventDeviceFound, device)
	case previous.Liveness != models.LivenessOnline || !sameAnnouncement(previous, device):
		r.publish(EventDeviceUpdated, device)
	}
}

// Remove drops a device immediately, as on an mDNS goodbye.
func (r *Registry) Remove(deviceID string) bool {
	r.mu.Lock()
	device, exists := r.devices[deviceID]
	if exists {
		delete(r.devices, deviceID)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}
	device.Liveness = models.LivenessOffline
	r.publish(EventDeviceLost, device)
	return true
}

// Sweep ages entries: online devices unseen for staleAfter become stale and
// anything unseen for offlineAfter is removed.
func (r *Registry) Sweep(now time.Time) {
	var (
		staled []models.DiscoveredDevice
		lost   []models.DiscoveredDevice
	)

	r.mu.Lock()
	for id, device := range r.devices {
		age := now.Sub(device.LastSeen)
		switch {
		case age >= r.offlineAfter:
			delete(r.devices, id)
			device.Liveness = models.LivenessOffline
			lost = append(lost, device)
		case age >= r.staleAfter && device.Liveness == models.LivenessOnline:
			device.Liveness = models.LivenessStale
			r.devices[id] = device
			staled = append(staled, device)
		}
	}
	r.mu.Unlock()

	for _, device := range staled {
		r.publish(EventDeviceUpdated, device)
	}
	for _, device := range lost {
		r.publish(EventDeviceLost, device)
	}
}

// Lookup returns the device only when it is online and addressable.
func (r *Registry) Lookup(deviceID string) (models.DiscoveredDevice, bool) {
	device, ok := r.Get(deviceID)
	if !ok || !device.Online() {
		return models.DiscoveredDevice{}, false
	}
	return device, true
}

// Get returns the device in any liveness state.
func (r *Registry) Get(deviceID string) (models.DiscoveredDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[deviceID]
	if !ok {
		return models.DiscoveredDevice{}, false
	}
	return cloneDevice(device), true
}

// Find matches a device id first, then a device or display name.
func (r *Registry) Find(query string) (models.DiscoveredDevice, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return models.DiscoveredDevice{}, false
	}
	if device, ok := r.Get(query); ok {
		return device, true
	}
	return lo.Find(r.ListDevices(), func(device models.DiscoveredDevice) bool {
		return strings.EqualFold(device.DeviceName, query) || strings.EqualFold(device.DisplayName, query)
	})
}

// ListDevices returns a sorted snapshot of every known device.
func (r *Registry) ListDevices() []models.DiscoveredDevice {
	r.mu.RLock()
	out := make([]models.DiscoveredDevice, 0, len(r.devices))
	for _, device := range r.devices {
		out = append(out, cloneDevice(device))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (r *Registry) publish(eventType EventType, device models.DiscoveredDevice) {
	r.bus.Publish(Event{Type: eventType, Device: cloneDevice(device)})
}

func cloneDevice(device models.DiscoveredDevice) models.DiscoveredDevice {
	device.Addresses = append([]string(nil), device.Addresses...)
	return device
}

func sameAnnouncement(a, b models.DiscoveredDevice) bool {
	if a.DeviceInfo != b.DeviceInfo ||
		a.Instance != b.Instance ||
		a.Host != b.Host ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
