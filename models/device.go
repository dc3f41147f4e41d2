package models

import "time"

// Liveness describes how recently a discovered device was heard from.
type Liveness string

const (
	LivenessOnline  Liveness = "online"
	LivenessStale   Liveness = "stale"
	LivenessOffline Liveness = "offline"
)

// DeviceInfo is the identity a device announces on the network.
type DeviceInfo struct {
	DeviceID        string `json:"device_id" validate:"required"`
	DeviceName      string `json:"device_name" validate:"required"`
	DisplayName     string `json:"display_name"`
	ProtocolVersion int    `json:"protocol_version"`
	Port            int    `json:"port"`
	Platform        string `json:"platform"`
	Fingerprint     string `json:"fingerprint,omitempty"`
}

// Label returns the best human-readable name for the device.
func (d DeviceInfo) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	if d.DeviceName != "" {
		return d.DeviceName
	}
	return d.DeviceID
}

// DiscoveredDevice is a registry entry for a peer seen on the LAN.
type DiscoveredDevice struct {
	DeviceInfo

	Instance  string
	Host      string
	Addresses []string
	LastSeen  time.Time
	Liveness  Liveness
}

// Online reports whether the device address may be used for new connections.
func (d DiscoveredDevice) Online() bool {
	return d.Liveness == LivenessOnline && d.Host != "" && d.Port > 0
}
