package model

import (
	"encoding/json"
	"time"
)

// Room is the hub room a device is assigned to.
type Room struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
	Icon  string `json:"icon,omitempty"`
}

// Capabilities lists the attribute names a device can send and receive.
type Capabilities struct {
	CanSend    []string `json:"canSend"`
	CanReceive []string `json:"canReceive"`
}

// Device represents one hub accessory.
// It is used both for the full device listing and for the partial payloads
// carried by change notifications, so optional fields are pointers.
type Device struct {
	ID           string         `json:"id"`
	Type         string         `json:"type,omitempty"`
	DeviceType   string         `json:"deviceType,omitempty"`
	IsReachable  *bool          `json:"isReachable,omitempty"`
	IsHidden     *bool          `json:"isHidden,omitempty"`
	LastSeen     *time.Time     `json:"lastSeen,omitempty"`
	Room         *Room          `json:"room,omitempty"`
	RemoteLinks  []string       `json:"remoteLinks,omitempty"`
	Capabilities *Capabilities  `json:"capabilities,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Name returns the user-assigned name of the device, falling back to its id.
func (d *Device) Name() string {
	if name, ok := d.Attributes["customName"].(string); ok && name != "" {
		return name
	}
	return d.ID
}

// RoomName returns the room name, or "" when unassigned.
func (d *Device) RoomName() string {
	if d.Room == nil {
		return ""
	}
	return d.Room.Name
}

// Reachable reports the last known reachability. Unknown counts as reachable.
func (d *Device) Reachable() bool {
	return d.IsReachable == nil || *d.IsReachable
}

// StringAttr returns a string attribute or "".
func (d *Device) StringAttr(key string) string {
	s, _ := d.Attributes[key].(string)
	return s
}

// Merge applies a partial device payload on top of d and returns the names of
// the attributes whose value changed.
func (d *Device) Merge(delta Device) []string {
	if delta.Type != "" {
		d.Type = delta.Type
	}
	if delta.DeviceType != "" {
		d.DeviceType = delta.DeviceType
	}
	if delta.IsReachable != nil {
		d.IsReachable = delta.IsReachable
	}
	if delta.IsHidden != nil {
		d.IsHidden = delta.IsHidden
	}
	if delta.LastSeen != nil {
		d.LastSeen = delta.LastSeen
	}
	if delta.Room != nil {
		d.Room = delta.Room
	}
	if delta.RemoteLinks != nil {
		d.RemoteLinks = delta.RemoteLinks
	}
	if delta.Capabilities != nil {
		d.Capabilities = delta.Capabilities
	}
	if len(delta.Attributes) == 0 {
		return nil
	}
	if d.Attributes == nil {
		d.Attributes = make(map[string]any, len(delta.Attributes))
	}
	changed := make([]string, 0, len(delta.Attributes))
	for k, v := range delta.Attributes {
		d.Attributes[k] = v
		changed = append(changed, k)
	}
	return changed
}

// Clone returns a deep enough copy of d for read-only use by other goroutines.
func (d *Device) Clone() Device {
	c := *d
	if d.Attributes != nil {
		c.Attributes = make(map[string]any, len(d.Attributes))
		for k, v := range d.Attributes {
			c.Attributes[k] = v
		}
	}
	if d.Room != nil {
		room := *d.Room
		c.Room = &room
	}
	c.RemoteLinks = append([]string(nil), d.RemoteLinks...)
	return c
}

// EventType is the hub notification type.
type EventType string

const (
	EventDeviceAdded                EventType = "deviceAdded"
	EventDeviceRemoved              EventType = "deviceRemoved"
	EventDeviceStateChanged         EventType = "deviceStateChanged"
	EventDeviceConfigurationChanged EventType = "deviceConfigurationChanged"
)

// DeviceEvent is one decoded notification from the hub event stream.
// Data is left raw: its shape depends on Source and Type.
type DeviceEvent struct {
	ID     string          `json:"id"`
	Time   time.Time       `json:"time"`
	Source string          `json:"source"`
	Type   EventType       `json:"type"`
	Data   json.RawMessage `json:"data"`
}
