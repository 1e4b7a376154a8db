package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tinytelemetry/dirigera-exporter/internal/mapping"
	"github.com/tinytelemetry/dirigera-exporter/internal/model"
	"github.com/tinytelemetry/dirigera-exporter/internal/registry"
	"github.com/tinytelemetry/dirigera-exporter/internal/telemetry"
	"k8s.io/klog/v2"
)

// ignoredSource reports sources that emit notifications about hub
// configuration (location, rules, rooms, tags) rather than about devices.
func ignoredSource(src string) bool {
	switch src {
	case "urn:com:ikea:homesmart:iotc:timeservice",
		"urn:com:ikea:homesmart:iotc:rulesengine",
		"urn:com:ikea:homesmart:iotc:tagmanager",
		"hub":
		return true
	}
	return false
}

// Label keys shared by every device sample.
const (
	LabelID   = "id"
	LabelName = "name"
	LabelRoom = "room"
	LabelType = "type"
)

// Translator turns hub devices and events into registry updates. It keeps
// the last known state of every device so partial change notifications can
// be labelled.
type Translator struct {
	reg     *registry.Registry
	table   *mapping.Table
	metrics *telemetry.Metrics
	now     func() time.Time

	mu      sync.Mutex
	devices map[string]*model.Device
}

// NewTranslator creates a translator writing to reg. metrics may be nil.
func NewTranslator(reg *registry.Registry, table *mapping.Table, metrics *telemetry.Metrics) *Translator {
	return &Translator{
		reg:     reg,
		table:   table,
		metrics: metrics,
		now:     time.Now,
		devices: make(map[string]*model.Device),
	}
}

// Seed replaces the device cache with a full listing and writes every
// device's samples. Devices that disappeared since the last listing have
// their samples removed.
func (t *Translator) Seed(devices []model.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{}, len(devices))
	for i := range devices {
		seen[devices[i].ID] = struct{}{}
	}
	for id := range t.devices {
		if _, ok := seen[id]; !ok {
			t.reg.RemoveMatching(LabelID, id)
			delete(t.devices, id)
		}
	}
	for i := range devices {
		d := devices[i].Clone()
		if d.ID == "" {
			klog.Warning("ingest: device without id in listing, skipping")
			continue
		}
		if prev, ok := t.devices[d.ID]; ok && identityChanged(prev, &d) {
			t.reg.RemoveMatching(LabelID, d.ID)
		}
		t.devices[d.ID] = &d
		t.emitAll(&d)
	}
	t.metrics.SetDevices(len(t.devices))
	klog.V(1).Infof("ingest: seeded %d devices", len(t.devices))
}

// Apply translates one event. It returns an error wrapping
// model.ErrMalformedEvent when the payload cannot be decoded; every other
// kind of unusable event is dropped and counted without an error.
func (t *Translator) Apply(ev model.DeviceEvent) error {
	if ignoredSource(ev.Source) {
		klog.V(3).Infof("ingest: ignoring %s event from %s", ev.Type, ev.Source)
		t.metrics.Dropped(telemetry.ReasonIgnoredSource)
		return nil
	}
	switch ev.Type {
	case model.EventDeviceAdded, model.EventDeviceRemoved,
		model.EventDeviceStateChanged, model.EventDeviceConfigurationChanged:
	default:
		klog.V(3).Infof("ingest: ignoring event type %q", ev.Type)
		t.metrics.Dropped(telemetry.ReasonUnknownType)
		return nil
	}

	var delta model.Device
	if err := json.Unmarshal(ev.Data, &delta); err != nil {
		t.metrics.Dropped(telemetry.ReasonMalformed)
		return fmt.Errorf("%w: %s %s: %v", model.ErrMalformedEvent, ev.Type, ev.ID, err)
	}
	if delta.ID == "" {
		t.metrics.Dropped(telemetry.ReasonMalformed)
		return fmt.Errorf("%w: %s %s: missing device id", model.ErrMalformedEvent, ev.Type, ev.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case model.EventDeviceAdded:
		t.added(&delta)
	case model.EventDeviceRemoved:
		t.removed(delta.ID)
		return nil
	case model.EventDeviceStateChanged, model.EventDeviceConfigurationChanged:
		if !t.changed(&delta) {
			return nil
		}
	}

	d := t.devices[delta.ID]
	labels := deviceLabels(d)
	when := ev.Time
	if when.IsZero() {
		when = t.now()
	}
	t.reg.Update(registry.WithLabels(t.name("events_total"), labels),
		registry.Counter(1).WithHelp("Hub events received for the device."))
	t.reg.Update(registry.WithLabels(t.name("last_event_timestamp_seconds"), labels),
		registry.Timestamp(when).WithHelp("Time of the last hub event for the device."))
	return nil
}

func (t *Translator) added(d *model.Device) {
	if prev, ok := t.devices[d.ID]; ok && identityChanged(prev, d) {
		t.reg.RemoveMatching(LabelID, d.ID)
	}
	c := d.Clone()
	t.devices[d.ID] = &c
	t.emitAll(&c)
	t.metrics.SetDevices(len(t.devices))
	klog.V(1).Infof("ingest: device %s (%s) added", c.ID, c.Name())
}

func (t *Translator) removed(id string) {
	n := t.reg.RemoveMatching(LabelID, id)
	delete(t.devices, id)
	t.metrics.SetDevices(len(t.devices))
	klog.V(1).Infof("ingest: device %s removed, %d samples dropped", id, n)
}

// changed merges a partial payload and reports whether the device is known.
func (t *Translator) changed(delta *model.Device) bool {
	d, ok := t.devices[delta.ID]
	if !ok {
		klog.Warningf("ingest: event for unknown device %s, waiting for next resync", delta.ID)
		t.metrics.Dropped(telemetry.ReasonUnknownDevice)
		return false
	}

	before := d.Clone()
	attrs := d.Merge(*delta)
	if identityChanged(&before, d) {
		t.reg.RemoveMatching(LabelID, d.ID)
		t.emitAll(d)
		return true
	}

	labels := deviceLabels(d)
	sort.Strings(attrs)
	for _, attr := range attrs {
		t.emitAttribute(labels, attr, d.Attributes[attr])
	}
	if delta.IsReachable != nil || delta.IsHidden != nil || delta.Room != nil || delta.Type != "" || delta.DeviceType != "" || infoTouched(attrs) {
		t.emitInfo(labels, d)
	}
	t.emitPresence(labels, d)
	return true
}

// emitAll writes the full sample set of d.
func (t *Translator) emitAll(d *model.Device) {
	labels := deviceLabels(d)
	t.emitInfo(labels, d)
	t.emitPresence(labels, d)

	attrs := make([]string, 0, len(d.Attributes))
	for k := range d.Attributes {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)
	for _, attr := range attrs {
		t.emitAttribute(labels, attr, d.Attributes[attr])
	}
}

func (t *Translator) emitInfo(labels []registry.Label, d *model.Device) {
	t.reg.Update(registry.WithLabels(t.name("info"), labels), registry.Info(
		"device_type", d.DeviceType,
		"model", d.StringAttr("model"),
		"manufacturer", d.StringAttr("manufacturer"),
		"firmware_version", d.StringAttr("firmwareVersion"),
		"hardware_version", d.StringAttr("hardwareVersion"),
		"serial_number", d.StringAttr("serialNumber"),
		"product_code", d.StringAttr("productCode"),
	).WithHelp("Descriptive information about the device."))
}

func (t *Translator) emitPresence(labels []registry.Label, d *model.Device) {
	t.reg.Update(registry.WithLabels(t.name("reachable"), labels),
		registry.Bool(d.Reachable()).WithHelp("Whether the hub can reach the device."))
	if d.LastSeen != nil {
		t.reg.Update(registry.WithLabels(t.name("last_seen_timestamp_seconds"), labels),
			registry.Timestamp(*d.LastSeen).WithHelp("Time the hub last heard from the device."))
	}
}

func (t *Translator) emitAttribute(labels []registry.Label, attr string, v any) {
	m, err := t.table.Resolve(attr, v)
	switch {
	case err == nil:
		t.reg.Update(registry.WithLabels(m.Metric, labels), m.Value)
	case errors.Is(err, mapping.ErrIgnored):
	case errors.Is(err, mapping.ErrUnmapped):
		klog.V(3).Infof("ingest: no mapping for attribute %s", attr)
		t.metrics.Dropped(telemetry.ReasonUnmapped)
	default:
		klog.V(2).Infof("ingest: dropping attribute: %v", err)
		t.metrics.Dropped(telemetry.ReasonUnsupported)
	}
}

func (t *Translator) name(suffix string) string {
	return t.table.Prefix() + suffix
}

// Devices returns a copy of every known device, sorted by id.
func (t *Translator) Devices() []model.Device {
	t.mu.Lock()
	out := make([]model.Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d.Clone())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of known devices.
func (t *Translator) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.devices)
}

func deviceLabels(d *model.Device) []registry.Label {
	typ := d.DeviceType
	if typ == "" {
		typ = d.Type
	}
	return []registry.Label{
		{Key: LabelID, Value: d.ID},
		{Key: LabelName, Value: d.Name()},
		{Key: LabelRoom, Value: d.RoomName()},
		{Key: LabelType, Value: typ},
	}
}

// identityChanged reports whether a label that is part of every sample
// identity differs between a and b.
func identityChanged(a, b *model.Device) bool {
	return a.Name() != b.Name() || a.RoomName() != b.RoomName() ||
		a.DeviceType != b.DeviceType || a.Type != b.Type
}

func infoTouched(attrs []string) bool {
	for _, a := range attrs {
		switch a {
		case "model", "manufacturer", "firmwareVersion", "hardwareVersion", "serialNumber", "productCode":
			return true
		}
	}
	return false
}
