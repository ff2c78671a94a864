package model

import "sync"

// Device identifies one physical device under test. The catalog fields are
// set by the caller; Hostname and SerialNumber are discovered by steps while
// a session runs and may be read concurrently by the control surface.
type Device struct {
	UID        string `json:"uid" yaml:"uid"`
	Slot       int    `json:"slot" yaml:"slot"`
	SerialPath string `json:"serial,omitempty" yaml:"serial"`
	FELPath    string `json:"fel,omitempty" yaml:"fel"`

	mu           sync.RWMutex
	hostname     string
	serialNumber string
}

// DeviceInfo is a point-in-time copy of a device, safe to serialize.
type DeviceInfo struct {
	UID          string `json:"uid"`
	Slot         int    `json:"slot"`
	SerialPath   string `json:"serial,omitempty"`
	FELPath      string `json:"fel,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// SetHostname records the hostname assigned to the device.
func (d *Device) SetHostname(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hostname = name
}

// Hostname returns the last hostname recorded for the device.
func (d *Device) Hostname() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hostname
}

// SetSerialNumber records the hardware serial number read from the device.
func (d *Device) SetSerialNumber(sn string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serialNumber = sn
}

// SerialNumber returns the last serial number recorded for the device.
func (d *Device) SerialNumber() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.serialNumber
}

// Info returns a snapshot of the device.
func (d *Device) Info() DeviceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DeviceInfo{
		UID:          d.UID,
		Slot:         d.Slot,
		SerialPath:   d.SerialPath,
		FELPath:      d.FELPath,
		Hostname:     d.hostname,
		SerialNumber: d.serialNumber,
	}
}
