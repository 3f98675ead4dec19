// Package sensor manages the body-sensor inventory. The manager is the one
// authoritative owner of per-device lifecycle state: discovered metadata,
// desired and active signal-kind sets, and the per-stream session guards.
// Devices are created on discovery and destroyed on disconnect.
package sensor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/biosignal-telemetry/btr/internal/capability"
)

// ErrNotFound reports an operation against an unknown device.
var ErrNotFound = errors.New("device not found")

// Device is the discovered identity and metadata of one sensor.
type Device struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	RSSI     int       `json:"rssi"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// DeviceList is the response shape for device listings.
type DeviceList struct {
	Items []DeviceStatus `json:"items"`
}

// DeviceStatus is a device plus its current selection state.
type DeviceStatus struct {
	Device
	Desired []capability.SignalKind `json:"desired"`
	Active  []capability.SignalKind `json:"active"`
}

type deviceState struct {
	info    Device
	desired capability.KindSet
	active  capability.KindSet

	// alignerReset marks event streams whose aligner has been reset this
	// session, so the reset happens exactly once per (re)connect.
	alignerReset map[capability.SignalKind]bool
}

// Manager owns the device inventory and selection state.
type Manager struct {
	mu      sync.RWMutex
	devices map[string]*deviceState
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{devices: make(map[string]*deviceState)}
}

// Add registers a discovered device, replacing any stale entry for the same
// id with a fresh state arena.
func (m *Manager) Add(info Device) {
	if info.Status == "" {
		info.Status = "connected"
	}
	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[info.ID] = &deviceState{
		info:         info,
		desired:      make(capability.KindSet),
		active:       make(capability.KindSet),
		alignerReset: make(map[capability.SignalKind]bool),
	}
}

// Remove destroys a device's state on disconnect.
func (m *Manager) Remove(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[deviceID]; !exists {
		return fmt.Errorf("remove %s: %w", deviceID, ErrNotFound)
	}
	delete(m.devices, deviceID)
	return nil
}

// Get returns a device's discovered metadata.
func (m *Manager) Get(deviceID string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.devices[deviceID]
	if !exists {
		return Device{}, fmt.Errorf("get %s: %w", deviceID, ErrNotFound)
	}
	return state.info, nil
}

// List returns all devices with their selection state, sorted by id.
func (m *Manager) List() DeviceList {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]DeviceStatus, 0, len(m.devices))
	for _, state := range m.devices {
		items = append(items, DeviceStatus{
			Device:  state.info,
			Desired: state.desired.Sorted(),
			Active:  state.active.Sorted(),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return DeviceList{Items: items}
}

// HasDevices reports whether any device exists to operate on at all.
func (m *Manager) HasDevices() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices) > 0
}

// SetDesired replaces a device's desired kind set and returns the previous
// active set for diffing.
func (m *Manager) SetDesired(deviceID string, kinds []capability.SignalKind) (desired, active capability.KindSet, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.devices[deviceID]
	if !exists {
		return nil, nil, fmt.Errorf("set desired for %s: %w", deviceID, ErrNotFound)
	}

	state.desired = capability.NewKindSet(kinds...)

	// Copies, so callers can diff without holding the lock.
	return copySet(state.desired), copySet(state.active), nil
}

// Desired returns a copy of the device's desired set.
func (m *Manager) Desired(deviceID string) capability.KindSet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.devices[deviceID]
	if !exists {
		return capability.KindSet{}
	}
	return copySet(state.desired)
}

// Active returns a copy of the device's active set.
func (m *Manager) Active(deviceID string) capability.KindSet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.devices[deviceID]
	if !exists {
		return capability.KindSet{}
	}
	return copySet(state.active)
}

// MarkActive records a successfully started stream.
func (m *Manager) MarkActive(deviceID string, kind capability.SignalKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, exists := m.devices[deviceID]; exists {
		state.active[kind] = struct{}{}
		state.info.LastSeen = time.Now()
	}
}

// MarkInactive records a stopped stream.
func (m *Manager) MarkInactive(deviceID string, kind capability.SignalKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, exists := m.devices[deviceID]; exists {
		delete(state.active, kind)
	}
}

// NeedAlignerReset reports whether the event stream (device, kind) still
// needs its once-per-session aligner reset, and marks it done. The guard
// clears when the device disconnects (Remove) or the stream stops.
func (m *Manager) NeedAlignerReset(deviceID string, kind capability.SignalKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.devices[deviceID]
	if !exists {
		return false
	}
	if state.alignerReset[kind] {
		return false
	}
	state.alignerReset[kind] = true
	return true
}

// ClearAlignerReset re-arms the reset guard for (device, kind) so the next
// session resets the aligner again.
func (m *Manager) ClearAlignerReset(deviceID string, kind capability.SignalKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, exists := m.devices[deviceID]; exists {
		delete(state.alignerReset, kind)
	}
}

// UpdateStatus updates a device's reported status.
func (m *Manager) UpdateStatus(deviceID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.devices[deviceID]
	if !exists {
		return fmt.Errorf("update status for %s: %w", deviceID, ErrNotFound)
	}
	state.info.Status = status
	state.info.LastSeen = time.Now()
	return nil
}

func copySet(s capability.KindSet) capability.KindSet {
	out := make(capability.KindSet, len(s))
	for kind := range s {
		out[kind] = struct{}{}
	}
	return out
}
