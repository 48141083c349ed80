// Package registry holds the authoritative in-memory map of connected
// devices (SPEC_FULL.md §5.C), write-through mirrored to the durable
// store for crash recovery.
package registry

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

// Store is the durable mirror the registry writes through to.
type Store interface {
	UpsertDevice(d domain.Device) error
	GetDevice(deviceID string) (*domain.Device, error)
	ListDevices() ([]domain.Device, error)
}

// Registry is the authoritative device map. All mutators take the
// single mutex, which serializes writes per device as a subset of
// serializing writes globally — simpler than a per-device lock table
// and sufficient at scale-fleet sizes (tens to low hundreds of
// devices), matching the teacher's engine.Pool: one mutex guarding one
// map, no per-key sharding.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*domain.Device
	store   Store
}

// New creates an empty registry backed by store. Call Load to
// rehydrate from durable state at startup.
func New(store Store) *Registry {
	return &Registry{
		devices: make(map[string]*domain.Device),
		store:   store,
	}
}

// Load rehydrates the in-memory map from the durable store. Devices
// loaded this way start TCPConnected=false — reconnection happens
// through normal Register calls.
func (r *Registry) Load() error {
	devices, err := r.store.ListDevices()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range devices {
		d := devices[i]
		d.TCPConnected = false
		d.Socket = nil
		r.devices[d.DeviceID] = &d
	}
	return nil
}

// Register admits a device on its first successful registration frame
// or re-associates its socket on reconnect. Returns the resulting
// device snapshot.
func (r *Registry) Register(deviceID, sourceIP string, socket net.Conn) (domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	d, ok := r.devices[deviceID]
	if !ok {
		d = &domain.Device{
			DeviceID:   deviceID,
			DeviceType: domain.DeviceRetail,
			Status:     domain.StatusUnknown,
		}
		r.devices[deviceID] = d
	}

	d.TCPConnected = true
	d.SourceIP = sourceIP
	d.ConnectedAt = now
	d.Socket = socket

	if err := r.store.UpsertDevice(d.Clone()); err != nil {
		return domain.Device{}, err
	}
	return d.Clone(), nil
}

// Get returns a read-only snapshot of a device, or (false) if unknown.
func (r *Registry) Get(deviceID string) (domain.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return domain.Device{}, false
	}
	return d.Clone(), true
}

// List returns snapshots of every known device.
func (r *Registry) List() []domain.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	return out
}

// Socket returns the live connection handle for a device, if any. Used
// by the TCP supervisor to decide whether a newer connection should
// replace — and close — an older one (at most one live socket per
// device).
func (r *Registry) Socket(deviceID string) (net.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok || d.Socket == nil {
		return nil, false
	}
	return d.Socket, true
}

// AttachSocket replaces a device's live socket handle, returning the
// previous one (nil if none) so the caller can close it.
func (r *Registry) AttachSocket(deviceID string, socket net.Conn) net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return nil
	}
	prev := d.Socket
	d.Socket = socket
	d.TCPConnected = true
	return prev
}

// DetachSocket clears a device's socket handle if it still matches
// the caller's handle (guards against a stale connection clearing a
// newer one's state after replacement).
func (r *Registry) DetachSocket(deviceID string, socket net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok || d.Socket != socket {
		return
	}
	d.Socket = nil
	d.TCPConnected = false
	if err := r.store.UpsertDevice(d.Clone()); err != nil {
		log.Printf("[registry] persist detach for %s: %v", deviceID, err)
	}
}

// RecordHeartbeat bumps heartbeat bookkeeping for a device.
func (r *Registry) RecordHeartbeat(deviceID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.LastHeartbeatAt = at
	d.HeartbeatCount++
	if err := r.store.UpsertDevice(d.Clone()); err != nil {
		log.Printf("[registry] persist heartbeat for %s: %v", deviceID, err)
	}
}

// RecordEvent bumps event bookkeeping for a device after the event
// processor has persisted the event (SPEC_FULL.md §5.F).
func (r *Registry) RecordEvent(deviceID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.LastEventAt = at
	d.EventCount++
	if err := r.store.UpsertDevice(d.Clone()); err != nil {
		log.Printf("[registry] persist event counters for %s: %v", deviceID, err)
	}
}

// UpdateStatus sets a device's derived status (written only by the
// activity monitor).
func (r *Registry) UpdateStatus(deviceID string, status domain.DeviceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.Status = status
	if err := r.store.UpsertDevice(d.Clone()); err != nil {
		log.Printf("[registry] persist status for %s: %v", deviceID, err)
	}
}

// SetActiveSession sets or clears the device's cached session id
// (written only by the session cache).
func (r *Registry) SetActiveSession(deviceID string, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.ActiveCloudSessionID = sessionID
	if err := r.store.UpsertDevice(d.Clone()); err != nil {
		log.Printf("[registry] persist session for %s: %v", deviceID, err)
	}
}

// SetGlobalDeviceID records the site-qualified id assigned post-registration.
func (r *Registry) SetGlobalDeviceID(deviceID, globalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.GlobalDeviceID = globalID
	if err := r.store.UpsertDevice(d.Clone()); err != nil {
		log.Printf("[registry] persist global id for %s: %v", deviceID, err)
	}
}
