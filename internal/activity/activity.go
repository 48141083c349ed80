// Package activity runs the periodic sweep that derives each device's
// status from its heartbeat and event timestamps.
package activity

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/metrics"
)

// Registry is the subset of the device registry the monitor needs.
type Registry interface {
	List() []domain.Device
	UpdateStatus(deviceID string, status domain.DeviceStatus)
}

// Config controls sweep cadence and the activity thresholds.
type Config struct {
	CheckInterval   time.Duration
	HeartbeatTimeout time.Duration
	IdleThreshold   time.Duration
	StaleThreshold  time.Duration
}

// Monitor periodically re-derives device status and publishes
// transitions to any subscribed observers.
type Monitor struct {
	cfg      Config
	registry Registry

	subsMu sync.Mutex
	subs   []func(domain.StatusTransition)
}

// New creates a Monitor bound to registry.
func New(cfg Config, registry Registry) *Monitor {
	return &Monitor{cfg: cfg, registry: registry}
}

// Subscribe registers a callback invoked synchronously for every status
// transition found during a sweep. Callbacks must not block.
func (m *Monitor) Subscribe(fn func(domain.StatusTransition)) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subs = append(m.subs, fn)
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep evaluates every known device and publishes any status change.
func (m *Monitor) sweep(now time.Time) {
	for _, d := range m.registry.List() {
		next := m.derive(d, now)
		if next == d.Status {
			continue
		}
		m.registry.UpdateStatus(d.DeviceID, next)
		metrics.DeviceStatusTransitions.WithLabelValues(string(next)).Inc()
		m.publish(domain.StatusTransition{
			DeviceID: d.DeviceID,
			Previous: d.Status,
			Current:  next,
			At:       now.UnixNano(),
		})
	}
}

// derive implements SPEC_FULL.md §5.D's status rules: a device that has
// never connected is unknown; a disconnected or heartbeat-starved
// device is disconnected; otherwise status follows how recently its
// last event arrived.
func (m *Monitor) derive(d domain.Device, now time.Time) domain.DeviceStatus {
	if d.ConnectedAt.IsZero() && d.LastHeartbeatAt.IsZero() {
		return domain.StatusUnknown
	}
	if !d.TCPConnected {
		return domain.StatusDisconnected
	}
	if !d.LastHeartbeatAt.IsZero() && now.Sub(d.LastHeartbeatAt) >= m.cfg.HeartbeatTimeout {
		return domain.StatusDisconnected
	}

	switch {
	case now.Sub(d.LastEventAt) <= m.cfg.IdleThreshold:
		return domain.StatusOnline
	case now.Sub(d.LastEventAt) <= m.cfg.StaleThreshold:
		return domain.StatusIdle
	default:
		return domain.StatusStale
	}
}

func (m *Monitor) publish(t domain.StatusTransition) {
	m.subsMu.Lock()
	subs := make([]func(domain.StatusTransition), len(m.subs))
	copy(subs, m.subs)
	m.subsMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[activity] subscriber panic: %v", r)
				}
			}()
			fn(t)
		}()
	}
}
