package activity

import (
	"testing"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

type fakeRegistry struct {
	devices []domain.Device
	updates map[string]domain.DeviceStatus
}

func (f *fakeRegistry) List() []domain.Device { return f.devices }

func (f *fakeRegistry) UpdateStatus(deviceID string, status domain.DeviceStatus) {
	if f.updates == nil {
		f.updates = make(map[string]domain.DeviceStatus)
	}
	f.updates[deviceID] = status
	for i := range f.devices {
		if f.devices[i].DeviceID == deviceID {
			f.devices[i].Status = status
		}
	}
}

func testConfig() Config {
	return Config{
		CheckInterval:    time.Second,
		HeartbeatTimeout: time.Minute,
		IdleThreshold:    5 * time.Minute,
		StaleThreshold:   30 * time.Minute,
	}
}

func TestDerive_NeverConnectedIsUnknown(t *testing.T) {
	m := New(testConfig(), &fakeRegistry{})
	got := m.derive(domain.Device{DeviceID: "SCALE-01"}, time.Now())
	if got != domain.StatusUnknown {
		t.Errorf("derive() = %v, want unknown", got)
	}
}

func TestDerive_DisconnectedWhenSocketDown(t *testing.T) {
	m := New(testConfig(), &fakeRegistry{})
	now := time.Now()
	d := domain.Device{
		DeviceID:        "SCALE-01",
		ConnectedAt:     now.Add(-time.Hour),
		TCPConnected:    false,
		LastHeartbeatAt: now,
	}
	if got := m.derive(d, now); got != domain.StatusDisconnected {
		t.Errorf("derive() = %v, want disconnected", got)
	}
}

func TestDerive_DisconnectedOnHeartbeatTimeout(t *testing.T) {
	m := New(testConfig(), &fakeRegistry{})
	now := time.Now()
	d := domain.Device{
		DeviceID:        "SCALE-01",
		ConnectedAt:     now.Add(-time.Hour),
		TCPConnected:    true,
		LastHeartbeatAt: now.Add(-2 * time.Minute),
	}
	if got := m.derive(d, now); got != domain.StatusDisconnected {
		t.Errorf("derive() = %v, want disconnected", got)
	}
}

func TestDerive_DisconnectedExactlyAtHeartbeatTimeoutBoundary(t *testing.T) {
	cfg := testConfig()
	m := New(cfg, &fakeRegistry{})
	now := time.Now()
	d := domain.Device{
		DeviceID:        "SCALE-01",
		ConnectedAt:     now.Add(-time.Hour),
		TCPConnected:    true,
		LastHeartbeatAt: now.Add(-cfg.HeartbeatTimeout),
	}
	if got := m.derive(d, now); got != domain.StatusDisconnected {
		t.Errorf("derive() at exact heartbeat timeout boundary = %v, want disconnected", got)
	}
}

func TestDerive_OnlineIdleStaleByLastEvent(t *testing.T) {
	m := New(testConfig(), &fakeRegistry{})
	now := time.Now()
	base := domain.Device{
		DeviceID:        "SCALE-01",
		ConnectedAt:     now.Add(-time.Hour),
		TCPConnected:    true,
		LastHeartbeatAt: now,
	}

	online := base
	online.LastEventAt = now.Add(-time.Minute)
	if got := m.derive(online, now); got != domain.StatusOnline {
		t.Errorf("derive(online case) = %v, want online", got)
	}

	idle := base
	idle.LastEventAt = now.Add(-10 * time.Minute)
	if got := m.derive(idle, now); got != domain.StatusIdle {
		t.Errorf("derive(idle case) = %v, want idle", got)
	}

	stale := base
	stale.LastEventAt = now.Add(-45 * time.Minute)
	if got := m.derive(stale, now); got != domain.StatusStale {
		t.Errorf("derive(stale case) = %v, want stale", got)
	}
}

func TestSweep_PublishesTransitionsAndUpdatesRegistry(t *testing.T) {
	now := time.Now()
	reg := &fakeRegistry{devices: []domain.Device{
		{
			DeviceID:        "SCALE-01",
			ConnectedAt:     now.Add(-time.Hour),
			TCPConnected:    true,
			LastHeartbeatAt: now,
			LastEventAt:     now.Add(-time.Hour),
			Status:          domain.StatusOnline,
		},
	}}
	m := New(testConfig(), reg)

	var got []domain.StatusTransition
	m.Subscribe(func(t domain.StatusTransition) { got = append(got, t) })

	m.sweep(now)

	if len(got) != 1 {
		t.Fatalf("sweep() published %d transitions, want 1", len(got))
	}
	if got[0].Current != domain.StatusStale {
		t.Errorf("transition.Current = %v, want stale", got[0].Current)
	}
	if reg.updates["SCALE-01"] != domain.StatusStale {
		t.Errorf("registry not updated: %v", reg.updates)
	}
}

func TestSweep_NoOpWhenStatusUnchanged(t *testing.T) {
	now := time.Now()
	reg := &fakeRegistry{devices: []domain.Device{
		{
			DeviceID:        "SCALE-01",
			ConnectedAt:     now.Add(-time.Hour),
			TCPConnected:    true,
			LastHeartbeatAt: now,
			LastEventAt:     now,
			Status:          domain.StatusOnline,
		},
	}}
	m := New(testConfig(), reg)

	called := false
	m.Subscribe(func(domain.StatusTransition) { called = true })
	m.sweep(now)

	if called {
		t.Error("sweep() published a transition when status did not change")
	}
}
