package events

import (
	"testing"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

type memStore struct {
	events map[string]domain.WeighingEvent
}

func newMemStore() *memStore {
	return &memStore{events: make(map[string]domain.WeighingEvent)}
}

func (s *memStore) InsertEvent(e domain.WeighingEvent) error {
	s.events[e.ID] = e
	return nil
}

func (s *memStore) UpdateEvent(e domain.WeighingEvent) error {
	s.events[e.ID] = e
	return nil
}

func (s *memStore) GetEvent(id string) (*domain.WeighingEvent, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *memStore) PendingEvents(limit int) ([]domain.WeighingEvent, error) {
	var out []domain.WeighingEvent
	for _, e := range s.events {
		if e.SyncStatus == domain.SyncPending {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeRegistry struct {
	device domain.Device
	counts map[string]int
}

func (f *fakeRegistry) Get(deviceID string) (domain.Device, bool) {
	if deviceID != f.device.DeviceID {
		return domain.Device{}, false
	}
	return f.device, true
}

func (f *fakeRegistry) RecordEvent(deviceID string, at time.Time) {
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[deviceID]++
}

type fakeOnline struct{ online bool }

func (f *fakeOnline) IsOnline() bool { return f.online }

type fakeBatches struct {
	batch domain.OfflineBatch
	calls int
}

func (f *fakeBatches) OpenBatch(deviceID string) (domain.OfflineBatch, error) {
	return f.batch, nil
}

func (f *fakeBatches) AddEvent(deviceID string, weightGrams int) (domain.OfflineBatch, error) {
	f.calls++
	return f.batch, nil
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "evt-" + string(rune('0'+n))
	}
}

func TestCapture_OnlineDoesNotOpenBatch(t *testing.T) {
	store := newMemStore()
	reg := &fakeRegistry{device: domain.Device{DeviceID: "SCALE-01", ActiveCloudSessionID: "sess-1"}}
	online := &fakeOnline{online: true}
	batches := &fakeBatches{}
	p := New(store, reg, online, batches, sequentialIDs(), 5)

	e, err := p.Capture("SCALE-01", "10.0.0.1", ScaleEvent{PLUCode: "001", WeightGrams: 500, ScaleTimestamp: time.Now()})
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}
	if e.OfflineMode || e.OfflineBatchID != "" {
		t.Errorf("Capture() while online set offline fields: %+v", e)
	}
	if e.CloudSessionID != "sess-1" {
		t.Errorf("CloudSessionID = %q, want sess-1", e.CloudSessionID)
	}
	if batches.calls != 0 {
		t.Errorf("AddEvent() called %d times while online, want 0", batches.calls)
	}
	if reg.counts["SCALE-01"] != 1 {
		t.Errorf("RecordEvent() called %d times, want 1", reg.counts["SCALE-01"])
	}
}

func TestCapture_OfflineSetsBatchFields(t *testing.T) {
	store := newMemStore()
	reg := &fakeRegistry{device: domain.Device{DeviceID: "SCALE-01"}}
	online := &fakeOnline{online: false}
	batches := &fakeBatches{batch: domain.OfflineBatch{BatchID: "batch-9"}}
	p := New(store, reg, online, batches, sequentialIDs(), 5)

	e, err := p.Capture("SCALE-01", "10.0.0.1", ScaleEvent{WeightGrams: 500, ScaleTimestamp: time.Now()})
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}
	if !e.OfflineMode || e.OfflineBatchID != "batch-9" {
		t.Errorf("Capture() while offline = %+v, want offlineMode=true batchId=batch-9", e)
	}
}

func TestCapture_PublishesEventCaptured(t *testing.T) {
	store := newMemStore()
	reg := &fakeRegistry{device: domain.Device{DeviceID: "SCALE-01"}}
	p := New(store, reg, &fakeOnline{online: true}, &fakeBatches{}, sequentialIDs(), 5)

	var got domain.WeighingEvent
	fired := false
	p.OnCaptured(func(e domain.WeighingEvent) { got = e; fired = true })

	e, _ := p.Capture("SCALE-01", "10.0.0.1", ScaleEvent{WeightGrams: 100, ScaleTimestamp: time.Now()})
	if !fired {
		t.Fatal("OnCaptured() callback was not invoked")
	}
	if got.ID != e.ID {
		t.Errorf("published event ID = %q, want %q", got.ID, e.ID)
	}
}

func TestSyncStateMachine_FullLifecycle(t *testing.T) {
	store := newMemStore()
	reg := &fakeRegistry{device: domain.Device{DeviceID: "SCALE-01"}}
	p := New(store, reg, &fakeOnline{online: true}, &fakeBatches{}, sequentialIDs(), 5)

	e, _ := p.Capture("SCALE-01", "10.0.0.1", ScaleEvent{WeightGrams: 100, ScaleTimestamp: time.Now()})

	if err := p.MarkStreaming(e.ID); err != nil {
		t.Fatalf("MarkStreaming() error: %v", err)
	}
	got, _ := store.GetEvent(e.ID)
	if got.SyncStatus != domain.SyncStreaming || got.SyncAttempts != 1 {
		t.Errorf("after MarkStreaming: %+v", got)
	}

	if err := p.MarkSynced(e.ID, "cloud-1"); err != nil {
		t.Fatalf("MarkSynced() error: %v", err)
	}
	got, _ = store.GetEvent(e.ID)
	if got.SyncStatus != domain.SyncSynced || got.CloudID != "cloud-1" || got.SyncedAt.IsZero() {
		t.Errorf("after MarkSynced: %+v", got)
	}

	// synced is terminal: further transitions are no-ops.
	if err := p.MarkFailed(e.ID, "late rejection"); err != nil {
		t.Fatalf("MarkFailed() error: %v", err)
	}
	got, _ = store.GetEvent(e.ID)
	if got.SyncStatus != domain.SyncSynced {
		t.Errorf("synced event reverted: %+v", got)
	}
}

func TestSyncStateMachine_FailedThenRetried(t *testing.T) {
	store := newMemStore()
	reg := &fakeRegistry{device: domain.Device{DeviceID: "SCALE-01"}}
	p := New(store, reg, &fakeOnline{online: true}, &fakeBatches{}, sequentialIDs(), 5)

	e, _ := p.Capture("SCALE-01", "10.0.0.1", ScaleEvent{WeightGrams: 100, ScaleTimestamp: time.Now()})
	p.MarkStreaming(e.ID)
	p.MarkFailed(e.ID, "transport error")

	got, _ := store.GetEvent(e.ID)
	if got.SyncStatus != domain.SyncFailed || got.LastSyncError != "transport error" {
		t.Errorf("after MarkFailed: %+v", got)
	}

	if err := p.MarkPendingRetry(e.ID); err != nil {
		t.Fatalf("MarkPendingRetry() error: %v", err)
	}
	got, _ = store.GetEvent(e.ID)
	if got.SyncStatus != domain.SyncPending {
		t.Errorf("after MarkPendingRetry: %+v", got)
	}
}

func TestMarkPendingRetry_StopsAfterMaxSyncAttempts(t *testing.T) {
	store := newMemStore()
	reg := &fakeRegistry{device: domain.Device{DeviceID: "SCALE-01"}}
	p := New(store, reg, &fakeOnline{online: true}, &fakeBatches{}, sequentialIDs(), 2)

	e, _ := p.Capture("SCALE-01", "10.0.0.1", ScaleEvent{WeightGrams: 100, ScaleTimestamp: time.Now()})

	for i := 0; i < 2; i++ {
		p.MarkStreaming(e.ID) // bumps SyncAttempts
		p.MarkFailed(e.ID, "boom")
		p.MarkPendingRetry(e.ID)
	}

	got, _ := store.GetEvent(e.ID)
	if got.SyncAttempts != 2 {
		t.Fatalf("SyncAttempts = %d, want 2", got.SyncAttempts)
	}

	p.MarkStreaming(e.ID)
	p.MarkFailed(e.ID, "boom again")
	if err := p.MarkPendingRetry(e.ID); err != nil {
		t.Fatalf("MarkPendingRetry() error: %v", err)
	}

	got, _ = store.GetEvent(e.ID)
	if got.SyncStatus != domain.SyncFailed {
		t.Errorf("expected event to stay failed after exhausting retries, got %+v", got)
	}
}

func TestPendingEvents_ReturnsOnlyPending(t *testing.T) {
	store := newMemStore()
	reg := &fakeRegistry{device: domain.Device{DeviceID: "SCALE-01"}}
	p := New(store, reg, &fakeOnline{online: true}, &fakeBatches{}, sequentialIDs(), 5)

	p.Capture("SCALE-01", "10.0.0.1", ScaleEvent{WeightGrams: 100, ScaleTimestamp: time.Now()})
	e2, _ := p.Capture("SCALE-01", "10.0.0.1", ScaleEvent{WeightGrams: 200, ScaleTimestamp: time.Now()})
	p.MarkStreaming(e2.ID)
	p.MarkSynced(e2.ID, "c-2")

	pending, err := p.PendingEvents(10)
	if err != nil {
		t.Fatalf("PendingEvents() error: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("PendingEvents() = %d, want 1", len(pending))
	}
}
