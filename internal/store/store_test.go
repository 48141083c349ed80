package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "edge.db")); os.IsNotExist(err) {
		t.Error("edge.db should exist")
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestDevice_UpsertAndGet(t *testing.T) {
	db := newTestDB(t)

	dev := domain.Device{
		DeviceID:     "SCALE-01",
		Status:       domain.StatusOnline,
		TCPConnected: true,
		SourceIP:     "10.0.0.5",
		ConnectedAt:  time.Now(),
	}
	if err := db.UpsertDevice(dev); err != nil {
		t.Fatalf("UpsertDevice() error: %v", err)
	}

	got, err := db.GetDevice("SCALE-01")
	if err != nil {
		t.Fatalf("GetDevice() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetDevice() returned nil")
	}
	if got.Status != domain.StatusOnline || !got.TCPConnected {
		t.Errorf("GetDevice() = %+v, unexpected fields", got)
	}
}

func TestDevice_UpsertUpdatesExisting(t *testing.T) {
	db := newTestDB(t)

	dev := domain.Device{DeviceID: "SCALE-02", Status: domain.StatusOnline, HeartbeatCount: 1}
	db.UpsertDevice(dev)

	dev.Status = domain.StatusIdle
	dev.HeartbeatCount = 5
	db.UpsertDevice(dev)

	got, _ := db.GetDevice("SCALE-02")
	if got.Status != domain.StatusIdle || got.HeartbeatCount != 5 {
		t.Errorf("update not applied: %+v", got)
	}

	all, err := db.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices() error: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListDevices() = %d devices, want 1 (upsert should not duplicate)", len(all))
	}
}

func TestEvent_InsertGetAndUpdate(t *testing.T) {
	db := newTestDB(t)

	e := domain.WeighingEvent{
		ID:             "evt-1",
		DeviceID:       "SCALE-01",
		PLUCode:        "00001",
		ProductName:    "KIYMA",
		WeightGrams:    1200,
		ScaleTimestamp: time.Now(),
		ReceivedAt:     time.Now(),
		SyncStatus:     domain.SyncPending,
	}
	if err := db.InsertEvent(e); err != nil {
		t.Fatalf("InsertEvent() error: %v", err)
	}

	got, err := db.GetEvent("evt-1")
	if err != nil || got == nil {
		t.Fatalf("GetEvent() = %v, %v", got, err)
	}
	if got.SyncStatus != domain.SyncPending {
		t.Errorf("SyncStatus = %v, want pending", got.SyncStatus)
	}

	got.SyncStatus = domain.SyncSynced
	got.CloudID = "c-1"
	got.SyncedAt = time.Now()
	if err := db.UpdateEvent(*got); err != nil {
		t.Fatalf("UpdateEvent() error: %v", err)
	}

	updated, _ := db.GetEvent("evt-1")
	if updated.SyncStatus != domain.SyncSynced || updated.CloudID != "c-1" {
		t.Errorf("update not applied: %+v", updated)
	}
}

func TestEvent_PendingEventsOrderedOldestFirst(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"e1", "e2", "e3"} {
		db.InsertEvent(domain.WeighingEvent{
			ID: id, DeviceID: "SCALE-01", WeightGrams: 100,
			ScaleTimestamp: base, ReceivedAt: base.Add(time.Duration(i) * time.Minute),
			SyncStatus: domain.SyncPending,
		})
	}

	pending, err := db.PendingEvents(10)
	if err != nil {
		t.Fatalf("PendingEvents() error: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("PendingEvents() = %d, want 3", len(pending))
	}
	if pending[0].ID != "e1" || pending[2].ID != "e3" {
		t.Errorf("PendingEvents() not oldest-first: %v", []string{pending[0].ID, pending[1].ID, pending[2].ID})
	}
}

func TestEvent_CountByOfflineBatchMatchesAttributedEvents(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().Add(-time.Hour)
	db.InsertEvent(domain.WeighingEvent{
		ID: "e1", DeviceID: "SCALE-01", WeightGrams: 500,
		ScaleTimestamp: base, ReceivedAt: base,
		SyncStatus: domain.SyncPending, OfflineBatchID: "batch-1",
	})
	db.InsertEvent(domain.WeighingEvent{
		ID: "e2", DeviceID: "SCALE-01", WeightGrams: 750,
		ScaleTimestamp: base, ReceivedAt: base,
		SyncStatus: domain.SyncPending, OfflineBatchID: "batch-1",
	})
	// Belongs to a different batch; must not be counted against batch-1.
	db.InsertEvent(domain.WeighingEvent{
		ID: "e3", DeviceID: "SCALE-01", WeightGrams: 1000,
		ScaleTimestamp: base, ReceivedAt: base,
		SyncStatus: domain.SyncPending, OfflineBatchID: "batch-2",
	})

	count, total, err := db.CountByOfflineBatch("batch-1")
	if err != nil {
		t.Fatalf("CountByOfflineBatch() error: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if total != 1250 {
		t.Errorf("total weight = %d, want 1250", total)
	}
}

func TestBatch_OpenCloseLifecycle(t *testing.T) {
	db := newTestDB(t)

	b := domain.OfflineBatch{
		BatchID:              "batch-1",
		DeviceID:             "SCALE-02",
		StartedAt:            time.Now(),
		ReconciliationStatus: domain.ReconciliationPending,
	}
	if err := db.InsertBatch(b); err != nil {
		t.Fatalf("InsertBatch() error: %v", err)
	}

	open, err := db.OpenBatchForDevice("SCALE-02")
	if err != nil || open == nil {
		t.Fatalf("OpenBatchForDevice() = %v, %v", open, err)
	}

	open.EndedAt = time.Now()
	open.EventCount = 2
	if err := db.UpdateBatch(*open); err != nil {
		t.Fatalf("UpdateBatch() error: %v", err)
	}

	stillOpen, _ := db.OpenBatchForDevice("SCALE-02")
	if stillOpen != nil {
		t.Errorf("OpenBatchForDevice() after close = %+v, want nil", stillOpen)
	}

	pending, err := db.PendingBatches()
	if err != nil {
		t.Fatalf("PendingBatches() error: %v", err)
	}
	if len(pending) != 1 || pending[0].BatchID != "batch-1" {
		t.Errorf("PendingBatches() = %+v, want [batch-1]", pending)
	}
}

func TestIdentity_RoundTrip(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetIdentity()
	if err != nil {
		t.Fatalf("GetIdentity() error: %v", err)
	}
	if got != nil {
		t.Fatalf("GetIdentity() on empty store = %+v, want nil", got)
	}

	id := domain.EdgeIdentity{
		EdgeID:       "5f0c5f9c-5d1a-4b3e-9c2a-1234567890ab",
		SiteID:       "site-1",
		SiteName:     "Downtown Butcher",
		RegisteredAt: time.Now(),
	}
	if err := db.SetIdentity(id); err != nil {
		t.Fatalf("SetIdentity() error: %v", err)
	}

	got, err = db.GetIdentity()
	if err != nil || got == nil {
		t.Fatalf("GetIdentity() = %v, %v", got, err)
	}
	if got.EdgeID != id.EdgeID || got.SiteID != id.SiteID {
		t.Errorf("GetIdentity() = %+v, want %+v", got, id)
	}
}
