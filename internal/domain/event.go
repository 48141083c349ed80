package domain

import "time"

// SyncStatus is the event-level delivery state machine:
//
//	pending   --(streaming attempt started)-->   streaming
//	streaming --(ack: accepted|duplicate)-->     synced   (terminal)
//	streaming --(transport failure)-->           failed
//	streaming --(explicit rejection)-->          failed
//	failed    --(next retry scheduled)-->        pending
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncStreaming SyncStatus = "streaming"
	SyncSynced    SyncStatus = "synced"
	SyncFailed    SyncStatus = "failed"
)

// WeighingEvent is a single weigh/print event captured from a scale.
type WeighingEvent struct {
	ID              string // locally-generated UUID v4
	DeviceID        string
	CloudSessionID  string // nullable
	OfflineMode     bool
	OfflineBatchID  string // nullable; OfflineMode <=> OfflineBatchID != ""
	PLUCode         string
	ProductName     string
	WeightGrams     int
	Barcode         string
	ScaleTimestamp  time.Time
	ReceivedAt      time.Time
	SourceIP        string
	RawData         string
	SyncStatus      SyncStatus
	CloudID         string
	SyncedAt        time.Time
	SyncAttempts    int
	LastSyncError   string
}
