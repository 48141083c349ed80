package domain

import "context"

// ─── Store Interfaces ───────────────────────────────────────────────────────
// Infrastructure (internal/store) implements these; application-layer
// components depend on them instead of the concrete sqlite type.

// DeviceStore mirrors device records for crash recovery.
type DeviceStore interface {
	UpsertDevice(d Device) error
	GetDevice(deviceID string) (*Device, error)
	ListDevices() ([]Device, error)
}

// EventStore persists captured events and their sync-state transitions.
type EventStore interface {
	InsertEvent(e WeighingEvent) error
	UpdateEvent(e WeighingEvent) error
	GetEvent(id string) (*WeighingEvent, error)
	PendingEvents(limit int) ([]WeighingEvent, error)
	CountByOfflineBatch(batchID string) (count int, totalWeightGrams int64, err error)
}

// BatchStore persists offline batch metadata.
type BatchStore interface {
	InsertBatch(b OfflineBatch) error
	UpdateBatch(b OfflineBatch) error
	GetBatch(batchID string) (*OfflineBatch, error)
	OpenBatchForDevice(deviceID string) (*OfflineBatch, error)
	PendingBatches() ([]OfflineBatch, error)
}

// IdentityStore persists the singleton edge identity.
type IdentityStore interface {
	GetIdentity() (*EdgeIdentity, error)
	SetIdentity(id EdgeIdentity) error
}

// ─── Subscriber Types ───────────────────────────────────────────────────────
// Every "emit/on" in the source is a typed subscriber list here (SPEC_FULL.md §5.D).

// StatusTransition is published by the activity monitor whenever a
// device's derived status changes.
type StatusTransition struct {
	DeviceID string
	Previous DeviceStatus
	Current  DeviceStatus
	At       int64 // unix nanos, for deterministic ordering in tests
}

// CloudConnEvent is published by the Cloud REST client on online/offline
// transitions.
type CloudConnEvent int

const (
	CloudConnected CloudConnEvent = iota
	CloudDisconnected
)

// EdgeIdentityEnsurer (re)registers the gateway with Cloud and returns
// the freshly assigned identity. Installed by the daemon at startup;
// invoked by the Cloud REST client when the stored identity is missing,
// malformed, or rejected.
type EdgeIdentityEnsurer func(ctx context.Context, reason string) (EdgeIdentity, error)
