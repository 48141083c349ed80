package domain

import "time"

// ReconciliationStatus tracks an offline batch's progress toward being
// bound to a Cloud session. Reconciliation itself is Cloud-side; the
// Edge only observes the state.
type ReconciliationStatus string

const (
	ReconciliationPending    ReconciliationStatus = "pending"
	ReconciliationInProgress ReconciliationStatus = "in_progress"
	ReconciliationReconciled ReconciliationStatus = "reconciled"
	ReconciliationFailed     ReconciliationStatus = "failed"
)

// OfflineBatch groups events captured for one device while the Cloud
// was unreachable. Opened on an online→offline transition, closed on
// recovery; it stays "pending" until Cloud-side reconciliation.
type OfflineBatch struct {
	BatchID              string
	DeviceID             string // empty for a gateway-wide batch
	StartedAt            time.Time
	EndedAt              time.Time // zero while open
	EventCount           int
	TotalWeightGrams     int64
	ReconciliationStatus ReconciliationStatus
	CloudSessionID       string // assigned only at reconciliation
	ReconciledAt         time.Time
	ReconciledBy         string
	Notes                string
}

// Open reports whether the batch has not yet been ended.
func (b OfflineBatch) Open() bool {
	return b.EndedAt.IsZero()
}
