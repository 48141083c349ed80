package store

import (
	"database/sql"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

// InsertBatch persists a newly opened offline batch.
func (d *DB) InsertBatch(b domain.OfflineBatch) error {
	_, err := d.db.Exec(
		`INSERT INTO offline_batches (batch_id, device_id, started_at, ended_at, event_count,
			total_weight_grams, reconciliation_status, cloud_session_id, reconciled_at, reconciled_by, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.DeviceID, b.StartedAt.Unix(), unixOrNull(b.EndedAt), b.EventCount,
		b.TotalWeightGrams, string(b.ReconciliationStatus), b.CloudSessionID, unixOrNull(b.ReconciledAt),
		b.ReconciledBy, b.Notes,
	)
	return err
}

// UpdateBatch persists batch mutations (event/weight counters, close,
// reconciliation state).
func (d *DB) UpdateBatch(b domain.OfflineBatch) error {
	_, err := d.db.Exec(
		`UPDATE offline_batches SET ended_at=?, event_count=?, total_weight_grams=?,
			reconciliation_status=?, cloud_session_id=?, reconciled_at=?, reconciled_by=?, notes=?
		 WHERE batch_id=?`,
		unixOrNull(b.EndedAt), b.EventCount, b.TotalWeightGrams, string(b.ReconciliationStatus),
		b.CloudSessionID, unixOrNull(b.ReconciledAt), b.ReconciledBy, b.Notes, b.BatchID,
	)
	return err
}

// GetBatch retrieves a single batch by id.
func (d *DB) GetBatch(batchID string) (*domain.OfflineBatch, error) {
	row := d.db.QueryRow(
		`SELECT batch_id, device_id, started_at, ended_at, event_count, total_weight_grams,
			reconciliation_status, cloud_session_id, reconciled_at, reconciled_by, notes
		 FROM offline_batches WHERE batch_id = ?`, batchID,
	)
	return scanBatch(row)
}

// OpenBatchForDevice returns the currently open batch for a device, if
// any (invariant: at most one open batch per device).
func (d *DB) OpenBatchForDevice(deviceID string) (*domain.OfflineBatch, error) {
	row := d.db.QueryRow(
		`SELECT batch_id, device_id, started_at, ended_at, event_count, total_weight_grams,
			reconciliation_status, cloud_session_id, reconciled_at, reconciled_by, notes
		 FROM offline_batches WHERE device_id = ? AND ended_at IS NULL`, deviceID,
	)
	return scanBatch(row)
}

// PendingBatches returns all closed batches still awaiting Cloud-side
// reconciliation, for the sync service's flush sequence.
func (d *DB) PendingBatches() ([]domain.OfflineBatch, error) {
	rows, err := d.db.Query(
		`SELECT batch_id, device_id, started_at, ended_at, event_count, total_weight_grams,
			reconciliation_status, cloud_session_id, reconciled_at, reconciled_by, notes
		 FROM offline_batches WHERE ended_at IS NOT NULL AND reconciliation_status = 'pending'
		 ORDER BY ended_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.OfflineBatch
	for rows.Next() {
		b, err := scanBatchRows(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func scanBatch(s scanner) (*domain.OfflineBatch, error) {
	var b domain.OfflineBatch
	var status string
	var startedAt int64
	var endedAt, reconciledAt sql.NullInt64

	err := s.Scan(&b.BatchID, &b.DeviceID, &startedAt, &endedAt, &b.EventCount, &b.TotalWeightGrams,
		&status, &b.CloudSessionID, &reconciledAt, &b.ReconciledBy, &b.Notes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	b.ReconciliationStatus = domain.ReconciliationStatus(status)
	b.StartedAt = time.Unix(startedAt, 0)
	if endedAt.Valid {
		b.EndedAt = time.Unix(endedAt.Int64, 0)
	}
	if reconciledAt.Valid {
		b.ReconciledAt = time.Unix(reconciledAt.Int64, 0)
	}
	return &b, nil
}

func scanBatchRows(rows *sql.Rows) (*domain.OfflineBatch, error) {
	return scanBatch(rows)
}
