package store

import (
	"database/sql"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

// InsertEvent persists a freshly captured event with its initial
// pending sync state.
func (d *DB) InsertEvent(e domain.WeighingEvent) error {
	_, err := d.db.Exec(
		`INSERT INTO events (id, device_id, cloud_session_id, offline_mode, offline_batch_id,
			plu_code, product_name, weight_grams, barcode, scale_timestamp, received_at,
			source_ip, raw_data, sync_status, cloud_id, synced_at, sync_attempts, last_sync_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.CloudSessionID, e.OfflineMode, e.OfflineBatchID,
		e.PLUCode, e.ProductName, e.WeightGrams, e.Barcode, e.ScaleTimestamp.Unix(), e.ReceivedAt.Unix(),
		e.SourceIP, e.RawData, string(e.SyncStatus), e.CloudID, unixOrNull(e.SyncedAt), e.SyncAttempts, e.LastSyncError,
	)
	return err
}

// UpdateEvent persists sync-state-machine transitions for an
// already-inserted event.
func (d *DB) UpdateEvent(e domain.WeighingEvent) error {
	_, err := d.db.Exec(
		`UPDATE events SET cloud_session_id=?, offline_mode=?, offline_batch_id=?,
			sync_status=?, cloud_id=?, synced_at=?, sync_attempts=?, last_sync_error=?
		 WHERE id=?`,
		e.CloudSessionID, e.OfflineMode, e.OfflineBatchID, string(e.SyncStatus),
		e.CloudID, unixOrNull(e.SyncedAt), e.SyncAttempts, e.LastSyncError, e.ID,
	)
	return err
}

// GetEvent retrieves a single event by its local id.
func (d *DB) GetEvent(id string) (*domain.WeighingEvent, error) {
	row := d.db.QueryRow(
		`SELECT id, device_id, cloud_session_id, offline_mode, offline_batch_id, plu_code,
			product_name, weight_grams, barcode, scale_timestamp, received_at, source_ip,
			raw_data, sync_status, cloud_id, synced_at, sync_attempts, last_sync_error
		 FROM events WHERE id = ?`, id,
	)
	return scanEvent(row)
}

// PendingEvents returns up to limit pending events, oldest first, for
// the sync service's backlog and retry loops.
func (d *DB) PendingEvents(limit int) ([]domain.WeighingEvent, error) {
	rows, err := d.db.Query(
		`SELECT id, device_id, cloud_session_id, offline_mode, offline_batch_id, plu_code,
			product_name, weight_grams, barcode, scale_timestamp, received_at, source_ip,
			raw_data, sync_status, cloud_id, synced_at, sync_attempts, last_sync_error
		 FROM events WHERE sync_status = 'pending' ORDER BY received_at ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.WeighingEvent
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// CountByOfflineBatch returns the event count and total weight for a
// batch, for checking against that batch's stored event_count.
func (d *DB) CountByOfflineBatch(batchID string) (int, int64, error) {
	var count int
	var total sql.NullInt64
	err := d.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(weight_grams), 0) FROM events WHERE offline_batch_id = ?`,
		batchID,
	).Scan(&count, &total)
	return count, total.Int64, err
}

func scanEvent(s scanner) (*domain.WeighingEvent, error) {
	var e domain.WeighingEvent
	var syncStatus string
	var scaleTS, receivedAt int64
	var syncedAt sql.NullInt64

	err := s.Scan(&e.ID, &e.DeviceID, &e.CloudSessionID, &e.OfflineMode, &e.OfflineBatchID,
		&e.PLUCode, &e.ProductName, &e.WeightGrams, &e.Barcode, &scaleTS, &receivedAt,
		&e.SourceIP, &e.RawData, &syncStatus, &e.CloudID, &syncedAt, &e.SyncAttempts, &e.LastSyncError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.SyncStatus = domain.SyncStatus(syncStatus)
	e.ScaleTimestamp = time.Unix(scaleTS, 0)
	e.ReceivedAt = time.Unix(receivedAt, 0)
	if syncedAt.Valid {
		e.SyncedAt = time.Unix(syncedAt.Int64, 0)
	}
	return &e, nil
}

func scanEventRows(rows *sql.Rows) (*domain.WeighingEvent, error) {
	return scanEvent(rows)
}
