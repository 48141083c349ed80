package store

import (
	"database/sql"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

// UpsertDevice inserts or updates a device's durable mirror.
func (d *DB) UpsertDevice(dev domain.Device) error {
	_, err := d.db.Exec(
		`INSERT INTO devices (device_id, global_device_id, display_name, location, device_type,
			status, tcp_connected, last_heartbeat_at, last_event_at, heartbeat_count,
			event_count, connected_at, source_ip, active_session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			global_device_id=excluded.global_device_id,
			display_name=excluded.display_name,
			location=excluded.location,
			device_type=excluded.device_type,
			status=excluded.status,
			tcp_connected=excluded.tcp_connected,
			last_heartbeat_at=excluded.last_heartbeat_at,
			last_event_at=excluded.last_event_at,
			heartbeat_count=excluded.heartbeat_count,
			event_count=excluded.event_count,
			connected_at=excluded.connected_at,
			source_ip=excluded.source_ip,
			active_session_id=excluded.active_session_id`,
		dev.DeviceID, dev.GlobalDeviceID, dev.DisplayName, dev.Location, string(dev.DeviceType),
		string(dev.Status), dev.TCPConnected, unixOrNull(dev.LastHeartbeatAt), unixOrNull(dev.LastEventAt),
		dev.HeartbeatCount, dev.EventCount, unixOrNull(dev.ConnectedAt), dev.SourceIP, dev.ActiveCloudSessionID,
	)
	return err
}

// GetDevice retrieves a single device by id.
func (d *DB) GetDevice(deviceID string) (*domain.Device, error) {
	row := d.db.QueryRow(
		`SELECT device_id, global_device_id, display_name, location, device_type, status,
			tcp_connected, last_heartbeat_at, last_event_at, heartbeat_count, event_count,
			connected_at, source_ip, active_session_id
		 FROM devices WHERE device_id = ?`, deviceID,
	)
	return scanDevice(row)
}

// ListDevices returns all known devices.
func (d *DB) ListDevices() ([]domain.Device, error) {
	rows, err := d.db.Query(
		`SELECT device_id, global_device_id, display_name, location, device_type, status,
			tcp_connected, last_heartbeat_at, last_event_at, heartbeat_count, event_count,
			connected_at, source_ip, active_session_id
		 FROM devices ORDER BY device_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

func scanDevice(s scanner) (*domain.Device, error) {
	var dev domain.Device
	var deviceType, status string
	var lastHB, lastEvt, connectedAt sql.NullInt64

	err := s.Scan(&dev.DeviceID, &dev.GlobalDeviceID, &dev.DisplayName, &dev.Location,
		&deviceType, &status, &dev.TCPConnected, &lastHB, &lastEvt, &dev.HeartbeatCount,
		&dev.EventCount, &connectedAt, &dev.SourceIP, &dev.ActiveCloudSessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dev.DeviceType = domain.DeviceType(deviceType)
	dev.Status = domain.DeviceStatus(status)
	if lastHB.Valid {
		dev.LastHeartbeatAt = time.Unix(lastHB.Int64, 0)
	}
	if lastEvt.Valid {
		dev.LastEventAt = time.Unix(lastEvt.Int64, 0)
	}
	if connectedAt.Valid {
		dev.ConnectedAt = time.Unix(connectedAt.Int64, 0)
	}
	return &dev, nil
}

func unixOrNull(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
