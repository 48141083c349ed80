package store

import (
	"strconv"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

// edge identity is stored as key/value rows, the same shape the
// teacher uses for its node_info singleton.

// SetIdentity persists the singleton edge identity.
func (d *DB) SetIdentity(id domain.EdgeIdentity) error {
	kv := map[string]string{
		"edge_id":       id.EdgeID,
		"site_id":       id.SiteID,
		"site_name":     id.SiteName,
		"registered_at": strconv.FormatInt(id.RegisteredAt.Unix(), 10),
	}
	for k, v := range kv {
		if _, err := d.db.Exec(
			`INSERT INTO edge_identity (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
			k, v,
		); err != nil {
			return err
		}
	}
	return nil
}

// GetIdentity reads the singleton edge identity. Returns (nil, nil)
// when no identity has ever been stored.
func (d *DB) GetIdentity() (*domain.EdgeIdentity, error) {
	rows, err := d.db.Query(`SELECT key, value FROM edge_identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		kv[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, ok := kv["edge_id"]; !ok {
		return nil, nil
	}

	var id domain.EdgeIdentity
	id.EdgeID = kv["edge_id"]
	id.SiteID = kv["site_id"]
	id.SiteName = kv["site_name"]
	if sec, err := strconv.ParseInt(kv["registered_at"], 10, 64); err == nil {
		id.RegisteredAt = time.Unix(sec, 0)
	}
	return &id, nil
}
