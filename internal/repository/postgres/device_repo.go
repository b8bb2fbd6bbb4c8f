package postgres

import (
	"context"
	"time"
)

// DeviceRepo implements DeviceRepository using PostgreSQL.
type DeviceRepo struct{ db *DB }

// NewDeviceRepo constructs a device repository.
func NewDeviceRepo(db *DB) *DeviceRepo { return &DeviceRepo{db: db} }

// Touch upserts the device row and advances last_sync_at.
func (r *DeviceRepo) Touch(ctx context.Context, deviceID string, at time.Time) error {
	const q = `
INSERT INTO devices (device_id, first_seen_at, last_sync_at)
VALUES ($1,$2,$2)
ON CONFLICT (device_id) DO UPDATE SET last_sync_at = GREATEST(devices.last_sync_at, EXCLUDED.last_sync_at)`
	_, err := r.db.Pool.Exec(ctx, q, deviceID, at)
	return err
}
