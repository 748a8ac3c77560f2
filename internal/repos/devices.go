package repos

import (
	"context"
	"time"

	"github.com/vypdev/vaultstadio-sub008/internal/models"
)

const deviceColumns = `id, owner_id, device_id, device_name, device_type, last_sync_cursor, is_active, created_at, last_seen_at`

// UpsertDevice registers (ownerID, deviceID) or, when it already exists,
// refreshes its name and type and reactivates it. id is only used for a
// new row.
func (r *SyncRepo) UpsertDevice(ctx context.Context, id, ownerID, deviceID, name, deviceType string, now time.Time) (*models.SyncDevice, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, 1, ?, ?)
		ON CONFLICT(owner_id, device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			is_active = 1,
			last_seen_at = excluded.last_seen_at
	`, id, ownerID, deviceID, name, deviceType, now.UTC(), now.UTC())
	if err != nil {
		return nil, err
	}
	return r.GetDeviceByDeviceID(ctx, ownerID, deviceID)
}

func (r *SyncRepo) GetDevice(ctx context.Context, ownerID, id string) (*models.SyncDevice, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM sync_devices WHERE owner_id = ? AND id = ?`, ownerID, id)
	return scanDevice(row)
}

func (r *SyncRepo) GetDeviceByDeviceID(ctx context.Context, ownerID, deviceID string) (*models.SyncDevice, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM sync_devices WHERE owner_id = ? AND device_id = ?`, ownerID, deviceID)
	return scanDevice(row)
}

func (r *SyncRepo) ListDevices(ctx context.Context, ownerID string, activeOnly bool) ([]models.SyncDevice, error) {
	query := `SELECT ` + deviceColumns + ` FROM sync_devices WHERE owner_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at ASC, device_id ASC`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]models.SyncDevice, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (r *SyncRepo) DeactivateDevice(ctx context.Context, ownerID, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sync_devices SET is_active = 0 WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *SyncRepo) DeleteDevice(ctx context.Context, ownerID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_devices WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AdvanceDeviceCursor raises last_sync_cursor to cursor. Lower values leave
// the stored cursor alone so a late acknowledgement cannot move a device
// backwards.
func (r *SyncRepo) AdvanceDeviceCursor(ctx context.Context, ownerID, id string, cursor int64, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_devices SET
			last_sync_cursor = MAX(last_sync_cursor, ?),
			last_seen_at = ?
		WHERE owner_id = ? AND id = ?
	`, cursor, now.UTC(), ownerID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchDevice records that a device was seen without moving its cursor.
func (r *SyncRepo) TouchDevice(ctx context.Context, ownerID, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_devices SET last_seen_at = ? WHERE owner_id = ? AND id = ?
	`, now.UTC(), ownerID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *SyncRepo) CountActiveDevices(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_devices WHERE is_active = 1`).Scan(&n)
	return n, err
}

func scanDevice(row scanner) (*models.SyncDevice, error) {
	var d models.SyncDevice
	if err := row.Scan(&d.ID, &d.OwnerID, &d.DeviceID, &d.DeviceName, &d.DeviceType, &d.LastSyncCursor,
		&d.IsActive, &d.CreatedAt, &d.LastSeenAt); err != nil {
		return nil, notFoundOr(err)
	}
	return &d, nil
}
