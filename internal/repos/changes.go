package repos

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/vypdev/vaultstadio-sub008/internal/models"
)

const changeColumns = `owner_id, cursor, item_id, change_type, old_path, new_path, checksum,
	version, content_version, size, device_id, metadata, created_at`

// NextCursorTx reserves the next cursor of an account. It must run in the
// same transaction as the insert of the record that uses it.
func (r *SyncRepo) NextCursorTx(ctx context.Context, tx *sql.Tx, ownerID string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (owner_id, last_cursor) VALUES (?, 1)
		ON CONFLICT(owner_id) DO UPDATE SET last_cursor = last_cursor + 1
	`, ownerID); err != nil {
		return 0, err
	}
	var next int64
	err := tx.QueryRowContext(ctx, `SELECT last_cursor FROM sync_cursors WHERE owner_id = ?`, ownerID).Scan(&next)
	return next, err
}

func (r *SyncRepo) InsertChangeTx(ctx context.Context, tx *sql.Tx, rec *models.ChangeRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_changes (`+changeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.OwnerID, rec.Cursor, rec.ItemID, string(rec.ChangeType), rec.OldPath, rec.NewPath, rec.Checksum,
		rec.Version, rec.ContentVersion, rec.Size, rec.DeviceID, string(rec.Metadata), rec.Timestamp.UTC())
	return err
}

// ListChanges returns up to limit records with cursor > after, oldest
// first, and whether more matching records follow.
func (r *SyncRepo) ListChanges(ctx context.Context, ownerID string, after int64, limit int, includeDeleted bool) ([]models.ChangeRecord, bool, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + changeColumns + ` FROM sync_changes WHERE owner_id = ? AND cursor > ?`
	args := []any{ownerID, after}
	if !includeDeleted {
		query += ` AND change_type <> ?`
		args = append(args, string(models.ChangeDeleted))
	}
	query += ` ORDER BY cursor ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	records := make([]models.ChangeRecord, 0, limit)
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, false, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	return records, hasMore, nil
}

func (r *SyncRepo) LatestCursor(ctx context.Context, ownerID string) (int64, error) {
	var v int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(last_cursor), 0) FROM sync_cursors WHERE owner_id = ?`, ownerID).Scan(&v)
	return v, err
}

func (r *SyncRepo) GetChange(ctx context.Context, ownerID string, cursor int64) (*models.ChangeRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM sync_changes WHERE owner_id = ? AND cursor = ?`, ownerID, cursor)
	return scanChangeRow(row)
}

// LatestChangeForItem returns the record that produced the item's current
// version.
func (r *SyncRepo) LatestChangeForItem(ctx context.Context, ownerID, itemID string) (*models.ChangeRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+changeColumns+` FROM sync_changes
		WHERE owner_id = ? AND item_id = ?
		ORDER BY cursor DESC LIMIT 1
	`, ownerID, itemID)
	return scanChangeRow(row)
}

// ChangeAtVersion returns the record that moved the item to version.
func (r *SyncRepo) ChangeAtVersion(ctx context.Context, ownerID, itemID string, version int64) (*models.ChangeRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+changeColumns+` FROM sync_changes
		WHERE owner_id = ? AND item_id = ? AND version = ?
		ORDER BY cursor DESC LIMIT 1
	`, ownerID, itemID, version)
	return scanChangeRow(row)
}

func scanChangeRow(row *sql.Row) (*models.ChangeRecord, error) {
	rec, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanChange(row scanner) (*models.ChangeRecord, error) {
	var (
		rec        models.ChangeRecord
		changeType string
		metadata   string
	)
	if err := row.Scan(&rec.OwnerID, &rec.Cursor, &rec.ItemID, &changeType, &rec.OldPath, &rec.NewPath, &rec.Checksum,
		&rec.Version, &rec.ContentVersion, &rec.Size, &rec.DeviceID, &metadata, &rec.Timestamp); err != nil {
		return nil, err
	}
	rec.ChangeType = models.ChangeType(changeType)
	if metadata != "" {
		rec.Metadata = json.RawMessage(metadata)
	}
	return &rec, nil
}
