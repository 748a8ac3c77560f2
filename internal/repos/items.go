package repos

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vypdev/vaultstadio-sub008/internal/models"
)

var ErrVersionMoved = errors.New("item version moved")

const itemColumns = `id, owner_id, path, version, content_version, checksum, size, deleted, last_cursor, created_at, updated_at`

func (r *SyncRepo) GetItem(ctx context.Context, id string) (*models.SyncItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_items WHERE id = ?`, id)
	return scanItem(row)
}

func (r *SyncRepo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (*models.SyncItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_items WHERE id = ?`, id)
	return scanItem(row)
}

// InsertItemTx creates the head of a new item. ErrVersionMoved means the
// id was taken in the meantime.
func (r *SyncRepo) InsertItemTx(ctx context.Context, tx *sql.Tx, item *models.SyncItem) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, item.ID, item.OwnerID, item.Path, item.Version, item.ContentVersion, item.Checksum, item.Size,
		item.Deleted, item.LastCursor, item.CreatedAt.UTC(), item.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	return movedIfUntouched(res)
}

// SwapItemTx overwrites the head of item only if it is still at
// expectedVersion. ErrVersionMoved means another writer got there first.
func (r *SyncRepo) SwapItemTx(ctx context.Context, tx *sql.Tx, item *models.SyncItem, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE sync_items SET
			path = ?, version = ?, content_version = ?, checksum = ?, size = ?,
			deleted = ?, last_cursor = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND version = ?
	`, item.Path, item.Version, item.ContentVersion, item.Checksum, item.Size,
		item.Deleted, item.LastCursor, item.UpdatedAt.UTC(),
		item.ID, item.OwnerID, expectedVersion)
	if err != nil {
		return err
	}
	return movedIfUntouched(res)
}

func movedIfUntouched(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionMoved
	}
	return nil
}

func scanItem(row scanner) (*models.SyncItem, error) {
	var it models.SyncItem
	if err := row.Scan(&it.ID, &it.OwnerID, &it.Path, &it.Version, &it.ContentVersion, &it.Checksum, &it.Size,
		&it.Deleted, &it.LastCursor, &it.CreatedAt, &it.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &it, nil
}
