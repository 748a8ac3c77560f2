package repos

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vypdev/vaultstadio-sub008/internal/models"
)

var ErrAlreadyResolved = errors.New("conflict already resolved")

const conflictColumns = `id, owner_id, item_id, conflict_type, device_id, local_change, remote_cursor,
	created_at, resolution, resolved_at, resolved_by`

func (r *SyncRepo) InsertConflict(ctx context.Context, c *models.SyncConflict) error {
	local, err := json.Marshal(c.Local())
	if err != nil {
		return fmt.Errorf("encode local change: %w", err)
	}
	var remoteCursor int64
	if c.RemoteChange != nil {
		remoteCursor = c.RemoteChange.Cursor
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts (id, owner_id, item_id, conflict_type, device_id, local_change, remote_cursor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.OwnerID, c.ItemID, string(c.ConflictType), c.DeviceID, string(local), remoteCursor, c.CreatedAt.UTC())
	return err
}

func (r *SyncRepo) GetConflict(ctx context.Context, ownerID, id string) (*models.SyncConflict, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE owner_id = ? AND id = ?`, ownerID, id)
	c, remoteCursor, err := scanConflict(row)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if err := r.attachRemote(ctx, c, remoteCursor); err != nil {
		return nil, err
	}
	return c, nil
}

// ListPendingConflicts returns unresolved conflicts of an account, oldest
// first. With limit > 0 at most limit are returned and more reports whether
// others are pending.
func (r *SyncRepo) ListPendingConflicts(ctx context.Context, ownerID string, limit int) ([]models.SyncConflict, bool, error) {
	query := `
		SELECT ` + conflictColumns + ` FROM sync_conflicts
		WHERE owner_id = ? AND resolution = ''
		ORDER BY created_at ASC, id ASC`
	args := []any{ownerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit+1)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	type pending struct {
		conflict     *models.SyncConflict
		remoteCursor int64
	}
	var found []pending
	for rows.Next() {
		c, remoteCursor, err := scanConflict(rows)
		if err != nil {
			_ = rows.Close()
			return nil, false, err
		}
		found = append(found, pending{c, remoteCursor})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, false, err
	}
	_ = rows.Close()

	more := limit > 0 && len(found) > limit
	if more {
		found = found[:limit]
	}

	out := make([]models.SyncConflict, 0, len(found))
	for _, p := range found {
		if err := r.attachRemote(ctx, p.conflict, p.remoteCursor); err != nil {
			return nil, false, err
		}
		out = append(out, *p.conflict)
	}
	return out, more, nil
}

// MarkConflictResolvedTx moves a pending conflict to its terminal state.
// ErrAlreadyResolved means it was resolved before.
func (r *SyncRepo) MarkConflictResolvedTx(ctx context.Context, tx *sql.Tx, ownerID, id string, res models.Resolution, by string, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE sync_conflicts SET resolution = ?, resolved_at = ?, resolved_by = ?
		WHERE owner_id = ? AND id = ? AND resolution = ''
	`, string(res), now.UTC(), by, ownerID, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts WHERE owner_id = ? AND id = ?`, ownerID, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrAlreadyResolved
}

func (r *SyncRepo) attachRemote(ctx context.Context, c *models.SyncConflict, remoteCursor int64) error {
	if remoteCursor == 0 {
		return nil
	}
	rec, err := r.GetChange(ctx, c.OwnerID, remoteCursor)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.RemoteChange = rec
	return nil
}

func scanConflict(row scanner) (*models.SyncConflict, int64, error) {
	var (
		c            models.SyncConflict
		conflictType string
		local        string
		remoteCursor int64
		resolution   string
		resolvedAt   sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.ItemID, &conflictType, &c.DeviceID, &local, &remoteCursor,
		&c.CreatedAt, &resolution, &resolvedAt, &c.ResolvedBy); err != nil {
		return nil, 0, err
	}
	c.ConflictType = models.ConflictType(conflictType)
	if err := json.Unmarshal([]byte(local), &c.LocalChange); err != nil {
		return nil, 0, fmt.Errorf("decode local change of conflict %s: %w", c.ID, err)
	}
	c.LocalContent = c.LocalChange.Content
	c.LocalChange.Content = nil
	c.LocalSize = int64(len(c.LocalContent))
	if resolution != "" {
		res := models.Resolution(resolution)
		c.Resolution = &res
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, remoteCursor, nil
}
