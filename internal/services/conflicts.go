package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vypdev/vaultstadio-sub008/internal/delta"
	"github.com/vypdev/vaultstadio-sub008/internal/models"
	"github.com/vypdev/vaultstadio-sub008/internal/repos"
	"github.com/vypdev/vaultstadio-sub008/internal/storage"
)

type ResolveResult struct {
	models.SyncConflict
	Change *models.ChangeRecord `json:"change,omitempty"`
}

// recordConflict stores ch as rejected against the item's current head.
func (s *SyncService) recordConflict(ctx context.Context, ownerID, deviceID string, ch models.PushChange, head *models.SyncItem) (*models.SyncConflict, error) {
	remote, err := s.repo.LatestChangeForItem(ctx, ownerID, ch.ItemID)
	if err != nil && !errors.Is(err, repos.ErrNotFound) {
		return nil, err
	}
	local := ch
	local.Content = nil
	if ch.Content != nil && local.Checksum == "" {
		local.Checksum = delta.StrongChecksum(ch.Content)
	}

	var remoteType models.ChangeType
	if remote != nil {
		remoteType = remote.ChangeType
	} else if head.Deleted {
		remoteType = models.ChangeDeleted
	}
	c := &models.SyncConflict{
		ID:           newID(),
		OwnerID:      ownerID,
		ItemID:       ch.ItemID,
		ConflictType: classifyConflict(ch, remoteType),
		DeviceID:     deviceID,
		LocalChange:  local,
		LocalSize:    int64(len(ch.Content)),
		LocalContent: ch.Content,
		RemoteChange: remote,
		CreatedAt:    s.now(),
	}
	if err := s.repo.InsertConflict(ctx, c); err != nil {
		return nil, err
	}
	s.metrics.ConflictsCreated.WithLabelValues(string(c.ConflictType)).Inc()
	s.log.Info("conflict recorded",
		zap.String("owner", ownerID),
		zap.String("item", ch.ItemID),
		zap.String("type", string(c.ConflictType)),
		zap.Int64("expected", ch.ExpectedBaseVersion),
		zap.Int64("server", head.Version))
	return c, nil
}

func classifyConflict(local models.PushChange, remote models.ChangeType) models.ConflictType {
	switch {
	case local.ChangeType == models.ChangeCreated && local.ExpectedBaseVersion == 0:
		return models.ConflictCreateCreate
	case local.ChangeType == models.ChangeDeleted && remote != models.ChangeDeleted:
		return models.ConflictDeleteEdit
	case local.ChangeType != models.ChangeDeleted && remote == models.ChangeDeleted:
		return models.ConflictEditDelete
	case local.ChangeType == models.ChangeMoved && remote == models.ChangeMoved:
		return models.ConflictMoveMove
	}
	return models.ConflictEditEdit
}

func (s *SyncService) ListConflicts(ctx context.Context, ownerID string) ([]models.SyncConflict, error) {
	conflicts, _, err := s.repo.ListPendingConflicts(ctx, ownerID, 0)
	return conflicts, err
}

func (s *SyncService) GetConflict(ctx context.Context, ownerID, id string) (*models.SyncConflict, error) {
	return s.repo.GetConflict(ctx, ownerID, id)
}

// ConflictContent returns the bytes of the rejected local change. A
// conflict whose local side carried no content is NotFound.
func (s *SyncService) ConflictContent(ctx context.Context, ownerID, id string) ([]byte, *models.SyncConflict, error) {
	c, err := s.repo.GetConflict(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	if c.LocalContent == nil {
		return nil, nil, repos.ErrNotFound
	}
	return c.LocalContent, c, nil
}

// ResolveConflict settles a pending conflict. KeepRemote appends nothing,
// KeepLocal re-applies the local change on the current head and KeepBoth
// writes the local side to a new item next to the original.
func (s *SyncService) ResolveConflict(ctx context.Context, ownerID, id string, resolution models.Resolution) (*ResolveResult, error) {
	if !resolution.Valid() {
		return nil, invalid("unknown resolution %q", resolution)
	}
	c, err := s.repo.GetConflict(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if c.Resolved() {
		return nil, ErrConflictAlreadyResolved
	}

	held := s.lockItem(ctx, ownerID, c.ItemID)
	defer held.release()

	c, err = s.repo.GetConflict(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if c.Resolved() {
		return nil, ErrConflictAlreadyResolved
	}

	mark := func(tx *sql.Tx) error {
		err := s.repo.MarkConflictResolvedTx(ctx, tx, ownerID, id, resolution, ownerID, s.now())
		if errors.Is(err, repos.ErrAlreadyResolved) {
			return ErrConflictAlreadyResolved
		}
		return err
	}

	var rec *models.ChangeRecord
	switch resolution {
	case models.KeepRemote:
		err = s.repo.WithTx(ctx, mark)
	case models.KeepLocal:
		rec, err = s.keepLocal(ctx, ownerID, c, mark, held)
	case models.KeepBoth:
		rec, err = s.keepBoth(ctx, ownerID, c, mark, held)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.ConflictsResolved.WithLabelValues(string(resolution)).Inc()
	resolved, err := s.repo.GetConflict(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return &ResolveResult{SyncConflict: *resolved, Change: rec}, nil
}

func (s *SyncService) keepLocal(ctx context.Context, ownerID string, c *models.SyncConflict, mark func(*sql.Tx) error, held *heldItem) (*models.ChangeRecord, error) {
	head, err := s.items.ResolveItem(ctx, ownerID, c.ItemID, false)
	if err != nil {
		return nil, err
	}
	ch := c.Local()
	ch.ExpectedBaseVersion = head.Version

	switch {
	case ch.ChangeType == models.ChangeDeleted && head.Deleted:
		return nil, s.repo.WithTx(ctx, mark)
	case head.Deleted:
		ch.ChangeType = models.ChangeCreated
		if ch.NewPath == "" {
			ch.NewPath = head.Path
		}
	case ch.ChangeType == models.ChangeCreated:
		ch.ChangeType = models.ChangeUpdated
	}

	var content []byte
	if ch.ChangeType.CarriesContent() && ch.Content != nil {
		content = ch.Content
	}
	rec, _, err := s.applyChange(ctx, applyRequest{
		ownerID:  ownerID,
		deviceID: c.DeviceID,
		change:   ch,
		head:     head,
		content:  content,
		inTx:     mark,
		held:     held,
	})
	if errors.Is(err, repos.ErrVersionMoved) {
		return nil, &ConflictError{ServerVersion: head.Version, ServerChecksum: head.Checksum}
	}
	return rec, err
}

func (s *SyncService) keepBoth(ctx context.Context, ownerID string, c *models.SyncConflict, mark func(*sql.Tx) error, held *heldItem) (*models.ChangeRecord, error) {
	local := c.Local()
	if local.ChangeType == models.ChangeDeleted {
		return nil, ErrInvalidResolution
	}
	head, err := s.items.ResolveItem(ctx, ownerID, c.ItemID, true)
	if err != nil {
		return nil, err
	}

	content := local.Content
	if content == nil && head != nil && head.ContentVersion > 0 {
		content, err = s.store.ReadVersion(ctx, head.ID, head.ContentVersion)
		if err != nil && !errors.Is(err, storage.ErrVersionNotFound) {
			return nil, err
		}
	}
	base := local.NewPath
	if base == "" && head != nil {
		base = head.Path
	}
	if base == "" {
		base = local.OldPath
	}
	if base == "" {
		return nil, ErrInvalidResolution
	}

	copyChange := models.PushChange{
		ItemID:     newID(),
		ChangeType: models.ChangeCreated,
		NewPath:    ConflictCopyPath(base, s.deviceLabel(ctx, ownerID, c.DeviceID), c.CreatedAt),
		Metadata:   local.Metadata,
	}
	if local.Content != nil {
		copyChange.Checksum = local.Checksum
	}
	rec, _, err := s.applyChange(ctx, applyRequest{
		ownerID:  ownerID,
		deviceID: c.DeviceID,
		change:   copyChange,
		content:  content,
		inTx:     mark,
		held:     held,
	})
	return rec, err
}

func (s *SyncService) deviceLabel(ctx context.Context, ownerID, deviceID string) string {
	if deviceID == "" {
		return "unknown device"
	}
	if d, err := s.repo.GetDeviceByDeviceID(ctx, ownerID, deviceID); err == nil && d.DeviceName != "" {
		return d.DeviceName
	}
	return deviceID
}

// ConflictCopyPath names the sibling that keeps the local side of a
// conflict, e.g. "/docs/report (conflict Laptop 2024-05-01).txt".
func ConflictCopyPath(p, device string, at time.Time) string {
	dir, file := path.Split(p)
	ext := path.Ext(file)
	name := strings.TrimSuffix(file, ext)
	if name == "" {
		name, ext = file, ""
	}
	device = strings.ReplaceAll(strings.TrimSpace(device), "/", "-")
	return dir + fmt.Sprintf("%s (conflict %s %s)%s", name, device, at.UTC().Format("2006-01-02"), ext)
}
