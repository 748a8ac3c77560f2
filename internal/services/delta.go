package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vypdev/vaultstadio-sub008/internal/delta"
	"github.com/vypdev/vaultstadio-sub008/internal/models"
	"github.com/vypdev/vaultstadio-sub008/internal/repos"
	"github.com/vypdev/vaultstadio-sub008/internal/sigcache"
)

type UploadDeltaRequest struct {
	DeviceID    string            `json:"deviceId"`
	BaseVersion int64             `json:"baseVersion"`
	BlockSize   int               `json:"blockSize"`
	Blocks      []delta.WireBlock `json:"blocks"`
	NewChecksum string            `json:"newChecksum"`
}

type UploadDeltaResult struct {
	Success       bool                 `json:"success"`
	AppliedBlocks int                  `json:"appliedBlocks"`
	NewVersion    int64                `json:"newVersion"`
	NewChecksum   string               `json:"newChecksum"`
	Change        *models.ChangeRecord `json:"change,omitempty"`
}

func (s *SyncService) blockSize(requested int) (int, error) {
	switch {
	case requested == 0:
		return s.opts.BlockSize, nil
	case requested < 0:
		return 0, invalid("blockSize must be positive")
	case requested > s.opts.MaxBlockSize:
		return 0, invalid("blockSize %d exceeds maximum %d", requested, s.opts.MaxBlockSize)
	}
	return requested, nil
}

// Signature describes the current content of an item in blocks of
// blockSize (0 means the default).
func (s *SyncService) Signature(ctx context.Context, ownerID, itemID string, blockSize int) (*delta.Signature, error) {
	bs, err := s.blockSize(blockSize)
	if err != nil {
		return nil, err
	}
	head, err := s.liveItem(ctx, ownerID, itemID)
	if err != nil {
		return nil, err
	}

	key := sigcache.Key{ItemID: head.ID, ContentVersion: head.ContentVersion, BlockSize: bs}
	if cached, ok := s.sigs.Get(ctx, key); ok {
		sig := *cached
		sig.VersionNumber = head.Version
		return &sig, nil
	}

	content, err := s.readContent(ctx, head)
	if err != nil {
		return nil, err
	}
	sig, err := delta.BuildSignatureParallel(ctx, content, bs, head.Version, s.opts.SignatureWorkers)
	if err != nil {
		return nil, err
	}
	s.sigs.Put(ctx, key, &sig)
	return &sig, nil
}

// UploadDelta rebuilds new content from ops against the base version and
// stores it as the item's next version. A base the item moved past is a
// conflict, never a content error.
func (s *SyncService) UploadDelta(ctx context.Context, ownerID, itemID string, req UploadDeltaRequest) (*UploadDeltaResult, error) {
	ops, err := delta.FromWire(req.Blocks)
	if err != nil {
		return nil, err
	}
	checksum := strings.ToLower(strings.TrimSpace(req.NewChecksum))
	if checksum == "" {
		return nil, invalid("newChecksum is required")
	}
	bs, err := s.blockSize(req.BlockSize)
	if err != nil {
		return nil, err
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID != "" {
		if _, err := s.repo.GetDeviceByDeviceID(ctx, ownerID, deviceID); err != nil {
			return nil, err
		}
	}
	d := delta.Delta{BaseVersion: req.BaseVersion, BlockSize: bs, Ops: ops, DeclaredChecksum: checksum}

	held := s.lockItem(ctx, ownerID, itemID)
	defer held.release()

	head, err := s.liveItem(ctx, ownerID, itemID)
	if err != nil {
		return nil, err
	}
	if req.BaseVersion != head.Version {
		return nil, s.staleDelta(ctx, ownerID, deviceID, head, d)
	}

	base, err := s.readContent(ctx, head)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	content, err := delta.ApplyDelta(d, base)
	if errors.Is(err, delta.ErrChecksumMismatch) {
		s.metrics.ChecksumMismatches.Inc()
	}
	if err != nil {
		return nil, err
	}
	s.metrics.DeltaApplySeconds.Observe(time.Since(start).Seconds())
	st := d.Stats()
	s.metrics.DeltaBytes.WithLabelValues("literal").Add(float64(st.LiteralBytes))
	s.metrics.DeltaBytes.WithLabelValues("copied").Add(float64(len(content) - st.LiteralBytes))

	rec, item, err := s.applyChange(ctx, applyRequest{
		ownerID:  ownerID,
		deviceID: deviceID,
		change: models.PushChange{
			ItemID:              itemID,
			ChangeType:          models.ChangeUpdated,
			ExpectedBaseVersion: head.Version,
			Checksum:            checksum,
		},
		head:    head,
		content: content,
		held:    held,
	})
	if errors.Is(err, repos.ErrVersionMoved) {
		return nil, &ConflictError{ServerVersion: head.Version, ServerChecksum: head.Checksum}
	}
	if err != nil {
		return nil, err
	}
	return &UploadDeltaResult{
		Success:       true,
		AppliedBlocks: len(ops),
		NewVersion:    item.Version,
		NewChecksum:   item.Checksum,
		Change:        rec,
	}, nil
}

// staleDelta records a conflict when the delta can still be rebuilt against
// the version it names, so the local side is not lost.
func (s *SyncService) staleDelta(ctx context.Context, ownerID, deviceID string, head *models.SyncItem, d delta.Delta) error {
	cerr := &ConflictError{ServerVersion: head.Version, ServerChecksum: head.Checksum}
	if d.BaseVersion <= 0 || d.BaseVersion > head.Version {
		return cerr
	}
	at, err := s.repo.ChangeAtVersion(ctx, ownerID, head.ID, d.BaseVersion)
	if err != nil {
		return cerr
	}
	var base []byte
	if at.ContentVersion > 0 {
		if base, err = s.store.ReadVersion(ctx, head.ID, at.ContentVersion); err != nil {
			return cerr
		}
	}
	content, err := delta.ApplyDelta(d, base)
	if err != nil {
		return cerr
	}
	local := models.PushChange{
		ItemID:              head.ID,
		ChangeType:          models.ChangeUpdated,
		ExpectedBaseVersion: d.BaseVersion,
		Checksum:            d.DeclaredChecksum,
		Content:             content,
	}
	conflict, err := s.recordConflict(ctx, ownerID, deviceID, local, head)
	if err != nil {
		s.log.Warn("record delta conflict", zap.String("item", head.ID), zap.Error(err))
		return cerr
	}
	cerr.Conflict = conflict
	return cerr
}

// Content returns the current bytes of an item.
func (s *SyncService) Content(ctx context.Context, ownerID, itemID string) ([]byte, *models.SyncItem, error) {
	head, err := s.liveItem(ctx, ownerID, itemID)
	if err != nil {
		return nil, nil, err
	}
	content, err := s.readContent(ctx, head)
	if err != nil {
		return nil, nil, err
	}
	return content, head, nil
}

func (s *SyncService) liveItem(ctx context.Context, ownerID, itemID string) (*models.SyncItem, error) {
	head, err := s.items.ResolveItem(ctx, ownerID, itemID, false)
	if err != nil {
		return nil, err
	}
	if head.Deleted {
		return nil, repos.ErrNotFound
	}
	return head, nil
}

func (s *SyncService) readContent(ctx context.Context, item *models.SyncItem) ([]byte, error) {
	if item.ContentVersion == 0 {
		return []byte{}, nil
	}
	return s.store.ReadVersion(ctx, item.ID, item.ContentVersion)
}
