package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vypdev/vaultstadio-sub008/internal/models"
)

type PullRequest struct {
	Cursor         *int64 `json:"cursor"`
	Limit          int    `json:"limit"`
	IncludeDeleted *bool  `json:"includeDeleted"`
	DeviceID       string `json:"deviceId"`
}

type PullResponse struct {
	Changes       []models.ChangeRecord `json:"changes"`
	Cursor        int64                 `json:"cursor"`
	HasMore       bool                  `json:"hasMore"`
	Conflicts     []models.SyncConflict `json:"conflicts"`
	MoreConflicts bool                  `json:"moreConflicts"`
	ServerTime    time.Time             `json:"serverTime"`
}

// Pull returns the records after the request cursor. Without a cursor a
// registered device resumes from the cursor it last acknowledged through
// UpdateDeviceCursor; answering a pull never moves it.
func (s *SyncService) Pull(ctx context.Context, ownerID string, req PullRequest) (*PullResponse, error) {
	var device *models.SyncDevice
	if id := strings.TrimSpace(req.DeviceID); id != "" {
		d, err := s.repo.GetDeviceByDeviceID(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		device = d
	}

	var after int64
	switch {
	case req.Cursor != nil:
		after = *req.Cursor
	case device != nil:
		after = device.LastSyncCursor
	}
	if after < 0 {
		return nil, invalid("cursor must not be negative")
	}
	limit, err := s.pullLimit(req.Limit)
	if err != nil {
		return nil, err
	}
	includeDeleted := true
	if req.IncludeDeleted != nil {
		includeDeleted = *req.IncludeDeleted
	}

	changes, hasMore, next, err := s.PullSince(ctx, ownerID, after, limit, includeDeleted)
	if err != nil {
		return nil, err
	}
	conflicts, moreConflicts, err := s.repo.ListPendingConflicts(ctx, ownerID, s.opts.PullConflictLimit)
	if err != nil {
		return nil, err
	}
	if device != nil {
		if err := s.repo.TouchDevice(ctx, ownerID, device.ID, s.now()); err != nil {
			s.log.Warn("touch device", zap.String("device", device.DeviceID), zap.Error(err))
		}
	}
	s.metrics.PullRecords.Observe(float64(len(changes)))
	return &PullResponse{
		Changes:       changes,
		Cursor:        next,
		HasMore:       hasMore,
		Conflicts:     conflicts,
		MoreConflicts: moreConflicts,
		ServerTime:    s.now(),
	}, nil
}

// PullSince reads one page of the change log. next is the cursor of the
// last returned record, or after when the page is empty.
func (s *SyncService) PullSince(ctx context.Context, ownerID string, after int64, limit int, includeDeleted bool) ([]models.ChangeRecord, bool, int64, error) {
	changes, hasMore, err := s.repo.ListChanges(ctx, ownerID, after, limit, includeDeleted)
	if err != nil {
		return nil, false, 0, err
	}
	next := after
	if len(changes) > 0 {
		next = changes[len(changes)-1].Cursor
	}
	return changes, hasMore, next, nil
}

func (s *SyncService) pullLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, invalid("limit must not be negative")
	case limit == 0:
		return s.opts.DefaultPullLimit, nil
	case limit > s.opts.MaxPullLimit:
		return s.opts.MaxPullLimit, nil
	}
	return limit, nil
}

// LatestCursor is the highest cursor ever assigned to ownerID.
func (s *SyncService) LatestCursor(ctx context.Context, ownerID string) (int64, error) {
	return s.repo.LatestCursor(ctx, ownerID)
}
