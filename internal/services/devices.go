package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/vypdev/vaultstadio-sub008/internal/models"
)

type RegisterDeviceRequest struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	DeviceType string `json:"deviceType"`
}

// RegisterDevice is idempotent per (owner, deviceId). Registering again
// refreshes name and type and reactivates the device; its cursor is kept.
func (s *SyncService) RegisterDevice(ctx context.Context, ownerID string, req RegisterDeviceRequest) (*models.SyncDevice, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return nil, invalid("deviceId is required")
	}
	d, err := s.repo.UpsertDevice(ctx, newID(), ownerID, deviceID,
		strings.TrimSpace(req.DeviceName), strings.TrimSpace(req.DeviceType), s.now())
	if err != nil {
		return nil, err
	}
	s.refreshActiveDevices(ctx)
	return d, nil
}

func (s *SyncService) ListDevices(ctx context.Context, ownerID string, activeOnly bool) ([]models.SyncDevice, error) {
	return s.repo.ListDevices(ctx, ownerID, activeOnly)
}

func (s *SyncService) DeactivateDevice(ctx context.Context, ownerID, id string) (*models.SyncDevice, error) {
	if err := s.repo.DeactivateDevice(ctx, ownerID, id); err != nil {
		return nil, err
	}
	s.refreshActiveDevices(ctx)
	return s.repo.GetDevice(ctx, ownerID, id)
}

// RemoveDevice forgets a device. Records it produced stay in the log.
func (s *SyncService) RemoveDevice(ctx context.Context, ownerID, id string) error {
	if err := s.repo.DeleteDevice(ctx, ownerID, id); err != nil {
		return err
	}
	s.refreshActiveDevices(ctx)
	return nil
}

// UpdateDeviceCursor records that a device applied every record up to
// cursor. The stored cursor never moves backwards, and a cursor the log
// has not reached yet is rejected.
func (s *SyncService) UpdateDeviceCursor(ctx context.Context, ownerID, id string, cursor int64) (*models.SyncDevice, error) {
	if cursor < 0 {
		return nil, invalid("cursor must not be negative")
	}
	latest, err := s.repo.LatestCursor(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if cursor > latest {
		return nil, invalid("cursor %d is past the latest cursor %d", cursor, latest)
	}
	if err := s.repo.AdvanceDeviceCursor(ctx, ownerID, id, cursor, s.now()); err != nil {
		return nil, err
	}
	return s.repo.GetDevice(ctx, ownerID, id)
}

func (s *SyncService) refreshActiveDevices(ctx context.Context) {
	n, err := s.repo.CountActiveDevices(ctx)
	if err != nil {
		s.log.Warn("count active devices", zap.Error(err))
		return
	}
	s.metrics.ActiveDevices.Set(float64(n))
}
