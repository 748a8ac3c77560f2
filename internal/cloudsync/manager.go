package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vypdev/vaultstadio-sub008/internal/delta"
	"github.com/vypdev/vaultstadio-sub008/internal/models"
	"github.com/vypdev/vaultstadio-sub008/internal/services"
)

type ManagerConfig struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	PageSize   int
	BlockSize  int
	Interval   time.Duration
}

// ApplyFunc receives every pulled change record in cursor order.
type ApplyFunc func(ctx context.Context, rec models.ChangeRecord) error

// Manager keeps one device in step with the server: it pulls the change
// log from its cursor and uploads local edits as deltas when it can.
type Manager struct {
	mu sync.Mutex

	client *Client
	cfg    ManagerConfig
	apply  ApplyFunc
	log    *zap.Logger

	deviceRef string
	cursor    int64
	acked     int64
	versions  map[string]int64
	conflicts map[string]models.SyncConflict
}

func NewManager(client *Client, cfg ManagerConfig, apply ApplyFunc, log *zap.Logger) *Manager {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = delta.DefaultBlockSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		client:    client,
		cfg:       cfg,
		apply:     apply,
		log:       log,
		versions:  map[string]int64{},
		conflicts: map[string]models.SyncConflict{},
	}
}

// InitialSync registers the device, resumes from the last cursor it
// acknowledged and drains the change log.
func (m *Manager) InitialSync(ctx context.Context) error {
	dev, err := m.client.RegisterDevice(ctx, services.RegisterDeviceRequest{
		DeviceID:   m.cfg.DeviceID,
		DeviceName: m.cfg.DeviceName,
		DeviceType: m.cfg.DeviceType,
	})
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	m.mu.Lock()
	m.deviceRef = dev.ID
	if dev.LastSyncCursor > m.cursor {
		m.cursor = dev.LastSyncCursor
	}
	if dev.LastSyncCursor > m.acked {
		m.acked = dev.LastSyncCursor
	}
	m.mu.Unlock()
	_, err = m.PullAll(ctx)
	return err
}

func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.PullAll(ctx); err != nil {
				m.log.Warn("sync pull failed", zap.Error(err))
			} else if n > 0 {
				m.log.Debug("sync pulled", zap.Int("records", n), zap.Int64("cursor", m.Cursor()))
			}
		}
	}
}

// PullAll pages through the change log until the server reports no more
// records and returns how many were applied. The server cursor is only
// acknowledged up to the last record apply accepted.
func (m *Manager) PullAll(ctx context.Context) (int, error) {
	total := 0
	for {
		cursor := m.Cursor()
		resp, err := m.client.Pull(ctx, services.PullRequest{
			Cursor:   &cursor,
			Limit:    m.cfg.PageSize,
			DeviceID: m.cfg.DeviceID,
		})
		if err != nil {
			return total, err
		}
		applied := cursor
		for _, rec := range resp.Changes {
			if m.apply != nil {
				if err := m.apply(ctx, rec); err != nil {
					applyErr := fmt.Errorf("apply cursor %d: %w", rec.Cursor, err)
					if ackErr := m.commit(ctx, applied); ackErr != nil {
						return total, errors.Join(applyErr, ackErr)
					}
					return total, applyErr
				}
			}
			m.observe(rec)
			applied = rec.Cursor
			total++
		}
		if err := m.commit(ctx, applied); err != nil {
			return total, err
		}

		m.mu.Lock()
		m.conflicts = make(map[string]models.SyncConflict, len(resp.Conflicts))
		for _, c := range resp.Conflicts {
			m.conflicts[c.ID] = c
		}
		m.mu.Unlock()

		if !resp.HasMore || len(resp.Changes) == 0 {
			return total, nil
		}
	}
}

// Upload sends new content for itemID. Known items with stored content go
// up as a delta against the server signature; anything else is a full
// push. A stale base comes back as *ConflictError.
func (m *Manager) Upload(ctx context.Context, itemID, path string, content []byte) (*models.ChangeRecord, error) {
	base, known := m.Version(itemID)
	if !known {
		return m.push(ctx, models.PushChange{
			ItemID:     itemID,
			ChangeType: models.ChangeCreated,
			NewPath:    path,
			Checksum:   delta.StrongChecksum(content),
			Content:    content,
		})
	}

	sig, err := m.client.Signature(ctx, itemID, m.cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	if sig.ContentLength == 0 || sig.VersionNumber != base {
		return m.push(ctx, models.PushChange{
			ItemID:              itemID,
			ChangeType:          models.ChangeUpdated,
			ExpectedBaseVersion: base,
			Checksum:            delta.StrongChecksum(content),
			Content:             content,
		})
	}

	d := delta.ComputeDelta(content, sig.Signature)
	res, err := m.client.UploadDelta(ctx, itemID, services.UploadDeltaRequest{
		DeviceID:    m.cfg.DeviceID,
		BaseVersion: base,
		BlockSize:   sig.BlockSize,
		Blocks:      delta.ToWire(d.Ops),
		NewChecksum: d.DeclaredChecksum,
	})
	if err != nil {
		return nil, err
	}
	if res.Change != nil {
		m.observe(*res.Change)
		return res.Change, nil
	}
	m.setVersion(itemID, res.NewVersion)
	return nil, nil
}

// Delete pushes a tombstone for itemID at the last version this device saw.
func (m *Manager) Delete(ctx context.Context, itemID string) (*models.ChangeRecord, error) {
	base, known := m.Version(itemID)
	if !known {
		return nil, ErrNotFound
	}
	return m.push(ctx, models.PushChange{
		ItemID:              itemID,
		ChangeType:          models.ChangeDeleted,
		ExpectedBaseVersion: base,
	})
}

// Resolve settles a pending conflict and records the resulting version.
func (m *Manager) Resolve(ctx context.Context, conflictID string, resolution models.Resolution) (*services.ResolveResult, error) {
	res, err := m.client.ResolveConflict(ctx, conflictID, resolution)
	if err != nil {
		return nil, err
	}
	if res.Change != nil {
		m.observe(*res.Change)
	}
	m.mu.Lock()
	delete(m.conflicts, conflictID)
	m.mu.Unlock()
	return res, nil
}

func (m *Manager) push(ctx context.Context, ch models.PushChange) (*models.ChangeRecord, error) {
	resp, err := m.client.Push(ctx, services.PushRequest{DeviceID: m.cfg.DeviceID, Changes: []models.PushChange{ch}})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) != 1 {
		return nil, fmt.Errorf("push: expected 1 result, got %d", len(resp.Results))
	}
	res := resp.Results[0]
	switch res.Status {
	case services.PushAccepted:
		if res.Change != nil {
			m.observe(*res.Change)
		}
		return res.Change, nil
	case services.PushConflict:
		ce := &ConflictError{Code: "STALE_BASE", Conflict: res.Conflict}
		if res.Conflict != nil {
			m.mu.Lock()
			m.conflicts[res.Conflict.ID] = *res.Conflict
			m.mu.Unlock()
			if rc := res.Conflict.RemoteChange; rc != nil {
				ce.ServerVersion = rc.Version
				ce.ServerChecksum = rc.Checksum
			}
		}
		return nil, ce
	}
	if res.Code == "NOT_FOUND" {
		return nil, ErrNotFound
	}
	return nil, &APIError{Status: 0, Code: res.Code, Message: res.Error}
}

// commit moves the local cursor to cursor and acknowledges it to the server
// once the device is registered.
func (m *Manager) commit(ctx context.Context, cursor int64) error {
	m.mu.Lock()
	if cursor > m.cursor {
		m.cursor = cursor
	}
	ref, target, pending := m.deviceRef, m.cursor, m.cursor > m.acked
	m.mu.Unlock()
	if ref == "" || !pending {
		return nil
	}
	if _, err := m.client.AckCursor(ctx, ref, target); err != nil {
		return fmt.Errorf("ack cursor %d: %w", target, err)
	}
	m.mu.Lock()
	if target > m.acked {
		m.acked = target
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) observe(rec models.ChangeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Version > m.versions[rec.ItemID] {
		m.versions[rec.ItemID] = rec.Version
	}
}

func (m *Manager) setVersion(itemID string, v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > m.versions[itemID] {
		m.versions[itemID] = v
	}
}

func (m *Manager) Cursor() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// Version is the newest version of itemID this device has seen.
func (m *Manager) Version(itemID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[strings.TrimSpace(itemID)]
	return v, ok
}

func (m *Manager) Conflicts() []models.SyncConflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SyncConflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		out = append(out, c)
	}
	return out
}

// IsConflict reports whether err is a stale-base answer from the server.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
