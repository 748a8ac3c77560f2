package services

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/vypdev/vaultstadio-sub008/internal/models"
	"github.com/vypdev/vaultstadio-sub008/internal/repos"
)

type PushStatus string

const (
	PushAccepted PushStatus = "accepted"
	PushConflict PushStatus = "conflict"
	PushError    PushStatus = "error"
)

type PushRequest struct {
	DeviceID string              `json:"deviceId"`
	Changes  []models.PushChange `json:"changes"`
}

type PushResult struct {
	ItemID   string               `json:"itemId"`
	Status   PushStatus           `json:"status"`
	Change   *models.ChangeRecord `json:"change,omitempty"`
	Conflict *models.SyncConflict `json:"conflict,omitempty"`
	Error    string               `json:"error,omitempty"`
	Code     string               `json:"code,omitempty"`
}

type PushResponse struct {
	Results []PushResult `json:"results"`
}

// Push applies each change on its own. One change failing or conflicting
// never affects its siblings; results keep the input order.
func (s *SyncService) Push(ctx context.Context, ownerID string, req PushRequest) (*PushResponse, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID != "" {
		if _, err := s.repo.GetDeviceByDeviceID(ctx, ownerID, deviceID); err != nil {
			return nil, err
		}
	}
	resp := &PushResponse{Results: make([]PushResult, 0, len(req.Changes))}
	for _, ch := range req.Changes {
		res := s.pushOne(ctx, ownerID, deviceID, ch)
		s.metrics.Pushes.WithLabelValues(string(res.Status)).Inc()
		resp.Results = append(resp.Results, res)
	}
	return resp, nil
}

func (s *SyncService) pushOne(ctx context.Context, ownerID, deviceID string, ch models.PushChange) PushResult {
	ch.ItemID = strings.TrimSpace(ch.ItemID)
	if ch.ItemID == "" && ch.ChangeType == models.ChangeCreated {
		ch.ItemID = newID()
	}
	res := PushResult{ItemID: ch.ItemID}
	fail := func(err error) PushResult {
		res.Status = PushError
		res.Error = err.Error()
		res.Code = ErrorCode(err)
		if res.Code == "INTERNAL" {
			s.log.Error("push failed", zap.String("owner", ownerID), zap.String("item", ch.ItemID), zap.Error(err))
			res.Error = "internal error"
		}
		return res
	}

	if err := validatePushChange(ch); err != nil {
		return fail(err)
	}

	held := s.lockItem(ctx, ownerID, ch.ItemID)
	defer held.release()

	head, err := s.items.ResolveItem(ctx, ownerID, ch.ItemID, ch.ChangeType == models.ChangeCreated)
	if err != nil {
		return fail(err)
	}
	if head == nil && ch.ExpectedBaseVersion != 0 {
		return fail(repos.ErrNotFound)
	}
	if head != nil && ch.ExpectedBaseVersion != head.Version {
		conflict, err := s.recordConflict(ctx, ownerID, deviceID, ch, head)
		if err != nil {
			return fail(err)
		}
		res.Status = PushConflict
		res.Conflict = conflict
		return res
	}
	if head != nil && head.Deleted && ch.ChangeType != models.ChangeCreated {
		return fail(repos.ErrNotFound)
	}

	var content []byte
	if ch.ChangeType.CarriesContent() && ch.Content != nil {
		content = ch.Content
	}
	rec, _, err := s.applyChange(ctx, applyRequest{
		ownerID:  ownerID,
		deviceID: deviceID,
		change:   ch,
		head:     head,
		content:  content,
		held:     held,
	})
	if errors.Is(err, repos.ErrVersionMoved) {
		// Another process moved the head between our read and the swap.
		current, rerr := s.repo.GetItem(ctx, ch.ItemID)
		if rerr != nil {
			return fail(rerr)
		}
		conflict, cerr := s.recordConflict(ctx, ownerID, deviceID, ch, current)
		if cerr != nil {
			return fail(cerr)
		}
		res.Status = PushConflict
		res.Conflict = conflict
		return res
	}
	if err != nil {
		return fail(err)
	}
	res.Status = PushAccepted
	res.Change = rec
	return res
}

func validatePushChange(ch models.PushChange) error {
	if !ch.ChangeType.Valid() {
		return invalid("unknown changeType %q", ch.ChangeType)
	}
	if ch.ItemID == "" {
		return invalid("itemId is required")
	}
	if ch.ExpectedBaseVersion < 0 {
		return invalid("expectedBaseVersion must not be negative")
	}
	switch ch.ChangeType {
	case models.ChangeCreated, models.ChangeMoved:
		if strings.TrimSpace(ch.NewPath) == "" {
			return invalid("%s needs newPath", ch.ChangeType)
		}
	}
	if !ch.ChangeType.CarriesContent() && len(ch.Content) > 0 {
		return invalid("%s cannot carry content", ch.ChangeType)
	}
	return nil
}
