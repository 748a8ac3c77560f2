package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vypdev/vaultstadio-sub008/internal/delta"
	"github.com/vypdev/vaultstadio-sub008/internal/metrics"
	"github.com/vypdev/vaultstadio-sub008/internal/models"
	"github.com/vypdev/vaultstadio-sub008/internal/notify"
	"github.com/vypdev/vaultstadio-sub008/internal/repos"
	"github.com/vypdev/vaultstadio-sub008/internal/sigcache"
	"github.com/vypdev/vaultstadio-sub008/internal/storage"
)

var (
	ErrStaleBase               = errors.New("stale base version")
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	ErrInvalidInput            = errors.New("invalid input")
	ErrInvalidResolution       = fmt.Errorf("%w: resolution does not apply to this conflict", ErrInvalidInput)
)

// ConflictError is returned when a write names a base version the item has
// moved past. Conflict is set when the rejected change was recorded.
type ConflictError struct {
	ServerVersion  int64
	ServerChecksum string
	Conflict       *models.SyncConflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: server is at version %d", ErrStaleBase, e.ServerVersion)
}

func (e *ConflictError) Unwrap() error {
	return ErrStaleBase
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// ErrorCode maps an error to the machine readable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, repos.ErrNotFound), errors.Is(err, storage.ErrVersionNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrStaleBase):
		return "STALE_BASE"
	case errors.Is(err, delta.ErrChecksumMismatch):
		return "CHECKSUM_MISMATCH"
	case errors.Is(err, delta.ErrMalformedDelta):
		return "MALFORMED_DELTA"
	case errors.Is(err, ErrConflictAlreadyResolved):
		return "CONFLICT_ALREADY_RESOLVED"
	case errors.Is(err, storage.ErrUnavailable):
		return "STORAGE_UNAVAILABLE"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, delta.ErrInvalidBlockSize):
		return "INVALID_INPUT"
	}
	return "INTERNAL"
}

// ItemResolver answers whether ownerID may touch itemID. It returns the
// current head, nil for an unknown item the caller is creating, and
// repos.ErrNotFound otherwise.
type ItemResolver interface {
	ResolveItem(ctx context.Context, ownerID, itemID string, creating bool) (*models.SyncItem, error)
}

type repoItems struct {
	repo *repos.SyncRepo
}

func (r repoItems) ResolveItem(ctx context.Context, ownerID, itemID string, creating bool) (*models.SyncItem, error) {
	item, err := r.repo.GetItem(ctx, itemID)
	if errors.Is(err, repos.ErrNotFound) {
		if creating {
			return nil, nil
		}
		return nil, repos.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if item.OwnerID != ownerID {
		return nil, repos.ErrNotFound
	}
	return item, nil
}

type Options struct {
	BlockSize        int
	MaxBlockSize     int
	SignatureWorkers int
	DefaultPullLimit int
	MaxPullLimit     int
	// PullConflictLimit caps the pending conflicts attached to a pull.
	// Zero attaches all of them.
	PullConflictLimit int
}

func DefaultOptions() Options {
	return Options{
		BlockSize:        delta.DefaultBlockSize,
		MaxBlockSize:     delta.MaxBlockSize,
		SignatureWorkers: 4,
		DefaultPullLimit:  1000,
		MaxPullLimit:      5000,
		PullConflictLimit: 100,
	}
}

type Option func(*SyncService)

func WithOptions(o Options) Option {
	return func(s *SyncService) { s.opts = o }
}

func WithNotifier(p notify.Publisher) Option {
	return func(s *SyncService) { s.notifier = p }
}

func WithSignatureCache(c sigcache.Cache) Option {
	return func(s *SyncService) { s.sigs = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *SyncService) { s.metrics = m }
}

func WithItemResolver(r ItemResolver) Option {
	return func(s *SyncService) { s.items = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *SyncService) { s.now = now }
}

type SyncService struct {
	repo     *repos.SyncRepo
	store    storage.Backend
	items    ItemResolver
	notifier notify.Publisher
	sigs     sigcache.Cache
	metrics  *metrics.Metrics
	log      *zap.Logger
	locks    *itemLocks
	opts     Options
	now      func() time.Time
}

func NewSyncService(repo *repos.SyncRepo, store storage.Backend, log *zap.Logger, opts ...Option) *SyncService {
	s := &SyncService{
		repo:     repo,
		store:    store,
		items:    repoItems{repo: repo},
		notifier: notify.Nop{},
		sigs:     sigcache.Nop{},
		log:      log,
		locks:    newItemLocks(),
		opts:     DefaultOptions(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	s.refreshActiveDevices(context.Background())
	return s
}

// applyRequest is one change that already passed the base version check.
type applyRequest struct {
	ownerID  string
	deviceID string
	change   models.PushChange
	head     *models.SyncItem
	content  []byte
	// inTx runs inside the append transaction after the head moved.
	inTx func(tx *sql.Tx) error
	// held is the caller's item lock; the record is announced when it is
	// released.
	held *heldItem
}

// applyChange writes content (if any), then appends the change record and
// moves the item head in one transaction. The caller holds the item lock
// through req.held.
// repos.ErrVersionMoved means another writer moved the head first.
func (s *SyncService) applyChange(ctx context.Context, req applyRequest) (*models.ChangeRecord, *models.SyncItem, error) {
	ch := req.change
	now := s.now()

	next := models.SyncItem{ID: ch.ItemID, OwnerID: req.ownerID, CreatedAt: now}
	var baseVersion int64
	if req.head != nil {
		next = *req.head
		baseVersion = req.head.Version
	}
	next.Version = baseVersion + 1
	next.UpdatedAt = now

	if req.content != nil {
		sum := delta.StrongChecksum(req.content)
		if ch.Checksum != "" && !strings.EqualFold(ch.Checksum, sum) {
			s.metrics.ChecksumMismatches.Inc()
			return nil, nil, fmt.Errorf("%w: declared %s, content hashes to %s", delta.ErrChecksumMismatch, ch.Checksum, sum)
		}
		cv, err := s.store.WriteNewVersion(ctx, ch.ItemID, req.content, sum)
		if err != nil {
			return nil, nil, err
		}
		next.ContentVersion = cv
		next.Checksum = sum
		next.Size = int64(len(req.content))
	}

	oldPath := ch.OldPath
	if oldPath == "" && req.head != nil && (ch.ChangeType == models.ChangeMoved || ch.ChangeType == models.ChangeDeleted) {
		oldPath = req.head.Path
	}
	switch ch.ChangeType {
	case models.ChangeCreated, models.ChangeUpdated:
		if ch.NewPath != "" {
			next.Path = ch.NewPath
		}
		next.Deleted = false
	case models.ChangeMoved:
		next.Path = ch.NewPath
		next.Deleted = false
	case models.ChangeDeleted:
		next.Deleted = true
	}

	rec := models.ChangeRecord{
		OwnerID:        req.ownerID,
		ItemID:         ch.ItemID,
		ChangeType:     ch.ChangeType,
		OldPath:        oldPath,
		Version:        next.Version,
		ContentVersion: next.ContentVersion,
		Size:           next.Size,
		DeviceID:       req.deviceID,
		Metadata:       ch.Metadata,
		Timestamp:      now,
	}
	if ch.ChangeType != models.ChangeDeleted {
		rec.NewPath = next.Path
		rec.Checksum = next.Checksum
	}

	err := s.repo.WithTx(ctx, func(tx *sql.Tx) error {
		cursor, err := s.repo.NextCursorTx(ctx, tx, req.ownerID)
		if err != nil {
			return err
		}
		rec.Cursor = cursor
		next.LastCursor = cursor
		if err := s.repo.InsertChangeTx(ctx, tx, &rec); err != nil {
			return err
		}
		if req.head == nil {
			err = s.repo.InsertItemTx(ctx, tx, &next)
		} else {
			err = s.repo.SwapItemTx(ctx, tx, &next, baseVersion)
		}
		if err != nil {
			return err
		}
		if req.inTx != nil {
			return req.inTx(tx)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Debug("change appended",
		zap.String("owner", req.ownerID),
		zap.String("item", rec.ItemID),
		zap.String("type", string(rec.ChangeType)),
		zap.Int64("cursor", rec.Cursor),
		zap.Int64("version", rec.Version))
	if req.held != nil {
		req.held.appended = append(req.held.appended, rec)
	} else {
		s.publish(ctx, rec)
	}
	return &rec, &next, nil
}

func (s *SyncService) publish(ctx context.Context, rec models.ChangeRecord) {
	if err := s.notifier.Publish(context.WithoutCancel(ctx), notify.EventFor(rec)); err != nil {
		s.log.Warn("change notification failed",
			zap.String("owner", rec.OwnerID),
			zap.Int64("cursor", rec.Cursor),
			zap.Error(err))
	}
}

func newID() string {
	return uuid.NewString()
}
