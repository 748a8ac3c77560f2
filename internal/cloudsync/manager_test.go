package cloudsync

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vypdev/vaultstadio-sub008/internal/config"
	"github.com/vypdev/vaultstadio-sub008/internal/handlers"
	httpapi "github.com/vypdev/vaultstadio-sub008/internal/http"
	"github.com/vypdev/vaultstadio-sub008/internal/models"
	"github.com/vypdev/vaultstadio-sub008/internal/repos"
	"github.com/vypdev/vaultstadio-sub008/internal/services"
	"github.com/vypdev/vaultstadio-sub008/internal/storage"
)

func newServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := repos.Open("file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repos.Migrate(db, ""))

	log := zaptest.NewLogger(t)
	svc := services.NewSyncService(repos.NewSyncRepo(db), storage.NewMemoryBackend(), log)
	ts := httptest.NewServer(httpapi.NewRouter(cfg, handlers.NewSyncHandler(svc, nil, log), log, nil))
	t.Cleanup(ts.Close)
	return ts
}

type recorder struct {
	mu   sync.Mutex
	recs []models.ChangeRecord
}

func (r *recorder) apply(_ context.Context, rec models.ChangeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recorder) cursors() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec.Cursor)
	}
	return out
}

func newManager(t *testing.T, ts *httptest.Server, deviceID string, rec *recorder) *Manager {
	t.Helper()
	client := NewClient(ts.Client(), ts.URL+"/api/v1/sync", "", "u1")
	return NewManager(client, ManagerConfig{
		DeviceID:  deviceID,
		PageSize:  2,
		BlockSize: 64,
	}, rec.apply, zaptest.NewLogger(t))
}

func TestTwoDevicesConvergeThroughConflict(t *testing.T) {
	ctx := context.Background()
	ts := newServer(t, config.Config{})

	var laptopLog, phoneLog recorder
	laptop := newManager(t, ts, "laptop-1", &laptopLog)
	phone := newManager(t, ts, "phone-1", &phoneLog)
	require.NoError(t, laptop.InitialSync(ctx))

	base := []byte(strings.Repeat("block-of-data-", 40))
	created, err := laptop.Upload(ctx, "doc", "/doc.txt", base)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, models.ChangeCreated, created.ChangeType)
	assert.Equal(t, int64(1), created.Version)

	require.NoError(t, phone.InitialSync(ctx))
	v, ok := phone.Version("doc")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, []int64{1}, phoneLog.cursors())

	edited := append(append([]byte{}, base[:100]...), []byte("INSERTED")...)
	edited = append(edited, base[100:]...)
	updated, err := laptop.Upload(ctx, "doc", "", edited)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, int64(2), updated.Version)

	content, version, err := laptop.client.Content(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, edited, content)
	assert.Equal(t, int64(2), version)

	mine := []byte("phone rewrote everything")
	_, err = phone.Upload(ctx, "doc", "", mine)
	require.Error(t, err)
	require.True(t, IsConflict(err))
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(2), ce.ServerVersion)
	require.NotNil(t, ce.Conflict)
	assert.Nil(t, ce.Conflict.LocalChange.Content)
	assert.Equal(t, int64(len(mine)), ce.Conflict.LocalSize)
	require.Len(t, phone.Conflicts(), 1)

	local, err := phone.client.ConflictContent(ctx, ce.Conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, mine, local)

	res, err := phone.Resolve(ctx, ce.Conflict.ID, models.KeepLocal)
	require.NoError(t, err)
	require.NotNil(t, res.Change)
	assert.Equal(t, int64(3), res.Change.Version)
	assert.Empty(t, phone.Conflicts())

	content, version, err = phone.client.Content(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, mine, content)
	assert.Equal(t, int64(3), version)

	n, err := laptop.PullAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{1, 2, 3}, laptopLog.cursors())
	assert.Equal(t, int64(3), laptop.Cursor())
	v, _ = laptop.Version("doc")
	assert.Equal(t, int64(3), v)

	n, err = laptop.PullAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteAndMissingItems(t *testing.T) {
	ctx := context.Background()
	ts := newServer(t, config.Config{})
	var log recorder
	m := newManager(t, ts, "laptop-1", &log)
	require.NoError(t, m.InitialSync(ctx))

	_, err := m.Delete(ctx, "never-seen")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Upload(ctx, "tmp", "/tmp.txt", []byte("short lived"))
	require.NoError(t, err)
	rec, err := m.Delete(ctx, "tmp")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeDeleted, rec.ChangeType)

	_, _, err = m.client.Content(ctx, "tmp")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	ts := newServer(t, config.Config{AuthToken: "s3cret"})

	bad := NewClient(nil, ts.URL+"/api/v1/sync/", "wrong", "u1")
	_, err := bad.RegisterDevice(ctx, services.RegisterDeviceRequest{DeviceID: "x"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	good := NewClient(ts.Client(), ts.URL+"/api/v1/sync", "s3cret", "u1")
	_, err = good.RegisterDevice(ctx, services.RegisterDeviceRequest{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, "INVALID_INPUT", apiErr.Code)

	dev, err := good.RegisterDevice(ctx, services.RegisterDeviceRequest{DeviceID: "x", DeviceName: "X"})
	require.NoError(t, err)
	devices, err := good.ListDevices(ctx, true)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	_, err = good.DeactivateDevice(ctx, dev.ID)
	require.NoError(t, err)
	devices, err = good.ListDevices(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, devices)
	require.NoError(t, good.RemoveDevice(ctx, dev.ID))
	assert.ErrorIs(t, good.RemoveDevice(ctx, dev.ID), ErrNotFound)

	_, err = good.Signature(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	resp, err := good.Push(ctx, services.PushRequest{Changes: []models.PushChange{{
		ItemID: "a", ChangeType: models.ChangeCreated, NewPath: "/a", Content: []byte("aaa"),
	}}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, services.PushAccepted, resp.Results[0].Status)

	_, err = good.UploadDelta(ctx, "a", services.UploadDeltaRequest{BaseVersion: 7, NewChecksum: "00"})
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(1), ce.ServerVersion)

	data, _, err := good.Content(ctx, "a")
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("aaa"), data))

	conflicts, err := good.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestFailedApplyIsPulledAgainAfterRestart(t *testing.T) {
	ctx := context.Background()
	ts := newServer(t, config.Config{})

	var laptopLog recorder
	laptop := newManager(t, ts, "laptop-1", &laptopLog)
	require.NoError(t, laptop.InitialSync(ctx))
	for _, id := range []string{"a", "b", "c"} {
		_, err := laptop.Upload(ctx, id, "/"+id, []byte(id))
		require.NoError(t, err)
	}

	client := NewClient(ts.Client(), ts.URL+"/api/v1/sync", "", "u1")
	diskFull := errors.New("disk full")
	broken := NewManager(client, ManagerConfig{DeviceID: "phone-1", PageSize: 2}, func(context.Context, models.ChangeRecord) error {
		return diskFull
	}, zaptest.NewLogger(t))
	err := broken.InitialSync(ctx)
	require.ErrorIs(t, err, diskFull)
	assert.Zero(t, broken.Cursor())

	var phoneLog recorder
	phone := newManager(t, ts, "phone-1", &phoneLog)
	require.NoError(t, phone.InitialSync(ctx))
	assert.Equal(t, []int64{1, 2, 3}, phoneLog.cursors())

	devices, err := client.ListDevices(ctx, false)
	require.NoError(t, err)
	for _, d := range devices {
		if d.DeviceID == "phone-1" {
			assert.Equal(t, int64(3), d.LastSyncCursor)
		}
	}
}

func TestPartialApplyResumesAfterLastApplied(t *testing.T) {
	ctx := context.Background()
	ts := newServer(t, config.Config{})

	var laptopLog recorder
	laptop := newManager(t, ts, "laptop-1", &laptopLog)
	require.NoError(t, laptop.InitialSync(ctx))
	for _, id := range []string{"a", "b", "c"} {
		_, err := laptop.Upload(ctx, id, "/"+id, []byte(id))
		require.NoError(t, err)
	}

	client := NewClient(ts.Client(), ts.URL+"/api/v1/sync", "", "u1")
	var first recorder
	flaky := NewManager(client, ManagerConfig{DeviceID: "phone-1", PageSize: 5}, func(ctx context.Context, rec models.ChangeRecord) error {
		if rec.Cursor == 2 {
			return errors.New("locked file")
		}
		return first.apply(ctx, rec)
	}, zaptest.NewLogger(t))
	require.Error(t, flaky.InitialSync(ctx))
	assert.Equal(t, []int64{1}, first.cursors())
	assert.Equal(t, int64(1), flaky.Cursor())

	var phoneLog recorder
	phone := newManager(t, ts, "phone-1", &phoneLog)
	require.NoError(t, phone.InitialSync(ctx))
	assert.Equal(t, []int64{2, 3}, phoneLog.cursors())
	assert.Equal(t, int64(3), phone.Cursor())
}
