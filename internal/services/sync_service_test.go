package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vypdev/vaultstadio-sub008/internal/delta"
	"github.com/vypdev/vaultstadio-sub008/internal/metrics"
	"github.com/vypdev/vaultstadio-sub008/internal/models"
	"github.com/vypdev/vaultstadio-sub008/internal/notify"
	"github.com/vypdev/vaultstadio-sub008/internal/repos"
	"github.com/vypdev/vaultstadio-sub008/internal/sigcache"
	"github.com/vypdev/vaultstadio-sub008/internal/storage"
)

type fixture struct {
	svc     *SyncService
	repo    *repos.SyncRepo
	store   *storage.MemoryBackend
	metrics *metrics.Metrics
	events  *recordingPublisher
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) cursors() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Cursor)
	}
	return out
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := repos.Open("file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repos.Migrate(db, ""))

	f := &fixture{
		repo:    repos.NewSyncRepo(db),
		store:   storage.NewMemoryBackend(),
		metrics: metrics.New(prometheus.NewRegistry()),
		events:  &recordingPublisher{},
	}
	all := append([]Option{WithMetrics(f.metrics), WithNotifier(f.events)}, opts...)
	f.svc = NewSyncService(f.repo, f.store, zaptest.NewLogger(t), all...)
	return f
}

func (f *fixture) create(t *testing.T, owner, itemID, p string, content []byte) *models.ChangeRecord {
	t.Helper()
	resp, err := f.svc.Push(context.Background(), owner, PushRequest{Changes: []models.PushChange{{
		ItemID:     itemID,
		ChangeType: models.ChangeCreated,
		NewPath:    p,
		Content:    content,
	}}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, PushAccepted, resp.Results[0].Status, resp.Results[0].Error)
	return resp.Results[0].Change
}

func (f *fixture) update(t *testing.T, owner, itemID string, base int64, content []byte) PushResult {
	t.Helper()
	resp, err := f.svc.Push(context.Background(), owner, PushRequest{Changes: []models.PushChange{{
		ItemID:              itemID,
		ChangeType:          models.ChangeUpdated,
		ExpectedBaseVersion: base,
		Content:             content,
	}}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	return resp.Results[0]
}

func TestPullEmptyAccount(t *testing.T) {
	f := newFixture(t)
	resp, err := f.svc.Pull(context.Background(), "nobody", PullRequest{})
	require.NoError(t, err)
	assert.NotNil(t, resp.Changes)
	assert.Empty(t, resp.Changes)
	assert.Equal(t, int64(0), resp.Cursor)
	assert.False(t, resp.HasMore)
	assert.NotNil(t, resp.Conflicts)
}

func TestLaptopRegistersAndPulls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dev, err := f.svc.RegisterDevice(ctx, "u1", RegisterDeviceRequest{DeviceID: "laptop-1", DeviceName: "Laptop", DeviceType: "desktop"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), dev.LastSyncCursor)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveDevices))

	f.create(t, "u1", "doc", "/docs/a.txt", []byte("hello"))
	f.create(t, "u1", "pic", "/pics/b.png", []byte("png"))

	resp, err := f.svc.Pull(ctx, "u1", PullRequest{DeviceID: "laptop-1"})
	require.NoError(t, err)
	require.Len(t, resp.Changes, 2)
	assert.Equal(t, int64(2), resp.Cursor)
	assert.False(t, resp.HasMore)
	assert.Equal(t, "/docs/a.txt", resp.Changes[0].NewPath)
	assert.Equal(t, delta.StrongChecksum([]byte("hello")), resp.Changes[0].Checksum)

	acked, err := f.svc.UpdateDeviceCursor(ctx, "u1", dev.ID, resp.Cursor)
	require.NoError(t, err)
	assert.Equal(t, int64(2), acked.LastSyncCursor)

	resp, err = f.svc.Pull(ctx, "u1", PullRequest{DeviceID: "laptop-1"})
	require.NoError(t, err)
	assert.Empty(t, resp.Changes)
	assert.Equal(t, int64(2), resp.Cursor)

	again, err := f.svc.RegisterDevice(ctx, "u1", RegisterDeviceRequest{DeviceID: "laptop-1", DeviceName: "Laptop 2"})
	require.NoError(t, err)
	assert.Equal(t, dev.ID, again.ID)
	assert.Equal(t, int64(2), again.LastSyncCursor)

	zero := int64(0)
	resp, err = f.svc.Pull(ctx, "u1", PullRequest{DeviceID: "laptop-1", Cursor: &zero})
	require.NoError(t, err)
	assert.Len(t, resp.Changes, 2)
	stored, err := f.svc.UpdateDeviceCursor(ctx, "u1", dev.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.LastSyncCursor)

	_, err = f.svc.UpdateDeviceCursor(ctx, "u1", dev.ID, 3)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.UpdateDeviceCursor(ctx, "u1", "no-such-device", 1)
	assert.ErrorIs(t, err, repos.ErrNotFound)

	_, err = f.svc.Pull(ctx, "u1", PullRequest{DeviceID: "phone-9"})
	assert.ErrorIs(t, err, repos.ErrNotFound)
}

func TestPullIsIdempotentAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.create(t, "u1", fmt.Sprintf("i%d", i), fmt.Sprintf("/f%d", i), nil)
	}
	cursor := int64(1)
	first, err := f.svc.Pull(ctx, "u1", PullRequest{Cursor: &cursor, Limit: 2})
	require.NoError(t, err)
	second, err := f.svc.Pull(ctx, "u1", PullRequest{Cursor: &cursor, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, first.Changes, second.Changes)
	assert.True(t, first.HasMore)
	assert.Equal(t, int64(3), first.Cursor)

	var seen []int64
	var from int64
	for {
		c := from
		page, err := f.svc.Pull(ctx, "u1", PullRequest{Cursor: &c, Limit: 2})
		require.NoError(t, err)
		for _, rec := range page.Changes {
			seen = append(seen, rec.Cursor)
		}
		from = page.Cursor
		if !page.HasMore {
			break
		}
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seen)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, f.events.cursors())
}

func TestPullLimits(t *testing.T) {
	f := newFixture(t, WithOptions(Options{BlockSize: 4, MaxBlockSize: 64, SignatureWorkers: 1, DefaultPullLimit: 2, MaxPullLimit: 3}))
	for i := 0; i < 5; i++ {
		f.create(t, "u1", fmt.Sprintf("i%d", i), fmt.Sprintf("/f%d", i), nil)
	}
	ctx := context.Background()

	resp, err := f.svc.Pull(ctx, "u1", PullRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Changes, 2)

	resp, err = f.svc.Pull(ctx, "u1", PullRequest{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, resp.Changes, 3)
	assert.True(t, resp.HasMore)

	_, err = f.svc.Pull(ctx, "u1", PullRequest{Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
	neg := int64(-4)
	_, err = f.svc.Pull(ctx, "u1", PullRequest{Cursor: &neg})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPullWithoutTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("a"))
	resp, err := f.svc.Push(ctx, "u1", PushRequest{Changes: []models.PushChange{{
		ItemID: "a", ChangeType: models.ChangeDeleted, ExpectedBaseVersion: 1,
	}}})
	require.NoError(t, err)
	require.Equal(t, PushAccepted, resp.Results[0].Status)
	assert.Equal(t, "/a", resp.Results[0].Change.OldPath)
	assert.Empty(t, resp.Results[0].Change.NewPath)

	no := false
	page, err := f.svc.Pull(ctx, "u1", PullRequest{IncludeDeleted: &no})
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)
	assert.Equal(t, models.ChangeCreated, page.Changes[0].ChangeType)

	page, err = f.svc.Pull(ctx, "u1", PullRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Changes, 2)
}

func TestPushOutcomesAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("v1"))

	resp, err := f.svc.Push(ctx, "u1", PushRequest{Changes: []models.PushChange{
		{ItemID: "a", ChangeType: models.ChangeUpdated, ExpectedBaseVersion: 1, Content: []byte("v2")},
		{ItemID: "b", ChangeType: "Renamed"},
		{ItemID: "a", ChangeType: models.ChangeUpdated, ExpectedBaseVersion: 1, Content: []byte("v2b")},
		{ItemID: "ghost", ChangeType: models.ChangeUpdated, ExpectedBaseVersion: 3},
		{ChangeType: models.ChangeCreated, NewPath: "/generated"},
		{ItemID: "a", ChangeType: models.ChangeMoved, ExpectedBaseVersion: 2, NewPath: "/moved"},
	}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 6)

	assert.Equal(t, PushAccepted, resp.Results[0].Status)
	assert.Equal(t, int64(2), resp.Results[0].Change.Version)

	assert.Equal(t, PushError, resp.Results[1].Status)
	assert.Equal(t, "INVALID_INPUT", resp.Results[1].Code)

	assert.Equal(t, PushConflict, resp.Results[2].Status)
	require.NotNil(t, resp.Results[2].Conflict)
	assert.Equal(t, models.ConflictEditEdit, resp.Results[2].Conflict.ConflictType)

	assert.Equal(t, PushError, resp.Results[3].Status)
	assert.Equal(t, "NOT_FOUND", resp.Results[3].Code)

	assert.Equal(t, PushAccepted, resp.Results[4].Status)
	assert.NotEmpty(t, resp.Results[4].ItemID)

	assert.Equal(t, PushAccepted, resp.Results[5].Status)
	assert.Equal(t, "/a", resp.Results[5].Change.OldPath)
	assert.Equal(t, "/moved", resp.Results[5].Change.NewPath)

	// includes the push that created "a"
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.Pushes.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Pushes.WithLabelValues("conflict")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Pushes.WithLabelValues("error")))
}

func TestPushFromUnknownDevice(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Push(context.Background(), "u1", PushRequest{DeviceID: "nope"})
	assert.ErrorIs(t, err, repos.ErrNotFound)
}

func TestItemsAreScopedToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("mine"))

	res := f.update(t, "u2", "a", 1, []byte("theirs"))
	assert.Equal(t, "NOT_FOUND", res.Code)

	resp, err := f.svc.Push(ctx, "u2", PushRequest{Changes: []models.PushChange{{
		ItemID: "a", ChangeType: models.ChangeCreated, NewPath: "/a",
	}}})
	require.NoError(t, err)
	assert.Equal(t, "NOT_FOUND", resp.Results[0].Code)

	_, _, err = f.svc.Content(ctx, "u2", "a")
	assert.ErrorIs(t, err, repos.ErrNotFound)
}

func TestChecksumMismatchLeavesNoVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.Push(ctx, "u1", PushRequest{Changes: []models.PushChange{{
		ItemID:     "a",
		ChangeType: models.ChangeCreated,
		NewPath:    "/a",
		Content:    []byte("payload"),
		Checksum:   delta.StrongChecksum([]byte("other")),
	}}})
	require.NoError(t, err)
	assert.Equal(t, "CHECKSUM_MISMATCH", resp.Results[0].Code)
	assert.Equal(t, 0, f.store.Versions("a"))

	latest, err := f.svc.LatestCursor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest)
	_, err = f.repo.GetItem(ctx, "a")
	assert.ErrorIs(t, err, repos.ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChecksumMismatches))
}

func TestStorageFailureAppendsNothing(t *testing.T) {
	f := newFixture(t)
	f.store.FailNextWrite(errors.New("bucket gone"))
	resp, err := f.svc.Push(context.Background(), "u1", PushRequest{Changes: []models.PushChange{{
		ItemID: "a", ChangeType: models.ChangeCreated, NewPath: "/a", Content: []byte("x"),
	}}})
	require.NoError(t, err)
	assert.Equal(t, "STORAGE_UNAVAILABLE", resp.Results[0].Code)

	latest, err := f.svc.LatestCursor(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest)
	assert.Empty(t, f.events.cursors())
}

func TestEveryStalePushConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("base"))

	first := f.update(t, "u1", "a", 1, []byte("phone"))
	require.Equal(t, PushAccepted, first.Status)

	second := f.update(t, "u1", "a", 1, []byte("laptop"))
	third := f.update(t, "u1", "a", 1, []byte("tablet"))
	require.Equal(t, PushConflict, second.Status)
	require.Equal(t, PushConflict, third.Status)
	assert.NotEqual(t, second.Conflict.ID, third.Conflict.ID)
	require.NotNil(t, second.Conflict.RemoteChange)
	assert.Equal(t, first.Change.Cursor, second.Conflict.RemoteChange.Cursor)

	pending, err := f.svc.ListConflicts(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	content, item, err := f.svc.Content(ctx, "u1", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("phone"), content)
	assert.Equal(t, int64(2), item.Version)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ConflictsCreated.WithLabelValues("edit_edit")))
}

func TestConcurrentPushesToOneItem(t *testing.T) {
	f := newFixture(t)
	f.create(t, "u1", "a", "/a", []byte("base"))

	const writers = 8
	results := make([]PushResult, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.Push(context.Background(), "u1", PushRequest{Changes: []models.PushChange{{
				ItemID: "a", ChangeType: models.ChangeUpdated, ExpectedBaseVersion: 1,
				Content: []byte(fmt.Sprintf("writer-%d", i)),
			}}})
			if err == nil {
				results[i] = resp.Results[0]
			}
		}(i)
	}
	wg.Wait()

	var accepted, conflicts int
	for _, r := range results {
		switch r.Status {
		case PushAccepted:
			accepted++
		case PushConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, writers-1, conflicts)
	assert.Equal(t, 0, f.svc.locks.size())
}

func TestResolveKeepRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("base"))
	f.update(t, "u1", "a", 1, []byte("remote"))
	conflict := f.update(t, "u1", "a", 1, []byte("local")).Conflict
	require.NotNil(t, conflict)

	before, err := f.svc.LatestCursor(ctx, "u1")
	require.NoError(t, err)

	res, err := f.svc.ResolveConflict(ctx, "u1", conflict.ID, models.KeepRemote)
	require.NoError(t, err)
	require.NotNil(t, res.Resolution)
	assert.Equal(t, models.KeepRemote, *res.Resolution)
	assert.Nil(t, res.Change)

	after, err := f.svc.LatestCursor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = f.svc.ResolveConflict(ctx, "u1", conflict.ID, models.KeepLocal)
	assert.ErrorIs(t, err, ErrConflictAlreadyResolved)

	_, err = f.svc.ResolveConflict(ctx, "u1", "missing", models.KeepLocal)
	assert.ErrorIs(t, err, repos.ErrNotFound)
	_, err = f.svc.ResolveConflict(ctx, "u1", conflict.ID, "KeepNeither")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestResolveKeepLocal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("base"))
	f.update(t, "u1", "a", 1, []byte("remote"))
	conflict := f.update(t, "u1", "a", 1, []byte("local")).Conflict
	require.NotNil(t, conflict)

	res, err := f.svc.ResolveConflict(ctx, "u1", conflict.ID, models.KeepLocal)
	require.NoError(t, err)
	require.NotNil(t, res.Change)
	assert.Equal(t, int64(3), res.Change.Version)
	assert.Equal(t, models.ChangeUpdated, res.Change.ChangeType)
	assert.True(t, res.Resolved())

	content, item, err := f.svc.Content(ctx, "u1", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), content)
	assert.Equal(t, int64(3), item.Version)

	pending, err := f.svc.ListConflicts(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConflictsResolved.WithLabelValues("KeepLocal")))
}

func TestResolveKeepBoth(t *testing.T) {
	day := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return day }))
	ctx := context.Background()
	_, err := f.svc.RegisterDevice(ctx, "u1", RegisterDeviceRequest{DeviceID: "laptop-1", DeviceName: "Laptop"})
	require.NoError(t, err)

	f.create(t, "u1", "a", "/docs/report.txt", []byte("base"))
	f.update(t, "u1", "a", 1, []byte("remote"))
	resp, err := f.svc.Push(ctx, "u1", PushRequest{DeviceID: "laptop-1", Changes: []models.PushChange{{
		ItemID: "a", ChangeType: models.ChangeUpdated, ExpectedBaseVersion: 1, Content: []byte("local"),
	}}})
	require.NoError(t, err)
	conflict := resp.Results[0].Conflict
	require.NotNil(t, conflict)

	res, err := f.svc.ResolveConflict(ctx, "u1", conflict.ID, models.KeepBoth)
	require.NoError(t, err)
	require.NotNil(t, res.Change)
	assert.NotEqual(t, "a", res.Change.ItemID)
	assert.Equal(t, models.ChangeCreated, res.Change.ChangeType)
	assert.Equal(t, "/docs/report (conflict Laptop 2024-05-01).txt", res.Change.NewPath)

	copyContent, _, err := f.svc.Content(ctx, "u1", res.Change.ItemID)
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), copyContent)

	original, item, err := f.svc.Content(ctx, "u1", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("remote"), original)
	assert.Equal(t, int64(2), item.Version)
}

func TestKeepBothRejectsLocalDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("base"))
	f.update(t, "u1", "a", 1, []byte("remote"))
	resp, err := f.svc.Push(ctx, "u1", PushRequest{Changes: []models.PushChange{{
		ItemID: "a", ChangeType: models.ChangeDeleted, ExpectedBaseVersion: 1,
	}}})
	require.NoError(t, err)
	conflict := resp.Results[0].Conflict
	require.NotNil(t, conflict)
	assert.Equal(t, models.ConflictDeleteEdit, conflict.ConflictType)

	_, err = f.svc.ResolveConflict(ctx, "u1", conflict.ID, models.KeepBoth)
	assert.ErrorIs(t, err, ErrInvalidInput)

	res, err := f.svc.ResolveConflict(ctx, "u1", conflict.ID, models.KeepLocal)
	require.NoError(t, err)
	require.NotNil(t, res.Change)
	assert.Equal(t, models.ChangeDeleted, res.Change.ChangeType)
	_, _, err = f.svc.Content(ctx, "u1", "a")
	assert.ErrorIs(t, err, repos.ErrNotFound)
}

func TestDeltaUploadRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := bytes.Repeat([]byte("0123456789abcdef"), 64)
	f.create(t, "u1", "a", "/big.bin", base)

	sig, err := f.svc.Signature(ctx, "u1", "a", 64)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sig.VersionNumber)
	assert.Len(t, sig.Blocks, 16)

	updated := append([]byte("HEADER--"), base...)
	d := delta.ComputeDelta(updated, *sig)
	res, err := f.svc.UploadDelta(ctx, "u1", "a", UploadDeltaRequest{
		BaseVersion: 1,
		BlockSize:   64,
		Blocks:      delta.ToWire(d.Ops),
		NewChecksum: d.DeclaredChecksum,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, len(d.Ops), res.AppliedBlocks)
	assert.Equal(t, int64(2), res.NewVersion)
	assert.Equal(t, delta.StrongChecksum(updated), res.NewChecksum)

	content, _, err := f.svc.Content(ctx, "u1", "a")
	require.NoError(t, err)
	assert.Equal(t, updated, content)
	assert.Equal(t, 8.0, testutil.ToFloat64(f.metrics.DeltaBytes.WithLabelValues("literal")))
}

func TestDeltaShiftedBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("ABCDEFGH"))

	sig, err := f.svc.Signature(ctx, "u1", "a", 4)
	require.NoError(t, err)
	d := delta.ComputeDelta([]byte("XBCDEFGH"), *sig)
	assert.Contains(t, d.Ops, delta.Copy(1))

	res, err := f.svc.UploadDelta(ctx, "u1", "a", UploadDeltaRequest{
		BaseVersion: 1, BlockSize: 4, Blocks: delta.ToWire(d.Ops), NewChecksum: d.DeclaredChecksum,
	})
	require.NoError(t, err)
	content, _, err := f.svc.Content(ctx, "u1", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("XBCDEFGH"), content)
	assert.Equal(t, int64(2), res.NewVersion)
}

func TestDeltaChecksumMismatchLeavesNoVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("ABCDEFGH"))

	_, err := f.svc.UploadDelta(ctx, "u1", "a", UploadDeltaRequest{
		BaseVersion: 1,
		BlockSize:   4,
		Blocks:      delta.ToWire([]delta.Op{delta.Copy(0), delta.Literal([]byte("ZZZZ"))}),
		NewChecksum: delta.StrongChecksum([]byte("ABCDEFGH")),
	})
	assert.ErrorIs(t, err, delta.ErrChecksumMismatch)
	assert.Equal(t, 1, f.store.Versions("a"))

	_, err = f.svc.UploadDelta(ctx, "u1", "a", UploadDeltaRequest{
		BaseVersion: 1,
		BlockSize:   4,
		Blocks:      delta.ToWire([]delta.Op{delta.Copy(9)}),
		NewChecksum: delta.StrongChecksum([]byte("ABCD")),
	})
	assert.ErrorIs(t, err, delta.ErrMalformedDelta)

	latest, err := f.svc.LatestCursor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
}

func TestStaleDeltaRecordsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("ABCDEFGH"))
	sig, err := f.svc.Signature(ctx, "u1", "a", 4)
	require.NoError(t, err)
	f.update(t, "u1", "a", 1, []byte("remote edit"))

	d := delta.ComputeDelta([]byte("ABCDxxxx"), *sig)
	_, err = f.svc.UploadDelta(ctx, "u1", "a", UploadDeltaRequest{
		BaseVersion: 1, BlockSize: 4, Blocks: delta.ToWire(d.Ops), NewChecksum: d.DeclaredChecksum,
	})
	require.ErrorIs(t, err, ErrStaleBase)
	var cerr *ConflictError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, int64(2), cerr.ServerVersion)
	require.NotNil(t, cerr.Conflict)
	assert.Equal(t, []byte("ABCDxxxx"), cerr.Conflict.LocalContent)

	res, err := f.svc.ResolveConflict(ctx, "u1", cerr.Conflict.ID, models.KeepLocal)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Change.Version)
	content, _, err := f.svc.Content(ctx, "u1", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCDxxxx"), content)
}

type countingCache struct {
	gets, hits, puts int
	entries          map[sigcache.Key]*delta.Signature
}

func (c *countingCache) Get(_ context.Context, key sigcache.Key) (*delta.Signature, bool) {
	c.gets++
	sig, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return sig, ok
}

func (c *countingCache) Put(_ context.Context, key sigcache.Key, sig *delta.Signature) {
	c.puts++
	c.entries[key] = sig
}

func TestSignatureCacheAndLimits(t *testing.T) {
	cache := &countingCache{entries: map[sigcache.Key]*delta.Signature{}}
	f := newFixture(t, WithSignatureCache(cache))
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("ABCDEFGHIJ"))

	first, err := f.svc.Signature(ctx, "u1", "a", 4)
	require.NoError(t, err)
	second, err := f.svc.Signature(ctx, "u1", "a", 4)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cache.puts)
	assert.Equal(t, 1, cache.hits)

	resp, err := f.svc.Push(ctx, "u1", PushRequest{Changes: []models.PushChange{{
		ItemID: "a", ChangeType: models.ChangeMoved, ExpectedBaseVersion: 1, NewPath: "/b",
	}}})
	require.NoError(t, err)
	require.Equal(t, PushAccepted, resp.Results[0].Status)
	moved, err := f.svc.Signature(ctx, "u1", "a", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved.VersionNumber)
	assert.Equal(t, 2, cache.hits)

	def, err := f.svc.Signature(ctx, "u1", "a", 0)
	require.NoError(t, err)
	assert.Equal(t, delta.DefaultBlockSize, def.BlockSize)

	_, err = f.svc.Signature(ctx, "u1", "a", delta.MaxBlockSize+1)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Signature(ctx, "u1", "nope", 4)
	assert.ErrorIs(t, err, repos.ErrNotFound)
}

func TestClassifyConflict(t *testing.T) {
	cases := []struct {
		local  models.PushChange
		remote models.ChangeType
		want   models.ConflictType
	}{
		{models.PushChange{ChangeType: models.ChangeCreated}, models.ChangeCreated, models.ConflictCreateCreate},
		{models.PushChange{ChangeType: models.ChangeUpdated, ExpectedBaseVersion: 1}, models.ChangeUpdated, models.ConflictEditEdit},
		{models.PushChange{ChangeType: models.ChangeUpdated, ExpectedBaseVersion: 1}, models.ChangeDeleted, models.ConflictEditDelete},
		{models.PushChange{ChangeType: models.ChangeDeleted, ExpectedBaseVersion: 1}, models.ChangeUpdated, models.ConflictDeleteEdit},
		{models.PushChange{ChangeType: models.ChangeMoved, ExpectedBaseVersion: 1}, models.ChangeMoved, models.ConflictMoveMove},
		{models.PushChange{ChangeType: models.ChangeMoved, ExpectedBaseVersion: 1}, models.ChangeUpdated, models.ConflictEditEdit},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyConflict(tc.local, tc.remote), "%s vs %s", tc.local.ChangeType, tc.remote)
	}
}

func TestConflictCopyPath(t *testing.T) {
	day := time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "/docs/report (conflict Laptop 2024-05-01).txt", ConflictCopyPath("/docs/report.txt", "Laptop", day))
	assert.Equal(t, "/Makefile (conflict phone 2024-05-01)", ConflictCopyPath("/Makefile", "phone", day))
	assert.Equal(t, "/.bashrc (conflict a-b 2024-05-01)", ConflictCopyPath("/.bashrc", "a/b", day))
	assert.Equal(t, "notes.tar (conflict x 2024-05-01).gz", ConflictCopyPath("notes.tar.gz", "x", day))
}

func TestErrorCode(t *testing.T) {
	cases := map[string]error{
		"NOT_FOUND":                 repos.ErrNotFound,
		"STALE_BASE":                &ConflictError{ServerVersion: 3},
		"CHECKSUM_MISMATCH":         fmt.Errorf("wrap: %w", delta.ErrChecksumMismatch),
		"MALFORMED_DELTA":           delta.ErrMalformedDelta,
		"CONFLICT_ALREADY_RESOLVED": ErrConflictAlreadyResolved,
		"STORAGE_UNAVAILABLE":       fmt.Errorf("%w: timeout", storage.ErrUnavailable),
		"INVALID_INPUT":             ErrInvalidResolution,
		"INTERNAL":                  errors.New("disk full"),
	}
	for code, err := range cases {
		assert.Equal(t, code, ErrorCode(err), err.Error())
	}
	assert.Equal(t, "", ErrorCode(nil))
}

func TestUnacknowledgedPullIsServedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev, err := f.svc.RegisterDevice(ctx, "u1", RegisterDeviceRequest{DeviceID: "phone"})
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		f.create(t, "u1", id, "/"+id, []byte(id))
	}

	first, err := f.svc.Pull(ctx, "u1", PullRequest{DeviceID: "phone"})
	require.NoError(t, err)
	require.Len(t, first.Changes, 3)

	// the device dropped the response and comes back without a cursor
	again, err := f.svc.Pull(ctx, "u1", PullRequest{DeviceID: "phone"})
	require.NoError(t, err)
	assert.Equal(t, first.Changes, again.Changes)

	stored, err := f.repo.GetDevice(ctx, "u1", dev.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.LastSyncCursor)
	assert.False(t, stored.LastSeenAt.Before(dev.LastSeenAt))

	_, err = f.svc.UpdateDeviceCursor(ctx, "u1", dev.ID, 1)
	require.NoError(t, err)
	rest, err := f.svc.Pull(ctx, "u1", PullRequest{DeviceID: "phone"})
	require.NoError(t, err)
	require.Len(t, rest.Changes, 2)
	assert.Equal(t, int64(2), rest.Changes[0].Cursor)
}

func TestPullCarriesConflictsWithoutContent(t *testing.T) {
	f := newFixture(t, WithOptions(Options{
		BlockSize: 4, MaxBlockSize: 64, SignatureWorkers: 1,
		DefaultPullLimit: 10, MaxPullLimit: 10, PullConflictLimit: 2,
	}))
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("v1"))
	f.update(t, "u1", "a", 1, []byte("v2"))

	big := bytes.Repeat([]byte("x"), 1<<16)
	for i := 0; i < 3; i++ {
		resp, err := f.svc.Push(ctx, "u1", PushRequest{Changes: []models.PushChange{{
			ItemID: "a", ChangeType: models.ChangeUpdated, ExpectedBaseVersion: 1, Content: big,
		}}})
		require.NoError(t, err)
		require.Equal(t, PushConflict, resp.Results[0].Status)
	}

	resp, err := f.svc.Pull(ctx, "u1", PullRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Conflicts, 2)
	assert.True(t, resp.MoreConflicts)

	wire, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Less(t, len(wire), 8<<10)

	c := resp.Conflicts[0]
	assert.Nil(t, c.LocalChange.Content)
	assert.Equal(t, int64(len(big)), c.LocalSize)
	assert.Equal(t, delta.StrongChecksum(big), c.LocalChange.Checksum)

	content, _, err := f.svc.ConflictContent(ctx, "u1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, big, content)

	all, err := f.svc.ListConflicts(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// gatedPublisher blocks the first event after it is armed until release is
// closed.
type gatedPublisher struct {
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPublisher) Publish(context.Context, notify.Event) error {
	if p.armed.CompareAndSwap(true, false) {
		close(p.entered)
		<-p.release
	}
	return nil
}

func TestNotificationIsSentOutsideItemLock(t *testing.T) {
	gate := &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, WithNotifier(gate))
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("v1"))
	gate.armed.Store(true)

	first := make(chan PushResult, 1)
	go func() {
		resp, err := f.svc.Push(ctx, "u1", PushRequest{Changes: []models.PushChange{{
			ItemID: "a", ChangeType: models.ChangeUpdated, ExpectedBaseVersion: 1, Content: []byte("v2"),
		}}})
		if err != nil || len(resp.Results) != 1 {
			first <- PushResult{Status: PushError}
			return
		}
		first <- resp.Results[0]
	}()
	<-gate.entered

	second := make(chan PushResult, 1)
	go func() {
		resp, err := f.svc.Push(ctx, "u1", PushRequest{Changes: []models.PushChange{{
			ItemID: "a", ChangeType: models.ChangeUpdated, ExpectedBaseVersion: 2, Content: []byte("v3"),
		}}})
		if err != nil || len(resp.Results) != 1 {
			second <- PushResult{Status: PushError}
			return
		}
		second <- resp.Results[0]
	}()

	select {
	case res := <-second:
		assert.Equal(t, PushAccepted, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("push blocked behind a pending notification")
	}
	close(gate.release)
	assert.Equal(t, PushAccepted, (<-first).Status)
}

func TestUploadDeltaRejectsUnknownDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "u1", "a", "/a", []byte("ABCDEFGH"))
	sig, err := f.svc.Signature(ctx, "u1", "a", 4)
	require.NoError(t, err)
	d := delta.ComputeDelta([]byte("ABCDxxxx"), *sig)

	_, err = f.svc.UploadDelta(ctx, "u1", "a", UploadDeltaRequest{
		DeviceID: "ghost", BaseVersion: 1, BlockSize: 4, Blocks: delta.ToWire(d.Ops), NewChecksum: d.DeclaredChecksum,
	})
	assert.ErrorIs(t, err, repos.ErrNotFound)

	_, err = f.svc.RegisterDevice(ctx, "u1", RegisterDeviceRequest{DeviceID: "ghost"})
	require.NoError(t, err)
	res, err := f.svc.UploadDelta(ctx, "u1", "a", UploadDeltaRequest{
		DeviceID: "ghost", BaseVersion: 1, BlockSize: 4, Blocks: delta.ToWire(d.Ops), NewChecksum: d.DeclaredChecksum,
	})
	require.NoError(t, err)
	assert.Equal(t, "ghost", res.Change.DeviceID)
}

func TestActiveDeviceGaugeSeededOnStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RegisterDevice(ctx, "u1", RegisterDeviceRequest{DeviceID: "laptop"})
	require.NoError(t, err)
	_, err = f.svc.RegisterDevice(ctx, "u2", RegisterDeviceRequest{DeviceID: "phone"})
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	NewSyncService(f.repo, f.store, zaptest.NewLogger(t), WithMetrics(m))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveDevices))
}
