package attachment

import (
	"bytes"
	"context"
	"io"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tflow/attachstore/internal/cache"
	"github.com/tflow/attachstore/internal/compress"
	"github.com/tflow/attachstore/internal/pathresolve"
	"github.com/tflow/attachstore/internal/records"
	"github.com/tflow/attachstore/internal/remote/remotetest"
	"github.com/tflow/attachstore/internal/session"
	"github.com/tflow/attachstore/internal/transfer"
	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/health"
	"github.com/tflow/attachstore/pkg/retry"
	"github.com/tflow/attachstore/pkg/types"
)

var errLoginRejected = &textproto.Error{Code: 530, Msg: "Not logged in"}

type fixture struct {
	store   *remotetest.Store
	records *records.MemoryStore
	local   *LocalStore
	svc     *Service
}

func newFixture(t *testing.T, mutate func(*Dependencies)) *fixture {
	t.Helper()
	store := remotetest.NewStore()

	pool := session.NewPool(store, session.Config{MaxSessions: 5, AcquireTimeout: time.Second}, nil)
	t.Cleanup(pool.Drain)
	policy := session.NewPolicy(pool, retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}, nil, nil)
	layout := pathresolve.DefaultLayout()
	resolver := pathresolve.New(policy, layout, nil)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Disk.Directory = t.TempDir()
	overlay, err := cache.New(cacheCfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = overlay.Close() })

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	recs := records.NewMemoryStore()
	deps := Dependencies{
		Pipeline: transfer.New(policy, resolver, transfer.Config{}, nil, nil),
		Layout:   layout,
		Records:  recs,
		Cache:    overlay,
		Local:    local,
	}
	if mutate != nil {
		mutate(&deps)
	}

	svc := NewService(deps, Config{}, nil)
	t.Cleanup(svc.Wait)
	return &fixture{store: store, records: recs, local: local, svc: svc}
}

func readAll(t *testing.T, obj *Object) []byte {
	t.Helper()
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.NoError(t, obj.Body.Close())
	return data
}

func TestStore_UploadsToCurrentDirectory(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Store(context.Background(), StoreRequest{
		LogicalID:    "att-1",
		Content:      []byte("%PDF-1.4"),
		OriginalName: "Invoice.PDF",
	})
	require.NoError(t, err)

	assert.Equal(t, "att-1", res.ID)
	assert.Equal(t, types.TierRemote, res.Tier)
	assert.Regexp(t, `^uploads/[0-9a-f-]{36}\.pdf$`, res.RemotePath)

	data, ok := f.store.Get(res.RemotePath)
	require.True(t, ok)
	assert.Equal(t, "%PDF-1.4", string(data))

	rec, err := f.svc.Get(context.Background(), "att-1")
	require.NoError(t, err)
	assert.Equal(t, res.RemotePath, rec.RemotePath)
	assert.Equal(t, "application/pdf", rec.ContentType)
	assert.Equal(t, "Invoice.PDF", rec.OriginalName)
	assert.Equal(t, int64(8), rec.Size)
}

func TestStore_Validation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		req  StoreRequest
		code errors.ErrorCode
	}{
		{
			name: "empty",
			req:  StoreRequest{OriginalName: "a.png", ContentType: "image/png"},
			code: errors.ErrCodeValidationFailed,
		},
		{
			name: "too large",
			req:  StoreRequest{OriginalName: "a.png", ContentType: "image/png", Content: make([]byte, 10<<20+1)},
			code: errors.ErrCodeLimitExceeded,
		},
		{
			name: "type not allowed",
			req:  StoreRequest{OriginalName: "run.sh", ContentType: "text/x-shellscript", Content: []byte("#!")},
			code: errors.ErrCodeValidationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Store(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code))
		})
	}
	assert.Equal(t, 0, f.store.Calls(remotetest.OpUpload))
}

func TestStore_CompressesWhenRequested(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) {
		d.Compressor = compress.New(compress.DefaultConfig(), nil, nil).
			WithEncoder(func(ctx context.Context, content []byte, contentType string) ([]byte, error) {
				return []byte("tiny"), nil
			})
	})

	res, err := f.svc.Store(context.Background(), StoreRequest{
		Content:      bytes.Repeat([]byte("p"), 100),
		ContentType:  "image/png",
		OriginalName: "shot.png",
		Compress:     true,
	})
	require.NoError(t, err)
	assert.True(t, res.Compressed)
	assert.Equal(t, int64(4), res.Record.Size)

	data, ok := f.store.Get(res.RemotePath)
	require.True(t, ok)
	assert.Equal(t, "tiny", string(data))
}

func TestStore_FallsBackToLocalStorage(t *testing.T) {
	f := newFixture(t, nil)
	f.store.FailNext(remotetest.OpUpload, errLoginRejected, 10)

	res, err := f.svc.Store(context.Background(), StoreRequest{
		LogicalID:    "att-2",
		Content:      []byte("gif89a"),
		OriginalName: "a.gif",
	})
	require.NoError(t, err)
	assert.Equal(t, types.TierLocalFallback, res.Tier)

	file, size, err := f.local.Open(res.RemotePath)
	require.NoError(t, err)
	_ = file.Close()
	assert.Equal(t, int64(6), size)

	f.svc.Wait()
	obj, err := f.svc.Fetch(context.Background(), FetchRequest{LogicalID: "att-2", Revalidate: true})
	require.NoError(t, err)
	assert.Equal(t, "gif89a", string(readAll(t, obj)))
}

func TestStore_NoLocalFallbackReturnsRemoteError(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) { d.Local = nil })
	f.store.FailNext(remotetest.OpUpload, errLoginRejected, 10)

	_, err := f.svc.Store(context.Background(), StoreRequest{
		LogicalID:    "att-3",
		Content:      []byte("x"),
		OriginalName: "a.png",
	})
	require.Error(t, err)

	_, err = f.svc.Get(context.Background(), "att-3")
	assert.True(t, errors.IsNotFound(err))
}

// cancelAwareRecords fails writes once the caller's context is done.
type cancelAwareRecords struct {
	*records.MemoryStore
}

func (r cancelAwareRecords) Create(ctx context.Context, rec *records.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MemoryStore.Create(ctx, rec)
}

func TestStore_CallerCancellationStillRecords(t *testing.T) {
	recs := records.NewMemoryStore()
	f := newFixture(t, func(d *Dependencies) { d.Records = cancelAwareRecords{recs} })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.svc.Store(ctx, StoreRequest{
		LogicalID:    "att-cancel",
		Content:      []byte("%PDF-1.4"),
		OriginalName: "late.pdf",
	})
	require.NoError(t, err)
	assert.True(t, f.store.Has(res.RemotePath))

	rec, err := recs.Get(context.Background(), "att-cancel")
	require.NoError(t, err)
	assert.Equal(t, res.RemotePath, rec.RemotePath)
}

func TestStore_ReadOnlyRemoteGoesStraightToLocal(t *testing.T) {
	tracker := health.NewTracker(health.TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 10})
	tracker.RegisterComponent(health.ComponentRemote, nil)
	f := newFixture(t, func(d *Dependencies) { d.Health = tracker })

	res, err := f.svc.Store(context.Background(), StoreRequest{Content: []byte("a"), OriginalName: "a.png"})
	require.NoError(t, err)
	assert.Equal(t, types.TierRemote, res.Tier)

	tracker.RecordError(health.ComponentRemote, errors.NewError(errors.ErrCodeDirectoryFailed, "mkdir failed"))
	require.False(t, tracker.CanWrite(health.ComponentRemote))

	res, err = f.svc.Store(context.Background(), StoreRequest{Content: []byte("b"), OriginalName: "b.png"})
	require.NoError(t, err)
	assert.Equal(t, types.TierLocalFallback, res.Tier)
	assert.Equal(t, 1, f.store.Calls(remotetest.OpUpload))
}

func TestStoreBatch(t *testing.T) {
	f := newFixture(t, nil)

	items, err := f.svc.StoreBatch(context.Background(), []StoreRequest{
		{Content: []byte("one"), OriginalName: "1.png"},
		{Content: nil, OriginalName: "2.png"},
		{Content: []byte("three"), OriginalName: "3.pdf"},
	})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.NoError(t, items[0].Err)
	assert.Error(t, items[1].Err)
	assert.Nil(t, items[1].Result)
	assert.NoError(t, items[2].Err)
	assert.Equal(t, "3.pdf", items[2].Name)
	assert.Equal(t, 2, f.store.Calls(remotetest.OpUpload))
}

func TestStoreBatch_Limits(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.StoreBatch(context.Background(), nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))

	reqs := make([]StoreRequest, 6)
	_, err = f.svc.StoreBatch(context.Background(), reqs)
	assert.True(t, errors.HasCode(err, errors.ErrCodeLimitExceeded))
}

func TestFetch_CachesCompletedStream(t *testing.T) {
	f := newFixture(t, nil)
	f.store.AddDir("uploads")
	f.store.Put("uploads/a.png", []byte("png data"))

	obj, err := f.svc.Fetch(context.Background(), FetchRequest{RemotePath: "uploads/a.png"})
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, obj.Source)
	assert.Equal(t, "image/png", obj.ContentType)
	assert.Equal(t, "a.png", obj.DisplayName)
	assert.Equal(t, "png data", string(readAll(t, obj)))

	f.svc.Wait()

	obj, err = f.svc.Fetch(context.Background(), FetchRequest{RemotePath: "uploads/a.png"})
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, obj.Source)
	assert.Equal(t, "png data", string(readAll(t, obj)))

	obj, err = f.svc.Fetch(context.Background(), FetchRequest{RemotePath: "uploads/a.png", Revalidate: true})
	require.NoError(t, err)
	assert.Equal(t, SourceDisk, obj.Source)
	assert.Equal(t, "png data", string(readAll(t, obj)))

	assert.Equal(t, 1, f.store.Calls(remotetest.OpDownload))
}

func TestFetch_AbandonedStreamNotCached(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Put("a.png", bytes.Repeat([]byte("d"), 64))

	obj, err := f.svc.Fetch(context.Background(), FetchRequest{RemotePath: "a.png"})
	require.NoError(t, err)
	require.NoError(t, obj.Body.Close())
	f.svc.Wait()

	obj, err = f.svc.Fetch(context.Background(), FetchRequest{RemotePath: "a.png"})
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, obj.Source)
	require.NoError(t, obj.Body.Close())
}

func TestFetch_HealsLegacyPath(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Put("upload-tirvu-sprint/old.jpg", []byte("jpeg"))
	require.NoError(t, f.records.Create(context.Background(), &records.Record{
		ID:           "att-9",
		FileName:     "old.jpg",
		OriginalName: "holiday.jpg",
		ContentType:  "image/jpeg",
		Tier:         types.TierRemote,
		RemotePath:   "/uploads/old.jpg",
	}))

	obj, err := f.svc.Fetch(context.Background(), FetchRequest{LogicalID: "att-9"})
	require.NoError(t, err)
	assert.Equal(t, "holiday.jpg", obj.DisplayName)
	assert.Equal(t, "image/jpeg", obj.ContentType)
	assert.Equal(t, "jpeg", string(readAll(t, obj)))

	rec, err := f.records.Get(context.Background(), "att-9")
	require.NoError(t, err)
	assert.Equal(t, "upload-tirvu-sprint/old.jpg", rec.RemotePath)
}

func TestFetch_MissingEverywhere(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Fetch(context.Background(), FetchRequest{RemotePath: "uploads/gone.png"})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = f.svc.Fetch(context.Background(), FetchRequest{LogicalID: "unknown"})
	assert.True(t, errors.IsNotFound(err))

	_, err = f.svc.Fetch(context.Background(), FetchRequest{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
}

func TestDelete_RemovesEverything(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Store(context.Background(), StoreRequest{
		LogicalID:    "att-4",
		Content:      []byte("bytes"),
		OriginalName: "a.png",
	})
	require.NoError(t, err)
	f.svc.Wait()

	require.NoError(t, f.svc.Delete(context.Background(), DeleteRequest{LogicalID: "att-4"}))

	assert.False(t, f.store.Has(res.RemotePath))
	_, err = f.svc.Get(context.Background(), "att-4")
	assert.True(t, errors.IsNotFound(err))

	_, err = f.svc.Fetch(context.Background(), FetchRequest{LogicalID: "att-4", RemotePath: res.RemotePath})
	assert.True(t, errors.IsNotFound(err))
}

func TestDelete_Idempotent(t *testing.T) {
	f := newFixture(t, nil)

	assert.NoError(t, f.svc.Delete(context.Background(), DeleteRequest{LogicalID: "never-stored"}))
	assert.NoError(t, f.svc.Delete(context.Background(), DeleteRequest{RemotePath: "uploads/gone.png"}))
	assert.NoError(t, f.svc.Delete(context.Background(), DeleteRequest{
		RemotePath: "gone.png",
		Tier:       types.TierLocalFallback,
	}))
}

func TestDelete_LocalTier(t *testing.T) {
	f := newFixture(t, nil)
	f.store.FailNext(remotetest.OpUpload, errLoginRejected, 10)

	res, err := f.svc.Store(context.Background(), StoreRequest{
		LogicalID:    "att-5",
		Content:      []byte("x"),
		OriginalName: "a.png",
	})
	require.NoError(t, err)
	require.Equal(t, types.TierLocalFallback, res.Tier)
	f.svc.Wait()

	require.NoError(t, f.svc.Delete(context.Background(), DeleteRequest{LogicalID: "att-5"}))
	_, _, err = f.local.Open(res.RemotePath)
	assert.True(t, errors.IsNotFound(err))
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	l, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.Save("../../etc/passwd", []byte("x")))
	_, _, err = l.Open("passwd")
	assert.NoError(t, err)
}
