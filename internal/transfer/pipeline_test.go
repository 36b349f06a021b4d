package transfer

import (
	"bytes"
	"context"
	"io"
	"net/textproto"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tflow/attachstore/internal/pathresolve"
	"github.com/tflow/attachstore/internal/remote"
	"github.com/tflow/attachstore/internal/remote/remotetest"
	"github.com/tflow/attachstore/internal/session"
	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/retry"
)

type transferRecord struct {
	op    string
	bytes int64
	err   error
}

type recordingObserver struct {
	mu      sync.Mutex
	records []transferRecord
}

func (r *recordingObserver) RecordTransfer(op string, n int64, d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, transferRecord{op: op, bytes: n, err: err})
}

func (r *recordingObserver) last() transferRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[len(r.records)-1]
}

// wrapDialer dials through a store and wraps every session it opens.
type wrapDialer struct {
	store *remotetest.Store
	wrap  func(remote.Session) remote.Session
}

func (d *wrapDialer) Dial(ctx context.Context) (remote.Session, error) {
	s, err := d.store.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return d.wrap(s), nil
}

type harness struct {
	store    *remotetest.Store
	pool     *session.Pool
	pipeline *Pipeline
	observer *recordingObserver
}

func newHarness(t *testing.T, dialer remote.Dialer, store *remotetest.Store, cfg Config) *harness {
	t.Helper()
	if dialer == nil {
		dialer = store
	}
	pool := session.NewPool(dialer, session.Config{MaxSessions: 5, AcquireTimeout: time.Second}, nil)
	t.Cleanup(pool.Drain)

	policy := session.NewPolicy(pool, retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}, nil, nil)
	resolver := pathresolve.New(policy, pathresolve.DefaultLayout(), nil)
	obs := &recordingObserver{}

	return &harness{
		store:    store,
		pool:     pool,
		pipeline: New(policy, resolver, cfg, obs, nil),
		observer: obs,
	}
}

func TestUpload_CreatesMissingDirectories(t *testing.T) {
	h := newHarness(t, nil, remotetest.NewStore(), Config{})

	res, err := h.pipeline.Upload(context.Background(), []byte("hello"), "uploads/2024/05/a.png")
	require.NoError(t, err)

	assert.Equal(t, "uploads/2024/05/a.png", res.FinalPath)
	assert.Equal(t, int64(5), res.Bytes)
	assert.False(t, res.Fallback)
	assert.True(t, h.store.HasDir("uploads"))
	assert.True(t, h.store.HasDir("uploads/2024"))
	assert.True(t, h.store.HasDir("uploads/2024/05"))

	data, ok := h.store.Get("uploads/2024/05/a.png")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, 0, h.pool.Stats().Active)
}

func TestUpload_AbsoluteTargetKeepsLeadingSlash(t *testing.T) {
	h := newHarness(t, nil, remotetest.NewStore(), Config{})

	res, err := h.pipeline.Upload(context.Background(), []byte("x"), "/uploads/a.png")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/a.png", res.FinalPath)
	assert.True(t, h.store.HasDir("/uploads"))
	assert.False(t, h.store.HasDir("uploads"))
}

func TestUpload_ExistingDirectoryNotRecreated(t *testing.T) {
	store := remotetest.NewStore()
	store.AddDir("uploads")
	h := newHarness(t, nil, store, Config{})

	_, err := h.pipeline.Upload(context.Background(), []byte("x"), "uploads/a.png")
	require.NoError(t, err)
	assert.Equal(t, 0, store.Calls(remotetest.OpMakeDir))
}

type racingSession struct {
	remote.Session
	store *remotetest.Store
}

// MakeDir behaves as if another uploader created the directory first.
func (s *racingSession) MakeDir(ctx context.Context, dir string) error {
	s.store.AddDir(dir)
	return remotetest.ErrDirExists
}

func TestUpload_ConcurrentDirectoryCreationTolerated(t *testing.T) {
	store := remotetest.NewStore()
	dialer := &wrapDialer{store: store, wrap: func(s remote.Session) remote.Session {
		return &racingSession{Session: s, store: store}
	}}
	h := newHarness(t, dialer, store, Config{})

	res, err := h.pipeline.Upload(context.Background(), []byte("x"), "uploads/a.png")
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.True(t, store.Has("uploads/a.png"))
}

func TestUpload_ParallelUploadsIntoSameNewDirectory(t *testing.T) {
	h := newHarness(t, nil, remotetest.NewStore(), Config{})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.pipeline.Upload(context.Background(), []byte{byte(i)}, "uploads/new/"+string(rune('a'+i))+".bin")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, h.store.Paths("uploads/new/"), 5)
}

func TestUpload_VerificationFailureFallsBackToRoot(t *testing.T) {
	store := remotetest.NewStore()
	store.SkipStore["uploads/a.png"] = true
	h := newHarness(t, nil, store, Config{})

	res, err := h.pipeline.Upload(context.Background(), []byte("data"), "uploads/a.png")
	require.NoError(t, err)

	assert.Equal(t, "a.png", res.FinalPath)
	assert.True(t, res.Fallback)
	assert.True(t, store.Has("a.png"))
	assert.False(t, store.Has("uploads/a.png"))
	assert.Equal(t, 2, store.Calls(remotetest.OpUpload))
}

func TestUpload_TransientExhaustionFallsBackToRoot(t *testing.T) {
	store := remotetest.NewStore()
	store.FailNext(remotetest.OpUpload, syscall.ECONNRESET, 3)
	h := newHarness(t, nil, store, Config{})

	res, err := h.pipeline.Upload(context.Background(), []byte("data"), "uploads/a.png")
	require.NoError(t, err)

	assert.True(t, res.Fallback)
	assert.Equal(t, "a.png", res.FinalPath)
	assert.Equal(t, 4, store.Calls(remotetest.OpUpload))
}

func TestUpload_DirectoryFailureFallsBackToRoot(t *testing.T) {
	store := remotetest.NewStore()
	store.FailNext(remotetest.OpMakeDir, &textproto.Error{Code: 550, Msg: "Permission denied"}, 1)
	h := newHarness(t, nil, store, Config{})

	res, err := h.pipeline.Upload(context.Background(), []byte("data"), "uploads/a.png")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.True(t, store.Has("a.png"))
}

func TestUpload_FatalFailureDoesNotFallBack(t *testing.T) {
	store := remotetest.NewStore()
	store.FailNext(remotetest.OpUpload, &textproto.Error{Code: 530, Msg: "Not logged in"}, 1)
	h := newHarness(t, nil, store, Config{})

	_, err := h.pipeline.Upload(context.Background(), []byte("data"), "uploads/a.png")
	require.Error(t, err)

	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 1, store.Calls(remotetest.OpUpload))
	assert.Empty(t, store.Paths(""))
	assert.Error(t, h.observer.last().err)
}

func TestUpload_FailureAtRootIsNotRetriedAtRoot(t *testing.T) {
	store := remotetest.NewStore()
	store.SkipStore["a.png"] = true
	h := newHarness(t, nil, store, Config{})

	_, err := h.pipeline.Upload(context.Background(), []byte("data"), "a.png")
	require.Error(t, err)

	var storeErr *errors.StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, errors.ErrCodeVerificationFailed, storeErr.Code)
	assert.Equal(t, 1, store.Calls(remotetest.OpUpload))
}

func TestUpload_FallbackDisabled(t *testing.T) {
	store := remotetest.NewStore()
	store.SkipStore["uploads/a.png"] = true
	h := newHarness(t, nil, store, Config{DisableRootFallback: true})

	_, err := h.pipeline.Upload(context.Background(), []byte("data"), "uploads/a.png")
	require.Error(t, err)
	assert.False(t, store.Has("a.png"))
}

func TestUpload_IgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t, nil, remotetest.NewStore(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.pipeline.Upload(ctx, []byte("data"), "uploads/a.png")
	require.NoError(t, err)
	assert.Equal(t, "uploads/a.png", res.FinalPath)
}

func TestDownload_StreamsAndKeepsPayload(t *testing.T) {
	store := remotetest.NewStore()
	store.Put("uploads/a.png", []byte("payload"))
	h := newHarness(t, nil, store, Config{})

	st, err := h.pipeline.Download(context.Background(), "uploads/a.png")
	require.NoError(t, err)

	data, err := io.ReadAll(st)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	assert.Equal(t, "payload", string(data))
	assert.Equal(t, "uploads/a.png", st.Path())
	assert.NoError(t, st.Err())

	payload, ok := st.Payload()
	require.True(t, ok)
	assert.Equal(t, "payload", string(payload))
	assert.Equal(t, int64(7), h.observer.last().bytes)
	assert.Equal(t, 0, h.pool.Stats().Active)
}

func TestDownload_PayloadDroppedBeyondTeeLimit(t *testing.T) {
	store := remotetest.NewStore()
	content := bytes.Repeat([]byte("z"), 64)
	store.Put("big.bin", content)
	h := newHarness(t, nil, store, Config{TeeLimit: 16})

	st, err := h.pipeline.Download(context.Background(), "big.bin")
	require.NoError(t, err)

	data, err := io.ReadAll(st)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	assert.Equal(t, content, data)
	_, ok := st.Payload()
	assert.False(t, ok)
}

func TestDownload_NotFoundReturnedBeforeStreaming(t *testing.T) {
	h := newHarness(t, nil, remotetest.NewStore(), Config{})

	st, err := h.pipeline.Download(context.Background(), "uploads/missing.png")
	require.Error(t, err)
	assert.Nil(t, st)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, 1, h.store.Calls(remotetest.OpDownload))
}

func TestDownload_RetriesWhenNothingWasSent(t *testing.T) {
	store := remotetest.NewStore()
	store.Put("a.txt", []byte("abc"))
	store.FailNext(remotetest.OpDownload, syscall.ECONNRESET, 2)
	h := newHarness(t, nil, store, Config{})

	st, err := h.pipeline.Download(context.Background(), "a.txt")
	require.NoError(t, err)
	defer st.Close()

	data, err := io.ReadAll(st)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	assert.Equal(t, 3, store.Calls(remotetest.OpDownload))
}

type truncatingSession struct {
	remote.Session
	calls *atomic.Int32
}

func (s *truncatingSession) Download(ctx context.Context, p string, w io.Writer) (int64, error) {
	s.calls.Add(1)
	n, _ := w.Write([]byte("par"))
	return int64(n), syscall.ECONNRESET
}

func TestDownload_NoRetryAfterBytesSent(t *testing.T) {
	store := remotetest.NewStore()
	calls := &atomic.Int32{}
	dialer := &wrapDialer{store: store, wrap: func(s remote.Session) remote.Session {
		return &truncatingSession{Session: s, calls: calls}
	}}
	h := newHarness(t, dialer, store, Config{})

	st, err := h.pipeline.Download(context.Background(), "a.txt")
	require.NoError(t, err)
	defer st.Close()

	data, err := io.ReadAll(st)
	require.Error(t, err)
	assert.Equal(t, "par", string(data))
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, int32(1), calls.Load())

	_, ok := st.Payload()
	assert.False(t, ok)
}

func TestDownload_CloseAbortsTransferAndReleasesSession(t *testing.T) {
	store := remotetest.NewStore()
	store.Put("big.bin", bytes.Repeat([]byte("x"), 1000))
	store.DownloadGate = make(chan struct{})
	h := newHarness(t, nil, store, Config{})

	st, err := h.pipeline.Download(context.Background(), "big.bin")
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = io.ReadFull(st, buf)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = st.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.True(t, errors.IsCancelled(st.Err()))
	stats := h.pool.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, store.Open())
	assert.Equal(t, 1, store.Calls(remotetest.OpDownload))
}

func TestDownload_CallerCancelDiscardsBrokenSession(t *testing.T) {
	store := remotetest.NewStore()
	store.Put("big.bin", bytes.Repeat([]byte("x"), 1000))
	store.DownloadGate = make(chan struct{})
	store.BreakOnCancel = true
	h := newHarness(t, nil, store, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	st, err := h.pipeline.Download(ctx, "big.bin")
	require.NoError(t, err)

	// drain the first half so the remote side reaches the gate
	_, err = io.ReadFull(st, make([]byte, 500))
	require.NoError(t, err)

	cancel()
	require.NoError(t, st.Close())

	assert.True(t, errors.IsCancelled(st.Err()))
	assert.Equal(t, 0, h.pool.Stats().Active)
	assert.Equal(t, 0, store.Open())
}

func TestDelete_ResolvesStalePath(t *testing.T) {
	store := remotetest.NewStore()
	store.Put("uploads/a.png", []byte("x"))
	h := newHarness(t, nil, store, Config{})

	removed, err := h.pipeline.Delete(context.Background(), "upload-tirvu-sprint/a.png")
	require.NoError(t, err)
	assert.Equal(t, "uploads/a.png", removed)
	assert.False(t, store.Has("uploads/a.png"))
}

func TestDelete_MissingObjectIsSuccess(t *testing.T) {
	store := remotetest.NewStore()
	store.Put("uploads/a.png", []byte("x"))
	h := newHarness(t, nil, store, Config{})

	_, err := h.pipeline.Delete(context.Background(), "uploads/a.png")
	require.NoError(t, err)

	removed, err := h.pipeline.Delete(context.Background(), "uploads/a.png")
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestDelete_FatalErrorReturned(t *testing.T) {
	store := remotetest.NewStore()
	store.Put("uploads/a.png", []byte("x"))
	store.FailNext(remotetest.OpDelete, &textproto.Error{Code: 530, Msg: "Not logged in"}, 1)
	h := newHarness(t, nil, store, Config{})

	_, err := h.pipeline.Delete(context.Background(), "uploads/a.png")
	require.Error(t, err)
	assert.True(t, store.Has("uploads/a.png"))
}
