package session

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tflow/attachstore/internal/remote"
	"github.com/tflow/attachstore/internal/remote/remotetest"
	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/retry"
)

type recordingObserver struct {
	mu      sync.Mutex
	retries int
	classes []errors.Class
}

func (r *recordingObserver) RecordRemoteOperation(op string, class errors.Class, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes = append(r.classes, class)
}

func (r *recordingObserver) RecordRetry(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func newTestPolicy(t *testing.T, store *remotetest.Store) (*Policy, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	pool := newTestPool(t, store, Config{MaxSessions: 5})
	return NewPolicy(pool, fastRetry(), obs, nil), obs
}

func TestPolicy_TransientFailureRetriedThreeTimes(t *testing.T) {
	store := remotetest.NewStore()
	policy, obs := newTestPolicy(t, store)

	attempts := 0
	err := policy.Run(context.Background(), "upload", func(ctx context.Context, s remote.Session) error {
		attempts++
		return syscall.ECONNRESET
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, obs.retries)

	var storeErr *errors.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, errors.ErrCodeRetryExhausted, storeErr.Code)

	// every failed attempt discarded its session
	assert.Equal(t, 3, store.Dialed())
	assert.Equal(t, 0, store.Open())
}

func TestPolicy_FatalFailureSingleAttempt(t *testing.T) {
	store := remotetest.NewStore()
	policy, _ := newTestPolicy(t, store)

	attempts := 0
	fatal := errors.NewError(errors.ErrCodeAuthenticationFailed, "login incorrect")
	err := policy.Run(context.Background(), "stat", func(ctx context.Context, s remote.Session) error {
		attempts++
		return fatal
	})

	assert.Same(t, fatal, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 0, store.Open())
}

func TestPolicy_NotFoundKeepsSession(t *testing.T) {
	store := remotetest.NewStore()
	policy, obs := newTestPolicy(t, store)

	err := policy.Run(context.Background(), "stat", func(ctx context.Context, s remote.Session) error {
		_, err := s.Stat(ctx, "missing.png")
		return err
	})

	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, 1, store.Calls(remotetest.OpStat))
	assert.Equal(t, 1, policy.Pool().Stats().Idle)
	assert.Equal(t, []errors.Class{errors.ClassNotFound}, obs.classes)
}

func TestPolicy_RecoversAfterTransientFailure(t *testing.T) {
	store := remotetest.NewStore()
	store.Put("uploads/a.png", []byte("png"))
	store.FailNext(remotetest.OpStat, syscall.ECONNRESET, 1)
	policy, _ := newTestPolicy(t, store)

	err := policy.Run(context.Background(), "stat", func(ctx context.Context, s remote.Session) error {
		_, err := s.Stat(ctx, "uploads/a.png")
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, 2, store.Calls(remotetest.OpStat))
	assert.Equal(t, 2, store.Dialed())
	assert.Equal(t, 1, store.Open())
}

func TestPolicy_CancelledNotRetried(t *testing.T) {
	store := remotetest.NewStore()
	policy, _ := newTestPolicy(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := policy.Run(ctx, "download", func(ctx context.Context, s remote.Session) error {
		attempts++
		cancel()
		return ctx.Err()
	})

	assert.True(t, errors.IsCancelled(err))
	assert.Equal(t, 1, attempts)
	// the session was healthy, so it went back to the pool
	assert.Equal(t, 1, policy.Pool().Stats().Idle)
}
