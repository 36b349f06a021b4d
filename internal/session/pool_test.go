package session

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tflow/attachstore/internal/remote/remotetest"
	"github.com/tflow/attachstore/pkg/errors"
)

func newTestPool(t *testing.T, store *remotetest.Store, cfg Config) *Pool {
	t.Helper()
	p := NewPool(store, cfg, nil)
	t.Cleanup(p.Drain)
	return p
}

func TestPool_ReusesIdleSession(t *testing.T) {
	store := remotetest.NewStore()
	p := newTestPool(t, store, Config{MaxSessions: 2})

	ctx := context.Background()
	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateBusy, h1.State())
	p.Release(h1)
	assert.Equal(t, StateIdle, h1.State())

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, store.Dialed())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	p.Release(h2)
}

func TestPool_NeverExceedsMaxSessions(t *testing.T) {
	store := remotetest.NewStore()
	p := newTestPool(t, store, Config{MaxSessions: 5, AcquireTimeout: 5 * time.Second})

	var inUse, maxInUse atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := inUse.Add(1)
			for {
				old := maxInUse.Load()
				if n <= old || maxInUse.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inUse.Add(-1)
			p.Release(h)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(maxInUse.Load()), 5)
	assert.LessOrEqual(t, store.Dialed(), 5)
	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.LessOrEqual(t, stats.Idle, 5)
}

func TestPool_WaitersServedInArrivalOrder(t *testing.T) {
	store := remotetest.NewStore()
	p := newTestPool(t, store, Config{MaxSessions: 1})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			h, err := p.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			p.Release(h)
		}(i)
		require.Eventually(t, func() bool { return p.Stats().Waiting == i+1 }, time.Second, time.Millisecond)
	}

	p.Release(held)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 1, store.Dialed())
}

func TestPool_DiscardDialsReplacementForWaiter(t *testing.T) {
	store := remotetest.NewStore()
	p := newTestPool(t, store, Config{MaxSessions: 1})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Handle, 1)
	go func() {
		h, err := p.Acquire(context.Background())
		assert.NoError(t, err)
		got <- h
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	p.Discard(held)
	assert.Equal(t, StateBroken, held.State())

	select {
	case h := <-got:
		require.NotNil(t, h)
		assert.NotSame(t, held, h)
		p.Release(h)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served after discard")
	}

	assert.Equal(t, 2, store.Dialed())
	assert.Equal(t, 1, store.Open())
	assert.EqualValues(t, 1, p.Stats().Discarded)
}

func TestPool_AcquireTimeoutIsCapacityError(t *testing.T) {
	store := remotetest.NewStore()
	p := newTestPool(t, store, Config{MaxSessions: 1, AcquireTimeout: 20 * time.Millisecond})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(held)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ClassCapacity, errors.Classify(err))
	assert.Equal(t, 0, p.Stats().Waiting)
	assert.EqualValues(t, 1, p.Stats().Timeouts)
}

func TestPool_CancelledWaiterLeavesQueue(t *testing.T) {
	store := remotetest.NewStore()
	p := newTestPool(t, store, Config{MaxSessions: 1})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	cancel()
	err = <-done
	assert.True(t, errors.IsCancelled(err))
	assert.Equal(t, 0, p.Stats().Waiting)

	p.Release(held)
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestPool_DialFailureFreesSlot(t *testing.T) {
	store := remotetest.NewStore()
	store.FailNext(remotetest.OpDial, syscall.ECONNREFUSED, 1)
	p := newTestPool(t, store, Config{MaxSessions: 1})

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ClassTransient, errors.Classify(err))
	assert.Equal(t, 0, p.Stats().Active)
	assert.EqualValues(t, 1, p.Stats().Errors)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h)
}

func TestPool_BrokenSessionIsNotReused(t *testing.T) {
	store := remotetest.NewStore()
	store.BreakOnCancel = true
	store.DownloadGate = make(chan struct{})
	store.Put("a.bin", []byte("0123456789"))
	p := newTestPool(t, store, Config{MaxSessions: 1})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Download(ctx, "a.bin", &nopWriter{})
	require.Error(t, err)
	require.True(t, h.Broken())

	p.Release(h)
	assert.Equal(t, 0, p.Stats().Idle)
	assert.Equal(t, 0, store.Open())
}

func TestPool_Drain(t *testing.T) {
	store := remotetest.NewStore()
	p := NewPool(store, Config{MaxSessions: 2}, nil)

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	second, err := p.Acquire(context.Background())
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	p.Drain()

	select {
	case err = <-waitErr:
	case <-time.After(time.Second):
		t.Fatal("waiter was not failed by Drain")
	}
	var storeErr *errors.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, errors.ErrCodePoolDrained, storeErr.Code)
	assert.Equal(t, 0, p.Stats().Waiting)
	assert.Equal(t, 2, store.Open())

	p.Release(first)
	p.Release(second)
	assert.Equal(t, 0, store.Open())
	assert.Equal(t, 0, p.Stats().Idle)

	_, err = p.Acquire(context.Background())
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, errors.ErrCodePoolDrained, storeErr.Code)

	p.Drain()
}

func TestPool_DrainClosesIdleSessions(t *testing.T) {
	store := remotetest.NewStore()
	p := NewPool(store, Config{MaxSessions: 2}, nil)

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(a)
	p.Release(b)
	require.Equal(t, 2, p.Stats().Idle)
	require.Equal(t, 2, store.Open())

	p.Drain()
	assert.Equal(t, 0, p.Stats().Idle)
	assert.Equal(t, 0, store.Open())
}

func TestPool_HealthCheckDiscardsFailingIdleSessions(t *testing.T) {
	store := remotetest.NewStore()
	p := newTestPool(t, store, Config{
		MaxSessions:         2,
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheckTimeout:  time.Second,
	})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	store.FailNext(remotetest.OpPing, syscall.ECONNRESET, 1)
	p.Release(h)

	require.Eventually(t, func() bool {
		return p.Stats().Discarded == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, store.Open())
}

func TestPool_HealthCheckExpiresIdleSessions(t *testing.T) {
	store := remotetest.NewStore()
	p := newTestPool(t, store, Config{
		MaxSessions:         1,
		HealthCheckInterval: 10 * time.Millisecond,
		MaxIdleTime:         time.Nanosecond,
	})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h)

	require.Eventually(t, func() bool { return store.Open() == 0 }, time.Second, 5*time.Millisecond)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
