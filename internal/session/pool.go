package session

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tflow/attachstore/internal/remote"
	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/types"
)

const component = "session-pool"

// State is the lifecycle state of a pooled session.
type State int32

const (
	StateIdle State = iota
	StateBusy
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Handle is a session checked out of the pool. It must be returned with
// exactly one call to Release or Discard.
type Handle struct {
	remote.Session

	id       uint64
	created  time.Time
	lastUsed time.Time
	state    atomic.Int32
}

// ID identifies the session in logs.
func (h *Handle) ID() uint64 { return h.id }

// State returns the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Age returns how long the session has existed.
func (h *Handle) Age() time.Duration { return time.Since(h.created) }

// Config defines pool behavior.
type Config struct {
	// MaxSessions bounds idle plus checked-out sessions.
	MaxSessions int `yaml:"max_sessions"`

	// AcquireTimeout bounds how long Acquire waits for a free session.
	// Zero waits until the caller's context is done.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// DialTimeout bounds dials performed on behalf of a queued caller.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// HealthCheckInterval enables periodic pings of idle sessions.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// HealthCheckTimeout bounds each ping.
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`

	// MaxIdleTime closes sessions idle for longer during health checks.
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxSessions:         5,
		AcquireTimeout:      30 * time.Second,
		DialTimeout:         30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		MaxIdleTime:         5 * time.Minute,
	}
}

type acquireResult struct {
	h   *Handle
	err error
}

type waiter struct {
	ch chan acquireResult
}

// Pool manages a bounded set of remote sessions. Callers that find the pool
// at capacity queue in FIFO order; a released session is handed directly to
// the oldest queued caller.
type Pool struct {
	mu      sync.Mutex
	dialer  remote.Dialer
	config  Config
	idle    []*Handle
	waiters *list.List
	active  int
	closed  bool
	nextID  uint64
	stats   types.PoolStats
	logger  *slog.Logger

	healthCheck *healthChecker
}

// NewPool creates a pool. The health checker starts when
// HealthCheckInterval is positive.
func NewPool(dialer remote.Dialer, config Config, logger *slog.Logger) *Pool {
	defaults := DefaultConfig()
	if config.MaxSessions <= 0 {
		config.MaxSessions = defaults.MaxSessions
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = defaults.HealthCheckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		dialer:  dialer,
		config:  config,
		waiters: list.New(),
		logger:  logger.With("component", component),
		stats:   types.PoolStats{MaxSize: config.MaxSessions},
	}

	if config.HealthCheckInterval > 0 {
		p.healthCheck = &healthChecker{
			pool:     p,
			interval: config.HealthCheckInterval,
			timeout:  config.HealthCheckTimeout,
			maxIdle:  config.MaxIdleTime,
			stopCh:   make(chan struct{}),
			stopped:  make(chan struct{}),
		}
		go p.healthCheck.run()
	}

	return p
}

// Acquire returns a session, dialing a new one while under capacity and
// otherwise waiting in line.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionPool, component, "acquire")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errDrained()
	}

	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active++
		p.stats.Hits++
		p.mu.Unlock()
		h.state.Store(int32(StateBusy))
		return h, nil
	}

	if p.active+len(p.idle) < p.config.MaxSessions {
		p.active++
		p.stats.Misses++
		p.mu.Unlock()
		return p.dial(ctx)
	}

	w := &waiter{ch: make(chan acquireResult, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	var timeout <-chan time.Time
	if p.config.AcquireTimeout > 0 {
		timer := time.NewTimer(p.config.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-w.ch:
		return r.h, r.err
	case <-ctx.Done():
		p.abandon(w, elem)
		return nil, errors.Wrap(ctx.Err(), errors.ErrCodeConnectionPool, component, "acquire")
	case <-timeout:
		p.abandon(w, elem)
		p.mu.Lock()
		p.stats.Timeouts++
		p.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodePoolExhausted, "no session available before timeout").
			WithComponent(component).
			WithOperation("acquire").
			WithDetail("timeout", p.config.AcquireTimeout.String())
	}
}

// abandon removes a waiter that gave up. If a session was handed over in the
// meantime it is released again so it is not leaked.
func (p *Pool) abandon(w *waiter, elem *list.Element) {
	p.mu.Lock()
	queued := false
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(e)
			queued = true
			break
		}
	}
	p.mu.Unlock()

	if queued {
		return
	}

	r := <-w.ch
	if r.h != nil {
		p.Release(r.h)
	}
}

// dial opens a session for a slot already counted in active.
func (p *Pool) dial(ctx context.Context) (*Handle, error) {
	sess, err := p.dialer.Dial(ctx)
	if err != nil {
		p.logger.Warn("Failed to open remote session", "error", err)
		p.mu.Lock()
		p.active--
		p.stats.Errors++
		p.stats.LastError = err.Error()
		p.stats.LastErrorAt = time.Now()
		next := p.reserveForWaiter()
		p.mu.Unlock()
		if next != nil {
			go p.dialFor(next)
		}
		return nil, err
	}

	p.mu.Lock()
	p.nextID++
	h := &Handle{Session: sess, id: p.nextID, created: time.Now()}
	h.lastUsed = h.created
	h.state.Store(int32(StateBusy))
	p.stats.Created++
	p.stats.LastCreated = h.created
	closed := p.closed
	if closed {
		p.active--
	}
	p.mu.Unlock()

	if closed {
		_ = sess.Close()
		return nil, errDrained()
	}

	p.logger.Debug("Remote session opened", "session", h.id)
	return h, nil
}

// dialFor opens a session on behalf of a waiter whose slot was reserved.
func (p *Pool) dialFor(w *waiter) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.DialTimeout)
	defer cancel()

	h, err := p.dial(ctx)
	w.ch <- acquireResult{h: h, err: err}
}

// reserveForWaiter pops the oldest waiter and reserves a slot for it when
// there is capacity. Caller holds p.mu.
func (p *Pool) reserveForWaiter() *waiter {
	if p.closed || p.waiters.Len() == 0 || p.active+len(p.idle) >= p.config.MaxSessions {
		return nil
	}
	front := p.waiters.Front()
	p.waiters.Remove(front)
	p.active++
	p.stats.Misses++
	return front.Value.(*waiter)
}

// Release returns a healthy session. Sessions that report themselves broken
// are discarded instead.
func (p *Pool) Release(h *Handle) {
	p.put(h, true)
}

// put returns h to the pool; touch records the return as a use.
func (p *Pool) put(h *Handle, touch bool) {
	if h == nil {
		return
	}
	if h.Broken() {
		p.Discard(h)
		return
	}

	p.mu.Lock()
	if touch {
		h.lastUsed = time.Now()
	}

	if p.closed {
		p.active--
		p.mu.Unlock()
		h.state.Store(int32(StateBroken))
		_ = h.Close()
		return
	}

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		p.stats.Hits++
		p.mu.Unlock()
		front.Value.(*waiter).ch <- acquireResult{h: h}
		return
	}

	p.active--
	h.state.Store(int32(StateIdle))
	p.idle = append(p.idle, h)
	p.mu.Unlock()
}

// Discard closes a session that failed during use and never reuses it. A
// replacement is dialed for the oldest waiter, if any.
func (p *Pool) Discard(h *Handle) {
	if h == nil {
		return
	}
	h.state.Store(int32(StateBroken))

	p.mu.Lock()
	p.active--
	p.stats.Discarded++
	next := p.reserveForWaiter()
	p.mu.Unlock()

	if err := h.Close(); err != nil {
		p.logger.Debug("Error closing discarded session", "session", h.id, "error", err)
	}
	if next != nil {
		go p.dialFor(next)
	}
}

// Drain closes idle sessions, fails every waiter and refuses further
// acquires. Sessions still checked out are closed when returned.
func (p *Pool) Drain() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	var waiters []*waiter
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		waiters = append(waiters, e.Value.(*waiter))
	}
	p.waiters.Init()
	p.mu.Unlock()

	if p.healthCheck != nil {
		close(p.healthCheck.stopCh)
		<-p.healthCheck.stopped
	}

	for _, h := range idle {
		h.state.Store(int32(StateBroken))
		_ = h.Close()
	}
	for _, w := range waiters {
		w.ch <- acquireResult{err: errDrained()}
	}

	p.logger.Info("Session pool drained", "closed_idle", len(idle), "failed_waiters", len(waiters))
}

// Stats returns current pool statistics
func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Active = p.active
	stats.Idle = len(p.idle)
	stats.Waiting = p.waiters.Len()
	return stats
}

func errDrained() error {
	return errors.NewError(errors.ErrCodePoolDrained, "session pool drained").
		WithComponent(component).
		WithOperation("acquire")
}
