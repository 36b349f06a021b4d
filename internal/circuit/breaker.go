// Package circuit guards connection attempts to the remote host. After a run
// of failed dials the breaker opens and further dials fail immediately until
// a probe dial succeeds.
package circuit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tflow/attachstore/internal/remote"
	"github.com/tflow/attachstore/pkg/errors"
)

const component = "circuit"

// State represents the circuit breaker state
type State int

const (
	// StateClosed - dials pass through
	StateClosed State = iota
	// StateOpen - dials are rejected
	StateOpen
	// StateHalfOpen - a limited number of probe dials are let through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Consecutive failed dials that open the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Period of the open state after which the breaker lets probes through
	Timeout time.Duration `yaml:"timeout"`

	// Maximum number of probe dials in flight while half-open
	MaxProbes uint32 `yaml:"max_probes"`

	// Called when the state changes
	OnStateChange func(from State, to State) `yaml:"-"`
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MaxProbes:        1,
	}
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

func (c *Counts) onRequest(now time.Time) {
	c.Requests++
	c.LastActivity = now
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	expiry   time.Time
	inflight uint32
}

// NewBreaker creates a breaker. Zero config fields take their defaults.
func NewBreaker(config Config) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxProbes == 0 {
		config.MaxProbes = defaults.MaxProbes
	}
	return &Breaker{config: config, now: time.Now}
}

// Execute runs fn if the breaker allows it and records the outcome.
// Cancelled attempts are not counted either way.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.currentState(now) {
	case StateOpen:
		return errOpen(b.expiry.Sub(now))
	case StateHalfOpen:
		if b.inflight >= b.config.MaxProbes {
			return errOpen(0)
		}
	}
	b.inflight++
	b.counts.onRequest(now)
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inflight--
	now := b.now()
	state := b.currentState(now)

	switch errors.Classify(err) {
	case errors.ClassCancelled:
		return
	case "", errors.ClassNotFound:
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
	default:
		b.counts.onFailure()
		switch state {
		case StateClosed:
			if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
				b.setState(StateOpen, now)
			}
		case StateHalfOpen:
			b.setState(StateOpen, now)
		}
	}
}

// currentState must be called with the lock held
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && !b.expiry.After(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

// setState must be called with the lock held
func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts = Counts{}
	b.expiry = time.Time{}
	if state == StateOpen {
		b.expiry = now.Add(b.config.Timeout)
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(prev, state)
	}
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed, b.now())
	b.counts = Counts{}
}

func errOpen(retryIn time.Duration) error {
	err := errors.NewError(errors.ErrCodeConnectionFailed, "remote host unavailable").
		WithComponent(component).
		WithOperation("dial").
		WithClass(errors.ClassCapacity)
	err.HTTPStatus = 503
	if retryIn > 0 {
		err = err.WithDetail("retry_in", retryIn.Round(time.Second).String())
	}
	return err
}

// Dialer guards a remote.Dialer with a breaker.
type Dialer struct {
	next    remote.Dialer
	breaker *Breaker
}

// NewDialer wraps next. State changes are logged.
func NewDialer(next remote.Dialer, config Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", component)

	onChange := config.OnStateChange
	config.OnStateChange = func(from, to State) {
		level := slog.LevelInfo
		if to == StateOpen {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "Remote circuit state changed",
			"from", from.String(),
			"to", to.String())
		if onChange != nil {
			onChange(from, to)
		}
	}
	return &Dialer{next: next, breaker: NewBreaker(config)}
}

// Breaker returns the breaker guarding the dialer.
func (d *Dialer) Breaker() *Breaker {
	return d.breaker
}

// Dial opens a session unless the breaker is open.
func (d *Dialer) Dial(ctx context.Context) (remote.Session, error) {
	var s remote.Session
	err := d.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		s, err = d.next.Dial(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
