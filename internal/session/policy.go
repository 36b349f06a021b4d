package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/tflow/attachstore/internal/remote"
	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/retry"
)

// Observer receives per-attempt outcomes, typically a metrics collector.
type Observer interface {
	RecordRemoteOperation(op string, class errors.Class, duration time.Duration)
	RecordRetry(op string)
}

// Policy runs remote operations on pooled sessions with retry and backoff.
// Each attempt acquires its own session; a session whose attempt failed with
// anything other than NotFound or Cancelled is discarded before the next
// attempt.
type Policy struct {
	pool     *Pool
	retryer  *retry.Retryer
	observer Observer
	logger   *slog.Logger
}

// NewPolicy creates a policy over pool.
func NewPolicy(pool *Pool, config retry.Config, observer Observer, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		pool:     pool,
		retryer:  retry.New(config),
		observer: observer,
		logger:   logger.With("component", "retry-policy"),
	}
}

// Pool returns the underlying session pool.
func (p *Policy) Pool() *Pool {
	return p.pool
}

// Run executes fn on a pooled session, retrying transient failures.
func (p *Policy) Run(ctx context.Context, op string, fn func(ctx context.Context, s remote.Session) error) error {
	retryer := p.retryer.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		p.logger.Warn("Retrying remote operation",
			"operation", op,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if p.observer != nil {
			p.observer.RecordRetry(op)
		}
	})

	return retryer.DoWithContext(ctx, func(ctx context.Context) error {
		h, err := p.pool.Acquire(ctx)
		if err != nil {
			return err
		}

		start := time.Now()
		err = fn(ctx, h)
		class := errors.Classify(err)

		if p.observer != nil {
			p.observer.RecordRemoteOperation(op, class, time.Since(start))
		}

		switch class {
		case "", errors.ClassNotFound, errors.ClassCancelled:
			p.pool.Release(h)
		default:
			p.logger.Debug("Discarding session after failure",
				"operation", op,
				"session", h.ID(),
				"class", class,
				"error", err)
			p.pool.Discard(h)
		}
		return err
	})
}
