package session

import (
	"context"
	"time"
)

// healthChecker pings idle sessions and closes the ones that fail or sat
// idle for too long.
type healthChecker struct {
	pool     *Pool
	interval time.Duration
	timeout  time.Duration
	maxIdle  time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
}

func (hc *healthChecker) run() {
	defer close(hc.stopped)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.checkHealth()
		}
	}
}

// checkHealth checks out every idle session, so no caller can use one while
// it is being pinged.
func (hc *healthChecker) checkHealth() {
	p := hc.pool

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	candidates := p.idle
	p.idle = nil
	p.active += len(candidates)
	p.mu.Unlock()

	var expired, unhealthy int
	for _, h := range candidates {
		h.state.Store(int32(StateBusy))

		if hc.maxIdle > 0 && time.Since(h.lastUsed) > hc.maxIdle {
			expired++
			p.Discard(h)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		err := h.Ping(ctx)
		cancel()

		if err != nil {
			unhealthy++
			p.logger.Debug("Idle session failed health check", "session", h.id, "error", err)
			p.Discard(h)
			continue
		}
		p.put(h, false)
	}

	if expired > 0 || unhealthy > 0 {
		p.logger.Info("Health check closed sessions", "expired", expired, "unhealthy", unhealthy)
	}
}
