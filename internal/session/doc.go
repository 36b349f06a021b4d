/*
Package session owns the connections to the remote file store.

Pool keeps at most MaxSessions sessions alive. Acquire returns an idle session
when one exists, dials a new one while under capacity, and otherwise queues
the caller. Queued callers are served strictly in arrival order: Release hands
the session straight to the oldest waiter instead of parking it.

	p := session.NewPool(dialer, session.DefaultConfig(), logger)
	defer p.Drain()

	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := use(h); err != nil {
		p.Discard(h) // never reuse a session that failed mid-operation
		return err
	}
	p.Release(h)

Policy wraps the pool with the retry policy. Every attempt runs on its own
session; failed sessions are discarded according to the failure class.
*/
package session
