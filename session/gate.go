package session

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// gate is the transmission gate: a boolean "admitted"/"blocked" condition
// built on a weight-1 semaphore. Closing the gate means the gate itself
// holds the sole permit, so any caller's wait blocks; opening releases
// it. wait never holds the permit across a caller's own request: it
// acquires then immediately releases, so it only ever serialises against
// close/open, never against other waiters.
//
// shutdown cancels every blocked wait at once, by cancelling a
// context every wait races against; Close is the only way to abort a
// pending request.
type gate struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	closed bool

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

func newGate() *gate {
	ctx, cancel := context.WithCancel(context.Background())
	return &gate{
		sem:            semaphore.NewWeighted(1),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// close flips the gate closed. Idempotent.
func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if err := g.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	g.closed = true
}

// open flips the gate open. Idempotent.
func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		return
	}
	g.sem.Release(1)
	g.closed = false
}

// shutdown releases every current and future waiter with ErrNeedToReopen.
func (g *gate) shutdown() {
	g.shutdownCancel()
}

// wait blocks until the gate is open, ctx is done, or shutdown was
// called. It never holds the gate's permit past its own return.
func (g *gate) wait(ctx context.Context) error {
	if g.shutdownCtx.Err() != nil {
		return ErrNeedToReopen
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-g.shutdownCtx.Done():
			cancel()
		case <-done:
		}
	}()

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if g.shutdownCtx.Err() != nil {
			return ErrNeedToReopen
		}
		if ctx.Err() != nil {
			return ErrGateTimeout
		}
		return err
	}
	g.sem.Release(1)
	return nil
}
