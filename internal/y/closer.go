package y

import (
	"context"
	"sync"
)

// Closer is the cooperative-shutdown primitive every background task
// (compactors, flush loop, write coalescer, oracle cleanup loop) observes at its suspension points, per spec §5 "Cancellation".
// Grounded on original_source/common/src/closer.rs.
type Closer struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCloser() *Closer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Closer{ctx: ctx, cancel: cancel}
}

// AddRunning registers n more goroutines that must call Done before
// SignalAndWait returns.
func (c *Closer) AddRunning(n int) { c.wg.Add(n) }

func (c *Closer) Done() { c.wg.Done() }

// Done channel closes when shutdown has been signalled.
func (c *Closer) HasBeenClosed() <-chan struct{} { return c.ctx.Done() }

func (c *Closer) Ctx() context.Context { return c.ctx }

// Signal requests shutdown without blocking for tasks to finish.
func (c *Closer) Signal() { c.cancel() }

// SignalAndWait requests shutdown and blocks until every registered task
// has called Done.
func (c *Closer) SignalAndWait() {
	c.cancel()
	c.wg.Wait()
}
