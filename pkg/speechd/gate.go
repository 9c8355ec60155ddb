package speechd

import (
	"context"
	"sync"
)

// Gate is a one-shot latch. It starts closed, opens once, and never closes
// again. Waiters that arrive after Open return immediately.
type Gate struct {
	mu     sync.Mutex
	opened bool
	ch     chan struct{}
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Open opens the gate and reports whether this call was the one that did.
func (g *Gate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.opened {
		return false
	}
	g.opened = true
	close(g.ch)
	return true
}

func (g *Gate) Opened() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opened
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.opened {
		g.mu.Unlock()
		return nil
	}
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
