package task

import (
	"context"
	"sync"
)

// Gate is the suspend signal consulted between batches. It exists (is
// "installed") only while the task is paused.
type Gate struct {
	mu sync.Mutex
	ch chan struct{}
}

// Pause installs the gate; it reports false if one is already installed.
func (g *Gate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch != nil {
		return false
	}
	g.ch = make(chan struct{})
	return true
}

// Resume clears the gate and wakes every waiter; false if none was installed.
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		return false
	}
	close(g.ch)
	g.ch = nil
	return true
}

func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch != nil
}

// Wait returns immediately when no gate is installed, otherwise blocks until
// it is cleared or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
