// Package taskgroup implements scoped, structured cancellation: a Group
// owns the goroutines spawned into it, child groups nest under their
// parent, and Shutdown cancels the whole tree then joins it under a bound,
// replacing the sync.WaitGroup + context.CancelFunc pairing every
// background service would otherwise repeat.
package taskgroup

import (
	"context"
	"sync"
	"time"
)

// Group owns a set of goroutines spawned with Go and a single cancellation
// point. Shutdown cancels the group's context and waits (bounded by timeout)
// for every spawned goroutine to return.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	children []*Group
}

// New creates a root Group deriving its context from parent.
func New(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Context returns the group's cancellation context. Every suspension point
// inside a spawned task should select on this (or a context derived from it)
// so it doubles as a cancellation point.
func (g *Group) Context() context.Context { return g.ctx }

// Go spawns fn in a new goroutine owned by the group. fn receives the
// group's context and must treat every suspension point within it as a
// cancellation point.
func (g *Group) Go(fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(g.ctx)
	}()
}

// Sub creates a child group nested under g: shutting down g also shuts down
// every child. A federation's background services all live in one such
// subgroup, so cancelling it terminates everything attached.
func (g *Group) Sub() *Group {
	child := New(g.ctx)
	g.mu.Lock()
	g.children = append(g.children, child)
	g.mu.Unlock()
	return child
}

// Shutdown cancels the group (and all children) and waits up to timeout for
// every spawned goroutine to return. It reports whether the wait completed
// before the timeout; on timeout the goroutines are abandoned.
func (g *Group) Shutdown(timeout time.Duration) (clean bool) {
	g.cancel()

	g.mu.Lock()
	children := g.children
	g.children = nil
	g.mu.Unlock()
	for _, c := range children {
		c.Shutdown(timeout)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
