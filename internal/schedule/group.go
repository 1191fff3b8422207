// Package schedule owns delayed and periodic callbacks that must not outlive
// the view that scheduled them.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidInterval indicates a non-positive polling interval.
var ErrInvalidInterval = errors.New("schedule: interval must be positive")

// Handle cancels one scheduled callback.
type Handle struct {
	group *Group
	stop  func()
}

// Cancel prevents the callback from running again. It reports whether the
// callback was still pending.
func (h *Handle) Cancel() bool {
	if h == nil || !h.group.release(h) {
		return false
	}
	h.stop()
	return true
}

// Group tracks every callback scheduled for one owner.
type Group struct {
	mu      sync.Mutex
	pending map[*Handle]struct{}
	closed  bool
	running sync.WaitGroup
}

// NewGroup constructs an empty Group.
func NewGroup() *Group {
	return &Group{pending: make(map[*Handle]struct{})}
}

// After runs fn once after delay unless cancelled first. Scheduling on a closed
// group is a no-op and returns an inert handle.
func (g *Group) After(delay time.Duration, fn func()) *Handle {
	handle := &Handle{group: g, stop: func() {}}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return handle
	}
	g.pending[handle] = struct{}{}
	timer := time.AfterFunc(delay, func() {
		if g.release(handle) {
			fn()
		}
	})
	handle.stop = func() { timer.Stop() }
	return handle
}

// Every runs fn immediately and then on every tick until the handle is
// cancelled, the group is closed or ctx ends.
func (g *Group) Every(ctx context.Context, interval time.Duration, fn func(context.Context)) (*Handle, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	pollCtx, cancel := context.WithCancel(ctx)
	handle := &Handle{group: g, stop: cancel}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		cancel()
		return handle, nil
	}
	g.pending[handle] = struct{}{}
	g.running.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.running.Done()
		defer handle.Cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		fn(pollCtx)
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				if pollCtx.Err() != nil {
					return
				}
				fn(pollCtx)
			}
		}
	}()
	return handle, nil
}

// Pending reports how many callbacks are scheduled and not yet finished.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Close cancels every pending callback. Later scheduling is ignored.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	handles := make([]*Handle, 0, len(g.pending))
	for handle := range g.pending {
		handles = append(handles, handle)
	}
	g.mu.Unlock()

	for _, handle := range handles {
		handle.Cancel()
	}
}

// Wait blocks until every periodic callback goroutine has returned.
func (g *Group) Wait() {
	g.running.Wait()
}

func (g *Group) release(handle *Handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[handle]; !ok {
		return false
	}
	delete(g.pending, handle)
	return true
}
