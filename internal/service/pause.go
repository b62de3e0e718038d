package service

import (
	"context"
	"sync"
)

// pauseGate parks the job loop at its checkpoint while a pause is in effect.
// active counts NextJob calls in flight: with none, a pause is effective
// immediately because the next call parks before looking at the queue.
type pauseGate struct {
	mu      sync.Mutex
	paused  bool
	active  int
	req     chan struct{}
	parked  chan struct{}
	release chan struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{req: make(chan struct{})}
}

func (g *pauseGate) enter() {
	g.mu.Lock()
	g.active++
	g.mu.Unlock()
}

func (g *pauseGate) leave() {
	g.mu.Lock()
	g.active--
	if g.paused && g.active == 0 {
		g.ack()
	}
	g.mu.Unlock()
}

// leaveUnlessPaused is leave for a caller about to hand out a job: it fails,
// keeping the caller registered, when a pause has been requested.
func (g *pauseGate) leaveUnlessPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.paused {
		return false
	}

	g.active--

	return true
}

// holdUnlessPaused is leaveUnlessPaused for a caller that goes on to execute
// the job: it stays registered until leave, so a pause waits for the job.
func (g *pauseGate) holdUnlessPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return !g.paused
}

// requested is closed once a pause is requested.
func (g *pauseGate) requested() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.req
}

func (g *pauseGate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.paused
}

// checkpoint blocks while paused.
func (g *pauseGate) checkpoint(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return nil
		}

		g.ack()
		release := g.release
		g.mu.Unlock()

		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *pauseGate) pause(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.paused = true
		g.parked = make(chan struct{})
		g.release = make(chan struct{})
		close(g.req)
	}

	if g.active == 0 {
		g.ack()
	}
	parked := g.parked
	g.mu.Unlock()

	select {
	case <-parked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paused {
		return
	}

	g.paused = false
	close(g.release)
	g.req = make(chan struct{})
}

// ack must be called with mu held.
func (g *pauseGate) ack() {
	select {
	case <-g.parked:
	default:
		close(g.parked)
	}
}
