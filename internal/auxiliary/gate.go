package auxiliary

import "sync"

// pauseGate is the suspend state shared by both workers. A worker wraps
// each iteration in enter/exit; pause blocks new iterations and waits for
// in-flight ones to finish, so suspension never lands mid-iteration.
type pauseGate struct {
	mu      sync.Mutex
	idle    *sync.Cond
	paused  bool
	active  int
	resumed chan struct{}
}

func newPauseGate() *pauseGate {
	g := &pauseGate{resumed: make(chan struct{})}
	close(g.resumed)
	g.idle = sync.NewCond(&g.mu)
	return g
}

// enter blocks while paused. It returns false once stop is closed.
func (g *pauseGate) enter(stop <-chan struct{}) bool {
	for {
		select {
		case <-stop:
			return false
		default:
		}
		g.mu.Lock()
		if !g.paused {
			g.active++
			g.mu.Unlock()
			return true
		}
		ch := g.resumed
		g.mu.Unlock()
		select {
		case <-stop:
			return false
		case <-ch:
		}
	}
}

func (g *pauseGate) exit() {
	g.mu.Lock()
	g.active--
	if g.active == 0 {
		g.idle.Broadcast()
	}
	g.mu.Unlock()
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resumed = make(chan struct{})
	}
	for g.active > 0 {
		g.idle.Wait()
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resumed)
	}
}
