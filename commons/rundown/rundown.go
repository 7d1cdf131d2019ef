// Package rundown provides a reader-acquire / late-writer-wait guard:
// readers take cheap references, and a single teardown call blocks new
// references and waits for outstanding ones to drain.
package rundown

import "sync"

// Guard protects an object against teardown while references are held.
// The zero value is ready for use.
type Guard struct {
	mu     sync.Mutex
	count  int
	closed bool
	drain  chan struct{}
}

// Acquire takes a reference. It returns false once Shutdown has begun.
func (g *Guard) Acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.count++
	return true
}

// Release drops a reference taken with Acquire.
func (g *Guard) Release() {
	g.mu.Lock()
	g.count--
	if g.count < 0 {
		g.mu.Unlock()
		panic("rundown: release without acquire")
	}
	drained := g.closed && g.count == 0 && g.drain != nil
	drain := g.drain
	g.mu.Unlock()
	if drained {
		close(drain)
	}
}

// Shutdown blocks new acquisitions and waits until all outstanding
// references are released. It may be called once.
func (g *Guard) Shutdown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		panic("rundown: shutdown twice")
	}
	g.closed = true
	if g.count == 0 {
		g.mu.Unlock()
		return
	}
	g.drain = make(chan struct{})
	drain := g.drain
	g.mu.Unlock()
	<-drain
}
