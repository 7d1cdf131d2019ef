// Package ratelimiter implements a per-address token bucket used to
// bound how often the binding will perform stateless work for any one
// remote peer.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	defaultPacketsPerSecond = 20
	defaultPacketsBurstable = 5
	garbageCollectTime      = time.Second
)

type entry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Limiter tracks a token bucket per remote IP. The zero value is not
// usable; construct with New.
type Limiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	stopReset  chan struct{}
	table      map[netip.Addr]*entry
	packetCost int64
	maxTokens  int64
}

// New creates a limiter allowing pps operations per second per address
// with the given burst. Non-positive arguments select defaults.
func New(pps, burst int) *Limiter {
	if pps <= 0 {
		pps = defaultPacketsPerSecond
	}
	if burst <= 0 {
		burst = defaultPacketsBurstable
	}

	l := &Limiter{
		timeNow:    time.Now,
		stopReset:  make(chan struct{}),
		table:      make(map[netip.Addr]*entry),
		packetCost: int64(time.Second / time.Duration(pps)),
	}
	l.maxTokens = l.packetCost * int64(burst)

	stopReset := l.stopReset
	go func() {
		ticker := time.NewTicker(time.Second)
		ticker.Stop()
		for {
			select {
			case _, ok := <-stopReset:
				ticker.Stop()
				if !ok {
					return
				}
				ticker = time.NewTicker(time.Second)
			case <-ticker.C:
				if l.cleanup() {
					ticker.Stop()
				}
			}
		}
	}()
	return l
}

// SetTimeNow overrides the clock. Test use only.
func (l *Limiter) SetTimeNow(now func() time.Time) {
	l.mu.Lock()
	l.timeNow = now
	l.mu.Unlock()
}

// Close stops the garbage collector and drops all state.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopReset != nil {
		close(l.stopReset)
		l.stopReset = nil
	}
	l.table = nil
}

func (l *Limiter) cleanup() (empty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.table {
		e.mu.Lock()
		if l.timeNow().Sub(e.lastTime) > garbageCollectTime {
			delete(l.table, key)
		}
		e.mu.Unlock()
	}

	return len(l.table) == 0
}

// Allow reports whether an operation for ip is within budget.
func (l *Limiter) Allow(ip netip.Addr) bool {
	l.mu.RLock()
	if l.stopReset == nil {
		l.mu.RUnlock()
		return true
	}
	e := l.table[ip]
	l.mu.RUnlock()

	if e == nil {
		e = new(entry)
		e.tokens = l.maxTokens - l.packetCost
		e.lastTime = l.timeNow()
		l.mu.Lock()
		l.table[ip] = e
		stopReset := l.stopReset
		if len(l.table) == 1 && stopReset != nil {
			stopReset <- struct{}{}
		}
		l.mu.Unlock()
		return true
	}

	e.mu.Lock()
	now := l.timeNow()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > l.maxTokens {
		e.tokens = l.maxTokens
	}
	if e.tokens > l.packetCost {
		e.tokens -= l.packetCost
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()
	return false
}
