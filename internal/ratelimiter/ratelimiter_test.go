package ratelimiter

import (
	"net/netip"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBurstThenDeny(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := New(10, 3)
	defer l.Close()
	l.SetTimeNow(clock.now)

	ip := netip.MustParseAddr("192.0.2.7")
	// The first packet charges the fresh bucket; one more fits in the
	// remaining burst budget.
	for i := 0; i < 2; i++ {
		if !l.Allow(ip) {
			t.Fatalf("packet %d denied inside burst", i)
		}
	}
	if l.Allow(ip) {
		t.Fatalf("packet allowed beyond burst")
	}

	// Tokens refill with time.
	clock.advance(200 * time.Millisecond) // two packets' worth at 10 pps
	if !l.Allow(ip) {
		t.Fatalf("packet denied after refill")
	}
}

func TestPerAddressIsolation(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := New(10, 1)
	defer l.Close()
	l.SetTimeNow(clock.now)

	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("192.0.2.2")
	if !l.Allow(a) {
		t.Fatalf("first packet from a denied")
	}
	if l.Allow(a) {
		t.Fatalf("second packet from a allowed with burst 1")
	}
	if !l.Allow(b) {
		t.Fatalf("b throttled by a's bucket")
	}
}

func TestCloseDisables(t *testing.T) {
	l := New(1, 1)
	l.Close()
	if !l.Allow(netip.MustParseAddr("192.0.2.3")) {
		t.Fatalf("closed limiter must allow everything")
	}
}
