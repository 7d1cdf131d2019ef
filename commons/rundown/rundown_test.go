package rundown

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	var g Guard
	if !g.Acquire() {
		t.Fatalf("acquire failed on fresh guard")
	}
	g.Release()
	g.Shutdown()
	if g.Acquire() {
		t.Fatalf("acquire succeeded after shutdown")
	}
}

func TestShutdownWaitsForReaders(t *testing.T) {
	var g Guard
	if !g.Acquire() {
		t.Fatalf("acquire failed")
	}

	var done atomic.Bool
	go func() {
		g.Shutdown()
		done.Store(true)
	}()

	time.Sleep(20 * time.Millisecond)
	if done.Load() {
		t.Fatalf("shutdown returned while a reference was held")
	}

	g.Release()
	deadline := time.Now().Add(2 * time.Second)
	for !done.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("shutdown did not complete after release")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestShutdownWithoutReaders(t *testing.T) {
	var g Guard
	g.Shutdown() // must not block
	if g.Acquire() {
		t.Fatalf("acquire succeeded after shutdown")
	}
}
