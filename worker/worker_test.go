package worker

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWorkerRunsOperations(t *testing.T) {
	p := NewPool(2, 16)
	defer p.Shutdown()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		w := p.Get()
		if !w.Queue(&Operation{Type: OperConnRecv, Run: func() { ran.Add(1) }}) {
			t.Fatalf("queue rejected")
		}
	}
	waitFor(t, "operations to run", func() bool { return ran.Load() == 10 })
}

func TestPoolRoundRobins(t *testing.T) {
	p := NewPool(3, 16)
	defer p.Shutdown()

	seen := map[*Worker]bool{}
	for i := 0; i < 3; i++ {
		seen[p.Get()] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 workers handed out, got %d", len(seen))
	}
}

func TestOverloadThreshold(t *testing.T) {
	p := NewPool(1, 4)
	defer p.Shutdown()
	w := p.Get()

	release := make(chan struct{})
	w.MustQueue(&Operation{Type: OperConnRecv, Run: func() { <-release }})
	// Fill the queue behind the blocked operation.
	for !w.Overloaded() {
		if !w.Queue(&Operation{Type: OperConnRecv, Run: func() {}}) {
			t.Fatalf("queue rejected before overload threshold")
		}
	}
	close(release)
	waitFor(t, "queue to drain", func() bool { return !w.Overloaded() })
}

func TestQueueAfterShutdownIsRejected(t *testing.T) {
	p := NewPool(1, 4)
	w := p.Get()
	p.Shutdown()

	if w.Queue(&Operation{Type: OperConnRecv, Run: func() { t.Error("ran after shutdown") }}) {
		t.Fatalf("queue accepted after shutdown")
	}
}
