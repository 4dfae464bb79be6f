package msgplane

import (
	"testing"
	"time"

	"audiorack/internal/atom"
	"audiorack/internal/urid"
)

func TestPostUIEventAndDrain(t *testing.T) {
	u := urid.NewMap()
	p := New(4096, u, nil)

	if !p.PostUIEvent(atom.Int32(42)) {
		t.Fatalf("expected post to succeed")
	}

	var got []*atom.Atom
	n := p.DrainUIEvents(func(a *atom.Atom) { got = append(got, a) })
	if n != 1 || len(got) != 1 {
		t.Fatalf("expected 1 drained event, got %d", n)
	}
	if got[0].Int != 42 {
		t.Fatalf("expected decoded value 42, got %d", got[0].Int)
	}
}

func TestDrainRespectsLimit(t *testing.T) {
	u := urid.NewMap()
	p := New(1 << 16, u, nil)
	p.DrainLimit = 3

	for i := 0; i < 10; i++ {
		if !p.PostUIEvent(atom.Int32(int32(i))) {
			t.Fatalf("post %d failed", i)
		}
	}

	n := p.DrainUIEvents(func(a *atom.Atom) {})
	if n != 3 {
		t.Fatalf("expected drain capped at 3, got %d", n)
	}
	// remaining 7 should still be readable on a subsequent drain
	n2 := p.DrainUIEvents(func(a *atom.Atom) {})
	if n2 != 3 {
		t.Fatalf("expected second drain of 3, got %d", n2)
	}
}

func TestWorkerDrainProcessesAllQueuedJobsOnOneWake(t *testing.T) {
	u := urid.NewMap()
	p := New(4096, u, nil)

	if !p.PostWorkerJob(atom.Int32(1)) {
		t.Fatalf("post 1 failed")
	}
	if !p.PostWorkerJob(atom.Int32(2)) {
		t.Fatalf("post 2 failed")
	}

	done := make(chan struct{})
	var got []int32
	go func() {
		// Both posts leave a single wake token; one DrainWorkerJobsBlocking
		// call consumes it, handles every queued job, and returns once the
		// ring is empty.
		p.DrainWorkerJobsBlocking(func(a *atom.Atom) {
			got = append(got, a.Int)
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out draining worker jobs")
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected jobs [1 2] in FIFO order, got %v", got)
	}
}

func TestPostWorkerResponseDrainedByDrainResponses(t *testing.T) {
	u := urid.NewMap()
	p := New(4096, u, nil)
	if !p.PostWorkerResponse(atom.StringValue("done")) {
		t.Fatalf("post response failed")
	}
	var got string
	n := p.DrainResponses(func(a *atom.Atom) { got = a.Str })
	if n != 1 {
		t.Fatalf("expected 1 drained response, got %d", n)
	}
	if got != "done" {
		t.Fatalf("expected response string 'done', got %q", got)
	}
}
