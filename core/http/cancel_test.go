package http

import (
	"sync"
	"sync/atomic"
	"testing"
)

type stubCancellable struct {
	done      atomic.Bool
	cancelled atomic.Int32
	panics    bool
}

func (s *stubCancellable) Cancel() bool {
	if s.panics {
		panic("cancel failed")
	}
	s.cancelled.Add(1)
	s.done.Store(true)
	return true
}

func (s *stubCancellable) IsDone() bool { return s.done.Load() }

func TestCancelAll_SkipsDoneAndSurvivesPanics(t *testing.T) {
	req := NewRequest()

	first := &stubCancellable{}
	bad := &stubCancellable{panics: true}
	finished := &stubCancellable{}
	finished.done.Store(true)
	last := &stubCancellable{}

	for _, c := range []*stubCancellable{first, bad, finished, last} {
		RegisterForCancellation(req, c)
	}

	if n := CancelAll(req); n != 2 {
		t.Errorf("Expected 2 cancellations, got %d", n)
	}
	if first.cancelled.Load() != 1 || last.cancelled.Load() != 1 {
		t.Error("Expected handles around the panicking one to be cancelled")
	}
	if finished.cancelled.Load() != 0 {
		t.Error("Completed handle must not be cancelled")
	}
	if n := CancelAll(req); n != 0 {
		t.Errorf("Expected list to be consumed, got %d", n)
	}
}

func TestCancelAll_ConcurrentRegistration(t *testing.T) {
	req := NewRequest()

	var wg sync.WaitGroup
	handles := make([]*stubCancellable, 100)
	for i := range handles {
		handles[i] = &stubCancellable{}
		wg.Add(1)
		go func(c *stubCancellable) {
			defer wg.Done()
			RegisterForCancellation(req, c)
		}(handles[i])
	}
	wg.Wait()

	if n := CancelAll(req); n != len(handles) {
		t.Errorf("Expected %d cancellations, got %d", len(handles), n)
	}
}

func TestCancelFunc(t *testing.T) {
	var calls atomic.Int32
	c := CancelFunc(func() { calls.Add(1) })

	if c.IsDone() {
		t.Error("Expected fresh handle not to be done")
	}
	if !c.Cancel() || c.Cancel() {
		t.Error("Expected exactly one successful Cancel")
	}
	if calls.Load() != 1 || !c.IsDone() {
		t.Error("Expected cancel func to run once")
	}
}
