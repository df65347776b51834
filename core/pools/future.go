package pools

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	futurePending int32 = iota
	futureRunning
	futureDone
	futureCancelled
)

// Future is a handle on a task submitted through WorkerPool.Go or
// WorkerPool.Schedule. It satisfies the cancellation registry's Cancellable
// interface so handlers can tie background work to client disconnects.
type Future struct {
	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

func newFuture() *Future {
	ctx, cancel := context.WithCancel(context.Background())
	return &Future{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (f *Future) run(fn func(ctx context.Context)) {
	if !f.state.CompareAndSwap(futurePending, futureRunning) {
		return
	}

	defer func() {
		f.state.CompareAndSwap(futureRunning, futureDone)
		f.cancel()
		f.markDone()
	}()

	fn(f.ctx)
}

func (f *Future) markDone() {
	f.doneOnce.Do(func() { close(f.done) })
}

// Cancel stops the task if it has not run yet and cancels its context if it
// is running. Cancellation is advisory: a running task may ignore it, and
// Done stays open until it returns. Reports whether this call performed the
// cancellation.
func (f *Future) Cancel() bool {
	for {
		s := f.state.Load()
		if s == futureDone || s == futureCancelled {
			return false
		}
		if f.state.CompareAndSwap(s, futureCancelled) {
			if f.timer != nil {
				f.timer.Stop()
			}
			f.cancel()
			if s == futurePending {
				f.markDone()
			}
			return true
		}
	}
}

// IsCancelled reports whether Cancel won before the task completed
func (f *Future) IsCancelled() bool {
	return f.state.Load() == futureCancelled
}

// IsDone reports whether the task completed or was cancelled. A cancelled
// task may still be running; use Done to wait for it.
func (f *Future) IsDone() bool {
	s := f.state.Load()
	return s == futureDone || s == futureCancelled
}

// Done is closed once the task has returned, or was cancelled before it
// started
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is done or ctx expires
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Goroutines runs every task on a goroutine of its own. Use it for
// long-lived work that would otherwise pin a pool worker.
type Goroutines struct{}

func (Goroutines) Go(fn func(ctx context.Context)) *Future {
	f := newFuture()
	go f.run(fn)
	return f
}
