package pools

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolOverflow is returned by Release when more instances come back than
// the pool ever handed out.
var ErrPoolOverflow = errors.New("pools: release exceeds pool capacity")

// BoundedPool is a blocking arena of reusable instances.
//
// Instances are built lazily by newFunc until max exist; after that Acquire
// waits for a Release. A max of zero or less removes the ceiling, in which
// case Acquire never blocks. Instances are never discarded while the pool is
// alive, so callers must reset every mutable field themselves before reuse.
type BoundedPool[T any] struct {
	newFunc func() T
	max     int

	// idle holds released instances when the pool is bounded.
	idle chan T

	// stack holds released instances when the pool is unbounded.
	mu    sync.Mutex
	stack []T

	created atomic.Int64
	inUse   atomic.Int64

	// Statistics
	gets  atomic.Uint64
	puts  atomic.Uint64
	waits atomic.Uint64
}

// BoundedPoolStats contains bounded pool statistics
type BoundedPoolStats struct {
	Max     int
	Created int64
	Idle    int
	InUse   int64
	Gets    uint64
	Puts    uint64
	Waits   uint64
}

// NewBoundedPool creates a pool holding at most max instances
func NewBoundedPool[T any](max int, newFunc func() T) *BoundedPool[T] {
	p := &BoundedPool[T]{
		newFunc: newFunc,
		max:     max,
	}
	if max > 0 {
		p.idle = make(chan T, max)
	}
	return p
}

// Acquire returns an idle instance, builds a new one while under the
// ceiling, or blocks until one is released or ctx is done. A cancelled
// Acquire does not consume a slot.
func (p *BoundedPool[T]) Acquire(ctx context.Context) (T, error) {
	if v, ok := p.TryAcquire(); ok {
		return v, nil
	}

	p.waits.Add(1)
	select {
	case v := <-p.idle:
		p.taken()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryAcquire is the non-blocking form of Acquire
func (p *BoundedPool[T]) TryAcquire() (T, bool) {
	if p.max <= 0 {
		p.mu.Lock()
		if n := len(p.stack); n > 0 {
			v := p.stack[n-1]
			var zero T
			p.stack[n-1] = zero
			p.stack = p.stack[:n-1]
			p.mu.Unlock()
			p.taken()
			return v, true
		}
		p.mu.Unlock()
		p.created.Add(1)
		p.taken()
		return p.newFunc(), true
	}

	select {
	case v := <-p.idle:
		p.taken()
		return v, true
	default:
	}

	for {
		n := p.created.Load()
		if n >= int64(p.max) {
			var zero T
			return zero, false
		}
		if p.created.CompareAndSwap(n, n+1) {
			p.taken()
			return p.newFunc(), true
		}
	}
}

func (p *BoundedPool[T]) taken() {
	p.gets.Add(1)
	p.inUse.Add(1)
}

// Release returns an instance to the pool and wakes one waiter
func (p *BoundedPool[T]) Release(v T) error {
	if p.max <= 0 {
		p.mu.Lock()
		p.stack = append(p.stack, v)
		p.mu.Unlock()
		p.released()
		return nil
	}

	select {
	case p.idle <- v:
		p.released()
		return nil
	default:
		return ErrPoolOverflow
	}
}

func (p *BoundedPool[T]) released() {
	p.puts.Add(1)
	p.inUse.Add(-1)
}

// Stats returns pool statistics
func (p *BoundedPool[T]) Stats() BoundedPoolStats {
	idle := len(p.idle)
	if p.max <= 0 {
		p.mu.Lock()
		idle = len(p.stack)
		p.mu.Unlock()
	}
	return BoundedPoolStats{
		Max:     p.max,
		Created: p.created.Load(),
		Idle:    idle,
		InUse:   p.inUse.Load(),
		Gets:    p.gets.Load(),
		Puts:    p.puts.Load(),
		Waits:   p.waits.Load(),
	}
}
