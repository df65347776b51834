package http

import (
	"context"
	"sync/atomic"
)

// Cancellable is background work that can be torn down when the client
// goes away. Cancellation is advisory.
type Cancellable interface {
	Cancel() bool
	IsDone() bool
}

// CancelFunc adapts a context.CancelFunc. It reports done once called.
func CancelFunc(cancel context.CancelFunc) Cancellable {
	return &cancelFunc{cancel: cancel}
}

type cancelFunc struct {
	cancel context.CancelFunc
	done   atomic.Bool
}

func (c *cancelFunc) Cancel() bool {
	if !c.done.CompareAndSwap(false, true) {
		return false
	}
	c.cancel()
	return true
}

func (c *cancelFunc) IsDone() bool { return c.done.Load() }

var cancellationKey = NewAttributeKey[[]Cancellable]("cancellation")

// RegisterForCancellation ties c to req: it is cancelled if the client
// aborts or the handler fails. Registration that races with an abort may
// land after the sweep; callers that care check req.IsAborted afterwards.
func RegisterForCancellation(req *Request, c Cancellable) {
	req.mu.Lock()
	defer req.mu.Unlock()

	if req.attrs == nil {
		req.attrs = make(map[any]any, 4)
	}
	list, _ := req.attrs[cancellationKey].([]Cancellable)
	req.attrs[cancellationKey] = append(list, c)
}

// CancelAll cancels every registered handle that is not already done and
// returns how many it cancelled. A panicking handle does not stop the rest.
func CancelAll(req *Request) int {
	req.mu.Lock()
	list, _ := req.attrs[cancellationKey].([]Cancellable)
	delete(req.attrs, cancellationKey)
	req.mu.Unlock()

	n := 0
	for _, c := range list {
		if cancelOne(c) {
			n++
		}
	}
	return n
}

func cancelOne(c Cancellable) (cancelled bool) {
	defer func() {
		if recover() != nil {
			cancelled = false
		}
	}()
	if c.IsDone() {
		return false
	}
	return c.Cancel()
}
