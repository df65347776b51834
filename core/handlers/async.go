package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/pools"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// ErrWorkersClosed is returned when the pool refuses new work
var ErrWorkersClosed = errors.New("worker pool closed")

// AsyncFunc produces a response off the connection goroutine. ctx is
// cancelled when the client goes away.
type AsyncFunc func(ctx context.Context, req *http.Request, resp *http.Response) error

// Runner starts background tasks. *pools.WorkerPool and pools.Goroutines
// both qualify.
type Runner interface {
	Go(fn func(ctx context.Context)) *pools.Future
}

// Async suspends every exchange and runs fn on a Runner. The task is
// registered for cancellation, so a disconnect cancels ctx, and the abort
// waits for fn to return before the exchange is released. fn must
// therefore return promptly once ctx is done. The response is finished
// when fn returns; fn must not call Finish itself. An error from fn turns
// into a plain 500 when nothing has been sent yet.
type Async struct {
	Base
	workers Runner
	fn      AsyncFunc
	log     *zap.Logger
}

// NewAsync builds an Async handler. A nil logger discards.
func NewAsync(workers Runner, fn AsyncFunc, log *zap.Logger) *Async {
	if log == nil {
		log = zap.NewNop()
	}
	return &Async{workers: workers, fn: fn, log: log}
}

// asyncState orders the worker's Finish against an abort. OnAbort runs
// before the pair can be recycled and holds it until the task is gone, so
// neither fn nor the worker ever touches a recycled response.
type asyncState struct {
	mu      sync.Mutex
	aborted bool
	task    *pools.Future
}

var asyncStateKey = http.NewAttributeKey[*asyncState]("handlers.async")

func (a *Async) OnRequest(req *http.Request, resp *http.Response) error {
	if err := resp.Suspend(); err != nil {
		return err
	}

	state := &asyncState{}
	asyncStateKey.Set(req, state)

	f := a.workers.Go(func(ctx context.Context) {
		err := a.call(ctx, req, resp)

		state.mu.Lock()
		defer state.mu.Unlock()
		if state.aborted {
			return
		}
		if err != nil {
			a.log.Error("async handler failed",
				zap.String("path", req.Path()),
				zap.Error(err))
			if resp.ResetBuffer() == nil {
				resp.SetStatus(fasthttp.StatusInternalServerError)
				resp.SetContentType("text/plain; charset=utf-8")
				resp.WriteString("Internal Server Error")
			}
		}
		resp.Finish()
	})
	if f.IsCancelled() && !req.IsAborted() {
		return ErrWorkersClosed
	}
	state.mu.Lock()
	state.task = f
	state.mu.Unlock()

	http.RegisterForCancellation(req, f)
	if req.IsAborted() {
		// registered after the abort sweep
		f.Cancel()
	}
	return nil
}

func (a *Async) OnAbort(req *http.Request, _ *http.Response) {
	state, ok := asyncStateKey.Get(req)
	if !ok {
		return
	}
	state.mu.Lock()
	state.aborted = true
	task := state.task
	state.mu.Unlock()

	if task != nil {
		<-task.Done()
	}
}

func (a *Async) call(ctx context.Context, req *http.Request, resp *http.Response) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("async handler panicked: %v", v)
		}
	}()
	return a.fn(ctx, req, resp)
}
