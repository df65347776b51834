package core

import (
	"runtime/debug"

	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/observability"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// dispatcher drives one decoded request through routing and its handler.
// Completion is signalled through the transport; dispatch itself only
// guarantees that a synchronous exchange has been finished by the time it
// returns.
type dispatcher struct {
	router  http.Router
	errors  http.ErrorHandler
	reqLog  http.RequestLogger
	log     *zap.Logger
	metrics *observability.Metrics
}

func (d *dispatcher) dispatch(req *http.Request, resp *http.Response, t http.Transport) string {
	resp.Bind(http.Binding{
		Request:   req,
		Transport: t,
		Logger:    d.reqLog,
		Log:       d.log,
	})

	prefix, h, ok, err := d.resolve(req.Path())
	if err != nil {
		d.fail(nil, req, resp, err)
		return observability.OutcomeError
	}
	if !ok {
		resp.SetStatus(fasthttp.StatusNotFound)
		d.renderError(req, resp, nil)
		resp.Finish()
		return observability.OutcomeNotFound
	}

	req.SetMatchedPath(prefix)
	resp.SetHandler(h)

	if err := invoke(h, req, resp); err != nil {
		d.fail(h, req, resp, err)
		return observability.OutcomeError
	}

	// suspended first: Finish sets finished before clearing suspended
	if !resp.IsSuspended() && !resp.IsFinished() {
		resp.Finish()
	}
	return observability.OutcomeOK
}

func (d *dispatcher) resolve(path string) (prefix string, h http.Handler, ok bool, err error) {
	err = guard(func() error {
		prefix, h, ok = d.router.Resolve(path)
		return nil
	})
	if ok && h == nil {
		ok = false
	}
	return
}

// fail is the exception path. Suspension is cleared by finishing here,
// since the sweep below tears down whatever async work would have
// finished the response.
func (d *dispatcher) fail(h http.Handler, req *http.Request, resp *http.Response, err error) {
	if !resp.IsFinished() {
		resp.SetStatus(fasthttp.StatusInternalServerError)
		if resp.ResetBuffer() == nil {
			d.renderError(req, resp, err)
		}
	}

	if h != nil {
		if herr := guard(func() error { h.OnException(req, resp, err); return nil }); herr != nil {
			d.log.Error("OnException panicked", zap.Error(herr))
		}
	}
	if lerr := guard(func() error { d.reqLog.Error(req, resp, err); return nil }); lerr != nil {
		d.log.Error("request logger panicked", zap.Error(lerr))
	}

	if n := http.CancelAll(req); n > 0 {
		d.metrics.Cancelled(n)
	}

	resp.Finish()
}

// renderError asks the ErrorHandler for a body. If it fails the body
// degrades to text naming both failures.
func (d *dispatcher) renderError(req *http.Request, resp *http.Response, cause error) {
	herr := guard(func() error { return d.errors.OnError(req, resp, cause) })
	if herr == nil {
		return
	}

	d.log.Error("error handler failed",
		zap.Int("status", resp.Status()),
		zap.String("path", req.Path()),
		zap.Error(herr))

	if resp.ResetBuffer() != nil {
		return
	}
	resp.SetContentType("text/plain; charset=utf-8")
	if cause == nil {
		resp.Printf("%s Additionally, %s was thrown while handling this error.",
			notFoundMessage, ErrorTypeName(herr))
		return
	}
	resp.Printf("%s was thrown while processing this request. Additionally, %s was thrown while handling this exception.",
		ErrorTypeName(cause), ErrorTypeName(herr))
}

func invoke(h http.Handler, req *http.Request, resp *http.Response) error {
	return guard(func() error { return h.OnRequest(req, resp) })
}

// guard runs fn and turns a panic into *http.PanicError
func guard(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &http.PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn()
}
