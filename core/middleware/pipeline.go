package middleware

import (
	"github.com/searchktools/fast-exchange/core/http"
)

// Middleware decorates a Handler. The returned handler must forward the
// lifecycle callbacks to next.
type Middleware func(next http.Handler) http.Handler

// Pipeline composes middlewares around a final handler
type Pipeline struct {
	middlewares []Middleware
}

// NewPipeline creates a new middleware pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		middlewares: make([]Middleware, 0, 8),
	}
}

// Use adds middlewares to the pipeline. The first one added runs first.
func (p *Pipeline) Use(m ...Middleware) *Pipeline {
	p.middlewares = append(p.middlewares, m...)
	return p
}

// Len is the number of middlewares in the pipeline
func (p *Pipeline) Len() int { return len(p.middlewares) }

// Then wraps h with every middleware in the pipeline
func (p *Pipeline) Then(h http.Handler) http.Handler {
	// Fast path: no middlewares
	if len(p.middlewares) == 0 {
		return h
	}
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		h = p.middlewares[i](h)
	}
	return h
}

// ThenFactory wraps every handler f builds
func (p *Pipeline) ThenFactory(f http.HandlerFactory) http.HandlerFactory {
	return http.HandlerFactoryFunc(func() http.Handler {
		return p.Then(f.NewHandler())
	})
}

// stopped marks an exchange a gate answered itself. Handlers behind the
// gate never saw the request, so their callbacks are skipped.
var stopped = http.NewAttributeKey[bool]("middleware.stopped")

// Stopped reports whether a middleware answered req before the final
// handler ran
func Stopped(req *http.Request) bool {
	v, _ := stopped.Get(req)
	return v
}

// gate runs check before next. When check returns false it has written
// the final response and next is bypassed for this exchange.
type gate struct {
	next  http.Handler
	check func(req *http.Request, resp *http.Response) bool
}

// Gate builds a middleware from a check that may answer the request itself
func Gate(check func(req *http.Request, resp *http.Response) bool) Middleware {
	return func(next http.Handler) http.Handler {
		return &gate{next: next, check: check}
	}
}

func (g *gate) OnRequest(req *http.Request, resp *http.Response) error {
	if !g.check(req, resp) {
		stopped.Set(req, true)
		return nil
	}
	return g.next.OnRequest(req, resp)
}

func (g *gate) OnAbort(req *http.Request, resp *http.Response) {
	if !Stopped(req) {
		g.next.OnAbort(req, resp)
	}
}

func (g *gate) OnException(req *http.Request, resp *http.Response, err error) {
	if !Stopped(req) {
		g.next.OnException(req, resp, err)
	}
}

func (g *gate) OnComplete(req *http.Request, resp *http.Response) {
	if !Stopped(req) {
		g.next.OnComplete(req, resp)
	}
}

// Before builds a middleware that runs fn ahead of every request
func Before(fn func(req *http.Request, resp *http.Response)) Middleware {
	return Gate(func(req *http.Request, resp *http.Response) bool {
		fn(req, resp)
		return true
	})
}
