package http

import (
	"fmt"
	"time"
)

// Handler serves one exchange at a time per instance unless it documents
// otherwise. The engine calls OnRequest on the connection goroutine, then
// exactly one of the normal, exception or abort paths runs and OnComplete
// fires once when the Response closes.
//
// A Handler must not touch req or resp after OnComplete returns: both
// objects go back to the pool and will serve another exchange.
type Handler interface {
	OnRequest(req *Request, resp *Response) error
	OnAbort(req *Request, resp *Response)
	OnException(req *Request, resp *Response, err error)
	OnComplete(req *Request, resp *Response)
}

// HandlerFunc adapts a plain function to Handler. The lifecycle callbacks
// are no-ops.
type HandlerFunc func(req *Request, resp *Response) error

func (f HandlerFunc) OnRequest(req *Request, resp *Response) error { return f(req, resp) }
func (f HandlerFunc) OnAbort(*Request, *Response)                  {}
func (f HandlerFunc) OnException(*Request, *Response, error)       {}
func (f HandlerFunc) OnComplete(*Request, *Response)               {}

// HandlerFactory builds a fresh Handler for every exchange
type HandlerFactory interface {
	NewHandler() Handler
}

// HandlerFactoryFunc adapts a constructor to HandlerFactory
type HandlerFactoryFunc func() Handler

func (f HandlerFactoryFunc) NewHandler() Handler { return f() }

// Router maps a request path to the handler serving it. prefix is the
// portion of path consumed by the match.
type Router interface {
	Resolve(path string) (prefix string, h Handler, ok bool)
}

// ErrorHandler renders the body for a failed exchange. err is nil for a
// routing miss. The status code is already set on resp.
type ErrorHandler interface {
	OnError(req *Request, resp *Response, err error) error
}

// ErrorHandlerFunc adapts a function to ErrorHandler
type ErrorHandlerFunc func(req *Request, resp *Response, err error) error

func (f ErrorHandlerFunc) OnError(req *Request, resp *Response, err error) error {
	return f(req, resp, err)
}

// RequestLogger records finished and failed exchanges
type RequestLogger interface {
	Access(req *Request, resp *Response, elapsed time.Duration)
	Error(req *Request, resp *Response, err error)
}

// NullRequestLogger discards everything
type NullRequestLogger struct{}

func (NullRequestLogger) Access(*Request, *Response, time.Duration) {}
func (NullRequestLogger) Error(*Request, *Response, error)          {}

// PanicError wraps a value recovered from a panicking handler
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Transport is the connection side of an exchange. Write and Flush carry
// the framed response. Complete is called exactly once when the Response
// closes; reuse reports whether another request may follow on the same
// connection. After Complete the transport owns the Request/Response pair
// and is responsible for returning it to the pool.
type Transport interface {
	Write(p []byte) (int, error)
	Flush() error
	Complete(reuse bool)
}
