package http

import (
	"errors"
	"fmt"
	"io"
	"net/http/httputil"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
)

var (
	// ErrResponseFinished is returned by any mutation after Finish, Close
	// or Abort.
	ErrResponseFinished = errors.New("response already finished")
	// ErrResponseStarted is returned when a change needs the headers to be
	// unsent.
	ErrResponseStarted = errors.New("response already started")
)

const (
	headerConnection = "Connection"
	headerLocation   = "Location"
)

var crlf = []byte("\r\n")

// gate phases. Close during finishing is left to the finisher.
type gatePhase uint8

const (
	gateOpen gatePhase = iota
	gateFinishing
	gateClosed
)

// Response is the outbound half of an exchange.
//
// Finish, Close and Abort are safe to race, and output written by a worker
// may race with an abort from the connection goroutine. Everything else
// must be called by whichever goroutine currently owns the exchange. The
// connection goroutine owns it until OnRequest returns, and a worker owns
// it after Suspend.
type Response struct {
	gate  sync.Mutex
	phase gatePhase

	// out serializes everything that touches the transport with the abort
	// and completion transitions. abandoned is set by Abort; later writes
	// are dropped.
	out       sync.Mutex
	abandoned bool

	started   atomic.Bool
	suspended atomic.Bool
	finished  atomic.Bool
	closed    atomic.Bool

	status   int
	header   fasthttp.ResponseHeader
	cookies  []*fasthttp.Cookie
	body     *bytebufferpool.ByteBuffer
	chunked  bool
	chunks   io.WriteCloser
	written  int64
	headOnly bool

	keepAlive bool
	writeErr  error
	startedAt time.Time

	request   *Request
	handler   Handler
	transport Transport
	reqLog    RequestLogger
	log       *zap.Logger
}

// NewResponse allocates an empty Response
func NewResponse() *Response {
	r := &Response{
		body: bytebufferpool.Get(),
	}
	r.Reset()
	return r
}

// Binding is everything a Response needs to serve one exchange
type Binding struct {
	Request   *Request
	Handler   Handler
	Transport Transport
	Logger    RequestLogger
	Log       *zap.Logger
}

// Bind attaches a freshly reset Response to an exchange
func (r *Response) Bind(b Binding) {
	r.request = b.Request
	r.handler = b.Handler
	r.transport = b.Transport
	r.reqLog = b.Logger
	r.log = b.Log

	if r.reqLog == nil {
		r.reqLog = NullRequestLogger{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}

	r.startedAt = time.Now()
	if b.Request != nil {
		r.keepAlive = b.Request.IsKeepAlive()
		r.headOnly = b.Request.raw.Header.IsHead()
	}
}

// SetHandler replaces the handler notified on completion. The dispatcher
// uses it once routing has picked one.
func (r *Response) SetHandler(h Handler) { r.handler = h }

// Reset clears every field so no state survives into the next exchange
func (r *Response) Reset() {
	r.phase = gateOpen
	r.started.Store(false)
	r.suspended.Store(false)
	r.finished.Store(false)
	r.closed.Store(false)

	r.status = fasthttp.StatusOK
	r.header.Reset()
	for _, c := range r.cookies {
		fasthttp.ReleaseCookie(c)
	}
	r.cookies = r.cookies[:0]
	r.body.Reset()
	r.chunked = false
	r.chunks = nil
	r.written = 0
	r.headOnly = false

	r.keepAlive = false
	r.writeErr = nil
	r.startedAt = time.Time{}
	r.abandoned = false

	r.clearRefs()
}

func (r *Response) clearRefs() {
	r.request = nil
	r.handler = nil
	r.transport = nil
	r.reqLog = nil
	r.log = nil
}

// Suspend tells the dispatcher not to finish the response when OnRequest
// returns. Some other goroutine must later call Finish.
func (r *Response) Suspend() error {
	if r.finished.Load() {
		return ErrResponseFinished
	}
	r.suspended.Store(true)
	return nil
}

// Write buffers p, or sends it as one chunk in chunked mode. Transport
// failures are recorded and never returned, since the client may vanish
// while a worker is still producing output. Once the exchange has been
// aborted, writes are accepted and dropped.
func (r *Response) Write(p []byte) (int, error) {
	r.out.Lock()
	defer r.out.Unlock()
	return r.write(p)
}

func (r *Response) write(p []byte) (int, error) {
	if r.abandoned {
		return len(p), nil
	}
	if r.finished.Load() {
		return 0, ErrResponseFinished
	}
	if !r.chunked {
		r.written += int64(len(p))
		return r.body.Write(p)
	}

	if !r.started.Load() {
		r.writeHeader()
	}
	// a zero-length chunk would terminate the body
	if len(p) == 0 || r.headOnly {
		return len(p), nil
	}
	r.written += int64(len(p))
	if _, err := r.chunks.Write(p); err != nil {
		r.recordWriteError(err)
		return len(p), nil
	}
	if err := r.transport.Flush(); err != nil {
		r.recordWriteError(err)
	}
	return len(p), nil
}

func (r *Response) WriteString(s string) (int, error) {
	r.out.Lock()
	defer r.out.Unlock()

	if r.chunked || r.abandoned || r.finished.Load() {
		return r.write([]byte(s))
	}
	r.written += int64(len(s))
	return r.body.WriteString(s)
}

func (r *Response) Printf(format string, args ...any) (int, error) {
	return fmt.Fprintf(r, format, args...)
}

// ResetBuffer drops buffered output so an error body can replace it
func (r *Response) ResetBuffer() error {
	r.out.Lock()
	defer r.out.Unlock()

	if r.started.Load() {
		return ErrResponseStarted
	}
	r.body.Reset()
	r.written = 0
	return nil
}

// SetChunked switches between buffered and chunked output. It must be
// called before anything reaches the client.
func (r *Response) SetChunked(chunked bool) error {
	r.out.Lock()
	defer r.out.Unlock()

	if r.finished.Load() {
		return ErrResponseFinished
	}
	if r.started.Load() {
		return ErrResponseStarted
	}
	if chunked && !r.chunked && r.body.Len() > 0 {
		pending := append([]byte(nil), r.body.B...)
		r.body.Reset()
		r.chunked = true
		r.written = 0
		_, err := r.write(pending)
		return err
	}
	r.chunked = chunked
	return nil
}

func (r *Response) IsChunked() bool { return r.chunked }

// SetStatus sets the status code. It has no effect once started.
func (r *Response) SetStatus(code int) { r.status = code }

func (r *Response) Status() int { return r.status }

// SetHeader replaces a header. Invalid names or values are dropped.
func (r *Response) SetHeader(key, value string) {
	r.out.Lock()
	defer r.out.Unlock()

	if !r.validHeader(key, value) {
		return
	}
	r.header.Set(key, value)
}

// AddHeader appends a header value
func (r *Response) AddHeader(key, value string) {
	r.out.Lock()
	defer r.out.Unlock()

	if !r.validHeader(key, value) {
		return
	}
	r.header.Add(key, value)
}

func (r *Response) Header(key string) string {
	return string(r.header.Peek(key))
}

func (r *Response) validHeader(key, value string) bool {
	if httpguts.ValidHeaderFieldName(key) && httpguts.ValidHeaderFieldValue(value) {
		return true
	}
	if r.log != nil {
		r.log.Warn("dropping invalid response header", zap.String("header", key))
	}
	return false
}

func (r *Response) SetContentType(ct string) {
	r.header.SetContentType(ct)
}

// SetCookie queues a cookie; all cookies are emitted with the headers
func (r *Response) SetCookie(c *fasthttp.Cookie) {
	dst := fasthttp.AcquireCookie()
	dst.CopyTo(c)
	r.cookies = append(r.cookies, dst)
}

func (r *Response) SetCookieValue(name, value string) {
	c := fasthttp.AcquireCookie()
	c.SetKey(name)
	c.SetValue(value)
	r.cookies = append(r.cookies, c)
}

// Redirect sets a 302 pointing at location
func (r *Response) Redirect(location string) error {
	if r.started.Load() {
		return ErrResponseStarted
	}
	r.status = fasthttp.StatusFound
	r.SetHeader(headerLocation, location)
	return nil
}

// WrittenBytes counts body bytes accepted so far
func (r *Response) WrittenBytes() int64 { return r.written }

// Request returns the paired request, or nil once closed
func (r *Response) Request() *Request { return r.request }

func (r *Response) IsStarted() bool   { return r.started.Load() }
func (r *Response) IsSuspended() bool { return r.suspended.Load() }
func (r *Response) IsFinished() bool  { return r.finished.Load() }
func (r *Response) IsClosed() bool    { return r.closed.Load() }

// Finish sends the response and closes the exchange. Only the first
// caller gets through; any later or concurrent call returns
// ErrResponseFinished.
func (r *Response) Finish() error {
	r.gate.Lock()
	if r.phase != gateOpen {
		r.gate.Unlock()
		return ErrResponseFinished
	}
	r.phase = gateFinishing
	r.gate.Unlock()

	defer r.closeFromFinish()

	r.out.Lock()
	r.emit()
	// finished must be visible before suspended clears: the dispatcher
	// reads them in the opposite order.
	r.finished.Store(true)
	r.out.Unlock()

	r.logAccess()
	r.suspended.Store(false)
	return nil
}

func (r *Response) emit() {
	if r.header.ConnectionClose() {
		r.keepAlive = false
	}
	// the status decides whether a Content-Length is allowed at all
	r.header.SetStatusCode(r.status)

	if r.chunked {
		if !r.started.Load() {
			r.log.Warn("empty response", r.logFields()...)
			r.writeHeader()
		}
		if r.chunks != nil && !r.headOnly {
			if err := r.chunks.Close(); err != nil {
				r.recordWriteError(err)
			} else if _, err := r.transport.Write(crlf); err != nil {
				r.recordWriteError(err)
			}
		}
	} else {
		if r.body.Len() == 0 {
			r.log.Warn("empty response", r.logFields()...)
		}
		r.header.SetContentLength(r.body.Len())
		r.writeHeader()
		if !r.headOnly && r.body.Len() > 0 {
			if _, err := r.transport.Write(r.body.B); err != nil {
				r.recordWriteError(err)
			}
		}
	}

	if err := r.transport.Flush(); err != nil {
		r.recordWriteError(err)
	}
}

func (r *Response) writeHeader() {
	r.started.Store(true)

	r.header.SetStatusCode(r.status)
	for _, c := range r.cookies {
		r.header.SetCookie(c)
	}
	if r.keepAlive {
		r.header.Set(headerConnection, "keep-alive")
	} else {
		r.header.SetConnectionClose()
	}
	if r.chunked {
		r.header.SetContentLength(-1)
		r.chunks = httputil.NewChunkedWriter(r.transport)
	}

	if _, err := r.transport.Write(r.header.Header()); err != nil {
		r.recordWriteError(err)
	}
}

func (r *Response) recordWriteError(err error) {
	if r.writeErr == nil {
		r.writeErr = err
		r.keepAlive = false
		r.log.Debug("response write failed", zap.Error(err))
	}
}

func (r *Response) logAccess() {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("request logger panicked", zap.Any("panic", v))
		}
	}()
	r.reqLog.Access(r.request, r, time.Since(r.startedAt))
}

func (r *Response) logFields() []zap.Field {
	fields := []zap.Field{zap.Int("status", r.status)}
	if r.request != nil {
		fields = append(fields,
			zap.String("method", r.request.Method()),
			zap.String("path", r.request.Path()))
	}
	return fields
}

// Close ends the exchange without sending anything if Finish has not run.
// It is idempotent and safe to race with Finish and Abort. A connection
// closed this way is not reused, because no response was framed on it.
func (r *Response) Close() {
	r.gate.Lock()
	if r.phase != gateOpen {
		r.gate.Unlock()
		return
	}
	r.phase = gateClosed
	r.gate.Unlock()

	r.out.Lock()
	r.keepAlive = false
	r.finished.Store(true)
	r.suspended.Store(false)
	r.out.Unlock()
	r.complete()
}

func (r *Response) closeFromFinish() {
	r.gate.Lock()
	r.phase = gateClosed
	r.gate.Unlock()

	r.finished.Store(true)
	r.suspended.Store(false)
	r.complete()
}

// Abort ends the exchange because the client went away. Registered
// cancellations are swept and the handler's OnAbort runs before
// OnComplete. Reports false when the exchange had already left the open
// phase, in which case the winner completes it.
func (r *Response) Abort() bool {
	r.gate.Lock()
	if r.phase != gateOpen {
		r.gate.Unlock()
		return false
	}
	r.phase = gateClosed
	r.gate.Unlock()

	// waits for a write in progress; every later one is dropped
	r.out.Lock()
	r.abandoned = true
	r.keepAlive = false
	r.finished.Store(true)
	r.suspended.Store(false)
	r.out.Unlock()

	req := r.request
	if req != nil {
		req.aborted.Store(true)
		if n := CancelAll(req); n > 0 {
			r.log.Debug("cancelled pending work", zap.Int("count", n))
		}
	}
	r.callback("OnAbort", func(h Handler) { h.OnAbort(req, r) })

	r.complete()
	return true
}

// complete runs once per exchange, after the gate reached closed. The
// transport owns the pair from here on and returns it to the pool once
// the connection has observed completion, so nothing reuses the objects
// while the connection goroutine may still read their flags.
func (r *Response) complete() {
	r.closed.Store(true)

	req := r.request
	r.callback("OnComplete", func(h Handler) { h.OnComplete(req, r) })

	r.out.Lock()
	reuse := r.keepAlive && r.writeErr == nil
	transport := r.transport
	r.clearRefs()
	r.out.Unlock()

	if transport != nil {
		transport.Complete(reuse)
	}
}

func (r *Response) callback(name string, fn func(h Handler)) {
	if r.handler == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("handler callback panicked",
				zap.String("callback", name),
				zap.Any("panic", v))
		}
	}()
	fn(r.handler)
}

// String describes the response state for logs
func (r *Response) String() string {
	return "status=" + strconv.Itoa(r.status) +
		" started=" + strconv.FormatBool(r.started.Load()) +
		" suspended=" + strconv.FormatBool(r.suspended.Load()) +
		" finished=" + strconv.FormatBool(r.finished.Load()) +
		" closed=" + strconv.FormatBool(r.closed.Load())
}
