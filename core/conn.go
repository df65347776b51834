package core

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/observability"
	"go.uber.org/zap"
)

var (
	badRequestResponse = []byte("HTTP/1.1 400 Bad Request\r\n" +
		"Content-Length: 0\r\nConnection: close\r\n\r\n")
	tooLargeResponse = []byte("HTTP/1.1 413 Request Entity Too Large\r\n" +
		"Content-Length: 0\r\nConnection: close\r\n\r\n")
	exhaustedResponse = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
		"Content-Length: 0\r\nConnection: close\r\n\r\n")
)

// conn serves the exchanges of one admitted connection, strictly one at a
// time. It is the http.Transport of every Response it dispatches.
type conn struct {
	engine *Engine
	raw    net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	log    *zap.Logger

	// completed receives the reuse verdict of the current exchange
	completed chan bool

	// probe carries the result of the single outstanding readability
	// check. probing is only touched by the serving goroutine.
	probe   chan error
	probing bool

	// mu orders the idle flag and read deadline against Shutdown
	mu   sync.Mutex
	idle bool
}

func newConn(e *Engine, raw net.Conn) *conn {
	return &conn{
		engine:    e,
		raw:       raw,
		br:        bufio.NewReaderSize(raw, DefaultReadBufferSize),
		bw:        bufio.NewWriterSize(raw, DefaultReadBufferSize),
		log:       e.log.With(zap.String("remote", raw.RemoteAddr().String())),
		completed: make(chan bool, 1),
		probe:     make(chan error, 1),
	}
}

func (c *conn) Write(p []byte) (int, error) { return c.bw.Write(p) }

func (c *conn) Flush() error { return c.bw.Flush() }

func (c *conn) Complete(reuse bool) { c.completed <- reuse }

func (c *conn) serve() {
	defer c.close()

	for {
		if !c.waitForRequest() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.engine.cfg.acquireTimeout)
		req, resp, err := c.engine.messages.Acquire(ctx)
		cancel()
		if err != nil {
			// admission caps connections at the pool size, so this is a bug
			c.log.Error("no exchange available", zap.Error(err))
			c.raw.Write(exhaustedResponse)
			return
		}

		if err := http.ReadRequest(req, c.br, c.bw, c.engine.cfg.maxBodySize, c.raw.RemoteAddr()); err != nil {
			c.release(req, resp)
			c.readFailed(err)
			return
		}

		reuse := c.exchange(req, resp)
		c.release(req, resp)

		if !reuse || c.engine.closing.Load() {
			return
		}
	}
}

// waitForRequest blocks until the next request starts arriving. It reports
// false on close, idle timeout or shutdown.
func (c *conn) waitForRequest() bool {
	c.mu.Lock()
	if c.engine.closing.Load() {
		c.mu.Unlock()
		return false
	}
	c.idle = true
	if d := c.engine.cfg.idleTimeout; d > 0 {
		c.raw.SetReadDeadline(time.Now().Add(d))
	}
	c.mu.Unlock()

	var err error
	if c.probing {
		// a probe left over from a suspended exchange is still reading
		err = <-c.probe
		c.probing = false
	}
	if err == nil {
		_, err = c.br.Peek(1)
	}

	c.mu.Lock()
	c.idle = false
	c.raw.SetReadDeadline(time.Time{})
	closing := c.engine.closing.Load()
	c.mu.Unlock()

	if err != nil {
		if !errors.Is(err, io.EOF) && !isTimeout(err) {
			c.log.Debug("connection read failed", zap.Error(err))
		}
		return false
	}
	return !closing
}

// wake interrupts an idle wait so the connection notices shutdown
func (c *conn) wake() {
	c.mu.Lock()
	if c.idle {
		c.raw.SetReadDeadline(time.Now())
	}
	c.mu.Unlock()
}

func (c *conn) exchange(req *http.Request, resp *http.Response) bool {
	m := c.engine.metrics
	start := time.Now()
	m.ExchangeStarted()

	outcome := c.engine.dispatcher.dispatch(req, resp, c)

	var reuse bool
	select {
	case reuse = <-c.completed:
	default:
		m.ExchangeSuspended()
		reuse = c.await(resp)
	}

	if req.IsAborted() {
		outcome = observability.OutcomeAborted
	}
	m.ExchangeClosed(outcome, resp.Status(), time.Since(start))
	return reuse
}

// await waits for a suspended exchange to complete. A failed readability
// probe means the client went away, which aborts the exchange. Data
// arriving early is a pipelined request and stops the probing.
func (c *conn) await(resp *http.Response) bool {
	if !c.probing {
		c.probing = true
		go func() {
			_, err := c.br.Peek(1)
			c.probe <- err
		}()
	}

	select {
	case reuse := <-c.completed:
		return reuse
	case err := <-c.probe:
		c.probing = false
		if err != nil {
			if resp.Abort() {
				c.log.Debug("client aborted suspended exchange", zap.Error(err))
			}
		}
		return <-c.completed
	}
}

func (c *conn) readFailed(err error) {
	switch {
	case errors.Is(err, http.ErrBodyTooLarge):
		c.raw.Write(tooLargeResponse)
	case errors.Is(err, http.ErrBadRequest):
		c.log.Debug("malformed request", zap.Error(err))
		c.raw.Write(badRequestResponse)
	}
}

func (c *conn) release(req *http.Request, resp *http.Response) {
	c.engine.messages.ReleaseRequest(req)
	c.engine.messages.ReleaseResponse(resp)
}

func (c *conn) close() {
	c.raw.Close()
	c.engine.forget(c)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
