package http

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// Request is the read-only view of one inbound exchange. Instances are
// pooled: everything is cleared by Reset before reuse.
type Request struct {
	raw fasthttp.Request

	remoteAddr net.Addr
	received   time.Time
	keepAlive  bool
	remoteUser string

	path     string
	matched  string
	pathInfo string

	// mu guards attrs, which also carries the cancellation list.
	mu    sync.Mutex
	attrs map[any]any

	aborted atomic.Bool
}

// NewRequest allocates an empty Request
func NewRequest() *Request {
	return &Request{}
}

// Reset clears every field so no state survives into the next exchange
func (r *Request) Reset() {
	r.raw.Reset()
	r.remoteAddr = nil
	r.received = time.Time{}
	r.keepAlive = false
	r.remoteUser = ""
	r.path = ""
	r.matched = ""
	r.pathInfo = ""

	r.mu.Lock()
	clear(r.attrs)
	r.mu.Unlock()

	r.aborted.Store(false)
}

// SetMatchedPath records the prefix the router consumed. PathInfo becomes
// whatever follows it.
func (r *Request) SetMatchedPath(prefix string) {
	r.matched = prefix
	r.pathInfo = strings.TrimPrefix(r.Path(), prefix)
}

func (r *Request) Method() string {
	return string(r.raw.Header.Method())
}

func (r *Request) RequestURI() string {
	return string(r.raw.Header.RequestURI())
}

// Path is the normalized, decoded request path
func (r *Request) Path() string {
	if r.path == "" {
		r.path = string(r.raw.URI().Path())
	}
	return r.path
}

// MatchedPath is the leading part of Path that selected the handler
func (r *Request) MatchedPath() string { return r.matched }

// PathInfo is Path relative to MatchedPath
func (r *Request) PathInfo() string { return r.pathInfo }

func (r *Request) QueryString() string {
	return string(r.raw.URI().QueryString())
}

// Param returns the first query value for name
func (r *Request) Param(name string) string {
	return string(r.raw.URI().QueryArgs().Peek(name))
}

// Params returns every query value for name in order
func (r *Request) Params(name string) []string {
	values := r.raw.URI().QueryArgs().PeekMulti(name)
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

// ParamNames lists the distinct query parameter names
func (r *Request) ParamNames() []string {
	var names []string
	seen := make(map[string]struct{})
	r.raw.URI().QueryArgs().VisitAll(func(k, _ []byte) {
		if _, ok := seen[string(k)]; ok {
			return
		}
		seen[string(k)] = struct{}{}
		names = append(names, string(k))
	})
	return names
}

func (r *Request) Header(name string) string {
	return string(r.raw.Header.Peek(name))
}

// Headers returns a copy of all request headers
func (r *Request) Headers() map[string][]string {
	out := make(map[string][]string)
	r.raw.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		out[key] = append(out[key], string(v))
	})
	return out
}

func (r *Request) Host() string {
	return string(r.raw.Header.Host())
}

func (r *Request) ContentType() string {
	return string(r.raw.Header.ContentType())
}

func (r *Request) Cookie(name string) string {
	return string(r.raw.Header.Cookie(name))
}

// Cookies returns a copy of the request cookies
func (r *Request) Cookies() map[string]string {
	out := make(map[string]string)
	r.raw.Header.VisitAllCookie(func(k, v []byte) {
		out[string(k)] = string(v)
	})
	return out
}

// Body returns the request body. The slice is only valid until the
// exchange completes.
func (r *Request) Body() []byte {
	return r.raw.Body()
}

func (r *Request) BodyReader() io.Reader {
	return bytes.NewReader(r.raw.Body())
}

func (r *Request) RemoteAddr() net.Addr { return r.remoteAddr }

// RemoteUser is the principal set by an authentication layer
func (r *Request) RemoteUser() string { return r.remoteUser }

func (r *Request) SetRemoteUser(user string) { r.remoteUser = user }

// IsKeepAlive reports whether the client negotiated a persistent connection
func (r *Request) IsKeepAlive() bool { return r.keepAlive }

// IsAborted reports whether the client went away before the response
// finished. Work registered for cancellation after this turns true will
// not be swept.
func (r *Request) IsAborted() bool { return r.aborted.Load() }

// ReceivedAt is when the request finished decoding
func (r *Request) ReceivedAt() time.Time { return r.received }
