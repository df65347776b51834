package http

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/net/http/httpguts"
)

var (
	ErrBadRequest   = errors.New("malformed HTTP request")
	ErrBodyTooLarge = errors.New("request body too large")
)

var continueResponse = []byte("HTTP/1.1 100 Continue\r\n\r\n")

type flusher interface {
	Flush() error
}

// ReadRequest decodes the next request on br into req. When the client
// sent "Expect: 100-continue" the interim response goes to w before the
// body is read. A clean close between requests returns io.EOF.
func ReadRequest(req *Request, br *bufio.Reader, w io.Writer, maxBodySize int, remote net.Addr) error {
	raw := &req.raw
	raw.Reset()

	if err := raw.ReadLimitBody(br, maxBodySize); err != nil {
		return readError(err)
	}

	if raw.MayContinue() {
		if _, err := w.Write(continueResponse); err != nil {
			return err
		}
		if f, ok := w.(flusher); ok {
			if err := f.Flush(); err != nil {
				return err
			}
		}
		if err := raw.ContinueReadBody(br, maxBodySize); err != nil {
			return readError(err)
		}
	}

	req.remoteAddr = remote
	req.received = time.Now()
	req.keepAlive = negotiateKeepAlive(&raw.Header)
	return nil
}

func readError(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if errors.Is(err, fasthttp.ErrBodyTooLarge) {
		return ErrBodyTooLarge
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBadRequest, err)
}

// negotiateKeepAlive applies HTTP/1.1 persistence rules: 1.1 defaults to
// keep-alive unless "close" is present, 1.0 needs an explicit keep-alive.
func negotiateKeepAlive(h *fasthttp.RequestHeader) bool {
	if h.ConnectionClose() {
		return false
	}

	values := []string{string(h.Peek(headerConnection))}
	if httpguts.HeaderValuesContainsToken(values, "close") {
		return false
	}
	if h.IsHTTP11() {
		return true
	}
	return httpguts.HeaderValuesContainsToken(values, "keep-alive")
}
