package sse

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/searchktools/fast-exchange/core/handlers"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/pools"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Headers sent with every event stream
var Headers = map[string]string{
	"Content-Type":      "text/event-stream",
	"Cache-Control":     "no-cache",
	"X-Accel-Buffering": "no",
}

// Handler streams a Stream's events to each client over a suspended,
// chunked exchange. Each stream gets a goroutine of its own, and a client
// disconnect cancels it through the request's cancellation registry.
type Handler struct {
	*handlers.Async
	stream     *Stream
	bufferSize int
	seq        atomic.Uint64
}

// NewHandler builds a handler for stream. Clients may pick their id with
// the "client" query parameter; otherwise one is generated.
func NewHandler(stream *Stream, bufferSize int, log *zap.Logger) *Handler {
	h := &Handler{stream: stream, bufferSize: bufferSize}
	h.Async = handlers.NewAsync(pools.Goroutines{}, h.serve, log)
	return h
}

func (h *Handler) clientID(req *http.Request) string {
	if id := req.Param("client"); id != "" {
		return id
	}
	return "client-" + strconv.FormatUint(h.seq.Add(1), 10)
}

func (h *Handler) serve(ctx context.Context, req *http.Request, resp *http.Response) error {
	id := h.clientID(req)
	client, err := h.stream.Subscribe(id, h.bufferSize)
	if err != nil {
		resp.SetStatus(fasthttp.StatusServiceUnavailable)
		resp.SetContentType("text/plain; charset=utf-8")
		resp.WriteString(err.Error())
		return nil
	}
	defer h.stream.Unsubscribe(client)

	for k, v := range Headers {
		resp.SetHeader(k, v)
	}
	if err := resp.SetChunked(true); err != nil {
		return err
	}

	if _, err := resp.Write(FormatEvent(&Event{Event: "connected", Data: "client_id:" + id})); err != nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-client.Channel:
			if !ok {
				return nil
			}
			if _, err := resp.Write(FormatEvent(event)); err != nil {
				return nil
			}
		}
	}
}
