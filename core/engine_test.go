package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/observability"
	"github.com/searchktools/fast-exchange/core/pools"
	"github.com/stretchr/testify/require"
)

func startEngine(t *testing.T, cfg *ServerConfig) *Engine {
	t.Helper()
	e, err := NewEngine(cfg.Address("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Kill() })
	return e
}

func newClient(t *testing.T) *nethttp.Client {
	t.Helper()
	tr := &nethttp.Transport{MaxIdleConnsPerHost: 1}
	t.Cleanup(tr.CloseIdleConnections)
	return &nethttp.Client{Transport: tr, Timeout: 5 * time.Second}
}

func get(t *testing.T, c *nethttp.Client, e *Engine, path string) (int, string) {
	t.Helper()
	resp, err := c.Get("http://" + e.Addr().String() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func dial(t *testing.T, e *Engine) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

var hello = http.HandlerFunc(func(req *http.Request, resp *http.Response) error {
	resp.SetContentType("text/plain")
	_, err := resp.WriteString("hello")
	return err
})

func TestEngine_ServesAndKeepsAlive(t *testing.T) {
	e := startEngine(t, NewServerConfig().Handler("/", hello))
	c := newClient(t)

	for i := 0; i < 3; i++ {
		code, body := get(t, c, e, "/")
		require.Equal(t, 200, code)
		require.Equal(t, "hello", body)
	}
	require.EqualValues(t, 1, e.Tracker().Admitted(), "keep-alive should reuse one connection")
}

func TestEngine_AdmissionCeiling(t *testing.T) {
	e := startEngine(t, NewServerConfig().MaxConnections(1).Handler("/", hello))

	first := dial(t, e)
	require.Eventually(t, func() bool { return e.Tracker().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	second := dial(t, e)
	resp, err := nethttp.ReadResponse(bufio.NewReader(second), nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, 503, resp.StatusCode)
	require.Equal(t, "503 Service Unavailable - Server Too Busy", string(body))

	_, err = io.WriteString(first, "GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	require.NoError(t, err)
	resp, err = nethttp.ReadResponse(bufio.NewReader(first), nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	require.EqualValues(t, 1, e.Tracker().Rejected())
}

func TestEngine_SlotFreedAfterClose(t *testing.T) {
	e := startEngine(t, NewServerConfig().MaxConnections(1).Handler("/", hello))

	first := dial(t, e)
	require.Eventually(t, func() bool { return e.Tracker().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	first.Close()
	require.Eventually(t, func() bool { return e.Tracker().Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	code, body := get(t, newClient(t), e, "/")
	require.Equal(t, 200, code)
	require.Equal(t, "hello", body)
}

func TestEngine_ErrorBodies(t *testing.T) {
	cfg := NewServerConfig().
		Handler("/fail", http.HandlerFunc(func(*http.Request, *http.Response) error {
			return errors.New("boom")
		})).
		Handler("/panic", http.HandlerFunc(func(*http.Request, *http.Response) error {
			panic(fmt.Errorf("wrapped: %w", io.ErrUnexpectedEOF))
		}))
	e := startEngine(t, cfg)
	c := newClient(t)

	code, body := get(t, c, e, "/missing")
	require.Equal(t, 404, code)
	require.Equal(t, "The requested URL was not found.", body)

	code, body = get(t, c, e, "/fail")
	require.Equal(t, 500, code)
	require.Equal(t, "*errors.errorString was thrown while processing this request. See logs for more details.", body)

	code, body = get(t, c, e, "/panic")
	require.Equal(t, 500, code)
	require.Equal(t, "*fmt.wrapError was thrown while processing this request. See logs for more details.", body)
}

func TestEngine_AsyncCompletionOnWorker(t *testing.T) {
	var e *Engine
	handler := http.HandlerFunc(func(req *http.Request, resp *http.Response) error {
		if err := resp.Suspend(); err != nil {
			return err
		}
		name := req.Param("name")
		e.Workers().Go(func(context.Context) {
			time.Sleep(20 * time.Millisecond)
			resp.Printf("async %s", name)
			resp.Finish()
		})
		return nil
	})
	e = startEngine(t, NewServerConfig().Handler("/async", handler))

	code, body := get(t, newClient(t), e, "/async?name=worker")
	require.Equal(t, 200, code)
	require.Equal(t, "async worker", body)
}

type abortWatcher struct {
	future  atomic.Pointer[pools.Future]
	aborts  atomic.Int32
	workers func() *pools.WorkerPool
}

func (h *abortWatcher) OnRequest(req *http.Request, resp *http.Response) error {
	if err := resp.Suspend(); err != nil {
		return err
	}
	f := h.workers().Schedule(time.Hour, func(context.Context) {
		resp.Finish()
	})
	h.future.Store(f)
	http.RegisterForCancellation(req, f)
	return nil
}
func (h *abortWatcher) OnAbort(*http.Request, *http.Response)            { h.aborts.Add(1) }
func (h *abortWatcher) OnException(*http.Request, *http.Response, error) {}
func (h *abortWatcher) OnComplete(*http.Request, *http.Response)         {}

func TestEngine_ClientDisconnectAbortsSuspended(t *testing.T) {
	metrics := observability.NewMetrics("fast")
	h := &abortWatcher{}
	e := startEngine(t, NewServerConfig().Metrics(metrics).Handler("/wait", h))
	h.workers = e.Workers

	c := dial(t, e)
	_, err := io.WriteString(c, "GET /wait HTTP/1.1\r\nHost: test\r\n\r\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.future.Load() != nil }, 2*time.Second, 5*time.Millisecond)

	c.Close()

	require.Eventually(t, func() bool { return h.future.Load().IsCancelled() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.Tracker().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, h.aborts.Load())
	require.Eventually(t, func() bool {
		return exchangeCount(t, metrics, observability.OutcomeAborted) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func exchangeCount(t *testing.T, m *observability.Metrics, outcome string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != "fast_exchanges_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					total += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

var fieldKey = http.NewAttributeKey[string]("field")

func TestEngine_NoLeakageAcrossExchanges(t *testing.T) {
	handler := http.HandlerFunc(func(req *http.Request, resp *http.Response) error {
		prev, seen := fieldKey.Get(req)
		fieldKey.Set(req, req.Param("field"))
		resp.SetHeader("X-Seen", fmt.Sprint(seen))
		resp.Printf("%s|%s|%s", req.Param("field"), prev, req.Header("X-Extra"))
		return nil
	})
	e := startEngine(t, NewServerConfig().MaxConnections(1).Handler("/", handler))

	c := dial(t, e)
	br := bufio.NewReader(c)
	roundTrip := func(raw string) (*nethttp.Response, string) {
		_, err := io.WriteString(c, raw)
		require.NoError(t, err)
		resp, err := nethttp.ReadResponse(br, nil)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		return resp, string(body)
	}

	resp, body := roundTrip("GET /?field=value HTTP/1.1\r\nHost: test\r\nX-Extra: first\r\n\r\n")
	require.Equal(t, "value||first", body)
	require.Equal(t, "false", resp.Header.Get("X-Seen"))

	resp, body = roundTrip("GET /?field=value2 HTTP/1.1\r\nHost: test\r\n\r\n")
	require.Equal(t, "value2||", body)
	require.Equal(t, "false", resp.Header.Get("X-Seen"))
}

func TestEngine_Pipelined(t *testing.T) {
	handler := http.HandlerFunc(func(req *http.Request, resp *http.Response) error {
		resp.WriteString(req.Path())
		return nil
	})
	e := startEngine(t, NewServerConfig().Handler("/", handler))

	c := dial(t, e)
	_, err := io.WriteString(c, "GET /one HTTP/1.1\r\nHost: t\r\n\r\nGET /two HTTP/1.1\r\nHost: t\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(c)
	for _, want := range []string{"/one", "/two"} {
		resp, err := nethttp.ReadResponse(br, nil)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		require.Equal(t, want, string(body))
	}
}

func TestEngine_Chunked(t *testing.T) {
	handler := http.HandlerFunc(func(req *http.Request, resp *http.Response) error {
		if err := resp.SetChunked(true); err != nil {
			return err
		}
		resp.WriteString("first,")
		resp.WriteString("second")
		return nil
	})
	e := startEngine(t, NewServerConfig().Handler("/", handler))

	resp, err := newClient(t).Get("http://" + e.Addr().String() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	require.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	require.Equal(t, "first,second", string(body))
}

func TestEngine_BadRequestAndBodyLimit(t *testing.T) {
	e := startEngine(t, NewServerConfig().MaxBodySize(16).Handler("/", hello))

	c := dial(t, e)
	io.WriteString(c, "GARBAGE\r\n\r\n")
	resp, err := nethttp.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	require.Equal(t, 400, resp.StatusCode)

	c = dial(t, e)
	io.WriteString(c, "POST / HTTP/1.1\r\nHost: t\r\nContent-Length: 64\r\n\r\n"+strings.Repeat("x", 64))
	resp, err = nethttp.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	require.Equal(t, 413, resp.StatusCode)
}

func TestEngine_ShutdownWaitsForSuspended(t *testing.T) {
	release := make(chan struct{})
	var e *Engine
	handler := http.HandlerFunc(func(_ *http.Request, resp *http.Response) error {
		resp.Suspend()
		e.Workers().Go(func(context.Context) {
			<-release
			resp.WriteString("done")
			resp.Finish()
		})
		return nil
	})
	e = startEngine(t, NewServerConfig().Handler("/", handler))

	c := dial(t, e)
	io.WriteString(c, "GET / HTTP/1.1\r\nHost: t\r\n\r\n")
	idle := dial(t, e)
	require.Eventually(t, func() bool { return e.Tracker().Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- e.Shutdown(ctx)
	}()

	// the idle connection is dropped without a response
	_, err := idle.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	select {
	case <-stopped:
		t.Fatal("shutdown returned while an exchange was suspended")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	resp, err := nethttp.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "done", string(body))

	require.NoError(t, <-stopped)
	require.False(t, e.IsRunning())
	require.ErrorIs(t, e.Shutdown(context.Background()), ErrServerNotRunning)
}

func TestEngine_ShutdownDeadlineKills(t *testing.T) {
	handler := http.HandlerFunc(func(_ *http.Request, resp *http.Response) error {
		return resp.Suspend()
	})
	e := startEngine(t, NewServerConfig().Handler("/", handler))

	c := dial(t, e)
	io.WriteString(c, "GET / HTTP/1.1\r\nHost: t\r\n\r\n")
	require.Eventually(t, func() bool { return e.Tracker().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Shutdown(ctx), context.DeadlineExceeded)
	require.Eventually(t, func() bool { return e.Tracker().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestNewEngine_Validates(t *testing.T) {
	_, err := NewEngine(nil)
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewEngine(NewServerConfig().Address(""))
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewEngine(NewServerConfig().ErrorHandler(nil))
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestEngine_PoolStats(t *testing.T) {
	e := startEngine(t, NewServerConfig().MaxConnections(4).Workers(2).Handler("/", hello))
	get(t, newClient(t), e, "/")

	stats := e.GetPoolStats()
	require.Equal(t, 4, stats.Connections.Max)
	require.Equal(t, 4, stats.Requests.Max)
	require.Equal(t, 2, stats.Workers.NumWorkers)
	require.GreaterOrEqual(t, stats.Requests.Gets, uint64(1))
	require.Contains(t, e.GetPoolStatsJSON(), `"connections"`)
	require.Contains(t, stats.String(), "workers")
}
