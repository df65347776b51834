package middleware

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"net"
	nethttp "net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/searchktools/fast-exchange/core/http"
)

type sink struct {
	buf  bytes.Buffer
	done atomic.Bool
}

func (s *sink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *sink) Flush() error                { return nil }
func (s *sink) Complete(bool)               { s.done.Store(true) }

type probe struct {
	requests  int
	completes int
}

func (p *probe) OnRequest(_ *http.Request, resp *http.Response) error {
	p.requests++
	_, err := resp.WriteString("final")
	return err
}
func (p *probe) OnAbort(*http.Request, *http.Response)            {}
func (p *probe) OnException(*http.Request, *http.Response, error) {}
func (p *probe) OnComplete(*http.Request, *http.Response)         { p.completes++ }

// run drives h through one exchange the way the engine does for a
// synchronous handler
func run(t *testing.T, h http.Handler, raw string) (*http.Request, *nethttp.Response, string) {
	t.Helper()

	req, resp := http.NewRequest(), http.NewResponse()
	remote := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4242}
	if err := http.ReadRequest(req, bufio.NewReader(strings.NewReader(raw)), io.Discard, 1<<16, remote); err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}

	out := &sink{}
	resp.Bind(http.Binding{Request: req, Handler: h, Transport: out})
	if err := h.OnRequest(req, resp); err != nil {
		t.Fatalf("OnRequest: %v", err)
	}
	if !resp.IsSuspended() && !resp.IsFinished() {
		resp.Finish()
	}
	if !out.done.Load() {
		t.Fatal("exchange did not complete")
	}

	res, err := nethttp.ReadResponse(bufio.NewReader(&out.buf), nil)
	if err != nil {
		t.Fatalf("unparseable response: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	return req, res, string(body)
}

const plainGet = "GET /x HTTP/1.1\r\nHost: test\r\n\r\n"

// TestPipelineOrder 测试中间件执行顺序
func TestPipelineOrder(t *testing.T) {
	var order []int
	step := func(n int) Middleware {
		return Before(func(*http.Request, *http.Response) { order = append(order, n) })
	}

	final := &probe{}
	h := NewPipeline().Use(step(1), step(2)).Use(step(3)).Then(final)
	_, _, body := run(t, h, plainGet)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
	if body != "final" || final.completes != 1 {
		t.Errorf("body=%q completes=%d", body, final.completes)
	}
}

// TestPipelineEmpty 测试空管道
func TestPipelineEmpty(t *testing.T) {
	final := &probe{}
	if h := NewPipeline().Then(final); h != http.Handler(final) {
		t.Error("empty pipeline should return the handler unchanged")
	}
}

// TestGateStops 测试中间件终止
func TestGateStops(t *testing.T) {
	final := &probe{}
	deny := Gate(func(_ *http.Request, resp *http.Response) bool {
		resp.SetStatus(403)
		return false
	})
	var after bool
	h := NewPipeline().Use(deny, Before(func(*http.Request, *http.Response) { after = true })).Then(final)

	req, res, _ := run(t, h, plainGet)

	if res.StatusCode != 403 {
		t.Errorf("status = %d", res.StatusCode)
	}
	if after || final.requests != 0 {
		t.Error("handlers behind the gate ran")
	}
	if final.completes != 0 {
		t.Error("OnComplete forwarded to a handler that never saw the request")
	}
	if !Stopped(req) {
		t.Error("Stopped = false")
	}
}

// TestThenFactory 测试工厂包装
func TestThenFactory(t *testing.T) {
	var built int
	f := NewPipeline().Use(RequestID()).ThenFactory(http.HandlerFactoryFunc(func() http.Handler {
		built++
		return &probe{}
	}))

	run(t, f.NewHandler(), plainGet)
	run(t, f.NewHandler(), plainGet)
	if built != 2 {
		t.Errorf("factory built %d handlers, want 2", built)
	}
}

// TestRequestIDMiddleware 测试 RequestID 中间件
func TestRequestIDMiddleware(t *testing.T) {
	h := NewPipeline().Use(RequestID()).Then(&probe{})

	req, res, _ := run(t, h, plainGet)
	first := res.Header.Get("X-Request-ID")
	if first == "" {
		t.Fatal("no request id assigned")
	}
	if id, _ := RequestIDKey.Get(req); id != first {
		t.Errorf("attribute %q != header %q", id, first)
	}

	_, res, _ = run(t, h, plainGet)
	if res.Header.Get("X-Request-ID") == first {
		t.Error("request ids repeat")
	}

	_, res, _ = run(t, h, "GET / HTTP/1.1\r\nHost: t\r\nX-Request-ID: abc\r\n\r\n")
	if got := res.Header.Get("X-Request-ID"); got != "abc" {
		t.Errorf("client id not kept: %q", got)
	}
}

// TestCORS 测试跨域
func TestCORS(t *testing.T) {
	final := &probe{}
	h := NewPipeline().Use(CORS()).Then(final)

	_, res, _ := run(t, h, "OPTIONS /x HTTP/1.1\r\nHost: t\r\n\r\n")
	if res.StatusCode != 204 || final.requests != 0 {
		t.Errorf("preflight: status=%d handler ran=%v", res.StatusCode, final.requests > 0)
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing allow-origin on preflight")
	}

	_, res, body := run(t, h, plainGet)
	if res.StatusCode != 200 || body != "final" {
		t.Errorf("simple request: %d %q", res.StatusCode, body)
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing allow-origin")
	}
}

// TestRateLimiter 测试限流中间件
func TestRateLimiter(t *testing.T) {
	h := NewPipeline().Use(RateLimiter(0.001, 2)).Then(&probe{})

	for i := 0; i < 2; i++ {
		if _, res, _ := run(t, h, plainGet); res.StatusCode != 200 {
			t.Fatalf("request %d within burst got %d", i, res.StatusCode)
		}
	}

	_, res, body := run(t, h, plainGet)
	if res.StatusCode != 429 {
		t.Errorf("status = %d, want 429", res.StatusCode)
	}
	if body != "Too Many Requests" || res.Header.Get("Retry-After") == "" {
		t.Errorf("body=%q retry-after=%q", body, res.Header.Get("Retry-After"))
	}
}

// TestRateLimiter_SweepsIdleClients 测试空闲客户端的令牌桶被回收
func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	pool := newLimiterPool(100, 10)
	clock := time.Unix(1_000, 0)
	pool.now = func() time.Time { return clock }

	for i := 0; i < 50; i++ {
		pool.get(strings.Repeat("x", i+1))
	}
	if n := pool.size(); n != 50 {
		t.Fatalf("size = %d, want 50", n)
	}

	// one client stays active while the rest go quiet
	clock = clock.Add(pool.ttl / 2)
	busy := pool.get("x")

	clock = clock.Add(pool.ttl/2 + time.Second)
	if l := pool.get("fresh"); l == nil {
		t.Fatal("no limiter for new client")
	}
	if n := pool.size(); n != 2 {
		t.Errorf("size after sweep = %d, want 2", n)
	}
	if pool.get("x") != busy {
		t.Error("active client lost its bucket")
	}
}

// TestRateLimiter_TTLCoversRefill 测试慢速限流时桶在补满前不会被回收
func TestRateLimiter_TTLCoversRefill(t *testing.T) {
	if ttl := newLimiterPool(100, 10).ttl; ttl != limiterIdleTTL {
		t.Errorf("ttl = %v, want %v", ttl, limiterIdleTTL)
	}
	// 2 tokens at one per 1000s take 2000s to come back
	if ttl := newLimiterPool(0.001, 2).ttl; ttl < 2000*time.Second {
		t.Errorf("ttl = %v, shorter than refill", ttl)
	}
}

// TestBasicAuth 测试认证
func TestBasicAuth(t *testing.T) {
	auth := AuthenticatorFunc(func(user, password string) bool {
		return user == "ada" && password == "lovelace"
	})
	h := NewPipeline().Use(BasicAuth("admin", auth)).Then(&probe{})

	_, res, _ := run(t, h, plainGet)
	if res.StatusCode != 401 {
		t.Errorf("no credentials: status = %d", res.StatusCode)
	}
	if got := res.Header.Get("WWW-Authenticate"); got != `Basic realm="admin"` {
		t.Errorf("challenge = %q", got)
	}

	bad := base64.StdEncoding.EncodeToString([]byte("ada:babbage"))
	_, res, _ = run(t, h, "GET / HTTP/1.1\r\nHost: t\r\nAuthorization: Basic "+bad+"\r\n\r\n")
	if res.StatusCode != 401 {
		t.Errorf("wrong password: status = %d", res.StatusCode)
	}

	good := base64.StdEncoding.EncodeToString([]byte("ada:lovelace"))
	req, res, _ := run(t, h, "GET / HTTP/1.1\r\nHost: t\r\nAuthorization: Basic "+good+"\r\n\r\n")
	if res.StatusCode != 200 {
		t.Errorf("valid credentials: status = %d", res.StatusCode)
	}
	if req.RemoteUser() != "ada" {
		t.Errorf("remote user = %q", req.RemoteUser())
	}
}
