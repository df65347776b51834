package middleware

import (
	"encoding/base64"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/fast-exchange/core/http"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

// Common middleware implementations

// RequestIDKey holds the id RequestID assigned to the exchange
var RequestIDKey = http.NewAttributeKey[string]("request-id")

// RequestID adds a unique request ID. An id sent by the client is kept.
func RequestID() Middleware {
	var counter atomic.Uint64

	return Before(func(req *http.Request, resp *http.Response) {
		id := req.Header("X-Request-ID")
		if id == "" {
			id = strconv.FormatUint(counter.Add(1), 10)
		}
		RequestIDKey.Set(req, id)
		resp.SetHeader("X-Request-ID", id)
	})
}

// CORS adds CORS headers and answers preflight requests with 204
func CORS() Middleware {
	return Gate(func(req *http.Request, resp *http.Response) bool {
		resp.SetHeader("Access-Control-Allow-Origin", "*")
		resp.SetHeader("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		resp.SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if req.Method() == fasthttp.MethodOptions {
			resp.SetStatus(fasthttp.StatusNoContent)
			return false
		}
		return true
	})
}

// limiterIdleTTL is how long a client's bucket survives without requests
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool keeps one token bucket per client address. Buckets idle for
// longer than ttl are swept on access, at most once per ttl/10.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   rate.Limit
	burst int
	ttl   time.Duration
	swept time.Time
	now   func() time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	// a bucket is only dropped once it would have refilled anyway
	ttl := limiterIdleTTL
	if rps > 0 {
		refill := float64(burst) / rps * float64(time.Second)
		if refill > float64(math.MaxInt64) {
			refill = float64(math.MaxInt64)
		}
		if time.Duration(refill) > ttl {
			ttl = time.Duration(refill)
		}
	}
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rate.Limit(rps),
		burst: burst,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.swept) >= p.ttl/10 {
		p.sweep(now)
	}
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: now}
	return l
}

func (p *limiterPool) sweep(now time.Time) {
	p.swept = now
	cutoff := now.Add(-p.ttl)
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// RateLimiter allows rps requests per second per client address, with
// bursts up to burst. Excess requests get 429.
func RateLimiter(rps float64, burst int) Middleware {
	if burst <= 0 {
		burst = 1
	}
	pool := newLimiterPool(rps, burst)

	return Gate(func(req *http.Request, resp *http.Response) bool {
		if pool.get(clientKey(req)).Allow() {
			return true
		}
		resp.SetStatus(fasthttp.StatusTooManyRequests)
		resp.SetHeader("Retry-After", "1")
		resp.SetContentType("text/plain; charset=utf-8")
		resp.WriteString("Too Many Requests")
		return false
	})
}

func clientKey(req *http.Request) string {
	addr := req.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Authenticator checks a user name and password
type Authenticator interface {
	Authenticate(user, password string) bool
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func(user, password string) bool

func (f AuthenticatorFunc) Authenticate(user, password string) bool { return f(user, password) }

// BasicAuth rejects requests without valid credentials with 401. On
// success the user name is recorded as the request's remote user.
func BasicAuth(realm string, auth Authenticator) Middleware {
	challenge := `Basic realm="` + strings.ReplaceAll(realm, `"`, `\"`) + `"`

	return Gate(func(req *http.Request, resp *http.Response) bool {
		user, password, ok := parseBasicAuth(req.Header("Authorization"))
		if ok && auth.Authenticate(user, password) {
			req.SetRemoteUser(user)
			return true
		}
		resp.SetStatus(fasthttp.StatusUnauthorized)
		resp.SetHeader("WWW-Authenticate", challenge)
		resp.SetContentType("text/plain; charset=utf-8")
		resp.WriteString("Unauthorized")
		return false
	})
}

func parseBasicAuth(header string) (user, password string, ok bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, password, ok = strings.Cut(string(decoded), ":")
	return user, password, ok
}
