package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/searchktools/fast-exchange/core/http"
)

// PrefixRouter maps path prefixes to handlers. The longest registered
// prefix that ends on a segment boundary wins.
type PrefixRouter struct {
	mu      sync.RWMutex
	entries []entry // longest prefix first
}

type entry struct {
	prefix  string
	handler http.Handler
	factory http.HandlerFactory
}

// NewPrefixRouter creates an empty router
func NewPrefixRouter() *PrefixRouter {
	return &PrefixRouter{}
}

// Handle registers a shared handler instance for prefix
func (r *PrefixRouter) Handle(prefix string, h http.Handler) {
	r.add(entry{prefix: normalize(prefix), handler: h})
}

// HandleFactory registers a factory that builds a handler per exchange
func (r *PrefixRouter) HandleFactory(prefix string, f http.HandlerFactory) {
	r.add(entry{prefix: normalize(prefix), factory: f})
}

func (r *PrefixRouter) add(e entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].prefix == e.prefix {
			r.entries[i] = e
			return
		}
	}

	r.entries = append(r.entries, e)
	sort.SliceStable(r.entries, func(i, j int) bool {
		a, b := r.entries[i].prefix, r.entries[j].prefix
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
}

// Resolve implements http.Router
func (r *PrefixRouter) Resolve(path string) (string, http.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if !matches(e.prefix, path) {
			continue
		}
		if e.factory != nil {
			return e.prefix, e.factory.NewHandler(), true
		}
		return e.prefix, e.handler, true
	}
	return "", nil, false
}

// Prefixes lists registered prefixes, longest first
func (r *PrefixRouter) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.prefix
	}
	return out
}

func normalize(prefix string) string {
	if prefix == "" || prefix == "/" {
		return ""
	}
	if prefix[0] != '/' {
		panic("prefix must begin with '/'")
	}
	return strings.TrimSuffix(prefix, "/")
}

func matches(prefix, path string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
