/*
Package fastexchange is an embeddable HTTP/1.1 exchange engine.

An exchange is one request and its response. The engine admits each
connection against a ceiling (refusing the rest with 503), borrows a
request/response pair from a bounded pool, routes by path prefix and drives
the handler callbacks: OnRequest, then OnAbort or OnException as they occur,
and OnComplete exactly once when the exchange ends. A handler may suspend its
response and finish it later from another goroutine; anything registered for
cancellation is cancelled when the exchange completes.

Quick Start

	package main

	import (
	    "os"

	    "github.com/searchktools/fast-exchange/app"
	    "github.com/searchktools/fast-exchange/config"
	    "github.com/searchktools/fast-exchange/core/http"
	)

	func main() {
	    cfg, err := config.Load("hello", os.Args[1:])
	    if err != nil {
	        panic(err)
	    }
	    a, err := app.New(cfg)
	    if err != nil {
	        panic(err)
	    }
	    a.Handle("/hello", http.HandlerFunc(func(_ *http.Request, resp *http.Response) error {
	        _, err := resp.WriteString("Hello, World!")
	        return err
	    }))
	    a.Run()
	}

Modules

  - app: application lifecycle and signal handling
  - config: defaults, YAML, .env, FAST_* environment and flags
  - core: engine, admission control, exchange pool and dispatch loop
  - core/http: Request, Response lifecycle and cancellation registry
  - core/router: longest-prefix routing
  - core/middleware: handler pipeline with request id, CORS, rate limit and basic auth
  - core/handlers: async and statistics handlers
  - core/sse: Server-Sent Events broker and handler
  - core/pools: bounded pools, worker pool and GC tuning
  - core/logging: zap logger construction
  - core/observability: Prometheus metrics and access log
*/
package fastexchange
