package core

import (
	"fmt"
	"time"

	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/observability"
	"github.com/searchktools/fast-exchange/core/router"
	"go.uber.org/zap"
)

// ServerConfig collects engine options through chained setters:
//
//	cfg := core.NewServerConfig().
//		Address(":8080").
//		MaxConnections(1000).
//		Handler("/api", apiHandler)
type ServerConfig struct {
	address        string
	maxConnections int
	maxBodySize    int
	acquireTimeout time.Duration
	idleTimeout    time.Duration
	workers        int
	reusePort      bool

	errorHandler  http.ErrorHandler
	requestLogger http.RequestLogger
	router        http.Router
	routes        *router.PrefixRouter

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewServerConfig returns a config with defaults for every option
func NewServerConfig() *ServerConfig {
	return &ServerConfig{
		address:        DefaultAddress,
		maxConnections: DefaultMaxConnections,
		maxBodySize:    DefaultMaxBodySize,
		acquireTimeout: DefaultAcquireTimeout,
		idleTimeout:    DefaultIdleTimeout,
		errorHandler:   DefaultErrorHandler{},
		requestLogger:  http.NullRequestLogger{},
		routes:         router.NewPrefixRouter(),
	}
}

// Address sets the listen address
func (c *ServerConfig) Address(addr string) *ServerConfig {
	c.address = addr
	return c
}

// MaxConnections caps concurrently admitted connections. Unlimited (-1)
// disables the ceiling.
func (c *ServerConfig) MaxConnections(n int) *ServerConfig {
	c.maxConnections = n
	return c
}

func (c *ServerConfig) MaxBodySize(n int) *ServerConfig {
	c.maxBodySize = n
	return c
}

// AcquireTimeout bounds the wait for a free Request/Response pair
func (c *ServerConfig) AcquireTimeout(d time.Duration) *ServerConfig {
	c.acquireTimeout = d
	return c
}

// IdleTimeout closes keep-alive connections that stay quiet this long
func (c *ServerConfig) IdleTimeout(d time.Duration) *ServerConfig {
	c.idleTimeout = d
	return c
}

// Workers sizes the pool handlers use to finish suspended exchanges. Zero
// means one worker per CPU.
func (c *ServerConfig) Workers(n int) *ServerConfig {
	c.workers = n
	return c
}

// ReusePort sets SO_REUSEPORT on the listener where supported
func (c *ServerConfig) ReusePort(on bool) *ServerConfig {
	c.reusePort = on
	return c
}

func (c *ServerConfig) ErrorHandler(h http.ErrorHandler) *ServerConfig {
	c.errorHandler = h
	return c
}

func (c *ServerConfig) RequestLogger(l http.RequestLogger) *ServerConfig {
	c.requestLogger = l
	return c
}

// Handler serves every path under prefix with one shared handler
func (c *ServerConfig) Handler(prefix string, h http.Handler) *ServerConfig {
	c.routes.Handle(prefix, h)
	return c
}

// HandlerFactory serves every path under prefix with a fresh handler per
// exchange
func (c *ServerConfig) HandlerFactory(prefix string, f http.HandlerFactory) *ServerConfig {
	c.routes.HandleFactory(prefix, f)
	return c
}

// Router replaces the built-in prefix table. Handler registrations are
// ignored once a router is set.
func (c *ServerConfig) Router(r http.Router) *ServerConfig {
	c.router = r
	return c
}

func (c *ServerConfig) Logger(l *zap.Logger) *ServerConfig {
	c.logger = l
	return c
}

func (c *ServerConfig) Metrics(m *observability.Metrics) *ServerConfig {
	c.metrics = m
	return c
}

// Validate reports the first unusable option
func (c *ServerConfig) Validate() error {
	switch {
	case c.address == "":
		return fmt.Errorf("%w: empty address", ErrNotConfigured)
	case c.errorHandler == nil:
		return fmt.Errorf("%w: nil error handler", ErrNotConfigured)
	case c.requestLogger == nil:
		return fmt.Errorf("%w: nil request logger", ErrNotConfigured)
	case c.maxBodySize <= 0:
		return fmt.Errorf("%w: max body size must be positive", ErrNotConfigured)
	case c.acquireTimeout <= 0:
		return fmt.Errorf("%w: acquire timeout must be positive", ErrNotConfigured)
	}
	return nil
}

func (c *ServerConfig) resolver() http.Router {
	if c.router != nil {
		return c.router
	}
	return c.routes
}
