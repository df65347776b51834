package core

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/fast-exchange/core/observability"
	"github.com/searchktools/fast-exchange/core/pools"
	"go.uber.org/zap"
)

// Engine accepts connections, admits them against the configured ceiling
// and serves each admitted connection on its own goroutine.
type Engine struct {
	cfg     *ServerConfig
	log     *zap.Logger
	metrics *observability.Metrics

	tracker    *ConnectionTracker
	messages   *MessagePool
	workers    *pools.WorkerPool
	dispatcher *dispatcher

	mu         sync.Mutex
	listener   net.Listener
	acceptDone chan struct{}

	conns   sync.Map // *conn -> struct{}
	serving sync.WaitGroup

	running atomic.Bool
	closing atomic.Bool
}

// NewEngine validates cfg and builds an engine ready to Listen
func NewEngine(cfg *ServerConfig) (*Engine, error) {
	if cfg == nil {
		return nil, ErrNotConfigured
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	poolSize := cfg.maxConnections
	if poolSize < 0 {
		poolSize = 0
	}

	e := &Engine{
		cfg:      cfg,
		log:      logger,
		metrics:  cfg.metrics,
		tracker:  NewConnectionTracker(cfg.maxConnections),
		messages: NewMessagePool(poolSize, logger),
		workers:  pools.NewWorkerPool(cfg.workers),
	}
	e.dispatcher = &dispatcher{
		router:  cfg.resolver(),
		errors:  cfg.errorHandler,
		reqLog:  cfg.requestLogger,
		log:     logger,
		metrics: cfg.metrics,
	}
	e.registerPoolGauges()

	return e, nil
}

// Workers is the pool suspended handlers can finish their exchanges on
func (e *Engine) Workers() *pools.WorkerPool { return e.workers }

// Tracker exposes the admission controller
func (e *Engine) Tracker() *ConnectionTracker { return e.tracker }

// Listen binds the configured address
func (e *Engine) Listen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listener != nil {
		return ErrServerRunning
	}

	lc := net.ListenConfig{Control: listenControl(e.cfg.reusePort)}
	ln, err := lc.Listen(context.Background(), "tcp", e.cfg.address)
	if err != nil {
		return err
	}

	e.listener = ln
	e.acceptDone = make(chan struct{})
	e.running.Store(true)
	e.log.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("max_connections", e.cfg.maxConnections),
		zap.Int("workers", e.workers.Stats().NumWorkers))
	return nil
}

// Start binds and serves in the background
func (e *Engine) Start() error {
	if err := e.Listen(); err != nil {
		return err
	}
	go e.Serve()
	return nil
}

// Run binds and serves until the listener closes
func (e *Engine) Run() error {
	if err := e.Listen(); err != nil {
		return err
	}
	return e.Serve()
}

// Serve runs the accept loop. It returns nil after Shutdown or Kill.
func (e *Engine) Serve() error {
	e.mu.Lock()
	ln, done := e.listener, e.acceptDone
	e.mu.Unlock()
	if ln == nil {
		return ErrServerNotRunning
	}
	defer close(done)

	var backoff time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if e.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if isTimeout(err) {
				backoff = nextBackoff(backoff)
				e.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		if !e.tracker.Admit(raw) {
			e.metrics.ConnectionRejected()
			e.log.Warn("connection rejected",
				zap.String("remote", raw.RemoteAddr().String()),
				zap.Int("max_connections", e.tracker.Max()))
			go Reject(raw)
			continue
		}
		e.metrics.ConnectionAdmitted()

		c := newConn(e, raw)
		e.serving.Add(1)
		e.conns.Store(c, struct{}{})
		go c.serve()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (e *Engine) forget(c *conn) {
	e.tracker.Remove(c.raw)
	e.conns.Delete(c)
	e.metrics.ConnectionClosed()
	e.serving.Done()
}

// Addr is the bound address, or nil before Listen
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// IsRunning reports whether the engine is bound and not stopped
func (e *Engine) IsRunning() bool { return e.running.Load() }

// Shutdown stops accepting, closes idle connections and waits for active
// exchanges to finish. When ctx expires first the remaining connections
// are killed and ctx's error is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	ln, done, err := e.stopAccepting()
	if err != nil {
		return err
	}
	ln.Close()

	select {
	case <-done:
	case <-ctx.Done():
	}

	e.conns.Range(func(k, _ any) bool {
		k.(*conn).wake()
		return true
	})

	drained := make(chan struct{})
	go func() {
		e.serving.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		n := e.tracker.CloseAll()
		e.log.Warn("shutdown deadline reached, killed connections", zap.Int("count", n))
		err = ctx.Err()
	}

	e.workers.Close()
	e.running.Store(false)
	e.log.Info("server stopped")
	return err
}

// Kill stops accepting and closes every connection immediately. Suspended
// exchanges observe the disconnect and abort.
func (e *Engine) Kill() error {
	ln, _, err := e.stopAccepting()
	if err != nil {
		return err
	}
	ln.Close()

	n := e.tracker.CloseAll()
	e.workers.Close()
	e.running.Store(false)
	e.log.Info("server killed", zap.Int("connections", n))
	return nil
}

func (e *Engine) stopAccepting() (net.Listener, chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listener == nil || !e.closing.CompareAndSwap(false, true) {
		return nil, nil, ErrServerNotRunning
	}
	return e.listener, e.acceptDone, nil
}
