package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/searchktools/fast-exchange/config"
	"github.com/searchktools/fast-exchange/core"
	"github.com/searchktools/fast-exchange/core/handlers"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/logging"
	"github.com/searchktools/fast-exchange/core/observability"
	"github.com/searchktools/fast-exchange/core/pools"
	"go.uber.org/zap"
)

// App wires configuration, logging, metrics and the engine together
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	level   zap.AtomicLevel
	metrics *observability.Metrics
	server  *core.ServerConfig
	engine  atomic.Pointer[core.Engine]
}

// New creates an application instance from cfg
func New(cfg *config.Config) (*App, error) {
	level := zap.NewAtomicLevelAt(logging.ParseLevel(cfg.LogLevel))
	logger, err := logging.NewAtLevel(level, cfg.LogSink)
	if err != nil {
		return nil, err
	}
	gc, err := pools.ApplyGCProfile(cfg.GCProfile, pools.MemoryBudget(cfg.MaxConnections, cfg.MaxBodySize))
	if err != nil {
		return nil, err
	}
	logger.Debug("gc tuned",
		zap.String("profile", gc.Profile),
		zap.Int("percent", gc.Percent),
		zap.Int64("memory_limit", gc.MemoryLimit))

	metrics := observability.NewMetrics("fast")
	server := cfg.ServerConfig().
		Logger(logger).
		Metrics(metrics).
		RequestLogger(observability.NewAccessLog(logger))

	a := &App{
		cfg:     cfg,
		log:     logger,
		level:   level,
		metrics: metrics,
		server:  server,
	}
	cfg.Settings().Watch("log_level", a.levelChanged)
	return a, nil
}

func (a *App) levelChanged(_ string, value any) {
	lvl := logging.ParseLevel(fmt.Sprint(value))
	if lvl != a.level.Level() {
		a.level.SetLevel(lvl)
		a.log.Info("log level changed", zap.Stringer("level", lvl))
	}
}

// Reload re-reads the configuration sources. The log level and shutdown
// timeout take effect at once; everything else needs a restart.
func (a *App) Reload() error {
	if err := a.cfg.Reload(); err != nil {
		a.log.Error("configuration reload failed", zap.Error(err))
		return err
	}
	a.log.Info("configuration reloaded")
	return nil
}

// Handle serves every path under prefix with h
func (a *App) Handle(prefix string, h http.Handler) *App {
	a.server.Handler(prefix, h)
	return a
}

// HandleFactory serves every path under prefix with a handler per exchange
func (a *App) HandleFactory(prefix string, f http.HandlerFactory) *App {
	a.server.HandlerFactory(prefix, f)
	return a
}

// Server exposes the engine options for anything Handle does not cover
func (a *App) Server() *core.ServerConfig { return a.server }

func (a *App) Logger() *zap.Logger { return a.log }

func (a *App) Metrics() *observability.Metrics { return a.metrics }

// Engine is nil until Start
func (a *App) Engine() *core.Engine { return a.engine.Load() }

// Start builds the engine and begins serving in the background
func (a *App) Start() error {
	if a.engine.Load() != nil {
		return core.ErrServerRunning
	}

	if a.cfg.MetricsPath != "" {
		a.server.Handler(a.cfg.MetricsPath, observability.MetricsHandler(a.metrics.Registry()))
	}
	if a.cfg.StatsPath != "" {
		a.server.Handler(a.cfg.StatsPath, handlers.NewStats(func() any {
			if e := a.engine.Load(); e != nil {
				return e.GetPoolStats()
			}
			return core.PoolStats{}
		}))
	}

	engine, err := core.NewEngine(a.server)
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	a.engine.Store(engine)

	a.log.Info("application started",
		zap.String("addr", engine.Addr().String()),
		zap.String("env", a.cfg.Env),
		zap.String("gc_profile", a.cfg.GCProfile))
	return nil
}

// Shutdown drains the engine within ctx and flushes the logger
func (a *App) Shutdown(ctx context.Context) error {
	engine := a.engine.Load()
	if engine == nil {
		return core.ErrServerNotRunning
	}
	err := engine.Shutdown(ctx)
	a.log.Sync()
	return err
}

// Run serves until SIGINT or SIGTERM, then shuts down gracefully. SIGHUP
// reloads the configuration.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				a.Reload()
			case <-ctx.Done():
				return
			}
		}
	}()

	return a.RunContext(ctx)
}

// RunContext serves until ctx is done, then shuts down gracefully
func (a *App) RunContext(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return fmt.Errorf("server startup failed: %w", err)
	}

	<-ctx.Done()
	a.log.Info("shutting down", zap.Error(context.Cause(ctx)))

	timeout := a.cfg.Settings().GetDuration("shutdown_timeout", config.DefaultShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.Shutdown(shutdownCtx); err != nil && !errors.Is(err, core.ErrServerNotRunning) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
