package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/searchktools/fast-exchange/core"
)

// EnvPrefix marks the environment variables the loader reads, for example
// FAST_MAX_CONNECTIONS
const EnvPrefix = "FAST"

// DefaultShutdownTimeout bounds a graceful shutdown unless configured
const DefaultShutdownTimeout = 15 * time.Second

// Config holds all application configuration.
type Config struct {
	Address         string        `config:"address"`
	MaxConnections  int           `config:"max_connections"`
	Workers         int           `config:"workers"`
	MaxBodySize     int           `config:"max_body_size"`
	IdleTimeout     time.Duration `config:"idle_timeout"`
	AcquireTimeout  time.Duration `config:"acquire_timeout"`
	ShutdownTimeout time.Duration `config:"shutdown_timeout"`
	LogLevel        string        `config:"log_level"`
	LogSink         string        `config:"log_sink"`
	MetricsPath     string        `config:"metrics_path"`
	StatsPath       string        `config:"stats_path"`
	GCProfile       string        `config:"gc_profile"`
	ReusePort       bool          `config:"reuse_port"`
	Env             string        `config:"env"`

	// where the values came from, not configurable themselves
	File    string `config:"-"`
	EnvFile string `config:"-"`

	settings  *Manager
	overrides map[string]string
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		Address:         core.DefaultAddress,
		MaxConnections:  core.DefaultMaxConnections,
		MaxBodySize:     core.DefaultMaxBodySize,
		IdleTimeout:     core.DefaultIdleTimeout,
		AcquireTimeout:  core.DefaultAcquireTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		LogLevel:        "info",
		LogSink:         "stdout",
		MetricsPath:     "/metrics",
		StatsPath:       "/stats",
		GCProfile:       "default",
		Env:             "development",
	}
}

// Load builds a Config from, lowest precedence first: defaults, the YAML or
// JSON file named by -config, the .env file named by -env-file, FAST_*
// environment variables and finally flags set on the command line.
func Load(name string, args []string) (*Config, error) {
	def := Default()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	file := fs.String("config", "", "YAML or JSON configuration file")
	envFile := fs.String("env-file", ".env", "dotenv file with FAST_* variables")

	var flagged Config
	fs.StringVar(&flagged.Address, "address", def.Address, "listen address")
	fs.IntVar(&flagged.MaxConnections, "max-connections", def.MaxConnections, "connection ceiling, -1 for unlimited")
	fs.IntVar(&flagged.Workers, "workers", def.Workers, "async worker pool size, 0 for one per CPU")
	fs.IntVar(&flagged.MaxBodySize, "max-body-size", def.MaxBodySize, "largest accepted request body in bytes")
	fs.DurationVar(&flagged.IdleTimeout, "idle-timeout", def.IdleTimeout, "keep-alive idle timeout")
	fs.DurationVar(&flagged.AcquireTimeout, "acquire-timeout", def.AcquireTimeout, "wait for a free exchange")
	fs.DurationVar(&flagged.ShutdownTimeout, "shutdown-timeout", def.ShutdownTimeout, "graceful shutdown bound")
	fs.StringVar(&flagged.LogLevel, "log-level", def.LogLevel, "debug, info, warn or error")
	fs.StringVar(&flagged.LogSink, "log-sink", def.LogSink, "stdout, stderr or file:<path>")
	fs.StringVar(&flagged.MetricsPath, "metrics-path", def.MetricsPath, "Prometheus endpoint, empty to disable")
	fs.StringVar(&flagged.StatsPath, "stats-path", def.StatsPath, "pool statistics endpoint, empty to disable")
	fs.StringVar(&flagged.GCProfile, "gc-profile", def.GCProfile, "default, throughput or latency")
	fs.BoolVar(&flagged.ReusePort, "reuse-port", def.ReusePort, "set SO_REUSEPORT on the listener")
	fs.StringVar(&flagged.Env, "env", def.Env, "Environment (development/production)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// only flags given explicitly override the other sources
	overrides := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" || f.Name == "env-file" {
			return
		}
		overrides[strings.ReplaceAll(f.Name, "-", "_")] = f.Value.String()
	})

	cfg, err := resolve(*file, *envFile, overrides)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// resolve reads every source into a fresh Manager and decodes it
func resolve(file, envFile string, overrides map[string]string) (*Config, error) {
	cfg := Default()
	m := NewManager()
	if err := m.LoadFromStruct(cfg); err != nil {
		return nil, err
	}
	if file != "" {
		if err := m.LoadFile(file); err != nil {
			return nil, err
		}
	}
	if envFile != "" {
		if err := m.LoadDotEnv(EnvPrefix, envFile); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)
	for key, value := range overrides {
		m.Set(key, value)
	}

	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	cfg.File, cfg.EnvFile = file, envFile
	cfg.settings, cfg.overrides = m, overrides
	return cfg, nil
}

// Settings is the live key/value view behind c. Reload updates it and
// notifies its watchers; the fields of c keep their startup values.
func (c *Config) Settings() *Manager {
	if c.settings == nil {
		c.settings = NewManager()
		c.settings.LoadFromStruct(c)
	}
	return c.settings
}

// Reload reads the same files, environment and flags again. An invalid
// result is rejected and changes nothing.
func (c *Config) Reload() error {
	fresh, err := resolve(c.File, c.EnvFile, c.overrides)
	if err != nil {
		return err
	}
	if err := fresh.Validate(); err != nil {
		return err
	}
	c.Settings().Merge(fresh.settings)
	return nil
}

// Validate reports every unusable value
func (c *Config) Validate() error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address is empty"))
	}
	if c.MaxConnections < core.Unlimited {
		errs = append(errs, fmt.Errorf("max_connections %d is below -1", c.MaxConnections))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers %d is negative", c.Workers))
	}
	if c.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("max_body_size %d must be positive", c.MaxBodySize))
	}
	if c.AcquireTimeout <= 0 {
		errs = append(errs, fmt.Errorf("acquire_timeout %s must be positive", c.AcquireTimeout))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout %s must be positive", c.ShutdownTimeout))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether Env names a production deployment
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// ServerConfig translates c into engine options. Handlers, logger and
// metrics are left for the caller.
func (c *Config) ServerConfig() *core.ServerConfig {
	return core.NewServerConfig().
		Address(c.Address).
		MaxConnections(c.MaxConnections).
		Workers(c.Workers).
		MaxBodySize(c.MaxBodySize).
		IdleTimeout(c.IdleTimeout).
		AcquireTimeout(c.AcquireTimeout).
		ReusePort(c.ReusePort)
}
