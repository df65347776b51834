package core

import (
	"errors"
	"time"
)

// HTTP header constants
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderConnection    = "Connection"
	HeaderLocation      = "Location"
)

// Defaults applied by NewServerConfig
const (
	DefaultAddress        = ":8080"
	DefaultMaxConnections = -1
	DefaultMaxBodySize    = 4 << 20
	DefaultAcquireTimeout = 5 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultReadBufferSize = 4096

	// rejectDrainTimeout bounds how long a rejected connection is drained
	// before the socket closes.
	rejectDrainTimeout = 500 * time.Millisecond
	rejectDrainLimit   = 64 << 10
)

// Unlimited disables a ceiling wherever a maximum is configured
const Unlimited = -1

// Error definitions
var (
	ErrServerRunning    = errors.New("server already running")
	ErrServerNotRunning = errors.New("server not running")
	ErrNotConfigured    = errors.New("server config incomplete")
	ErrPoolExhausted    = errors.New("exchange pool exhausted")
)
