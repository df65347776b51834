package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps debug, info, warn or error to a zap level, falling back
// to info
func ParseLevel(level string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zapcore.InfoLevel
	}
	return lvl
}

// New builds a JSON logger at a fixed level. See NewAtLevel.
func New(level, sink string) (*zap.Logger, error) {
	return NewAtLevel(zap.NewAtomicLevelAt(ParseLevel(level)), sink)
}

// NewAtLevel builds a JSON logger whose level follows level, so it can be
// changed while running. sink is "stdout", "stderr" or "file:<path>"; a
// file that cannot be opened falls back to stdout.
func NewAtLevel(level zap.AtomicLevel, sink string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil

	out := "stdout"
	switch {
	case sink == "" || sink == "stdout":
	case sink == "stderr":
		out = "stderr"
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		f, ferr := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if ferr != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, ferr)
			break
		}
		f.Close()
		out = path
	default:
		return nil, fmt.Errorf("unknown log sink %q", sink)
	}

	cfg.OutputPaths = []string{out}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
