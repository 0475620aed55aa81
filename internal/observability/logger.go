// Package observability holds the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileConsole    = "console"
	ProfileStructured = "structured"
)

var (
	// CLILogger is the console logger used by commands. It is a no-op logger
	// until InitCLILogger runs.
	CLILogger = zap.NewNop()

	mu sync.Mutex
)

// Options configure InitCLILogger.
type Options struct {
	// Level is debug, info, warn or error. Default info; Verbose forces debug.
	Level   string
	Profile string
	Verbose bool
}

// InitCLILogger builds CLILogger writing to stderr and returns it.
func InitCLILogger(name string, opts Options) (*zap.Logger, error) {
	logger, err := NewLogger(name, opts)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	CLILogger = logger
	mu.Unlock()
	return logger, nil
}

// NewLogger builds a stderr logger without touching CLILogger.
func NewLogger(name string, opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(encoder(opts.Profile), zapcore.Lock(os.Stderr), level)
	logger := zap.New(core)
	if name != "" {
		logger = logger.Named(name)
	}
	return logger, nil
}

// ParseLevel accepts zap level names; empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

func encoder(profile string) zapcore.Encoder {
	if strings.EqualFold(profile, ProfileStructured) {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeCaller = nil
	cfg.CallerKey = ""
	return zapcore.NewConsoleEncoder(cfg)
}

// Sync flushes CLILogger, ignoring the error stderr returns on some platforms.
func Sync() {
	mu.Lock()
	l := CLILogger
	mu.Unlock()
	_ = l.Sync()
}
