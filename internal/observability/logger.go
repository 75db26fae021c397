// Package observability holds the CLI logger and run metrics.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger for command code. Library packages
// receive a logger explicitly and never read this variable.
var CLILogger = zap.NewNop()

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// InitCLILogger replaces CLILogger with a logger writing to stderr.
//
// The structured profile emits JSON lines; console emits human-readable
// lines with colored levels.
func InitCLILogger(level, profile string) error {
	logger, err := NewLogger(level, profile)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

// NewLogger builds a stderr logger for the given level and profile.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	case ProfileConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		encoder = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("invalid log profile %q", profile)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl))
	return zap.New(core, zap.AddCaller()).With(zap.String("service", "ipsbatch")), nil
}
