// Package logger provides structured logging for crmsync
package logger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// contextKey is the type for context keys
type contextKey string

const (
	// RunIDKey is the context key for the sync run identifier
	RunIDKey contextKey = "run_id"
	// EntityKey is the context key for the entity kind being synced
	EntityKey contextKey = "entity"
	// ModeKey is the context key for the sync mode
	ModeKey contextKey = "mode"
)

// Config represents logger configuration
type Config struct {
	Level       string
	Development bool
	Encoding    string // json or console
	OutputPaths []string
}

// Init initializes the global logger
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		globalLogger, err = newLogger(cfg)
	})
	return err
}

// newLogger creates a new zap logger
func newLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         cfg.Encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if cfg.Development {
		logger = logger.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return logger, nil
}

// Get returns the global logger
func Get() *zap.Logger {
	if globalLogger == nil {
		// Create a default logger if not initialized
		cfg := Config{
			Level:       "info",
			Development: false,
			Encoding:    "json",
		}
		if err := Init(cfg); err != nil {
			// Fallback to basic logger
			logger, _ := zap.NewProduction()
			globalLogger = logger
		}
	}
	return globalLogger
}

// WithContext returns base enriched with the run-scoped values carried in
// ctx. The orchestrator stores the run id, mode and entity kind in the
// context it threads through a run; any layer holding that context can
// recover the same log fields.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		base = base.With(zap.String("run_id", runID))
	}

	if entity, ok := ctx.Value(EntityKey).(string); ok {
		base = base.With(zap.String("entity", entity))
	}

	if mode, ok := ctx.Value(ModeKey).(string); ok {
		base = base.With(zap.String("mode", mode))
	}

	return base
}

// Sync flushes any buffered log entries
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
