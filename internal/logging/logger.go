package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production JSON logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return lvl, nil
}

// WithOperation enriches the logger with operation and removal identifiers.
func WithOperation(logger *zap.Logger, operation, removalID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if removalID != "" {
		fields = append(fields, zap.String("removal_id", removalID))
	}
	return logger.With(fields...)
}

// OperationError annotates err with the failing operation and removal id.
func OperationError(operation, removalID string, err error) error {
	if err == nil {
		return nil
	}
	if removalID == "" {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return fmt.Errorf("%s removal_id=%s: %w", operation, removalID, err)
}
