// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// New builds a logger writing to stderr. An empty level or format falls
// back to the defaults in types.
func New(cfg types.LogConfig) (*zap.Logger, error) {
	level := cfg.Level
	if level == "" {
		level = types.DefaultLogLevel
	}
	format := cfg.Format
	if format == "" {
		format = types.DefaultLogFormat
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrLogLevelUnknown, level)
	}

	var encoder zapcore.EncoderConfig
	switch format {
	case "json":
		encoder = zap.NewProductionEncoderConfig()
		encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		encoder = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrLogFormatUnknown, format)
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         format,
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    true,
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Named("fieldsync"), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
