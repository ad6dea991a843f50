package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/sbomer/internal/config"
	"github.com/pitabwire/sbomer/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (store down, executor API errors), ERR_SYSTEM results
//   - warn:  ERR_GENERATION, ERR_POST and ERR_GENERAL results, duplicate deliveries
//   - info:  Status transitions, resource creation, intake correlation
//   - debug: Resource observation details, artifact discovery
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// WorkUnitLogger returns a logger enriched with the work unit's identifying
// fields. If no logger is in the context, the fallback is used.
func WorkUnitLogger(ctx context.Context, fallback *zap.Logger, u *model.WorkUnit) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	if u == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("work_unit_id", u.ID),
		zap.String("identifier", u.Identifier),
		zap.String("type", string(u.Type)),
		zap.String("status", string(u.Status)),
	}
	if u.CurrentPhase != "" {
		fields = append(fields, zap.String("phase", string(u.CurrentPhase)))
	}

	return logger.With(fields...)
}

// ResultLevel returns the log level conventionally used for a terminal
// generation result.
func ResultLevel(r model.GenerationResult) zapcore.Level {
	switch r {
	case model.ResultSuccess:
		return zapcore.InfoLevel
	case model.ResultErrSystem:
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}
