// Package logging provides structured logging using Zap.
package logging

import (
	"fmt"
	"os"
	"strings"

	"hybrid_trader/internal/core"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log categories. Every entry carries one as the "category" field.
const (
	CategoryError       = "error"
	CategoryTrade       = "trade"
	CategoryDecision    = "decision"
	CategoryPerformance = "performance"
	CategorySystem      = "system"
	CategoryAPI         = "api"
)

// ZapLogger implements the core.ILogger interface using zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// Options configures the logger sinks.
type Options struct {
	Level string
	// Dir enables per-category append-only files under this directory,
	// rotated by size, in addition to stdout. Empty disables file output.
	Dir string
	// MaxFileBytes caps each category file before rotation. Zero means the
	// 10 MiB default.
	MaxFileBytes int64
}

// New creates a logger according to opts.
func New(opts Options) (*ZapLogger, error) {
	zapLevel := parseZapLevel(opts.Level)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.AddSync(os.Stdout),
			zapLevel,
		),
	}

	if opts.Dir != "" {
		fileCore, err := newCategoryCore(opts.Dir, opts.MaxFileBytes, encoderConfig, zapLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to open log directory: %w", err)
		}
		cores = append(cores, fileCore)
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &ZapLogger{logger: logger}, nil
}

// NewZapLogger creates a stdout-only logger at the given level.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	return New(Options{Level: levelStr})
}

// NewNop returns a logger that discards everything. For tests.
func NewNop() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

func parseZapLevel(levelStr string) zapcore.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return zap.DebugLevel
	case "INFO":
		return zap.InfoLevel
	case "WARN":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	case "FATAL":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// convertToZapFields converts variadic key/value pairs to zap.Field.
func (l *ZapLogger) convertToZapFields(fields []interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key, ok := fields[i].(string)
			if !ok {
				key = fmt.Sprintf("%v", fields[i])
			}
			zapFields = append(zapFields, zap.Any(key, fields[i+1]))
		}
	}
	return zapFields
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatal(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zapFields...)}
}

// WithCategory tags a child logger with one of the log categories.
func WithCategory(l core.ILogger, category string) core.ILogger {
	return l.WithField("category", category)
}

// Sync flushes any buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
