package logger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/iapkit/asc-importer/pkg/interfaces"
)

// contextLogKeys are the context values promoted into log fields when a
// *WithContext method is used.
var contextLogKeys = []string{"request_id", "batch_id", "app_id"}

// ZapLogger implements interfaces.LoggerPort on top of zap.
type ZapLogger struct {
	logger *zap.SugaredLogger
}

var (
	instance *ZapLogger
	once     sync.Once
)

// NewZapLogger builds the process-wide logger. Production mode uses the
// JSON encoder with sampling; development mode uses the console encoder.
func NewZapLogger(level string, isProduction bool) (*ZapLogger, error) {
	var initErr error
	once.Do(func() {
		var cfg zap.Config
		if isProduction {
			cfg = zap.NewProductionConfig()
		} else {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}

		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			parsed = zapcore.InfoLevel
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		base, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			initErr = fmt.Errorf("building zap logger: %w", err)
			return
		}
		instance = &ZapLogger{logger: base.Sugar()}
	})
	if initErr != nil {
		return nil, initErr
	}
	return instance, nil
}

// withContextFields returns a logger enriched with any known context values.
func (l *ZapLogger) withContextFields(ctx context.Context) *zap.SugaredLogger {
	logger := l.logger
	if ctx == nil {
		return logger
	}
	for _, key := range contextLogKeys {
		if value := ctx.Value(key); value != nil {
			logger = logger.With(key, value)
		}
	}
	return logger
}

func (l *ZapLogger) Debug(msg string, args ...interface{}) { l.logger.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...interface{})  { l.logger.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...interface{})  { l.logger.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...interface{}) { l.logger.Errorw(msg, args...) }
func (l *ZapLogger) Fatal(msg string, args ...interface{}) { l.logger.Fatalw(msg, args...) }
func (l *ZapLogger) Panic(msg string, args ...interface{}) { l.logger.Panicw(msg, args...) }

func (l *ZapLogger) DebugWithContext(ctx context.Context, msg string, args ...interface{}) {
	l.withContextFields(ctx).Debugw(msg, args...)
}

func (l *ZapLogger) InfoWithContext(ctx context.Context, msg string, args ...interface{}) {
	l.withContextFields(ctx).Infow(msg, args...)
}

func (l *ZapLogger) WarnWithContext(ctx context.Context, msg string, args ...interface{}) {
	l.withContextFields(ctx).Warnw(msg, args...)
}

func (l *ZapLogger) ErrorWithContext(ctx context.Context, msg string, args ...interface{}) {
	l.withContextFields(ctx).Errorw(msg, args...)
}

func (l *ZapLogger) FatalWithContext(ctx context.Context, msg string, args ...interface{}) {
	l.withContextFields(ctx).Fatalw(msg, args...)
}

func (l *ZapLogger) PanicWithContext(ctx context.Context, msg string, args ...interface{}) {
	l.withContextFields(ctx).Panicw(msg, args...)
}

// WithFields returns a derived logger carrying the given fields.
func (l *ZapLogger) WithFields(fields ...interfaces.LogField) interfaces.LoggerPort {
	args := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f.Key, f.Value)
	}
	return &ZapLogger{logger: l.logger.With(args...)}
}

// WithField returns a derived logger carrying one extra field.
func (l *ZapLogger) WithField(key string, value interface{}) interfaces.LoggerPort {
	return &ZapLogger{logger: l.logger.With(key, value)}
}

// Flush forces buffered entries out.
func (l *ZapLogger) Flush() error {
	return l.logger.Sync()
}

// Sync flushes the underlying sink.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
