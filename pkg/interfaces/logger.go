package interfaces

import "context"

// LogLevel defines the logging levels.
type LogLevel int

const (
	// Levels ordered from least to most severe.
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
	PanicLevel
)

// LogField is an extra structured field attached to a log entry.
type LogField struct {
	Key   string
	Value interface{}
}

// LoggerPort is the logging interface the services depend on.
// The implementation may be backed by any logging library (zap, logrus, zerolog).
type LoggerPort interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
	Panic(msg string, args ...interface{})

	// The *WithContext variants pull request-scoped fields
	// (request id, batch id) out of the context.

	DebugWithContext(ctx context.Context, msg string, args ...interface{})
	InfoWithContext(ctx context.Context, msg string, args ...interface{})
	WarnWithContext(ctx context.Context, msg string, args ...interface{})
	ErrorWithContext(ctx context.Context, msg string, args ...interface{})
	FatalWithContext(ctx context.Context, msg string, args ...interface{})
	PanicWithContext(ctx context.Context, msg string, args ...interface{})

	// WithFields returns a derived logger carrying the given fields.
	WithFields(fields ...LogField) LoggerPort

	// WithField returns a derived logger carrying one extra field.
	WithField(key string, value interface{}) LoggerPort

	// Flush forces any buffered entries out.
	Flush() error

	// Sync flushes the underlying sink.
	Sync() error
}
