// Package obs carries the allocator's observability surface: structured
// logging and Prometheus metrics. The Field-based logging API is kept
// deliberately close to a plain key/value call style, but the backend is a
// real zap logger rather than a hand-rolled formatter.
package obs

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a key/value pair attached to a log line. It wraps a zap.Field so
// every helper below constructs one directly, with no intermediate
// interface{} boxing or reflection at the call site.
type Field = zap.Field

// String, Int, Int64, Uint64, Float64, Bool, Duration, Any and Err build
// Fields the same way their zap counterparts do; they exist so call sites
// read "obs.String(...)" rather than depend on zap directly.
func String(key, value string) Field           { return zap.String(key, value) }
func Int(key string, value int) Field          { return zap.Int(key, value) }
func Int64(key string, value int64) Field      { return zap.Int64(key, value) }
func Uint64(key string, value uint64) Field    { return zap.Uint64(key, value) }
func Float64(key string, value float64) Field  { return zap.Float64(key, value) }
func Bool(key string, value bool) Field        { return zap.Bool(key, value) }
func Duration(key string, d time.Duration) Field { return zap.Duration(key, d) }
func Any(key string, value interface{}) Field  { return zap.Any(key, value) }
func Err(err error) Field                      { return zap.Error(err) }

// Logger is a thin, allocator-flavored wrapper over *zap.Logger: it exists
// so the rest of the codebase names a component once at construction time
// instead of repeating it as a field on every call.
type Logger struct {
	z *zap.Logger
}

// Config selects the logger's verbosity and output format.
type Config struct {
	Level     zapcore.Level
	Component string
	Output    zapcore.WriteSyncer
	JSON      bool
}

// DefaultConfig logs at info level, human-readable, to stderr — matching
// where the rest of the corpus's CLIs send their diagnostics.
func DefaultConfig(component string) Config {
	return Config{
		Level:     zapcore.InfoLevel,
		Component: component,
		Output:    zapcore.AddSync(os.Stderr),
		JSON:      false,
	}
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.TimeKey = "ts"

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, cfg.Output, cfg.Level)
	z := zap.New(core)
	if cfg.Component != "" {
		z = z.Named(cfg.Component)
	}
	return &Logger{z: z}
}

// Nop returns a Logger that discards everything, for tests and callers that
// don't want to wire one up.
func Nop() *Logger { return &Logger{z: zap.NewNop()} }

// With returns a child Logger carrying fields on every subsequent line.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }

// Fatal logs at fatal level and terminates the process, matching the
// severity contract callers expect from a Fatal log call.
func (l *Logger) Fatal(msg string, fields ...Field) { l.z.Fatal(msg, fields...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }
