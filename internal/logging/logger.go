package logging

import (
	"reflect"
)

// Logger defines a minimal, printf-style logging contract.
//
// Every component accepts this interface instead of a concrete logger so that
// tests can run silent and the process can swap sinks without touching call
// sites.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type componentLogger struct {
	base   Logger
	prefix string
}

// WithComponent scopes base so every line carries a "[component]" prefix.
func WithComponent(base Logger, component string) Logger {
	base = OrNop(base)
	if component == "" {
		return base
	}
	return &componentLogger{base: base, prefix: "[" + component + "] "}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.base.Debug(l.prefix+format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.base.Info(l.prefix+format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.base.Warn(l.prefix+format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.base.Error(l.prefix+format, args...)
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}

type funcLogger struct {
	fn func(level, format string, args ...any)
}

// Func adapts a single function into a Logger. Useful for tests that want to
// capture output without a full sink.
func Func(fn func(level, format string, args ...any)) Logger {
	if fn == nil {
		return Nop()
	}
	return &funcLogger{fn: fn}
}

func (l *funcLogger) Debug(format string, args ...any) { l.fn("DEBUG", format, args...) }
func (l *funcLogger) Info(format string, args ...any)  { l.fn("INFO", format, args...) }
func (l *funcLogger) Warn(format string, args ...any)  { l.fn("WARN", format, args...) }
func (l *funcLogger) Error(format string, args ...any) { l.fn("ERROR", format, args...) }
