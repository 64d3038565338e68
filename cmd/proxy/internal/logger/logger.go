package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
)

// Init configures the process-wide logger. The first call wins.
// Debug level is enabled when debug is true or DEBUG=true is set.
func Init(debug bool) {
	InitWithWriter(os.Stdout, debug)
}

// InitWithWriter is Init with an explicit destination.
func InitWithWriter(w io.Writer, debug bool) {
	once.Do(func() {
		level := slog.LevelInfo
		if debug || os.Getenv("DEBUG") == "true" {
			level = slog.LevelDebug
		}

		opts := &slog.HandlerOptions{
			Level:     level,
			AddSource: level == slog.LevelDebug,
		}

		defaultLogger = slog.New(slog.NewTextHandler(w, opts))
		slog.SetDefault(defaultLogger)
	})
}

// Logger returns the process-wide logger. Calling it before Init locks in the defaults.
func Logger() *slog.Logger {
	Init(false)
	return defaultLogger
}

// Debug logs at Debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at Info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at Warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at Error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// Fatal logs at Error level and then exits.
func Fatal(msg string, args ...any) {
	Logger().Error(msg, args...)
	os.Exit(1)
}

// With returns a new logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}
