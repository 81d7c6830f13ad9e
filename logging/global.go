// Package logging sets up structured logging for the exporter: text to the
// console and JSON to a weekly rotating file, both through log/slog.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures InitLogger.
type Options struct {
	LogDir         string // empty logs to the console only
	Level          string
	RetentionWeeks int
	MaxFileSize    int64
	Console        io.Writer // defaults to os.Stdout
}

type LoggingService struct {
	Logger   *slog.Logger
	rotating *RotatingLogger
}

var DefaultLoggingService *LoggingService

// InitLogger initializes the global logger instance and makes it the slog default
func InitLogger(opts Options) {
	if DefaultLoggingService != nil {
		_ = DefaultLoggingService.Close()
	}
	DefaultLoggingService = newLoggingService(opts)
	slog.SetDefault(DefaultLoggingService.Logger)
}

// Close flushes and closes the global log file, if any.
func Close() error {
	if DefaultLoggingService == nil {
		return nil
	}
	return DefaultLoggingService.Close()
}

// Close releases the service's rotating file.
func (s *LoggingService) Close() error {
	if s == nil || s.rotating == nil {
		return nil
	}
	return s.rotating.Close()
}

func newLoggingService(opts Options) *LoggingService {
	level := parseLogLevel(opts.Level)
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})

	if opts.LogDir == "" {
		return &LoggingService{Logger: slog.New(consoleHandler)}
	}

	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		logger := slog.New(consoleHandler)
		logger.Error("Failed to create logs directory, logging to console only", "error", err)
		return &LoggingService{Logger: logger}
	}

	retention := opts.RetentionWeeks
	if retention <= 0 {
		retention = 4
	}
	rotating := NewRotatingLogger(opts.LogDir, retention, opts.MaxFileSize)
	rotating.startCleanup()

	// file always gets debug so incidents can be reconstructed
	fileHandler := slog.NewJSONHandler(rotating, &slog.HandlerOptions{Level: slog.LevelDebug})

	return &LoggingService{
		Logger:   slog.New(&multiHandler{handlers: []slog.Handler{consoleHandler, fileHandler}}),
		rotating: rotating,
	}
}

// parseLogLevel maps a config string to a slog level, defaulting to info
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the global logger, or a console fallback before InitLogger.
func Logger() *slog.Logger {
	if DefaultLoggingService == nil || DefaultLoggingService.Logger == nil {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return DefaultLoggingService.Logger
}

// With returns the global logger with extra attributes attached.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// Package-level functions for direct access

func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}
