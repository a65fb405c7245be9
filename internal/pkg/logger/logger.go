package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
)

// Initialize sets up the structured logger
func Initialize() {
	once.Do(func() {
		var out io.Writer = os.Stdout

		// Optional rotating log file, configured via logging.file
		if file := viper.GetString("logging.file"); file != "" {
			out = &lumberjack.Logger{
				Filename:   file,
				MaxSize:    viper.GetInt("logging.max_size_mb"),
				MaxBackups: viper.GetInt("logging.max_backups"),
				MaxAge:     viper.GetInt("logging.max_age_days"),
			}
		}

		level := slog.LevelInfo
		if viper.GetBool("logging.debug") {
			level = slog.LevelDebug
		}

		// JSON handler for production use
		handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:     level,
			AddSource: false,
		})
		defaultLogger = slog.New(handler)
	})
}

// Get returns the default structured logger
func Get() *slog.Logger {
	Initialize() // Always call Initialize, sync.Once ensures it only runs once
	return defaultLogger
}

// Info logs an info level message
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Warn logs a warning level message
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error level message
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// Debug logs a debug level message
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
