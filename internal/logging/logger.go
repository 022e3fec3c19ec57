// Package logging wraps github.com/sirupsen/logrus with the structured,
// rotation-aware logger the CLI and the observability sink log through.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps logrus with retrygo's structured-field conventions.
type Logger struct {
	*logrus.Logger
	config *Config
}

// Config represents logging configuration.
type Config struct {
	Level          string `json:"level"`           // debug, info, warn, error
	Format         string `json:"format"`          // text, json
	Output         string `json:"output"`          // stdout, file, both
	FilePath       string `json:"file_path"`       // path to log file
	MaxSize        int    `json:"max_size"`        // max size in megabytes
	MaxBackups     int    `json:"max_backups"`     // max number of backup files
	MaxAge         int    `json:"max_age"`         // max age in days
	Compress       bool   `json:"compress"`        // compress rotated files
	EnableCaller   bool   `json:"enable_caller"`   // include caller information
	EnableHostname bool   `json:"enable_hostname"` // json format only: renames keys to timestamp/level/message; adds no hostname field
}

// DefaultConfig returns default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:          "info",
		Format:         "text",
		Output:         "stdout",
		FilePath:       "logs/retrygo.log",
		MaxSize:        100, // 100MB
		MaxBackups:     3,
		MaxAge:         28, // 28 days
		Compress:       true,
		EnableCaller:   true,
		EnableHostname: true,
	}
}

// NewLogger creates a new enhanced logger.
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(config.Format) {
	case "json":
		formatter := &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		}
		if config.EnableHostname {
			hostname, _ := os.Hostname()
			formatter.FieldMap = logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			}
			logger.WithField("hostname", hostname)
		}
		logger.SetFormatter(formatter)
	case "text":
		formatter := &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		}
		logger.SetFormatter(formatter)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	var writers []io.Writer

	switch strings.ToLower(config.Output) {
	case "stdout":
		writers = append(writers, os.Stdout)
	case "file":
		fileWriter, err := createFileWriter(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create file writer: %w", err)
		}
		writers = append(writers, fileWriter)
	case "both":
		writers = append(writers, os.Stdout)
		fileWriter, err := createFileWriter(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create file writer: %w", err)
		}
		writers = append(writers, fileWriter)
	default:
		return nil, fmt.Errorf("unsupported log output: %s", config.Output)
	}

	if len(writers) == 1 {
		logger.SetOutput(writers[0])
	} else {
		logger.SetOutput(io.MultiWriter(writers...))
	}

	if config.EnableCaller {
		logger.SetReportCaller(true)
	}

	return &Logger{
		Logger: logger,
		config: config,
	}, nil
}

func createFileWriter(config *Config) (io.Writer, error) {
	dir := filepath.Dir(config.FilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   config.FilePath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}, nil
}

// WithOperation adds operation-identity context to log entries.
func (l *Logger) WithOperation(operationID, functionName string) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"operation_id":  operationID,
		"function_name": functionName,
		"component":     "recovery",
	})
}

// WithAttempt adds attempt-boundary context.
func (l *Logger) WithAttempt(operationID string, attempt int, state string) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"operation_id": operationID,
		"attempt":      attempt,
		"state":        state,
		"component":    "recovery",
	})
}

// WithBreaker adds circuit-breaker context.
func (l *Logger) WithBreaker(functionName string, state string) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"function_name": functionName,
		"breaker_state": state,
		"component":     "breaker",
	})
}

// LogRetry logs a retry attempt with backoff information.
func (l *Logger) LogRetry(functionName string, attempt int, maxAttempts int, delay time.Duration, err error) {
	l.WithFields(logrus.Fields{
		"function_name": functionName,
		"attempt":       attempt,
		"max_attempts":  maxAttempts,
		"delay":         delay.String(),
		"component":     "retry",
	}).WithError(err).Warn("retrying operation")
}

// LogError logs structured error information.
func (l *Logger) LogError(err error, context map[string]interface{}) {
	entry := l.WithError(err)
	if context != nil {
		entry = entry.WithFields(context)
	}
	entry.Error("operation failed")
}

// UpdateConfig updates the logger configuration at runtime.
func (l *Logger) UpdateConfig(config *Config) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	l.SetLevel(level)

	l.config = config
	return nil
}

// GetConfig returns the current logger configuration.
func (l *Logger) GetConfig() *Config {
	return l.config
}

// Close is a no-op: lumberjack handles its own file lifecycle.
func (l *Logger) Close() error {
	return nil
}

var globalLogger *Logger

// InitGlobalLogger initializes the global logger used by the CLI.
func InitGlobalLogger(config *Config) error {
	logger, err := NewLogger(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// GetGlobalLogger returns the global logger instance, initializing it
// with defaults on first use.
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		config := DefaultConfig()
		logger, _ := NewLogger(config)
		globalLogger = logger
	}
	return globalLogger
}

// Debug logs a debug message on the global logger.
func Debug(args ...interface{}) { GetGlobalLogger().Debug(args...) }

// Debugf logs a formatted debug message on the global logger.
func Debugf(format string, args ...interface{}) { GetGlobalLogger().Debugf(format, args...) }

// Info logs an info message on the global logger.
func Info(args ...interface{}) { GetGlobalLogger().Info(args...) }

// Infof logs a formatted info message on the global logger.
func Infof(format string, args ...interface{}) { GetGlobalLogger().Infof(format, args...) }

// Warn logs a warning message on the global logger.
func Warn(args ...interface{}) { GetGlobalLogger().Warn(args...) }

// Warnf logs a formatted warning message on the global logger.
func Warnf(format string, args ...interface{}) { GetGlobalLogger().Warnf(format, args...) }

// Error logs an error message on the global logger.
func Error(args ...interface{}) { GetGlobalLogger().Error(args...) }

// Errorf logs a formatted error message on the global logger.
func Errorf(format string, args ...interface{}) { GetGlobalLogger().Errorf(format, args...) }

// WithOperation returns a logger entry with operation context, via the
// global logger.
func WithOperation(operationID, functionName string) *logrus.Entry {
	return GetGlobalLogger().WithOperation(operationID, functionName)
}
