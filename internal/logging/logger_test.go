package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBufferedLogger builds a Logger from cfg with its output captured in
// a buffer, so tests assert on what the package actually emits.
func newBufferedLogger(t *testing.T, cfg *Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	return logger, &buf
}

func parseJSONEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestNewLogger_TextFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "text"
	cfg.EnableCaller = false
	logger, buf := newBufferedLogger(t, cfg)

	logger.Info("test message")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "level=info")
}

func TestNewLogger_JSONFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.Level = "debug"
	logger, buf := newBufferedLogger(t, cfg)

	logger.WithField("operation", "test").Info("test message")

	entry := parseJSONEntry(t, buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "test message", entry["message"])
	assert.Equal(t, "test", entry["operation"])
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		logFunc   func(logger *Logger)
		shouldLog bool
	}{
		{
			name:  "debug level logs debug message",
			level: "debug",
			logFunc: func(logger *Logger) {
				logger.Debug("debug message")
			},
			shouldLog: true,
		},
		{
			name:  "info level filters debug message",
			level: "info",
			logFunc: func(logger *Logger) {
				logger.Debug("debug message")
			},
			shouldLog: false,
		},
		{
			name:  "info level logs info message",
			level: "info",
			logFunc: func(logger *Logger) {
				logger.Info("info message")
			},
			shouldLog: true,
		},
		{
			name:  "warn level filters info message",
			level: "warn",
			logFunc: func(logger *Logger) {
				logger.Info("info message")
			},
			shouldLog: false,
		},
		{
			name:  "error level logs error message",
			level: "error",
			logFunc: func(logger *Logger) {
				logger.Error("error message")
			},
			shouldLog: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Level = tt.level
			logger, buf := newBufferedLogger(t, cfg)

			tt.logFunc(logger)

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestNewLogger_FileOutputWritesThroughRotatingWriter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(t.TempDir(), "logs", "retrygo.log")
	cfg.EnableCaller = false

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("rotated log message")

	content, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "rotated log message")
}

func TestNewLogger_DefaultsToTextStdout(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
	assert.Equal(t, os.Stdout, logger.Out)
}

func TestNewLogger_RejectsUnknownFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "verbose"
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestNewLogger_RejectsUnknownOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "syslog"
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestLogger_WithOperation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "json"
	logger, buf := newBufferedLogger(t, cfg)

	logger.WithOperation("op-1", "fetch_report").Info("state changed")

	entry := parseJSONEntry(t, buf)
	assert.Equal(t, "op-1", entry["operation_id"])
	assert.Equal(t, "fetch_report", entry["function_name"])
	assert.Equal(t, "recovery", entry["component"])
}

func TestLogger_WithAttempt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "json"
	logger, buf := newBufferedLogger(t, cfg)

	logger.WithAttempt("op-1", 3, "recovering").Info("attempt boundary")

	entry := parseJSONEntry(t, buf)
	assert.Equal(t, "op-1", entry["operation_id"])
	assert.Equal(t, float64(3), entry["attempt"])
	assert.Equal(t, "recovering", entry["state"])
	assert.Equal(t, "recovery", entry["component"])
}

func TestLogger_WithBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "json"
	logger, buf := newBufferedLogger(t, cfg)

	logger.WithBreaker("fetch_report", "open").Warn("breaker transition")

	entry := parseJSONEntry(t, buf)
	assert.Equal(t, "fetch_report", entry["function_name"])
	assert.Equal(t, "open", entry["breaker_state"])
	assert.Equal(t, "breaker", entry["component"])
}

func TestLogger_LogRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "json"
	logger, buf := newBufferedLogger(t, cfg)

	logger.LogRetry("fetch_report", 2, 4, 500*time.Millisecond, assert.AnError)

	entry := parseJSONEntry(t, buf)
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, float64(4), entry["max_attempts"])
	assert.Equal(t, "500ms", entry["delay"])
	assert.Equal(t, "retry", entry["component"])
	assert.Contains(t, entry, "error")
}

func TestLogger_LogError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "json"
	logger, buf := newBufferedLogger(t, cfg)

	logger.LogError(assert.AnError, map[string]interface{}{
		"operation_id": "op-9",
	})

	entry := parseJSONEntry(t, buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "operation failed", entry["message"])
	assert.Equal(t, "op-9", entry["operation_id"])
	assert.Contains(t, entry, "error")
}

func TestLogger_UpdateConfig(t *testing.T) {
	logger, _ := newBufferedLogger(t, DefaultConfig())
	require.Equal(t, logrus.InfoLevel, logger.GetLevel())

	updated := DefaultConfig()
	updated.Level = "debug"
	require.NoError(t, logger.UpdateConfig(updated))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.Same(t, updated, logger.GetConfig())

	bad := DefaultConfig()
	bad.Level = "verbose"
	assert.Error(t, logger.UpdateConfig(bad))
	assert.Same(t, updated, logger.GetConfig(), "a rejected update must not replace the config")
}

func TestGetGlobalLogger_InitializesOnce(t *testing.T) {
	globalLogger = nil
	l1 := GetGlobalLogger()
	l2 := GetGlobalLogger()
	assert.Same(t, l1, l2)
}

func TestInitGlobalLogger_ReplacesGlobal(t *testing.T) {
	globalLogger = nil
	require.NoError(t, InitGlobalLogger(DefaultConfig()))
	first := GetGlobalLogger()

	require.NoError(t, InitGlobalLogger(DefaultConfig()))
	assert.NotSame(t, first, GetGlobalLogger())
}
