package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogLevelFromString converts string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// InitializeFromConfig initializes the global logger from configuration.
// instance names the log file when none is configured.
func InitializeFromConfig(instance string, logConfig LogConfig) (*Logger, error) {
	logFile := logConfig.LogFile
	if logConfig.EnableFile {
		if logConfig.LogDir != "" {
			if err := os.MkdirAll(logConfig.LogDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		if logFile == "" {
			logFile = filepath.Join(logConfig.LogDir, fmt.Sprintf("%s.log", instance))
		}
	}

	bufferSize := logConfig.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	logger := NewLogger(Config{
		Level:         LogLevelFromString(logConfig.Level),
		Instance:      instance,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		MaxFileBytes:  logConfig.MaxFileBytes,
		MaxFiles:      logConfig.MaxFiles,
		BufferSize:    bufferSize,
	})
	SetGlobalLogger(logger)

	return logger, nil
}

// SetLevel changes the global logger's level, e.g. after a configuration reload
func SetLevel(level string) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.SetLevel(LogLevelFromString(level))
	}
}

// LogConfig is the resolved logging section of the configuration file
type LogConfig struct {
	Level         string
	EnableConsole bool
	EnableFile    bool
	LogFile       string
	BufferSize    int
	LogDir        string
	MaxFileBytes  int64
	MaxFiles      int
}

// ComponentNames for structured logging
const (
	ComponentCache       = "cache"
	ComponentMemory      = "memory_tier"
	ComponentDisk        = "disk_tier"
	ComponentTiered      = "tiered"
	ComponentWriteBehind = "write_behind"
	ComponentManager     = "manager"
	ComponentRecordStore = "record_store"
	ComponentConfig      = "config"
	ComponentMain        = "main"
)

// ActionNames for structured logging
const (
	ActionStart        = "start"
	ActionStop         = "stop"
	ActionRead         = "read"
	ActionWrite        = "write"
	ActionFlush        = "flush"
	ActionEvict        = "evict"
	ActionExpire       = "expire"
	ActionSpill        = "spill"
	ActionPromote      = "promote"
	ActionRestore      = "restore"
	ActionRebuild      = "rebuild"
	ActionPressure     = "pressure"
	ActionRetry        = "retry"
	ActionDrop         = "drop"
	ActionTimeout      = "timeout"
	ActionValidation   = "validation"
	ActionConfigChange = "config_change"
	ActionReload       = "reload"
	ActionCleanup      = "cleanup"
)
