// Package logging is a small asynchronous JSON logger. Every entry carries a
// component and an action so that one cache's story can be followed across tiers.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// LogLevel represents the severity of a log entry
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = [...]string{DEBUG: "DEBUG", INFO: "INFO", WARN: "WARN", ERROR: "ERROR", FATAL: "FATAL"}

func (l LogLevel) String() string {
	if l < DEBUG || l > FATAL {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// Fields are the structured key/values attached to an entry
type Fields = map[string]interface{}

type contextKey string

// CorrelationIDKey is the context key holding the correlation ID
const CorrelationIDKey contextKey = "correlation_id"

// LogEntry is one JSON line
type LogEntry struct {
	Timestamp     time.Time `json:"@timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Instance      string    `json:"instance,omitempty"`
	Component     string    `json:"component,omitempty"`
	Action        string    `json:"action,omitempty"`
	Duration      *int64    `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	Fields        Fields    `json:"fields,omitempty"`
	File          string    `json:"file,omitempty"`
	Line          int       `json:"line,omitempty"`
	Function      string    `json:"function,omitempty"`
}

// Logger serializes entries on a background goroutine
type Logger struct {
	level    atomic.Int32
	instance string

	mu      sync.RWMutex
	writers []io.Writer

	entries   chan LogEntry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Config for logger initialization
type Config struct {
	Level         LogLevel
	Instance      string
	EnableConsole bool
	EnableFile    bool
	LogFile       string
	MaxFileBytes  int64 // rotate the log file past this size; 0 = never
	MaxFiles      int   // rotated files kept next to LogFile
	BufferSize    int

	// Console receives console output; nil means stderr so that interactive
	// output on stdout stays readable
	Console io.Writer
}

// NewLogger creates a logger and starts its writer goroutine
func NewLogger(config Config) *Logger {
	l := &Logger{
		instance: config.Instance,
		entries:  make(chan LogEntry, config.BufferSize),
		done:     make(chan struct{}),
	}
	l.level.Store(int32(config.Level))

	if config.EnableConsole {
		console := config.Console
		if console == nil {
			console = os.Stderr
		}
		l.writers = append(l.writers, console)
	}
	if config.EnableFile && config.LogFile != "" {
		f, err := openRotatingFile(config.LogFile, config.MaxFileBytes, config.MaxFiles)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v\n", config.LogFile, err)
		} else {
			l.writers = append(l.writers, f)
		}
	}

	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.entries:
			l.write(entry)
		case <-l.done:
			for {
				select {
				case entry := <-l.entries:
					l.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(entry LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
		return
	}
	data = append(data, '\n')

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, w := range l.writers {
		_, _ = w.Write(data)
	}
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(CorrelationIDKey).(string)
	return id
}

// callerSkip leaves out emit, the Logger method and the package-level helper
const callerSkip = 3

func (l *Logger) emit(ctx context.Context, level LogLevel, component, action, message string, err error, duration time.Duration, fields []Fields) {
	if level < l.Level() {
		return
	}

	entry := LogEntry{
		Timestamp:     time.Now().UTC(),
		Level:         level.String(),
		Message:       message,
		CorrelationID: GetCorrelationID(ctx),
		Instance:      l.instance,
		Component:     component,
		Action:        action,
		File:          "unknown",
		Function:      "unknown",
	}
	if len(fields) > 0 {
		entry.Fields = fields[0]
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if duration > 0 {
		ms := duration.Milliseconds()
		entry.Duration = &ms
	}
	if pc, file, line, ok := runtime.Caller(callerSkip); ok {
		entry.File, entry.Line = file, line
		if fn := runtime.FuncForPC(pc); fn != nil {
			entry.Function = fn.Name()
		}
	}

	select {
	case l.entries <- entry:
	default:
		// buffer full: write on the caller's goroutine rather than drop
		l.write(entry)
	}
}

func (l *Logger) Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	l.emit(ctx, DEBUG, component, action, message, nil, 0, fields)
}

func (l *Logger) Info(ctx context.Context, component, action, message string, fields ...Fields) {
	l.emit(ctx, INFO, component, action, message, nil, 0, fields)
}

func (l *Logger) Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	l.emit(ctx, WARN, component, action, message, nil, 0, fields)
}

func (l *Logger) Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.emit(ctx, ERROR, component, action, message, err, 0, fields)
}

// Fatal logs at FATAL; exiting is left to the caller
func (l *Logger) Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.emit(ctx, FATAL, component, action, message, err, 0, fields)
}

// StartTimer returns a function that logs the elapsed time at INFO when called
func (l *Logger) StartTimer(ctx context.Context, component, action, message string) func() {
	start := time.Now()
	return func() {
		l.emit(ctx, INFO, component, action, message, nil, time.Since(start), nil)
	}
}

// Level returns the current minimum level
func (l *Logger) Level() LogLevel {
	return LogLevel(l.level.Load())
}

// SetLevel changes the minimum level at runtime
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// AddWriter adds an output
func (l *Logger) AddWriter(w io.Writer) {
	l.mu.Lock()
	l.writers = append(l.writers, w)
	l.mu.Unlock()
}

// Close flushes queued entries and closes file writers. It is safe to call twice.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()

		l.mu.Lock()
		defer l.mu.Unlock()
		for _, w := range l.writers {
			if f, ok := w.(*rotatingFile); ok {
				_ = f.Close()
			}
		}
	})
}

var global atomic.Pointer[Logger]

// SetGlobalLogger sets the logger used by the package-level helpers
func SetGlobalLogger(logger *Logger) {
	global.Store(logger)
}

// GetGlobalLogger returns the global logger, nil when none is set
func GetGlobalLogger() *Logger {
	return global.Load()
}

// Package-level helpers log through the global logger and do nothing without one.

func Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	if l := global.Load(); l != nil {
		l.Debug(ctx, component, action, message, fields...)
	}
}

func Info(ctx context.Context, component, action, message string, fields ...Fields) {
	if l := global.Load(); l != nil {
		l.Info(ctx, component, action, message, fields...)
	}
}

func Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	if l := global.Load(); l != nil {
		l.Warn(ctx, component, action, message, fields...)
	}
}

func Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if l := global.Load(); l != nil {
		l.Error(ctx, component, action, message, err, fields...)
	}
}

func Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if l := global.Load(); l != nil {
		l.Fatal(ctx, component, action, message, err, fields...)
	}
}

func StartTimer(ctx context.Context, component, action, message string) func() {
	if l := global.Load(); l != nil {
		return l.StartTimer(ctx, component, action, message)
	}
	return func() {}
}
