package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

var (
	// globalLogger is the global logger instance
	globalLogger *Logger

	// once ensures the global logger is only initialized once
	once sync.Once

	// closers holds log files opened by setupLogger so they can be closed on shutdown
	closers   []io.Closer
	closersMu sync.Mutex

	defaultConfig = Config{
		Level:      "info",
		Format:     FormatConsole,
		TimeFormat: time.RFC3339,
	}
)

// Logger wraps zerolog.Logger to provide our own interface
type Logger struct {
	zerolog.Logger
	level int
}

// GetLevel returns the current log level of the logger
func (l *Logger) GetLevel() zerolog.Level {
	if l == nil {
		return zerolog.NoLevel
	}
	level := zerolog.Level(l.level)
	if level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// LogFormat defines the available log formats
type LogFormat string

const (
	// FormatJSON is the JSON format
	FormatJSON LogFormat = "json"
	// FormatConsole is the console format
	FormatConsole LogFormat = "console"
)

// String returns the string representation of the log format
func (f LogFormat) String() string {
	return string(f)
}

// ParseLogFormat parses a string into a LogFormat
func ParseLogFormat(format string) LogFormat {
	switch strings.ToLower(format) {
	case "console":
		return FormatConsole
	case "json":
		return FormatJSON
	default:
		return FormatJSON
	}
}

// Config holds the configuration for the logger
type Config struct {
	// Level is the log level (debug, info, warn, error)
	Level string
	// Format is the log format (json, console)
	Format LogFormat
	// Output is the output writer (default: os.Stdout)
	Output io.Writer
	// TimeFormat is the time format (default: time.RFC3339)
	TimeFormat string
	// File, when set, receives a JSON copy of every log line (appended)
	File string
}

// Get returns the global logger instance
func Get() *Logger {
	once.Do(func() {
		if globalLogger == nil {
			setupLogger(defaultConfig)
		}
	})
	return globalLogger
}

// ResetForTesting resets the global logger and sync.Once variable for testing purposes
func ResetForTesting() {
	globalLogger = nil
	once = sync.Once{}
}

// Setup initializes the global logger with the given configuration.
// Subsequent calls are ignored.
func Setup(cfg Config) {
	once.Do(func() {
		setupLogger(cfg)
	})
}

// ForceSetup re-initializes the global logger, bypassing the once guard
func ForceSetup(cfg Config) {
	once.Do(func() {})
	setupLogger(cfg)
}

// Close closes any log files opened by the logger
func Close() error {
	closersMu.Lock()
	defer closersMu.Unlock()

	var firstErr error
	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	closers = nil
	return firstErr
}

func setupLogger(cfg Config) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			level = zerolog.InfoLevel
		}
	}

	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var writer io.Writer = output
	if cfg.Format == FormatConsole {
		writer = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: cfg.TimeFormat,
		}
	}

	var fileErr error
	if cfg.File != "" {
		f, err := openLogFile(cfg.File)
		if err != nil {
			fileErr = err
		} else {
			writer = zerolog.MultiLevelWriter(writer, f)
			closersMu.Lock()
			closers = append(closers, f)
			closersMu.Unlock()
		}
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(level)

	globalLogger = &Logger{
		Logger: logger,
		level:  int(level),
	}

	if fileErr != nil {
		globalLogger.Warn("Could not open log file, logging to output only", map[string]interface{}{
			"file":  cfg.File,
			"error": fileErr.Error(),
		})
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// New creates a standalone logger that writes JSON to w. Used by tests and by
// components that must not touch the global logger.
func New(w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.DebugLevel
	}
	return &Logger{
		Logger: zerolog.New(w).Level(lvl).With().Timestamp().Logger(),
		level:  int(lvl),
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop(), level: int(zerolog.Disabled)}
}

// ForProfile returns a child logger scoped to one profile
func (l *Logger) ForProfile(profile string) *Logger {
	return l.WithFields(map[string]interface{}{"profile": profile})
}

// loggerKey is the key used to store the logger in the context
type loggerKey struct{}

// NewContext creates a new context carrying the logger.
// If logger is nil, the original context is returned unchanged.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger from the context, or the global logger
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
			return l
		}
	}
	return Get()
}

// WithFields adds the given fields to the logger and returns a new logger instance
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	if l == nil {
		return Get()
	}
	if len(fields) == 0 {
		return l
	}

	ctx := l.Logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}

	return &Logger{
		Logger: ctx.Logger(),
		level:  l.level,
	}
}

// With creates a child logger with the given fields
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return l.WithFields(fields)
}

func (l *Logger) event(e *zerolog.Event, msg string, fields []map[string]interface{}) {
	if len(fields) > 0 && len(fields[0]) > 0 {
		e = e.Fields(fields[0])
	}
	e.Msg(msg)
}

// Info logs a message at Info level with optional fields
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	l.event(l.Logger.Info(), msg, fields)
}

// Warn logs a message at Warn level with optional fields
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	l.event(l.Logger.Warn(), msg, fields)
}

// Debug logs a message at Debug level with optional fields
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	l.event(l.Logger.Debug(), msg, fields)
}

// Error logs a message at Error level with optional fields
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	l.event(l.Logger.Error(), msg, fields)
}
