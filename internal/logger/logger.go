// Package logger wraps zerolog behind the same Logger/Config/WithComponent
// surface the rest of the gateway's packages call into, so structured,
// leveled logging is backed by a real logging library rather than
// hand-rolled fmt.Fprintf formatting.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's levels under the names this codebase uses
// elsewhere (DEBUG/INFO/WARN/ERROR).
type Level = zerolog.Level

const (
	DEBUG = zerolog.DebugLevel
	INFO  = zerolog.InfoLevel
	WARN  = zerolog.WarnLevel
	ERROR = zerolog.ErrorLevel
)

// ParseLevel parses a string into a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return INFO
	}
	return lvl
}

// Config holds logger configuration.
type Config struct {
	Level     string `yaml:"level"` // debug, info, warn, error
	Component string
	Output    io.Writer
}

// Logger is a structured logger scoped to a component.
type Logger struct {
	z zerolog.Logger
}

var (
	defaultLogger = New(&Config{Level: "info", Component: "gateway"})
	defaultMu     sync.RWMutex
)

// New creates a new Logger from cfg.
func New(cfg *Config) *Logger {
	component := cfg.Component
	if component == "" {
		component = "gateway"
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	z := zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()

	return &Logger{z: z}
}

// SetLevel sets the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	l.z = l.z.Level(level)
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	return l.z.GetLevel()
}

// WithComponent returns a new logger with a different component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{z: l.z.With().Str("component", component).Logger()}
}

// WithRequestID returns a new logger annotated with a request ID.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{z: l.z.With().Str("requestId", requestID).Logger()}
}

// WithFields returns a new logger with the given key/value pairs attached
// to every subsequent entry, used for the structured userId/sessionId/
// operation context the error handling design requires on unrecoverable
// faults.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	ctx := l.z.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{z: ctx.Logger()}
}

func (l *Logger) Debug(format string, args ...any) { l.z.Debug().Msgf(format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.z.Info().Msgf(format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.z.Warn().Msgf(format, args...) }
func (l *Logger) Error(format string, args ...any) { l.z.Error().Msgf(format, args...) }

// SetDefaultLogger sets the package-level default logger.
func SetDefaultLogger(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// GetDefaultLogger returns the package-level default logger.
func GetDefaultLogger() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

func Debug(format string, args ...any) { GetDefaultLogger().Debug(format, args...) }
func Info(format string, args ...any)  { GetDefaultLogger().Info(format, args...) }
func Warn(format string, args ...any)  { GetDefaultLogger().Warn(format, args...) }
func Error(format string, args ...any) { GetDefaultLogger().Error(format, args...) }
