package telemetry

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/daalu-io/daalu/pkg/engine"
)

// Logger wraps zerolog.Logger with run, component and phase scoping.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
}

var logLevels = map[string]zerolog.Level{
	"trace": zerolog.TraceLevel,
	"debug": zerolog.DebugLevel,
	"info":  zerolog.InfoLevel,
	"warn":  zerolog.WarnLevel,
	"error": zerolog.ErrorLevel,
	"fatal": zerolog.FatalLevel,
}

// NewLogger creates a new logger with the given configuration.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		// Anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		writer = file
	}

	return NewLoggerTo(writer, cfg), nil
}

// NewLoggerTo creates a logger writing to w.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) *Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	zlog := zerolog.New(w).With().Timestamp().Logger().Level(ParseLevel(cfg.Level))
	if cfg.EnableCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog, config: cfg}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// ParseLevel converts a level name to a zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	if l, ok := logLevels[level]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// Zerolog returns the underlying zerolog.Logger for libraries that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) with(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog, config: l.config}
}

// NewComponentLogger creates a child logger for a subsystem such as "pipeline" or "store".
func (l *Logger) NewComponentLogger(subsystem string) *Logger {
	return l.with(l.zlog.With().Str("subsystem", subsystem).Logger())
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(l.zlog.With().Interface(key, value).Logger())
}

// WithRunID adds a run_id field to the logger.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(l.zlog.With().Str("run_id", runID).Logger())
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(componentID string) *Logger {
	return l.with(l.zlog.With().Str("component", componentID).Logger())
}

// WithPhase adds a phase field to the logger.
func (l *Logger) WithPhase(phase engine.Phase) *Logger {
	return l.with(l.zlog.With().Str("phase", string(phase)).Logger())
}

// WithError adds error information to the logger. Engine errors also
// contribute their class and code.
func (l *Logger) WithError(err error) *Logger {
	ctx := l.zlog.With().Err(err)
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		ctx = ctx.Str("error_class", string(engine.Classify(err)))
		if ee.Code != "" {
			ctx = ctx.Str("error_code", ee.Code)
		}
	}
	return l.with(ctx.Logger())
}

// Debug logs a debug-level message.
func (l *Logger) Debug(msg string) {
	l.zlog.Debug().Msg(msg)
}

// Debugf logs a formatted debug-level message.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zlog.Debug().Msgf(format, args...)
}

// Info logs an info-level message.
func (l *Logger) Info(msg string) {
	l.zlog.Info().Msg(msg)
}

// Infof logs a formatted info-level message.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msgf(format, args...)
}

// Warn logs a warning-level message.
func (l *Logger) Warn(msg string) {
	l.zlog.Warn().Msg(msg)
}

// Warnf logs a formatted warning-level message.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zlog.Warn().Msgf(format, args...)
}

// Error logs an error-level message.
func (l *Logger) Error(msg string) {
	l.zlog.Error().Msg(msg)
}

// Errorf logs a formatted error-level message.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msgf(format, args...)
}
