package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/devserver/internal/config"
)

// LogFields carries structured key/value pairs for a log line.
type LogFields map[string]interface{}

// AccessEntry describes one served connection.
type AccessEntry struct {
	RemoteAddr string
	Method     string
	Path       string
	Status     int
	Bytes      int64
	Duration   time.Duration
}

// AccessLogger handles access logging.
type AccessLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	output io.WriteCloser
}

// ErrorLogger handles the operator log: startup, per-request traces and failures.
type ErrorLogger struct {
	logger zerolog.Logger
	output io.WriteCloser
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog *AccessLogger
	errorLog  *ErrorLogger
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{}

	errorTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != "" {
		errorTarget = cfg.ErrorLog.Target
	}
	errorOutput, err := openTarget(errorTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}
	l.errorLog = &ErrorLogger{
		logger: newZerolog(errorOutput, cfg.Format).Level(zerologLevel(cfg.LogLevel)),
		output: errorOutput,
	}

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		target := cfg.AccessLog.Target
		if target == "" {
			target = "stdout"
		}
		accessOutput, err := openTarget(target)
		if err != nil {
			closeIfFile(errorOutput)
			return nil, fmt.Errorf("failed to open access log: %w", err)
		}
		l.accessLog = &AccessLogger{
			logger: newZerolog(accessOutput, cfg.Format),
			output: accessOutput,
		}
	}

	return l, nil
}

// NewTestLogger returns a Logger writing JSON at debug level for both streams to out.
func NewTestLogger(out io.Writer) *Logger {
	if out == nil {
		out = io.Discard
	}
	wc := nopWriteCloser{out}
	return &Logger{
		errorLog: &ErrorLogger{
			logger: zerolog.New(wc).With().Timestamp().Logger().Level(zerolog.DebugLevel),
			output: wc,
		},
		accessLog: &AccessLogger{
			logger: zerolog.New(wc).With().Timestamp().Logger(),
			output: wc,
		},
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func openTarget(target string) (io.WriteCloser, error) {
	switch target {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	file, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
	}
	return file, nil
}

func newZerolog(out io.Writer, format config.LogFormat) zerolog.Logger {
	if format == config.LogFormatConsole {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogAccess writes an access log entry.
func (al *AccessLogger) LogAccess(entry AccessEntry) {
	if al == nil {
		return
	}
	al.logger.Log().
		Str("remote_addr", entry.RemoteAddr).
		Str("method", entry.Method).
		Str("path", entry.Path).
		Int("status", entry.Status).
		Int64("resp_bytes", entry.Bytes).
		Int64("duration_ms", entry.Duration.Milliseconds()).
		Send()
}

// LogError writes an operator log line at the given level.
func (el *ErrorLogger) LogError(level config.LogLevel, msg string, fields ...LogFields) {
	if el == nil {
		return
	}
	var ev *zerolog.Event
	switch level {
	case config.LogLevelDebug:
		ev = el.logger.Debug()
	case config.LogLevelWarning:
		ev = el.logger.Warn()
	case config.LogLevelError:
		ev = el.logger.Error()
	default:
		ev = el.logger.Info()
	}
	if ev == nil {
		return // below the configured level
	}
	for _, f := range fields {
		for k, v := range f {
			if err, ok := v.(error); ok {
				ev = ev.AnErr(k, err)
				continue
			}
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	l.errorLog.LogError(config.LogLevelInfo, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	l.errorLog.LogError(config.LogLevelError, msg, fields...)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.errorLog.LogError(config.LogLevelDebug, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.errorLog.LogError(config.LogLevelWarning, msg, fields...)
}

// Access records one served connection.
func (l *Logger) Access(entry AccessEntry) {
	l.accessLog.LogAccess(entry)
}

// CloseLogFiles closes any open log files.
func (l *Logger) CloseLogFiles() error {
	var firstErr error
	if l.accessLog != nil {
		l.accessLog.mu.Lock()
		if err := closeIfFile(l.accessLog.output); err != nil {
			firstErr = err
		}
		l.accessLog.mu.Unlock()
	}
	if l.errorLog != nil {
		if err := closeIfFile(l.errorLog.output); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func closeIfFile(w io.WriteCloser) error {
	f, ok := w.(*os.File)
	if !ok || f == os.Stdout || f == os.Stderr {
		return nil
	}
	return f.Close()
}
