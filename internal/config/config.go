package config

import (
	"time"
)

// MissingIndexPolicy decides what a directory request without an index file
// resolves to.
type MissingIndexPolicy string

const (
	// MissingIndexError fails the request, which the connection handler turns into a 500.
	MissingIndexError MissingIndexPolicy = "error"
	// MissingIndexNotFound treats the directory like a missing file (404 or fallback).
	MissingIndexNotFound MissingIndexPolicy = "not_found"
)

// LogLevel defines the minimum severity for the operator log.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// LogFormat selects the encoding of log lines.
type LogFormat string

const (
	LogFormatJSON    LogFormat = "json"
	LogFormatConsole LogFormat = "console"
)

const (
	DefaultIP             = "127.0.0.1"
	DefaultPort           = 8000
	DefaultRoot           = "dist"
	DefaultHandler        = "static"
	DefaultMaxHeaderBytes = 64 * 1024
	DefaultDebounce       = "500ms"
	DefaultShutdownGrace  = "5s"
)

// Config is the top-level configuration structure for the development server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty" yaml:"server,omitempty"`
	Serve   *ServeConfig   `json:"serve,omitempty" toml:"serve,omitempty" yaml:"serve,omitempty"`
	Watch   *WatchConfig   `json:"watch,omitempty" toml:"watch,omitempty" yaml:"watch,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty" yaml:"logging,omitempty"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	IP             *string `json:"ip,omitempty" toml:"ip,omitempty" yaml:"ip,omitempty"`
	Port           *int    `json:"port,omitempty" toml:"port,omitempty" yaml:"port,omitempty"`
	MaxConnections *int    `json:"max_connections,omitempty" toml:"max_connections,omitempty" yaml:"max_connections,omitempty"` // 0 = unlimited
	// GracefulShutdownTimeout bounds how long Start waits for in-flight
	// connections once the accept loop has stopped, e.g. "5s".
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty" yaml:"graceful_shutdown_timeout,omitempty"`
}

// ServeConfig describes what is served and how paths are resolved.
type ServeConfig struct {
	Root     string `json:"root" toml:"root" yaml:"root"`
	NotFound string `json:"not_found,omitempty" toml:"not_found,omitempty" yaml:"not_found,omitempty"` // relative to Root
	Handler  string `json:"handler,omitempty" toml:"handler,omitempty" yaml:"handler,omitempty"`

	MissingIndex   MissingIndexPolicy `json:"missing_index,omitempty" toml:"missing_index,omitempty" yaml:"missing_index,omitempty"`
	ConfineToRoot  *bool              `json:"confine_to_root,omitempty" toml:"confine_to_root,omitempty" yaml:"confine_to_root,omitempty"`
	MaxHeaderBytes *int               `json:"max_header_bytes,omitempty" toml:"max_header_bytes,omitempty" yaml:"max_header_bytes,omitempty"` // <0 disables the cap
	HeaderTimeout  *string            `json:"header_timeout,omitempty" toml:"header_timeout,omitempty" yaml:"header_timeout,omitempty"`       // unset = wait forever

	// MimeTypes adds extension -> content type entries, e.g. {"svg": "image/svg+xml"}.
	MimeTypes map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty" yaml:"mime_types,omitempty"`
}

// WatchConfig configures the rebuild supervisor. It is only active when
// Command is non-empty.
type WatchConfig struct {
	Command  []string `json:"command,omitempty" toml:"command,omitempty" yaml:"command,omitempty"`
	Dir      string   `json:"dir,omitempty" toml:"dir,omitempty" yaml:"dir,omitempty"`
	Paths    []string `json:"paths,omitempty" toml:"paths,omitempty" yaml:"paths,omitempty"`
	Exclude  []string `json:"exclude,omitempty" toml:"exclude,omitempty" yaml:"exclude,omitempty"`
	Debounce *string  `json:"debounce,omitempty" toml:"debounce,omitempty" yaml:"debounce,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty" yaml:"log_level,omitempty"`
	Format    LogFormat        `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty" yaml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty" yaml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Target  string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
}

// ErrorLogConfig configures the operator log.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
}

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "" && target != "stdout" && target != "stderr"
}

// Enabled reports whether a rebuild command has been configured.
func (w *WatchConfig) Enabled() bool {
	return w != nil && len(w.Command) > 0
}

// DebounceDuration returns the parsed debounce window. Config must have been validated.
func (w *WatchConfig) DebounceDuration() time.Duration {
	if w == nil || w.Debounce == nil {
		d, _ := time.ParseDuration(DefaultDebounce)
		return d
	}
	d, _ := time.ParseDuration(*w.Debounce)
	return d
}

// HeaderTimeoutDuration returns the header read deadline, or zero when none is set.
func (s *ServeConfig) HeaderTimeoutDuration() time.Duration {
	if s == nil || s.HeaderTimeout == nil {
		return 0
	}
	d, _ := time.ParseDuration(*s.HeaderTimeout)
	return d
}

// HeaderLimit returns the header size cap; a negative result means unlimited.
func (s *ServeConfig) HeaderLimit() int {
	if s == nil || s.MaxHeaderBytes == nil || *s.MaxHeaderBytes == 0 {
		return DefaultMaxHeaderBytes
	}
	return *s.MaxHeaderBytes
}

// Confined reports whether requests are kept inside the served root.
func (s *ServeConfig) Confined() bool {
	return s == nil || s.ConfineToRoot == nil || *s.ConfineToRoot
}

// ShutdownGrace returns the graceful shutdown timeout.
func (s *ServerConfig) ShutdownGrace() time.Duration {
	v := DefaultShutdownGrace
	if s != nil && s.GracefulShutdownTimeout != nil {
		v = *s.GracefulShutdownTimeout
	}
	d, _ := time.ParseDuration(v)
	return d
}
