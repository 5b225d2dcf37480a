package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Sentinel errors for configuration validation.
var (
	ErrInvalidIP           = errors.New("server.ip is not a valid IP address")
	ErrInvalidPort         = errors.New("server.port must be between 0 and 65535")
	ErrNegativeConnections = errors.New("server.max_connections cannot be negative")
	ErrRootRequired        = errors.New("serve.root is required")
	ErrNotFoundAbsolute    = errors.New("serve.not_found must be relative to serve.root")
	ErrNotFoundEscapesRoot = errors.New("serve.not_found must stay inside serve.root when confine_to_root is set")
	ErrInvalidMissingIndex = errors.New("serve.missing_index must be \"error\" or \"not_found\"")
	ErrInvalidLogLevel     = errors.New("logging.log_level must be DEBUG, INFO, WARNING or ERROR")
	ErrInvalidLogFormat    = errors.New("logging.format must be json or console")
	ErrRelativeLogTarget   = errors.New("log file targets must be absolute paths")
)

// LoadConfig reads, decodes, defaults and validates the configuration file at path.
// The format is chosen by extension (.toml, .json, .yaml, .yml); unknown extensions
// are tried as JSON and then TOML. Relative paths inside the file are resolved
// against the file's directory.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg, err := decode(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve configuration file path %s: %w", path, err)
	}
	resolveRelativePaths(cfg, filepath.Dir(absPath))

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func decode(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("toml: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	case ".json":
		if err := decodeJSON(data, cfg); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	default:
		if errJSON := decodeJSON(data, cfg); errJSON != nil {
			cfg = &Config{}
			if _, errTOML := toml.Decode(string(data), cfg); errTOML != nil {
				return nil, fmt.Errorf("could not parse as JSON (%v) or TOML (%v)", errJSON, errTOML)
			}
		}
	}
	return cfg, nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func resolveRelativePaths(cfg *Config, baseDir string) {
	if cfg.Serve != nil && cfg.Serve.Root != "" && !filepath.IsAbs(cfg.Serve.Root) {
		cfg.Serve.Root = filepath.Join(baseDir, cfg.Serve.Root)
	}
	if cfg.Watch == nil {
		return
	}
	if cfg.Watch.Dir != "" && !filepath.IsAbs(cfg.Watch.Dir) {
		cfg.Watch.Dir = filepath.Join(baseDir, cfg.Watch.Dir)
	}
	for i, p := range cfg.Watch.Paths {
		if !filepath.IsAbs(p) {
			cfg.Watch.Paths[i] = filepath.Join(baseDir, p)
		}
	}
	for i, p := range cfg.Watch.Exclude {
		if !filepath.IsAbs(p) {
			cfg.Watch.Exclude[i] = filepath.Join(baseDir, p)
		}
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.IP == nil {
		cfg.Server.IP = strPtr(DefaultIP)
	}
	if cfg.Server.Port == nil {
		cfg.Server.Port = intPtr(DefaultPort)
	}
	if cfg.Server.MaxConnections == nil {
		cfg.Server.MaxConnections = intPtr(0)
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		cfg.Server.GracefulShutdownTimeout = strPtr(DefaultShutdownGrace)
	}

	if cfg.Serve == nil {
		cfg.Serve = &ServeConfig{}
	}
	if cfg.Serve.Root == "" {
		cfg.Serve.Root = DefaultRoot
	}
	if cfg.Serve.Handler == "" {
		cfg.Serve.Handler = DefaultHandler
	}
	if cfg.Serve.MissingIndex == "" {
		cfg.Serve.MissingIndex = MissingIndexError
	}
	if cfg.Serve.ConfineToRoot == nil {
		cfg.Serve.ConfineToRoot = boolPtr(true)
	}
	if cfg.Serve.MaxHeaderBytes == nil {
		cfg.Serve.MaxHeaderBytes = intPtr(DefaultMaxHeaderBytes)
	}

	if cfg.Watch == nil {
		cfg.Watch = &WatchConfig{}
	}
	if cfg.Watch.Debounce == nil {
		cfg.Watch.Debounce = strPtr(DefaultDebounce)
	}
	if len(cfg.Watch.Paths) == 0 {
		cfg.Watch.Paths = []string{"."}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogFormatJSON
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == "" {
		cfg.Logging.ErrorLog.Target = "stderr"
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		cfg.Logging.AccessLog.Enabled = boolPtr(true)
	}
	if cfg.Logging.AccessLog.Target == "" {
		cfg.Logging.AccessLog.Target = "stdout"
	}
}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration cannot be nil")
	}
	if cfg.Server != nil {
		if cfg.Server.IP != nil && net.ParseIP(*cfg.Server.IP) == nil {
			return fmt.Errorf("%w: %q", ErrInvalidIP, *cfg.Server.IP)
		}
		if cfg.Server.Port != nil && (*cfg.Server.Port < 0 || *cfg.Server.Port > 65535) {
			return fmt.Errorf("%w: %d", ErrInvalidPort, *cfg.Server.Port)
		}
		if cfg.Server.MaxConnections != nil && *cfg.Server.MaxConnections < 0 {
			return ErrNegativeConnections
		}
		if err := validateDuration("server.graceful_shutdown_timeout", cfg.Server.GracefulShutdownTimeout); err != nil {
			return err
		}
	}

	if cfg.Serve == nil || cfg.Serve.Root == "" {
		return ErrRootRequired
	}
	if filepath.IsAbs(cfg.Serve.NotFound) {
		return fmt.Errorf("%w: %q", ErrNotFoundAbsolute, cfg.Serve.NotFound)
	}
	if cfg.Serve.NotFound != "" && cfg.Serve.Confined() && !filepath.IsLocal(cfg.Serve.NotFound) {
		return fmt.Errorf("%w: %q", ErrNotFoundEscapesRoot, cfg.Serve.NotFound)
	}
	switch cfg.Serve.MissingIndex {
	case "", MissingIndexError, MissingIndexNotFound:
	default:
		return fmt.Errorf("%w, got %q", ErrInvalidMissingIndex, cfg.Serve.MissingIndex)
	}
	if err := validateDuration("serve.header_timeout", cfg.Serve.HeaderTimeout); err != nil {
		return err
	}
	for ext, ct := range cfg.Serve.MimeTypes {
		if ext == "" || strings.HasPrefix(ext, ".") || ct == "" {
			return fmt.Errorf("serve.mime_types entry %q=%q: extension must be non-empty without a leading dot and type must be set", ext, ct)
		}
	}

	if cfg.Watch != nil {
		if err := validateDuration("watch.debounce", cfg.Watch.Debounce); err != nil {
			return err
		}
	}

	if cfg.Logging != nil {
		switch cfg.Logging.LogLevel {
		case "", LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fmt.Errorf("%w, got %q", ErrInvalidLogLevel, cfg.Logging.LogLevel)
		}
		switch cfg.Logging.Format {
		case "", LogFormatJSON, LogFormatConsole:
		default:
			return fmt.Errorf("%w, got %q", ErrInvalidLogFormat, cfg.Logging.Format)
		}
		if cfg.Logging.ErrorLog != nil && IsFilePath(cfg.Logging.ErrorLog.Target) && !filepath.IsAbs(cfg.Logging.ErrorLog.Target) {
			return fmt.Errorf("%w: error_log.target %q", ErrRelativeLogTarget, cfg.Logging.ErrorLog.Target)
		}
		if cfg.Logging.AccessLog != nil && IsFilePath(cfg.Logging.AccessLog.Target) && !filepath.IsAbs(cfg.Logging.AccessLog.Target) {
			return fmt.Errorf("%w: access_log.target %q", ErrRelativeLogTarget, cfg.Logging.AccessLog.Target)
		}
	}
	return nil
}

func validateDuration(field string, value *string) error {
	if value == nil {
		return nil
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, *value, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: duration cannot be negative, got %q", field, *value)
	}
	return nil
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
