// Package cli wires configuration, logging and the server into the devserver
// command-line application.
package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"example.com/devserver/internal/config"
	"example.com/devserver/internal/handlers/staticfile"
	"example.com/devserver/internal/logger"
	"example.com/devserver/internal/server"
	"example.com/devserver/internal/util"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// NewApp creates and configures the main CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:      "devserver",
		Usage:     "A simple HTTP server useful during development",
		UsageText: "devserver [options] [-- build command...]",
		Description: "Serves the files of a directory. When a build command is given after --,\n" +
			"it is run once at startup and again whenever the watched sources change.",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a configuration file (toml, json or yaml)",
				EnvVars: []string{"DEVSERVER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "ip",
				Value:   config.DefaultIP,
				Usage:   "IP address to bind",
				EnvVars: []string{"DEVSERVER_IP"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   config.DefaultPort,
				Usage:   "port number",
				EnvVars: []string{"DEVSERVER_PORT"},
			},
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Value:   config.DefaultRoot,
				Usage:   "directory to serve",
				EnvVars: []string{"DEVSERVER_DIR"},
			},
			&cli.StringFlag{
				Name:    "not-found",
				Usage:   "file, relative to the served directory, returned when a path does not exist",
				EnvVars: []string{"DEVSERVER_NOT_FOUND"},
			},
			&cli.StringFlag{
				Name:    "missing-index",
				Usage:   "directory without index file: \"error\" (500) or \"not_found\" (404)",
				EnvVars: []string{"DEVSERVER_MISSING_INDEX"},
			},
			&cli.StringSliceFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "paths watched for changes (default: current directory)",
				EnvVars: []string{"DEVSERVER_WATCH"},
			},
			&cli.StringSliceFlag{
				Name:    "exclude",
				Aliases: []string{"e"},
				Usage:   "paths ignored by the watcher",
				EnvVars: []string{"DEVSERVER_EXCLUDE"},
			},
			&cli.StringFlag{
				Name:    "debounce",
				Value:   config.DefaultDebounce,
				Usage:   "quiet period before a rebuild, e.g. 500ms",
				EnvVars: []string{"DEVSERVER_DEBOUNCE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "log level (debug, info, warn, error)",
				EnvVars: []string{"DEVSERVER_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   string(config.LogFormatConsole),
				Usage:   "log format (console, json)",
				EnvVars: []string{"DEVSERVER_LOG_FORMAT"},
			},
		},
		Action: run,
	}
}

// NewRegistry returns a handler registry with the built-in handlers.
func NewRegistry() *server.HandlerRegistry {
	reg := server.NewHandlerRegistry()
	// Registration into a fresh registry cannot collide.
	_ = reg.Register(config.DefaultHandler, func(cfg *config.ServeConfig, lg *logger.Logger) (server.Handler, error) {
		return staticfile.New(cfg, lg)
	})
	return reg
}

func run(c *cli.Context) error {
	cfg, err := LoadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to initialize logger: %v", err), 1)
	}
	defer func() {
		if err := lg.CloseLogFiles(); err != nil {
			fmt.Fprintf(c.App.ErrWriter, "error closing log files: %v\n", err)
		}
	}()

	srv, err := server.NewServer(cfg, lg, NewRegistry())
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to initialize server: %v", err), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		select {
		case <-srv.Ready():
			printBanner(c.App.Writer, srv.URL(), cfg)
		case <-ctx.Done():
		}
	}()

	if err := srv.Start(ctx); err != nil {
		return cli.Exit(startError(err), 1)
	}
	return nil
}

func startError(err error) string {
	switch {
	case util.IsAddrInUse(err):
		return fmt.Sprintf("cannot start server: %v (address already in use, pick another --port)", err)
	case server.IsBindError(err):
		return fmt.Sprintf("cannot start server: %v", err)
	default:
		return fmt.Sprintf("server stopped: %v", err)
	}
}

// LoadConfig builds the configuration from the optional config file, then
// applies every flag or environment variable that was explicitly set. Args
// after the flags form the build command.
func LoadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}
	if err := applyFlags(c, cfg); err != nil {
		return nil, err
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) error {
	if cfg.Server == nil {
		cfg.Server = &config.ServerConfig{}
	}
	if cfg.Serve == nil {
		cfg.Serve = &config.ServeConfig{}
	}
	if cfg.Watch == nil {
		cfg.Watch = &config.WatchConfig{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &config.LoggingConfig{}
	}

	if c.IsSet("ip") {
		ip := c.String("ip")
		cfg.Server.IP = &ip
	}
	if c.IsSet("port") {
		port := c.Int("port")
		cfg.Server.Port = &port
	}
	if c.IsSet("dir") {
		cfg.Serve.Root = c.String("dir")
	}
	if c.IsSet("not-found") {
		cfg.Serve.NotFound = c.String("not-found")
	}
	if c.IsSet("missing-index") {
		cfg.Serve.MissingIndex = config.MissingIndexPolicy(c.String("missing-index"))
	}
	if c.IsSet("watch") {
		cfg.Watch.Paths = c.StringSlice("watch")
	}
	if c.IsSet("exclude") {
		cfg.Watch.Exclude = append(cfg.Watch.Exclude, c.StringSlice("exclude")...)
	}
	if c.IsSet("debounce") {
		d := c.String("debounce")
		cfg.Watch.Debounce = &d
	}
	if args := c.Args().Slice(); len(args) > 0 {
		cfg.Watch.Command = args
	}

	// Without a config file the flag defaults apply to logging too.
	if c.IsSet("log-level") || cfg.Logging.LogLevel == "" {
		level, err := ParseLogLevel(c.String("log-level"))
		if err != nil {
			return err
		}
		cfg.Logging.LogLevel = level
	}
	if c.IsSet("log-format") || cfg.Logging.Format == "" {
		cfg.Logging.Format = config.LogFormat(strings.ToLower(c.String("log-format")))
	}
	return nil
}

// ParseLogLevel maps a case-insensitive level name onto config.LogLevel.
func ParseLogLevel(s string) (config.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return config.LogLevelDebug, nil
	case "info", "":
		return config.LogLevelInfo, nil
	case "warn", "warning":
		return config.LogLevelWarning, nil
	case "error":
		return config.LogLevelError, nil
	default:
		return "", fmt.Errorf("%w, got %q", config.ErrInvalidLogLevel, s)
	}
}

func printBanner(w io.Writer, url string, cfg *config.Config) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	faint := color.New(color.Faint)

	bold.Fprint(w, "Development server running at: ")
	green.Fprintln(w, url)
	faint.Fprintf(w, "  serving  %s\n", cfg.Serve.Root)
	if cfg.Serve.NotFound != "" {
		faint.Fprintf(w, "  fallback %s\n", cfg.Serve.NotFound)
	}
	if cfg.Watch.Enabled() {
		faint.Fprintf(w, "  rebuild  %s\n", strings.Join(cfg.Watch.Command, " "))
	}
}
