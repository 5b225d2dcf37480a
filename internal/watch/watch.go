// Package watch reruns a build command whenever files under the watched
// directories change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"example.com/devserver/internal/logger"
)

// DefaultDebounce is used when Config.Debounce is not positive.
const DefaultDebounce = 500 * time.Millisecond

// ErrNoCommand is returned by New when no build command is configured.
var ErrNoCommand = errors.New("watch: build command is required")

// Config describes what to run and what to watch.
type Config struct {
	// Command is the program and its arguments.
	Command []string
	// Dir is the working directory of the command. Relative Paths and
	// Exclude entries are resolved against it. Empty means the current
	// directory.
	Dir      string
	Paths    []string
	Exclude  []string
	Debounce time.Duration
}

// Supervisor owns the file watcher and the running build.
type Supervisor struct {
	cfg     Config
	log     *logger.Logger
	runner  CommandRunner
	paths   []string
	exclude []string
}

// New validates cfg and prepares a Supervisor. A nil runner uses ExecRunner.
func New(cfg Config, lg *logger.Logger, runner CommandRunner) (*Supervisor, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, ErrNoCommand
	}
	if lg == nil {
		return nil, fmt.Errorf("watch: logger cannot be nil")
	}
	if runner == nil {
		runner = NewExecRunner()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	base := cfg.Dir
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("watch: cannot determine working directory: %w", err)
		}
		base = wd
	}

	paths := cfg.Paths
	if len(paths) == 0 {
		paths = []string{"."}
	}
	s := &Supervisor{cfg: cfg, log: lg, runner: runner}
	for _, p := range paths {
		s.paths = append(s.paths, canonical(base, p))
	}
	for _, p := range cfg.Exclude {
		s.exclude = append(s.exclude, canonical(base, p))
	}
	return s, nil
}

// Run builds once, then rebuilds after each debounced batch of changes until
// ctx is cancelled. A change that arrives while a build is running cancels
// that build. Run returns nil on cancellation, after the build has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	defer w.Close()

	for _, p := range s.paths {
		if err := s.addTree(w, p); err != nil {
			return err
		}
	}
	s.log.Info("Watching for changes", logger.LogFields{"paths": s.paths, "exclude": s.exclude})

	b := &builder{sup: s}
	defer b.stop()
	b.start(ctx)

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		changed string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if s.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.addTree(w, ev.Name); err != nil {
						s.log.Warn("Cannot watch new directory", logger.LogFields{"path": ev.Name, "error": err})
					}
				}
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			changed = ev.Name
			if timer == nil {
				timer = time.NewTimer(s.cfg.Debounce)
			} else {
				timer.Reset(s.cfg.Debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			s.log.Info("Change detected, rebuilding", logger.LogFields{"path": changed})
			b.start(ctx)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Error("File watcher error", logger.LogFields{"error": err})
		}
	}
}

// builder runs at most one build at a time.
type builder struct {
	sup    *Supervisor
	cancel context.CancelFunc
	done   chan struct{}
}

// start cancels any running build, waits for it, and starts a new one.
func (b *builder) start(ctx context.Context) {
	b.stop()
	bctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.cancel, b.done = cancel, done
	go func() {
		defer close(done)
		b.sup.build(bctx)
	}()
}

func (b *builder) stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.cancel, b.done = nil, nil
}

func (s *Supervisor) build(ctx context.Context) {
	command := strings.Join(s.cfg.Command, " ")
	s.log.Info("Running build command", logger.LogFields{"command": command})
	start := time.Now()

	err := s.runner.Run(ctx, s.cfg.Dir, s.cfg.Command[0], s.cfg.Command[1:]...)
	fields := logger.LogFields{"command": command, "duration_ms": time.Since(start).Milliseconds()}
	switch {
	case ctx.Err() != nil:
		s.log.Debug("Build cancelled", fields)
	case err != nil:
		fields["error"] = err
		fields["exit_code"] = exitCode(err)
		s.log.Error("Build command failed", fields)
	default:
		s.log.Info("Build finished", fields)
	}
}

// addTree watches root and every directory below it that is not ignored.
func (s *Supervisor) addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("watch: %w", err)
			}
			s.log.Warn("Skipping unreadable path", logger.LogFields{"path": path, "error": err})
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if s.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch: add %s: %w", path, err)
		}
		return nil
	})
}

// ignored reports whether path is excluded or lies in a hidden directory
// below one of the watched roots.
func (s *Supervisor) ignored(path string) bool {
	abs := canonical("", path)
	for _, ex := range s.exclude {
		if within(ex, abs) {
			return true
		}
	}
	for _, root := range s.paths {
		if within(root, abs) {
			rel, _ := filepath.Rel(root, abs)
			return hidden(rel)
		}
	}
	return false
}

func hidden(rel string) bool {
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if len(part) > 1 && part[0] == '.' && part != ".." {
			return true
		}
	}
	return false
}

// canonical makes p absolute (relative to base) and resolves symlinks in
// its longest existing prefix, so watched and excluded paths compare equal.
func canonical(base, p string) string {
	if !filepath.IsAbs(p) && base != "" {
		p = filepath.Join(base, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	dir, name := filepath.Split(abs)
	dir = filepath.Clean(dir)
	if dir == abs {
		return abs
	}
	return filepath.Join(canonical("", dir), name)
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
