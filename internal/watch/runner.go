package watch

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"
)

// CommandRunner executes the rebuild command.
// Implementations must return once ctx is cancelled.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

// ExecRunner runs the command as a child process, streaming its output.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	// KillDelay bounds how long a cancelled build may keep its output pipes
	// open after being killed.
	KillDelay time.Duration
}

// NewExecRunner creates a runner that forwards output to the process's own
// stdout and stderr.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr, KillDelay: 2 * time.Second}
}

// Run executes name with args in dir and waits for it to exit.
func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	cmd.WaitDelay = r.KillDelay
	return cmd.Run()
}

// exitCode returns the process exit code carried by err, or -1.
func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
