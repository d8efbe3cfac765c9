// Package hooks runs the optional shell commands attached to a setup before
// and after its backup. A failing pre-backup hook aborts the run; a failing
// post-backup hook is reported but does not change the outcome.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/octylFractal/backup-secretary/internal/status"
)

// DefaultTimeout bounds a single hook invocation.
const DefaultTimeout = 5 * time.Minute

// ErrHookFailed is returned when a hook exits non-zero or is killed.
var ErrHookFailed = errors.New("hooks: command failed")

// Phase tells which side of the backup a hook runs on.
type Phase string

const (
	PhasePre  Phase = "pre-backup"
	PhasePost Phase = "post-backup"
)

// Result is the outcome of one hook.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Runner executes hooks through the platform shell.
type Runner struct {
	Timeout time.Duration
}

// NewRunner returns a Runner. A zero timeout means DefaultTimeout.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{Timeout: timeout}
}

// Run executes command for phase. An empty command is a successful no-op.
// The combined output is reported to the reporter carried by ctx: INFO on
// success, ERROR for a failing pre-backup hook and WARN for a failing
// post-backup hook. The Result is populated even when err is non-nil.
func (r *Runner) Run(ctx context.Context, phase Phase, command string) (*Result, error) {
	if strings.TrimSpace(command) == "" {
		return &Result{}, nil
	}
	reporter := status.FromContext(ctx)

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := shellCommand(runCtx, command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	// children holding the output pipe open must not outlive the timeout
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Output:   strings.TrimSpace(buf.String()),
		Duration: time.Since(start),
	}

	if err == nil {
		reporter.Info(fmt.Sprintf("%s hook finished in %s", phase, res.Duration.Round(time.Millisecond)))
		if res.Output != "" {
			reporter.Info(fmt.Sprintf("%s hook output: %s", phase, res.Output))
		}
		return res, nil
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := runCtx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %s: %w", ErrHookFailed, phase, ctxErr)
	} else {
		err = fmt.Errorf("%w: %s: exit code %d", ErrHookFailed, phase, res.ExitCode)
	}

	level := status.LevelError
	if phase == PhasePost {
		level = status.LevelWarn
	}
	msg := fmt.Sprintf("%s hook failed", phase)
	if res.Output != "" {
		msg += ": " + res.Output
	}
	reporter.Report(level, msg, err)
	return res, err
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}
