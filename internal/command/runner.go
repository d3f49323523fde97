package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Request describes one external tool invocation.
type Request struct {
	Args []string
	Dir  string
	// Env entries are appended to the current process environment.
	Env []string
}

// Result reports how an invocation ended. A non-zero exit is not an error.
type Result struct {
	Args     []string
	ExitCode int
	Duration time.Duration
}

// Success reports whether the tool exited with status 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

func (r Result) String() string {
	return fmt.Sprintf("%s (exit %d)", strings.Join(r.Args, " "), r.ExitCode)
}

// Runner executes external tools.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// ExecRunner runs tools with os/exec, streaming their output to Stdout and Stderr.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

var _ Runner = (*ExecRunner)(nil)

// Run starts the tool and waits for it. The returned error is non-nil only when
// the process could not be started or waited on.
func (r *ExecRunner) Run(ctx context.Context, req Request) (Result, error) {
	result := Result{Args: append([]string(nil), req.Args...), ExitCode: -1}
	if len(req.Args) == 0 {
		return result, errors.New("no command provided")
	}

	cmd := exec.CommandContext(ctx, req.Args[0], req.Args[1:]...)
	cmd.Dir = req.Dir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Stdout = writerOr(r.Stdout, os.Stdout)
	cmd.Stderr = writerOr(r.Stderr, os.Stderr)

	start := time.Now()
	err := cmd.Run()
	result.Duration = time.Since(start)

	if err == nil {
		result.ExitCode = 0
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, nil
	}
	return result, fmt.Errorf("run %s: %w", req.Args[0], err)
}

func writerOr(w io.Writer, fallback io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}
