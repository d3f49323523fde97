package command

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"testing"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunnerReportsExitCode(t *testing.T) {
	t.Parallel()
	requireShell(t)

	runner := &ExecRunner{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	result, err := runner.Run(context.Background(), Request{Args: []string{"sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 3 || result.Success() {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecRunnerPassesDirAndEnv(t *testing.T) {
	t.Parallel()
	requireShell(t)

	dir := t.TempDir()
	var stdout bytes.Buffer
	runner := &ExecRunner{Stdout: &stdout, Stderr: &bytes.Buffer{}}

	result, err := runner.Run(context.Background(), Request{
		Args: []string{"sh", "-c", `printf '%s:%s' "$(pwd)" "$HEYISO_TEST_VALUE"`},
		Dir:  dir,
		Env:  []string{"HEYISO_TEST_VALUE=marker"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Success() {
		t.Fatalf("expected success, got %+v", result)
	}
	if !strings.HasSuffix(stdout.String(), ":marker") || !strings.Contains(stdout.String(), dir) {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestExecRunnerStartFailure(t *testing.T) {
	t.Parallel()

	runner := &ExecRunner{}
	if _, err := runner.Run(context.Background(), Request{Args: []string{"/nonexistent/heyiso-tool"}}); err == nil {
		t.Fatalf("expected start failure")
	}
	if _, err := runner.Run(context.Background(), Request{}); err == nil {
		t.Fatalf("expected error for empty request")
	}
}
