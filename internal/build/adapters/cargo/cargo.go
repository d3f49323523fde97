package cargo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/command"
)

// Toolchain builds Rust components with cargo in release mode.
type Toolchain struct {
	Runner command.Runner

	// Binary overrides the cargo executable. Defaults to "cargo".
	Binary string
}

var _ build.Toolchain = (*Toolchain)(nil)

// Build runs cargo in the unit's cache mirror with an isolated target and
// scratch directory.
func (t *Toolchain) Build(ctx context.Context, req build.ToolchainRequest) (command.Result, error) {
	if req.SourceDir == "" || req.TargetDir == "" || req.TempDir == "" {
		return command.Result{}, &build.BuildError{Message: fmt.Sprintf("%s: incomplete toolchain request", req.Unit.Name)}
	}
	jobs := req.Jobs
	if jobs < 1 {
		jobs = 1
	}

	result, err := t.Runner.Run(ctx, command.Request{
		Args: []string{t.binary(), "build", "--release", "--jobs", strconv.Itoa(jobs)},
		Dir:  req.SourceDir,
		Env: []string{
			"CARGO_TARGET_DIR=" + req.TargetDir,
			"TMPDIR=" + req.TempDir,
		},
	})
	if err != nil {
		return result, &build.BuildError{Message: fmt.Sprintf("%s: cargo could not be started", req.Unit.Name), Err: err}
	}
	return result, nil
}

func (t *Toolchain) binary() string {
	if t.Binary != "" {
		return t.Binary
	}
	return "cargo"
}
