package archiso

import (
	"context"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/command"
)

// Assembler invokes mkarchiso.
type Assembler struct {
	Runner command.Runner

	// Binary overrides the mkarchiso executable. Defaults to "mkarchiso".
	Binary string
}

var _ build.AssemblyTool = (*Assembler)(nil)

// Assemble builds the profile into OutDir, reusing WorkDir's stage markers.
func (a *Assembler) Assemble(ctx context.Context, req build.AssemblyRequest) (command.Result, error) {
	binary := a.Binary
	if binary == "" {
		binary = "mkarchiso"
	}
	result, err := a.Runner.Run(ctx, command.Request{
		Args: []string{binary, "-v", "-w", req.WorkDir, "-o", req.OutDir, req.ProfileDir},
	})
	if err != nil {
		return result, &build.BuildError{Message: "mkarchiso could not be started", Err: err}
	}
	return result, nil
}
