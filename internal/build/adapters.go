package build

import (
	"context"

	"github.com/heyos/heyiso/internal/command"
)

// Preflight verifies the host can run the pipeline at all.
type Preflight interface {
	Check(ctx context.Context) error
}

// Relocator moves the pipeline off slow storage. A non-nil Handoff means the
// pipeline already ran to completion in a relocated child process.
type Relocator interface {
	Relocate(ctx context.Context, buildContext BuildContext) (*Handoff, error)
}

// DependencyInstaller ensures the host packages the pipeline needs are present.
type DependencyInstaller interface {
	Ensure(ctx context.Context, buildContext BuildContext, packages []string) (InstallResult, error)
}

// ComponentScheduler builds the requested units, rebuilding only stale ones.
type ComponentScheduler interface {
	Build(ctx context.Context, buildContext BuildContext, units []Unit) ([]UnitResult, error)
}

// BinaryDeployer places built binaries into the profile overlay.
type BinaryDeployer interface {
	Deploy(ctx context.Context, buildContext BuildContext, results []UnitResult) error
}

// PackageCache keeps the offline installer's packages cached and deployed.
type PackageCache interface {
	Sync(ctx context.Context, buildContext BuildContext) (PackageCacheResult, error)
}

// ImageAssembler drives the image assembly tool over its work directory.
type ImageAssembler interface {
	Assemble(ctx context.Context, buildContext BuildContext) (AssemblyResult, error)
}

// BootChecker boots a produced image to prove it starts.
type BootChecker interface {
	Check(ctx context.Context, buildContext BuildContext, isoPath string) error
}

// ArtifactFinalizer returns the produced artifact to the origin workspace.
type ArtifactFinalizer interface {
	Finalize(ctx context.Context, buildContext BuildContext, isoPath string) (FinalizeResult, error)
	// Deliver moves a file that belongs with the artifact, such as the run
	// report, into the origin output directory and returns its new path.
	Deliver(ctx context.Context, buildContext BuildContext, path string) (string, error)
}

// PackageManager is the host package manager boundary. Its output is never
// parsed; callers rely on exit status and files on disk.
type PackageManager interface {
	IsInstalled(ctx context.Context, pkg string) (bool, error)
	Install(ctx context.Context, pkgs []string) (command.Result, error)
	Download(ctx context.Context, cacheDir string, pkgs []string) (command.Result, error)
}

// ToolchainRequest describes one release build of a unit.
type ToolchainRequest struct {
	Unit      Unit
	SourceDir string
	TargetDir string
	TempDir   string
	Jobs      int
}

// Toolchain compiles a unit's sources.
type Toolchain interface {
	Build(ctx context.Context, req ToolchainRequest) (command.Result, error)
}

// AssemblyRequest names the directories handed to the assembly tool.
type AssemblyRequest struct {
	ProfileDir string
	WorkDir    string
	OutDir     string
}

// AssemblyTool invokes the image assembly tool.
type AssemblyTool interface {
	Assemble(ctx context.Context, req AssemblyRequest) (command.Result, error)
}

// DefinitionRepository loads the pipeline definition for a workspace.
type DefinitionRepository interface {
	Load(workspace Workspace) (Definition, error)
}
