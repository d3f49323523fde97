package relocate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/command"
	"github.com/heyos/heyiso/internal/logging"
	"github.com/heyos/heyiso/internal/setup"
	"github.com/heyos/heyiso/internal/syncer"
)

// DefaultExclude lists workspace entries that are never mirrored. They stay
// untouched at the fast path so caches persist across runs.
var DefaultExclude = []string{"/" + build.CacheDirName, "/" + build.WorkDirName, "/" + build.OutDirName, ".git"}

// Relocator mirrors a workspace on slow storage to a fast path and continues
// the run in a child process there.
type Relocator struct {
	Detector Detector
	FastPath string
	Runner   command.Runner

	// Args are the original command line arguments without the program name.
	Args []string
	// LogFile is forwarded so both hops append to one build log.
	LogFile string

	// Getenv defaults to os.Getenv and Executable to os.Executable.
	Getenv     func(string) string
	Executable func() (string, error)
}

var _ build.Relocator = (*Relocator)(nil)

// Relocate returns nil when the run should continue in this process. A
// non-nil Handoff carries the exit status of the child that ran the build.
func (r *Relocator) Relocate(ctx context.Context, buildContext build.BuildContext) (*build.Handoff, error) {
	logger := buildContext.Log()
	ws := buildContext.Workspace

	if r.getenv(setup.EnvRelocated) != "" {
		logger.Debug("already relocated, building in place", logging.Path(ws.Root))
		return nil, nil
	}
	detector := r.Detector
	if len(detector.Prefixes) == 0 {
		detector.Prefixes = buildContext.Definition.Relocation.SlowPrefixes
	}
	slow, reason, err := detector.IsSlow(ws.Root)
	if err != nil {
		logger.Warn("could not inspect workspace storage, building in place", logging.Error(err))
		return nil, nil
	}
	if !slow {
		logger.Debug("workspace is on fast storage", logging.Path(ws.Root))
		return nil, nil
	}

	fast, err := filepath.Abs(r.fastPath())
	if err != nil {
		return nil, err
	}
	if within(fast, ws.Root) || within(ws.Root, fast) {
		return nil, fmt.Errorf("fast path %s overlaps workspace %s", fast, ws.Root)
	}
	logger.Info("workspace is on slow storage, relocating", "reason", reason, "target", fast)

	changes, err := syncer.Mirror(ws.Root, fast, syncer.Options{
		Mode:    syncMode(buildContext.Options.Staleness),
		Exclude: r.exclude(buildContext.Definition),
		Delete:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("mirror workspace to %s: %w", fast, err)
	}
	logger.Info("workspace mirrored", "target", fast, "changes", len(changes))

	exe, err := r.executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	args := append([]string{exe}, r.Args...)
	args = append(args, "--workspace", fast)
	env := []string{
		setup.EnvOrigin + "=" + ws.Root,
		setup.EnvRelocated + "=1",
	}
	if r.LogFile != "" {
		env = append(env, setup.EnvLogFile+"="+r.LogFile)
	}

	res, err := r.Runner.Run(ctx, command.Request{Args: args, Dir: fast, Env: env})
	if err != nil {
		return nil, &build.BuildError{Message: "relocated build could not be started", Err: err}
	}
	exitCode := res.ExitCode
	if exitCode < 0 {
		exitCode = 1
	}
	logger.Info("relocated build finished", "target", fast, "exit_code", exitCode)
	return &build.Handoff{Target: fast, ExitCode: exitCode}, nil
}

func (r *Relocator) fastPath() string {
	if r.FastPath != "" {
		return r.FastPath
	}
	return setup.FastPathDir
}

func (r *Relocator) exclude(def build.Definition) []string {
	if len(def.Relocation.Exclude) > 0 {
		return def.Relocation.Exclude
	}
	return DefaultExclude
}

func (r *Relocator) getenv(key string) string {
	if r.Getenv != nil {
		return r.Getenv(key)
	}
	return os.Getenv(key)
}

func (r *Relocator) executable() (string, error) {
	if r.Executable != nil {
		return r.Executable()
	}
	return os.Executable()
}

func syncMode(policy build.StalenessPolicy) syncer.Mode {
	if policy == build.PolicyMtime {
		return syncer.ModeMtime
	}
	return syncer.ModeChecksum
}

// within reports whether path equals root or lies below it.
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
