package simple

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/heyos/heyiso/internal/artifacts"
	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/build/adapters/archiso"
	"github.com/heyos/heyiso/internal/build/adapters/cargo"
	"github.com/heyos/heyiso/internal/build/adapters/libvirt"
	"github.com/heyos/heyiso/internal/build/adapters/pacman"
	definitions "github.com/heyos/heyiso/internal/build/repositories"
	"github.com/heyos/heyiso/internal/command"
	"github.com/heyos/heyiso/internal/components"
	"github.com/heyos/heyiso/internal/hostdeps"
	"github.com/heyos/heyiso/internal/image"
	"github.com/heyos/heyiso/internal/logging"
	"github.com/heyos/heyiso/internal/metrics"
	"github.com/heyos/heyiso/internal/pkgcache"
	"github.com/heyos/heyiso/internal/relocate"
	"github.com/heyos/heyiso/internal/setup"
	"github.com/heyos/heyiso/internal/staleness"
)

// Dependencies are the host-facing seams of a build. Zero values select the
// real implementations.
type Dependencies struct {
	Runner      command.Runner
	Preflight   build.Preflight
	Network     pkgcache.NetworkStatus
	BootChecker build.BootChecker
	Definitions build.DefinitionRepository

	// Relay starts the relocated child. The child appends to the build log
	// itself, so its output only goes to the console.
	Relay command.Runner

	Statfs     func(path string, buf *unix.Statfs_t) error
	Getenv     func(string) string
	Executable func() (string, error)

	// Console mirrors the build log. Defaults to os.Stderr.
	Console io.Writer
}

func (d Dependencies) withDefaults(settings Settings, console, toolOutput io.Writer) Dependencies {
	if d.Runner == nil {
		d.Runner = &command.ExecRunner{Stdout: toolOutput, Stderr: toolOutput}
	}
	if d.Relay == nil {
		d.Relay = &command.ExecRunner{Stdout: console, Stderr: console}
	}
	if d.Preflight == nil {
		d.Preflight = setup.NewEnvironment()
	}
	if d.Network == nil {
		d.Network = setup.RouteTable{}
	}
	if d.BootChecker == nil {
		d.BootChecker = &libvirt.BootChecker{ConnectionURI: settings.ConnectURI}
	}
	if d.Definitions == nil {
		d.Definitions = definitions.DefinitionRepository{}
	}
	return d
}

// Build runs one pipeline hop. args are the command line arguments without
// the program name and are replayed by a relocated child.
func Build(ctx context.Context, settings Settings, args []string, deps Dependencies) (build.RunResult, error) {
	if err := settings.Validate(); err != nil {
		return build.RunResult{}, err
	}
	ws, err := settings.BuildWorkspace()
	if err != nil {
		return build.RunResult{}, err
	}

	console := deps.Console
	if console == nil {
		console = os.Stderr
	}
	level, _ := ParseLogLevel(settings.LogLevel)
	logPath := settings.BuildLogPath(ws)
	buildLog, err := logging.OpenBuildLog(logPath, console)
	if err != nil {
		return build.RunResult{}, err
	}
	defer buildLog.Close()
	deps = deps.withDefaults(settings, console, buildLog)
	format, _ := ParseLogFormat(settings.LogFormat)
	logger := logging.New(format, buildLog, level).With(logging.Component("config.simple"))

	def, err := deps.Definitions.Load(ws)
	if err != nil {
		return build.RunResult{}, build.EnvironmentError(build.StagePreflight, err)
	}
	only, err := selectUnits(def, settings.Selectors())
	if err != nil {
		return build.RunResult{}, err
	}

	registry := prom.NewRegistry()
	service := newBuildService(logger, settings, args, logPath, deps, registry)

	bc := build.BuildContext{
		RunID:      uuid.NewString(),
		Workspace:  ws,
		Definition: def,
		Options: build.Options{
			ForceClean: settings.Clean,
			Staleness:  settings.Policy(),
			BootCheck:  settings.BootCheck,
			Only:       only,
			Jobs:       settings.Jobs,
		},
		Logger: logger.With(logging.Component("build")),
	}
	return service.Run(ctx, bc)
}

func newBuildService(logger *slog.Logger, settings Settings, args []string, logPath string, deps Dependencies, registry *prom.Registry) *build.BuildService {
	packages := &pacman.PackageManager{Runner: deps.Runner}
	return &build.BuildService{
		Logger:    logger.With("service", "build"),
		Preflight: deps.Preflight,
		Relocator: &relocate.Relocator{
			Detector:   relocate.Detector{Statfs: deps.Statfs},
			FastPath:   settings.FastPath,
			Runner:     deps.Relay,
			Args:       args,
			LogFile:    logPath,
			Getenv:     deps.Getenv,
			Executable: deps.Executable,
		},
		DependencyInstaller: &hostdeps.Installer{Packages: packages},
		ComponentScheduler: &components.Scheduler{
			Toolchain: &cargo.Toolchain{Runner: deps.Runner},
			Tracker:   staleness.Tracker{},
		},
		BinaryDeployer:    components.Deployer{},
		PackageCache:      &pkgcache.Manager{Packages: packages, Network: deps.Network},
		ImageAssembler:    &image.Coordinator{Tool: &archiso.Assembler{Runner: deps.Runner}},
		BootChecker:       deps.BootChecker,
		ArtifactFinalizer: &artifacts.Finalizer{},
		Metrics:           metrics.NewPrometheusRecorder(registry),
	}
}

// selectUnits maps selector flags to the names of the units declaring them.
func selectUnits(def build.Definition, selectors []string) ([]string, error) {
	var names []string
	for _, selector := range selectors {
		found := false
		for _, unit := range def.Components {
			if unit.Flag == selector {
				names = append(names, unit.Name)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("no component is selected by --%s", selector)
		}
	}
	return names, nil
}

// List reports the freshness of every declared component without building.
func List(settings Settings, repo build.DefinitionRepository) ([]components.Status, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if repo == nil {
		repo = definitions.DefinitionRepository{}
	}
	ws, err := settings.BuildWorkspace()
	if err != nil {
		return nil, err
	}
	def, err := repo.Load(ws)
	if err != nil {
		return nil, err
	}
	return components.Statuses(ws, def.Components, settings.Policy())
}
