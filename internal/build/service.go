package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heyos/heyiso/internal/logging"
	"github.com/heyos/heyiso/internal/metrics"
)

// Stage names as they appear in logs, errors and the run report.
const (
	StagePreflight = "preflight"
	StageRelocate  = "relocate"
	StageClean     = "clean"
	StageDeps      = "deps"
	StageBuild     = "build"
	StageDeploy    = "deploy"
	StagePkgCache  = "pkgcache"
	StageAssemble  = "assemble"
	StageBootCheck = "bootcheck"
	StageFinalize  = "finalize"
)

// BuildService runs the image pipeline. Stages run strictly in order and the
// first fatal failure stops the run.
type BuildService struct {
	Logger              *slog.Logger
	Preflight           Preflight
	Relocator           Relocator
	DependencyInstaller DependencyInstaller
	ComponentScheduler  ComponentScheduler
	BinaryDeployer      BinaryDeployer
	PackageCache        PackageCache
	ImageAssembler      ImageAssembler
	BootChecker         BootChecker
	ArtifactFinalizer   ArtifactFinalizer
	Metrics             metrics.Recorder
}

// RunResult is what a pipeline hop produced. A non-nil Handoff means the run
// was carried out by a relocated child process.
type RunResult struct {
	Report  Report
	Handoff *Handoff
}

type textfileWriter interface {
	WriteTextfile(path string) error
}

// Run executes the pipeline for buildContext.
func (s *BuildService) Run(ctx context.Context, buildContext BuildContext) (RunResult, error) {
	if err := s.validate(); err != nil {
		return RunResult{}, err
	}

	if buildContext.Logger == nil {
		buildContext.Logger = s.logger()
	}
	buildContext.Logger = buildContext.Logger.With(logging.RunID(buildContext.RunID))
	logger := buildContext.Logger

	result := RunResult{Report: Report{
		RunID:     buildContext.RunID,
		Workspace: buildContext.Workspace.Root,
		Origin:    buildContext.Workspace.Origin,
		StartedAt: time.Now().UTC(),
	}}

	logger.Info("starting image build",
		"workspace", buildContext.Workspace.Root,
		"origin", buildContext.Workspace.Origin,
		"staleness", string(buildContext.Options.Staleness),
		"force_clean", buildContext.Options.ForceClean,
	)

	err := s.run(ctx, buildContext, &result)
	result.Report.FinishedAt = time.Now().UTC()

	if result.Handoff != nil {
		logger.Info("relocated run finished", "target", result.Handoff.Target, "exit_code", result.Handoff.ExitCode)
		return result, err
	}

	s.persist(ctx, buildContext, result.Report)

	if err != nil {
		logger.Error("image build failed", logging.Stage(FailedStage(err)), logging.Error(err))
		return result, err
	}
	logging.OK(logger, "image build complete", "artifact", result.Report.Artifact)
	return result, nil
}

func (s *BuildService) run(ctx context.Context, buildContext BuildContext, result *RunResult) error {
	report := &result.Report

	if s.Preflight != nil {
		err := s.stage(ctx, buildContext, report, StagePreflight, func(ctx context.Context, _ BuildContext) error {
			if err := s.Preflight.Check(ctx); err != nil {
				return EnvironmentError(StagePreflight, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if s.Relocator != nil {
		err := s.stage(ctx, buildContext, report, StageRelocate, func(ctx context.Context, bc BuildContext) error {
			handoff, err := s.Relocator.Relocate(ctx, bc)
			if err != nil {
				return err
			}
			result.Handoff = handoff
			return nil
		})
		if err != nil || result.Handoff != nil {
			return err
		}
	}

	if buildContext.Options.ForceClean {
		if err := s.stage(ctx, buildContext, report, StageClean, forceClean); err != nil {
			return err
		}
	} else {
		s.skip(buildContext, report, StageClean, "force clean not requested")
	}

	err := s.stage(ctx, buildContext, report, StageDeps, func(ctx context.Context, bc BuildContext) error {
		res, err := s.DependencyInstaller.Ensure(ctx, bc, bc.Definition.HostPackages)
		if err != nil {
			return err
		}
		bc.Log().Info("host dependencies resolved", "outcome", string(res.Outcome), "missing", len(res.Missing))
		return nil
	})
	if err != nil {
		return err
	}

	var units []UnitResult
	err = s.stage(ctx, buildContext, report, StageBuild, func(ctx context.Context, bc BuildContext) error {
		selected, err := bc.SelectedUnits()
		if err != nil {
			return err
		}
		units, err = s.ComponentScheduler.Build(ctx, bc, selected)
		for _, unit := range units {
			s.metrics().IncUnitBuild(unit.Unit.Name, unit.Rebuilt)
			report.Units = append(report.Units, UnitSummary{Name: unit.Unit.Name, Rebuilt: unit.Rebuilt, Reason: unit.Reason})
		}
		return err
	})
	if err != nil {
		return err
	}

	err = s.stage(ctx, buildContext, report, StageDeploy, func(ctx context.Context, bc BuildContext) error {
		return s.BinaryDeployer.Deploy(ctx, bc, units)
	})
	if err != nil {
		return err
	}

	err = s.stage(ctx, buildContext, report, StagePkgCache, func(ctx context.Context, bc BuildContext) error {
		res, err := s.PackageCache.Sync(ctx, bc)
		if err != nil {
			return err
		}
		report.Packages = len(res.Packages)
		s.metrics().SetPackageCount(len(res.Packages))
		return nil
	})
	if err != nil {
		return err
	}

	var assembly AssemblyResult
	err = s.stage(ctx, buildContext, report, StageAssemble, func(ctx context.Context, bc BuildContext) error {
		var err error
		assembly, err = s.ImageAssembler.Assemble(ctx, bc)
		report.Assembly = assembly.State
		if err == nil {
			report.Artifact = assembly.ISOPath
		}
		return err
	})
	if err != nil {
		return err
	}

	if buildContext.Options.BootCheck && s.BootChecker != nil {
		err = s.stage(ctx, buildContext, report, StageBootCheck, func(ctx context.Context, bc BuildContext) error {
			return s.BootChecker.Check(ctx, bc, assembly.ISOPath)
		})
		if err != nil {
			return err
		}
	} else {
		s.skip(buildContext, report, StageBootCheck, "boot check not requested")
	}

	if buildContext.Workspace.Relocated() && s.ArtifactFinalizer != nil {
		return s.stage(ctx, buildContext, report, StageFinalize, func(ctx context.Context, bc BuildContext) error {
			res, err := s.ArtifactFinalizer.Finalize(ctx, bc, assembly.ISOPath)
			if res.Path != "" {
				report.Artifact = res.Path
			}
			return err
		})
	}
	s.skip(buildContext, report, StageFinalize, "workspace not relocated")
	return nil
}

type stageFunc func(ctx context.Context, buildContext BuildContext) error

// stage runs fn with a stage-scoped logger, logging entry and completion and
// classifying any failure.
func (s *BuildService) stage(ctx context.Context, buildContext BuildContext, report *Report, name string, fn stageFunc) error {
	logger := buildContext.Log().With(logging.Stage(name))
	buildContext.Logger = logger

	logger.Info("stage started")
	start := time.Now()
	err := fn(ctx, buildContext)
	elapsed := time.Since(start)

	s.metrics().ObserveStageDuration(name, elapsed)
	entry := StageReport{Name: name, Duration: elapsed.Round(time.Millisecond)}

	if err != nil {
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			stageErr = &StageError{Stage: name, Class: FatalStage, Err: err}
		}
		label := metrics.ResultFatal
		if errors.Is(err, context.Canceled) {
			label = metrics.ResultCanceled
		}
		s.metrics().IncStageResult(name, label)

		entry.Outcome = string(label)
		entry.Error = err.Error()
		report.Stages = append(report.Stages, entry)

		logger.Error("stage failed",
			"class", stageErr.Class.String(),
			slog.Duration(logging.KeyDuration, elapsed),
			logging.Error(err),
		)
		return stageErr
	}

	s.metrics().IncStageResult(name, metrics.ResultSuccess)
	entry.Outcome = string(metrics.ResultSuccess)
	report.Stages = append(report.Stages, entry)
	logging.OK(logger, "stage complete", slog.Duration(logging.KeyDuration, elapsed))
	return nil
}

func (s *BuildService) skip(buildContext BuildContext, report *Report, name, reason string) {
	buildContext.Log().Info("stage skipped", logging.Stage(name), "reason", reason)
	s.metrics().IncStageResult(name, metrics.ResultSkipped)
	report.Stages = append(report.Stages, StageReport{Name: name, Outcome: string(metrics.ResultSkipped)})
}

// forceClean wipes every cache the pipeline owns so the run starts from scratch.
func forceClean(_ context.Context, buildContext BuildContext) error {
	ws := buildContext.Workspace
	var errs []error
	for _, dir := range []string{ws.ComponentsCacheDir(), ws.PackageCacheDir(), ws.WorkDir()} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		buildContext.Log().Info("removed cache directory", logging.Path(dir))
	}
	return errors.Join(errs...)
}

// persist writes the run report and metrics. Failures are best-effort. A
// relocated run's report follows the artifact to the origin only once the
// artifact itself was delivered.
func (s *BuildService) persist(ctx context.Context, buildContext BuildContext, report Report) {
	logger := buildContext.Log()
	ws := buildContext.Workspace

	if err := writeReport(ws.ReportPath(), report); err != nil {
		logger.Warn("could not write run report", logging.Path(ws.ReportPath()), logging.Error(err))
	} else if ws.Relocated() && s.ArtifactFinalizer != nil && finalized(report) {
		delivered, err := s.ArtifactFinalizer.Deliver(ctx, buildContext, ws.ReportPath())
		if err != nil {
			logger.Warn("run report left in fast-path workspace", logging.Path(ws.ReportPath()), logging.Error(err))
		} else {
			logger.Debug("run report delivered", logging.Path(delivered))
		}
	}
	if writer, ok := s.Metrics.(textfileWriter); ok {
		if err := writer.WriteTextfile(ws.MetricsPath()); err != nil {
			logger.Warn("could not write metrics", logging.Path(ws.MetricsPath()), logging.Error(err))
		}
	}
}

func finalized(report Report) bool {
	for _, stage := range report.Stages {
		if stage.Name == StageFinalize {
			return stage.Outcome == string(metrics.ResultSuccess)
		}
	}
	return false
}

func writeReport(path string, report Report) error {
	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *BuildService) validate() error {
	switch {
	case s.DependencyInstaller == nil:
		return errors.New("dependency installer is not configured")
	case s.ComponentScheduler == nil:
		return errors.New("component scheduler is not configured")
	case s.BinaryDeployer == nil:
		return errors.New("binary deployer is not configured")
	case s.PackageCache == nil:
		return errors.New("package cache is not configured")
	case s.ImageAssembler == nil:
		return errors.New("image assembler is not configured")
	}
	return nil
}

func (s *BuildService) metrics() metrics.Recorder {
	if s.Metrics != nil {
		return s.Metrics
	}
	return metrics.NoopRecorder{}
}

func (s *BuildService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
