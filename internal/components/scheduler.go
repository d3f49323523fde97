package components

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/logging"
	"github.com/heyos/heyiso/internal/staleness"
)

// StalenessChecker decides whether a unit needs rebuilding.
type StalenessChecker interface {
	Check(ws build.Workspace, unit build.Unit, policy build.StalenessPolicy) (build.StalenessRecord, error)
}

// Scheduler builds stale units, concurrently when more than one is requested.
type Scheduler struct {
	Toolchain build.Toolchain
	Tracker   StalenessChecker

	// Budget is the total parallelism available. Zero means runtime.NumCPU.
	Budget int
}

var _ build.ComponentScheduler = (*Scheduler)(nil)

// JobsPerTask splits budget across units: a lone unit gets all of it, several
// units each get half, and never less than one.
func JobsPerTask(budget, units int) int {
	if budget < 1 {
		budget = 1
	}
	if units <= 1 {
		return budget
	}
	return max(1, budget/2)
}

// Build waits for every unit to finish before returning. All failures are
// reported, each prefixed with its unit name.
func (s *Scheduler) Build(ctx context.Context, buildContext build.BuildContext, units []build.Unit) ([]build.UnitResult, error) {
	if s.Toolchain == nil {
		return nil, errors.New("toolchain is not configured")
	}
	if len(units) == 0 {
		return nil, nil
	}

	jobs := JobsPerTask(s.budget(buildContext), len(units))
	mode := "sequential"
	if len(units) > 1 {
		mode = "parallel"
	}
	buildContext.Log().Info("scheduling component builds", "units", len(units), "mode", mode, "jobs_per_task", jobs)

	results := make([]build.UnitResult, len(units))
	errs := make([]error, len(units))

	var group errgroup.Group
	for i, unit := range units {
		group.Go(func() error {
			result, err := s.buildUnit(ctx, buildContext, unit, jobs)
			results[i] = result
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", unit.Name, err)
			}
			return errs[i]
		})
	}
	_ = group.Wait()

	return results, errors.Join(errs...)
}

func (s *Scheduler) buildUnit(ctx context.Context, buildContext build.BuildContext, unit build.Unit, jobs int) (build.UnitResult, error) {
	logger := buildContext.Log().With(logging.Unit(unit.Name))
	ws := buildContext.Workspace
	cache := ws.UnitCache(unit)
	result := build.UnitResult{Unit: unit, BinaryPath: cache.BinaryPath(unit)}

	record, err := s.tracker().Check(ws, unit, buildContext.Options.Staleness)
	if err != nil {
		return result, err
	}
	result.Reason = record.Reason

	if !record.Stale {
		logger.Info("reusing cached binary", logging.Path(result.BinaryPath))
		return result, nil
	}

	logger.Info("building component", "reason", record.Reason, "jobs", jobs)
	if err := prepareUnitDirs(cache, record.Changes); err != nil {
		return result, err
	}

	start := time.Now()
	res, err := s.Toolchain.Build(ctx, build.ToolchainRequest{
		Unit:      unit,
		SourceDir: cache.SourceDir,
		TargetDir: cache.TargetDir,
		TempDir:   cache.TempDir,
		Jobs:      jobs,
	})
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}
	if !res.Success() {
		return result, &build.BuildError{Message: fmt.Sprintf("toolchain failed: %s", res)}
	}

	info, err := os.Stat(result.BinaryPath)
	if err != nil || !info.Mode().IsRegular() {
		return result, &build.BuildError{Message: fmt.Sprintf("toolchain reported success but %s is missing", result.BinaryPath)}
	}
	if err := staleness.RecordPolicy(cache, buildContext.Options.Staleness); err != nil {
		return result, fmt.Errorf("record build policy: %w", err)
	}

	result.Rebuilt = true
	logging.OK(logger, "component built", slog.Duration(logging.KeyDuration, result.Duration))
	return result, nil
}

// prepareUnitDirs readies the unit's exclusive directories. Changed mirror
// files get a fresh mtime so the toolchain's own fingerprinting cannot miss
// a content change carrying an old timestamp.
func prepareUnitDirs(cache build.UnitCache, changed []string) error {
	if err := staleness.Invalidate(cache); err != nil {
		return err
	}
	if err := os.RemoveAll(cache.TempDir); err != nil {
		return err
	}
	for _, dir := range []string{cache.TargetDir, cache.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	now := time.Now()
	for _, rel := range changed {
		err := os.Chtimes(filepath.Join(cache.SourceDir, filepath.FromSlash(rel)), now, now)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *Scheduler) budget(buildContext build.BuildContext) int {
	if buildContext.Options.Jobs > 0 {
		return buildContext.Options.Jobs
	}
	if s.Budget > 0 {
		return s.Budget
	}
	return runtime.NumCPU()
}

func (s *Scheduler) tracker() StalenessChecker {
	if s.Tracker != nil {
		return s.Tracker
	}
	return staleness.Tracker{}
}
