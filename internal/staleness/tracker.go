package staleness

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/syncer"
)

// buildOutputDirs never take part in the cache mirror.
var buildOutputDirs = []string{"target"}

// Tracker decides whether a unit's cached binary reflects its sources.
type Tracker struct{}

// Check mirrors the unit's sources into its build cache and returns the
// staleness verdict under policy.
func (Tracker) Check(ws build.Workspace, unit build.Unit, policy build.StalenessPolicy) (build.StalenessRecord, error) {
	return evaluate(ws, unit, policy, false)
}

// Inspect returns the verdict Check would give without touching the cache.
func (Tracker) Inspect(ws build.Workspace, unit build.Unit, policy build.StalenessPolicy) (build.StalenessRecord, error) {
	return evaluate(ws, unit, policy, true)
}

func evaluate(ws build.Workspace, unit build.Unit, policy build.StalenessPolicy, dryRun bool) (build.StalenessRecord, error) {
	record := build.StalenessRecord{Unit: unit.Name, Policy: policy}
	cache := ws.UnitCache(unit)
	source := ws.Path(unit.Source)

	mode := syncer.ModeChecksum
	if policy == build.PolicyMtime {
		mode = syncer.ModeMtime
	}
	changes, err := syncer.Mirror(source, cache.SourceDir, syncer.Options{
		Mode:    mode,
		Exclude: buildOutputDirs,
		Delete:  true,
		DryRun:  dryRun,
	})
	if err != nil {
		return record, fmt.Errorf("mirror %s sources: %w", unit.Name, err)
	}

	binary, err := os.Stat(cache.BinaryPath(unit))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stale(record, "no cached binary"), nil
		}
		return record, err
	}

	recorded, err := RecordedPolicy(cache)
	if err != nil {
		return record, err
	}
	if recorded == "" {
		return stale(record, "no recorded build policy"), nil
	}
	if recorded != policy {
		return stale(record, fmt.Sprintf("binary was built under %s policy", recorded)), nil
	}

	switch policy {
	case build.PolicyMtime:
		newer, err := newestAfter(source, binary.ModTime().UnixNano())
		if err != nil {
			return record, err
		}
		if newer != "" {
			return stale(record, fmt.Sprintf("%s is newer than the binary", newer)), nil
		}
	default:
		significant := syncer.Significant(changes)
		if len(significant) > 0 {
			record.Changes = make([]string, 0, len(significant))
			for _, change := range significant {
				record.Changes = append(record.Changes, change.Path)
			}
			return stale(record, fmt.Sprintf("%d source changes", len(significant))), nil
		}
	}

	record.Reason = "up to date"
	return record, nil
}

func stale(record build.StalenessRecord, reason string) build.StalenessRecord {
	record.Stale = true
	record.Reason = reason
	return record
}

// newestAfter returns the first source file modified after cutoff.
func newestAfter(root string, cutoff int64) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			for _, skip := range buildOutputDirs {
				if entry.Name() == skip && path != root {
					return filepath.SkipDir
				}
			}
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.ModTime().UnixNano() > cutoff {
			found, _ = filepath.Rel(root, path)
			return fs.SkipAll
		}
		return nil
	})
	return found, err
}

// RecordedPolicy reads the policy the cached binary was produced under. An
// empty policy means none was recorded.
func RecordedPolicy(cache build.UnitCache) (build.StalenessPolicy, error) {
	data, err := os.ReadFile(cache.Policy)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read build policy: %w", err)
	}
	return build.StalenessPolicy(strings.TrimSpace(string(data))), nil
}

// RecordPolicy stores the policy next to a freshly built binary.
func RecordPolicy(cache build.UnitCache, policy build.StalenessPolicy) error {
	if err := os.MkdirAll(cache.Root, 0o755); err != nil {
		return err
	}
	return os.WriteFile(cache.Policy, []byte(string(policy)+"\n"), 0o644)
}

// Invalidate forgets the recorded policy so the unit stays stale until a
// build completes and is verified.
func Invalidate(cache build.UnitCache) error {
	if err := os.Remove(cache.Policy); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
