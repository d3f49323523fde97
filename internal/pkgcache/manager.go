package pkgcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/fsutil"
	"github.com/heyos/heyiso/internal/logging"
)

// PackageFilePatterns match downloaded packages and their signatures.
var PackageFilePatterns = []string{"*.pkg.tar.*"}

// NetworkStatus reports whether downloads can be attempted at all.
type NetworkStatus interface {
	HasDefaultRoute() (bool, error)
}

// Manager keeps the offline installer's package set cached and deployed.
type Manager struct {
	Packages build.PackageManager
	// Network is optional. Without it downloads are always attempted.
	Network NetworkStatus
}

var _ build.PackageCache = (*Manager)(nil)

// Sync refreshes the cache when the package list stamp changed and then
// copies the cached packages into the overlay.
func (m *Manager) Sync(ctx context.Context, buildContext build.BuildContext) (build.PackageCacheResult, error) {
	logger := buildContext.Log()
	ws := buildContext.Workspace
	def := buildContext.Definition

	script, err := os.ReadFile(ws.Path(def.Installer.Script))
	if err != nil {
		return build.PackageCacheResult{}, fmt.Errorf("read installer script: %w", err)
	}
	declared, err := ParseInstallerPackages(script, def.Installer.Variable)
	if err != nil {
		return build.PackageCacheResult{}, err
	}

	result := build.PackageCacheResult{Packages: Resolve(declared, def.Installer.RequiredPackages)}
	result.Stamp = Stamp(result.Packages)

	cacheDir := ws.PackageCacheDir()
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return result, fmt.Errorf("create package cache: %w", err)
	}

	stored, err := readStamp(ws.PackageStampPath())
	if err != nil {
		return result, err
	}

	switch {
	case stored == result.Stamp && !buildContext.Options.ForceClean:
		result.Complete = true
		logger.Info("package list unchanged, reusing cache", "packages", len(result.Packages), "stamp", short(result.Stamp))
	case !m.online(buildContext):
		logger.Warn("no default network route, using existing package cache as-is", "packages", len(result.Packages))
	default:
		logger.Info("package list changed, refreshing cache",
			"packages", len(result.Packages),
			"stored", short(stored),
			"current", short(result.Stamp),
		)
		if err := invalidate(cacheDir, ws.PackageStampPath()); err != nil {
			return result, err
		}
		failed, err := m.download(ctx, buildContext, cacheDir, result.Packages)
		if err != nil {
			return result, err
		}
		// Unavailable packages are not retried until the list changes or a
		// clean build is requested.
		result.Downloaded = true
		result.Complete = true
		result.Failed = failed
		if err := writeStamp(ws.PackageStampPath(), result.Stamp); err != nil {
			return result, err
		}
		if len(failed) > 0 {
			logger.Warn("some packages are missing from the offline cache", "failed", strings.Join(failed, " "))
		}
	}

	offline := ws.Path(def.Installer.OfflineDir)
	copied, pruned, err := fsutil.SyncMatching(cacheDir, offline, PackageFilePatterns)
	if err != nil {
		return result, fmt.Errorf("copy packages into overlay: %w", err)
	}
	result.Copied = copied
	result.Pruned = pruned
	logger.Info("offline packages deployed", logging.Path(offline), "copied", copied, "pruned", pruned)
	return result, nil
}

// download fetches the whole list in one batch and falls back to one package
// at a time. Only a package manager that cannot be started is fatal.
func (m *Manager) download(ctx context.Context, buildContext build.BuildContext, cacheDir string, packages []string) ([]string, error) {
	logger := buildContext.Log()

	res, err := m.Packages.Download(ctx, cacheDir, packages)
	if err != nil {
		return nil, err
	}
	if res.Success() {
		return nil, nil
	}

	logger.Warn("batch package download failed, retrying per package", "exit_code", res.ExitCode)
	var failed []string
	for _, pkg := range packages {
		res, err := m.Packages.Download(ctx, cacheDir, []string{pkg})
		if err != nil {
			return nil, err
		}
		if !res.Success() {
			logger.Warn("package download failed", "package", pkg, "exit_code", res.ExitCode)
			failed = append(failed, pkg)
		}
	}
	return failed, nil
}

func (m *Manager) online(buildContext build.BuildContext) bool {
	if m.Network == nil {
		return true
	}
	ok, err := m.Network.HasDefaultRoute()
	if err != nil {
		buildContext.Log().Warn("could not inspect routing table, attempting download", logging.Error(err))
		return true
	}
	return ok
}

// invalidate drops every cached package and the stamp. The cache is trusted
// as a whole or not at all.
func invalidate(cacheDir, stampPath string) error {
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		for _, pattern := range PackageFilePatterns {
			if ok, _ := filepath.Match(pattern, entry.Name()); ok {
				if err := os.Remove(filepath.Join(cacheDir, entry.Name())); err != nil {
					return err
				}
				break
			}
		}
	}
	if err := os.Remove(stampPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func readStamp(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read package stamp: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func writeStamp(path, stamp string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(stamp+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func short(stamp string) string {
	if len(stamp) > 12 {
		return stamp[:12]
	}
	return stamp
}
