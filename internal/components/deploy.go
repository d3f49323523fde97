package components

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/fsutil"
	"github.com/heyos/heyiso/internal/logging"
)

// BinaryDir is where deployed binaries live inside the overlay.
const BinaryDir = "usr/local/bin"

// Deployer copies built binaries into the profile overlay.
type Deployer struct{}

var _ build.BinaryDeployer = Deployer{}

// Deploy installs every built unit's binary, then the cached binary of every
// other declared unit, and then applies the definition's permission fixups.
// Fixups are best-effort.
func (Deployer) Deploy(_ context.Context, buildContext build.BuildContext, results []build.UnitResult) error {
	logger := buildContext.Log()
	ws := buildContext.Workspace
	overlay := ws.OverlayDir()
	binDir := filepath.Join(overlay, BinaryDir)

	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("create overlay bin directory: %w", err)
	}
	deployed := make(map[string]bool, len(results))
	for _, result := range results {
		dst := filepath.Join(binDir, result.Unit.Binary)
		if err := fsutil.CopyFile(result.BinaryPath, dst, fsutil.CopyOptions{Perm: 0o755}); err != nil {
			return fmt.Errorf("deploy %s: %w", result.Unit.Name, err)
		}
		deployed[result.Unit.Name] = true
		logger.Info("deployed binary", logging.Unit(result.Unit.Name), logging.Path(dst))
	}

	// Units left out of a restricted run keep their last build. A relocated
	// workspace mirrors the overlay from the origin, which never holds them.
	for _, unit := range buildContext.Definition.Components {
		if deployed[unit.Name] {
			continue
		}
		cached := ws.UnitCache(unit).BinaryPath(unit)
		if _, err := os.Stat(cached); err != nil {
			logger.Warn("component not built yet, image will not include it", logging.Unit(unit.Name), logging.Path(cached))
			continue
		}
		dst := filepath.Join(binDir, unit.Binary)
		if err := fsutil.CopyFile(cached, dst, fsutil.CopyOptions{Perm: 0o755}); err != nil {
			return fmt.Errorf("deploy cached %s: %w", unit.Name, err)
		}
		logger.Info("deployed cached binary", logging.Unit(unit.Name), logging.Path(dst))
	}

	for _, perm := range buildContext.Definition.Permissions {
		mode, err := perm.FileMode()
		if err != nil {
			logger.Warn("permission fixup skipped", logging.Path(perm.Path), logging.Error(err))
			continue
		}
		target := filepath.Join(overlay, filepath.FromSlash(perm.Path))
		switch err := os.Chmod(target, mode); {
		case errors.Is(err, fs.ErrNotExist):
			logger.Info("permission fixup skipped, path not present", logging.Path(perm.Path))
		case err != nil:
			logger.Warn("permission fixup failed", logging.Path(perm.Path), logging.Error(err))
		default:
			logger.Debug("permission fixup applied", logging.Path(perm.Path), "mode", perm.Mode)
		}
	}
	return nil
}
