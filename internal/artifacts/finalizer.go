package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/fsutil"
	"github.com/heyos/heyiso/internal/logging"
)

// Finalizer moves the produced image from the fast-path workspace back to
// the origin workspace's output directory.
type Finalizer struct {
	// Rename defaults to os.Rename.
	Rename func(oldpath, newpath string) error
}

var _ build.ArtifactFinalizer = (*Finalizer)(nil)

// Finalize moves isoPath into <origin>/out. On failure the source is left in
// place so the artifact stays discoverable.
func (f *Finalizer) Finalize(_ context.Context, buildContext build.BuildContext, isoPath string) (build.FinalizeResult, error) {
	logger := buildContext.Log()
	result := build.FinalizeResult{Path: isoPath}

	dest, err := f.deliver(buildContext.Workspace, isoPath)
	if err != nil {
		logger.Error("artifact left in fast-path workspace", logging.Path(isoPath))
		return result, fmt.Errorf("move artifact: %w", err)
	}
	result.Path = dest
	result.Moved = true

	artifact, err := Describe(dest, ImageArtifact)
	if err != nil {
		logger.Warn("could not describe artifact", logging.Path(dest), logging.Error(err))
	} else {
		logger.Info("artifact described", "uri", artifact.URI, "size", artifact.Size, "blake3", artifact.Checksum)
	}
	logging.OK(logger, "artifact delivered", logging.Path(dest))
	return result, nil
}

// Deliver moves path into <origin>/out next to the artifact.
func (f *Finalizer) Deliver(_ context.Context, buildContext build.BuildContext, path string) (string, error) {
	return f.deliver(buildContext.Workspace, path)
}

func (f *Finalizer) deliver(ws build.Workspace, src string) (string, error) {
	destDir := ws.OriginOutDir()
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}
	dest := filepath.Join(destDir, filepath.Base(src))
	if err := f.move(src, dest); err != nil {
		return "", fmt.Errorf("move %s to %s: %w", filepath.Base(src), destDir, err)
	}
	return dest, nil
}

// move renames src to dst, falling back to copy, sync and rename when the two
// live on different filesystems.
func (f *Finalizer) move(src, dst string) error {
	rename := f.Rename
	if rename == nil {
		rename = os.Rename
	}
	err := rename(src, dst)
	if err == nil || !errors.Is(err, unix.EXDEV) {
		return err
	}

	if err := fsutil.CopyFile(src, dst, fsutil.CopyOptions{Sync: true}); err != nil {
		return err
	}
	return os.Remove(src)
}
