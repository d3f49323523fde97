package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/logging"
)

// Coordinator owns the image work directory and decides which assembly
// stages can be reused before invoking the assembly tool.
type Coordinator struct {
	Tool build.AssemblyTool
}

var _ build.ImageAssembler = (*Coordinator)(nil)

// Assemble brings the work directory into a consistent state, runs the
// assembly tool once and validates the single image it must produce.
func (c *Coordinator) Assemble(ctx context.Context, buildContext build.BuildContext) (build.AssemblyResult, error) {
	logger := buildContext.Log()
	ws := buildContext.Workspace

	list, err := os.ReadFile(ws.PackagesListPath())
	if err != nil {
		return build.AssemblyResult{}, fmt.Errorf("read package list: %w", err)
	}
	current := NormalizePackageList(list)

	result, err := c.prepare(ws, current, preserved(buildContext.Definition))
	if err != nil {
		return result, err
	}
	logger.Info("image work directory prepared",
		"state", result.State,
		"cleared_markers", len(result.ClearedMarkers),
	)

	if err := os.MkdirAll(ws.OutDir(), 0o755); err != nil {
		return result, err
	}
	if err := purgeImages(ws.OutDir()); err != nil {
		return result, fmt.Errorf("purge previous images: %w", err)
	}

	res, err := c.Tool.Assemble(ctx, build.AssemblyRequest{
		ProfileDir: ws.ProfileDir(),
		WorkDir:    ws.WorkDir(),
		OutDir:     ws.OutDir(),
	})
	if err != nil {
		return result, err
	}
	if !res.Success() {
		return result, &build.BuildError{Message: fmt.Sprintf("image assembly failed: %s", res)}
	}

	isoPath, err := singleImage(ws.OutDir())
	if err != nil {
		return result, err
	}
	label, err := ValidateImage(isoPath)
	if err != nil {
		return result, err
	}
	result.ISOPath = isoPath
	result.Label = label
	logging.OK(logger, "image assembled", logging.Path(isoPath), "label", label)
	return result, nil
}

// prepare implements the three work directory states.
func (c *Coordinator) prepare(ws build.Workspace, current []byte, keep []string) (build.AssemblyResult, error) {
	workDir := ws.WorkDir()
	stampPath := ws.PackagesStampPath()

	if _, err := os.Stat(workDir); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return build.AssemblyResult{}, err
		}
		return build.AssemblyResult{State: build.StateFresh}, writeStamp(stampPath, current)
	} else if err != nil {
		return build.AssemblyResult{}, err
	}

	stored, err := os.ReadFile(stampPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return build.AssemblyResult{}, fmt.Errorf("read packages stamp: %w", err)
	}

	if err == nil && bytes.Equal(stored, current) {
		cleared, err := clearMarkers(workDir, func(marker string) bool { return !IsPreserved(marker, keep) })
		return build.AssemblyResult{State: build.StateReusableList, ClearedMarkers: cleared}, err
	}

	cleared, err := clearMarkers(workDir, func(string) bool { return true })
	if err != nil {
		return build.AssemblyResult{State: build.StateStaleList, ClearedMarkers: cleared}, err
	}
	return build.AssemblyResult{State: build.StateStaleList, ClearedMarkers: cleared}, writeStamp(stampPath, current)
}

// ValidateImage opens path as an ISO9660 image and returns its volume label.
func ValidateImage(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &build.BuildError{Message: "produced image is unreadable", Err: err}
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return "", &build.BuildError{Message: fmt.Sprintf("%s is not an ISO9660 image", filepath.Base(path)), Err: err}
	}
	if _, err := img.RootDir(); err != nil {
		return "", &build.BuildError{Message: fmt.Sprintf("%s has no readable root directory", filepath.Base(path)), Err: err}
	}
	label, err := img.Label()
	if err != nil {
		return "", &build.BuildError{Message: fmt.Sprintf("%s has no readable volume label", filepath.Base(path)), Err: err}
	}
	return label, nil
}

func singleImage(outDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(outDir, "*.iso"))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", &build.BuildError{Message: "assembly tool reported success but produced no image"}
	default:
		return "", &build.BuildError{Message: fmt.Sprintf("expected exactly one image, found %d", len(matches))}
	}
}

func preserved(def build.Definition) []string {
	if len(def.PreserveMarkers) > 0 {
		return def.PreserveMarkers
	}
	return DefaultPreservedMarkers
}

func writeStamp(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write packages stamp: %w", err)
	}
	return os.Rename(tmp, path)
}
