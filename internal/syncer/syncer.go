// Package syncer mirrors a directory tree onto another, leaving files that
// are already up to date untouched and itemizing every change it makes.
package syncer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/heyos/heyiso/internal/fsutil"
)

// Mode decides how an existing destination file is compared to its source.
type Mode string

const (
	// ModeChecksum compares file contents. Timestamps are never trusted.
	ModeChecksum Mode = "checksum"
	// ModeMtime treats equal size and modification time as unchanged.
	ModeMtime Mode = "mtime"
)

// ChangeKind classifies one itemized change.
type ChangeKind string

const (
	Added      ChangeKind = "added"
	Modified   ChangeKind = "modified"
	Deleted    ChangeKind = "deleted"
	Attributes ChangeKind = "attributes"
)

// Change is one itemized difference between source and destination.
type Change struct {
	Path string
	Kind ChangeKind
}

// Significant reports whether the change affects content. Permission and
// timestamp updates are not significant.
func (c Change) Significant() bool {
	return c.Kind != Attributes
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s", c.Kind, c.Path)
}

// Significant filters changes down to content changes.
func Significant(changes []Change) []Change {
	var out []Change
	for _, change := range changes {
		if change.Significant() {
			out = append(out, change)
		}
	}
	return out
}

// Options tune a Mirror pass.
type Options struct {
	Mode Mode
	// Exclude holds path.Match patterns tested against the slash-separated
	// relative path and the base name. A leading "/" anchors a pattern to the
	// relative path only. Excluded entries are neither copied nor deleted.
	Exclude []string
	// Delete removes destination entries that do not exist in the source.
	Delete bool
	// DryRun reports changes without touching the destination.
	DryRun bool
}

// Mirror makes dst a copy of src and returns the itemized changes.
func Mirror(src, dst string, opts Options) ([]Change, error) {
	if opts.Mode == "" {
		opts.Mode = ModeChecksum
	}
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", src)
	}
	if !opts.DryRun {
		if err := os.MkdirAll(dst, info.Mode().Perm()|0o700); err != nil {
			return nil, fmt.Errorf("create destination: %w", err)
		}
	}

	m := &mirror{src: src, dst: dst, opts: opts, seen: map[string]struct{}{}}
	if err := filepath.WalkDir(src, m.visitSource); err != nil {
		return m.changes, err
	}
	if opts.Delete {
		if err := m.prune(); err != nil {
			return m.changes, err
		}
	}
	sort.SliceStable(m.changes, func(i, j int) bool { return m.changes[i].Path < m.changes[j].Path })
	return m.changes, nil
}

type mirror struct {
	src     string
	dst     string
	opts    Options
	seen    map[string]struct{}
	changes []Change
}

func (m *mirror) record(rel string, kind ChangeKind) {
	m.changes = append(m.changes, Change{Path: rel, Kind: kind})
}

func (m *mirror) excluded(rel string) bool {
	base := path.Base(rel)
	for _, pattern := range m.opts.Exclude {
		if anchored, ok := strings.CutPrefix(pattern, "/"); ok {
			if match, _ := path.Match(anchored, rel); match {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func (m *mirror) visitSource(srcPath string, entry fs.DirEntry, walkErr error) error {
	if walkErr != nil {
		return walkErr
	}
	rel, err := filepath.Rel(m.src, srcPath)
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	rel = filepath.ToSlash(rel)
	if m.excluded(rel) {
		if entry.IsDir() {
			return filepath.SkipDir
		}
		return nil
	}
	m.seen[rel] = struct{}{}

	srcInfo, err := entry.Info()
	if err != nil {
		return err
	}
	dstPath := filepath.Join(m.dst, filepath.FromSlash(rel))
	dstInfo, err := os.Lstat(dstPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		dstInfo = nil
	case err != nil:
		return err
	}

	if dstInfo != nil && dstInfo.Mode().Type() != srcInfo.Mode().Type() {
		m.record(rel, Modified)
		if !m.opts.DryRun {
			if err := os.RemoveAll(dstPath); err != nil {
				return err
			}
		}
		return m.create(rel, srcPath, dstPath, srcInfo, false)
	}
	if dstInfo == nil {
		return m.create(rel, srcPath, dstPath, srcInfo, true)
	}

	switch {
	case srcInfo.IsDir():
		return m.syncAttributes(rel, dstPath, srcInfo, dstInfo, false)
	case srcInfo.Mode()&fs.ModeSymlink != 0:
		same, err := sameLink(srcPath, dstPath)
		if err != nil || same {
			return err
		}
		m.record(rel, Modified)
		if m.opts.DryRun {
			return nil
		}
		if err := os.Remove(dstPath); err != nil {
			return err
		}
		return copyLink(srcPath, dstPath)
	case srcInfo.Mode().IsRegular():
		changed, err := m.contentChanged(srcPath, dstPath, srcInfo, dstInfo)
		if err != nil {
			return err
		}
		if changed {
			m.record(rel, Modified)
			if m.opts.DryRun {
				return nil
			}
			return copyFile(srcPath, dstPath, srcInfo)
		}
		return m.syncAttributes(rel, dstPath, srcInfo, dstInfo, true)
	default:
		// Sockets, devices and pipes have no place in a source tree.
		return nil
	}
}

func (m *mirror) create(rel, srcPath, dstPath string, srcInfo fs.FileInfo, record bool) error {
	if record {
		m.record(rel, Added)
	}
	if m.opts.DryRun {
		return nil
	}
	switch {
	case srcInfo.IsDir():
		return os.MkdirAll(dstPath, srcInfo.Mode().Perm()|0o700)
	case srcInfo.Mode()&fs.ModeSymlink != 0:
		return copyLink(srcPath, dstPath)
	case srcInfo.Mode().IsRegular():
		return copyFile(srcPath, dstPath, srcInfo)
	}
	return nil
}

func (m *mirror) contentChanged(srcPath, dstPath string, srcInfo, dstInfo fs.FileInfo) (bool, error) {
	if srcInfo.Size() != dstInfo.Size() {
		return true, nil
	}
	if m.opts.Mode == ModeMtime {
		return !srcInfo.ModTime().Equal(dstInfo.ModTime()), nil
	}
	srcSum, err := FileDigest(srcPath)
	if err != nil {
		return false, err
	}
	dstSum, err := FileDigest(dstPath)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(srcSum, dstSum), nil
}

func (m *mirror) syncAttributes(rel, dstPath string, srcInfo, dstInfo fs.FileInfo, times bool) error {
	permDiffers := srcInfo.Mode().Perm() != dstInfo.Mode().Perm()
	timeDiffers := times && !srcInfo.ModTime().Equal(dstInfo.ModTime())
	if !permDiffers && !timeDiffers {
		return nil
	}
	m.record(rel, Attributes)
	if m.opts.DryRun {
		return nil
	}
	if permDiffers {
		if err := os.Chmod(dstPath, srcInfo.Mode().Perm()); err != nil {
			return err
		}
	}
	if timeDiffers {
		return os.Chtimes(dstPath, srcInfo.ModTime(), srcInfo.ModTime())
	}
	return nil
}

// prune removes destination entries that have no source counterpart.
func (m *mirror) prune() error {
	if _, err := os.Stat(m.dst); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return filepath.WalkDir(m.dst, func(dstPath string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(m.dst, dstPath)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if m.excluded(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := m.seen[rel]; ok {
			return nil
		}
		m.record(rel, Deleted)
		if !m.opts.DryRun {
			if err := os.RemoveAll(dstPath); err != nil {
				return err
			}
		}
		if entry.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
}

// FileDigest returns the blake3 digest of the file at path.
func FileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, err
	}
	return hasher.Sum(nil), nil
}

func copyFile(srcPath, dstPath string, srcInfo fs.FileInfo) error {
	return fsutil.CopyFile(srcPath, dstPath, fsutil.CopyOptions{
		Perm:    srcInfo.Mode().Perm(),
		ModTime: srcInfo.ModTime(),
	})
}

func copyLink(srcPath, dstPath string) error {
	target, err := os.Readlink(srcPath)
	if err != nil {
		return err
	}
	return os.Symlink(target, dstPath)
}

func sameLink(srcPath, dstPath string) (bool, error) {
	srcTarget, err := os.Readlink(srcPath)
	if err != nil {
		return false, err
	}
	dstTarget, err := os.Readlink(dstPath)
	if err != nil {
		return false, err
	}
	return srcTarget == dstTarget, nil
}
