package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// CopyOptions tune CopyFile.
type CopyOptions struct {
	Perm fs.FileMode
	// ModTime, when set, is applied to the copy before it becomes visible.
	ModTime time.Time
	// Sync flushes the copy to stable storage before it is renamed into place.
	Sync bool
}

// CopyFile copies src to dst through a temporary file in dst's directory. dst
// is either left untouched or replaced by a complete copy.
func CopyFile(src, dst string, opts CopyOptions) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if opts.Perm == 0 {
		info, err := in.Stat()
		if err != nil {
			return err
		}
		opts.Perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".heyiso-copy-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err = tmp.Chmod(opts.Perm); err != nil {
		return err
	}
	if opts.Sync {
		if err = tmp.Sync(); err != nil {
			return err
		}
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if !opts.ModTime.IsZero() {
		if err = os.Chtimes(tmpName, opts.ModTime, opts.ModTime); err != nil {
			return err
		}
	}
	return os.Rename(tmpName, dst)
}

// CopyMatching copies every regular file in srcDir whose name matches one of
// patterns into dstDir, preserving modes and modification times. Files already
// present with the same size and modification time are left alone. It returns
// the number of files copied.
func CopyMatching(srcDir, dstDir string, patterns []string) (int, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return 0, err
	}

	copied := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !matchesAny(entry.Name(), patterns) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return copied, err
		}
		dst := filepath.Join(dstDir, entry.Name())
		if existing, err := os.Stat(dst); err == nil && existing.Size() == info.Size() && existing.ModTime().Equal(info.ModTime()) {
			continue
		}
		err = CopyFile(filepath.Join(srcDir, entry.Name()), dst, CopyOptions{Perm: info.Mode().Perm(), ModTime: info.ModTime()})
		if err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

// SyncMatching copies like CopyMatching and then removes regular files in
// dstDir that match patterns but no longer exist in srcDir. Other files in
// dstDir are left alone. It returns the number of files copied and removed.
func SyncMatching(srcDir, dstDir string, patterns []string) (copied, removed int, err error) {
	copied, err = CopyMatching(srcDir, dstDir, patterns)
	if err != nil {
		return copied, 0, err
	}

	entries, err := os.ReadDir(dstDir)
	if err != nil {
		return copied, 0, err
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !matchesAny(entry.Name(), patterns) {
			continue
		}
		_, err = os.Lstat(filepath.Join(srcDir, entry.Name()))
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return copied, removed, err
		}
		if err := os.Remove(filepath.Join(dstDir, entry.Name())); err != nil {
			return copied, removed, err
		}
		removed++
	}
	return copied, removed, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
