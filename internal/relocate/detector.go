package relocate

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Filesystem magics, see statfs(2).
const (
	magicV9FS  = 0x01021997
	magicFUSE  = 0x65735546
	magicMSDOS = 0x4d44
	magicNTFS  = 0x5346544e
	magicSMB   = 0x517b
	magicSMB2  = 0xfe534d42
	magicCIFS  = 0xff534d42
	magicNFS   = 0x6969
	magicExFAT = 0x2011bab0
)

var slowFilesystems = map[uint32]string{
	magicV9FS:  "9p",
	magicFUSE:  "fuse",
	magicMSDOS: "vfat",
	magicNTFS:  "ntfs",
	magicSMB:   "smb",
	magicSMB2:  "smb2",
	magicCIFS:  "cifs",
	magicNFS:   "nfs",
	magicExFAT: "exfat",
}

// DefaultSlowPrefixes cover Windows drives mounted into WSL.
var DefaultSlowPrefixes = []string{"/mnt/"}

// Detector decides whether a path lives on storage too slow to build on.
type Detector struct {
	Prefixes []string
	// Statfs defaults to unix.Statfs.
	Statfs func(path string, buf *unix.Statfs_t) error
}

// IsSlow reports whether path is on slow storage and why.
func (d Detector) IsSlow(path string) (bool, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, "", err
	}
	for _, prefix := range d.Prefixes {
		if strings.HasPrefix(abs+string(filepath.Separator), prefix) {
			return true, fmt.Sprintf("path is under %s", prefix), nil
		}
	}

	statfs := d.Statfs
	if statfs == nil {
		statfs = unix.Statfs
	}
	var buf unix.Statfs_t
	if err := statfs(abs, &buf); err != nil {
		return false, "", fmt.Errorf("statfs %s: %w", abs, err)
	}
	if name, ok := slowFilesystems[uint32(buf.Type)]; ok {
		return true, fmt.Sprintf("filesystem type is %s", name), nil
	}
	return false, "", nil
}
