package image

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultPreservedMarkers select the package-installation markers that stay
// valid while the package list is unchanged.
var DefaultPreservedMarkers = []string{"*._make_packages*", "*._make_pacman_conf*"}

// markerName matches archiso stage markers such as "base._make_packages" or
// "x86_64._build_iso_image".
var markerName = regexp.MustCompile(`^[a-z0-9_]+\._[a-z0-9_]+`)

// NormalizePackageList returns the package list content that the packages
// stamp is compared against: comments and blank lines are dropped and the
// remaining lines trimmed, keeping their order.
func NormalizePackageList(data []byte) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// Markers lists the stage markers at the top of workDir, sorted by name.
func Markers(workDir string) ([]string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, err
	}
	var markers []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && markerName.MatchString(entry.Name()) {
			markers = append(markers, entry.Name())
		}
	}
	sort.Strings(markers)
	return markers, nil
}

// IsPreserved reports whether marker matches one of the preserved globs.
func IsPreserved(marker string, preserved []string) bool {
	for _, pattern := range preserved {
		if ok, _ := filepath.Match(pattern, marker); ok {
			return true
		}
	}
	return false
}

// clearMarkers removes the markers for which drop returns true.
func clearMarkers(workDir string, drop func(string) bool) ([]string, error) {
	markers, err := Markers(workDir)
	if err != nil {
		return nil, err
	}
	var cleared []string
	for _, marker := range markers {
		if !drop(marker) {
			continue
		}
		if err := os.Remove(filepath.Join(workDir, marker)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cleared, fmt.Errorf("remove marker %s: %w", marker, err)
		}
		cleared = append(cleared, marker)
	}
	return cleared, nil
}

// purgeImages removes every *.iso left in outDir by an earlier run.
func purgeImages(outDir string) error {
	matches, err := filepath.Glob(filepath.Join(outDir, "*.iso"))
	if err != nil {
		return err
	}
	for _, match := range matches {
		if err := os.Remove(match); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
