package artifacts

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/heyos/heyiso/internal/syncer"
)

// FileURI returns the file:// URI of an absolute path.
func FileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// PathFromURI returns the local path named by a file:// URI.
func PathFromURI(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "file" {
		return "", errors.New("not a file:// URI")
	}
	return filepath.FromSlash(parsed.Path), nil
}

// Describe builds the artifact record for a file on disk.
func Describe(path string, kind ArtifactKind) (Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	digest, err := syncer.FileDigest(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("checksum %s: %w", filepath.Base(path), err)
	}
	return Artifact{
		Kind:     kind,
		URI:      FileURI(path),
		Checksum: fmt.Sprintf("%x", digest),
		Size:     info.Size(),
	}, nil
}
