package artifacts

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/logging"
)

func relocatedContext(t *testing.T) (build.BuildContext, string) {
	t.Helper()
	origin := t.TempDir()
	ws := build.NewWorkspace(t.TempDir(), origin)
	if err := os.MkdirAll(ws.OutDir(), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	iso := filepath.Join(ws.OutDir(), "heyos-2026.10.18-x86_64.iso")
	if err := os.WriteFile(iso, []byte("iso-bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return build.BuildContext{Workspace: ws, Logger: logging.NewCLI(&bytes.Buffer{}, slog.LevelDebug)}, iso
}

func TestFinalizeMovesArtifactToOrigin(t *testing.T) {
	t.Parallel()

	bc, iso := relocatedContext(t)
	result, err := (&Finalizer{}).Finalize(context.Background(), bc, iso)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	want := filepath.Join(bc.Workspace.Origin, "out", filepath.Base(iso))
	if result.Path != want || !result.Moved {
		t.Fatalf("Finalize() = %+v, want path %s", result, want)
	}
	if _, err := os.Stat(iso); !os.IsNotExist(err) {
		t.Fatalf("source still present: %v", err)
	}
}

func TestFinalizeCopiesAcrossDevices(t *testing.T) {
	t.Parallel()

	bc, iso := relocatedContext(t)
	finalizer := &Finalizer{Rename: func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: unix.EXDEV}
	}}

	result, err := finalizer.Finalize(context.Background(), bc, iso)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	data, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "iso-bytes" {
		t.Fatalf("copied content = %q", data)
	}
	if _, err := os.Stat(iso); !os.IsNotExist(err) {
		t.Fatalf("source not removed after copy: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(result.Path))
	if len(entries) != 1 {
		t.Fatalf("destination holds leftovers: %v", entries)
	}
}

func TestFinalizeFailureLeavesSourceIntact(t *testing.T) {
	t.Parallel()

	bc, iso := relocatedContext(t)
	// A regular file where the output directory should be.
	if err := os.WriteFile(bc.Workspace.OriginOutDir(), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	result, err := (&Finalizer{}).Finalize(context.Background(), bc, iso)
	if err == nil {
		t.Fatalf("expected error")
	}
	if result.Moved || result.Path != iso {
		t.Fatalf("Finalize() = %+v", result)
	}
	if _, err := os.Stat(iso); err != nil {
		t.Fatalf("source lost: %v", err)
	}
}

func TestFinalizeCrossDeviceCopyFailureLeavesSourceIntact(t *testing.T) {
	t.Parallel()

	bc, iso := relocatedContext(t)
	// A non-empty directory where the copied image would be renamed into place.
	blocked := filepath.Join(bc.Workspace.OriginOutDir(), filepath.Base(iso))
	if err := os.MkdirAll(blocked, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(blocked, "keep"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	finalizer := &Finalizer{Rename: func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: unix.EXDEV}
	}}

	result, err := finalizer.Finalize(context.Background(), bc, iso)
	if err == nil {
		t.Fatalf("expected error")
	}
	if result.Moved || result.Path != iso {
		t.Fatalf("Finalize() = %+v", result)
	}
	data, err := os.ReadFile(iso)
	if err != nil {
		t.Fatalf("source lost: %v", err)
	}
	if string(data) != "iso-bytes" {
		t.Fatalf("source content = %q", data)
	}
	entries, err := os.ReadDir(bc.Workspace.OriginOutDir())
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary copy left in origin: %v", entries)
	}
}

func TestDeliverMovesReportNextToArtifact(t *testing.T) {
	t.Parallel()

	bc, _ := relocatedContext(t)
	report := bc.Workspace.ReportPath()
	if err := os.WriteFile(report, []byte("run_id: run-1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got, err := (&Finalizer{}).Deliver(context.Background(), bc, report)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if want := filepath.Join(bc.Workspace.Origin, "out", "report.yaml"); got != want {
		t.Fatalf("Deliver() = %s, want %s", got, want)
	}
	if _, err := os.Stat(report); !os.IsNotExist(err) {
		t.Fatalf("report still in fast-path workspace: %v", err)
	}
}

func TestFileURIRoundTrip(t *testing.T) {
	t.Parallel()

	path := "/var/tmp/heyiso/workspace/out/heyos 2026.iso"
	uri := FileURI(path)
	got, err := PathFromURI(uri)
	if err != nil {
		t.Fatalf("PathFromURI() error = %v", err)
	}
	if got != path {
		t.Fatalf("PathFromURI(%q) = %q, want %q", uri, got, path)
	}
	if _, err := PathFromURI("https://example.com/a.iso"); err == nil {
		t.Fatalf("expected error for non-file URI")
	}
}

func TestDescribeChecksumsArtifact(t *testing.T) {
	t.Parallel()

	_, iso := relocatedContext(t)
	artifact, err := Describe(iso, ImageArtifact)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if artifact.Kind != ImageArtifact || artifact.Size != int64(len("iso-bytes")) || len(artifact.Checksum) != 64 {
		t.Fatalf("Describe() = %+v", artifact)
	}
}
