package image

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/command"
	"github.com/heyos/heyiso/internal/logging"
)

var allMarkers = []string{
	"base._make_pacman_conf",
	"base._make_packages",
	"base._make_customize_airootfs",
	"base._make_boot_on_iso9660",
	"x86_64._build_iso_image",
}

// fakeMkarchiso records the markers present when it starts, then writes every
// marker and one ISO per entry of isoNames.
type fakeMkarchiso struct {
	t        *testing.T
	calls    int
	seen     [][]string
	exitCode int
	isoNames []string
}

func (f *fakeMkarchiso) Assemble(_ context.Context, req build.AssemblyRequest) (command.Result, error) {
	f.calls++
	present, err := Markers(req.WorkDir)
	if err != nil {
		return command.Result{}, err
	}
	f.seen = append(f.seen, present)
	if f.exitCode != 0 {
		return command.Result{ExitCode: f.exitCode}, nil
	}
	for _, marker := range allMarkers {
		if err := os.WriteFile(filepath.Join(req.WorkDir, marker), nil, 0o644); err != nil {
			return command.Result{}, err
		}
	}
	for _, name := range f.isoNames {
		writeISO(f.t, filepath.Join(req.OutDir, name), "HEYOS_202610")
	}
	return command.Result{ExitCode: 0}, nil
}

func writeISO(t *testing.T, path, label string) {
	t.Helper()
	writer, err := iso9660.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	defer writer.Cleanup()
	if err := writer.AddFile(strings.NewReader("heyOS\n"), "release"); err != nil {
		t.Fatalf("AddFile() error = %v", err)
	}
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer out.Close()
	if err := writer.WriteTo(out, label); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
}

func newContext(t *testing.T, packages string) build.BuildContext {
	t.Helper()
	ws := build.NewWorkspace(t.TempDir(), "")
	if err := os.MkdirAll(ws.ProfileDir(), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	setPackages(t, ws, packages)
	return build.BuildContext{Workspace: ws, Logger: logging.NewCLI(&bytes.Buffer{}, slog.LevelDebug)}
}

func setPackages(t *testing.T, ws build.Workspace, content string) {
	t.Helper()
	if err := os.WriteFile(ws.PackagesListPath(), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestNormalizePackageList(t *testing.T) {
	t.Parallel()

	got := NormalizePackageList([]byte("# base system\nbase\n\n  linux  # kernel\n\tgrub\n"))
	if string(got) != "base\nlinux\ngrub\n" {
		t.Fatalf("NormalizePackageList() = %q", got)
	}
	if !bytes.Equal(NormalizePackageList([]byte("base\n#x\nlinux")), NormalizePackageList([]byte("base\nlinux\n\n"))) {
		t.Fatalf("cosmetic edits change the normalized list")
	}
}

func TestAssembleStateMachine(t *testing.T) {
	t.Parallel()

	bc := newContext(t, "base\nlinux\n")
	tool := &fakeMkarchiso{t: t, isoNames: []string{"heyos-2026.10.18-x86_64.iso"}}
	coordinator := &Coordinator{Tool: tool}

	// Fresh: no work directory yet.
	result, err := coordinator.Assemble(context.Background(), bc)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if result.State != build.StateFresh || len(tool.seen[0]) != 0 {
		t.Fatalf("fresh run: state=%s seen=%v", result.State, tool.seen[0])
	}
	if result.Label != "HEYOS_202610" || filepath.Base(result.ISOPath) != "heyos-2026.10.18-x86_64.iso" {
		t.Fatalf("unexpected artifact: %+v", result)
	}

	// ReusableList: only package-installation markers survive. Comment edits
	// do not count as list changes.
	setPackages(t, bc.Workspace, "# edited\nbase\nlinux\n")
	result, err = coordinator.Assemble(context.Background(), bc)
	if err != nil {
		t.Fatalf("second Assemble() error = %v", err)
	}
	if result.State != build.StateReusableList {
		t.Fatalf("state = %s, want %s", result.State, build.StateReusableList)
	}
	want := []string{"base._make_packages", "base._make_pacman_conf"}
	if !reflect.DeepEqual(tool.seen[1], want) {
		t.Fatalf("markers at tool start = %v, want %v", tool.seen[1], want)
	}

	// StaleList: every marker is cleared and the stamp rewritten.
	setPackages(t, bc.Workspace, "base\nlinux\nvim\n")
	result, err = coordinator.Assemble(context.Background(), bc)
	if err != nil {
		t.Fatalf("third Assemble() error = %v", err)
	}
	if result.State != build.StateStaleList || len(tool.seen[2]) != 0 || len(result.ClearedMarkers) != len(allMarkers) {
		t.Fatalf("stale run: state=%s seen=%v cleared=%v", result.State, tool.seen[2], result.ClearedMarkers)
	}
	stamp, err := os.ReadFile(bc.Workspace.PackagesStampPath())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(stamp) != "base\nlinux\nvim\n" {
		t.Fatalf("stamp = %q", stamp)
	}
	if tool.calls != 3 {
		t.Fatalf("tool invoked %d times, want 3", tool.calls)
	}
}

func TestAssemblePurgesPreviousImages(t *testing.T) {
	t.Parallel()

	bc := newContext(t, "base\n")
	if err := os.MkdirAll(bc.Workspace.OutDir(), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	old := filepath.Join(bc.Workspace.OutDir(), "heyos-2026.01.01-x86_64.iso")
	if err := os.WriteFile(old, []byte("old"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	tool := &fakeMkarchiso{t: t, isoNames: []string{"heyos-2026.10.18-x86_64.iso"}}
	if _, err := (&Coordinator{Tool: tool}).Assemble(context.Background(), bc); err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("previous image survived: %v", err)
	}
}

func TestAssembleRequiresExactlyOneValidImage(t *testing.T) {
	t.Parallel()

	cases := map[string]*fakeMkarchiso{
		"no image":   {isoNames: nil},
		"two images": {isoNames: []string{"a.iso", "b.iso"}},
		"tool fails": {exitCode: 1},
	}
	for name, tool := range cases {
		tool.t = t
		bc := newContext(t, "base\n")
		if _, err := (&Coordinator{Tool: tool}).Assemble(context.Background(), bc); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidateImageRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.iso")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := ValidateImage(path); err == nil {
		t.Fatalf("expected error")
	}
}
