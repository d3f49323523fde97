package simple

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/command"
	"github.com/heyos/heyiso/internal/setup"
)

const installerScript = `#!/bin/bash
set -euo pipefail

PACKAGES=(
    vim            # editor
    networkmanager
    "base"
)

pacstrap /mnt "${PACKAGES[@]}"
`

type stubPreflight struct{ err error }

func (p stubPreflight) Check(context.Context) error { return p.err }

type onlineNetwork struct{}

func (onlineNetwork) HasDefaultRoute() (bool, error) { return true, nil }

// hostTools answers pacman, cargo and mkarchiso invocations by producing the
// files the real tools would.
type hostTools struct{}

func (h hostTools) handle(req command.Request) (command.Result, error) {
	switch filepath.Base(req.Args[0]) {
	case "pacman":
		if req.Args[1] == "-Sw" {
			return h.download(req.Args[4], req.Args[5:])
		}
		return command.Result{}, nil
	case "cargo":
		return h.cargo(req)
	case "mkarchiso":
		return h.mkarchiso(req.Args[3], req.Args[5])
	}
	return command.Result{ExitCode: 127}, nil
}

func (h hostTools) download(cacheDir string, pkgs []string) (command.Result, error) {
	for _, pkg := range pkgs {
		name := fmt.Sprintf("%s-1.0-1-x86_64.pkg.tar.zst", pkg)
		if err := os.WriteFile(filepath.Join(cacheDir, name), []byte(pkg), 0o644); err != nil {
			return command.Result{}, err
		}
	}
	return command.Result{}, nil
}

func (h hostTools) cargo(req command.Request) (command.Result, error) {
	var target string
	for _, kv := range req.Env {
		if value, ok := strings.CutPrefix(kv, "CARGO_TARGET_DIR="); ok {
			target = value
		}
	}
	if target == "" {
		return command.Result{ExitCode: 101}, nil
	}
	unit := filepath.Base(filepath.Dir(req.Dir))
	release := filepath.Join(target, "release")
	if err := os.MkdirAll(release, 0o755); err != nil {
		return command.Result{}, err
	}
	return command.Result{}, os.WriteFile(filepath.Join(release, unit), []byte("ELF"), 0o755)
}

func (h hostTools) mkarchiso(workDir, outDir string) (command.Result, error) {
	for _, dir := range []string{workDir, outDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return command.Result{}, err
		}
	}
	for _, marker := range []string{"base._make_pacman_conf", "base._make_packages", "x86_64._build_iso_image"} {
		if err := os.WriteFile(filepath.Join(workDir, marker), nil, 0o644); err != nil {
			return command.Result{}, err
		}
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return command.Result{}, err
	}
	defer writer.Cleanup()
	if err := writer.AddFile(strings.NewReader("heyOS\n"), "release"); err != nil {
		return command.Result{}, err
	}
	out, err := os.Create(filepath.Join(outDir, "heyos-2026.10.18-x86_64.iso"))
	if err != nil {
		return command.Result{}, err
	}
	defer out.Close()
	return command.Result{}, writer.WriteTo(out, "HEYOS_202610")
}

func writeCheckout(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"heydm/Cargo.toml":                           "[package]\nname = \"heydm\"\n",
		"heydm/src/main.rs":                          "fn main() {}\n",
		"hey-greeter/Cargo.toml":                     "[package]\nname = \"hey-greeter\"\n",
		"hey-greeter/src/main.rs":                    "fn main() {}\n",
		"profile/packages.x86_64":                    "# live session\nbase\nlinux\n",
		"profile/airootfs/usr/local/bin/hey-install": installerScript,
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

type harness struct {
	settings Settings
	runner   *command.Recorder
	deps     Dependencies
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := writeCheckout(t)
	runner := &command.Recorder{Handler: hostTools{}.handle}
	return &harness{
		settings: Settings{
			Workspace: root,
			FastPath:  filepath.Join(t.TempDir(), "workspace"),
			Staleness: string(build.PolicyChecksum),
			LogLevel:  "debug",
		},
		runner: runner,
		deps: Dependencies{
			Runner:    runner,
			Preflight: stubPreflight{},
			Network:   onlineNetwork{},
			Statfs: func(_ string, buf *unix.Statfs_t) error {
				buf.Type = 0xef53
				return nil
			},
			Getenv:  func(string) string { return "" },
			Console: io.Discard,
		},
	}
}

func (h *harness) requests(tool string) []command.Request {
	var matched []command.Request
	for _, req := range h.runner.Requests() {
		if filepath.Base(req.Args[0]) == tool {
			matched = append(matched, req)
		}
	}
	return matched
}

func (h *harness) downloads() int {
	count := 0
	for _, req := range h.requests("pacman") {
		if req.Args[1] == "-Sw" {
			count++
		}
	}
	return count
}

// relocateToFastPath makes the workspace look like it sits on an NTFS mount
// and runs the relocated hop in-process, configured from the forwarded
// environment the way the re-executed binary would be.
func (h *harness) relocateToFastPath(t *testing.T) {
	t.Helper()
	h.deps.Statfs = func(_ string, buf *unix.Statfs_t) error {
		buf.Type = 0x5346544e
		return nil
	}
	h.deps.Executable = func() (string, error) { return "/usr/bin/heyiso", nil }
	h.deps.Relay = &command.Recorder{Handler: func(req command.Request) (command.Result, error) {
		env := make(map[string]string, len(req.Env))
		for _, kv := range req.Env {
			key, value, _ := strings.Cut(kv, "=")
			env[key] = value
		}
		child := h.settings
		for i, arg := range req.Args {
			if arg == "--workspace" && i+1 < len(req.Args) {
				child.Workspace = req.Args[i+1]
			}
		}
		child.Origin = env[setup.EnvOrigin]
		child.Relocated = env[setup.EnvRelocated] == "1"
		child.LogFile = env[setup.EnvLogFile]

		deps := h.deps
		deps.Getenv = func(key string) string { return env[key] }
		if _, err := Build(context.Background(), child, req.Args[1:], deps); err != nil {
			t.Errorf("relocated Build() error = %v", err)
			return command.Result{ExitCode: 1}, nil
		}
		return command.Result{}, nil
	}}
}

func TestBuildEndToEndThenReuse(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first, err := Build(context.Background(), h.settings, []string{"build"}, h.deps)
	require.NoError(t, err)
	require.Nil(t, first.Handoff)

	report := first.Report
	require.Len(t, report.Units, 2)
	for _, unit := range report.Units {
		assert.True(t, unit.Rebuilt, "unit %s", unit.Name)
	}
	// vim, networkmanager and base from the installer plus the required set.
	assert.Equal(t, 7, report.Packages)
	assert.Equal(t, build.StateFresh, report.Assembly)
	assert.FileExists(t, report.Artifact)

	root := h.settings.Workspace
	assert.FileExists(t, filepath.Join(root, "profile", "airootfs", "usr", "local", "bin", "heydm"))
	assert.FileExists(t, filepath.Join(root, "profile", "airootfs", "var", "cache", "heyiso-offline", "vim-1.0-1-x86_64.pkg.tar.zst"))
	assert.FileExists(t, filepath.Join(root, "out", "report.yaml"))
	assert.FileExists(t, filepath.Join(root, ".cache", "metrics.prom"))

	buildLog, err := os.ReadFile(filepath.Join(root, "build.log"))
	require.NoError(t, err)
	assert.Contains(t, string(buildLog), "image build complete")

	assert.Len(t, h.requests("cargo"), 2)
	assert.Equal(t, 1, h.downloads())
	assert.Len(t, h.requests("mkarchiso"), 1)

	second, err := Build(context.Background(), h.settings, []string{"build"}, h.deps)
	require.NoError(t, err)
	for _, unit := range second.Report.Units {
		assert.False(t, unit.Rebuilt, "unit %s rebuilt without changes", unit.Name)
	}
	assert.Equal(t, build.StateReusableList, second.Report.Assembly)
	assert.Len(t, h.requests("cargo"), 2, "no further cargo invocations")
	assert.Equal(t, 1, h.downloads(), "package cache reused")
	assert.Len(t, h.requests("mkarchiso"), 2)
}

func TestBuildDisplayManagerOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.settings.DMOnly = true

	result, err := Build(context.Background(), h.settings, []string{"build", "--dm-only"}, h.deps)
	require.NoError(t, err)
	require.Len(t, result.Report.Units, 1)
	assert.Equal(t, "heydm", result.Report.Units[0].Name)

	cargo := h.requests("cargo")
	require.Len(t, cargo, 1)
	assert.Contains(t, cargo[0].Dir, filepath.Join("components", "heydm"))
	assert.NoFileExists(t, filepath.Join(h.settings.Workspace, "profile", "airootfs", "usr", "local", "bin", "hey-greeter"))
}

func TestBuildRelocatedRestrictedRunKeepsOtherComponents(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.relocateToFastPath(t)

	first, err := Build(context.Background(), h.settings, []string{"build"}, h.deps)
	require.NoError(t, err)
	require.NotNil(t, first.Handoff)
	require.Equal(t, 0, first.Handoff.ExitCode)

	h.settings.DMOnly = true
	second, err := Build(context.Background(), h.settings, []string{"build", "--dm-only"}, h.deps)
	require.NoError(t, err)
	require.NotNil(t, second.Handoff)
	require.Equal(t, 0, second.Handoff.ExitCode)

	fast := h.settings.FastPath
	overlayBin := filepath.Join(fast, "profile", "airootfs", "usr", "local", "bin")
	assert.FileExists(t, filepath.Join(overlayBin, "heydm"))
	assert.FileExists(t, filepath.Join(overlayBin, "hey-greeter"), "greeter dropped from a --dm-only image")
	assert.FileExists(t, filepath.Join(fast, "profile", "airootfs", "var", "cache", "heyiso-offline", "vim-1.0-1-x86_64.pkg.tar.zst"))
	assert.Len(t, h.requests("cargo"), 2, "restricted run rebuilt a cached component")
	assert.Equal(t, 1, h.downloads())

	origin := h.settings.Workspace
	assert.NoFileExists(t, filepath.Join(origin, "profile", "airootfs", "usr", "local", "bin", "heydm"))
	assert.NoDirExists(t, filepath.Join(origin, ".cache"))
	assert.FileExists(t, filepath.Join(origin, "out", "heyos-2026.10.18-x86_64.iso"))
	assert.FileExists(t, filepath.Join(origin, "out", "report.yaml"))
	assert.NoFileExists(t, filepath.Join(fast, "out", "report.yaml"))
}

func TestDefaultRelayBypassesBuildLog(t *testing.T) {
	t.Parallel()

	var console, buildLog bytes.Buffer
	deps := Dependencies{}.withDefaults(Settings{}, &console, &buildLog)

	runner, ok := deps.Runner.(*command.ExecRunner)
	require.True(t, ok)
	assert.Same(t, &buildLog, runner.Stdout)
	assert.Same(t, &buildLog, runner.Stderr)

	// The child writes the shared log file itself.
	relay, ok := deps.Relay.(*command.ExecRunner)
	require.True(t, ok)
	assert.Same(t, &console, relay.Stdout)
	assert.Same(t, &console, relay.Stderr)
}

func TestBuildRejectsBothSelectors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.settings.DMOnly = true
	h.settings.GreeterOnly = true

	_, err := Build(context.Background(), h.settings, nil, h.deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
	assert.Empty(t, h.runner.Requests())
}

func TestBuildPreflightFailureIsEnvironmental(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.deps.Preflight = stubPreflight{err: errors.New("root privileges required (running as uid 1000)")}

	_, err := Build(context.Background(), h.settings, nil, h.deps)
	require.Error(t, err)
	assert.Equal(t, build.FatalEnvironment, build.ClassOf(err))
	assert.Equal(t, build.StagePreflight, build.FailedStage(err))
	assert.Empty(t, h.runner.Requests())
}

func TestListReportsFreshnessAfterBuild(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	before, err := List(h.settings, nil)
	require.NoError(t, err)
	require.Len(t, before, 2)
	for _, status := range before {
		assert.False(t, status.Fresh, "unit %s", status.Unit.Name)
	}

	_, err = Build(context.Background(), h.settings, nil, h.deps)
	require.NoError(t, err)

	after, err := List(h.settings, nil)
	require.NoError(t, err)
	for _, status := range after {
		assert.True(t, status.Fresh, "unit %s: %s", status.Unit.Name, status.Reason)
	}
}

func TestBuildWritesJSONLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.settings.LogFormat = "json"
	h.settings.LogFile = filepath.Join(t.TempDir(), "logs", "heyiso.jsonl")

	_, err := Build(context.Background(), h.settings, nil, h.deps)
	require.NoError(t, err)

	data, err := os.ReadFile(h.settings.LogFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record), line)
	}
	assert.Contains(t, string(data), `"level":"OK"`)
	assert.NoFileExists(t, filepath.Join(h.settings.Workspace, "build.log"))
}

func TestLoadSettingsFromFlags(t *testing.T) {
	t.Parallel()

	flags := pflag.NewFlagSet("build", pflag.ContinueOnError)
	RegisterCommonFlags(flags)
	RegisterBuildFlags(flags)
	require.NoError(t, flags.Parse([]string{"--dm-only", "--staleness", "mtime", "--jobs", "4", "--workspace", "/srv/heyos"}))

	settings, err := LoadSettings(flags)
	require.NoError(t, err)
	assert.True(t, settings.DMOnly)
	assert.Equal(t, build.PolicyMtime, settings.Policy())
	assert.Equal(t, 4, settings.Jobs)
	assert.Equal(t, []string{SelectDM}, settings.Selectors())

	ws, err := settings.BuildWorkspace()
	require.NoError(t, err)
	assert.Equal(t, "/srv/heyos", ws.Root)
	assert.Equal(t, filepath.Join("/srv/heyos", "build.log"), settings.BuildLogPath(ws))
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()

	cases := map[string]Settings{
		"unknown policy":    {Workspace: ".", Staleness: "sha1"},
		"unknown log level": {Workspace: ".", Staleness: "checksum", LogLevel: "loud"},
		"negative jobs":     {Workspace: ".", Staleness: "checksum", Jobs: -1},
		"empty workspace":   {Staleness: "checksum"},
		"unknown format":    {Workspace: ".", LogFormat: "xml"},
	}
	for name, settings := range cases {
		assert.Error(t, settings.Validate(), name)
	}
}
