package build

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Fixed workspace layout.
const (
	ProfileDirName    = "profile"
	OverlayDirName    = "airootfs"
	CacheDirName      = ".cache"
	WorkDirName       = "work"
	OutDirName        = "out"
	DefinitionName    = "heyiso.yaml"
	PackagesListName  = "packages.x86_64"
	PackagesStampName = ".heyiso-packages"
	PackageStampName  = ".stamp"
	PolicyFileName    = "policy"
)

// Workspace is the directory tree a pipeline hop operates on. Origin is the
// location the operator invoked the pipeline from; it equals Root unless the
// workspace was relocated.
type Workspace struct {
	Root   string
	Origin string
}

// NewWorkspace returns a workspace rooted at root. An empty origin means the
// workspace was not relocated.
func NewWorkspace(root, origin string) Workspace {
	root = filepath.Clean(root)
	if origin == "" {
		origin = root
	}
	return Workspace{Root: root, Origin: filepath.Clean(origin)}
}

// Relocated reports whether this hop runs on a copy of the original workspace.
func (w Workspace) Relocated() bool {
	return w.Origin != w.Root
}

func (w Workspace) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(w.Root, rel)
}

func (w Workspace) ProfileDir() string { return filepath.Join(w.Root, ProfileDirName) }
func (w Workspace) OverlayDir() string { return filepath.Join(w.ProfileDir(), OverlayDirName) }
func (w Workspace) PackagesListPath() string { return filepath.Join(w.ProfileDir(), PackagesListName) }
func (w Workspace) CacheDir() string { return filepath.Join(w.Root, CacheDirName) }
func (w Workspace) ComponentsCacheDir() string { return filepath.Join(w.CacheDir(), "components") }
func (w Workspace) PackageCacheDir() string { return filepath.Join(w.CacheDir(), "packages") }
func (w Workspace) PackageStampPath() string { return filepath.Join(w.PackageCacheDir(), PackageStampName) }
func (w Workspace) MetricsPath() string { return filepath.Join(w.CacheDir(), "metrics.prom") }
func (w Workspace) WorkDir() string { return filepath.Join(w.Root, WorkDirName) }
func (w Workspace) PackagesStampPath() string { return filepath.Join(w.WorkDir(), PackagesStampName) }
func (w Workspace) OutDir() string { return filepath.Join(w.Root, OutDirName) }
func (w Workspace) ReportPath() string { return filepath.Join(w.OutDir(), "report.yaml") }
func (w Workspace) DefinitionPath() string { return filepath.Join(w.Root, DefinitionName) }
func (w Workspace) OriginOutDir() string { return filepath.Join(w.Origin, OutDirName) }

// UnitCache describes the per-unit build cache directories.
type UnitCache struct {
	Root      string
	SourceDir string
	TargetDir string
	TempDir   string
	Policy    string
}

// UnitCache returns the cache layout for unit.
func (w Workspace) UnitCache(unit Unit) UnitCache {
	root := filepath.Join(w.ComponentsCacheDir(), unit.Name)
	return UnitCache{
		Root:      root,
		SourceDir: filepath.Join(root, "src"),
		TargetDir: filepath.Join(root, "target"),
		TempDir:   filepath.Join(root, "tmp"),
		Policy:    filepath.Join(root, PolicyFileName),
	}
}

// BinaryPath is where the toolchain leaves a release build of unit.
func (c UnitCache) BinaryPath(unit Unit) string {
	return filepath.Join(c.TargetDir, "release", unit.Binary)
}

// Unit is a Component Build Unit.
type Unit struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	Binary string `yaml:"binary"`

	// Flag is the CLI selector restricting a run to this unit.
	Flag string `yaml:"flag"`
}

// InstallerDefinition locates the offline installer and its package declaration.
type InstallerDefinition struct {
	Script           string   `yaml:"script"`
	Variable         string   `yaml:"variable"`
	RequiredPackages []string `yaml:"required_packages"`
	OfflineDir       string   `yaml:"offline_dir"`
}

// Permission is a best-effort mode fixup applied to the overlay.
type Permission struct {
	Path string `yaml:"path"`
	Mode string `yaml:"mode"`
}

// FileMode parses the octal mode string.
func (p Permission) FileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(strings.TrimPrefix(p.Mode, "0o"), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("permission %s: invalid mode %q", p.Path, p.Mode)
	}
	return os.FileMode(mode), nil
}

// RelocationDefinition configures slow-storage detection.
type RelocationDefinition struct {
	SlowPrefixes []string `yaml:"slow_prefixes"`
	Exclude      []string `yaml:"exclude"`
}

// BootCheckDefinition sizes the transient domain used to boot the produced image.
type BootCheckDefinition struct {
	MemoryMB      int `yaml:"memory_mb"`
	VCPUs         int `yaml:"vcpus"`
	SettleSeconds int `yaml:"settle_seconds"`
}

// Settle returns the period the booted domain must stay running.
func (d BootCheckDefinition) Settle() time.Duration {
	return time.Duration(d.SettleSeconds) * time.Second
}

// Definition is the static pipeline configuration.
type Definition struct {
	Components      []Unit               `yaml:"components"`
	HostPackages    []string             `yaml:"host_packages"`
	Installer       InstallerDefinition  `yaml:"installer"`
	PreserveMarkers []string             `yaml:"preserve_markers"`
	Permissions     []Permission         `yaml:"permissions"`
	Relocation      RelocationDefinition `yaml:"relocation"`
	BootCheck       BootCheckDefinition  `yaml:"boot_check"`
}

// Validate checks that the definition is internally consistent.
func (d Definition) Validate() error {
	if len(d.Components) == 0 {
		return fmt.Errorf("definition declares no components")
	}
	names := make(map[string]struct{}, len(d.Components))
	flags := make(map[string]struct{}, len(d.Components))
	for _, unit := range d.Components {
		if unit.Name == "" || unit.Source == "" || unit.Binary == "" {
			return fmt.Errorf("component %q requires name, source and binary", unit.Name)
		}
		if strings.ContainsRune(unit.Name, filepath.Separator) {
			return fmt.Errorf("component name %q must not contain a path separator", unit.Name)
		}
		if _, dup := names[unit.Name]; dup {
			return fmt.Errorf("component %q declared twice", unit.Name)
		}
		names[unit.Name] = struct{}{}
		if unit.Flag != "" {
			if _, dup := flags[unit.Flag]; dup {
				return fmt.Errorf("component flag %q declared twice", unit.Flag)
			}
			flags[unit.Flag] = struct{}{}
		}
	}
	if d.Installer.Script == "" || d.Installer.Variable == "" || d.Installer.OfflineDir == "" {
		return fmt.Errorf("installer requires script, variable and offline_dir")
	}
	for _, perm := range d.Permissions {
		if _, err := perm.FileMode(); err != nil {
			return err
		}
	}
	return nil
}

// Unit returns the unit with the given name.
func (d Definition) Unit(name string) (Unit, bool) {
	for _, unit := range d.Components {
		if unit.Name == name {
			return unit, true
		}
	}
	return Unit{}, false
}

// StalenessPolicy selects how component freshness is decided.
type StalenessPolicy string

const (
	PolicyChecksum StalenessPolicy = "checksum"
	PolicyMtime    StalenessPolicy = "mtime"
)

// ParseStalenessPolicy validates a policy name.
func ParseStalenessPolicy(value string) (StalenessPolicy, error) {
	switch StalenessPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PolicyChecksum:
		return PolicyChecksum, nil
	case PolicyMtime:
		return PolicyMtime, nil
	default:
		return "", fmt.Errorf("unknown staleness policy %q (want checksum or mtime)", value)
	}
}

// Options are the per-run switches selected by the operator.
type Options struct {
	ForceClean bool
	Staleness  StalenessPolicy
	BootCheck  bool

	// Only restricts the scheduler to the named units. Empty selects all.
	Only []string
	// Jobs is the parallelism budget shared by concurrent builds.
	Jobs int
}

// BuildContext provides the shared context passed across pipeline stages.
type BuildContext struct {
	RunID      string
	Workspace  Workspace
	Definition Definition
	Options    Options
	Logger     *slog.Logger
}

// Log returns the context logger, falling back to the process default.
func (c BuildContext) Log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// SelectedUnits resolves Options.Only against the definition, keeping
// declaration order.
func (c BuildContext) SelectedUnits() ([]Unit, error) {
	if len(c.Options.Only) == 0 {
		return append([]Unit(nil), c.Definition.Components...), nil
	}
	wanted := make(map[string]struct{}, len(c.Options.Only))
	for _, name := range c.Options.Only {
		if _, ok := c.Definition.Unit(name); !ok {
			return nil, fmt.Errorf("unknown component %q", name)
		}
		wanted[name] = struct{}{}
	}
	var units []Unit
	for _, unit := range c.Definition.Components {
		if _, ok := wanted[unit.Name]; ok {
			units = append(units, unit)
		}
	}
	return units, nil
}

// StalenessRecord is the tracker's verdict for one unit.
type StalenessRecord struct {
	Unit   string
	Policy StalenessPolicy
	Stale  bool
	Reason string
	// Changes lists the source paths with significant changes (checksum policy).
	Changes []string
}

// UnitResult reports what the scheduler did for one unit.
type UnitResult struct {
	Unit       Unit
	Rebuilt    bool
	Reason     string
	BinaryPath string
	Duration   time.Duration
}

// InstallOutcome distinguishes a no-op dependency pass from an install.
type InstallOutcome string

const (
	AlreadySatisfied InstallOutcome = "already-satisfied"
	Installed        InstallOutcome = "installed"
)

// InstallResult reports the dependency installer pass.
type InstallResult struct {
	Outcome InstallOutcome
	Missing []string
}

// PackageCacheResult reports the package cache pass.
type PackageCacheResult struct {
	Packages   []string
	Stamp      string
	Downloaded bool
	Complete   bool
	Failed     []string
	Copied     int
	Pruned     int
}

// AssemblyState is the state of the image work directory before assembly.
type AssemblyState string

const (
	StateFresh        AssemblyState = "fresh"
	StateStaleList    AssemblyState = "stale-list"
	StateReusableList AssemblyState = "reusable-list"
)

// AssemblyResult reports the image assembly pass.
type AssemblyResult struct {
	State          AssemblyState
	ClearedMarkers []string
	ISOPath        string
	Label          string
}

// FinalizeResult reports where the produced artifact ended up.
type FinalizeResult struct {
	Path  string
	Moved bool
}

// Handoff signals that the pipeline continued in a relocated child process.
type Handoff struct {
	Target   string
	ExitCode int
}

// StageReport is one line of the run report.
type StageReport struct {
	Name     string        `yaml:"name"`
	Outcome  string        `yaml:"outcome"`
	Duration time.Duration `yaml:"duration"`
	Error    string        `yaml:"error,omitempty"`
}

// Report summarises a pipeline hop.
type Report struct {
	RunID      string        `yaml:"run_id"`
	Workspace  string        `yaml:"workspace"`
	Origin     string        `yaml:"origin"`
	StartedAt  time.Time     `yaml:"started_at"`
	FinishedAt time.Time     `yaml:"finished_at"`
	Stages     []StageReport `yaml:"stages"`
	Units      []UnitSummary `yaml:"units,omitempty"`
	Packages   int           `yaml:"packages"`
	Assembly   AssemblyState `yaml:"assembly,omitempty"`
	Artifact   string        `yaml:"artifact,omitempty"`
}

// UnitSummary is the report view of a UnitResult.
type UnitSummary struct {
	Name    string `yaml:"name"`
	Rebuilt bool   `yaml:"rebuilt"`
	Reason  string `yaml:"reason,omitempty"`
}
