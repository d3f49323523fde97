package simple

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/build/adapters/libvirt"
	"github.com/heyos/heyiso/internal/logging"
	"github.com/heyos/heyiso/internal/setup"
)

// EnvPrefix is prepended to every setting read from the environment, e.g.
// HEYISO_FAST_PATH or HEYISO_LOG_LEVEL.
const EnvPrefix = "HEYISO"

// Selector flags restricting a run to one component.
const (
	SelectDM      = "dm-only"
	SelectGreeter = "greeter-only"
)

// Settings are the runtime switches of one invocation. Values come from
// flags, then HEYISO_* environment variables, then defaults.
type Settings struct {
	Workspace   string `mapstructure:"workspace"`
	FastPath    string `mapstructure:"fast-path"`
	Staleness   string `mapstructure:"staleness"`
	Clean       bool   `mapstructure:"clean"`
	DMOnly      bool   `mapstructure:"dm-only"`
	GreeterOnly bool   `mapstructure:"greeter-only"`
	BootCheck   bool   `mapstructure:"boot-check"`
	ConnectURI  string `mapstructure:"connect-uri"`
	Jobs        int    `mapstructure:"jobs"`
	LogLevel    string `mapstructure:"log-level"`
	LogFormat   string `mapstructure:"log-format"`
	LogFile     string `mapstructure:"log-file"`

	// Set by a relocating parent for its child.
	Origin    string `mapstructure:"origin"`
	Relocated bool   `mapstructure:"relocated"`
}

func defaults() map[string]any {
	return map[string]any{
		"workspace":    ".",
		"fast-path":    setup.FastPathDir,
		"staleness":    string(build.PolicyChecksum),
		"clean":        false,
		"dm-only":      false,
		"greeter-only": false,
		"boot-check":   false,
		"connect-uri":  libvirt.DefaultConnectionURI,
		"jobs":         0,
		"log-level":    "info",
		"log-format":   "text",
		"log-file":     "",
		"origin":       "",
		"relocated":    false,
	}
}

// RegisterCommonFlags adds the flags shared by every subcommand.
func RegisterCommonFlags(flags *pflag.FlagSet) {
	flags.String("workspace", ".", "heyOS checkout to build")
	flags.String("staleness", string(build.PolicyChecksum), "component staleness policy (checksum or mtime)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "build log format (text or json)")
}

// RegisterBuildFlags adds the flags of the build command.
func RegisterBuildFlags(flags *pflag.FlagSet) {
	flags.Bool("clean", false, "wipe every build cache before building")
	flags.Bool(SelectDM, false, "rebuild only the display manager")
	flags.Bool(SelectGreeter, false, "rebuild only the greeter")
	flags.String("fast-path", setup.FastPathDir, "native filesystem directory used when the workspace is on slow storage")
	flags.Bool("boot-check", false, "boot the finished image in a transient libvirt domain")
	flags.String("connect-uri", libvirt.DefaultConnectionURI, "libvirt connection used by --boot-check")
	flags.Int("jobs", 0, "total build parallelism (0 uses every CPU)")
	flags.String("log-file", "", "build log path (defaults to build.log in the workspace)")
}

// LoadSettings resolves settings for the flags of the running command. flags
// may be nil.
func LoadSettings(flags *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Settings{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return settings, settings.Validate()
}

// Validate checks the settings for contradictions.
func (s Settings) Validate() error {
	if s.DMOnly && s.GreeterOnly {
		return fmt.Errorf("--%s and --%s are mutually exclusive", SelectDM, SelectGreeter)
	}
	if _, err := build.ParseStalenessPolicy(s.Staleness); err != nil {
		return err
	}
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(s.LogFormat); err != nil {
		return err
	}
	if s.Jobs < 0 {
		return fmt.Errorf("jobs must not be negative, got %d", s.Jobs)
	}
	if strings.TrimSpace(s.Workspace) == "" {
		return fmt.Errorf("workspace is required")
	}
	return nil
}

// Policy returns the validated staleness policy.
func (s Settings) Policy() build.StalenessPolicy {
	policy, _ := build.ParseStalenessPolicy(s.Staleness)
	return policy
}

// Selectors lists the component selector flags that are set.
func (s Settings) Selectors() []string {
	switch {
	case s.DMOnly:
		return []string{SelectDM}
	case s.GreeterOnly:
		return []string{SelectGreeter}
	}
	return nil
}

// BuildWorkspace resolves the workspace of this hop.
func (s Settings) BuildWorkspace() (build.Workspace, error) {
	root, err := filepath.Abs(s.Workspace)
	if err != nil {
		return build.Workspace{}, fmt.Errorf("resolve workspace: %w", err)
	}
	origin := ""
	if s.Relocated && s.Origin != "" {
		origin = s.Origin
	}
	return build.NewWorkspace(root, origin), nil
}

// BuildLogPath is the log file both hops append to.
func (s Settings) BuildLogPath(ws build.Workspace) string {
	if s.LogFile != "" {
		return s.LogFile
	}
	return filepath.Join(ws.Origin, setup.LogFileName)
}

// ParseLogLevel maps a level name to its slog level.
func ParseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

// ParseLogFormat maps a format name to a logging mode.
func ParseLogFormat(value string) (logging.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "text":
		return logging.ModeCLI, nil
	case "json":
		return logging.ModeJSON, nil
	default:
		return logging.ModeCLI, fmt.Errorf("unknown log format %q", value)
	}
}
