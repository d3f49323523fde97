package repositories

import (
	"os"
	"strings"
	"testing"

	"github.com/heyos/heyiso/internal/build"
)

func TestDefaultDefinitionIsValid(t *testing.T) {
	t.Parallel()

	def, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	for _, name := range []string{"heydm", "hey-greeter"} {
		if _, ok := def.Unit(name); !ok {
			t.Fatalf("default definition lacks %s", name)
		}
	}
	if def.Installer.Variable != "PACKAGES" || def.BootCheck.SettleSeconds != 30 {
		t.Fatalf("unexpected defaults: %+v", def)
	}
}

func TestLoadWithoutOverride(t *testing.T) {
	t.Parallel()

	def, err := DefinitionRepository{}.Load(build.NewWorkspace(t.TempDir(), ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(def.Components) != 2 {
		t.Fatalf("components = %v", def.Components)
	}
}

func TestLoadAppliesWorkspaceOverride(t *testing.T) {
	t.Parallel()

	ws := build.NewWorkspace(t.TempDir(), "")
	override := `
host_packages: [archiso, rustup]
installer:
  variable: PKGS
boot_check:
  settle_seconds: 5
`
	if err := os.WriteFile(ws.DefinitionPath(), []byte(override), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	def, err := DefinitionRepository{}.Load(ws)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if strings.Join(def.HostPackages, ",") != "archiso,rustup" {
		t.Fatalf("host packages = %v", def.HostPackages)
	}
	if def.Installer.Variable != "PKGS" || def.Installer.Script == "" {
		t.Fatalf("installer = %+v", def.Installer)
	}
	if def.BootCheck.SettleSeconds != 5 || def.BootCheck.MemoryMB != 2048 {
		t.Fatalf("boot check = %+v", def.BootCheck)
	}
}

func TestLoadRejectsUnknownAndInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown key":    "componets: []\n",
		"duplicate unit": "components:\n  - {name: a, source: a, binary: a}\n  - {name: a, source: b, binary: b}\n",
		"bad mode":       "permissions:\n  - {path: etc/x, mode: \"rwx\"}\n",
	}
	for name, content := range cases {
		ws := build.NewWorkspace(t.TempDir(), "")
		if err := os.WriteFile(ws.DefinitionPath(), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		if _, err := (DefinitionRepository{}).Load(ws); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
