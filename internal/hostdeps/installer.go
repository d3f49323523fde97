package hostdeps

import (
	"context"
	"fmt"
	"strings"

	"github.com/heyos/heyiso/internal/build"
)

// Installer makes sure the host tools the pipeline calls are installed.
type Installer struct {
	Packages build.PackageManager
}

var _ build.DependencyInstaller = (*Installer)(nil)

// Ensure queries every package and installs the missing ones in one batch.
func (i *Installer) Ensure(ctx context.Context, buildContext build.BuildContext, packages []string) (build.InstallResult, error) {
	logger := buildContext.Log()

	missing, err := i.missing(ctx, packages)
	if err != nil {
		return build.InstallResult{}, err
	}
	if len(missing) == 0 {
		logger.Info("host dependencies already satisfied", "packages", len(packages))
		return build.InstallResult{Outcome: build.AlreadySatisfied}, nil
	}

	logger.Info("installing missing host dependencies", "missing", strings.Join(missing, " "))
	result, err := i.Packages.Install(ctx, missing)
	if err != nil {
		return build.InstallResult{Missing: missing}, err
	}
	if !result.Success() {
		// The exit status is not trusted on its own; the package database is.
		still, err := i.missing(ctx, missing)
		if err != nil {
			return build.InstallResult{Missing: missing}, err
		}
		if len(still) > 0 {
			return build.InstallResult{Missing: missing}, &build.BuildError{
				Message: fmt.Sprintf("install host packages %s: %s", strings.Join(still, " "), result),
			}
		}
		logger.Warn("package manager reported failure but all packages are installed", "exit_code", result.ExitCode)
	}
	return build.InstallResult{Outcome: build.Installed, Missing: missing}, nil
}

func (i *Installer) missing(ctx context.Context, packages []string) ([]string, error) {
	var missing []string
	for _, pkg := range packages {
		installed, err := i.Packages.IsInstalled(ctx, pkg)
		if err != nil {
			return nil, err
		}
		if !installed {
			missing = append(missing, pkg)
		}
	}
	return missing, nil
}
