package pacman

import (
	"context"
	"fmt"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/command"
)

// PackageManager drives pacman. Output goes to the build log and is never
// parsed.
type PackageManager struct {
	Runner command.Runner

	// Binary overrides the pacman executable. Defaults to "pacman".
	Binary string
}

var _ build.PackageManager = (*PackageManager)(nil)

// IsInstalled queries the local package database.
func (p *PackageManager) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	result, err := p.Runner.Run(ctx, command.Request{Args: []string{p.binary(), "-Qi", pkg}})
	if err != nil {
		return false, &build.BuildError{Message: fmt.Sprintf("query package %s", pkg), Err: err}
	}
	return result.Success(), nil
}

// Install installs pkgs in one transaction, skipping those already current.
func (p *PackageManager) Install(ctx context.Context, pkgs []string) (command.Result, error) {
	args := append([]string{p.binary(), "-S", "--needed", "--noconfirm"}, pkgs...)
	return p.run(ctx, args)
}

// Download fetches pkgs and their dependencies into cacheDir without installing.
func (p *PackageManager) Download(ctx context.Context, cacheDir string, pkgs []string) (command.Result, error) {
	args := append([]string{p.binary(), "-Sw", "--noconfirm", "--cachedir", cacheDir}, pkgs...)
	return p.run(ctx, args)
}

func (p *PackageManager) run(ctx context.Context, args []string) (command.Result, error) {
	result, err := p.Runner.Run(ctx, command.Request{Args: args})
	if err != nil {
		return result, &build.BuildError{Message: "pacman could not be started", Err: err}
	}
	return result, nil
}

func (p *PackageManager) binary() string {
	if p.Binary != "" {
		return p.Binary
	}
	return "pacman"
}
