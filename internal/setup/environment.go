package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/heyos/heyiso/internal/build"
)

var packageLogger = slog.Default()

// SetLogger configures the package logger used for setup operations.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	packageLogger = logger
}

// Environment checks the host before any stage runs. The function fields
// default to the real system calls.
type Environment struct {
	Tools       []string
	Geteuid     func() int
	LookPath    func(file string) (string, error)
	RequireRoot bool
}

var _ build.Preflight = (*Environment)(nil)

// NewEnvironment returns the preflight used for real builds.
func NewEnvironment() *Environment {
	return &Environment{Tools: RequiredTools, RequireRoot: true}
}

// Check reports every unmet requirement at once.
func (e *Environment) Check(_ context.Context) error {
	geteuid := e.Geteuid
	if geteuid == nil {
		geteuid = unix.Geteuid
	}
	lookPath := e.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var errs []error
	if e.RequireRoot {
		if uid := geteuid(); uid != 0 {
			errs = append(errs, fmt.Errorf("root privileges required (running as uid %d)", uid))
		}
	}
	for _, tool := range e.Tools {
		path, err := lookPath(tool)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s not found on PATH", tool))
			continue
		}
		packageLogger.Debug("found required tool", "tool", tool, "path", path)
	}
	return errors.Join(errs...)
}
