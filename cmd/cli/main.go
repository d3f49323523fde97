package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	config "github.com/heyos/heyiso/config"
	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/logging"
	"github.com/heyos/heyiso/internal/setup"
)

// Exit statuses besides 0 and a relocated child's own status.
const (
	exitStageFailure       = 1
	exitEnvironmentFailure = 2
	exitInterrupted        = 130
)

// childExit carries a relocated child's non-zero exit status to main.
type childExit struct {
	code int
}

func (e childExit) Error() string {
	return fmt.Sprintf("relocated build exited with status %d", e.code)
}

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := newRootCommand(logger, &levelVar)
	err := root.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(logger, err))
}

func exitCode(logger *slog.Logger, err error) int {
	var child childExit
	switch {
	case err == nil:
		return 0
	case errors.As(err, &child):
		return child.code
	case errors.Is(err, context.Canceled):
		logger.Warn("command interrupted", logging.Error(err))
		return exitInterrupted
	case build.ClassOf(err) == build.FatalEnvironment:
		logger.Error("host environment not ready", logging.Error(err))
		return exitEnvironmentFailure
	default:
		logger.Error("command execution failed", logging.Error(err))
		return exitStageFailure
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With(logging.Component("setup")))

	root := &cobra.Command{
		Use:           "heyiso",
		Short:         "Build the heyOS live ISO",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	config.RegisterCommonFlags(root.PersistentFlags())

	root.AddCommand(
		newBuildCommand(logger, levelVar),
		newListCommand(logger, levelVar),
	)
	return root
}

func loadSettings(cmd *cobra.Command, levelVar *slog.LevelVar) (config.Settings, error) {
	settings, err := config.LoadSettings(cmd.Flags())
	if err != nil {
		return settings, err
	}
	level, _ := config.ParseLogLevel(settings.LogLevel)
	levelVar.Set(level)
	return settings, nil
}

func newBuildCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Args:  cobra.NoArgs,
		Short: "Build the components, refresh the caches and assemble the image",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, levelVar)
			if err != nil {
				return err
			}

			result, err := config.Build(cmd.Context(), settings, os.Args[1:], config.Dependencies{})
			if err != nil {
				return err
			}
			if result.Handoff != nil && result.Handoff.ExitCode != 0 {
				return childExit{code: result.Handoff.ExitCode}
			}
			if result.Handoff == nil {
				logger.Debug("build finished", "artifact", result.Report.Artifact)
			}
			return nil
		},
	}
	config.RegisterBuildFlags(cmd.Flags())
	return cmd
}

func newListCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "Show whether each component's cached binary is up to date",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "list")

			settings, err := loadSettings(cmd, levelVar)
			if err != nil {
				return err
			}
			statuses, err := config.List(settings, nil)
			if err != nil {
				cmdLogger.Error("listing components failed", logging.Error(err))
				return err
			}

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(out, "COMPONENT\tFLAG\tSTATE\tREASON")
			for _, status := range statuses {
				state := "stale"
				if status.Fresh {
					state = "fresh"
				}
				fmt.Fprintf(out, "%s\t--%s\t%s\t%s\n", status.Unit.Name, status.Unit.Flag, state, status.Reason)
			}
			return out.Flush()
		},
	}
}
