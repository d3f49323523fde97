package logging

import "log/slog"

// Canonical log keys shared by all pipeline stages.
const (
	KeyRunID     = "run_id"
	KeyStage     = "stage"
	KeyComponent = "component"
	KeyUnit      = "unit"
	KeyPath      = "path"
	KeyDuration  = "duration"
	KeyError     = "error"
)

func RunID(id string) slog.Attr { return slog.String(KeyRunID, id) }
func Stage(name string) slog.Attr { return slog.String(KeyStage, name) }
func Unit(name string) slog.Attr { return slog.String(KeyUnit, name) }
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }
func Component(c string) slog.Attr { return slog.String(KeyComponent, c) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
