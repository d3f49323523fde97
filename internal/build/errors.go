package build

import (
	"errors"
	"fmt"
)

// BuildError reports a failed collaborator invocation.
type BuildError struct {
	Message string
	Err     error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// ErrorClass orders failures by how far they propagate.
type ErrorClass int

const (
	// Informational conditions are logged and never stop the pipeline.
	Informational ErrorClass = iota
	// BestEffort conditions are logged as warnings and never stop the pipeline.
	BestEffort
	// FatalStage stops the pipeline at the failing stage.
	FatalStage
	// FatalEnvironment stops the pipeline before any stage runs.
	FatalEnvironment
)

func (c ErrorClass) String() string {
	switch c {
	case Informational:
		return "informational"
	case BestEffort:
		return "best-effort"
	case FatalStage:
		return "fatal-stage"
	case FatalEnvironment:
		return "fatal-environment"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Fatal reports whether the class stops the pipeline.
func (c ErrorClass) Fatal() bool {
	return c >= FatalStage
}

// StageError attributes a failure to the pipeline stage it happened in.
type StageError struct {
	Stage string
	Class ErrorClass
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// EnvironmentError marks err as a Fatal-Environment condition.
func EnvironmentError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Class: FatalEnvironment, Err: err}
}

// ClassOf returns the class of the first StageError in err's chain. Errors
// without a StageError are Fatal-Stage.
func ClassOf(err error) ErrorClass {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Class
	}
	return FatalStage
}

// FailedStage returns the stage name recorded in err, if any.
func FailedStage(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}
