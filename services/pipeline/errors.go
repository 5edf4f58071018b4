package pipeline

import (
	"errors"
	"fmt"
)

// StageErrorKind classifies a stage failure for routing purposes.
type StageErrorKind string

const (
	// StageTimeout marks a stage invocation that exceeded its budgeted
	// wall-clock time.
	StageTimeout StageErrorKind = "timeout"
	// StageInvalidOutput marks an empty or schema-violating stage result.
	StageInvalidOutput StageErrorKind = "invalid_output"
	// StageUnverified marks a deployment that claimed success without a
	// confirming read from the system of record. Always fatal.
	StageUnverified StageErrorKind = "unverified"
	// StageExternalFailure marks a failed call to an external system.
	StageExternalFailure StageErrorKind = "external_failure"
)

// StageError is the failure result of one stage invocation.
type StageError struct {
	Stage Stage
	Kind  StageErrorKind
	Err   error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Kind)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err as a classified stage failure.
func NewStageError(stage Stage, kind StageErrorKind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// Retryable reports whether the failure may be routed back through the
// implementation/review loop. Unverified is a correctness violation, never a
// retry candidate.
func (e *StageError) Retryable() bool {
	switch e.Kind {
	case StageTimeout, StageInvalidOutput, StageExternalFailure:
		return true
	default:
		return false
	}
}

// AsStageError extracts a StageError from err, classifying unrecognised
// errors as external failures for the given stage.
func AsStageError(stage Stage, err error) *StageError {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}
	return NewStageError(stage, StageExternalFailure, err)
}

var (
	// ErrNotPending is returned when an approval is resolved for a run
	// that is not suspended at that exact gate.
	ErrNotPending = errors.New("gate: approval not pending")
	// ErrTerminalState is returned when an event targets a run that has
	// already reached a terminal state.
	ErrTerminalState = errors.New("run: terminal state re-entry")
	// ErrRetryBudgetExceeded is recorded when the implementation/review
	// loop exhausts its budget.
	ErrRetryBudgetExceeded = errors.New("run: max retries exceeded")
	// ErrRunNotFound is returned by run stores for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrUnexpectedEvent is returned when an event does not apply to the
	// run's current state.
	ErrUnexpectedEvent = errors.New("run: event does not apply to current state")
)
