package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no checkpoint exists for a thread.
	ErrNotFound = errors.New("graph: checkpoint not found")
	// ErrConflict is returned by a Checkpointer when the stored version does
	// not match the version the writer read.
	ErrConflict = errors.New("graph: checkpoint version conflict")
	// ErrCompleted is returned when mutating a run that already reached End.
	ErrCompleted = errors.New("graph: run already completed")
	// ErrStepLimit is returned when a single invocation executes more stages
	// than the configured bound.
	ErrStepLimit = errors.New("graph: step limit exceeded")
	// ErrNoCheckpointer is returned by operations that need persisted state.
	ErrNoCheckpointer = errors.New("graph: no checkpointer configured")
)

// ConfigurationError reports a defect in the graph definition, either at
// compile time or when a branch produces an outcome with no transition.
// It is never recovered from.
type ConfigurationError struct {
	Graph  string
	Stage  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("graph %s: configuration error: %s", e.Graph, e.Reason)
	}
	return fmt.Sprintf("graph %s: configuration error at %q: %s", e.Graph, e.Stage, e.Reason)
}

// StageError wraps the error returned by a stage handler.
type StageError struct {
	Graph string
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("graph %s: stage %q failed: %v", e.Graph, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
