package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidStage    = errors.New("invalid stage")
	ErrDuplicateStage  = errors.New("duplicate stage")
	ErrDuplicateOutput = errors.New("duplicate output")
	ErrUnresolvedInput = errors.New("unresolved input")
	ErrCycleDetected   = errors.New("cycle detected")
	ErrUnknownStage    = errors.New("unknown stage")
)

// GraphError wraps deterministic graph construction failures.
type GraphError struct {
	Kind error
	Msg  string

	// Stages lists the offending stages, sorted. For a cycle it is every
	// stage that lies on one.
	Stages []string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func graphErrorf(kind error, stages []string, format string, args ...any) error {
	return &GraphError{Kind: kind, Msg: fmt.Sprintf(format, args...), Stages: stages}
}

func cycleError(stages []string) error {
	return &GraphError{
		Kind:   ErrCycleDetected,
		Msg:    "stages {" + strings.Join(stages, ", ") + "}",
		Stages: stages,
	}
}
