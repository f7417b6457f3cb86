package cli

import (
	"errors"
	"fmt"

	"rtlflow/internal/dag"
	"rtlflow/internal/flow"
	"rtlflow/internal/scheduler"
)

// Exit codes are part of the command-line contract.
const (
	ExitSuccess           = 0 // every required stage succeeded
	ExitStageFailure      = 1 // a stage failed, or the run was cancelled
	ExitFlowError         = 2 // the flow definition or graph is invalid
	ExitInvalidInvocation = 3 // bad flags or arguments
	ExitInternalError     = 4
)

// ExitError carries the exit code a command should end with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func wrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

func invalidInvocationf(format string, args ...any) error {
	return &ExitError{Code: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by a command to its exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var graphErr *dag.GraphError
	switch {
	case errors.As(err, &graphErr),
		errors.Is(err, flow.ErrInvalidFlow),
		errors.Is(err, scheduler.ErrSourceMissing):
		return ExitFlowError
	}
	return ExitInternalError
}
