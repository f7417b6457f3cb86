package manifest

import (
	"context"
	"errors"
	"fmt"
)

// Stage failure codes.
const (
	CodeExitStatus         = "ExitStatus"
	CodeMissingOutput      = "MissingOutput"
	CodeTimeout            = "Timeout"
	CodeResourceTimeout    = "ResourceTimeout"
	CodeConstraintConflict = "ConstraintConflict"
	CodeInvalidConstraints = "InvalidConstraints"
	CodeLaunchError        = "LaunchError"
)

// StageFailure is the failure of one stage. The stage's dependents are
// marked stale; the rest of the run continues.
type StageFailure struct {
	Stage   string
	Code    string
	Message string
	Cause   error
}

func (e *StageFailure) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("stage %s failed (%s): %s", e.Stage, e.Code, e.Message)
	}
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Message)
}

func (e *StageFailure) Unwrap() error { return e.Cause }

// FailureClass groups run termination reasons.
type FailureClass string

const (
	FailureClassStage     FailureClass = "stage"
	FailureClassCancelled FailureClass = "cancelled"
	FailureClassSystem    FailureClass = "system"
)

// Failure is the recorded reason a run did not succeed.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Stage        *string      `json:"stage,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`

	// Resumable is true when a later run can pick up from the completed
	// stages.
	Resumable bool `json:"resumable"`
}

// Validate checks the fields every failure record carries.
func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassStage, FailureClassCancelled, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Stage != nil && *f.Stage == "" {
		errs = append(errs, errors.New("stage must not be empty when provided"))
	}
	if f.ErrorCode == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if f.ErrorMessage == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}

// FailureFromError classifies err into a Failure record. Every class is
// resumable: completed stages stay valid for the next run.
func FailureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}
	f := Failure{FailureClass: FailureClassSystem, ErrorCode: "UnknownError", ErrorMessage: err.Error(), Resumable: true}

	var sf *StageFailure
	switch {
	case errors.As(err, &sf) && sf != nil:
		f.FailureClass = FailureClassStage
		if stage := sf.Stage; stage != "" {
			f.Stage = &stage
		}
		if sf.Code != "" {
			f.ErrorCode = sf.Code
		} else {
			f.ErrorCode = "StageFailure"
		}
		if sf.Message != "" {
			f.ErrorMessage = sf.Message
		}
	case errors.Is(err, context.DeadlineExceeded):
		f.FailureClass = FailureClassCancelled
		f.ErrorCode = "DeadlineExceeded"
	case errors.Is(err, context.Canceled):
		f.FailureClass = FailureClassCancelled
		f.ErrorCode = "Cancelled"
	}
	return f, nil
}
