package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"rtlflow/internal/artifact"
	"rtlflow/internal/constraint"
	"rtlflow/internal/ctxlog"
)

// Outcome classifies one invocation.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"

	// OutcomeLicenseUnavailable means the backend could not check out a
	// license. The attempt produced nothing and may be retried.
	OutcomeLicenseUnavailable Outcome = "license_unavailable"
)

// Failure reasons reported in InvokeResult.Reason.
const (
	ReasonExitStatus         = "exit_status"
	ReasonMissingOutput      = "missing_output"
	ReasonTimeout            = "timeout"
	ReasonInvalidConstraints = "invalid_constraints"
	ReasonLicenseUnavailable = "license_unavailable"
)

// InputArtifact is one resolved input handed to a backend.
type InputArtifact struct {
	Kind     string
	Producer string
	Path     string // absolute
	Hash     string
}

// InvokeResult is everything an invocation observed.
type InvokeResult struct {
	Outcome  Outcome
	ExitCode int
	Reason   string
	Message  string

	// Command is the rendered command line.
	Command string

	// Log is the backend's stdout and stderr, verbatim.
	Log      []byte
	Duration time.Duration

	// Produced is set on success. The records are not yet in the artifact
	// store; the caller commits them with RecordAll once it accepts the
	// stage's result.
	Produced []artifact.Record

	// Refined holds the constraints the backend wrote to constraints_out.
	Refined constraint.Directives

	// Ignored lists undeclared files found in the output directory.
	Ignored []string
}

// Invoker runs a stage's backend once and stores its outputs as objects.
type Invoker struct {
	WorkDir string

	// ConstraintsDir receives the rendered constraint view of each invocation.
	ConstraintsDir string

	Objects *artifact.Objects

	Executor *Executor

	// PassEnv names host variables every backend receives, in addition to
	// each descriptor's own pass_env.
	PassEnv []string
}

// NewInvoker wires an Invoker with a default executor.
func NewInvoker(workDir, constraintsDir string, objects *artifact.Objects) *Invoker {
	return &Invoker{
		WorkDir:        workDir,
		ConstraintsDir: constraintsDir,
		Objects:        objects,
		Executor:       NewExecutor(),
	}
}

// Invoke runs stage s with the given constraint view and inputs.
//
// Backend failures are not errors: they come back as OutcomeFailed with the
// log attached. A non-nil error means the stage could not be attempted at all,
// or that ctx was cancelled while it ran.
func (iv *Invoker) Invoke(ctx context.Context, s Stage, view constraint.View, inputs []InputArtifact) (*InvokeResult, error) {
	logger := ctxlog.FromContext(ctx).With("stage", s.Name)
	h := NewHarvester(iv.WorkDir)

	if err := h.Clean(s); err != nil {
		return nil, fmt.Errorf("preparing outputs of %q: %w", s.Name, err)
	}
	if s.Tool.ConstraintsOut != "" {
		if err := os.Remove(h.Resolve(s.Tool.ConstraintsOut)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("removing stale constraints_out of %q: %w", s.Name, err)
		}
	}

	constraintsPath, err := constraint.WriteView(iv.ConstraintsDir, s.Name, view)
	if err != nil {
		return nil, err
	}

	vars := TemplateVars{
		Inputs:            make(map[string]string, len(inputs)),
		Outputs:           make(map[string]string, len(s.Outputs)),
		Constraints:       constraintsPath,
		ConstraintVersion: view.Version,
		Stage:             s.Name,
		Workdir:           iv.WorkDir,
	}
	for _, in := range inputs {
		vars.Inputs[in.Kind] = in.Path
	}
	for _, o := range s.Outputs {
		vars.Outputs[o.Kind] = h.Resolve(o.Path)
	}
	command, err := s.Tool.Command.Render(vars)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", s.Name, err)
	}

	runCtx := ctx
	if s.Tool.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.Tool.Timeout)
		defer cancel()
	}

	pass := append(slices.Clone(iv.PassEnv), s.Tool.PassEnv...)
	logger.Debug("launching backend", "command", command, "constraint_version", view.Version)

	proc, err := iv.executor().Execute(runCtx, Process{
		Command: command,
		Dir:     iv.WorkDir,
		Env:     BuildEnv(s.Tool.Env, pass),
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrKilled) && ctx.Err() != nil:
		return &InvokeResult{Outcome: OutcomeFailed, Command: command, Log: proc.Log, Duration: proc.Duration, ExitCode: proc.ExitCode}, ctx.Err()
	case errors.Is(err, ErrKilled):
		logger.Warn("backend timed out", "timeout", s.Tool.Timeout)
		return &InvokeResult{
			Outcome:  OutcomeFailed,
			Reason:   ReasonTimeout,
			Message:  fmt.Sprintf("backend exceeded timeout of %s", s.Tool.Timeout),
			Command:  command,
			Log:      proc.Log,
			Duration: proc.Duration,
			ExitCode: proc.ExitCode,
		}, nil
	default:
		return nil, fmt.Errorf("stage %q: %w", s.Name, err)
	}

	res := &InvokeResult{
		Outcome:  OutcomeFailed,
		ExitCode: proc.ExitCode,
		Command:  command,
		Log:      proc.Log,
		Duration: proc.Duration,
	}

	if proc.ExitCode != 0 {
		if licenseUnavailable(s.Tool, proc) {
			res.Outcome = OutcomeLicenseUnavailable
			res.Reason = ReasonLicenseUnavailable
			res.Message = "backend could not check out a license"
			return res, nil
		}
		res.Reason = ReasonExitStatus
		res.Message = fmt.Sprintf("backend exited with status %d", proc.ExitCode)
		return res, nil
	}

	harvested, err := h.Harvest(s)
	var missing *MissingOutputError
	if errors.As(err, &missing) {
		res.Reason = ReasonMissingOutput
		res.Message = missing.Error()
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	ignored, err := h.Undeclared(s)
	if err != nil {
		return nil, fmt.Errorf("scanning output dir of %q: %w", s.Name, err)
	}
	for _, f := range ignored {
		logger.Warn("ignoring undeclared output", "path", f)
	}
	res.Ignored = ignored

	if s.Tool.ConstraintsOut != "" {
		refined, err := constraint.ReadRefined(h.Resolve(s.Tool.ConstraintsOut))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			res.Reason = ReasonInvalidConstraints
			res.Message = err.Error()
			return res, nil
		default:
			res.Refined = refined
		}
	}

	records := make([]artifact.Record, 0, len(harvested))
	for _, hv := range harvested {
		sum, err := HashPath(hv.AbsPath, NormalizerFor(hv.Output))
		if err != nil {
			return nil, fmt.Errorf("hashing %s of %q: %w", hv.Output.Kind, s.Name, err)
		}
		var object string
		if iv.Objects != nil {
			if object, err = iv.Objects.Put(hv.AbsPath); err != nil {
				return nil, fmt.Errorf("storing %s of %q: %w", hv.Output.Kind, s.Name, err)
			}
		}
		records = append(records, artifact.Record{
			Stage:    s.Name,
			Kind:     hv.Output.Kind,
			Hash:     sum,
			Object:   object,
			Location: filepath.ToSlash(hv.Output.Path),
		})
	}
	res.Outcome = OutcomeSucceeded
	res.Produced = records
	logger.Debug("backend succeeded", "duration", proc.Duration, "outputs", len(records))
	return res, nil
}

func (iv *Invoker) executor() *Executor {
	if iv.Executor == nil {
		return NewExecutor()
	}
	return iv.Executor
}

func licenseUnavailable(t ToolDescriptor, proc *ProcessResult) bool {
	if slices.Contains(t.LicenseRetryExitCodes, proc.ExitCode) {
		return true
	}
	if t.LicenseRetryPattern == "" {
		return false
	}
	re, err := regexp.Compile(t.LicenseRetryPattern)
	if err != nil {
		return false
	}
	return re.Match(proc.Log)
}
