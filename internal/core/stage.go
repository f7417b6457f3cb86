package core

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// SourceProducer is the pseudo-stage that owns external inputs such as RTL.
// It can never collide with a stage name because stage names are identifiers.
const SourceProducer = "@source"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ValidIdentifier reports whether s can be used as a stage name or artifact kind.
func ValidIdentifier(s string) bool { return identRe.MatchString(s) }

// Stage is the declarative definition of one step of the flow.
type Stage struct {
	Name string

	// Inputs are artifact kinds, in the order the backend expects them.
	Inputs []string

	Outputs []Output

	Tool ToolDescriptor

	// Optional stages do not fail the run when they fail. Their dependents
	// are still marked stale.
	Optional bool
}

// Output is a declared output of a stage.
type Output struct {
	Kind string

	// Path is relative to the flow work directory. It may name a file or a
	// directory; directories are hashed as a tree.
	Path string

	// Normalize strips timestamps and similar run-to-run noise before hashing.
	Normalize bool
}

// ToolDescriptor describes how a backend tool is launched.
type ToolDescriptor struct {
	Command Template

	// License is the license class the tool checks out. Empty means the
	// stage only counts against the global concurrency ceiling.
	License string

	// Timeout bounds one invocation. Zero means no timeout.
	Timeout time.Duration

	Env     map[string]string
	PassEnv []string

	// ConstraintsOut is a path (relative to the work directory) where the
	// backend may write refined constraints as a YAML mapping.
	ConstraintsOut string

	// OutputDir is the directory the backend writes into. Files there that
	// no declared output covers are reported as ignored.
	OutputDir string

	// LicenseRetryExitCodes and LicenseRetryPattern identify runs that failed
	// only because no license was available. Such runs are retried.
	LicenseRetryExitCodes []int
	LicenseRetryPattern   string
}

// OutputKinds returns the stage's output kinds sorted by name.
func (s Stage) OutputKinds() []string {
	kinds := make([]string, 0, len(s.Outputs))
	for _, o := range s.Outputs {
		kinds = append(kinds, o.Kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Output returns the declared output of the given kind.
func (s Stage) Output(kind string) (Output, bool) {
	for _, o := range s.Outputs {
		if o.Kind == kind {
			return o, true
		}
	}
	return Output{}, false
}

// Validate checks the stage in isolation. Cross-stage rules (duplicate
// outputs, unresolved inputs) belong to the graph.
func (s Stage) Validate() error {
	if !ValidIdentifier(s.Name) {
		return fmt.Errorf("invalid stage name %q", s.Name)
	}
	if len(s.Outputs) == 0 {
		return fmt.Errorf("stage %q declares no outputs", s.Name)
	}

	seenIn := make(map[string]struct{}, len(s.Inputs))
	for _, in := range s.Inputs {
		if !ValidIdentifier(in) {
			return fmt.Errorf("stage %q: invalid input kind %q", s.Name, in)
		}
		if _, dup := seenIn[in]; dup {
			return fmt.Errorf("stage %q: input kind %q listed twice", s.Name, in)
		}
		seenIn[in] = struct{}{}
	}

	seenOut := make(map[string]struct{}, len(s.Outputs))
	for _, o := range s.Outputs {
		if !ValidIdentifier(o.Kind) {
			return fmt.Errorf("stage %q: invalid output kind %q", s.Name, o.Kind)
		}
		if _, dup := seenOut[o.Kind]; dup {
			return fmt.Errorf("stage %q: output kind %q declared twice", s.Name, o.Kind)
		}
		seenOut[o.Kind] = struct{}{}
		if o.Path == "" {
			return fmt.Errorf("stage %q: output %q has no path", s.Name, o.Kind)
		}
	}

	if s.Tool.Command.IsZero() {
		return fmt.Errorf("stage %q: backend command is required", s.Name)
	}
	if s.Tool.Timeout < 0 {
		return fmt.Errorf("stage %q: negative timeout", s.Name)
	}
	if s.Tool.LicenseRetryPattern != "" {
		if _, err := regexp.Compile(s.Tool.LicenseRetryPattern); err != nil {
			return fmt.Errorf("stage %q: license retry pattern: %w", s.Name, err)
		}
	}
	return ValidateTemplate(s)
}
