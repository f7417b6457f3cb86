package flow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"rtlflow/internal/constraint"
	"rtlflow/internal/core"
	"rtlflow/internal/ctxlog"
	"rtlflow/internal/dag"
	"rtlflow/internal/scheduler"
)

// ErrInvalidFlow wraps every problem with the flow file itself. Graph
// errors (cycles, unresolved inputs) come back as *dag.GraphError instead.
var ErrInvalidFlow = errors.New("invalid flow definition")

const (
	DefaultStateDir    = ".rtlflow"
	DefaultMaxParallel = 4
)

// Settings are the workspace-wide knobs of a flow.
type Settings struct {
	// StateDir is relative to the work directory unless absolute.
	StateDir        string
	MaxParallel     int
	ResourceTimeout time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	KillGrace       time.Duration
	PassEnv         []string
}

// Flow is a loaded and validated flow definition.
type Flow struct {
	// Path is the flow file. WorkDir is its directory; every relative path
	// in the file resolves against it.
	Path    string
	WorkDir string

	Settings    Settings
	Licenses    map[string]int
	Sources     map[string]string
	Constraints constraint.Directives
	Graph       *dag.Graph
}

// StatePath returns p inside the flow's state directory.
func (f *Flow) StatePath(p ...string) string {
	dir := f.Settings.StateDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(f.WorkDir, dir)
	}
	return filepath.Join(append([]string{dir}, p...)...)
}

// Load parses, decodes and validates the flow file at path.
func Load(ctx context.Context, path string) (*Flow, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("loading flow", "path", path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlow, err)
	}
	return Parse(ctx, abs, src)
}

// Parse is Load for a file already in memory. filename decides the work
// directory and appears in diagnostics.
func Parse(ctx context.Context, filename string, src []byte) (*Flow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to parse %s: %w", ErrInvalidFlow, filename, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to decode %s: %w", ErrInvalidFlow, filename, diags)
	}

	f := &Flow{
		Path:     filename,
		WorkDir:  filepath.Dir(filename),
		Licenses: make(map[string]int),
		Sources:  make(map[string]string),
	}
	if err := f.translate(&root, file.Bytes); err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Debug("flow loaded",
		"stages", f.Graph.Len(),
		"sources", len(f.Sources),
		"licenses", len(f.Licenses),
		"constraints", len(f.Constraints))
	return f, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFlow, fmt.Sprintf(format, args...))
}

func (f *Flow) translate(root *fileRoot, src []byte) error {
	if len(root.Settings) > 1 {
		return invalid("settings block given %d times", len(root.Settings))
	}
	var sb *settingsBlock
	if len(root.Settings) == 1 {
		sb = root.Settings[0]
	}
	settings, err := translateSettings(sb)
	if err != nil {
		return err
	}
	f.Settings = settings

	for _, l := range root.Licenses {
		if !core.ValidIdentifier(l.Name) {
			return invalid("invalid license class name %q", l.Name)
		}
		if _, dup := f.Licenses[l.Name]; dup {
			return invalid("license class %q declared twice", l.Name)
		}
		if l.Slots <= 0 {
			return invalid("license class %q: slots must be positive, got %d", l.Name, l.Slots)
		}
		f.Licenses[l.Name] = l.Slots
	}

	g := dag.New()
	for _, s := range root.Sources {
		if _, dup := f.Sources[s.Kind]; dup {
			return invalid("source %q declared twice", s.Kind)
		}
		if s.Path == "" {
			return invalid("source %q has an empty path", s.Kind)
		}
		if err := g.AddSource(s.Kind); err != nil {
			return err
		}
		f.Sources[s.Kind] = s.Path
	}

	directives, err := translateConstraints(root.Constraints)
	if err != nil {
		return err
	}
	f.Constraints = directives

	for _, b := range root.Stages {
		st, err := translateStage(b, src)
		if err != nil {
			return err
		}
		if st.Tool.License != "" {
			if _, ok := f.Licenses[st.Tool.License]; !ok {
				return invalid("stage %q: license class %q is not declared", st.Name, st.Tool.License)
			}
		}
		if err := g.AddStage(st); err != nil {
			return err
		}
	}
	if err := g.Validate(); err != nil {
		return err
	}
	f.Graph = g
	return nil
}

func translateSettings(b *settingsBlock) (Settings, error) {
	s := Settings{
		StateDir:        DefaultStateDir,
		MaxParallel:     DefaultMaxParallel,
		ResourceTimeout: scheduler.DefaultResourceTimeout,
		BackoffBase:     scheduler.DefaultBackoffBase,
		BackoffMax:      scheduler.DefaultBackoffMax,
		KillGrace:       core.DefaultKillGrace,
		PassEnv:         []string{"PATH"},
	}
	if b == nil {
		return s, nil
	}
	if b.StateDir != nil {
		if *b.StateDir == "" {
			return s, invalid("settings: state_dir must not be empty")
		}
		s.StateDir = *b.StateDir
	}
	if b.MaxParallel != nil {
		if *b.MaxParallel <= 0 {
			return s, invalid("settings: max_parallel must be positive, got %d", *b.MaxParallel)
		}
		s.MaxParallel = *b.MaxParallel
	}
	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"resource_timeout", b.ResourceTimeout, &s.ResourceTimeout},
		{"backoff_base", b.BackoffBase, &s.BackoffBase},
		{"backoff_max", b.BackoffMax, &s.BackoffMax},
		{"kill_grace", b.KillGrace, &s.KillGrace},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := parseDuration(*d.raw)
		if err != nil {
			return s, invalid("settings: %s: %v", d.name, err)
		}
		*d.dst = v
	}
	if s.BackoffBase > s.BackoffMax {
		return s, invalid("settings: backoff_base %s exceeds backoff_max %s", s.BackoffBase, s.BackoffMax)
	}
	if b.PassEnv != nil {
		s.PassEnv = b.PassEnv
	}
	return s, nil
}

func parseDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

// translateConstraints merges every constraints block. Numbers and bools
// are kept in their HCL spelling.
func translateConstraints(blocks []*constraintsBlock) (constraint.Directives, error) {
	out := constraint.Directives{}
	for _, b := range blocks {
		attrs, diags := b.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("%w: constraints: %w", ErrInvalidFlow, diags)
		}
		names := make([]string, 0, len(attrs))
		for name := range attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, dup := out[name]; dup {
				return nil, invalid("constraint %q given twice", name)
			}
			val, diags := attrs[name].Expr.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("%w: constraint %q: %w", ErrInvalidFlow, name, diags)
			}
			str, err := directiveString(val)
			if err != nil {
				return nil, invalid("constraint %q: %v", name, err)
			}
			out[name] = str
		}
	}
	norm, err := constraint.Normalize(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlow, err)
	}
	return norm, nil
}

func directiveString(v cty.Value) (string, error) {
	if v.IsNull() || !v.IsKnown() {
		return "", errors.New("value is null or unknown")
	}
	if v.Type() == cty.Number {
		// Avoid cty's exponent form for values like 2.5e-9.
		return v.AsBigFloat().Text('f', -1), nil
	}
	str, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("must be a string, number or bool, got %s", v.Type().FriendlyName())
	}
	return str.AsString(), nil
}

func translateStage(b *stageBlock, src []byte) (core.Stage, error) {
	st := core.Stage{
		Name:     b.Name,
		Inputs:   b.Inputs,
		Optional: b.Optional,
	}
	for _, o := range b.Outputs {
		st.Outputs = append(st.Outputs, core.Output{Kind: o.Kind, Path: o.Path, Normalize: o.Normalize})
	}
	if b.Backend == nil {
		return st, invalid("stage %q has no backend block", b.Name)
	}

	be := b.Backend
	st.Tool = core.ToolDescriptor{
		Command:               core.TemplateFromExpression(be.Command, string(be.Command.Range().SliceBytes(src))),
		License:               be.License,
		Env:                   be.Env,
		PassEnv:               be.PassEnv,
		OutputDir:             be.OutputDir,
		ConstraintsOut:        be.ConstraintsOut,
		LicenseRetryExitCodes: be.LicenseRetryExitCodes,
		LicenseRetryPattern:   be.LicenseRetryPattern,
	}
	if be.Timeout != nil {
		d, err := parseDuration(*be.Timeout)
		if err != nil {
			return st, invalid("stage %q: timeout: %v", b.Name, err)
		}
		st.Tool.Timeout = d
	}
	if err := st.Validate(); err != nil {
		return st, fmt.Errorf("%w: %w", ErrInvalidFlow, err)
	}
	return st, nil
}
