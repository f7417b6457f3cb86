package core

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Template variables available to a backend command.
const (
	VarInput             = "input"
	VarOutput            = "output"
	VarConstraints       = "constraints"
	VarConstraintVersion = "constraint_version"
	VarStage             = "stage"
	VarWorkdir           = "workdir"
)

var templateRoots = map[string]struct{}{
	VarInput:             {},
	VarOutput:            {},
	VarConstraints:       {},
	VarConstraintVersion: {},
	VarStage:             {},
	VarWorkdir:           {},
}

// Template is a backend command in HCL template syntax, e.g.
//
//	yosys -q -p "synth -top top" -o ${output.netlist} ${input.rtl}/*.v
//
// Source is kept verbatim so it can take part in the stage definition hash.
type Template struct {
	Source string
	expr   hcl.Expression
}

// ParseTemplate parses a raw template body.
func ParseTemplate(src string) (Template, error) {
	expr, diags := hclsyntax.ParseTemplate([]byte(src), "<command>", hcl.InitialPos)
	if diags.HasErrors() {
		return Template{}, fmt.Errorf("parsing command template: %w", diags)
	}
	return Template{Source: src, expr: expr}, nil
}

// MustParseTemplate is ParseTemplate for tests and literals known to be valid.
func MustParseTemplate(src string) Template {
	t, err := ParseTemplate(src)
	if err != nil {
		panic(err)
	}
	return t
}

// TemplateFromExpression wraps an expression already decoded from a flow
// file. source is the expression's text as written.
func TemplateFromExpression(expr hcl.Expression, source string) Template {
	return Template{Source: source, expr: expr}
}

// IsZero reports whether the template is unset.
func (t Template) IsZero() bool { return t.expr == nil }

// Variables returns the traversals the template references.
func (t Template) Variables() []hcl.Traversal {
	if t.expr == nil {
		return nil
	}
	return t.expr.Variables()
}

// TemplateVars are the values a command is rendered with.
type TemplateVars struct {
	Inputs            map[string]string
	Outputs           map[string]string
	Constraints       string
	ConstraintVersion int
	Stage             string
	Workdir           string
}

func (v TemplateVars) evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			VarInput:             stringObject(v.Inputs),
			VarOutput:            stringObject(v.Outputs),
			VarConstraints:       cty.StringVal(v.Constraints),
			VarConstraintVersion: cty.NumberIntVal(int64(v.ConstraintVersion)),
			VarStage:             cty.StringVal(v.Stage),
			VarWorkdir:           cty.StringVal(v.Workdir),
		},
	}
}

func stringObject(m map[string]string) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(m))
	for k, v := range m {
		attrs[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(attrs)
}

// Render evaluates the template to the final command line.
func (t Template) Render(vars TemplateVars) (string, error) {
	if t.expr == nil {
		return "", fmt.Errorf("empty command template")
	}
	val, diags := t.expr.Value(vars.evalContext())
	if diags.HasErrors() {
		return "", fmt.Errorf("rendering command: %w", diags)
	}
	if val.IsNull() || !val.IsKnown() {
		return "", fmt.Errorf("rendering command: result is null or unknown")
	}
	str, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", fmt.Errorf("rendering command: %w", err)
	}
	return str.AsString(), nil
}

// ValidateTemplate rejects commands that reference unknown variables or
// artifact kinds the stage does not declare.
func ValidateTemplate(s Stage) error {
	inputs := make(map[string]struct{}, len(s.Inputs))
	for _, k := range s.Inputs {
		inputs[k] = struct{}{}
	}
	outputs := make(map[string]struct{}, len(s.Outputs))
	for _, o := range s.Outputs {
		outputs[o.Kind] = struct{}{}
	}

	var problems []string
	for _, tr := range s.Tool.Command.Variables() {
		root := tr.RootName()
		if _, ok := templateRoots[root]; !ok {
			problems = append(problems, fmt.Sprintf("unknown variable %q", root))
			continue
		}
		if root != VarInput && root != VarOutput {
			continue
		}
		kind, ok := traversalKey(tr)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s must be indexed by an artifact kind", root))
			continue
		}
		declared := inputs
		if root == VarOutput {
			declared = outputs
		}
		if _, ok := declared[kind]; !ok {
			problems = append(problems, fmt.Sprintf("%s.%s is not declared", root, kind))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("stage %q: command template: %s", s.Name, strings.Join(problems, "; "))
}

func traversalKey(tr hcl.Traversal) (string, bool) {
	if len(tr) < 2 {
		return "", false
	}
	switch step := tr[1].(type) {
	case hcl.TraverseAttr:
		return step.Name, true
	case hcl.TraverseIndex:
		if step.Key.Type() == cty.String && step.Key.IsKnown() && !step.Key.IsNull() {
			return step.Key.AsString(), true
		}
	}
	return "", false
}
