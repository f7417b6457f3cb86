// Package incremental decides which stages of a flow must run.
//
// A stage is dirty when, compared with the last run that recorded it:
//   - it never succeeded
//   - its definition changed
//   - a stage it depends on is dirty
//   - an input artifact's current hash differs from the one it consumed
//   - the constraint view it would be invoked with changed
//   - a recorded output is gone and cannot be restored from the object store
//
// Stages are visited in topological order, so a single pass reaches the
// fixed point.
package incremental

import (
	"context"
	"errors"
	"fmt"

	"rtlflow/internal/artifact"
	"rtlflow/internal/constraint"
	"rtlflow/internal/core"
	"rtlflow/internal/dag"
	"rtlflow/internal/manifest"
)

// Reason says why a stage is dirty. The values appear in manifests and traces.
type Reason string

const (
	ReasonNeverSucceeded     Reason = "NeverSucceeded"
	ReasonDefinitionChanged  Reason = "DefinitionChanged"
	ReasonUpstreamDirty      Reason = "UpstreamDirty"
	ReasonInputChanged       Reason = "InputChanged"
	ReasonConstraintsChanged Reason = "ConstraintsChanged"
	ReasonOutputMissing      Reason = "OutputMissing"
	ReasonOutputModified     Reason = "OutputModified"
)

// Decision is the planner's verdict on one stage.
type Decision struct {
	Dirty  bool
	Reason Reason

	// Cause is the upstream stage for UpstreamDirty, or the artifact kind for
	// InputChanged and the output reasons.
	Cause string

	DefinitionHash string
	View           constraint.View

	// Restored lists output kinds brought back from the object store.
	Restored []string
}

// Plan is the outcome of planning a run.
type Plan struct {
	// Order is the topological order of all stages.
	Order     []string
	Decisions map[string]Decision
}

// Dirty returns the dirty stages in topological order.
func (p *Plan) Dirty() []string {
	var out []string
	for _, name := range p.Order {
		if p.Decisions[name].Dirty {
			out = append(out, name)
		}
	}
	return out
}

// Clean returns the clean stages in topological order.
func (p *Plan) Clean() []string {
	var out []string
	for _, name := range p.Order {
		if !p.Decisions[name].Dirty {
			out = append(out, name)
		}
	}
	return out
}

// OutputChecker verifies a recorded output in the workspace, restoring it
// when it can. core.Restorer implements it.
type OutputChecker interface {
	Ensure(o core.Output, rec artifact.Record) (restored bool, err error)
}

// Inputs is everything the planner looks at.
type Inputs struct {
	Graph  *dag.Graph
	Store  artifact.Store
	Ledger *constraint.Ledger

	// Previous is the manifest of the last run, nil if there was none.
	Previous *manifest.Manifest

	// Outputs, when set, checks the workspace copy of every output of an
	// otherwise clean stage.
	Outputs OutputChecker
}

// ViewFor returns the constraint view stage name is invoked with: the base
// constraints and the refinements of its ancestors.
func ViewFor(g *dag.Graph, l *constraint.Ledger, name string) constraint.View {
	trusted := map[string]bool{constraint.BasePublisher: true}
	for _, a := range g.Ancestors(name) {
		trusted[a] = true
	}
	return l.View(func(publisher string) bool { return trusted[publisher] })
}

// Compute plans a run.
func Compute(ctx context.Context, in Inputs) (*Plan, error) {
	order, err := in.Graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	plan := &Plan{Order: order, Decisions: make(map[string]Decision, len(order))}

	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := decide(ctx, in, plan, name)
		if err != nil {
			return nil, fmt.Errorf("planning %q: %w", name, err)
		}
		plan.Decisions[name] = d
	}
	return plan, nil
}

func decide(ctx context.Context, in Inputs, plan *Plan, name string) (Decision, error) {
	s, _ := in.Graph.Stage(name)
	d := Decision{
		DefinitionHash: core.DefinitionHash(s),
		View:           ViewFor(in.Graph, in.Ledger, name),
	}
	dirty := func(r Reason, cause string) (Decision, error) {
		d.Dirty, d.Reason, d.Cause = true, r, cause
		return d, nil
	}

	prev, ok := in.Previous.Entry(name)
	if !ok || prev.Status != dag.StatusSucceeded {
		return dirty(ReasonNeverSucceeded, "")
	}
	if prev.DefinitionHash != d.DefinitionHash {
		return dirty(ReasonDefinitionChanged, "")
	}

	deps, err := in.Graph.DependenciesOf(name)
	if err != nil {
		return d, err
	}
	for _, dep := range deps {
		if plan.Decisions[dep].Dirty {
			return dirty(ReasonUpstreamDirty, dep)
		}
	}

	for _, kind := range s.Inputs {
		producer, _ := in.Graph.Producer(kind)
		cur, err := in.Store.CurrentHash(ctx, producer, kind)
		if errors.Is(err, artifact.ErrNotFound) {
			return dirty(ReasonInputChanged, kind)
		}
		if err != nil {
			return d, err
		}
		if cur != prev.Consumed[kind] {
			return dirty(ReasonInputChanged, kind)
		}
	}

	if prev.ConstraintHash != d.View.Hash() {
		return dirty(ReasonConstraintsChanged, "")
	}

	for _, o := range s.Outputs {
		rec, err := in.Store.Current(ctx, name, o.Kind)
		if errors.Is(err, artifact.ErrNotFound) {
			return dirty(ReasonOutputMissing, o.Kind)
		}
		if err != nil {
			return d, err
		}
		if rec.Hash != prev.Produced[o.Kind] {
			return dirty(ReasonOutputModified, o.Kind)
		}
		if in.Outputs == nil {
			continue
		}
		restored, err := in.Outputs.Ensure(o, rec)
		if errors.Is(err, core.ErrNotRestorable) {
			return dirty(ReasonOutputModified, o.Kind)
		}
		if err != nil {
			return d, err
		}
		if restored {
			d.Restored = append(d.Restored, o.Kind)
		}
	}
	return d, nil
}
