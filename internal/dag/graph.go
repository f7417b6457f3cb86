package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"rtlflow/internal/core"
)

// Edge is a dependency: To consumes Kind, which From produces.
type Edge struct {
	From string
	To   string
	Kind string
}

// Graph is the set of stage definitions of one flow.
//
// A Graph is built with AddSource and AddStage and then only read. It is
// not safe to add stages while other goroutines query it.
type Graph struct {
	stages    map[string]core.Stage
	producers map[string]string // kind -> stage name or core.SourceProducer
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		stages:    make(map[string]core.Stage),
		producers: make(map[string]string),
	}
}

// AddSource declares kind as an external input of the flow, such as the RTL.
func (g *Graph) AddSource(kind string) error {
	if !core.ValidIdentifier(kind) {
		return graphErrorf(ErrInvalidStage, nil, "invalid source kind %q", kind)
	}
	if owner, taken := g.producers[kind]; taken {
		return graphErrorf(ErrDuplicateOutput, ownerList(owner), "kind %q is already produced by %s", kind, describeProducer(owner))
	}
	g.producers[kind] = core.SourceProducer
	return nil
}

// AddStage adds a stage definition. It fails with ErrDuplicateStage if the
// name is taken and ErrDuplicateOutput if another stage or a source already
// owns one of its output kinds. Nothing is added on failure.
func (g *Graph) AddStage(s core.Stage) error {
	if err := s.Validate(); err != nil {
		return &GraphError{Kind: ErrInvalidStage, Msg: err.Error(), Stages: []string{s.Name}}
	}
	if _, exists := g.stages[s.Name]; exists {
		return graphErrorf(ErrDuplicateStage, []string{s.Name}, "stage %q is already defined", s.Name)
	}
	for _, kind := range s.OutputKinds() {
		if owner, taken := g.producers[kind]; taken {
			return graphErrorf(ErrDuplicateOutput, append(ownerList(owner), s.Name),
				"stage %q declares output %q, already produced by %s", s.Name, kind, describeProducer(owner))
		}
	}

	g.stages[s.Name] = s
	for _, kind := range s.OutputKinds() {
		g.producers[kind] = s.Name
	}
	return nil
}

func ownerList(owner string) []string {
	if owner == core.SourceProducer {
		return nil
	}
	return []string{owner}
}

func describeProducer(owner string) string {
	if owner == core.SourceProducer {
		return "a source"
	}
	return fmt.Sprintf("stage %q", owner)
}

// Stage returns the definition of the named stage.
func (g *Graph) Stage(name string) (core.Stage, bool) {
	s, ok := g.stages[name]
	return s, ok
}

// Stages returns all stage names, sorted.
func (g *Graph) Stages() []string {
	names := make([]string, 0, len(g.stages))
	for name := range g.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.stages) }

// Sources returns the declared source kinds, sorted.
func (g *Graph) Sources() []string {
	var kinds []string
	for kind, owner := range g.producers {
		if owner == core.SourceProducer {
			kinds = append(kinds, kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}

// Producer returns the stage that produces kind, or core.SourceProducer for
// source kinds.
func (g *Graph) Producer(kind string) (string, bool) {
	p, ok := g.producers[kind]
	return p, ok
}

// DependenciesOf returns the stages producing any input kind of the named
// stage, sorted. Source kinds contribute no dependency. An input kind that
// nothing produces fails with ErrUnresolvedInput.
func (g *Graph) DependenciesOf(name string) ([]string, error) {
	s, ok := g.stages[name]
	if !ok {
		return nil, graphErrorf(ErrUnknownStage, nil, "%q", name)
	}
	seen := make(map[string]struct{}, len(s.Inputs))
	var deps []string
	for _, kind := range s.Inputs {
		p, ok := g.producers[kind]
		if !ok {
			return nil, graphErrorf(ErrUnresolvedInput, []string{name}, "stage %q consumes %q, which no stage or source produces", name, kind)
		}
		if p == core.SourceProducer {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		deps = append(deps, p)
	}
	sort.Strings(deps)
	return deps, nil
}

// Dependents returns the stages that consume an output of the named stage,
// sorted.
func (g *Graph) Dependents(name string) []string {
	s, ok := g.stages[name]
	if !ok {
		return nil
	}
	produced := make(map[string]struct{}, len(s.Outputs))
	for _, o := range s.Outputs {
		produced[o.Kind] = struct{}{}
	}
	var out []string
	for _, other := range g.Stages() {
		for _, in := range g.stages[other].Inputs {
			if _, ok := produced[in]; ok {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// Descendants returns every stage transitively downstream of name, sorted.
func (g *Graph) Descendants(name string) []string {
	return g.reach(name, g.Dependents)
}

// Ancestors returns every stage transitively upstream of name, sorted.
// Unresolved inputs are skipped.
func (g *Graph) Ancestors(name string) []string {
	return g.reach(name, func(n string) []string {
		deps, _ := g.DependenciesOf(n)
		return deps
	})
}

func (g *Graph) reach(start string, next func(string) []string) []string {
	visited := map[string]bool{start: true}
	queue := next(start)
	var out []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if visited[n] {
			continue
		}
		visited[n] = true
		out = append(out, n)
		queue = append(queue, next(n)...)
	}
	sort.Strings(out)
	return out
}

// Edges returns all edges sorted by (From, To, Kind).
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, to := range g.Stages() {
		for _, kind := range g.stages[to].Inputs {
			from, ok := g.producers[kind]
			if !ok || from == core.SourceProducer {
				continue
			}
			edges = append(edges, Edge{From: from, To: to, Kind: kind})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Kind < b.Kind
	})
	return edges
}

// Validate checks the rules that span stages: every input kind resolves and
// the graph is acyclic. Unresolved inputs are reported first, for the stage
// that sorts first.
func (g *Graph) Validate() error {
	if len(g.stages) == 0 {
		return graphErrorf(ErrInvalidStage, nil, "flow defines no stages")
	}
	for _, name := range g.Stages() {
		if _, err := g.DependenciesOf(name); err != nil {
			return err
		}
	}
	_, err := g.TopologicalOrder()
	return err
}

// Depths returns the longest-path distance of every stage from a stage with
// no dependencies.
func (g *Graph) Depths() (map[string]int, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	depth := make(map[string]int, len(order))
	for _, name := range order {
		deps, _ := g.DependenciesOf(name)
		d := 0
		for _, p := range deps {
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		depth[name] = d
	}
	return depth, nil
}

// Hash returns the identity of the flow: every stage's definition hash, the
// source kinds, and the derived edges. It does not depend on the order in
// which stages were added.
func (g *Graph) Hash() string {
	h := sha256.New()
	writeField := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}

	sources := g.Sources()
	writeField(fmt.Sprint(len(sources)))
	for _, kind := range sources {
		writeField(kind)
	}

	names := g.Stages()
	writeField(fmt.Sprint(len(names)))
	for _, name := range names {
		writeField(name)
		writeField(core.DefinitionHash(g.stages[name]))
	}

	edges := g.Edges()
	writeField(fmt.Sprint(len(edges)))
	for _, e := range edges {
		writeField(e.From)
		writeField(e.To)
		writeField(e.Kind)
	}
	return hex.EncodeToString(h.Sum(nil))
}
