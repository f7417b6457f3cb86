package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtlflow/internal/core"
)

func stage(name string, inputs []string, outputs ...string) core.Stage {
	s := core.Stage{
		Name:   name,
		Inputs: inputs,
		Tool:   core.ToolDescriptor{Command: core.MustParseTemplate("true")},
	}
	for _, kind := range outputs {
		s.Outputs = append(s.Outputs, core.Output{Kind: kind, Path: "build/" + kind})
	}
	return s
}

// asicFlow is the six-stage flow: synthesis feeds equivalence checking,
// the physical chain, and simulation.
func asicFlow(t *testing.T) *Graph {
	t.Helper()
	g := New()
	require.NoError(t, g.AddSource("rtl"))
	for _, s := range []core.Stage{
		stage("timing_power", []string{"routed_db"}, "timing_report"),
		stage("simulation", []string{"rtl", "netlist"}, "sim_report"),
		stage("place_route", []string{"floorplan_db"}, "routed_db"),
		stage("floorplan", []string{"netlist"}, "floorplan_db"),
		stage("equiv_check", []string{"rtl", "netlist"}, "equiv_report"),
		stage("synthesis", []string{"rtl"}, "netlist"),
	} {
		require.NoError(t, g.AddStage(s))
	}
	require.NoError(t, g.Validate())
	return g
}

func TestGraph_EdgesDerivedFromKinds(t *testing.T) {
	g := asicFlow(t)

	assert.Equal(t, []Edge{
		{From: "floorplan", To: "place_route", Kind: "floorplan_db"},
		{From: "place_route", To: "timing_power", Kind: "routed_db"},
		{From: "synthesis", To: "equiv_check", Kind: "netlist"},
		{From: "synthesis", To: "floorplan", Kind: "netlist"},
		{From: "synthesis", To: "simulation", Kind: "netlist"},
	}, g.Edges())

	deps, err := g.DependenciesOf("simulation")
	require.NoError(t, err)
	assert.Equal(t, []string{"synthesis"}, deps, "source kinds add no dependency")

	deps, err = g.DependenciesOf("synthesis")
	require.NoError(t, err)
	assert.Empty(t, deps)

	p, ok := g.Producer("rtl")
	require.True(t, ok)
	assert.Equal(t, core.SourceProducer, p)
}

func TestGraph_TopologicalOrderIsDeterministic(t *testing.T) {
	g := asicFlow(t)

	want := []string{"synthesis", "equiv_check", "floorplan", "place_route", "simulation", "timing_power"}
	for i := 0; i < 10; i++ {
		order, err := g.TopologicalOrder()
		require.NoError(t, err)
		assert.Equal(t, want, order)
	}
}

func TestGraph_TopologicalOrderRespectsEdges(t *testing.T) {
	g := asicFlow(t)
	order, err := g.TopologicalOrder()
	require.NoError(t, err)

	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	for _, e := range g.Edges() {
		assert.Less(t, pos[e.From], pos[e.To], "%s -> %s", e.From, e.To)
	}
}

func TestGraph_InsertionOrderDoesNotChangeHash(t *testing.T) {
	a := asicFlow(t)

	b := New()
	require.NoError(t, b.AddStage(stage("synthesis", []string{"rtl"}, "netlist")))
	require.NoError(t, b.AddStage(stage("equiv_check", []string{"rtl", "netlist"}, "equiv_report")))
	require.NoError(t, b.AddStage(stage("floorplan", []string{"netlist"}, "floorplan_db")))
	require.NoError(t, b.AddStage(stage("place_route", []string{"floorplan_db"}, "routed_db")))
	require.NoError(t, b.AddStage(stage("timing_power", []string{"routed_db"}, "timing_report")))
	require.NoError(t, b.AddStage(stage("simulation", []string{"rtl", "netlist"}, "sim_report")))
	require.NoError(t, b.AddSource("rtl"))

	assert.Equal(t, a.Hash(), b.Hash())

	c := asicFlow(t)
	s, _ := c.Stage("floorplan")
	s.Tool.Command = core.MustParseTemplate("floorplan --utilization 0.7")
	c.stages["floorplan"] = s
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestGraph_CycleNamesEveryStageOnIt(t *testing.T) {
	g := New()
	require.NoError(t, g.AddStage(stage("A", []string{"c_out"}, "a_out")))
	require.NoError(t, g.AddStage(stage("B", []string{"a_out"}, "b_out")))
	require.NoError(t, g.AddStage(stage("C", []string{"b_out"}, "c_out")))
	require.NoError(t, g.AddStage(stage("D", []string{"c_out"}, "d_out")))

	_, err := g.TopologicalOrder()
	require.ErrorIs(t, err, ErrCycleDetected)

	var ge *GraphError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, []string{"A", "B", "C"}, ge.Stages)
	assert.Contains(t, err.Error(), "{A, B, C}")

	assert.ErrorIs(t, g.Validate(), ErrCycleDetected)
}

func TestGraph_SelfLoopIsACycle(t *testing.T) {
	g := New()
	require.NoError(t, g.AddStage(stage("eco", []string{"netlist"}, "netlist")))

	_, err := g.TopologicalOrder()
	var ge *GraphError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, []string{"eco"}, ge.Stages)
}

func TestGraph_DuplicateStage(t *testing.T) {
	g := New()
	require.NoError(t, g.AddStage(stage("synthesis", []string{"rtl"}, "netlist")))

	err := g.AddStage(stage("synthesis", []string{"rtl"}, "other_netlist"))
	assert.ErrorIs(t, err, ErrDuplicateStage)
	_, taken := g.Producer("other_netlist")
	assert.False(t, taken, "failed AddStage must not register outputs")
}

func TestGraph_DuplicateOutput(t *testing.T) {
	g := New()
	require.NoError(t, g.AddSource("rtl"))
	require.NoError(t, g.AddStage(stage("synthesis", []string{"rtl"}, "netlist")))

	err := g.AddStage(stage("resynthesis", []string{"rtl"}, "netlist"))
	require.ErrorIs(t, err, ErrDuplicateOutput)
	var ge *GraphError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, []string{"synthesis", "resynthesis"}, ge.Stages)

	assert.ErrorIs(t, g.AddStage(stage("lint", nil, "rtl")), ErrDuplicateOutput, "sources own their kind")
	assert.ErrorIs(t, g.AddSource("netlist"), ErrDuplicateOutput)
}

func TestGraph_UnresolvedInput(t *testing.T) {
	g := New()
	require.NoError(t, g.AddStage(stage("floorplan", []string{"netlist"}, "floorplan_db")))

	_, err := g.DependenciesOf("floorplan")
	assert.ErrorIs(t, err, ErrUnresolvedInput)
	assert.ErrorIs(t, g.Validate(), ErrUnresolvedInput)
}

func TestGraph_InvalidStageRejected(t *testing.T) {
	g := New()
	assert.ErrorIs(t, g.AddStage(stage("bad name", nil, "x")), ErrInvalidStage)
	assert.ErrorIs(t, g.AddStage(core.Stage{Name: "no_outputs"}), ErrInvalidStage)
	assert.ErrorIs(t, New().Validate(), ErrInvalidStage)
}

func TestGraph_Reachability(t *testing.T) {
	g := asicFlow(t)

	assert.Equal(t, []string{"equiv_check", "floorplan", "simulation"}, g.Dependents("synthesis"))
	assert.Equal(t, []string{"equiv_check", "floorplan", "place_route", "simulation", "timing_power"}, g.Descendants("synthesis"))
	assert.Equal(t, []string{"place_route", "timing_power"}, g.Descendants("floorplan"))
	assert.Equal(t, []string{"floorplan", "place_route", "synthesis"}, g.Ancestors("timing_power"))
	assert.Empty(t, g.Ancestors("synthesis"))
}

func TestGraph_Depths(t *testing.T) {
	g := asicFlow(t)
	depths, err := g.Depths()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		"synthesis":    0,
		"equiv_check":  1,
		"floorplan":    1,
		"simulation":   1,
		"place_route":  2,
		"timing_power": 3,
	}, depths)
}
