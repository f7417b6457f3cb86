package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtlflow/internal/artifact"
	"rtlflow/internal/constraint"
	"rtlflow/internal/core"
	"rtlflow/internal/dag"
	"rtlflow/internal/license"
	"rtlflow/internal/manifest"
	"rtlflow/internal/trace"
)

var asicCommands = map[string]string{
	"synthesis":    `cat ${input.rtl} > ${output.netlist}`,
	"equiv_check":  `cmp ${input.rtl} ${input.netlist} && echo equivalent > ${output.equiv_report}`,
	"floorplan":    `cat ${input.netlist} > ${output.floorplan_db} && printf 'utilization: "0.70"\n' > ${workdir}/build/fp/refined.yaml`,
	"place_route":  `cat ${input.floorplan_db} ${constraints} > ${output.routed_db}`,
	"timing_power": `wc -c < ${input.routed_db} > ${output.timing_report}`,
	"simulation":   `grep -q module ${input.netlist} && echo PASS > ${output.sim_report}`,
}

type asicStage struct {
	name    string
	inputs  []string
	kind    string
	path    string
	license string
}

var asicStages = []asicStage{
	{"synthesis", []string{"rtl"}, "netlist", "build/synth/netlist.v", "synth"},
	{"equiv_check", []string{"rtl", "netlist"}, "equiv_report", "build/equiv/report.txt", ""},
	{"floorplan", []string{"netlist"}, "floorplan_db", "build/fp/floorplan.def", "pnr"},
	{"place_route", []string{"floorplan_db"}, "routed_db", "build/pr/routed.def", "pnr"},
	{"timing_power", []string{"routed_db"}, "timing_report", "build/sta/timing.rpt", "sta"},
	{"simulation", []string{"rtl", "netlist"}, "sim_report", "build/sim/sim.log", ""},
}

// asicGraph builds the six-stage flow with the given command overrides.
func asicGraph(t *testing.T, overrides map[string]string) *dag.Graph {
	t.Helper()
	g := dag.New()
	require.NoError(t, g.AddSource("rtl"))
	for _, a := range asicStages {
		cmd := asicCommands[a.name]
		if o, ok := overrides[a.name]; ok {
			cmd = o
		}
		s := core.Stage{
			Name:    a.name,
			Inputs:  a.inputs,
			Outputs: []core.Output{{Kind: a.kind, Path: a.path}},
			Tool: core.ToolDescriptor{
				Command: core.MustParseTemplate(cmd),
				License: a.license,
			},
		}
		if a.name == "floorplan" {
			s.Tool.OutputDir = "build/fp"
			s.Tool.ConstraintsOut = "build/fp/refined.yaml"
		}
		require.NoError(t, g.AddStage(s))
	}
	return g
}

type flowFixture struct {
	dir       string
	store     artifact.Store
	objects   *artifact.Objects
	ledger    *constraint.Ledger
	manifests *manifest.Store
	pool      *license.Pool
	tracer    *trace.Recorder
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	dir := t.TempDir()
	state := filepath.Join(dir, ".rtlflow")
	require.NoError(t, os.MkdirAll(state, 0o755))

	store, err := artifact.OpenSQLite(filepath.Join(state, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	manifests, err := manifest.NewStore(state)
	require.NoError(t, err)
	pool, err := license.NewPool(4, map[string]int{"synth": 1, "pnr": 1, "sta": 1})
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "rtl/top.v"), "module top(input clk); endmodule\n")
	return &flowFixture{
		dir:       dir,
		store:     store,
		objects:   artifact.NewObjects(filepath.Join(state, "objects")),
		ledger:    constraint.NewLedger(),
		manifests: manifests,
		pool:      pool,
	}
}

func (fx *flowFixture) scheduler(t *testing.T, g *dag.Graph, inv StageInvoker, tweak ...func(*Options)) *Scheduler {
	t.Helper()
	if inv == nil {
		ci := core.NewInvoker(fx.dir, filepath.Join(fx.dir, ".rtlflow", "constraints"), fx.objects)
		ci.PassEnv = []string{"PATH"}
		inv = ci
	}
	fx.tracer = trace.NewRecorder()
	opts := Options{
		WorkDir:         fx.dir,
		Store:           fx.store,
		Objects:         fx.objects,
		Ledger:          fx.ledger,
		LedgerPath:      filepath.Join(fx.dir, ".rtlflow", "constraints.yaml"),
		Manifests:       fx.manifests,
		Pool:            fx.pool,
		Invoker:         inv,
		Sources:         map[string]string{"rtl": "rtl/top.v"},
		BaseConstraints: constraint.Directives{"clock_period_ns": "2.5"},
		BackoffBase:     time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		Trace:           fx.tracer,
	}
	for _, f := range tweak {
		f(&opts)
	}
	s, err := New(g, opts)
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func executed(m *manifest.Manifest) []string {
	var out []string
	for _, name := range m.Names() {
		if e := m.Stages[name]; e.Status == dag.StatusSucceeded && !e.Reused {
			out = append(out, name)
		}
	}
	return out
}

func statusOf(t *testing.T, m *manifest.Manifest, stage string) dag.Status {
	t.Helper()
	e, ok := m.Entry(stage)
	require.True(t, ok, "no manifest entry for %s", stage)
	return e.Status
}

var allStages = []string{"equiv_check", "floorplan", "place_route", "simulation", "synthesis", "timing_power"}

func TestRun_FirstRunExecutesAllThenSecondRunReusesAll(t *testing.T) {
	fx := newFlowFixture(t)
	s := fx.scheduler(t, asicGraph(t, nil), nil)

	first, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, manifest.RunSucceeded, first.Status, "%+v", first.Stages)
	assert.Equal(t, allStages, executed(first))
	assert.Empty(t, first.PreviousRunID)

	// Base constraints, then the floorplan refinement.
	assert.Equal(t, 2, fx.ledger.Head())
	assert.Equal(t, 2, first.ConstraintVersion)
	refined, ok := fx.ledger.Latest("floorplan")
	require.True(t, ok)
	assert.Equal(t, constraint.Directives{"utilization": "0.70"}, refined.Directives)

	routed, err := os.ReadFile(filepath.Join(fx.dir, "build/pr/routed.def"))
	require.NoError(t, err)
	assert.Contains(t, string(routed), "utilization", "place_route sees the floorplan refinement")

	rec := trace.NewRecorder()
	s.opts.Trace = rec
	second, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, manifest.RunSucceeded, second.Status)
	assert.Empty(t, executed(second))
	assert.Equal(t, first.RunID, second.PreviousRunID)
	for _, name := range allStages {
		e, _ := second.Entry(name)
		assert.True(t, e.Reused, name)
		assert.Equal(t, first.RunID, e.ReusedFrom, name)
		assert.Equal(t, first.Stages[name].Produced, e.Produced, name)
	}
	assert.Equal(t, 2, fx.ledger.Head(), "identical republication adds no version")

	events := rec.Snapshot()
	assert.Len(t, events, 6)
	for _, ev := range events {
		assert.Equal(t, trace.EventStageReused, ev.Kind, ev.Stage)
	}

	loaded, err := fx.manifests.Latest()
	require.NoError(t, err)
	assert.Equal(t, second.RunID, loaded.RunID)
	require.NoError(t, loaded.Validate())
}

func TestRun_FailureMarksDescendantsStaleAndRerunResumes(t *testing.T) {
	fx := newFlowFixture(t)
	broken := fx.scheduler(t, asicGraph(t, map[string]string{
		"floorplan": `echo "ERROR: core area too small" 1>&2; exit 3`,
	}), nil)

	m, err := broken.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, manifest.RunFailed, m.Status)

	assert.Equal(t, dag.StatusFailed, statusOf(t, m, "floorplan"))
	assert.Equal(t, dag.StatusStale, statusOf(t, m, "place_route"))
	assert.Equal(t, dag.StatusStale, statusOf(t, m, "timing_power"))
	assert.Equal(t, []string{"equiv_check", "simulation", "synthesis"}, executed(m))

	fp, _ := m.Entry("floorplan")
	assert.Equal(t, manifest.CodeExitStatus, fp.FailureCode)
	require.NotNil(t, fp.ExitCode)
	assert.Equal(t, 3, *fp.ExitCode)
	assert.Contains(t, fp.Log, "core area too small")

	pr, _ := m.Entry("place_route")
	assert.Equal(t, `upstream stage "floorplan" failed`, pr.Error)

	log, err := fx.manifests.ReadLog(m.RunID, "floorplan")
	require.NoError(t, err)
	assert.Contains(t, string(log), "core area too small")

	failure, err := fx.manifests.LoadFailure(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, manifest.FailureClassStage, failure.FailureClass)
	require.NotNil(t, failure.Stage)
	assert.Equal(t, "floorplan", *failure.Stage)

	fixed := fx.scheduler(t, asicGraph(t, nil), nil)
	m2, err := fixed.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, manifest.RunSucceeded, m2.Status)
	assert.Equal(t, []string{"floorplan", "place_route", "timing_power"}, executed(m2))
	for _, name := range []string{"synthesis", "equiv_check", "simulation"} {
		e, _ := m2.Entry(name)
		assert.True(t, e.Reused, name)
		assert.Equal(t, m.RunID, e.ReusedFrom, name)
	}
}

func TestRun_SourceChangeReexecutesEverything(t *testing.T) {
	fx := newFlowFixture(t)
	s := fx.scheduler(t, asicGraph(t, nil), nil)

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	writeFile(t, filepath.Join(fx.dir, "rtl/top.v"), "module top(input clk, input rst); endmodule\n")

	plan, err := s.Plan(context.Background())
	require.NoError(t, err)
	assert.Len(t, plan.Dirty(), 6)
	assert.Equal(t, "InputChanged", string(plan.Decisions["synthesis"].Reason))

	m, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, manifest.RunSucceeded, m.Status)
	assert.Equal(t, allStages, executed(m))
}

func TestPlan_LeavesStateUntouched(t *testing.T) {
	fx := newFlowFixture(t)
	s := fx.scheduler(t, asicGraph(t, nil), nil)

	first, err := s.Run(context.Background())
	require.NoError(t, err)
	rtlBefore, err := fx.store.CurrentHash(context.Background(), core.SourceProducer, "rtl")
	require.NoError(t, err)

	writeFile(t, filepath.Join(fx.dir, "rtl/top.v"), "module top2; endmodule\n")
	s.opts.BaseConstraints = constraint.Directives{"clock_period_ns": "2.0"}
	require.NoError(t, os.Remove(filepath.Join(fx.dir, "build/sim/sim.log")))

	plan, err := s.Plan(context.Background())
	require.NoError(t, err)
	assert.Len(t, plan.Dirty(), 6)

	rtlAfter, err := fx.store.CurrentHash(context.Background(), core.SourceProducer, "rtl")
	require.NoError(t, err)
	assert.Equal(t, rtlBefore, rtlAfter)
	assert.Equal(t, first.ConstraintVersion, fx.ledger.Head())
	assert.NoFileExists(t, filepath.Join(fx.dir, "build/sim/sim.log"))

	latest, err := fx.manifests.Latest()
	require.NoError(t, err)
	assert.Equal(t, first.RunID, latest.RunID)
}

func TestRun_RestoresDeletedOutputWithoutRerunning(t *testing.T) {
	fx := newFlowFixture(t)
	s := fx.scheduler(t, asicGraph(t, nil), nil)

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(fx.dir, "build/sim/sim.log")))

	m, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, manifest.RunSucceeded, m.Status)
	assert.Empty(t, executed(m))
	assert.FileExists(t, filepath.Join(fx.dir, "build/sim/sim.log"))

	var restored []string
	for _, ev := range fx.tracer.Snapshot() {
		if ev.Kind == trace.EventStageRestored {
			restored = append(restored, ev.Stage)
		}
	}
	assert.Equal(t, []string{"simulation"}, restored)
}

func TestRun_OptionalStageFailureKeepsRunSuccessful(t *testing.T) {
	fx := newFlowFixture(t)
	g := dag.New()
	require.NoError(t, g.AddSource("rtl"))
	require.NoError(t, g.AddStage(core.Stage{
		Name:    "synthesis",
		Inputs:  []string{"rtl"},
		Outputs: []core.Output{{Kind: "netlist", Path: "build/netlist.v"}},
		Tool:    core.ToolDescriptor{Command: core.MustParseTemplate(asicCommands["synthesis"])},
	}))
	require.NoError(t, g.AddStage(core.Stage{
		Name:     "lint",
		Inputs:   []string{"rtl"},
		Outputs:  []core.Output{{Kind: "lint_report", Path: "build/lint.txt"}},
		Tool:     core.ToolDescriptor{Command: core.MustParseTemplate(`exit 1`)},
		Optional: true,
	}))

	m, err := fx.scheduler(t, g, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, manifest.RunSucceeded, m.Status)
	assert.Equal(t, dag.StatusFailed, statusOf(t, m, "lint"))
	assert.Equal(t, dag.StatusSucceeded, statusOf(t, m, "synthesis"))
}

func TestRun_CancelTerminatesRunningStages(t *testing.T) {
	fx := newFlowFixture(t)
	s := fx.scheduler(t, asicGraph(t, map[string]string{"synthesis": `sleep 30`}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	m, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, manifest.RunCancelled, m.Status)
	for _, name := range allStages {
		assert.Equal(t, dag.StatusCancelled, statusOf(t, m, name), name)
	}

	failure, err := fx.manifests.LoadFailure(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, manifest.FailureClassCancelled, failure.FailureClass)
}

func TestRun_MissingSource(t *testing.T) {
	fx := newFlowFixture(t)
	s := fx.scheduler(t, asicGraph(t, nil), nil, func(o *Options) {
		o.Sources = map[string]string{"rtl": "rtl/missing.v"}
	})
	_, err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrSourceMissing)
}

func TestNew_RejectsUnknownLicenseClass(t *testing.T) {
	fx := newFlowFixture(t)
	g := dag.New()
	require.NoError(t, g.AddSource("rtl"))
	require.NoError(t, g.AddStage(core.Stage{
		Name:    "synthesis",
		Inputs:  []string{"rtl"},
		Outputs: []core.Output{{Kind: "netlist", Path: "build/netlist.v"}},
		Tool:    core.ToolDescriptor{Command: core.MustParseTemplate("true"), License: "emulation"},
	}))
	_, err := New(g, Options{
		Store:     fx.store,
		Ledger:    fx.ledger,
		Manifests: fx.manifests,
		Pool:      fx.pool,
		Invoker:   &fakeInvoker{},
	})
	assert.ErrorIs(t, err, license.ErrUnknownClass)
}

// fakeInvoker stands in for backends. Each stage's behavior is scripted and
// outputs are recorded with a hash derived from the stage name.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   map[string]int
	active  map[string]int
	peak    map[string]int
	script  map[string]func(call int) *core.InvokeResult
	delay   map[string]time.Duration
	waitFor map[string]chan struct{}
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		calls:   map[string]int{},
		active:  map[string]int{},
		peak:    map[string]int{},
		script:  map[string]func(int) *core.InvokeResult{},
		delay:   map[string]time.Duration{},
		waitFor: map[string]chan struct{}{},
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, s core.Stage, view constraint.View, inputs []core.InputArtifact) (*core.InvokeResult, error) {
	class := s.Tool.License
	f.mu.Lock()
	f.calls[s.Name]++
	call := f.calls[s.Name]
	f.active[class]++
	f.active["*"]++
	f.peak[class] = max(f.peak[class], f.active[class])
	f.peak["*"] = max(f.peak["*"], f.active["*"])
	script := f.script[s.Name]
	delay := f.delay[s.Name]
	gate := f.waitFor[s.Name]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[class]--
		f.active["*"]--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return &core.InvokeResult{Outcome: core.OutcomeFailed}, ctx.Err()
		}
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return &core.InvokeResult{Outcome: core.OutcomeFailed}, ctx.Err()
	}

	if script != nil {
		if res := script(call); res != nil {
			return res, nil
		}
	}
	res := &core.InvokeResult{Outcome: core.OutcomeSucceeded, Log: []byte(s.Name + " done\n")}
	for _, o := range s.Outputs {
		rec := artifact.Record{Stage: s.Name, Kind: o.Kind, Hash: core.HashBytes([]byte(s.Name + o.Kind)), Location: o.Path}
		res.Produced = append(res.Produced, rec)
	}
	return res, nil
}

// fanout is a graph of independent stages on the rtl source, all in the
// same license class.
func fanout(t *testing.T, class string, names ...string) *dag.Graph {
	t.Helper()
	g := dag.New()
	require.NoError(t, g.AddSource("rtl"))
	for _, name := range names {
		require.NoError(t, g.AddStage(core.Stage{
			Name:    name,
			Inputs:  []string{"rtl"},
			Outputs: []core.Output{{Kind: name + "_out", Path: "build/" + name}},
			Tool:    core.ToolDescriptor{Command: core.MustParseTemplate("true"), License: class},
		}))
	}
	return g
}

func TestRun_LicenseClassCeilingBoundsConcurrency(t *testing.T) {
	fx := newFlowFixture(t)
	pool, err := license.NewPool(3, map[string]int{"sim": 2})
	require.NoError(t, err)
	fx.pool = pool

	inv := newFakeInvoker()
	names := []string{"sim_a", "sim_b", "sim_c", "sim_d", "sim_e"}
	for _, n := range names {
		inv.delay[n] = 30 * time.Millisecond
	}

	m, err := fx.scheduler(t, fanout(t, "sim", names...), inv).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, manifest.RunSucceeded, m.Status)
	assert.Equal(t, names, executed(m))
	assert.Equal(t, 2, inv.peak["sim"])
}

func TestRun_GlobalCeilingBoundsConcurrency(t *testing.T) {
	fx := newFlowFixture(t)
	pool, err := license.NewPool(2, nil)
	require.NoError(t, err)
	fx.pool = pool

	inv := newFakeInvoker()
	names := []string{"a", "b", "c", "d"}
	for _, n := range names {
		inv.delay[n] = 20 * time.Millisecond
	}

	m, err := fx.scheduler(t, fanout(t, "", names...), inv).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, manifest.RunSucceeded, m.Status)
	assert.Equal(t, 2, inv.peak["*"])
}

func TestRun_LicenseRefusalIsRequeued(t *testing.T) {
	fx := newFlowFixture(t)
	inv := newFakeInvoker()
	inv.script["synthesis"] = func(call int) *core.InvokeResult {
		if call < 3 {
			return &core.InvokeResult{Outcome: core.OutcomeLicenseUnavailable, ExitCode: 75, Reason: core.ReasonLicenseUnavailable}
		}
		return nil
	}

	m, err := fx.scheduler(t, fanout(t, "synth", "synthesis"), inv).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, manifest.RunSucceeded, m.Status)
	e, _ := m.Entry("synthesis")
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, 3, inv.calls["synthesis"])
}

func TestRun_PersistentLicenseRefusalHitsResourceTimeout(t *testing.T) {
	fx := newFlowFixture(t)
	inv := newFakeInvoker()
	inv.script["synthesis"] = func(int) *core.InvokeResult {
		return &core.InvokeResult{Outcome: core.OutcomeLicenseUnavailable, Reason: core.ReasonLicenseUnavailable}
	}

	s := fx.scheduler(t, asicGraph(t, nil), inv, func(o *Options) {
		o.ResourceTimeout = 50 * time.Millisecond
	})
	m, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, manifest.RunFailed, m.Status)

	e, _ := m.Entry("synthesis")
	assert.Equal(t, dag.StatusFailed, e.Status)
	assert.Equal(t, manifest.CodeResourceTimeout, e.FailureCode)
	assert.Greater(t, e.Attempts, 1)
	for _, name := range []string{"equiv_check", "floorplan", "place_route", "simulation", "timing_power"} {
		assert.Equal(t, dag.StatusStale, statusOf(t, m, name), name)
	}
}

func TestRun_ResourceTimeoutInsideBackoffWindow(t *testing.T) {
	fx := newFlowFixture(t)
	inv := newFakeInvoker()
	inv.script["synthesis"] = func(int) *core.InvokeResult {
		return &core.InvokeResult{Outcome: core.OutcomeLicenseUnavailable, Reason: core.ReasonLicenseUnavailable}
	}

	g := asicGraph(t, nil)
	var opts Options
	fx.scheduler(t, g, inv, func(o *Options) {
		o.ResourceTimeout = 20 * time.Millisecond
		o.BackoffBase = 500 * time.Millisecond
		o.BackoffMax = 500 * time.Millisecond
		opts = *o
	})
	var reads atomic.Int64
	s, err := New(g, opts, WithClock(func() time.Time {
		reads.Add(1)
		return time.Now()
	}))
	require.NoError(t, err)

	start := time.Now()
	m, err := s.Run(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)

	e, _ := m.Entry("synthesis")
	assert.Equal(t, dag.StatusFailed, e.Status)
	assert.Equal(t, manifest.CodeResourceTimeout, e.FailureCode)
	assert.Equal(t, 1, inv.calls["synthesis"])
	assert.Less(t, elapsed, 400*time.Millisecond, "timeout reported at the deadline, not after the backoff")
	assert.Less(t, reads.Load(), int64(1000), "coordinator sleeps until the deadline")
}

func TestRun_WaitingForBusySlotHitsResourceTimeout(t *testing.T) {
	fx := newFlowFixture(t)
	pool, err := license.NewPool(4, map[string]int{"pnr": 1})
	require.NoError(t, err)
	fx.pool = pool

	inv := newFakeInvoker()
	inv.delay["hog"] = 300 * time.Millisecond

	s := fx.scheduler(t, fanout(t, "pnr", "hog", "starved"), inv, func(o *Options) {
		o.ResourceTimeout = 50 * time.Millisecond
	})
	m, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, manifest.RunFailed, m.Status)
	assert.Equal(t, dag.StatusSucceeded, statusOf(t, m, "hog"))
	e, _ := m.Entry("starved")
	assert.Equal(t, manifest.CodeResourceTimeout, e.FailureCode)
	assert.Zero(t, e.Attempts)
	assert.Equal(t, 0, inv.calls["starved"])
}

func TestRun_ConflictingSiblingRefinementFails(t *testing.T) {
	fx := newFlowFixture(t)
	inv := newFakeInvoker()
	released := make(chan struct{})
	inv.waitFor["pr_b"] = released
	succeedWith := func(stage string, refined constraint.Directives) func(int) *core.InvokeResult {
		return func(int) *core.InvokeResult {
			rec := artifact.Record{Stage: stage, Kind: stage + "_out", Hash: core.HashBytes([]byte(stage)), Location: "build/" + stage}
			return &core.InvokeResult{Outcome: core.OutcomeSucceeded, Produced: []artifact.Record{rec}, Refined: refined}
		}
	}
	first := succeedWith("pr_a", constraint.Directives{"utilization": "0.70"})
	inv.script["pr_a"] = func(call int) *core.InvokeResult {
		time.AfterFunc(50*time.Millisecond, func() { close(released) })
		return first(call)
	}
	inv.script["pr_b"] = succeedWith("pr_b", constraint.Directives{"utilization": "0.80", "aspect_ratio": "1.0"})

	m, err := fx.scheduler(t, fanout(t, "", "pr_a", "pr_b"), inv).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, manifest.RunFailed, m.Status)
	assert.Equal(t, dag.StatusSucceeded, statusOf(t, m, "pr_a"))

	e, _ := m.Entry("pr_b")
	assert.Equal(t, dag.StatusFailed, e.Status)
	assert.Equal(t, manifest.CodeConstraintConflict, e.FailureCode)
	assert.Contains(t, e.Error, "utilization")

	_, published := fx.ledger.Latest("pr_b")
	assert.False(t, published, "a conflicting refinement is never published")

	_, err = fx.store.CurrentHash(context.Background(), "pr_a", "pr_a_out")
	assert.NoError(t, err)
	_, err = fx.store.CurrentHash(context.Background(), "pr_b", "pr_b_out")
	assert.ErrorIs(t, err, artifact.ErrNotFound, "outputs of a rejected stage are never recorded")
}

func TestRun_RecordsCanonicalTrace(t *testing.T) {
	fx := newFlowFixture(t)
	g := asicGraph(t, map[string]string{"floorplan": `exit 2`})
	s := fx.scheduler(t, g, nil)

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	tr := fx.tracer.Trace(g.Hash())
	require.NoError(t, tr.Validate())
	kinds := map[string][]trace.EventKind{}
	for _, ev := range tr.Events {
		kinds[ev.Stage] = append(kinds[ev.Stage], ev.Kind)
	}
	assert.Equal(t, []trace.EventKind{trace.EventStageInvalidated, trace.EventStageFailed}, kinds["floorplan"])
	assert.Equal(t, []trace.EventKind{trace.EventStageInvalidated, trace.EventStageStale}, kinds["timing_power"])
	assert.Equal(t, []trace.EventKind{trace.EventStageInvalidated, trace.EventStageExecuted}, kinds["synthesis"])
}
