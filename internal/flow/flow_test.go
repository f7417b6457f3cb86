package flow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtlflow/internal/constraint"
	"rtlflow/internal/core"
	"rtlflow/internal/dag"
)

func TestLoad_ASICFlow(t *testing.T) {
	f, err := Load(context.Background(), filepath.Join("testdata", "asic.hcl"))
	require.NoError(t, err)

	abs, err := filepath.Abs("testdata")
	require.NoError(t, err)
	assert.Equal(t, abs, f.WorkDir)
	assert.Equal(t, filepath.Join(abs, ".rtlflow", "index.db"), f.StatePath("index.db"))

	assert.Equal(t, Settings{
		StateDir:        ".rtlflow",
		MaxParallel:     3,
		ResourceTimeout: 45 * time.Minute,
		BackoffBase:     2 * time.Second,
		BackoffMax:      time.Minute,
		KillGrace:       5 * time.Second,
		PassEnv:         []string{"PATH", "LM_LICENSE_FILE"},
	}, f.Settings)
	assert.Equal(t, map[string]int{"synth": 1, "pnr": 2}, f.Licenses)
	assert.Equal(t, map[string]string{"rtl": "rtl"}, f.Sources)
	assert.Equal(t, constraint.Directives{
		"clock_period_ns": "2.5",
		"clock_port":      "clk",
		"hold_fix":        "true",
	}, f.Constraints)

	order, err := f.Graph.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"synthesis", "equiv_check", "floorplan", "place_route", "simulation", "timing_power"}, order)

	synth, ok := f.Graph.Stage("synthesis")
	require.True(t, ok)
	assert.True(t, synth.Outputs[0].Normalize)
	assert.Equal(t, "synth", synth.Tool.License)
	assert.Equal(t, 2*time.Hour, synth.Tool.Timeout)
	assert.Contains(t, synth.Tool.Command.Source, "${output.netlist}")

	fp, _ := f.Graph.Stage("floorplan")
	assert.Equal(t, "build/fp/refined.yaml", fp.Tool.ConstraintsOut)
	assert.Equal(t, []int{75}, fp.Tool.LicenseRetryExitCodes)
	assert.Equal(t, map[string]string{"OPENROAD_THREADS": "4"}, fp.Tool.Env)

	cmd, err := fp.Tool.Command.Render(coreVars())
	require.NoError(t, err)
	assert.Contains(t, cmd, "-netlist /w/netlist.v -constraints /w/c.yaml -out /w/fp.def")

	eq, _ := f.Graph.Stage("equiv_check")
	assert.True(t, eq.Optional)
}

func coreVars() core.TemplateVars {
	return core.TemplateVars{
		Inputs:      map[string]string{"netlist": "/w/netlist.v"},
		Outputs:     map[string]string{"floorplan_db": "/w/fp.def"},
		Constraints: "/w/c.yaml",
		Stage:       "floorplan",
		Workdir:     "/w",
	}
}

func TestParse_Defaults(t *testing.T) {
	f, err := Parse(context.Background(), "/work/flow.hcl", []byte(`
source "rtl" { path = "rtl/top.v" }
stage "synthesis" {
  inputs = ["rtl"]
  output "netlist" { path = "netlist.v" }
  backend { command = "cp ${input.rtl} ${output.netlist}" }
}
`))
	require.NoError(t, err)
	assert.Equal(t, "/work", f.WorkDir)
	assert.Equal(t, DefaultStateDir, f.Settings.StateDir)
	assert.Equal(t, DefaultMaxParallel, f.Settings.MaxParallel)
	assert.Equal(t, 30*time.Minute, f.Settings.ResourceTimeout)
	assert.Equal(t, []string{"PATH"}, f.Settings.PassEnv)
	assert.Empty(t, f.Constraints)
	assert.Empty(t, f.Licenses)
}

func TestParse_Rejects(t *testing.T) {
	const stageOK = `
stage "synthesis" {
  inputs = ["rtl"]
  output "netlist" { path = "netlist.v" }
  backend { command = "true" }
}
`
	tests := []struct {
		name    string
		src     string
		msg     string
		isGraph error
	}{
		{
			name: "unknown top-level block",
			src:  `variable "x" {}` + stageOK,
			msg:  "Unsupported block type",
		},
		{
			name: "unknown backend attribute",
			src: `source "rtl" { path = "rtl" }
stage "s" {
  output "o" { path = "o" }
  backend {
    command = "true"
    retries = 3
  }
}`,
			msg: "Unsupported argument",
		},
		{
			name: "undeclared license class",
			src: `source "rtl" { path = "rtl" }
stage "s" {
  inputs = ["rtl"]
  output "o" { path = "o" }
  backend {
    command = "true"
    license = "emulation"
  }
}`,
			msg: `license class "emulation" is not declared`,
		},
		{
			name: "template references undeclared output",
			src: `source "rtl" { path = "rtl" }
stage "s" {
  inputs = ["rtl"]
  output "o" { path = "o" }
  backend { command = "cp ${input.rtl} ${output.netlist}" }
}`,
			msg: "output.netlist is not declared",
		},
		{
			name: "bad duration",
			src:  "settings { resource_timeout = \"soon\" }\n" + `source "rtl" { path = "rtl" }` + stageOK,
			msg:  "resource_timeout",
		},
		{
			name: "missing backend",
			src: `source "rtl" { path = "rtl" }
stage "s" {
  output "o" { path = "o" }
}`,
			msg: "has no backend block",
		},
		{
			name:    "unresolved input",
			src:     stageOK,
			isGraph: dag.ErrUnresolvedInput,
		},
		{
			name: "cycle",
			src: `
stage "a" {
  inputs = ["y"]
  output "x" { path = "x" }
  backend { command = "true" }
}
stage "b" {
  inputs = ["x"]
  output "y" { path = "y" }
  backend { command = "true" }
}`,
			isGraph: dag.ErrCycleDetected,
		},
		{
			name: "constraint given twice",
			src:  "constraints {\n a = 1\n}\nconstraints {\n a = 2\n}\n" + `source "rtl" { path = "rtl" }` + stageOK,
			msg:  `constraint "a" given twice`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(context.Background(), "/work/flow.hcl", []byte(tc.src))
			require.Error(t, err)
			if tc.isGraph != nil {
				assert.ErrorIs(t, err, tc.isGraph)
				var ge *dag.GraphError
				assert.ErrorAs(t, err, &ge)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidFlow)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.hcl"))
	assert.ErrorIs(t, err, ErrInvalidFlow)
}
