package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rtlflow/internal/dag"
	"rtlflow/internal/flow"
	"rtlflow/internal/license"
)

// NewGraphCommand creates the graph command.
func NewGraphCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "graph <flow.hcl>",
		Short: "Validate the flow and print its stages in topological order",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := flow.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pool, err := license.NewPool(f.Settings.MaxParallel, f.Licenses)
			if err != nil {
				return wrapExitError(ExitFlowError, "invalid license settings", err)
			}
			return printGraph(cmd.OutOrStdout(), f.Graph, pool)
		},
	}
}

func printGraph(w io.Writer, g *dag.Graph, pool *license.Pool) error {
	order, err := g.TopologicalOrder()
	if err != nil {
		return err
	}
	depths, err := g.Depths()
	if err != nil {
		return err
	}

	slots := make([]string, 0, len(pool.Classes()))
	for _, class := range pool.Classes() {
		n, _ := pool.Limit(class)
		slots = append(slots, fmt.Sprintf("%s=%d", class, n))
	}
	if len(slots) == 0 {
		slots = append(slots, "-")
	}
	if _, err := fmt.Fprintf(w, "sources: %s\nlicenses: %s (max_parallel %d)\n\n",
		strings.Join(g.Sources(), ", "), strings.Join(slots, ", "), pool.Global()); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tDEPTH\tLICENSE\tINPUTS\tOUTPUTS")
	for _, name := range order {
		s, _ := g.Stage(name)
		lic := s.Tool.License
		if lic == "" {
			lic = "-"
		}
		inputs := strings.Join(s.Inputs, ",")
		if inputs == "" {
			inputs = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", name, depths[name], lic, inputs, strings.Join(s.OutputKinds(), ","))
	}
	return tw.Flush()
}
