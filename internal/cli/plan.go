package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rtlflow/internal/ctxlog"
	"rtlflow/internal/incremental"
)

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <flow.hcl>",
		Short: "Show which stages a run would execute, and why",
		Long: `Plan compares the workspace with the latest run and lists, in topological
order, the stages a run would execute and those it would reuse. Nothing is
executed and no state is changed.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() {
				if err := ws.Close(); err != nil {
					ctxlog.FromContext(ctx).Error("closing artifact index", "error", err)
				}
			}()

			s, err := ws.scheduler(nil)
			if err != nil {
				return err
			}
			plan, err := s.Plan(ctx)
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), plan)
		},
	}
}

func printPlan(w io.Writer, plan *incremental.Plan) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tACTION\tREASON\tCAUSE")
	for _, name := range plan.Order {
		d := plan.Decisions[name]
		action, reason, cause := "reuse", "-", "-"
		if d.Dirty {
			action, reason = "run", string(d.Reason)
			if d.Cause != "" {
				cause = d.Cause
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, action, reason, cause)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d to run, %d to reuse\n", len(plan.Dirty()), len(plan.Clean()))
	return err
}
