package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rtlflow/internal/ctxlog"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	RunID string
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "log <flow.hcl> <stage>",
		Short: "Print the captured backend log of a stage",
		Long: `Print, verbatim, the output a stage's backend produced in the latest run
(or the run given with --run).`,
		Args: exactArgs(2),
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

			stage := args[1]
			if _, ok := ws.flow.Graph.Stage(stage); !ok {
				return invalidInvocationf("unknown stage %q", stage)
			}
			m, err := ws.latest(opts.RunID)
			if err != nil {
				return err
			}
			e, ok := m.Entry(stage)
			if !ok {
				return invalidInvocationf("stage %q has no entry in run %s", stage, m.RunID)
			}
			if e.Reused {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s was reused from run %s\n", stage, e.ReusedFrom)
			}

			// Reused entries carry the log of the run that executed them.
			runID := m.RunID
			if e.Reused {
				runID = e.ReusedFrom
			}
			data, err := ws.manifests.ReadLog(runID, stage)
			if errors.Is(err, os.ErrNotExist) {
				data = []byte(e.Log)
			} else if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.RunID, "run", "", "read the log of this run instead of the latest")
	return cmd
}
