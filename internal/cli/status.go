package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"rtlflow/internal/ctxlog"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	RunID string
	JSON  bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "status <flow.hcl>",
		Short: "Show the manifest of the latest run",
		Args:  exactArgs(1),
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

			m, err := ws.latest(opts.RunID)
			if err != nil {
				return err
			}
			if opts.JSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			}
			return printSummary(cmd.OutOrStdout(), m)
		},
	}
	cmd.Flags().StringVar(&opts.RunID, "run", "", "show this run instead of the latest")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the manifest as JSON")
	return cmd
}
