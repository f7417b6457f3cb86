package cli

import (
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rtlflow/internal/ctxlog"
	"rtlflow/internal/manifest"
	"rtlflow/internal/trace"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// TracePath receives the canonical decision trace of the run.
	TracePath string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <flow.hcl>",
		Short: "Run every stage that is out of date",
		Long: `Run the flow. Stages whose inputs, definition and constraints are unchanged
since their last success are reused; the rest run as soon as their inputs are
ready and a license slot is free.

Exit status is 0 when every required stage succeeded, 1 when a stage failed or
the run was interrupted, and 2 when the flow definition is invalid.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.TracePath, "trace", "", "write the run's decision trace as JSON to this path")
	return cmd
}

func runFlow(cmd *cobra.Command, opts *RunOptions, path string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := ctxlog.FromContext(ctx)

	ws, err := openWorkspace(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Error("closing artifact index", "error", err)
		}
	}()

	rec := trace.NewRecorder()
	s, err := ws.scheduler(trace.Tee(rec, trace.LogSink{Logger: logger}))
	if err != nil {
		return err
	}

	m, err := s.Run(ctx)
	opts.last = m
	if err != nil {
		return err
	}

	if opts.TracePath != "" {
		p := opts.TracePath
		if !filepath.IsAbs(p) {
			p = filepath.Join(ws.flow.WorkDir, p)
		}
		tr := rec.Trace(m.GraphHash)
		if err := tr.WriteFile(p); err != nil {
			return fmt.Errorf("writing trace: %w", err)
		}
	}

	if err := printSummary(cmd.OutOrStdout(), m); err != nil {
		return err
	}
	switch m.Status {
	case manifest.RunSucceeded:
		return nil
	case manifest.RunCancelled:
		return wrapExitError(ExitStageFailure, "run cancelled", ctx.Err())
	default:
		return &ExitError{Code: ExitStageFailure, Message: fmt.Sprintf("run %s failed", m.RunID)}
	}
}

// printSummary writes one line per stage in topological order.
func printSummary(w io.Writer, m *manifest.Manifest) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s: %s\n", m.RunID, m.Status)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tDETAIL")
	for _, name := range m.Names() {
		e := m.Stages[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, e.Status, entryDetail(e))
	}
	return tw.Flush()
}

func entryDetail(e *manifest.Entry) string {
	switch {
	case e.Reused:
		return "reused from " + e.ReusedFrom
	case e.FailureCode != "":
		return e.FailureCode + ": " + firstLine(e.Error)
	case e.Error != "":
		return firstLine(e.Error)
	case e.Reason != "":
		return e.Reason
	}
	return "-"
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
