// Package cli implements the rtlflow command line.
package cli

import (
	"context"
	"errors"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"rtlflow/internal/ctxlog"
	"rtlflow/internal/manifest"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
)

// RootOptions holds the global flags.
type RootOptions struct {
	LogLevel  string
	LogFormat string

	// invoked is set once flags and arguments were accepted, so that a
	// failure before that point can be told apart as a usage error.
	invoked bool

	// last is the manifest of the most recent run command, for callers
	// that drive the CLI in-process.
	last *manifest.Manifest
}

// NewRootCommand builds the rtlflow command tree.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rtlflow",
		Short: "Incremental orchestrator for hardware design flows",
		Long: `rtlflow runs the stages of a hardware design flow (synthesis, floorplan,
place and route, timing, simulation) as a dependency graph. Only stages whose
inputs, definition or constraints changed since the last successful run are
executed again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validLogLevels, opts.LogLevel) {
				return invalidInvocationf("invalid --log-level %q (expected one of %v)", opts.LogLevel, validLogLevels)
			}
			if !slices.Contains(validLogFormats, opts.LogFormat) {
				return invalidInvocationf("invalid --log-format %q (expected one of %v)", opts.LogFormat, validLogFormats)
			}
			logger := ctxlog.New(opts.LogLevel, opts.LogFormat, cmd.ErrOrStderr())
			cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
			opts.invoked = true
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return wrapExitError(ExitInvalidInvocation, "invalid flags", err)
	})

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewGraphCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	return cmd
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return wrapExitError(ExitInvalidInvocation, "invalid arguments", err)
		}
		return nil
	}
}

// CLIResult is the outcome of one command-line invocation.
type CLIResult struct {
	ExitCode int

	// Manifest is set by the run command.
	Manifest *manifest.Manifest
}

// Run executes the command line args (without the program name) and
// returns the exit code it maps to.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (CLIResult, error) {
	opts := &RootOptions{}
	cmd := NewRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	res := CLIResult{ExitCode: ExitCode(err), Manifest: opts.last}
	var exitErr *ExitError
	if err != nil && !opts.invoked && !errors.As(err, &exitErr) {
		// Unknown commands and similar cobra errors.
		res.ExitCode = ExitInvalidInvocation
	}
	return res, err
}
