package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"rtlflow/internal/artifact"
	"rtlflow/internal/constraint"
	"rtlflow/internal/core"
	"rtlflow/internal/flow"
	"rtlflow/internal/license"
	"rtlflow/internal/manifest"
	"rtlflow/internal/scheduler"
	"rtlflow/internal/trace"
)

// workspace is a loaded flow together with its persisted state.
type workspace struct {
	flow      *flow.Flow
	store     *artifact.SQLiteStore
	objects   *artifact.Objects
	ledger    *constraint.Ledger
	manifests *manifest.Store
}

func openWorkspace(ctx context.Context, path string) (*workspace, error) {
	f, err := flow.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(f.StatePath(), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	store, err := artifact.OpenSQLite(f.StatePath("index.db"))
	if err != nil {
		return nil, err
	}
	ledger, err := constraint.Load(f.StatePath("constraints.yaml"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	manifests, err := manifest.NewStore(f.StatePath())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &workspace{
		flow:      f,
		store:     store,
		objects:   artifact.NewObjects(f.StatePath("objects")),
		ledger:    ledger,
		manifests: manifests,
	}, nil
}

func (w *workspace) Close() error { return w.store.Close() }

func (w *workspace) scheduler(sink trace.Sink) (*scheduler.Scheduler, error) {
	f := w.flow
	pool, err := license.NewPool(f.Settings.MaxParallel, f.Licenses)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", flow.ErrInvalidFlow, err)
	}

	inv := core.NewInvoker(f.WorkDir, f.StatePath("constraints"), w.objects)
	inv.PassEnv = f.Settings.PassEnv
	inv.Executor.KillGrace = f.Settings.KillGrace

	return scheduler.New(f.Graph, scheduler.Options{
		WorkDir:         f.WorkDir,
		Store:           w.store,
		Objects:         w.objects,
		Ledger:          w.ledger,
		LedgerPath:      f.StatePath("constraints.yaml"),
		Manifests:       w.manifests,
		Pool:            pool,
		Invoker:         inv,
		Sources:         f.Sources,
		BaseConstraints: f.Constraints,
		ResourceTimeout: f.Settings.ResourceTimeout,
		BackoffBase:     f.Settings.BackoffBase,
		BackoffMax:      f.Settings.BackoffMax,
		Trace:           sink,
	})
}

// latest returns the manifest of runID, or of the latest run when runID
// is empty.
func (w *workspace) latest(runID string) (*manifest.Manifest, error) {
	if runID != "" {
		m, err := w.manifests.Load(runID)
		if errors.Is(err, os.ErrNotExist) {
			return nil, wrapExitError(ExitInvalidInvocation, "unknown run", fmt.Errorf("%s", runID))
		}
		return m, err
	}
	m, err := w.manifests.Latest()
	if errors.Is(err, manifest.ErrNoRuns) {
		return nil, wrapExitError(ExitInvalidInvocation, "no runs recorded", err)
	}
	return m, err
}
