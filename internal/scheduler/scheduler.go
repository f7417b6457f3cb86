// Package scheduler runs a flow: it plans which stages are dirty, launches
// them as their producers finish, bounded by license slots, and records every
// outcome in the run manifest.
//
// One coordinator goroutine owns all run state. Each admitted stage runs its
// backend in its own goroutine and reports back on a channel; nothing else is
// shared between stages.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"rtlflow/internal/artifact"
	"rtlflow/internal/constraint"
	"rtlflow/internal/core"
	"rtlflow/internal/dag"
	"rtlflow/internal/incremental"
	"rtlflow/internal/license"
	"rtlflow/internal/manifest"
	"rtlflow/internal/trace"
)

const (
	DefaultBackoffBase     = time.Second
	DefaultBackoffMax      = time.Minute
	DefaultResourceTimeout = 30 * time.Minute
)

// ErrSourceMissing means a declared source kind has no readable path.
var ErrSourceMissing = errors.New("source missing")

// StageInvoker runs one stage's backend. core.Invoker implements it.
type StageInvoker interface {
	Invoke(ctx context.Context, s core.Stage, view constraint.View, inputs []core.InputArtifact) (*core.InvokeResult, error)
}

// Options wires a Scheduler to its collaborators.
type Options struct {
	// WorkDir is the flow work directory; relative paths resolve against it.
	WorkDir string

	Store   artifact.Store
	Objects *artifact.Objects

	Ledger *constraint.Ledger
	// LedgerPath is where the ledger is saved after each publication.
	// Empty keeps it in memory only.
	LedgerPath string

	Manifests *manifest.Store
	Pool      *license.Pool
	Invoker   StageInvoker

	// Sources maps each source kind to its path.
	Sources map[string]string

	// BaseConstraints are the flow's own directives. They are published
	// as a new base version whenever they differ from the last one.
	BaseConstraints constraint.Directives

	// ResourceTimeout bounds how long a ready stage waits for a license
	// slot, including retries after the backend reported no license.
	// Zero waits forever.
	ResourceTimeout time.Duration

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Trace receives the run's decisions. Nil discards them.
	Trace trace.Sink
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithTracer sets the OpenTelemetry tracer used for run and stage spans.
func WithTracer(t oteltrace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs one flow graph. A Scheduler holds no per-run state, so Run
// may be called repeatedly.
type Scheduler struct {
	g      *dag.Graph
	opts   Options
	tracer oteltrace.Tracer
	now    func() time.Time
}

// New validates the graph and the options.
func New(g *dag.Graph, opts Options, options ...Option) (*Scheduler, error) {
	if g == nil {
		return nil, errors.New("nil graph")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	switch {
	case opts.Store == nil:
		return nil, errors.New("artifact store is required")
	case opts.Ledger == nil:
		return nil, errors.New("constraint ledger is required")
	case opts.Manifests == nil:
		return nil, errors.New("manifest store is required")
	case opts.Pool == nil:
		return nil, errors.New("license pool is required")
	case opts.Invoker == nil:
		return nil, errors.New("invoker is required")
	}
	for _, name := range g.Stages() {
		st, _ := g.Stage(name)
		if !opts.Pool.Has(st.Tool.License) {
			return nil, fmt.Errorf("stage %q: %w: %q", name, license.ErrUnknownClass, st.Tool.License)
		}
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.Trace == nil {
		opts.Trace = trace.NopSink{}
	}

	s := &Scheduler{
		g:      g,
		opts:   opts,
		tracer: otel.Tracer("rtlflow/internal/scheduler"),
		now:    time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Plan computes what Run would do without running anything or changing the
// artifact store, the ledger, or the workspace.
func (s *Scheduler) Plan(ctx context.Context) (*incremental.Plan, error) {
	sources, err := s.hashSources()
	if err != nil {
		return nil, err
	}
	ledger := s.opts.Ledger.Clone()
	if _, err := publishBase(ledger, s.opts.BaseConstraints); err != nil {
		return nil, err
	}
	prev, err := s.previous()
	if err != nil {
		return nil, err
	}
	return incremental.Compute(ctx, incremental.Inputs{
		Graph:    s.g,
		Store:    overlayStore{Store: s.opts.Store, sources: sources},
		Ledger:   ledger,
		Previous: prev,
		Outputs:  &core.Restorer{WorkDir: s.opts.WorkDir, Objects: s.opts.Objects, DryRun: true},
	})
}

func (s *Scheduler) previous() (*manifest.Manifest, error) {
	prev, err := s.opts.Manifests.Latest()
	if errors.Is(err, manifest.ErrNoRuns) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading previous manifest: %w", err)
	}
	return prev, nil
}

// hashSources hashes every declared source at its configured path.
func (s *Scheduler) hashSources() (map[string]artifact.Record, error) {
	h := core.NewHarvester(s.opts.WorkDir)
	out := make(map[string]artifact.Record)
	for _, kind := range s.g.Sources() {
		p, ok := s.opts.Sources[kind]
		if !ok || p == "" {
			return nil, fmt.Errorf("%w: no path configured for %q", ErrSourceMissing, kind)
		}
		sum, err := core.HashPath(h.Resolve(p), nil)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrSourceMissing, kind, p)
		}
		if err != nil {
			return nil, fmt.Errorf("hashing source %s: %w", kind, err)
		}
		out[kind] = artifact.Record{
			Stage:    core.SourceProducer,
			Kind:     kind,
			Hash:     sum,
			Location: filepath.ToSlash(p),
		}
	}
	return out, nil
}

// publishBase appends the flow's base directives when they differ from the
// latest base publication.
func publishBase(l *constraint.Ledger, base constraint.Directives) (bool, error) {
	norm, err := constraint.Normalize(base)
	if err != nil {
		return false, fmt.Errorf("flow constraints: %w", err)
	}
	latest, ok := l.Latest(constraint.BasePublisher)
	if ok && latest.Directives.Equal(norm) {
		return false, nil
	}
	if !ok && len(norm) == 0 {
		return false, nil
	}
	if err := l.Publish(l.Head()+1, constraint.BasePublisher, norm); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) saveLedger() error {
	if s.opts.LedgerPath == "" {
		return nil
	}
	return s.opts.Ledger.Save(s.opts.LedgerPath)
}

// overlayStore answers source lookups from freshly hashed records, so a dry
// run sees source changes without recording them.
type overlayStore struct {
	artifact.Store
	sources map[string]artifact.Record
}

func (o overlayStore) Current(ctx context.Context, stage, kind string) (artifact.Record, error) {
	if stage == core.SourceProducer {
		if rec, ok := o.sources[kind]; ok {
			return rec, nil
		}
	}
	return o.Store.Current(ctx, stage, kind)
}

func (o overlayStore) CurrentHash(ctx context.Context, stage, kind string) (string, error) {
	rec, err := o.Current(ctx, stage, kind)
	if err != nil {
		return "", err
	}
	return rec.Hash, nil
}
