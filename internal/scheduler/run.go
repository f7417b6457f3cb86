package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"rtlflow/internal/artifact"
	"rtlflow/internal/constraint"
	"rtlflow/internal/core"
	"rtlflow/internal/ctxlog"
	"rtlflow/internal/dag"
	"rtlflow/internal/incremental"
	"rtlflow/internal/manifest"
	"rtlflow/internal/trace"
)

// Run executes the flow once and returns its manifest.
//
// Stage failures do not make Run fail: they are recorded in the manifest,
// whose Status is Failed. Cancelling ctx terminates running backends and
// returns a Cancelled manifest. A non-nil error means the run could not be
// carried out or recorded.
func (s *Scheduler) Run(ctx context.Context) (*manifest.Manifest, error) {
	runID, err := manifest.NewRunID()
	if err != nil {
		return nil, fmt.Errorf("generating run id: %w", err)
	}
	logger := ctxlog.FromContext(ctx).With("run_id", runID)
	ctx = ctxlog.WithLogger(ctx, logger)

	ctx, span := s.tracer.Start(ctx, "flow.run", oteltrace.WithAttributes(
		attribute.String("rtlflow.run_id", runID),
		attribute.Int("rtlflow.stages", s.g.Len()),
	))
	defer span.End()

	m, err := s.run(ctx, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return m, err
	}
	span.SetAttributes(attribute.String("rtlflow.status", string(m.Status)))
	if m.Status != manifest.RunSucceeded {
		span.SetStatus(codes.Error, string(m.Status))
	}
	return m, nil
}

func (s *Scheduler) run(ctx context.Context, runID string) (*manifest.Manifest, error) {
	logger := ctxlog.FromContext(ctx)

	prev, err := s.previous()
	if err != nil {
		return nil, err
	}

	sources, err := s.hashSources()
	if err != nil {
		return nil, err
	}
	recs := make([]artifact.Record, 0, len(sources))
	for _, kind := range s.g.Sources() {
		recs = append(recs, sources[kind])
	}
	if err := s.opts.Store.RecordAll(ctx, recs); err != nil {
		return nil, fmt.Errorf("recording sources: %w", err)
	}

	published, err := publishBase(s.opts.Ledger, s.opts.BaseConstraints)
	if err != nil {
		return nil, err
	}
	if published {
		logger.Info("published flow constraints", "version", s.opts.Ledger.Head())
		if err := s.saveLedger(); err != nil {
			return nil, fmt.Errorf("saving constraint ledger: %w", err)
		}
	}

	plan, err := incremental.Compute(ctx, incremental.Inputs{
		Graph:    s.g,
		Store:    s.opts.Store,
		Ledger:   s.opts.Ledger,
		Previous: prev,
		Outputs:  core.NewRestorer(s.opts.WorkDir, s.opts.Objects),
	})
	if err != nil {
		return nil, err
	}
	depths, err := s.g.Depths()
	if err != nil {
		return nil, err
	}

	m := manifest.New(runID, s.g.Hash(), s.now())
	if prev != nil {
		m.PreviousRunID = prev.RunID
	}
	r := &run{
		s:      s,
		ctx:    ctx,
		logger: logger,
		plan:   plan,
		m:      m,
		st:     dag.NewState(s.g),
		depths: depths,
		waits:  make(map[string]*wait),
		heads:  make(map[string]int),
		done:   make(chan completion, s.g.Len()),
	}
	r.reuse(prev)
	r.save()

	logger.Info("run started",
		"stages", s.g.Len(),
		"dirty", len(plan.Dirty()),
		"reused", len(plan.Clean()),
		"constraint_version", s.opts.Ledger.Head())

	r.loop()
	r.finish()

	if r.saveErr != nil {
		return m, fmt.Errorf("persisting run state: %w", r.saveErr)
	}
	if r.internalErr != nil {
		return m, r.internalErr
	}
	return m, nil
}

type wait struct {
	since    time.Time // first time the stage was ready in this run
	next     time.Time // earliest next admission attempt
	refusals int       // times the backend reported no license
}

type completion struct {
	name string
	res  *core.InvokeResult
	err  error
}

// run is the state of one execution. Only the coordinator goroutine
// touches it.
type run struct {
	s      *Scheduler
	ctx    context.Context
	logger *slog.Logger

	plan   *incremental.Plan
	m      *manifest.Manifest
	st     dag.State
	depths map[string]int

	waits map[string]*wait
	heads map[string]int // ledger head when each stage was launched
	done  chan completion

	running   int
	cancelled bool

	saveErr     error
	internalErr error
}

func (r *run) record(e trace.Event) { trace.SafeRecord(r.s.opts.Trace, e) }

// reuse carries clean stages over from the previous run and records the
// invalidation of dirty ones.
func (r *run) reuse(prev *manifest.Manifest) {
	for _, name := range r.plan.Order {
		d := r.plan.Decisions[name]
		if d.Dirty {
			r.record(trace.Event{Kind: trace.EventStageInvalidated, Stage: name, Reason: string(d.Reason), Cause: d.Cause})
			r.logger.Debug("stage is dirty", "stage", name, "reason", d.Reason, "cause", d.Cause)
			continue
		}

		old, _ := prev.Entry(name)
		e := *old
		e.Consumed = maps.Clone(old.Consumed)
		e.Produced = maps.Clone(old.Produced)
		e.Reused = true
		if old.ReusedFrom == "" {
			e.ReusedFrom = prev.RunID
		}
		e.Reason = ""
		r.m.Set(name, &e)
		r.transition(name, dag.StatusPending, dag.StatusSucceeded)

		if len(d.Restored) > 0 {
			r.record(trace.Event{Kind: trace.EventStageRestored, Stage: name, Artifacts: d.Restored})
			r.logger.Info("restored outputs from object store", "stage", name, "kinds", d.Restored)
		}
		r.record(trace.Event{Kind: trace.EventStageReused, Stage: name})
	}
}

func (r *run) transition(name string, from, to dag.Status) {
	if err := r.st.Transition(name, from, to); err != nil && r.internalErr == nil {
		r.internalErr = err
	}
}

func (r *run) save() {
	r.m.ConstraintVersion = r.s.opts.Ledger.Head()
	if err := r.s.opts.Manifests.Save(r.m); err != nil {
		r.logger.Error("saving manifest failed", "error", err)
		if r.saveErr == nil {
			r.saveErr = err
		}
	}
}

func (r *run) loop() {
	for {
		if !r.cancelled {
			dag.Promote(r.s.g, r.st)
			r.admit()
		}
		if r.running == 0 && r.st.Count(dag.StatusReady) == 0 {
			return
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if d, ok := r.nextWake(); ok {
			timer = time.NewTimer(d)
			timerC = timer.C
		}
		var cancelC <-chan struct{}
		if !r.cancelled {
			cancelC = r.ctx.Done()
		}

		select {
		case c := <-r.done:
			r.complete(c)
		case <-timerC:
		case <-cancelC:
			r.cancel()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// admit launches ready stages in (depth, name) order while slots are free.
func (r *run) admit() {
	now := r.s.now()
	for _, name := range dag.ReadyStages(r.st, r.depths) {
		w, ok := r.waits[name]
		if !ok {
			w = &wait{since: now}
			r.waits[name] = w
		}
		if r.resourceExpired(w, now) {
			r.fail(name, manifest.CodeResourceTimeout, r.resourceTimeoutMessage(name, w), nil)
			continue
		}
		if now.Before(w.next) {
			continue
		}

		st, _ := r.s.g.Stage(name)
		ok, err := r.s.opts.Pool.TryAcquire(st.Tool.License)
		if err != nil {
			r.fail(name, manifest.CodeLaunchError, err.Error(), nil)
			continue
		}
		if !ok {
			continue
		}
		r.launch(name)
	}
}

func (r *run) resourceExpired(w *wait, now time.Time) bool {
	rt := r.s.opts.ResourceTimeout
	return rt > 0 && now.Sub(w.since) >= rt
}

func (r *run) resourceTimeoutMessage(name string, w *wait) string {
	st, _ := r.s.g.Stage(name)
	class := st.Tool.License
	if class == "" {
		class = "global"
	}
	return fmt.Sprintf("no %s license slot within %s (%d license refusals)", class, r.s.opts.ResourceTimeout, w.refusals)
}

// nextWake returns how long to sleep until a backoff expires or a resource
// timeout is due.
func (r *run) nextWake() (time.Duration, bool) {
	now := r.s.now()
	var earliest time.Time
	consider := func(t time.Time) {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	for name, w := range r.waits {
		if r.st[name] != dag.StatusReady {
			continue
		}
		if w.next.After(now) {
			consider(w.next)
		}
		if rt := r.s.opts.ResourceTimeout; rt > 0 {
			consider(w.since.Add(rt))
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	return max(earliest.Sub(now), 0), true
}

func (r *run) launch(name string) {
	st, _ := r.s.g.Stage(name)
	r.transition(name, dag.StatusReady, dag.StatusRunning)

	inputs, consumed, err := r.resolveInputs(st)
	if err != nil {
		r.s.opts.Pool.Release(st.Tool.License)
		r.transition(name, dag.StatusRunning, dag.StatusReady)
		r.fail(name, manifest.CodeLaunchError, err.Error(), nil)
		return
	}

	view := incremental.ViewFor(r.s.g, r.s.opts.Ledger, name)
	r.heads[name] = r.s.opts.Ledger.Head()

	d := r.plan.Decisions[name]
	e, ok := r.m.Entry(name)
	if !ok {
		e = &manifest.Entry{StartedAt: r.s.now().UTC(), Reason: string(d.Reason), DefinitionHash: d.DefinitionHash}
		r.m.Set(name, e)
	}
	e.Status = dag.StatusRunning
	e.Consumed = consumed
	e.ConstraintHash = view.Hash()
	e.ConstraintVersion = view.Version
	e.Attempts++
	r.save()

	attempt := e.Attempts
	r.running++
	r.logger.Info("stage started", "stage", name, "license", st.Tool.License, "attempt", attempt, "constraint_version", view.Version)

	go func() {
		ctx, span := r.s.tracer.Start(r.ctx, "stage "+name, oteltrace.WithAttributes(
			attribute.String("rtlflow.stage", name),
			attribute.String("rtlflow.license", st.Tool.License),
			attribute.Int("rtlflow.attempt", attempt),
		))
		res, err := r.s.opts.Invoker.Invoke(ctx, st, view, inputs)
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res.Outcome != core.OutcomeSucceeded:
			span.SetStatus(codes.Error, string(res.Outcome))
		}
		span.End()
		r.done <- completion{name: name, res: res, err: err}
	}()
}

func (r *run) resolveInputs(st core.Stage) ([]core.InputArtifact, map[string]string, error) {
	h := core.NewHarvester(r.s.opts.WorkDir)
	inputs := make([]core.InputArtifact, 0, len(st.Inputs))
	consumed := make(map[string]string, len(st.Inputs))
	for _, kind := range st.Inputs {
		producer, _ := r.s.g.Producer(kind)
		rec, err := r.s.opts.Store.Current(r.ctx, producer, kind)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving input %s: %w", kind, err)
		}
		inputs = append(inputs, core.InputArtifact{
			Kind:     kind,
			Producer: producer,
			Path:     h.Resolve(rec.Location),
			Hash:     rec.Hash,
		})
		consumed[kind] = rec.Hash
	}
	return inputs, consumed, nil
}

func (r *run) complete(c completion) {
	st, _ := r.s.g.Stage(c.name)
	r.s.opts.Pool.Release(st.Tool.License)
	r.running--

	res := c.res
	switch {
	case c.err != nil && (r.ctx.Err() != nil || errors.Is(c.err, context.Canceled)):
		r.cancelStage(c.name, res)
	case c.err != nil:
		r.fail(c.name, manifest.CodeLaunchError, c.err.Error(), res)
	case res.Outcome == core.OutcomeLicenseUnavailable:
		r.requeue(c.name, res)
	case res.Outcome == core.OutcomeFailed:
		r.fail(c.name, failureCode(res.Reason), res.Message, res)
	default:
		if err := r.publish(c.name, res.Refined); err != nil {
			r.fail(c.name, manifest.CodeConstraintConflict, err.Error(), res)
			return
		}
		// Outputs become visible only once the stage's result is accepted.
		if err := r.s.opts.Store.RecordAll(context.WithoutCancel(r.ctx), res.Produced); err != nil {
			r.fail(c.name, manifest.CodeLaunchError, fmt.Sprintf("recording outputs: %v", err), res)
			return
		}
		r.succeed(c.name, res)
	}
}

func failureCode(reason string) string {
	switch reason {
	case core.ReasonMissingOutput:
		return manifest.CodeMissingOutput
	case core.ReasonTimeout:
		return manifest.CodeTimeout
	case core.ReasonInvalidConstraints:
		return manifest.CodeInvalidConstraints
	default:
		return manifest.CodeExitStatus
	}
}

func (r *run) requeue(name string, res *core.InvokeResult) {
	if r.cancelled {
		r.cancelStage(name, res)
		return
	}
	now := r.s.now()
	w := r.waits[name]
	w.refusals++
	backoff := r.s.opts.BackoffBase << (w.refusals - 1)
	if backoff <= 0 || backoff > r.s.opts.BackoffMax {
		backoff = r.s.opts.BackoffMax
	}
	w.next = now.Add(backoff)
	if rt := r.s.opts.ResourceTimeout; rt > 0 {
		if deadline := w.since.Add(rt); w.next.After(deadline) {
			w.next = deadline
		}
	}

	r.transition(name, dag.StatusRunning, dag.StatusReady)
	if e, ok := r.m.Entry(name); ok {
		e.Status = dag.StatusReady
		e.Log = string(res.Log)
	}
	if r.resourceExpired(w, now) {
		r.fail(name, manifest.CodeResourceTimeout, r.resourceTimeoutMessage(name, w), res)
		return
	}
	r.save()
	r.logger.Info("license unavailable, requeued", "stage", name, "retry_in", backoff, "refusals", w.refusals)
}

// publish appends a stage's refined constraints to the ledger. Publication
// happens only on the coordinator, which serializes it.
func (r *run) publish(name string, refined constraint.Directives) error {
	if len(refined) == 0 {
		return nil
	}
	l := r.s.opts.Ledger
	if latest, ok := l.Latest(name); ok && latest.Directives.Equal(refined) {
		return nil
	}
	if clash := constraint.Conflicts(l.Since(r.heads[name]), name, refined); len(clash) > 0 {
		return fmt.Errorf("refined %s, which another stage published differently while %q ran", strings.Join(clash, ", "), name)
	}
	if err := l.Publish(l.Head()+1, name, refined); err != nil {
		return err
	}
	if err := r.s.saveLedger(); err != nil && r.saveErr == nil {
		r.saveErr = err
	}
	r.logger.Info("published refined constraints", "stage", name, "version", l.Head(), "directives", refined.Names())
	return nil
}

func (r *run) succeed(name string, res *core.InvokeResult) {
	r.transition(name, dag.StatusRunning, dag.StatusSucceeded)
	e, _ := r.m.Entry(name)
	e.Status = dag.StatusSucceeded
	e.FinishedAt = r.s.now().UTC()
	r.applyResult(name, e, res)
	e.Produced = make(map[string]string, len(res.Produced))
	for _, rec := range res.Produced {
		e.Produced[rec.Kind] = rec.Hash
	}
	e.Ignored = res.Ignored
	r.save()

	r.record(trace.Event{Kind: trace.EventStageExecuted, Stage: name})
	r.logger.Info("stage succeeded", "stage", name, "duration", res.Duration)
}

func (r *run) applyResult(name string, e *manifest.Entry, res *core.InvokeResult) {
	if res == nil {
		return
	}
	code := res.ExitCode
	e.ExitCode = &code
	e.Log = string(res.Log)
	if len(res.Log) > 0 {
		if err := r.s.opts.Manifests.SaveLog(r.m.RunID, name, res.Log); err != nil && r.saveErr == nil {
			r.saveErr = err
		}
	}
}

// fail marks a Ready or Running stage Failed and its pending descendants
// Stale.
func (r *run) fail(name, code, msg string, res *core.InvokeResult) {
	r.transition(name, r.st[name], dag.StatusFailed)
	e, ok := r.m.Entry(name)
	if !ok {
		d := r.plan.Decisions[name]
		e = &manifest.Entry{Reason: string(d.Reason), DefinitionHash: d.DefinitionHash}
		r.m.Set(name, e)
	}
	e.Status = dag.StatusFailed
	e.FinishedAt = r.s.now().UTC()
	e.FailureCode = code
	e.Error = msg
	r.applyResult(name, e, res)

	r.record(trace.Event{Kind: trace.EventStageFailed, Stage: name, Reason: code})
	r.logger.Error("stage failed", "stage", name, "code", code, "error", msg)

	marked, err := dag.MarkStale(r.s.g, r.st, name)
	if err != nil && r.internalErr == nil {
		r.internalErr = err
	}
	for _, dep := range marked {
		r.m.Set(dep, &manifest.Entry{
			Status:         dag.StatusStale,
			Reason:         "UpstreamFailed",
			Error:          fmt.Sprintf("upstream stage %q failed", name),
			DefinitionHash: r.plan.Decisions[dep].DefinitionHash,
		})
		r.record(trace.Event{Kind: trace.EventStageStale, Stage: dep, Reason: "UpstreamFailed", Cause: name})
	}
	if len(marked) > 0 {
		r.logger.Warn("dependents marked stale", "stage", name, "stale", marked)
	}
	r.save()
}

// cancel stops admitting stages and marks everything not yet started
// Cancelled. Running backends see the cancelled context and are terminated.
func (r *run) cancel() {
	r.cancelled = true
	r.logger.Warn("run cancelled, terminating running stages", "running", r.running)
	for _, name := range r.plan.Order {
		switch r.st[name] {
		case dag.StatusPending, dag.StatusReady:
			r.transition(name, r.st[name], dag.StatusCancelled)
			e, ok := r.m.Entry(name)
			if !ok {
				e = &manifest.Entry{DefinitionHash: r.plan.Decisions[name].DefinitionHash, Reason: string(r.plan.Decisions[name].Reason)}
				r.m.Set(name, e)
			}
			e.Status = dag.StatusCancelled
			r.record(trace.Event{Kind: trace.EventStageCancelled, Stage: name})
		}
	}
	r.save()
}

func (r *run) cancelStage(name string, res *core.InvokeResult) {
	r.transition(name, dag.StatusRunning, dag.StatusCancelled)
	e, _ := r.m.Entry(name)
	e.Status = dag.StatusCancelled
	e.FinishedAt = r.s.now().UTC()
	e.Error = "cancelled while running"
	r.applyResult(name, e, res)
	r.record(trace.Event{Kind: trace.EventStageCancelled, Stage: name})
	r.logger.Warn("stage cancelled", "stage", name)
	r.save()
}

func (r *run) finish() {
	status := manifest.RunSucceeded
	var failure error
	if r.cancelled {
		status = manifest.RunCancelled
		failure = r.ctx.Err()
	} else {
		var first *manifest.StageFailure
		for _, name := range r.plan.Order {
			st, _ := r.s.g.Stage(name)
			if r.st[name] == dag.StatusFailed && (first == nil || (!st.Optional && failure == nil)) {
				e, _ := r.m.Entry(name)
				first = &manifest.StageFailure{Stage: name, Code: e.FailureCode, Message: e.Error}
				if !st.Optional {
					failure = first
				}
			}
			if r.st[name] != dag.StatusSucceeded && !st.Optional {
				status = manifest.RunFailed
			}
		}
		if status == manifest.RunFailed && failure == nil && first != nil {
			// Only an optional stage failed, but it left required stages stale.
			failure = first
		}
	}

	r.m.Finish(status, r.s.now())
	r.save()
	if failure != nil {
		if err := r.s.opts.Manifests.RecordFailure(r.m.RunID, failure); err != nil && r.saveErr == nil {
			r.saveErr = err
		}
	}

	counts := r.m.Counts()
	r.logger.Info("run finished",
		"status", status,
		"succeeded", counts[dag.StatusSucceeded],
		"failed", counts[dag.StatusFailed],
		"stale", counts[dag.StatusStale],
		"cancelled", counts[dag.StatusCancelled],
		"executed", len(slices.DeleteFunc(r.m.Names(), func(n string) bool { return r.m.Stages[n].Reused })),
	)
}
