package trace

import (
	"log/slog"
	"slices"
	"sync"
)

// Sink receives decision events from the scheduler.
type Sink interface {
	Record(event Event)
}

type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord hands event to s. A panicking sink is ignored: a run never
// changes course because of its trace.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Record(event)
}

type tee []Sink

func (t tee) Record(event Event) {
	for _, s := range t {
		SafeRecord(s, event)
	}
}

// Tee fans every event out to all non-nil sinks.
func Tee(sinks ...Sink) Sink {
	return tee(slices.DeleteFunc(slices.Clone(sinks), func(s Sink) bool { return s == nil }))
}

// LogSink writes each event to Logger at debug level.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Record(event Event) {
	if l.Logger == nil {
		return
	}
	attrs := []any{"stage", event.Stage}
	if event.Reason != "" {
		attrs = append(attrs, "reason", event.Reason)
	}
	if event.Cause != "" {
		attrs = append(attrs, "cause", event.Cause)
	}
	if len(event.Artifacts) > 0 {
		attrs = append(attrs, "artifacts", event.Artifacts)
	}
	l.Logger.Debug(string(event.Kind), attrs...)
}

// Recorder keeps events in memory, in arrival order. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Trace returns the canonical form of everything recorded so far. Arrival
// order is lost; events are sorted by stage and kind.
func (r *Recorder) Trace(graphHash string) RunTrace {
	tr := RunTrace{GraphHash: graphHash, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}
