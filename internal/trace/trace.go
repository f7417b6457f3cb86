// Package trace records the logical decisions of a run: which stages were
// invalidated and why, which were reused, restored, executed, failed, or
// left stale.
//
// A trace carries no timestamps, durations, or retry counts. Two runs that
// made the same decisions produce byte-identical canonical traces, whatever
// order their stages happened to finish in.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
)

// EventKind names a decision. The values are part of the canonical bytes.
type EventKind string

const (
	EventStageInvalidated EventKind = "StageInvalidated"
	EventStageRestored    EventKind = "StageRestored"
	EventStageReused      EventKind = "StageReused"
	EventStageExecuted    EventKind = "StageExecuted"
	EventStageFailed      EventKind = "StageFailed"
	EventStageStale       EventKind = "StageStale"
	EventStageCancelled   EventKind = "StageCancelled"
)

var kindOrder = map[EventKind]int{
	EventStageInvalidated: 10,
	EventStageRestored:    20,
	EventStageReused:      30,
	EventStageExecuted:    40,
	EventStageFailed:      50,
	EventStageStale:       60,
	EventStageCancelled:   70,
}

// Event is one decision about one stage.
type Event struct {
	Kind  EventKind `json:"kind"`
	Stage string    `json:"stage"`

	// Reason is a stable code such as "InputChanged" or "ExitStatus".
	Reason string `json:"reason,omitempty"`

	// Cause names the upstream stage behind the decision, if any.
	Cause string `json:"cause,omitempty"`

	// Artifacts lists the artifact kinds involved, such as restored outputs.
	Artifacts []string `json:"artifacts,omitempty"`
}

// RunTrace is the canonical record of one run's decisions.
type RunTrace struct {
	GraphHash string  `json:"graph_hash"`
	Events    []Event `json:"events"`
}

// Validate checks that every event names a known kind and a stage.
func (t *RunTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graph_hash is required")
	}
	for i, e := range t.Events {
		if _, ok := kindOrder[e.Kind]; !ok {
			return fmt.Errorf("events[%d]: unknown kind %q", i, e.Kind)
		}
		if e.Stage == "" {
			return fmt.Errorf("events[%d]: stage is required", i)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts artifacts within events and events by
// (stage, kind order, reason, cause, artifacts).
func (t *RunTrace) Canonicalize() {
	for i := range t.Events {
		if len(t.Events[i].Artifacts) == 0 {
			t.Events[i].Artifacts = nil
			continue
		}
		art := slices.Clone(t.Events[i].Artifacts)
		sort.Strings(art)
		t.Events[i].Artifacts = art
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if kindOrder[a.Kind] != kindOrder[b.Kind] {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Cause != b.Cause {
			return a.Cause < b.Cause
		}
		return slices.Compare(a.Artifacts, b.Artifacts) < 0
	})
}

// CanonicalJSON returns the canonical encoding of a copy of t.
func (t RunTrace) CanonicalJSON() ([]byte, error) {
	c := RunTrace{GraphHash: t.GraphHash, Events: slices.Clone(t.Events)}
	if c.Events == nil {
		c.Events = []Event{}
	}
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Hash returns the sha256 of the canonical encoding.
func (t RunTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// WriteFile writes the canonical encoding to path.
func (t RunTrace) WriteFile(path string) error {
	b, err := t.CanonicalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// Of returns the events about one stage, in canonical order.
func (t RunTrace) Of(stage string) []Event {
	c := RunTrace{GraphHash: t.GraphHash, Events: slices.Clone(t.Events)}
	c.Canonicalize()
	var out []Event
	for _, e := range c.Events {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}
