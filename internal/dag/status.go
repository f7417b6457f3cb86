package dag

import (
	"fmt"
	"sort"
)

// Status is the run-time status of a stage within one run.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusReady     Status = "Ready"
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	StatusStale     Status = "Stale"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether the status can no longer change within a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusStale, StatusCancelled:
		return true
	default:
		return false
	}
}

// State maps stage name to status. It belongs to a single run; the graph
// itself holds no run-time state, so one Graph can drive many runs.
type State map[string]Status

// NewState returns a state with every stage of g Pending.
func NewState(g *Graph) State {
	st := make(State, g.Len())
	for _, name := range g.Stages() {
		st[name] = StatusPending
	}
	return st
}

// Transition moves name from one status to another. The caller states the
// status it expects the stage to be in, so lost updates are observable.
// The state is changed only if the transition is allowed.
func (st State) Transition(name string, from, to Status) error {
	cur, ok := st[name]
	if !ok {
		return fmt.Errorf("unknown stage in state: %q", name)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", name, from, cur)
	}
	if !allowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", name, from, to)
	}
	st[name] = to
	return nil
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		// Succeeded directly: the stage is clean and its last result is reused.
		return to == StatusReady || to == StatusStale || to == StatusCancelled || to == StatusSucceeded
	case StatusReady:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		// Back to Ready: no license was available, the stage is requeued.
		return to == StatusSucceeded || to == StatusFailed || to == StatusCancelled || to == StatusReady
	default:
		return false
	}
}

// MarkStale marks every Pending descendant of the failed stage Stale and
// returns them sorted. A descendant that is already Ready or Running means
// it was admitted before its producer finished, which is a scheduler bug.
func MarkStale(g *Graph, st State, failed string) ([]string, error) {
	var marked []string
	for _, name := range g.Descendants(failed) {
		switch st[name] {
		case StatusPending:
			st[name] = StatusStale
			marked = append(marked, name)
		case StatusReady, StatusRunning:
			return marked, fmt.Errorf("invariant violation: %q is %s while upstream %q failed", name, st[name], failed)
		}
	}
	return marked, nil
}

// Promote moves every Pending stage whose dependencies have all Succeeded to
// Ready and returns the promoted names.
func Promote(g *Graph, st State) []string {
	var promoted []string
	for _, name := range g.Stages() {
		if st[name] != StatusPending {
			continue
		}
		deps, err := g.DependenciesOf(name)
		if err != nil {
			continue
		}
		ok := true
		for _, d := range deps {
			if st[d] != StatusSucceeded {
				ok = false
				break
			}
		}
		if ok {
			st[name] = StatusReady
			promoted = append(promoted, name)
		}
	}
	return promoted
}

// ReadyStages returns the Ready stages ordered by (depth, name).
func ReadyStages(st State, depths map[string]int) []string {
	var ready []string
	for name, s := range st {
		if s == StatusReady {
			ready = append(ready, name)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if depths[a] != depths[b] {
			return depths[a] < depths[b]
		}
		return a < b
	})
	return ready
}

// Count returns how many stages are in status s.
func (st State) Count(s Status) int {
	n := 0
	for _, v := range st {
		if v == s {
			n++
		}
	}
	return n
}
