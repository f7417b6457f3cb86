// Package constraint holds the versioned constraint set of a flow: an
// append-only ledger of directive publications.
//
// Version numbers are dense and start at 1. Publishing version n succeeds only
// when the ledger head is n-1, so two publishers racing on the same head
// cannot both win.
package constraint

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// BasePublisher publishes the flow's own constraints.
const BasePublisher = ""

var (
	ErrVersionConflict = errors.New("constraint version conflict")
	ErrUnknownVersion  = errors.New("unknown constraint version")
)

// VersionConflictError reports a publication that did not extend the head.
type VersionConflictError struct {
	Attempted int
	Head      int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s: attempted version %d, head is %d (expected %d)", ErrVersionConflict, e.Attempted, e.Head, e.Head+1)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// Version is one immutable publication.
type Version struct {
	Number      int        `yaml:"number"`
	Publisher   string     `yaml:"publisher"`
	Directives  Directives `yaml:"directives"`
	PublishedAt time.Time  `yaml:"published_at"`
}

// Ledger is the append-only constraint history. It is safe for concurrent
// use; readers always observe a consistent prefix.
type Ledger struct {
	mu       sync.RWMutex
	versions []Version
	now      func() time.Time
}

// NewLedger creates an empty ledger whose head is 0.
func NewLedger() *Ledger {
	return &Ledger{now: time.Now}
}

// Head returns the latest version number, 0 when nothing was published.
func (l *Ledger) Head() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.versions)
}

// Publish appends version with the given directives. It fails with a
// *VersionConflictError unless version is exactly Head()+1.
func (l *Ledger) Publish(version int, publisher string, directives Directives) error {
	norm, err := Normalize(directives)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	head := len(l.versions)
	if version != head+1 {
		return &VersionConflictError{Attempted: version, Head: head}
	}
	l.versions = append(l.versions, Version{
		Number:      version,
		Publisher:   publisher,
		Directives:  norm,
		PublishedAt: l.now().UTC(),
	})
	return nil
}

// Resolve flattens every publication up to and including version. Later
// publications override earlier ones directive by directive. Version 0
// resolves to an empty set.
func (l *Ledger) Resolve(version int) (Directives, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if version < 0 || version > len(l.versions) {
		return nil, fmt.Errorf("%w: %d (head is %d)", ErrUnknownVersion, version, len(l.versions))
	}
	out := Directives{}
	for _, v := range l.versions[:version] {
		for k, val := range v.Directives {
			out[k] = val
		}
	}
	return out, nil
}

// Versions returns a copy of the full history, oldest first.
func (l *Ledger) Versions() []Version {
	return l.Since(0)
}

// Since returns the publications after version n, oldest first.
func (l *Ledger) Since(n int) []Version {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(l.versions) {
		return nil
	}
	out := make([]Version, 0, len(l.versions)-n)
	for _, v := range l.versions[n:] {
		out = append(out, v.clone())
	}
	return out
}

// Latest returns the most recent publication by publisher.
func (l *Ledger) Latest(publisher string) (Version, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.versions) - 1; i >= 0; i-- {
		if l.versions[i].Publisher == publisher {
			return l.versions[i].clone(), true
		}
	}
	return Version{}, false
}

// View is the constraint set one stage is invoked with.
type View struct {
	// Version is the highest ledger version that contributed to the view.
	Version    int
	Directives Directives
}

// Hash identifies the view's content. Two views with equal directives hash
// equally whatever their version numbers.
func (v View) Hash() string { return v.Directives.Hash() }

// View builds the constraint view for a consumer that trusts the publishers
// accepted by include. Only each publisher's latest publication counts, and
// publications are layered in version order.
//
// Taking the latest publication per publisher makes a rerun that republishes
// identical refinements produce an identical view.
func (l *Ledger) View(include func(publisher string) bool) View {
	l.mu.RLock()
	defer l.mu.RUnlock()

	latest := make(map[string]int)
	for i, v := range l.versions {
		if include == nil || include(v.Publisher) {
			latest[v.Publisher] = i
		}
	}
	idx := make([]int, 0, len(latest))
	for _, i := range latest {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	view := View{Directives: Directives{}}
	for _, i := range idx {
		v := l.versions[i]
		for k, val := range v.Directives {
			view.Directives[k] = val
		}
		view.Version = v.Number
	}
	return view
}

func (v Version) clone() Version {
	v.Directives = v.Directives.Clone()
	return v
}

// Clone returns an independent copy, used to plan against publications that
// must not reach the real ledger.
func (l *Ledger) Clone() *Ledger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c := &Ledger{now: l.now, versions: make([]Version, len(l.versions))}
	for i, v := range l.versions {
		c.versions[i] = v.clone()
	}
	return c
}
