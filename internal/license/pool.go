// Package license bounds how many backends run at once.
//
// Every admitted stage holds one global slot, and one slot of its license
// class when it has one. Slots are taken without blocking: the scheduler
// decides what to do when none is free.
package license

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/semaphore"
)

// ErrUnknownClass is returned for a license class the pool was not built with.
var ErrUnknownClass = errors.New("unknown license class")

// Pool tracks free slots per license class and across all classes.
type Pool struct {
	global  *semaphore.Weighted
	classes map[string]*semaphore.Weighted
	limits  map[string]int
	max     int
}

// NewPool creates a pool with a global ceiling and per-class ceilings.
// Ceilings must be positive.
func NewPool(global int, classes map[string]int) (*Pool, error) {
	if global <= 0 {
		return nil, fmt.Errorf("global ceiling must be positive, got %d", global)
	}
	p := &Pool{
		global:  semaphore.NewWeighted(int64(global)),
		classes: make(map[string]*semaphore.Weighted, len(classes)),
		limits:  make(map[string]int, len(classes)),
		max:     global,
	}
	for name, n := range classes {
		if n <= 0 {
			return nil, fmt.Errorf("license class %q: slots must be positive, got %d", name, n)
		}
		p.classes[name] = semaphore.NewWeighted(int64(n))
		p.limits[name] = n
	}
	return p, nil
}

// TryAcquire takes a global slot and, if class is non-empty, a slot of that
// class. It reports false, holding nothing, when either is exhausted.
func (p *Pool) TryAcquire(class string) (bool, error) {
	var cls *semaphore.Weighted
	if class != "" {
		var ok bool
		if cls, ok = p.classes[class]; !ok {
			return false, fmt.Errorf("%w: %q", ErrUnknownClass, class)
		}
	}
	if !p.global.TryAcquire(1) {
		return false, nil
	}
	if cls != nil && !cls.TryAcquire(1) {
		p.global.Release(1)
		return false, nil
	}
	return true, nil
}

// Release returns the slots taken by a successful TryAcquire(class).
func (p *Pool) Release(class string) {
	if class != "" {
		if cls, ok := p.classes[class]; ok {
			cls.Release(1)
		}
	}
	p.global.Release(1)
}

// Has reports whether class is known. The empty class always is.
func (p *Pool) Has(class string) bool {
	if class == "" {
		return true
	}
	_, ok := p.classes[class]
	return ok
}

// Global returns the global ceiling.
func (p *Pool) Global() int { return p.max }

// Limit returns the ceiling of class.
func (p *Pool) Limit(class string) (int, bool) {
	n, ok := p.limits[class]
	return n, ok
}

// Classes returns the configured class names, sorted.
func (p *Pool) Classes() []string {
	names := make([]string, 0, len(p.limits))
	for name := range p.limits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
