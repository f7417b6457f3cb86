package dag

import (
	"container/heap"
	"sort"

	"rtlflow/internal/core"
)

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// adjacency indexes stages by their position in sorted-name order, so the
// smallest index is also the smallest name.
type adjacency struct {
	names    []string
	outgoing [][]int
	indeg    []int
}

func (g *Graph) adjacency() adjacency {
	names := g.Stages()
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	a := adjacency{
		names:    names,
		outgoing: make([][]int, len(names)),
		indeg:    make([]int, len(names)),
	}
	for to, name := range names {
		seen := make(map[int]bool)
		for _, kind := range g.stages[name].Inputs {
			p, ok := g.producers[kind]
			if !ok || p == core.SourceProducer {
				continue
			}
			from := index[p]
			if seen[from] {
				continue
			}
			seen[from] = true
			a.outgoing[from] = append(a.outgoing[from], to)
			a.indeg[to]++
		}
	}
	for i := range a.outgoing {
		sort.Ints(a.outgoing[i])
	}
	return a
}

// TopologicalOrder returns the stages in dependency order. Among stages that
// are ready at the same time, the one whose name sorts first comes first, so
// the order is the same on every call.
//
// If the graph has a cycle it fails with ErrCycleDetected; the GraphError
// lists every stage that lies on a cycle.
func (g *Graph) TopologicalOrder() ([]string, error) {
	a := g.adjacency()
	indeg := make([]int, len(a.indeg))
	copy(indeg, a.indeg)

	ready := &intMinHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]string, 0, len(a.names))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		order = append(order, a.names[n])
		for _, m := range a.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	if len(order) == len(a.names) {
		return order, nil
	}
	return nil, cycleError(a.cyclicStages())
}

// cyclicStages finds the strongly connected components (Tarjan) and returns
// the members of every component that contains a cycle, sorted.
func (a adjacency) cyclicStages() []string {
	n := len(a.names)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var (
		stack  []int
		next   int
		cyclic []string
	)

	var strongConnect func(v int)
	strongConnect = func(v int) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		selfLoop := false
		for _, w := range a.outgoing[v] {
			if w == v {
				selfLoop = true
			}
			if index[w] == -1 {
				strongConnect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] != index[v] {
			return
		}
		var component []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		if len(component) > 1 || selfLoop {
			for _, w := range component {
				cyclic = append(cyclic, a.names[w])
			}
		}
	}

	for v := 0; v < n; v++ {
		if index[v] == -1 {
			strongConnect(v)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}
