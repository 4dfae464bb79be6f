// Package graph implements the module orderer of spec.md §4.5: modules are
// sorted by 2-D position, and a concurrency estimate is derived for the
// parallel runner's switchover decision (spec.md §4.6 "switchover rule").
package graph

import "audiorack/internal/module"

// Edge is a directed connection between two modules, addressed by
// (module_idx, port_idx) pairs rather than pointers, per spec.md §9.
type Edge struct {
	SrcModule, SrcPort int
	SnkModule, SnkPort int
}

// Graph owns the module vector and the edge set connecting them. Modules
// are referenced by their position in Modules, matching the
// arena-plus-indices model of spec.md §9.
type Graph struct {
	Modules []*module.Module
	Edges   []Edge

	// ConcurrencyEstimate is the max number of modules at any independent
	// DAG level, recomputed by Reorder (spec.md §4.5).
	ConcurrencyEstimate int
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{}
}

// IndexOf returns the position of m in Modules, or -1 if not present.
func (g *Graph) IndexOf(m *module.Module) int {
	for i, mm := range g.Modules {
		if mm == m {
			return i
		}
	}
	return -1
}

// AddModule appends a module to the graph and returns its index.
func (g *Graph) AddModule(m *module.Module) int {
	g.Modules = append(g.Modules, m)
	return len(g.Modules) - 1
}

// RemoveModule deletes the module at index i along with any edges touching
// it (called once its incident connections have all finished down-ramping,
// spec.md §3 "Lifecycles").
func (g *Graph) RemoveModule(i int) {
	if i < 0 || i >= len(g.Modules) {
		return
	}
	g.Modules = append(g.Modules[:i], g.Modules[i+1:]...)
	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if e.SrcModule == i || e.SnkModule == i {
			continue
		}
		if e.SrcModule > i {
			e.SrcModule--
		}
		if e.SnkModule > i {
			e.SnkModule--
		}
		kept = append(kept, e)
	}
	g.Edges = kept
}

// AddEdge records a connection between two (module,port) pairs.
func (g *Graph) AddEdge(e Edge) {
	g.Edges = append(g.Edges, e)
}

// RemoveEdge deletes the first edge matching src/snk exactly.
func (g *Graph) RemoveEdge(e Edge) {
	for i, ee := range g.Edges {
		if ee == e {
			g.Edges = append(g.Edges[:i], g.Edges[i+1:]...)
			return
		}
	}
}

// Order sorts Modules by (x, y) using an iterative quicksort with a fixed
// depth bound, avoiding recursion blowing the stack on pathological inputs
// (spec.md §4.5).
func (g *Graph) Order() {
	iterativeQuicksort(g.Modules, maxSortDepth(len(g.Modules)))
}

// maxSortDepth bounds the explicit work-stack depth at roughly 2*log2(n)+2,
// the standard introsort-style guard against worst-case partitioning.
func maxSortDepth(n int) int {
	depth := 2
	for n > 1 {
		n >>= 1
		depth += 2
	}
	return depth
}

func less(a, b *module.Module) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Y < b.Y
}

type frame struct{ lo, hi, depth int }

// iterativeQuicksort sorts in place using an explicit stack instead of
// recursion; once depth budget is exhausted for a partition it falls back
// to insertion sort, which is also used for small partitions directly.
func iterativeQuicksort(a []*module.Module, maxDepth int) {
	if len(a) < 2 {
		return
	}
	stack := []frame{{0, len(a) - 1, maxDepth}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		lo, hi := f.lo, f.hi
		for hi-lo > 12 && f.depth > 0 {
			p := partition(a, lo, hi)
			if p-lo < hi-p {
				stack = append(stack, frame{p + 1, hi, f.depth - 1})
				hi = p - 1
			} else {
				stack = append(stack, frame{lo, p - 1, f.depth - 1})
				lo = p + 1
			}
			f.depth--
		}
		insertionSort(a, lo, hi)
	}
}

func partition(a []*module.Module, lo, hi int) int {
	mid := lo + (hi-lo)/2
	pivot := a[mid]
	a[mid], a[hi] = a[hi], a[mid]
	store := lo
	for i := lo; i < hi; i++ {
		if less(a[i], pivot) {
			a[i], a[store] = a[store], a[i]
			store++
		}
	}
	a[store], a[hi] = a[hi], a[store]
	return store
}

func insertionSort(a []*module.Module, lo, hi int) {
	for i := lo + 1; i <= hi; i++ {
		v := a[i]
		j := i - 1
		for j >= lo && less(v, a[j]) {
			a[j+1] = a[j]
			j--
		}
		a[j+1] = v
	}
}

// Reorder re-sorts the modules and recomputes the concurrency estimate
// (spec.md §4.5).
func (g *Graph) Reorder() {
	g.Order()
	g.ConcurrencyEstimate = g.computeConcurrencyEstimate()
}

// computeConcurrencyEstimate returns the width of the widest DAG level,
// where a module's level is one plus the maximum level of its source
// modules (0 for modules with no sources).
func (g *Graph) computeConcurrencyEstimate() int {
	n := len(g.Modules)
	if n == 0 {
		return 0
	}
	level := make([]int, n)
	sources := make([][]int, n)
	for _, e := range g.Edges {
		if e.SrcModule == e.SnkModule {
			continue
		}
		sources[e.SnkModule] = append(sources[e.SnkModule], e.SrcModule)
	}
	// Topological levels via repeated relaxation: graphs here are small
	// (tens of modules), so an O(n*edges) fixed-point pass is simpler than
	// maintaining an explicit topo order and is run only on Reorder, never
	// per block.
	for iter := 0; iter < n; iter++ {
		changed := false
		for m := 0; m < n; m++ {
			want := 0
			for _, s := range sources[m] {
				if level[s]+1 > want {
					want = level[s] + 1
				}
			}
			if want != level[m] {
				level[m] = want
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	counts := make(map[int]int)
	max := 0
	for _, l := range level {
		counts[l]++
		if counts[l] > max {
			max = counts[l]
		}
	}
	return max
}

// SourceModules returns the distinct module indices feeding into snk.
func (g *Graph) SourceModules(snk int) []int {
	seen := map[int]bool{}
	var out []int
	for _, e := range g.Edges {
		if e.SnkModule == snk && !seen[e.SrcModule] {
			seen[e.SrcModule] = true
			out = append(out, e.SrcModule)
		}
	}
	return out
}

// DownstreamModules returns the distinct module indices fed by src.
func (g *Graph) DownstreamModules(src int) []int {
	seen := map[int]bool{}
	var out []int
	for _, e := range g.Edges {
		if e.SrcModule == src && !seen[e.SnkModule] {
			seen[e.SnkModule] = true
			out = append(out, e.SnkModule)
		}
	}
	return out
}
