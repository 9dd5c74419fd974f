// Package dependency implements the directed-acyclic-graph ordering used to
// sequence a push batch: a change declaring dependencies is never applied
// before the changes it depends on.
package dependency

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCycle is returned when the declared dependencies form a cycle. The
// whole batch is rejected in that case, nothing is partially applied.
var ErrCycle = errors.New("dependency cycle detected")

// Graph is a directed graph over string node ids. An edge from A to B means
// A must be ordered before B.
type Graph struct {
	nodes map[string]bool
	succ  map[string][]string
	inDeg map[string]int
}

func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]bool),
		succ:  make(map[string][]string),
		inDeg: make(map[string]int),
	}
}

func (g *Graph) AddNode(id string) {
	if !g.nodes[id] {
		g.nodes[id] = true
		g.inDeg[id] += 0
	}
}

// AddEdge records that `before` must precede `after`. Both nodes must have
// been added; unknown nodes are an error so callers detect dangling
// dependency references explicitly.
func (g *Graph) AddEdge(before, after string) error {
	if !g.nodes[before] {
		return fmt.Errorf("unknown dependency %q", before)
	}
	if !g.nodes[after] {
		return fmt.Errorf("unknown node %q", after)
	}
	g.succ[before] = append(g.succ[before], after)
	g.inDeg[after]++
	return nil
}

// Sort returns a topological order via Kahn's algorithm. Nodes that become
// ready at the same time are ordered by less, which makes the result
// deterministic for a given comparator. A cycle yields ErrCycle naming the
// nodes involved.
func (g *Graph) Sort(less func(a, b string) bool) ([]string, error) {
	inDeg := make(map[string]int, len(g.inDeg))
	for id, d := range g.inDeg {
		inDeg[id] = d
	}

	var ready []string
	for id := range g.nodes {
		if inDeg[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, succ := range g.succ[next] {
			inDeg[succ]--
			if inDeg[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(order) != len(g.nodes) {
		var stuck []string
		for id := range g.nodes {
			if inDeg[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}
