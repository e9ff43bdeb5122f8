// Package graph maintains the directed dependency graph between services and
// guarantees it stays acyclic. The cycle check runs a depth-first search over
// the union of the existing edges and the incoming edge set, which is O(V+E)
// per registration; that is fine at startup-time volumes (tens of services)
// and is not worth optimizing.
package graph

import (
	"servicekit/domain/registry"
	"servicekit/pkg/errors"
)

// Graph is a directed "requires" graph over service names. It carries no
// internal locking; the dependency container serializes all mutations.
type Graph struct {
	edges map[registry.ServiceName][]registry.ServiceName
	order []registry.ServiceName // first-seen order, used to break topological ties
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{
		edges: make(map[registry.ServiceName][]registry.ServiceName, 32),
	}
}

// SetDependencies records or overwrites the edge set for name. Before
// committing it verifies the union of the current graph and the new edges is
// acyclic; on rejection the graph is left unchanged and the returned error
// carries the full cycle path.
func (g *Graph) SetDependencies(name registry.ServiceName, deps []registry.ServiceName) error {
	candidate := make(map[registry.ServiceName][]registry.ServiceName, len(g.edges)+1)
	for n, e := range g.edges {
		candidate[n] = e
	}
	candidate[name] = deps

	if cycle := findCycle(candidate, name); cycle != nil {
		path := make([]string, len(cycle))
		for i, n := range cycle {
			path[i] = string(n)
		}
		return errors.NewCircularDependency(path)
	}

	if _, seen := g.edges[name]; !seen {
		g.order = append(g.order, name)
	}
	g.edges[name] = append([]registry.ServiceName(nil), deps...)
	for _, dep := range deps {
		if _, seen := g.edges[dep]; !seen {
			g.edges[dep] = nil
			g.order = append(g.order, dep)
		}
	}
	return nil
}

// DirectDependencies returns the declared dependencies of name.
func (g *Graph) DirectDependencies(name registry.ServiceName) []registry.ServiceName {
	return append([]registry.ServiceName(nil), g.edges[name]...)
}

// Names returns every node in first-seen order.
func (g *Graph) Names() []registry.ServiceName {
	return append([]registry.ServiceName(nil), g.order...)
}

// EdgeCount returns the total number of edges, used by tests to assert the
// graph is unchanged after a rejected registration.
func (g *Graph) EdgeCount() int {
	total := 0
	for _, deps := range g.edges {
		total += len(deps)
	}
	return total
}

// Snapshot returns a copy of the full edge set.
func (g *Graph) Snapshot() map[registry.ServiceName][]registry.ServiceName {
	out := make(map[registry.ServiceName][]registry.ServiceName, len(g.edges))
	for n, deps := range g.edges {
		out[n] = append([]registry.ServiceName(nil), deps...)
	}
	return out
}

// FanIn returns how many other services declare a dependency on name.
func (g *Graph) FanIn(name registry.ServiceName) int {
	count := 0
	for from, deps := range g.edges {
		if from == name {
			continue
		}
		for _, dep := range deps {
			if dep == name {
				count++
				break
			}
		}
	}
	return count
}

// TopologicalOrder returns a dependency-first construction order: every
// service appears after all of its dependencies. Deterministic for a fixed
// graph, with ties broken by first-seen order.
func (g *Graph) TopologicalOrder() []registry.ServiceName {
	visited := make(map[registry.ServiceName]bool, len(g.edges))
	out := make([]registry.ServiceName, 0, len(g.edges))

	var visit func(name registry.ServiceName)
	visit = func(name registry.ServiceName) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, dep := range g.edges[name] {
			visit(dep)
		}
		out = append(out, name)
	}

	for _, name := range g.order {
		visit(name)
	}
	return out
}

// findCycle runs a DFS from start over the candidate edge set and returns the
// first cycle found as an ordered path from the entry point back to itself,
// or nil if the reachable subgraph is acyclic.
func findCycle(edges map[registry.ServiceName][]registry.ServiceName, start registry.ServiceName) []registry.ServiceName {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[registry.ServiceName]int, len(edges))
	var stack []registry.ServiceName

	var visit func(name registry.ServiceName) []registry.ServiceName
	visit = func(name registry.ServiceName) []registry.ServiceName {
		state[name] = inStack
		stack = append(stack, name)

		for _, dep := range edges[name] {
			switch state[dep] {
			case inStack:
				// Unwind the stack back to the first occurrence of dep.
				for i, n := range stack {
					if n == dep {
						cycle := append([]registry.ServiceName(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	return visit(start)
}
